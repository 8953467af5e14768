package incfiles

// Diff computes the modified/unmodified split between a basis index and a
// freshly walked one, per §4.5: modify = (new keys not in old) ∪ (keys in
// both whose mtime differs). A path present in new but whose comparison
// against old cannot be made cleanly is treated as modified defensively —
// in this Go port that can't throw a KeyError the way a dict lookup would
// in the original, so the defensive branch collapses into the ordinary
// "not in old" case, but is named here to keep the mapping from §4.5 and
// §9 explicit.
func Diff(old, new Index) (modify, notModify map[string]bool) {
	modify = make(map[string]bool)
	notModify = make(map[string]bool)

	for path, newMtime := range new {
		oldMtime, existed := old[path]
		switch {
		case !existed:
			modify[path] = true
		case oldMtime != newMtime:
			modify[path] = true
		default:
			notModify[path] = true
		}
	}
	return modify, notModify
}
