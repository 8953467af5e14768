package incfiles

import (
	"path/filepath"
	"strings"
)

// PartOfDirPath derives the storage-relative directory §4.5 calls
// part_of_dir_path: the run of path components that matched a wildcard
// segment in pattern, captured from matchedPath, joined with "___" and then
// mapped back to "/" so the result reads as a normal relative directory.
//
// Example: pattern "/srv/sites/*/httpdocs", matchedPath
// "/srv/sites/example.com/httpdocs" -> "example.com".
// A pattern with two wildcard segments joins both captures with a slash:
// pattern "/srv/*/db/*.sql", matchedPath "/srv/app1/db/orders.sql" ->
// "app1/orders.sql".
func PartOfDirPath(pattern, matchedPath string) string {
	patternParts := strings.Split(filepath.ToSlash(pattern), "/")
	pathParts := strings.Split(filepath.ToSlash(matchedPath), "/")

	var captured []string
	for i, p := range patternParts {
		if i >= len(pathParts) {
			break
		}
		if strings.ContainsAny(p, "*?[") {
			captured = append(captured, pathParts[i])
		}
	}
	if len(captured) == 0 {
		// No wildcard in the pattern: the whole basename stands in as its
		// own bucket, matching a literal (non-glob) target.
		return filepath.Base(matchedPath)
	}
	return NormalizeDirPath(strings.Join(captured, "___"))
}

// NormalizeDirPath maps the "___" join marker back to path separators, the
// second half of §4.5's two-step derivation; PartOfDirPath applies it to
// its own result.
func NormalizeDirPath(s string) string {
	return strings.ReplaceAll(s, "___", "/")
}
