package incfiles

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/vaultcron/vaultcron/internal/clock"
	"github.com/vaultcron/vaultcron/internal/destination"
	"github.com/vaultcron/vaultcron/internal/errs"
)

const (
	yearIncName  = "year.inc"
	monthIncName = "month.inc"
	dailyIncName = "daily.inc"
)

// Result describes what PlaceIncremental produced, for the caller (the
// inc_files job driver) to log and for tests to assert against.
type Result struct {
	ArchivePath string
	Basis       string // "none" (full), "year.inc", "month.inc", or "daily.inc"
	IndexWritten string // path of the new index this run wrote, if any
}

// PlaceIncremental is the entry point named in §4.5. dstRoot is the
// destination-local directory corresponding to <dst_root>/<part_of_dir_path>
// (already resolved by the caller via Driver.EffectiveLocalPath +
// PartOfDirPath); walkTarget is the filesystem path actually archived.
func PlaceIncremental(
	ctx context.Context,
	log *zap.Logger,
	drv destination.Driver,
	data *destination.Data,
	now clock.Tokens,
	anchors clock.Anchors,
	dstRoot string,
	walkTarget string,
	exclude *regexp.Regexp,
	gzipOut bool,
	monthsToStore int,
	artifactBasename string,
	artifactStamp string,
) (*Result, error) {
	log = log.Named("incfiles")
	fs := data.FS()
	if fs == nil {
		return nil, fmt.Errorf("%w: destination has no filesystem handle after mount", errs.ErrRotationFailed)
	}

	if err := prePrune(ctx, log, fs, dstRoot, now, monthsToStore); err != nil {
		log.Warn("pre-prune failed", zap.Error(err))
	}

	yearDir := filepath.Join(dstRoot, now.YearDir())
	yearTierDir := filepath.Join(yearDir, "year")
	yearInc := filepath.Join(yearTierDir, yearIncName)
	monthDir := filepath.Join(yearDir, now.MonthDir())
	monthlyDir := filepath.Join(monthDir, "monthly")
	monthInc := filepath.Join(monthlyDir, monthIncName)
	decadeDir := filepath.Join(monthDir, "daily", now.DailyPrefix())
	dailyInc := filepath.Join(decadeDir, dailyIncName)

	ext := ".tar"
	if gzipOut {
		ext += ".gz"
	}
	archiveName := fmt.Sprintf("%s_%s%s", artifactBasename, artifactStamp, ext)

	if _, err := fs.Stat(ctx, yearInc); errors.Is(err, destination.ErrNotExist) {
		return reinitFull(ctx, log, drv, fs, walkTarget, exclude, gzipOut, yearTierDir, yearInc, monthlyDir, monthInc,
			filepath.Join(monthDir, "daily", "day_01"), archiveName)
	}

	switch {
	case now.DOM == 1:
		return diffRound(ctx, log, drv, fs, walkTarget, exclude, gzipOut, yearInc, "year.inc", monthlyDir, monthInc,
			[]siblingIndex{{filepath.Join(monthDir, "daily", "day_01"), monthIncName}}, archiveName)

	case now.DOM == 11 || now.DOM == 21:
		return diffRound(ctx, log, drv, fs, walkTarget, exclude, gzipOut, monthInc, "month.inc", decadeDir, dailyInc, nil, archiveName)

	default:
		basis := dailyInc
		if _, err := fs.Stat(ctx, basis); errors.Is(err, destination.ErrNotExist) {
			// No same-decade basis yet this month (e.g. mid-decade first
			// run after a fresh install) — fall back to the month basis so
			// the diff still has something to compare against.
			basis = monthInc
		}
		old, err := ReadIndex(ctx, fs, basis)
		if err != nil {
			return nil, err
		}
		newIdx, err := BuildIndex(walkTarget, exclude)
		if err != nil {
			return nil, err
		}
		modify, _ := Diff(old, newIdx)

		outPath := filepath.Join(decadeDir, archiveName)
		if err := writeArchive(ctx, fs, outPath, walkTarget, modify, exclude, gzipOut); err != nil {
			return nil, err
		}
		log.Info("wrote daily decade diff (no new index)", zap.String("basis", basis), zap.String("archive", outPath))
		return &Result{ArchivePath: outPath, Basis: filepath.Base(basis)}, nil
	}
}

type siblingIndex struct {
	dir  string
	name string
}

func reinitFull(
	ctx context.Context,
	log *zap.Logger,
	drv destination.Driver,
	fs destination.RemoteFS,
	walkTarget string,
	exclude *regexp.Regexp,
	gzipOut bool,
	yearTierDir, yearInc, monthlyDir, monthInc, day01Dir, archiveName string,
) (*Result, error) {
	if info, err := fs.Stat(ctx, filepath.Dir(yearTierDir)); err == nil && info.IsDir {
		log.Warn("year.inc missing but year directory present, reinitializing", zap.String("dir", filepath.Dir(yearTierDir)))
		if err := fs.RemoveAll(ctx, filepath.Dir(yearTierDir)); err != nil {
			return nil, fmt.Errorf("%w: remove broken year dir: %s", errs.ErrIndexWrite, err)
		}
	}

	idx, err := BuildIndex(walkTarget, exclude)
	if err != nil {
		return nil, err
	}
	if err := WriteIndex(ctx, fs, yearInc, idx); err != nil {
		return nil, err
	}

	archivePath := filepath.Join(yearTierDir, archiveName)
	allModified := make(map[string]bool, len(idx))
	for p := range idx {
		allModified[p] = true
	}
	if err := writeArchive(ctx, fs, archivePath, walkTarget, allModified, exclude, gzipOut); err != nil {
		return nil, err
	}

	if err := publishSibling(ctx, fs, drv, archivePath, filepath.Join(monthlyDir, archiveName), true); err != nil {
		log.Error("publish to monthly failed", zap.Error(err))
	}
	if err := publishSibling(ctx, fs, drv, yearInc, filepath.Join(monthlyDir, yearIncName), false); err != nil {
		log.Error("publish year.inc to monthly failed", zap.Error(err))
	}
	if err := publishSibling(ctx, fs, drv, archivePath, filepath.Join(day01Dir, archiveName), true); err != nil {
		log.Error("publish to day_01 failed", zap.Error(err))
	}
	if err := publishSibling(ctx, fs, drv, yearInc, filepath.Join(day01Dir, yearIncName), false); err != nil {
		log.Error("publish year.inc to day_01 failed", zap.Error(err))
	}

	log.Info("reinitialized full incremental chain", zap.String("archive", archivePath))
	return &Result{ArchivePath: archivePath, Basis: "none", IndexWritten: yearInc}, nil
}

func diffRound(
	ctx context.Context,
	log *zap.Logger,
	drv destination.Driver,
	fs destination.RemoteFS,
	walkTarget string,
	exclude *regexp.Regexp,
	gzipOut bool,
	basisPath, basisName string,
	outDir, outIncPath string,
	siblings []siblingIndex,
	archiveName string,
) (*Result, error) {
	old, err := ReadIndex(ctx, fs, basisPath)
	if err != nil {
		return nil, err
	}
	newIdx, err := BuildIndex(walkTarget, exclude)
	if err != nil {
		return nil, err
	}
	modify, _ := Diff(old, newIdx)

	archivePath := filepath.Join(outDir, archiveName)
	if err := writeArchive(ctx, fs, archivePath, walkTarget, modify, exclude, gzipOut); err != nil {
		return nil, err
	}
	if err := WriteIndex(ctx, fs, outIncPath, newIdx); err != nil {
		return nil, err
	}

	for _, sib := range siblings {
		if err := publishSibling(ctx, fs, drv, outIncPath, filepath.Join(sib.dir, sib.name), false); err != nil {
			log.Error("publish sibling index failed", zap.String("dir", sib.dir), zap.Error(err))
		}
	}

	log.Info("wrote diff against basis", zap.String("basis", basisName), zap.String("archive", archivePath))
	return &Result{ArchivePath: archivePath, Basis: basisName, IndexWritten: outIncPath}, nil
}

// publishSibling places src (an archive or an index file) at dst. Archives
// are symlinked where the driver supports it (local, scp, nfs — §4.5
// explicitly calls out scp/nfs using a symlink whose target is the
// remote-translated path); index files are always copied, never linked,
// even on symlink-capable destinations.
func publishSibling(ctx context.Context, fs destination.RemoteFS, drv destination.Driver, src, dst string, isArchive bool) error {
	if err := fs.MkdirAll(ctx, filepath.Dir(dst)); err != nil {
		return fmt.Errorf("%w: mkdir %s: %s", errs.ErrRotationFailed, filepath.Dir(dst), err)
	}
	if isArchive && drv != nil && drv.SupportsSymlink() {
		_ = fs.Remove(ctx, dst)
		if err := fs.Symlink(ctx, src, dst); err == nil {
			return nil
		}
		// Fall through to copy if symlink isn't available on this fs.
	}
	return copySiblingFile(ctx, fs, src, dst)
}

func copySiblingFile(ctx context.Context, fs destination.RemoteFS, src, dst string) error {
	in, err := fs.Open(ctx, src)
	if err != nil {
		return fmt.Errorf("%w: open %s: %s", errs.ErrRotationFailed, src, err)
	}
	defer in.Close()
	out, err := fs.Create(ctx, dst)
	if err != nil {
		return fmt.Errorf("%w: create %s: %s", errs.ErrRotationFailed, dst, err)
	}
	defer out.Close()
	if _, err := io.CopyBuffer(out, in, make([]byte, 256*1024)); err != nil {
		return fmt.Errorf("%w: copy %s -> %s: %s", errs.ErrRotationFailed, src, dst, err)
	}
	return out.Close()
}

func writeArchive(ctx context.Context, fs destination.RemoteFS, outPath, walkTarget string, modify map[string]bool, exclude *regexp.Regexp, gzipOut bool) error {
	if err := fs.MkdirAll(ctx, filepath.Dir(outPath)); err != nil {
		return fmt.Errorf("%w: mkdir %s: %s", errs.ErrArchiveFailed, filepath.Dir(outPath), err)
	}
	f, err := fs.Create(ctx, outPath)
	if err != nil {
		return fmt.Errorf("%w: create %s: %s", errs.ErrArchiveFailed, outPath, err)
	}
	defer f.Close()

	if !gzipOut {
		if err := BuildArchive(f, walkTarget, modify, exclude); err != nil {
			return err
		}
		return f.Close()
	}
	gz := gzip.NewWriter(f)
	if err := BuildArchive(gz, walkTarget, modify, exclude); err != nil {
		gz.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}
	return f.Close()
}

// prePrune implements §4.5's pre-prune step: month directories outside the
// retention window [today-monthsToStore+1 .. today] (wrapping year
// boundaries) are deleted; a year directory left containing only "year/" is
// deleted wholesale.
func prePrune(ctx context.Context, log *zap.Logger, fs destination.RemoteFS, dstRoot string, now clock.Tokens, monthsToStore int) error {
	retained := retainedYearMonths(now, monthsToStore)

	entries, err := fs.ReadDir(ctx, dstRoot)
	if err != nil {
		if errors.Is(err, destination.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("%w: readdir %s: %s", errs.ErrRotationFailed, dstRoot, err)
	}

	for _, yearEntry := range entries {
		if !yearEntry.IsDir {
			continue
		}
		year, err := strconv.Atoi(yearEntry.Name)
		if err != nil {
			continue // not a YYYY directory
		}
		yearDir := filepath.Join(dstRoot, yearEntry.Name)

		monthEntries, err := fs.ReadDir(ctx, yearDir)
		if err != nil {
			continue
		}
		for _, monthEntry := range monthEntries {
			name := monthEntry.Name
			if !monthEntry.IsDir || !strings.HasPrefix(name, "month_") {
				continue
			}
			moy, err := strconv.Atoi(strings.TrimPrefix(name, "month_"))
			if err != nil {
				continue
			}
			if !retained[[2]int{year, moy}] {
				if err := fs.RemoveAll(ctx, filepath.Join(yearDir, name)); err != nil {
					log.Warn("failed to prune aged month directory", zap.String("dir", name), zap.Error(err))
				} else {
					log.Info("pruned aged month directory", zap.Int("year", year), zap.Int("month", moy))
				}
			}
		}

		if isYearOutsideWindow(year, retained) {
			remaining, err := fs.ReadDir(ctx, yearDir)
			if err == nil && len(remaining) == 1 && remaining[0].Name == "year" {
				if err := fs.RemoveAll(ctx, yearDir); err != nil {
					log.Warn("failed to prune aged year directory", zap.Error(err))
				} else {
					log.Info("pruned aged year directory (contained only year/)", zap.Int("year", year))
				}
			}
		}
	}
	return nil
}

func retainedYearMonths(now clock.Tokens, monthsToStore int) map[[2]int]bool {
	retained := make(map[[2]int]bool, monthsToStore)
	y, m := now.Year, now.MOY
	for i := 0; i < monthsToStore; i++ {
		retained[[2]int{y, m}] = true
		m--
		if m < 1 {
			m = 12
			y--
		}
	}
	return retained
}

func isYearOutsideWindow(year int, retained map[[2]int]bool) bool {
	for k := range retained {
		if k[0] == year {
			return false
		}
	}
	return true
}

// sortedKeys returns idx's keys in sorted order, for deterministic
// iteration over an Index. Nothing in the package calls it at present.
func sortedKeys(idx Index) []string {
	keys := make([]string, 0, len(idx))
	for k := range idx {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
