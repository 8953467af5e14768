package jobs

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/vaultcron/vaultcron/internal/errs"
)

// compileExcludeRegex translates a set of exclude glob patterns into one
// combined regexp, expanding "**/" as recursive per §3/§8 and otherwise
// mapping "*" to a single path-segment wildcard — grounded on the
// defensive-return idiom of agent/internal/docker/discovery.go. The patterns
// are compiled as one expression, so a compile failure rejects the whole
// exclude set with errs.ErrConfig; no single pattern is skipped on its own.
func compileExcludeRegex(patterns []string) (*regexp.Regexp, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	var parts []string
	for _, p := range patterns {
		parts = append(parts, globToRegexFragment(p))
	}
	combined := "(?:" + strings.Join(parts, "|") + ")"
	re, err := regexp.Compile(combined)
	if err != nil {
		return nil, fmt.Errorf("%w: compile exclude pattern: %s", errs.ErrConfig, err)
	}
	return re, nil
}

// globToRegexFragment maps one glob pattern to an unanchored regexp
// fragment. "**/" becomes ".*/" (recursive); "*" becomes "[^/]*"; "?"
// becomes "[^/]"; everything else is escaped literally.
func globToRegexFragment(pattern string) string {
	pattern = strings.ReplaceAll(pattern, "**/", "\x00RECURSIVE\x00")
	var b strings.Builder
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString("[^/]*")
		case '?':
			b.WriteString("[^/]")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	out := b.String()
	out = strings.ReplaceAll(out, regexp.QuoteMeta("\x00RECURSIVE\x00"), ".*/")
	return out
}

// tarDirectoryExcluding is tarDirectory with an additional exclude filter,
// used by the desc_files driver.
func tarDirectoryExcluding(root, outPath string, gzipOut bool, exclude *regexp.Regexp) error {
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("%w: mkdir %s: %s", errs.ErrArchiveFailed, filepath.Dir(outPath), err)
	}
	f, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("%w: create %s: %s", errs.ErrArchiveFailed, outPath, err)
	}
	defer f.Close()

	var w io.Writer = f
	var gz *gzip.Writer
	if gzipOut {
		gz = gzip.NewWriter(f)
		w = gz
	}
	tw := tar.NewWriter(w)

	walkErr := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if exclude != nil && exclude.MatchString(path) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel, rerr := filepath.Rel(root, path)
		if rerr != nil {
			return rerr
		}
		if rel == "." {
			return nil
		}
		hdr, herr := tar.FileInfoHeader(info, "")
		if herr != nil {
			return herr
		}
		hdr.Name = rel
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		file, ferr := os.Open(path)
		if ferr != nil {
			if os.IsNotExist(ferr) {
				return nil
			}
			return ferr
		}
		defer file.Close()
		_, err = io.Copy(tw, file)
		return err
	})
	if walkErr != nil {
		return fmt.Errorf("%w: tar %s: %s", errs.ErrArchiveFailed, root, walkErr)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("%w: close tar writer: %s", errs.ErrArchiveFailed, err)
	}
	if gz != nil {
		return gz.Close()
	}
	return nil
}
