package incfiles

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/vaultcron/vaultcron/internal/errs"
)

// dumpdirKey is the PAX extended attribute name §4.5/§6 specify for the
// per-directory child catalogue.
const dumpdirKey = "GNU.dumpdir"

// sigil classifies one child of a directory within a GNU.dumpdir catalogue.
type sigil byte

const (
	sigilDir       sigil = 'D'
	sigilModified  sigil = 'Y'
	sigilUnchanged sigil = 'N'
)

// BuildArchive writes a PAX-format tar to w containing, for every walked
// directory not excluded, a GNU.dumpdir header describing its immediate
// children, followed by the file content of every path in modify. Unchanged
// files are represented only by their 'N' catalogue entry, never their
// bytes — that's the entire point of the incremental format.
func BuildArchive(w io.Writer, root string, modify map[string]bool, exclude *regexp.Regexp) error {
	tw := tar.NewWriter(w)
	defer tw.Close()

	children := make(map[string][]string) // dir -> immediate child absolute paths
	var dirs []string

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
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
		if info.IsDir() {
			dirs = append(dirs, path)
			return nil
		}
		parent := filepath.Dir(path)
		children[parent] = append(children[parent], path)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: walk %s: %s", errs.ErrArchiveFailed, root, err)
	}

	// Directories are also children of their parent, for the catalogue.
	for _, d := range dirs {
		if d == root {
			continue
		}
		parent := filepath.Dir(d)
		children[parent] = append(children[parent], d)
	}

	sort.Strings(dirs)
	for _, dir := range dirs {
		if err := writeDumpdirEntry(tw, root, dir, children[dir], modify); err != nil {
			return err
		}
	}

	// Stable order for reproducible archives under test.
	var modPaths []string
	for p := range modify {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			modPaths = append(modPaths, p)
		}
	}
	sort.Strings(modPaths)

	for _, p := range modPaths {
		if err := writeFileEntry(tw, root, p); err != nil {
			return err
		}
	}
	return nil
}

func writeDumpdirEntry(tw *tar.Writer, root, dir string, children []string, modify map[string]bool) error {
	rel, err := filepath.Rel(root, dir)
	if err != nil {
		return fmt.Errorf("%w: relativize %s: %s", errs.ErrArchiveFailed, dir, err)
	}
	if rel == "." {
		rel = ""
	}

	sort.Strings(children)
	var b strings.Builder
	for _, child := range children {
		info, err := os.Stat(child)
		if err != nil {
			continue // missing during walk: silently skipped per §4.5
		}
		sig := sigilUnchanged
		switch {
		case info.IsDir():
			sig = sigilDir
		case modify[child]:
			sig = sigilModified
		}
		b.WriteByte(byte(sig))
		b.WriteString(filepath.Base(child))
		b.WriteByte(0)
	}
	b.WriteByte(0) // trailing NUL terminates the catalogue

	hdr := &tar.Header{
		Name:       rel + "/",
		Typeflag:   tar.TypeDir,
		Mode:       0o755,
		Format:     tar.FormatPAX,
		PAXRecords: map[string]string{dumpdirKey: b.String()},
	}
	if fi, err := os.Stat(dir); err == nil {
		hdr.ModTime = fi.ModTime()
	}
	if hdr.Name == "/" {
		hdr.Name = "./"
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("%w: write dumpdir header for %s: %s", errs.ErrArchiveFailed, dir, err)
	}
	return nil
}

func writeFileEntry(tw *tar.Writer, root, path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // missing during walk: silently skipped
		}
		return fmt.Errorf("%w: open %s: %s", errs.ErrArchiveFailed, path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%w: stat %s: %s", errs.ErrArchiveFailed, path, err)
	}

	rel, err := filepath.Rel(root, path)
	if err != nil {
		return fmt.Errorf("%w: relativize %s: %s", errs.ErrArchiveFailed, path, err)
	}

	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("%w: header for %s: %s", errs.ErrArchiveFailed, path, err)
	}
	hdr.Name = rel
	hdr.Format = tar.FormatPAX

	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("%w: write header for %s: %s", errs.ErrArchiveFailed, path, err)
	}
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("%w: write body for %s: %s", errs.ErrArchiveFailed, path, err)
	}
	return nil
}
