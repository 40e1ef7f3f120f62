package cache

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
)

var (
	zipMagic  = []byte("PK\x03\x04")
	gzipMagic = []byte{0x1f, 0x8b}
)

// unpack extracts a zip or gzipped tar archive into destDir. The format is
// detected from the leading bytes.
func unpack(data []byte, destDir string) error {
	switch {
	case bytes.HasPrefix(data, zipMagic):
		return extractZip(data, destDir)
	case bytes.HasPrefix(data, gzipMagic):
		return extractTarGz(data, destDir)
	default:
		return errors.New("unrecognized archive format")
	}
}

// extractZip extracts an in-memory zip archive to a destination directory.
func extractZip(data []byte, destDir string) error {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("failed to open zip: %w", err)
	}

	var links []string
	for _, f := range r.File {
		fpath, err := safeJoin(destDir, f.Name)
		if err != nil {
			return err
		}
		if err := checkEntryPath(destDir, fpath); err != nil {
			return err
		}

		mode := f.Mode()
		switch {
		case mode.IsDir():
			if err := os.MkdirAll(fpath, 0o755); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
		case mode&os.ModeSymlink != 0:
			target, err := readZipEntry(f)
			if err != nil {
				return err
			}
			if err := writeSymlink(fpath, string(target)); err != nil {
				return err
			}
			links = append(links, fpath)
		default:
			rc, err := f.Open()
			if err != nil {
				return fmt.Errorf("failed to open zip entry: %w", err)
			}
			err = writeFile(fpath, rc, mode.Perm())
			rc.Close()
			if err != nil {
				return err
			}
		}
	}

	return verifyLinks(destDir, links)
}

func readZipEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open zip entry: %w", err)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// extractTarGz extracts an in-memory gzipped tar archive to a destination directory.
func extractTarGz(data []byte, destDir string) error {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to open gzip stream: %w", err)
	}
	defer gz.Close()

	var links []string
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return verifyLinks(destDir, links)
		}
		if err != nil {
			return fmt.Errorf("failed to read tar entry: %w", err)
		}

		// GitHub tarballs start with a pax global header carrying the commit.
		if hdr.Typeflag == tar.TypeXGlobalHeader {
			continue
		}

		fpath, err := safeJoin(destDir, hdr.Name)
		if err != nil {
			return err
		}
		if err := checkEntryPath(destDir, fpath); err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(fpath, 0o755); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
		case tar.TypeReg:
			if err := writeFile(fpath, tr, hdr.FileInfo().Mode().Perm()); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := writeSymlink(fpath, hdr.Linkname); err != nil {
				return err
			}
			links = append(links, fpath)
		}
	}
}

// safeJoin joins name onto destDir, rejecting entries that escape it.
func safeJoin(destDir, name string) (string, error) {
	fpath := filepath.Join(destDir, name)
	if !strings.HasPrefix(fpath, filepath.Clean(destDir)+string(os.PathSeparator)) {
		return "", fmt.Errorf("invalid file path: %s", name)
	}
	return fpath, nil
}

func writeFile(fpath string, r io.Reader, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(fpath), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	outFile, err := os.OpenFile(fpath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm|0o600)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}

	_, err = io.Copy(outFile, r)
	if cerr := outFile.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to extract file: %w", err)
	}
	return nil
}

// checkEntryPath rejects an entry when any existing component of its path,
// the entry itself included, is a symlink. Writes therefore never follow a
// link laid down by an earlier entry.
func checkEntryPath(destDir, fpath string) error {
	rel, err := filepath.Rel(destDir, fpath)
	if err != nil {
		return fmt.Errorf("invalid file path: %w", err)
	}
	cur := destDir
	for _, part := range strings.Split(rel, string(os.PathSeparator)) {
		cur = filepath.Join(cur, part)
		info, err := os.Lstat(cur)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to stat %s: %w", rel, err)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("invalid file path: %s passes through a symlink", rel)
		}
	}
	return nil
}

func writeSymlink(fpath, target string) error {
	if filepath.IsAbs(target) {
		return fmt.Errorf("invalid symlink target: %s", target)
	}
	if err := os.MkdirAll(filepath.Dir(fpath), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.Symlink(target, fpath); err != nil {
		return fmt.Errorf("failed to create symlink: %w", err)
	}
	return nil
}

// verifyLinks checks every extracted symlink once the whole tree is on disk.
func verifyLinks(destDir string, links []string) error {
	for _, link := range links {
		if err := verifyLink(destDir, link); err != nil {
			return err
		}
	}
	return nil
}

// verifyLink walks the link target one component at a time. The archive's
// top-level directory is moved into the cache on its own, so resolution must
// stay inside it, and every intermediate component must be a real directory.
// A walk that hits a missing component stops there: the link dangles.
func verifyLink(destDir, link string) error {
	rel, err := filepath.Rel(destDir, link)
	if err != nil {
		return fmt.Errorf("invalid symlink path: %w", err)
	}
	parts := strings.Split(rel, string(os.PathSeparator))
	if len(parts) < 2 {
		return fmt.Errorf("invalid symlink path: %s", rel)
	}
	root := filepath.Join(destDir, parts[0])

	target, err := os.Readlink(link)
	if err != nil {
		return fmt.Errorf("failed to read symlink: %w", err)
	}
	if filepath.IsAbs(target) {
		return fmt.Errorf("invalid symlink target: %s", target)
	}

	cur := filepath.Dir(link)
	comps := strings.Split(filepath.ToSlash(target), "/")
	for i, comp := range comps {
		switch comp {
		case "", ".":
			continue
		case "..":
			if cur == root {
				return fmt.Errorf("invalid symlink target: %s -> %s", rel, target)
			}
			cur = filepath.Dir(cur)
			continue
		}

		cur = filepath.Join(cur, comp)
		if i == len(comps)-1 {
			return nil
		}
		info, err := os.Lstat(cur)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to stat symlink target: %w", err)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("invalid symlink target: %s -> %s passes through a symlink", rel, target)
		}
		if !info.IsDir() {
			return nil
		}
	}
	return nil
}

// topLevelDirs lists the directories directly under dir.
func topLevelDirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	return dirs, nil
}
