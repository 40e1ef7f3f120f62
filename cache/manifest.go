package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const (
	manifestName    = ".remod-cache.json"
	manifestLockKey = ".manifest"
)

// manifest is the root-level marker recording the key scheme and the file
// entries stored under the root.
type manifest struct {
	Scheme int                   `json:"scheme"`
	Files  map[string]fileRecord `json:"files,omitempty"`
}

// fileRecord remembers which repository a file entry belongs to, since the
// flattened key alone cannot be split back into its parts.
type fileRecord struct {
	Repository string `json:"repository"`
	Ref        string `json:"ref,omitempty"`
	Filename   string `json:"filename"`
}

func newManifest() *manifest {
	return &manifest{Scheme: SchemeVersion, Files: map[string]fileRecord{}}
}

func readManifest(path string) (*manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m := &manifest{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("failed to decode cache manifest: %w", err)
	}
	if m.Files == nil {
		m.Files = map[string]fileRecord{}
	}
	return m, nil
}

// writeManifest replaces the manifest through a rename so readers never see
// a partial file.
func writeManifest(path string, m *manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode cache manifest: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write cache manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write cache manifest: %w", err)
	}
	return nil
}

// evictEntries removes every child of root except the locks directory.
func evictEntries(root string) error {
	entries, err := os.ReadDir(root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Name() == locksDirName {
			continue
		}
		if err := os.RemoveAll(filepath.Join(root, e.Name())); err != nil {
			return err
		}
	}
	return nil
}
