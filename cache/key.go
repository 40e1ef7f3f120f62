package cache

import (
	"strings"

	"github.com/infracollect/remod/locator"
)

// SchemeVersion identifies the key derivation scheme implemented by Key.
// Any change to Key must bump it so existing roots are evicted instead of
// silently orphaned.
const SchemeVersion = 1

// Key derives the cache entry name for a repository, or for a single file in
// it when filename is non-empty. Slashes in the reference and filename are
// replaced with underscores so every entry is a direct child of the root.
//
// Flattening is lossy. The directory key of owner/name:v2 equals the file key
// of "v2" in owner/name, and "a/b.lua" shares a key with "a_b.lua". Entries
// that collide share one path, so deleting either removes both.
func Key(id locator.Identity, filename string) string {
	parts := []string{id.Owner, id.Name}
	if id.Ref != "" {
		parts = append(parts, strings.ReplaceAll(id.Ref, "/", "_"))
	}
	if filename != "" {
		parts = append(parts, strings.ReplaceAll(filename, "/", "_"))
	}
	return strings.Join(parts, "_")
}
