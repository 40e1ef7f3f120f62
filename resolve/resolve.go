// Package resolve turns cached repository content into runnable handles.
//
// A Resolver loads a module either from a cached repository directory or
// from a single cached file. Each resolution is self-contained: runtimes
// receive the directory to search explicitly and never mutate
// process-global state.
package resolve

import (
	"context"
	"path"
	"strings"

	"github.com/zclconf/go-cty/cty"
)

// Resolver loads modules from cache entries.
type Resolver interface {
	// FromDir loads the module named after filename's stem with dir as the
	// module search root.
	FromDir(ctx context.Context, dir, filename, entry string) (*Handle, error)

	// FromFile loads the single file at path as a standalone module.
	// filename is the file's name within its repository.
	FromFile(ctx context.Context, path, filename, entry string) (*Handle, error)
}

// Module is a loaded unit of fetched code.
type Module interface {
	Name() string
	Doc() string
	// Attributes lists the names Lookup can resolve, sorted.
	Attributes() []string
	Lookup(name string) (Value, bool)
	// Close releases the runtime backing the module and every Value
	// obtained from it.
	Close() error
}

// Value is one named attribute of a Module.
type Value interface {
	Name() string
	Doc() string
	Callable() bool
	// Data converts a non-callable attribute into a cty value.
	Data(ctx context.Context) (cty.Value, error)
	// Call invokes a callable attribute.
	Call(ctx context.Context, args ...cty.Value) (cty.Value, error)
}

// Stem returns the module name for a filename: its base name without the
// extension.
func Stem(filename string) string {
	base := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	return strings.TrimSuffix(base, path.Ext(base))
}

// Ext returns the extension of filename's base name, including the dot.
func Ext(filename string) string {
	return path.Ext(path.Base(strings.ReplaceAll(filename, "\\", "/")))
}
