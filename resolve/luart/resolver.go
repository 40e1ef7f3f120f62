// Package luart resolves fetched Lua code into module handles using an
// embedded gopher-lua runtime.
//
// Every resolution runs in its own interpreter state. Directory resolution
// points that state's package.path at the cached repository, so sibling
// modules can be required without touching any process-wide search path.
package luart

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/go-logr/logr"
	lua "github.com/yuin/gopher-lua"

	"github.com/infracollect/remod/resolve"
)

// Extension is the filename extension handled by this runtime.
const Extension = ".lua"

// Resolver implements resolve.Resolver for Lua sources.
type Resolver struct {
	logger logr.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger for load events.
func WithLogger(logger logr.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// New creates a Lua resolver.
func New(opts ...Option) *Resolver {
	r := &Resolver{logger: logr.Discard()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// FromDir requires the module named after filename's stem, searching dir.
func (r *Resolver) FromDir(ctx context.Context, dir, filename, entry string) (*resolve.Handle, error) {
	name := resolve.Stem(filename)

	L := newState(ctx)
	pkg, ok := L.GetGlobal("package").(*lua.LTable)
	if !ok {
		L.Close()
		return nil, &resolve.ImportError{Module: name, Path: dir, Err: errors.New("package library unavailable")}
	}
	L.SetField(pkg, "path", lua.LString(searchPath(dir)))

	baseline := globalNames(L)
	err := L.CallByParam(lua.P{Fn: L.GetGlobal("require"), NRet: 1, Protect: true}, lua.LString(name))
	if err != nil {
		L.Close()
		return nil, &resolve.ImportError{Module: name, Path: dir, Err: err}
	}
	ret := L.Get(-1)
	L.Pop(1)
	L.RemoveContext()

	source := findSource(dir, name)
	r.logger.V(1).Info("loaded lua module", "module", name, "path", source)

	m := newModule(L, name, source, exports(L, ret, baseline))
	return resolve.Select(m, entry)
}

// FromFile runs the file at path as a standalone chunk.
func (r *Resolver) FromFile(ctx context.Context, path, filename, entry string) (*resolve.Handle, error) {
	name := resolve.Stem(filename)

	L := newState(ctx)
	baseline := globalNames(L)

	fn, err := L.LoadFile(path)
	if err != nil {
		L.Close()
		return nil, &resolve.ImportError{Module: name, Path: path, Err: err}
	}
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}); err != nil {
		L.Close()
		return nil, &resolve.ImportError{Module: name, Path: path, Err: err}
	}
	ret := L.Get(-1)
	L.Pop(1)
	L.RemoveContext()

	r.logger.V(1).Info("loaded lua file", "module", name, "path", path)

	m := newModule(L, name, path, exports(L, ret, baseline))
	return resolve.Select(m, entry)
}

func newState(ctx context.Context) *lua.LState {
	L := lua.NewState()
	L.SetContext(ctx)
	return L
}

// searchPath builds a package.path rooted at dir.
func searchPath(dir string) string {
	return filepath.Join(dir, "?.lua") + ";" + filepath.Join(dir, "?", "init.lua")
}

// findSource returns the file require would have loaded for name.
func findSource(dir, name string) string {
	for _, candidate := range []string{
		filepath.Join(dir, name+Extension),
		filepath.Join(dir, name, "init"+Extension),
	} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		} else if !errors.Is(err, fs.ErrNotExist) {
			break
		}
	}
	return ""
}

// globalNames snapshots the names defined in the global table.
func globalNames(L *lua.LState) map[string]struct{} {
	names := make(map[string]struct{})
	L.G.Global.ForEach(func(k, _ lua.LValue) {
		if s, ok := k.(lua.LString); ok {
			names[string(s)] = struct{}{}
		}
	})
	return names
}

// exports picks the table a chunk exposes: the table it returned, or else a
// table of the globals it defined.
func exports(L *lua.LState, ret lua.LValue, baseline map[string]struct{}) *lua.LTable {
	if t, ok := ret.(*lua.LTable); ok {
		return t
	}
	t := L.NewTable()
	L.G.Global.ForEach(func(k, v lua.LValue) {
		s, ok := k.(lua.LString)
		if !ok {
			return
		}
		if _, seen := baseline[string(s)]; seen {
			return
		}
		t.RawSetString(string(s), v)
	})
	return t
}
