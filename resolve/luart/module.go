package luart

import (
	"context"
	"fmt"
	"sort"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"github.com/zclconf/go-cty/cty"

	"github.com/infracollect/remod/resolve"
)

// docField names the string attribute that overrides a module's doc comment.
const docField = "__doc"

// module implements resolve.Module over one interpreter state. The state is
// not safe for concurrent use, so every access holds mu.
type module struct {
	mu     sync.Mutex
	L      *lua.LState
	name   string
	path   string
	attrs  *lua.LTable
	docs   *docIndex
	closed bool
}

func newModule(L *lua.LState, name, path string, attrs *lua.LTable) *module {
	return &module{
		L:     L,
		name:  name,
		path:  path,
		attrs: attrs,
		docs:  newDocIndex(),
	}
}

func (m *module) Name() string {
	return m.name
}

func (m *module) Doc() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.attrs.RawGetString(docField).(lua.LString); ok {
		return string(s)
	}
	if m.path == "" {
		return ""
	}
	return m.docs.header(m.path)
}

func (m *module) Attributes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var names []string
	m.attrs.ForEach(func(k, _ lua.LValue) {
		if s, ok := k.(lua.LString); ok && string(s) != docField {
			names = append(names, string(s))
		}
	})
	sort.Strings(names)
	return names
}

func (m *module) Lookup(name string) (resolve.Value, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lv := m.attrs.RawGetString(name)
	if lv == lua.LNil {
		return nil, false
	}
	return &value{m: m, name: name, lv: lv}, true
}

func (m *module) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.closed {
		m.closed = true
		m.L.Close()
	}
	return nil
}

// value implements resolve.Value for one attribute of a module.
type value struct {
	m    *module
	name string
	lv   lua.LValue
}

func (v *value) Name() string {
	return v.name
}

func (v *value) Doc() string {
	v.m.mu.Lock()
	defer v.m.mu.Unlock()

	switch lv := v.lv.(type) {
	case *lua.LFunction:
		if lv.Proto == nil {
			return ""
		}
		return v.m.docs.above(lv.Proto.SourceName, lv.Proto.LineDefined)
	case *lua.LTable:
		if s, ok := lv.RawGetString(docField).(lua.LString); ok {
			return string(s)
		}
	}
	return ""
}

func (v *value) Callable() bool {
	return v.lv.Type() == lua.LTFunction
}

func (v *value) Data(context.Context) (cty.Value, error) {
	v.m.mu.Lock()
	defer v.m.mu.Unlock()

	return toCty(v.lv)
}

func (v *value) Call(ctx context.Context, args ...cty.Value) (cty.Value, error) {
	v.m.mu.Lock()
	defer v.m.mu.Unlock()

	if v.m.closed {
		return cty.NilVal, fmt.Errorf("module %s is closed", v.m.name)
	}

	L := v.m.L
	largs := make([]lua.LValue, 0, len(args))
	for i, a := range args {
		la, err := fromCty(L, a)
		if err != nil {
			return cty.NilVal, fmt.Errorf("argument %d: %w", i+1, err)
		}
		largs = append(largs, la)
	}

	L.SetContext(ctx)
	defer L.RemoveContext()

	if err := L.CallByParam(lua.P{Fn: v.lv, NRet: 1, Protect: true}, largs...); err != nil {
		return cty.NilVal, fmt.Errorf("call %s.%s: %w", v.m.name, v.name, err)
	}
	ret := L.Get(-1)
	L.Pop(1)

	out, err := toCty(ret)
	if err != nil {
		return cty.NilVal, fmt.Errorf("result of %s.%s: %w", v.m.name, v.name, err)
	}
	return out, nil
}
