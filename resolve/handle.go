package resolve

import (
	"context"
	"fmt"

	"github.com/zclconf/go-cty/cty"
)

// Kind distinguishes the two shapes a Handle can take.
type Kind int

const (
	// KindModule is a whole module.
	KindModule Kind = iota
	// KindValue is one named attribute of a module.
	KindValue
)

func (k Kind) String() string {
	switch k {
	case KindModule:
		return "module"
	case KindValue:
		return "value"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Handle is the result of a resolution: a module, or one of its attributes.
// A Handle owns its module; Close releases it.
type Handle struct {
	kind   Kind
	module Module
	value  Value
}

// NewModuleHandle wraps a whole module.
func NewModuleHandle(m Module) *Handle {
	return &Handle{kind: KindModule, module: m}
}

// NewValueHandle wraps one attribute of m.
func NewValueHandle(m Module, v Value) *Handle {
	return &Handle{kind: KindValue, module: m, value: v}
}

// Select returns a handle for entry within m, or for m itself when entry is
// empty. On a failed lookup m is closed and an AttributeError returned.
func Select(m Module, entry string) (*Handle, error) {
	if entry == "" {
		return NewModuleHandle(m), nil
	}
	v, ok := m.Lookup(entry)
	if !ok {
		m.Close()
		return nil, &AttributeError{Module: m.Name(), Name: entry}
	}
	return NewValueHandle(m, v), nil
}

// Kind reports whether the handle is a module or a value.
func (h *Handle) Kind() Kind {
	return h.kind
}

// Module returns the module the handle belongs to.
func (h *Handle) Module() Module {
	return h.module
}

// Value returns the attribute for value handles.
func (h *Handle) Value() (Value, bool) {
	return h.value, h.kind == KindValue
}

// Name is the module name, or the attribute name for value handles.
func (h *Handle) Name() string {
	if h.kind == KindValue {
		return h.value.Name()
	}
	return h.module.Name()
}

// Doc returns the description of the module or attribute, or "".
func (h *Handle) Doc() string {
	if h.kind == KindValue {
		return h.value.Doc()
	}
	return h.module.Doc()
}

// Call invokes a callable value handle.
func (h *Handle) Call(ctx context.Context, args ...cty.Value) (cty.Value, error) {
	if h.kind != KindValue {
		return cty.NilVal, fmt.Errorf("module %s is not callable", h.module.Name())
	}
	if !h.value.Callable() {
		return cty.NilVal, fmt.Errorf("attribute %s of module %s is not callable", h.value.Name(), h.module.Name())
	}
	return h.value.Call(ctx, args...)
}

// Data returns the value of a non-callable value handle.
func (h *Handle) Data(ctx context.Context) (cty.Value, error) {
	if h.kind != KindValue {
		return cty.NilVal, fmt.Errorf("module %s has no data value", h.module.Name())
	}
	return h.value.Data(ctx)
}

// Close releases the underlying module.
func (h *Handle) Close() error {
	return h.module.Close()
}
