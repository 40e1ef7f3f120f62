package resolve

import "fmt"

// ImportError is returned when a runtime cannot load a module, for example
// because of a syntax error or a failing dependency.
type ImportError struct {
	Module string
	Path   string
	Err    error
}

func (e *ImportError) Error() string {
	return fmt.Sprintf("failed to import module %s from %s: %v", e.Module, e.Path, e.Err)
}

func (e *ImportError) Unwrap() error {
	return e.Err
}

// AttributeError is returned when a requested entry does not exist on a module.
type AttributeError struct {
	Module string
	Name   string
}

func (e *AttributeError) Error() string {
	return fmt.Sprintf("module %s has no attribute %q", e.Module, e.Name)
}

// UnsupportedError is returned when no runtime handles a filename.
type UnsupportedError struct {
	Filename string
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("no runtime registered for %q", e.Filename)
}
