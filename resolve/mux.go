package resolve

import (
	"context"
	"strings"
	"sync"
)

// Mux dispatches resolutions to runtimes by filename extension.
type Mux struct {
	mu    sync.RWMutex
	byExt map[string]Resolver
}

// NewMux returns an empty Mux.
func NewMux() *Mux {
	return &Mux{byExt: make(map[string]Resolver)}
}

// Handle registers r for files with extension ext (such as ".lua").
// The empty extension matches files without one.
func (m *Mux) Handle(ext string, r Resolver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byExt[strings.ToLower(ext)] = r
}

// For returns the runtime registered for filename.
func (m *Mux) For(filename string) (Resolver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.byExt[strings.ToLower(Ext(filename))]
	if !ok {
		return nil, &UnsupportedError{Filename: filename}
	}
	return r, nil
}

// FromDir implements Resolver.
func (m *Mux) FromDir(ctx context.Context, dir, filename, entry string) (*Handle, error) {
	r, err := m.For(filename)
	if err != nil {
		return nil, err
	}
	return r.FromDir(ctx, dir, filename, entry)
}

// FromFile implements Resolver.
func (m *Mux) FromFile(ctx context.Context, path, filename, entry string) (*Handle, error) {
	r, err := m.For(filename)
	if err != nil {
		return nil, err
	}
	return r.FromFile(ctx, path, filename, entry)
}
