package plugin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"

	"github.com/go-logr/logr"
	goplugin "github.com/hashicorp/go-plugin"

	"github.com/infracollect/remod/resolve"
)

// versionMismatch matches go-plugin's incompatible API version error.
// Example: "Incompatible API version with plugin. Plugin version: 2, Client versions: [1]"
var versionMismatch = regexp.MustCompile(`Plugin version:\s*(\d+).*Client versions:\s*\[(\d+)\]`)

// ProtocolError reports a plugin built for another protocol version.
type ProtocolError struct {
	PluginVersion int
	HostVersion   int
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("plugin protocol version mismatch: plugin v%d, host v%d", e.PluginVersion, e.HostVersion)
}

// process is a running plugin. *goplugin.Client satisfies it.
type process interface {
	Kill()
}

// Resolver implements resolve.Resolver by launching cached executables as
// plugins. Close kills only the processes this resolver started.
type Resolver struct {
	logger logr.Logger

	mu      sync.Mutex
	running map[process]struct{}
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger receiving plugin process output.
func WithLogger(logger logr.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// New creates a plugin resolver.
func New(opts ...Option) *Resolver {
	r := &Resolver{
		logger:  logr.Discard(),
		running: make(map[process]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// FromDir launches filename from the unpacked repository at dir, with dir as
// the working directory.
func (r *Resolver) FromDir(ctx context.Context, dir, filename, entry string) (*resolve.Handle, error) {
	path := filepath.Join(dir, filepath.FromSlash(filename))
	return r.launch(ctx, path, dir, resolve.Stem(filename), entry)
}

// FromFile launches the single cached executable at path.
func (r *Resolver) FromFile(ctx context.Context, path, filename, entry string) (*resolve.Handle, error) {
	return r.launch(ctx, path, filepath.Dir(path), resolve.Stem(filename), entry)
}

func (r *Resolver) launch(ctx context.Context, path, workDir, name, entry string) (*resolve.Handle, error) {
	if err := ensureExecutable(path); err != nil {
		return nil, &resolve.ImportError{Module: name, Path: path, Err: err}
	}

	cmd := exec.Command(path)
	cmd.Dir = workDir

	client := goplugin.NewClient(&goplugin.ClientConfig{
		HandshakeConfig:  Handshake,
		Plugins:          goplugin.PluginSet{PluginName: &ModulePlugin{}},
		AllowedProtocols: []goplugin.Protocol{goplugin.ProtocolGRPC},
		Cmd:              cmd,
		AutoMTLS:         true,
		Logger:           newHclogLogr(r.logger.WithValues("plugin", name)),
	})

	kill := r.track(client)

	mc, err := dispense(client)
	if err != nil {
		kill()
		return nil, &resolve.ImportError{Module: name, Path: path, Err: err}
	}

	m, err := describe(ctx, mc, name, kill)
	if err != nil {
		kill()
		return nil, &resolve.ImportError{Module: name, Path: path, Err: err}
	}

	r.logger.V(1).Info("launched plugin module", "module", m.Name(), "path", path, "attributes", len(m.attrs))
	return resolve.Select(m, entry)
}

func dispense(client *goplugin.Client) (*moduleClient, error) {
	rpcClient, err := client.Client()
	if err != nil {
		if matches := versionMismatch.FindStringSubmatch(err.Error()); matches != nil {
			pluginVer, _ := strconv.Atoi(matches[1])
			hostVer, _ := strconv.Atoi(matches[2])
			return nil, &ProtocolError{PluginVersion: pluginVer, HostVersion: hostVer}
		}
		return nil, fmt.Errorf("failed to start plugin: %w", err)
	}

	raw, err := rpcClient.Dispense(PluginName)
	if err != nil {
		return nil, fmt.Errorf("failed to dispense module: %w", err)
	}
	mc, ok := raw.(*moduleClient)
	if !ok {
		return nil, fmt.Errorf("unexpected plugin type: %T", raw)
	}
	return mc, nil
}

// ensureExecutable adds execute bits to a cached file written without them.
func ensureExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return errors.New("not a file")
	}
	if info.Mode().Perm()&0o111 != 0 {
		return nil
	}
	return os.Chmod(path, info.Mode().Perm()|0o755)
}

// track records p as running and returns the func that kills it and forgets
// it again.
func (r *Resolver) track(p process) func() {
	r.mu.Lock()
	r.running[p] = struct{}{}
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.running, p)
		r.mu.Unlock()
		p.Kill()
	}
}

// Close kills every plugin process this resolver started that is still
// running.
func (r *Resolver) Close() error {
	r.mu.Lock()
	procs := make([]process, 0, len(r.running))
	for p := range r.running {
		procs = append(procs, p)
	}
	clear(r.running)
	r.mu.Unlock()

	for _, p := range procs {
		p.Kill()
	}
	return nil
}
