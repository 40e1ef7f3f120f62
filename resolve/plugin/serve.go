package plugin

import (
	"context"
	"errors"
	"fmt"
	"sort"

	goplugin "github.com/hashicorp/go-plugin"
	"github.com/zclconf/go-cty/cty"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Description is what a plugin reports about itself.
type Description struct {
	Name       string
	Doc        string
	Attributes map[string]AttributeInfo
}

// AttributeInfo describes one attribute of a plugin module.
type AttributeInfo struct {
	Doc      string
	Callable bool
}

// Impl is implemented by plugin authors to expose a module.
type Impl interface {
	Describe(ctx context.Context) (*Description, error)
	Get(ctx context.Context, name string) (cty.Value, error)
	Call(ctx context.Context, name string, args []cty.Value) (cty.Value, error)
}

// ErrNoAttribute is returned by Impl methods for unknown attribute names.
var ErrNoAttribute = errors.New("no such attribute")

// ErrNotCallable is returned by Impl.Call for data attributes.
var ErrNotCallable = errors.New("attribute is not callable")

// Func is a callable attribute of Exports.
type Func func(ctx context.Context, args ...cty.Value) (cty.Value, error)

// Attr is one attribute of Exports: a data Value or a Func.
type Attr struct {
	Doc   string
	Value cty.Value
	Func  Func
}

// Exports is a static Impl built from a table of attributes.
type Exports struct {
	Name  string
	Doc   string
	Attrs map[string]Attr
}

func (e *Exports) Describe(context.Context) (*Description, error) {
	d := &Description{
		Name:       e.Name,
		Doc:        e.Doc,
		Attributes: make(map[string]AttributeInfo, len(e.Attrs)),
	}
	for name, a := range e.Attrs {
		d.Attributes[name] = AttributeInfo{Doc: a.Doc, Callable: a.Func != nil}
	}
	return d, nil
}

func (e *Exports) Get(_ context.Context, name string) (cty.Value, error) {
	a, ok := e.Attrs[name]
	if !ok {
		return cty.NilVal, fmt.Errorf("%s: %w", name, ErrNoAttribute)
	}
	if a.Func != nil {
		return cty.NilVal, fmt.Errorf("%s is a function and has no data value", name)
	}
	return a.Value, nil
}

func (e *Exports) Call(ctx context.Context, name string, args []cty.Value) (cty.Value, error) {
	a, ok := e.Attrs[name]
	if !ok {
		return cty.NilVal, fmt.Errorf("%s: %w", name, ErrNoAttribute)
	}
	if a.Func == nil {
		return cty.NilVal, fmt.Errorf("%s: %w", name, ErrNotCallable)
	}
	return a.Func(ctx, args...)
}

// Serve runs impl as a plugin. It is called from a plugin binary's main and
// blocks until the host disconnects.
func Serve(impl Impl) {
	goplugin.Serve(&goplugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins: goplugin.PluginSet{
			PluginName: &ModulePlugin{Impl: impl},
		},
		GRPCServer: goplugin.DefaultGRPCServer,
	})
}

// server adapts an Impl to the Module gRPC service.
type server struct {
	impl Impl
}

func (s *server) Describe(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	d, err := s.impl.Describe(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "describe: %v", err)
	}

	names := make([]string, 0, len(d.Attributes))
	for name := range d.Attributes {
		names = append(names, name)
	}
	sort.Strings(names)

	attrs := make(map[string]any, len(names))
	for _, name := range names {
		info := d.Attributes[name]
		attrs[name] = map[string]any{"doc": info.Doc, "callable": info.Callable}
	}

	out, err := structpb.NewStruct(map[string]any{
		"name":       d.Name,
		"doc":        d.Doc,
		"attributes": attrs,
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "describe: %v", err)
	}
	return out, nil
}

func (s *server) Get(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.BytesValue, error) {
	v, err := s.impl.Get(ctx, in.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	data, err := encodeValue(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return wrapperspb.Bytes(data), nil
}

func (s *server) Call(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	name, args, err := decodeCall(in.GetValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	v, err := s.impl.Call(ctx, name, args)
	if err != nil {
		return nil, toStatus(err)
	}
	data, err := encodeValue(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return wrapperspb.Bytes(data), nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, ErrNoAttribute):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ErrNotCallable):
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Error(codes.Unknown, err.Error())
	}
}
