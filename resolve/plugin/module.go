package plugin

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/zclconf/go-cty/cty"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/infracollect/remod/resolve"
)

// remoteModule implements resolve.Module over a running plugin.
type remoteModule struct {
	client *moduleClient
	name   string
	doc    string
	attrs  map[string]AttributeInfo

	closeOnce sync.Once
	kill      func()
}

// describe fetches the module description from the plugin. fallbackName is
// used when the plugin reports none.
func describe(ctx context.Context, client *moduleClient, fallbackName string, kill func()) (*remoteModule, error) {
	resp, err := client.Describe(ctx, &emptypb.Empty{})
	if err != nil {
		return nil, fmt.Errorf("failed to describe module: %w", err)
	}

	m := &remoteModule{
		client: client,
		name:   stringField(resp, "name"),
		doc:    stringField(resp, "doc"),
		attrs:  make(map[string]AttributeInfo),
		kill:   kill,
	}
	if m.name == "" {
		m.name = fallbackName
	}

	if attrs := resp.GetFields()["attributes"].GetStructValue(); attrs != nil {
		for name, v := range attrs.GetFields() {
			info := v.GetStructValue()
			m.attrs[name] = AttributeInfo{
				Doc:      stringField(info, "doc"),
				Callable: info.GetFields()["callable"].GetBoolValue(),
			}
		}
	}
	return m, nil
}

func stringField(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

func (m *remoteModule) Name() string {
	return m.name
}

func (m *remoteModule) Doc() string {
	return m.doc
}

func (m *remoteModule) Attributes() []string {
	names := make([]string, 0, len(m.attrs))
	for name := range m.attrs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *remoteModule) Lookup(name string) (resolve.Value, bool) {
	info, ok := m.attrs[name]
	if !ok {
		return nil, false
	}
	return &remoteValue{m: m, name: name, info: info}, true
}

func (m *remoteModule) Close() error {
	m.closeOnce.Do(func() {
		if m.kill != nil {
			m.kill()
		}
	})
	return nil
}

type remoteValue struct {
	m    *remoteModule
	name string
	info AttributeInfo
}

func (v *remoteValue) Name() string {
	return v.name
}

func (v *remoteValue) Doc() string {
	return v.info.Doc
}

func (v *remoteValue) Callable() bool {
	return v.info.Callable
}

func (v *remoteValue) Data(ctx context.Context) (cty.Value, error) {
	resp, err := v.m.client.Get(ctx, wrapperspb.String(v.name))
	if err != nil {
		return cty.NilVal, fmt.Errorf("get %s.%s: %w", v.m.name, v.name, err)
	}
	return decodeValue(resp.GetValue())
}

func (v *remoteValue) Call(ctx context.Context, args ...cty.Value) (cty.Value, error) {
	payload, err := encodeCall(v.name, args)
	if err != nil {
		return cty.NilVal, err
	}
	resp, err := v.m.client.Call(ctx, wrapperspb.Bytes(payload))
	if err != nil {
		return cty.NilVal, fmt.Errorf("call %s.%s: %w", v.m.name, v.name, err)
	}
	return decodeValue(resp.GetValue())
}
