// Package plugin resolves fetched executables into module handles. The
// executable is launched as a go-plugin subprocess and spoken to over gRPC.
//
// Plugin binaries are written against this package too:
//
//	func main() {
//		plugin.Serve(&plugin.Exports{
//			Name: "greet",
//			Attrs: map[string]plugin.Attr{
//				"say_hi": {Func: sayHi},
//			},
//		})
//	}
package plugin

import (
	"context"

	goplugin "github.com/hashicorp/go-plugin"
	"google.golang.org/grpc"
)

// PluginName is the key the module is dispensed under.
const PluginName = "module"

// Handshake is shared by hosts and plugins. A binary launched without the
// cookie in its environment refuses to serve.
var Handshake = goplugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "REMOD_PLUGIN",
	MagicCookieValue: "0b2c4f3e6d7a41b8a8c1f1e5d2b39a07",
}

// ModulePlugin implements plugin.GRPCPlugin for the Module service. Impl is
// only set on the plugin side.
type ModulePlugin struct {
	goplugin.NetRPCUnsupportedPlugin
	Impl Impl
}

func (p *ModulePlugin) GRPCServer(_ *goplugin.GRPCBroker, s *grpc.Server) error {
	s.RegisterService(&moduleServiceDesc, &server{impl: p.Impl})
	return nil
}

func (p *ModulePlugin) GRPCClient(_ context.Context, _ *goplugin.GRPCBroker, c *grpc.ClientConn) (any, error) {
	return &moduleClient{cc: c}, nil
}

var _ goplugin.GRPCPlugin = (*ModulePlugin)(nil)
