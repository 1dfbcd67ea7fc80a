package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/kadirpekel/devicebroker/pkg/devicetool"
	"github.com/kadirpekel/devicebroker/pkg/devicetool/grpcdevice"
	"github.com/kadirpekel/devicebroker/pkg/devicetool/mcpdevice"
	"github.com/kadirpekel/devicebroker/pkg/registry"
)

// routedPort is the devicetool.Port the broker actually wires into the
// Registry and Dispatcher: it picks a concrete transport from a
// sourceRef's scheme, since one broker process serves devices of
// mixed capability-source kinds (spec.md §3: "capability-source
// endpoint reference (opaque to the core)").
//
// "grpc://host:port" dials over gRPC; anything else goes to the MCP
// port, which treats sourceRef as the MCP server URL. Whether that port
// speaks stdio instead is set by its own Config (Transport/Command),
// not by sourceRef.
type routedPort struct {
	grpc *grpcdevice.Port
	mcp  *mcpdevice.Port
}

func newRoutedPort(grpcPort *grpcdevice.Port, mcpPort *mcpdevice.Port) *routedPort {
	return &routedPort{grpc: grpcPort, mcp: mcpPort}
}

func (p *routedPort) Dial(ctx context.Context, sourceRef string) (devicetool.Device, error) {
	const grpcScheme = "grpc://"
	if strings.HasPrefix(sourceRef, grpcScheme) {
		if p.grpc == nil {
			return nil, fmt.Errorf("devicebroker: no gRPC device port configured for %s", sourceRef)
		}
		return p.grpc.Dial(ctx, strings.TrimPrefix(sourceRef, grpcScheme))
	}
	if p.mcp == nil {
		return nil, fmt.Errorf("devicebroker: no MCP device port configured for %s", sourceRef)
	}
	return p.mcp.Dial(ctx, sourceRef)
}

// capabilityProbe implements registry.CapabilityProbe over a
// devicetool.Port: dial the device, probe its tool surface, close the
// ingress channel again. The Registry only needs a point-in-time tool
// list at register/refresh time, not a held-open Device handle, so
// probing doesn't keep the dial around.
type capabilityProbe struct {
	port devicetool.Port
}

func newCapabilityProbe(port devicetool.Port) *capabilityProbe {
	return &capabilityProbe{port: port}
}

func (p *capabilityProbe) Probe(ctx context.Context, sourceRef string) ([]registry.Tool, error) {
	device, err := p.port.Dial(ctx, sourceRef)
	if err != nil {
		return nil, fmt.Errorf("devicebroker: dial %s: %w", sourceRef, err)
	}
	defer device.Close()

	tools, err := device.Probe(ctx)
	if err != nil {
		return nil, fmt.Errorf("devicebroker: probe %s: %w", sourceRef, err)
	}

	out := make([]registry.Tool, len(tools))
	for i, t := range tools {
		out[i] = registry.Tool{ToolID: t.ToolID, InputSchema: t.InputSchema, OutputSchema: t.OutputSchema}
	}
	return out, nil
}

var _ registry.CapabilityProbe = (*capabilityProbe)(nil)
