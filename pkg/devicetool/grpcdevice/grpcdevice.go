// Package grpcdevice implements the Device Tool Port (C1) for devices
// reachable over a network gRPC ingress, adapted from the teacher's
// subprocess plugin loader (pkg/plugins/grpc/loader.go) to dial a
// remote address instead of spawning a local executable.
package grpcdevice

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/kadirpekel/devicebroker/pkg/devicetool"
)

const (
	serviceName = "/devicebroker.v1.DeviceTool/"

	methodListTools = serviceName + "ListTools"
	methodInvoke    = serviceName + "Invoke"
	methodHeartbeat = serviceName + "Heartbeat"
	methodStream    = serviceName + "Stream"
)

// Config configures the gRPC port's dial behavior.
type Config struct {
	// TLSCredentials, when set, dials with transport security instead
	// of the insecure default (appropriate only for a trusted LAN of
	// devices or a side channel already secured, per spec.md's
	// non-goal on end-to-end encryption).
	TLSCredentials credentials.TransportCredentials
	DialTimeout    time.Duration
}

// Port dials device-reachable gRPC endpoints. sourceRef is the
// dial target (host:port or a resolver-prefixed target string).
type Port struct {
	cfg Config
}

func New(cfg Config) *Port {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &Port{cfg: cfg}
}

func (p *Port) Dial(ctx context.Context, sourceRef string) (devicetool.Device, error) {
	creds := p.cfg.TLSCredentials
	if creds == nil {
		creds = insecure.NewCredentials()
	}

	conn, err := grpc.NewClient(sourceRef, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("grpcdevice: dial %s: %w", sourceRef, err)
	}
	return &grpcDevice{conn: conn, sourceRef: sourceRef}, nil
}

type grpcDevice struct {
	conn      *grpc.ClientConn
	sourceRef string
}

type listToolsRequest struct{}

type listToolsReply struct {
	Tools []devicetool.Tool `json:"tools"`
}

func (d *grpcDevice) Probe(ctx context.Context) ([]devicetool.Tool, error) {
	var reply listToolsReply
	if err := d.conn.Invoke(ctx, methodListTools, &listToolsRequest{}, &reply, grpc.CallContentSubtype(codecName)); err != nil {
		return nil, fmt.Errorf("grpcdevice: list tools: %w", err)
	}
	return reply.Tools, nil
}

type invokeRequest struct {
	ToolID        string         `json:"tool_id"`
	Arguments     map[string]any `json:"arguments"`
	CorrelationID string         `json:"correlation_id"`
}

type invokeReply struct {
	CorrelationID string         `json:"correlation_id"`
	Output        map[string]any `json:"output"`
	Error         string         `json:"error,omitempty"`
}

func (d *grpcDevice) Invoke(ctx context.Context, toolID string, arguments map[string]any) (devicetool.InvokeResult, error) {
	req := &invokeRequest{ToolID: toolID, Arguments: arguments, CorrelationID: correlationID()}

	var reply invokeReply
	if err := d.conn.Invoke(ctx, methodInvoke, req, &reply, grpc.CallContentSubtype(codecName)); err != nil {
		return devicetool.InvokeResult{}, fmt.Errorf("grpcdevice: invoke %s: %w", toolID, err)
	}

	result := devicetool.InvokeResult{CorrelationID: reply.CorrelationID, Output: reply.Output}
	if reply.Error != "" {
		result.Err = fmt.Errorf("%s", reply.Error)
	}
	return result, nil
}

type heartbeatRequest struct{}
type heartbeatReply struct {
	Alive bool `json:"alive"`
}

func (d *grpcDevice) Heartbeat(ctx context.Context) error {
	var reply heartbeatReply
	if err := d.conn.Invoke(ctx, methodHeartbeat, &heartbeatRequest{}, &reply, grpc.CallContentSubtype(codecName)); err != nil {
		return fmt.Errorf("grpcdevice: heartbeat: %w", err)
	}
	if !reply.Alive {
		return fmt.Errorf("grpcdevice: device reports not alive")
	}
	return nil
}

type streamRequest struct{}

func (d *grpcDevice) Stream(ctx context.Context) (<-chan devicetool.StreamEntry, error) {
	desc := &grpc.StreamDesc{ServerStreams: true}
	stream, err := d.conn.NewStream(ctx, desc, methodStream, grpc.CallContentSubtype(codecName))
	if err != nil {
		return nil, fmt.Errorf("grpcdevice: open stream: %w", err)
	}
	if err := stream.SendMsg(&streamRequest{}); err != nil {
		return nil, fmt.Errorf("grpcdevice: send stream request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("grpcdevice: close stream send: %w", err)
	}

	out := make(chan devicetool.StreamEntry, 16)
	go func() {
		defer close(out)
		for {
			var entry devicetool.StreamEntry
			if err := stream.RecvMsg(&entry); err != nil {
				return
			}
			select {
			case out <- entry:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (d *grpcDevice) Close() error {
	return d.conn.Close()
}

var idCounter atomic.Int64

func correlationID() string {
	return fmt.Sprintf("corr-%d-%d", time.Now().UnixNano(), idCounter.Add(1))
}

var _ devicetool.Port = (*Port)(nil)
var _ devicetool.Device = (*grpcDevice)(nil)
