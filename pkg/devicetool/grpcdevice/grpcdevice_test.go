package grpcdevice

import (
	"context"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
)

// fakeDeviceServer answers ListTools/Invoke/Heartbeat on the JSON
// codec via an unknown-service handler, standing in for a real
// compiled device-side gRPC service during tests.
func newFakeDeviceServer(t *testing.T) (addr string, stop func()) {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := grpc.NewServer(grpc.UnknownServiceHandler(func(_ any, stream grpc.ServerStream) error {
		method, ok := grpc.MethodFromServerStream(stream)
		if !ok {
			return fmt.Errorf("no method on stream")
		}

		switch method {
		case methodListTools:
			var req listToolsRequest
			if err := stream.RecvMsg(&req); err != nil {
				return err
			}
			return stream.SendMsg(&listToolsReply{Tools: nil})
		case methodInvoke:
			var req invokeRequest
			if err := stream.RecvMsg(&req); err != nil {
				return err
			}
			return stream.SendMsg(&invokeReply{
				CorrelationID: req.CorrelationID,
				Output:        map[string]any{"echo": req.ToolID},
			})
		case methodHeartbeat:
			var req heartbeatRequest
			if err := stream.RecvMsg(&req); err != nil {
				return err
			}
			return stream.SendMsg(&heartbeatReply{Alive: true})
		default:
			return fmt.Errorf("unhandled method %s", method)
		}
	}))

	go func() { _ = srv.Serve(lis) }()
	return lis.Addr().String(), srv.Stop
}

func TestGRPCDevice_InvokeAndHeartbeat(t *testing.T) {
	addr, stop := newFakeDeviceServer(t)
	defer stop()

	port := New(Config{})
	device, err := port.Dial(context.Background(), addr)
	require.NoError(t, err)
	defer device.Close()

	require.NoError(t, device.Heartbeat(context.Background()))

	result, err := device.Invoke(context.Background(), "capture_image", map[string]any{"quality": "high"})
	require.NoError(t, err)
	require.Equal(t, "capture_image", result.Output["echo"])
}
