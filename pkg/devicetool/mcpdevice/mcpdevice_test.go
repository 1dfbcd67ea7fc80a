package mcpdevice

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPort_Dial_HTTP_ProbeAndInvoke(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req jsonRPCRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		w.Header().Set("Content-Type", "application/json")
		switch req.Method {
		case "tools/list":
			_ = json.NewEncoder(w).Encode(jsonRPCResponse{
				JSONRPC: "2.0", ID: req.ID,
				Result: map[string]any{
					"tools": []any{
						map[string]any{"name": "capture_image", "description": "takes a photo"},
					},
				},
			})
		case "tools/call":
			_ = json.NewEncoder(w).Encode(jsonRPCResponse{
				JSONRPC: "2.0", ID: req.ID,
				Result: map[string]any{
					"content": []any{map[string]any{"type": "text", "text": "ok"}},
				},
			})
		}
	}))
	defer server.Close()

	port := New(Config{Transport: "streamable-http"})
	device, err := port.Dial(context.Background(), server.URL)
	require.NoError(t, err)
	defer device.Close()

	tools, err := device.Probe(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	require.Equal(t, "capture_image", tools[0].ToolID)

	result, err := device.Invoke(context.Background(), "capture_image", nil)
	require.NoError(t, err)
	require.Equal(t, "ok", result.Output["result"])
}

func TestMCPDevice_StreamIsClosedImmediately(t *testing.T) {
	port := New(Config{Transport: "streamable-http"})
	device, err := port.Dial(context.Background(), "http://example.invalid")
	require.NoError(t, err)

	ch, err := device.Stream(context.Background())
	require.NoError(t, err)
	_, ok := <-ch
	require.False(t, ok)
}
