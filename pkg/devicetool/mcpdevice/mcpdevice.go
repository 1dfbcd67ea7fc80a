// Package mcpdevice implements the Device Tool Port (C1) for devices
// that expose their tool surface over the Model Context Protocol,
// reusing the broker's own httpclient retry/backoff stack for the
// HTTP transports and the mcp-go client library for stdio.
package mcpdevice

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kadirpekel/devicebroker/pkg/devicetool"
	"github.com/kadirpekel/devicebroker/pkg/httpclient"
)

// DefaultSSEResponseTimeout bounds how long a streamable-http call
// waits for a complete SSE response before giving up.
const DefaultSSEResponseTimeout = 5 * time.Minute

// Config configures the MCP port for one connection style. Transport
// is one of "stdio", "sse", "streamable-http".
type Config struct {
	Transport  string
	URL        string
	Command    string
	Args       []string
	Env        map[string]string
	MaxRetries int
	SSETimeout time.Duration
}

// Port dials MCP devices. One Port can be reused across many Dial
// calls with different sourceRef values when Transport is HTTP-based;
// sourceRef is taken as the MCP server URL in that case.
type Port struct {
	cfg Config
}

func New(cfg Config) *Port {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.SSETimeout == 0 {
		cfg.SSETimeout = DefaultSSEResponseTimeout
	}
	return &Port{cfg: cfg}
}

func (p *Port) Dial(ctx context.Context, sourceRef string) (devicetool.Device, error) {
	cfg := p.cfg
	if cfg.Transport != "stdio" && cfg.Command == "" {
		cfg.URL = sourceRef
	}

	d := &mcpDevice{cfg: cfg}
	if cfg.Transport == "stdio" || cfg.Command != "" {
		if err := d.connectStdio(ctx); err != nil {
			return nil, err
		}
		return d, nil
	}
	d.httpClient = httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
		httpclient.WithMaxRetries(cfg.MaxRetries),
		httpclient.WithBaseDelay(2*time.Second),
	)
	return d, nil
}

type mcpDevice struct {
	cfg Config

	mu        sync.Mutex
	client    *mcpclient.Client // stdio
	sessionMu sync.RWMutex
	sessionID string // streamable-http

	httpClient *httpclient.Client
}

func (d *mcpDevice) connectStdio(ctx context.Context) error {
	client, err := mcpclient.NewStdioMCPClient(d.cfg.Command, envSlice(d.cfg.Env), d.cfg.Args...)
	if err != nil {
		return fmt.Errorf("mcpdevice: create client: %w", err)
	}
	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("mcpdevice: start client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "devicebroker", Version: "0.1.0"}
	initReq.Params.ProtocolVersion = "2024-11-05"
	if _, err := client.Initialize(ctx, initReq); err != nil {
		client.Close()
		return fmt.Errorf("mcpdevice: initialize: %w", err)
	}

	d.client = client
	return nil
}

func (d *mcpDevice) Probe(ctx context.Context) ([]devicetool.Tool, error) {
	if d.usesStdio() {
		return d.probeStdio(ctx)
	}
	return d.probeHTTP(ctx)
}

func (d *mcpDevice) usesStdio() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.client != nil
}

func (d *mcpDevice) probeStdio(ctx context.Context) ([]devicetool.Tool, error) {
	d.mu.Lock()
	client := d.client
	d.mu.Unlock()
	if client == nil {
		return nil, fmt.Errorf("mcpdevice: not connected")
	}

	resp, err := client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("mcpdevice: list tools: %w", err)
	}

	tools := make([]devicetool.Tool, 0, len(resp.Tools))
	for _, t := range resp.Tools {
		tools = append(tools, devicetool.Tool{
			ToolID:      t.Name,
			Description: t.Description,
			InputSchema: convertSchema(t.InputSchema),
		})
	}
	return tools, nil
}

func (d *mcpDevice) probeHTTP(ctx context.Context) ([]devicetool.Tool, error) {
	resp, err := d.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("mcpdevice: tools/list: %s", resp.Error.Message)
	}

	resultMap, ok := resp.Result.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("mcpdevice: unexpected tools/list result shape")
	}
	rawTools, ok := resultMap["tools"].([]any)
	if !ok {
		return nil, fmt.Errorf("mcpdevice: missing tools in tools/list result")
	}

	tools := make([]devicetool.Tool, 0, len(rawTools))
	for _, raw := range rawTools {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := m["name"].(string)
		desc, _ := m["description"].(string)
		var schema map[string]any
		if s, ok := m["inputSchema"].(map[string]any); ok {
			schema = s
		}
		tools = append(tools, devicetool.Tool{ToolID: name, Description: desc, InputSchema: schema})
	}
	return tools, nil
}

func (d *mcpDevice) Invoke(ctx context.Context, toolID string, arguments map[string]any) (devicetool.InvokeResult, error) {
	if d.usesStdio() {
		return d.invokeStdio(ctx, toolID, arguments)
	}
	return d.invokeHTTP(ctx, toolID, arguments)
}

func (d *mcpDevice) invokeStdio(ctx context.Context, toolID string, arguments map[string]any) (devicetool.InvokeResult, error) {
	d.mu.Lock()
	client := d.client
	d.mu.Unlock()
	if client == nil {
		return devicetool.InvokeResult{}, fmt.Errorf("mcpdevice: not connected")
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = toolID
	req.Params.Arguments = arguments

	resp, err := client.CallTool(ctx, req)
	if err != nil {
		return devicetool.InvokeResult{}, fmt.Errorf("mcpdevice: call %s: %w", toolID, err)
	}
	return devicetool.InvokeResult{Output: parseCallResult(resp)}, nil
}

func (d *mcpDevice) invokeHTTP(ctx context.Context, toolID string, arguments map[string]any) (devicetool.InvokeResult, error) {
	resp, err := d.call(ctx, "tools/call", map[string]any{"name": toolID, "arguments": arguments})
	if err != nil {
		return devicetool.InvokeResult{}, err
	}
	if resp.Error != nil {
		return devicetool.InvokeResult{}, fmt.Errorf("mcpdevice: call %s: %s", toolID, resp.Error.Message)
	}

	output := make(map[string]any)
	resultMap, ok := resp.Result.(map[string]any)
	if !ok {
		output["result"] = resp.Result
		return devicetool.InvokeResult{Output: output}, nil
	}
	if isError, _ := resultMap["isError"].(bool); isError {
		output["error"] = extractErrorText(resultMap)
		return devicetool.InvokeResult{Output: output}, nil
	}
	if texts := extractTexts(resultMap); len(texts) > 0 {
		if len(texts) == 1 {
			output["result"] = texts[0]
		} else {
			output["results"] = texts
		}
	}
	return devicetool.InvokeResult{Output: output}, nil
}

// Heartbeat issues a cheap tools/list (via Probe) on either transport to
// confirm the MCP endpoint is still reachable. MCP has no native
// heartbeat frame, so liveness is inferred from call success.
func (d *mcpDevice) Heartbeat(ctx context.Context) error {
	_, err := d.Probe(ctx)
	return err
}

// Stream returns a closed channel: MCP is request/response only and
// does not push spontaneous data, unlike the gRPC device transport.
func (d *mcpDevice) Stream(ctx context.Context) (<-chan devicetool.StreamEntry, error) {
	ch := make(chan devicetool.StreamEntry)
	close(ch)
	return ch, nil
}

func (d *mcpDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client != nil {
		err := d.client.Close()
		d.client = nil
		return err
	}
	d.httpClient = nil
	return nil
}

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonRPCError `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (d *mcpDevice) call(ctx context.Context, method string, params any) (*jsonRPCResponse, error) {
	body, err := json.Marshal(jsonRPCRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("mcpdevice: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.URL, strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("mcpdevice: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")

	d.sessionMu.RLock()
	sessionID := d.sessionID
	d.sessionMu.RUnlock()
	if sessionID != "" {
		httpReq.Header.Set("mcp-session-id", sessionID)
	}

	resp, err := d.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("mcpdevice: request failed: %w", err)
	}
	defer resp.Body.Close()

	if newSessionID := resp.Header.Get("mcp-session-id"); newSessionID != "" {
		d.sessionMu.Lock()
		d.sessionID = newSessionID
		d.sessionMu.Unlock()
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("mcpdevice: HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		return d.readSSE(resp)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("mcpdevice: read response: %w", err)
	}
	var out jsonRPCResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("mcpdevice: parse response: %w", err)
	}
	return &out, nil
}

func (d *mcpDevice) readSSE(resp *http.Response) (*jsonRPCResponse, error) {
	type result struct {
		resp *jsonRPCResponse
		err  error
	}
	resultCh := make(chan result, 1)

	go func() {
		defer resp.Body.Close()
		reader := bufio.NewReader(resp.Body)
		var data strings.Builder
		for {
			line, err := reader.ReadBytes('\n')
			if err != nil {
				break
			}
			text := strings.TrimSpace(string(line))
			if text == "" {
				if data.Len() > 0 {
					var out jsonRPCResponse
					if json.Unmarshal([]byte(data.String()), &out) == nil {
						resultCh <- result{resp: &out}
						return
					}
					data.Reset()
				}
				continue
			}
			if strings.HasPrefix(text, "data:") {
				data.WriteString(strings.TrimSpace(strings.TrimPrefix(text, "data:")))
			}
		}
		resultCh <- result{err: fmt.Errorf("mcpdevice: SSE stream ended without a complete message")}
	}()

	select {
	case res := <-resultCh:
		return res.resp, res.err
	case <-time.After(d.cfg.SSETimeout):
		return nil, fmt.Errorf("mcpdevice: timeout reading SSE response after %v", d.cfg.SSETimeout)
	}
}

func envSlice(env map[string]string) []string {
	if env == nil {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}

func convertSchema(schema mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

func parseCallResult(resp *mcp.CallToolResult) map[string]any {
	out := make(map[string]any)
	if resp.IsError {
		for _, c := range resp.Content {
			if tc, ok := c.(mcp.TextContent); ok {
				out["error"] = tc.Text
				break
			}
		}
		if out["error"] == nil {
			out["error"] = "unknown error"
		}
		return out
	}

	var texts []string
	for _, c := range resp.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	if len(texts) == 1 {
		out["result"] = texts[0]
	} else if len(texts) > 1 {
		out["results"] = texts
	}
	return out
}

func extractErrorText(resultMap map[string]any) string {
	if content, ok := resultMap["content"].([]any); ok {
		for _, c := range content {
			if cm, ok := c.(map[string]any); ok {
				if text, ok := cm["text"].(string); ok {
					return text
				}
			}
		}
	}
	return "unknown error"
}

func extractTexts(resultMap map[string]any) []string {
	var texts []string
	content, ok := resultMap["content"].([]any)
	if !ok {
		return texts
	}
	for _, c := range content {
		cm, ok := c.(map[string]any)
		if !ok || cm["type"] != "text" {
			continue
		}
		if text, ok := cm["text"].(string); ok {
			texts = append(texts, text)
		}
	}
	return texts
}

var _ devicetool.Port = (*Port)(nil)
var _ devicetool.Device = (*mcpDevice)(nil)
