package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/devicebroker/pkg/llmport"
	"github.com/kadirpekel/devicebroker/pkg/registry"
	"github.com/kadirpekel/devicebroker/pkg/repository"
)

type fakeProbe struct{ tools []registry.Tool }

func (p *fakeProbe) Probe(ctx context.Context, sourceRef string) ([]registry.Tool, error) {
	return p.tools, nil
}

type fakeAgentLister struct{ agents []*repository.AgentEndpoint }

func (f *fakeAgentLister) ListAgentEndpoints(ctx context.Context) ([]*repository.AgentEndpoint, error) {
	return f.agents, nil
}

type fakeLLM struct {
	decision llmport.Decision
	err      error
	calls    int
}

func (f *fakeLLM) Decide(ctx context.Context, messages []llmport.Message, candidates []llmport.Candidate, cfg *llmport.StructuredOutputConfig) (llmport.Decision, error) {
	f.calls++
	return f.decision, f.err
}
func (f *fakeLLM) GetModelName() string { return "fake" }
func (f *fakeLLM) Close() error         { return nil }

func newTestDevices(t *testing.T) *registry.DeviceRegistry {
	t.Helper()
	reg := registry.New(registry.Config{Probe: &fakeProbe{tools: []registry.Tool{{ToolID: "capture_image"}}}})
	_, err := reg.Register(context.Background(), registry.DeviceSpec{
		DeviceID:       "cam-1",
		IntentKeywords: []string{"photo", "picture"},
	})
	require.NoError(t, err)
	return reg
}

func TestRouter_KeywordFastPath(t *testing.T) {
	devices := newTestDevices(t)
	llm := &fakeLLM{}
	r := New(Config{Devices: devices, Agents: &fakeAgentLister{}, LLM: llm})

	d, err := r.Decide(context.Background(), Input{Text: "take a photo please"})
	require.NoError(t, err)
	require.Equal(t, ActionDevice, d.Action)
	require.Equal(t, "cam-1", d.DeviceID)
	require.Equal(t, "capture_image", d.ToolID)
	require.Equal(t, 0, llm.calls, "fast path must not call the LLM")
}

func TestRouter_NoKeywordMatchFallsBackToLLM(t *testing.T) {
	devices := newTestDevices(t)
	llm := &fakeLLM{decision: llmport.Decision{Action: "local", Confidence: 0.9, Rationale: "just chatting"}}
	r := New(Config{Devices: devices, Agents: &fakeAgentLister{}, LLM: llm})

	d, err := r.Decide(context.Background(), Input{Text: "what time is it"})
	require.NoError(t, err)
	require.Equal(t, ActionLocal, d.Action)
	require.Equal(t, 1, llm.calls)
}

func TestRouter_LowConfidenceDowngradesToLocal(t *testing.T) {
	devices := newTestDevices(t)
	llm := &fakeLLM{decision: llmport.Decision{Action: "device", Target: "cam-1", Confidence: 0.2}}
	r := New(Config{Devices: devices, Agents: &fakeAgentLister{}, LLM: llm})

	d, err := r.Decide(context.Background(), Input{Text: "what time is it"})
	require.NoError(t, err)
	require.Equal(t, ActionLocal, d.Action)
	require.Equal(t, clarificationRequest, d.Reply)
}

func TestRouter_DeviceActionResolvesTool(t *testing.T) {
	devices := newTestDevices(t)
	llm := &fakeLLM{decision: llmport.Decision{Action: "device", Target: "cam-1", Confidence: 0.8}}
	r := New(Config{Devices: devices, Agents: &fakeAgentLister{}, LLM: llm})

	d, err := r.Decide(context.Background(), Input{Text: "what time is it"})
	require.NoError(t, err)
	require.Equal(t, ActionDevice, d.Action)
	require.Equal(t, "capture_image", d.ToolID)
}

func TestRouter_DeviceActionUnknownTargetRejects(t *testing.T) {
	devices := newTestDevices(t)
	llm := &fakeLLM{decision: llmport.Decision{Action: "device", Target: "ghost", Confidence: 0.9}}
	r := New(Config{Devices: devices, Agents: &fakeAgentLister{}, LLM: llm})

	d, err := r.Decide(context.Background(), Input{Text: "what time is it"})
	require.NoError(t, err)
	require.Equal(t, ActionReject, d.Action)
}

func TestRouter_DelegateTieBreakByCapabilitySpecificity(t *testing.T) {
	devices := newTestDevices(t)
	agents := &fakeAgentLister{agents: []*repository.AgentEndpoint{
		{AgentID: "agent-a", Enabled: true, CapabilityTags: []string{"weather"}},
		{AgentID: "agent-b", Enabled: true, CapabilityTags: []string{"weather", "forecast"}},
	}}
	llm := &fakeLLM{decision: llmport.Decision{Action: "delegate", Confidence: 0.9}}
	r := New(Config{Devices: devices, Agents: agents, LLM: llm})

	d, err := r.Decide(context.Background(), Input{Text: "what's the weather"})
	require.NoError(t, err)
	require.Equal(t, ActionDelegate, d.Action)
	require.Equal(t, "agent-b", d.AgentID)
}

func TestRouter_NoLLMConfiguredWithoutFastPathGoesLocal(t *testing.T) {
	devices := newTestDevices(t)
	r := New(Config{Devices: devices, Agents: &fakeAgentLister{}})

	d, err := r.Decide(context.Background(), Input{Text: "what time is it"})
	require.NoError(t, err)
	require.Equal(t, ActionLocal, d.Action)
}

func TestRouter_UnrecognizedActionRejects(t *testing.T) {
	devices := newTestDevices(t)
	llm := &fakeLLM{decision: llmport.Decision{Action: "nonsense", Confidence: 0.9}}
	r := New(Config{Devices: devices, Agents: &fakeAgentLister{}, LLM: llm})

	d, err := r.Decide(context.Background(), Input{Text: "what time is it"})
	require.NoError(t, err)
	require.Equal(t, ActionReject, d.Action)
}
