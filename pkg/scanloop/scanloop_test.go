package scanloop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/devicebroker/pkg/llmport"
	"github.com/kadirpekel/devicebroker/pkg/registry"
	"github.com/kadirpekel/devicebroker/pkg/repository"
	"github.com/kadirpekel/devicebroker/pkg/router"
	"github.com/kadirpekel/devicebroker/pkg/streamstore"
	"github.com/kadirpekel/devicebroker/pkg/task"
)

type fakeProbe struct{}

func (fakeProbe) Probe(ctx context.Context, sourceRef string) ([]registry.Tool, error) {
	return []registry.Tool{{ToolID: "capture_image"}}, nil
}

type fakeAgentLister struct{}

func (fakeAgentLister) ListAgentEndpoints(ctx context.Context) ([]*repository.AgentEndpoint, error) {
	return nil, nil
}

type fakeLLM struct{ decision llmport.Decision }

func (f fakeLLM) Decide(ctx context.Context, messages []llmport.Message, candidates []llmport.Candidate, cfg *llmport.StructuredOutputConfig) (llmport.Decision, error) {
	return f.decision, nil
}
func (fakeLLM) GetModelName() string { return "fake" }
func (fakeLLM) Close() error         { return nil }

type fakeStore struct {
	entries map[string][]streamstore.Entry
}

func (s *fakeStore) Append(ctx context.Context, deviceID string, metadata map[string]any, payload []byte) (uint64, error) {
	return 0, nil
}

func (s *fakeStore) Read(ctx context.Context, deviceID string, fromSeq uint64, limit int) ([]streamstore.Entry, error) {
	var out []streamstore.Entry
	for _, e := range s.entries[deviceID] {
		if e.Seq >= fromSeq {
			out = append(out, e)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *fakeStore) Tail(ctx context.Context, deviceID string) (<-chan streamstore.Entry, func(), error) {
	ch := make(chan streamstore.Entry)
	close(ch)
	return ch, func() {}, nil
}

func (s *fakeStore) MinSeq(ctx context.Context, deviceID string) (uint64, error) { return 0, nil }
func (s *fakeStore) Sweep(ctx context.Context) error                             { return nil }
func (s *fakeStore) Close() error                                                { return nil }

type fakeCursors struct {
	mu      sync.Mutex
	cursors map[string]uint64
}

func newFakeCursors() *fakeCursors { return &fakeCursors{cursors: make(map[string]uint64)} }

func (c *fakeCursors) SaveStreamCursor(ctx context.Context, deviceID string, seq uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cursors[deviceID] = seq
	return nil
}

func (c *fakeCursors) GetStreamCursor(ctx context.Context, deviceID string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursors[deviceID], nil
}

type fakeSender struct {
	mu       sync.Mutex
	messages []*a2a.Message
	keys     []string
	err      error
}

func (s *fakeSender) SendMessage(ctx context.Context, msg *a2a.Message, cfg task.Configuration) (*a2a.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.messages = append(s.messages, msg)
	s.keys = append(s.keys, cfg.IdempotencyKey)
	return &a2a.Task{}, nil
}

func newTestDevice(t *testing.T) *registry.DeviceRegistry {
	t.Helper()
	reg := registry.New(registry.Config{Probe: fakeProbe{}})
	_, err := reg.Register(context.Background(), registry.DeviceSpec{
		DeviceID:       "cam-1",
		IntentKeywords: []string{"photo"},
	})
	require.NoError(t, err)
	return reg
}

func TestLoop_SweepDispatchesNonLocalDecisionAndAdvancesCursor(t *testing.T) {
	devices := newTestDevice(t)
	store := &fakeStore{entries: map[string][]streamstore.Entry{
		"cam-1": {
			{DeviceID: "cam-1", Seq: 1, Payload: []byte("motion detected near the door")},
			{DeviceID: "cam-1", Seq: 2, Payload: []byte("motion detected near the door")},
		},
	}}
	cursors := newFakeCursors()
	sender := &fakeSender{}
	r := router.New(router.Config{
		Devices: devices,
		Agents:  fakeAgentLister{},
		LLM:     fakeLLM{decision: llmport.Decision{Action: "device", Target: "cam-1", Confidence: 0.9}},
	})

	loop := New(Config{
		Devices: devices,
		Store:   store,
		Cursors: cursors,
		Router:  r,
		Sender:  sender,
	})

	loop.sweep(context.Background())

	require.Len(t, sender.messages, 2)
	seq, err := cursors.GetStreamCursor(context.Background(), "cam-1")
	require.NoError(t, err)
	require.Equal(t, uint64(2), seq)

	require.Equal(t, []string{"cam-1:1", "cam-1:2"}, sender.keys,
		"each dispatch must carry a stable (deviceId, seq) idempotency key")
}

func TestLoop_RedeliveredEntryCarriesSameIdempotencyKey(t *testing.T) {
	devices := newTestDevice(t)
	sender := &fakeSender{}
	r := router.New(router.Config{
		Devices: devices,
		Agents:  fakeAgentLister{},
		LLM:     fakeLLM{decision: llmport.Decision{Action: "device", Target: "cam-1", Confidence: 0.9}},
	})
	loop := New(Config{
		Devices: devices,
		Store:   &fakeStore{},
		Cursors: newFakeCursors(),
		Router:  r,
		Sender:  sender,
	})

	entry := streamstore.Entry{DeviceID: "cam-1", Seq: 1, Payload: []byte("motion detected near the door")}
	device := &registry.Device{DeviceID: "cam-1"}

	// A crash between SendMessage succeeding and the cursor save that
	// follows it in sweepDevice re-presents the same entry on the next
	// sweep; both calls must carry the same correlation key so the Task
	// Manager can collapse them onto a single task.
	require.True(t, loop.handleEntry(context.Background(), device, entry))
	require.True(t, loop.handleEntry(context.Background(), device, entry))

	require.Len(t, sender.messages, 2)
	require.Equal(t, sender.keys[0], sender.keys[1])
	require.Equal(t, "cam-1:1", sender.keys[0])
}

func TestLoop_LocalDecisionAdvancesCursorWithoutDispatch(t *testing.T) {
	devices := newTestDevice(t)
	store := &fakeStore{entries: map[string][]streamstore.Entry{
		"cam-1": {{DeviceID: "cam-1", Seq: 1, Payload: []byte("nothing interesting")}},
	}}
	cursors := newFakeCursors()
	sender := &fakeSender{}
	r := router.New(router.Config{
		Devices: devices,
		Agents:  fakeAgentLister{},
		LLM:     fakeLLM{decision: llmport.Decision{Action: "local", Confidence: 0.9, Rationale: "nothing to do"}},
	})

	loop := New(Config{Devices: devices, Store: store, Cursors: cursors, Router: r, Sender: sender})
	loop.sweep(context.Background())

	require.Empty(t, sender.messages)
	seq, err := cursors.GetStreamCursor(context.Background(), "cam-1")
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq)
}

func TestLoop_DispatchFailureStopsCursorBeforeFailedEntry(t *testing.T) {
	devices := newTestDevice(t)
	store := &fakeStore{entries: map[string][]streamstore.Entry{
		"cam-1": {
			{DeviceID: "cam-1", Seq: 1, Payload: []byte("motion detected near the door")},
			{DeviceID: "cam-1", Seq: 2, Payload: []byte("motion detected near the door")},
		},
	}}
	cursors := newFakeCursors()
	sender := &fakeSender{err: context.DeadlineExceeded}
	r := router.New(router.Config{
		Devices: devices,
		Agents:  fakeAgentLister{},
		LLM:     fakeLLM{decision: llmport.Decision{Action: "device", Target: "cam-1", Confidence: 0.9}},
	})

	loop := New(Config{Devices: devices, Store: store, Cursors: cursors, Router: r, Sender: sender})
	loop.sweep(context.Background())

	seq, err := cursors.GetStreamCursor(context.Background(), "cam-1")
	require.NoError(t, err)
	require.Equal(t, uint64(0), seq, "cursor must not advance past a failed dispatch")
}

func TestLoop_RunStopsOnContextCancel(t *testing.T) {
	devices := newTestDevice(t)
	store := &fakeStore{}
	loop := New(Config{
		Devices: devices,
		Store:   store,
		Cursors: newFakeCursors(),
		Router:  router.New(router.Config{Devices: devices, Agents: fakeAgentLister{}}),
		Sender:  &fakeSender{},
		Period:  10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	cancel()

	select {
	case <-loop.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not stop after context cancel")
	}
}
