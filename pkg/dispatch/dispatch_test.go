package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/devicebroker/pkg/devicetool"
	"github.com/kadirpekel/devicebroker/pkg/registry"
	"github.com/kadirpekel/devicebroker/pkg/router"
	"github.com/kadirpekel/devicebroker/pkg/task"
	"github.com/kadirpekel/devicebroker/pkg/workerpool"
)

type fakeDecider struct {
	decision router.Decision
	err      error
}

func (f *fakeDecider) Decide(ctx context.Context, in router.Input) (router.Decision, error) {
	return f.decision, f.err
}

type fakeDevices struct {
	devices map[string]*registry.Device
}

func (f *fakeDevices) Get(deviceID string) (*registry.Device, bool) {
	d, ok := f.devices[deviceID]
	return d, ok
}

type fakeDevice struct {
	result devicetool.InvokeResult
	err    error
	closed bool
}

func (f *fakeDevice) Probe(ctx context.Context) ([]devicetool.Tool, error) { return nil, nil }
func (f *fakeDevice) Invoke(ctx context.Context, toolID string, args map[string]any) (devicetool.InvokeResult, error) {
	return f.result, f.err
}
func (f *fakeDevice) Heartbeat(ctx context.Context) error { return nil }
func (f *fakeDevice) Stream(ctx context.Context) (<-chan devicetool.StreamEntry, error) {
	return nil, nil
}
func (f *fakeDevice) Close() error { f.closed = true; return nil }

type fakePort struct {
	device *fakeDevice
	err    error
}

func (f *fakePort) Dial(ctx context.Context, sourceRef string) (devicetool.Device, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.device, nil
}

type fakeAgents struct {
	events chan a2a.Event
	err    error
}

func (f *fakeAgents) Delegate(ctx context.Context, agentID string, msg *a2a.Message) (<-chan a2a.Event, func(), error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	return f.events, func() {}, nil
}

func newManager(t *testing.T) *task.Manager {
	t.Helper()
	return task.New(task.Config{})
}

func newDispatcher(t *testing.T, decider Decider, devices DeviceLookup, port devicetool.Port, agents AgentDelegate) (*Dispatcher, *task.Manager) {
	t.Helper()
	tasks := newManager(t)
	pool := workerpool.New(workerpool.Config{Workers: 2})
	t.Cleanup(func() { _ = pool.Close() })
	return New(Config{
		Tasks:   tasks,
		Router:  decider,
		Devices: devices,
		Ports:   port,
		Agents:  agents,
		Pool:    pool,
	}), tasks
}

func userMessage(text string) *a2a.Message {
	return a2a.NewMessage(a2a.MessageRoleUser, a2a.TextPart{Text: text})
}

func TestDispatch_LocalActionCompletesTaskWithReply(t *testing.T) {
	decider := &fakeDecider{decision: router.Decision{Action: router.ActionLocal, Reply: "hello there"}}
	d, tasks := newDispatcher(t, decider, nil, nil, nil)

	msg := userMessage("hi")
	tk, err := tasks.CreateTask(context.Background(), "ctx-1", msg, task.Configuration{})
	require.NoError(t, err)

	require.NoError(t, d.Dispatch(context.Background(), tk.ID, msg))

	got, err := tasks.Get(context.Background(), tk.ID, 0)
	require.NoError(t, err)
	require.Equal(t, a2a.TaskStateCompleted, got.Status.State)
	require.Len(t, got.Artifacts, 1)
}

func TestDispatch_RejectActionTransitionsDirectlyFromSubmitted(t *testing.T) {
	decider := &fakeDecider{decision: router.Decision{Action: router.ActionReject, Reason: "no such capability"}}
	d, tasks := newDispatcher(t, decider, nil, nil, nil)

	msg := userMessage("do the impossible")
	tk, err := tasks.CreateTask(context.Background(), "ctx-2", msg, task.Configuration{})
	require.NoError(t, err)

	require.NoError(t, d.Dispatch(context.Background(), tk.ID, msg))

	got, err := tasks.Get(context.Background(), tk.ID, 0)
	require.NoError(t, err)
	require.Equal(t, a2a.TaskStateRejected, got.Status.State)
}

func TestDispatch_DeviceActionInvokesToolAndCompletes(t *testing.T) {
	decider := &fakeDecider{decision: router.Decision{
		Action: router.ActionDevice, DeviceID: "cam-1", ToolID: "capture_image",
	}}
	devices := &fakeDevices{devices: map[string]*registry.Device{
		"cam-1": {DeviceID: "cam-1", SourceRef: "mcp://cam-1"},
	}}
	device := &fakeDevice{result: devicetool.InvokeResult{Output: map[string]any{"ok": true}}}
	port := &fakePort{device: device}
	d, tasks := newDispatcher(t, decider, devices, port, nil)

	msg := userMessage("take a photo")
	tk, err := tasks.CreateTask(context.Background(), "ctx-3", msg, task.Configuration{})
	require.NoError(t, err)

	require.NoError(t, d.Dispatch(context.Background(), tk.ID, msg))

	got, err := tasks.Get(context.Background(), tk.ID, 0)
	require.NoError(t, err)
	require.Equal(t, a2a.TaskStateCompleted, got.Status.State)
	require.True(t, device.closed)
}

func TestDispatch_DeviceActionNotFoundFailsTask(t *testing.T) {
	decider := &fakeDecider{decision: router.Decision{
		Action: router.ActionDevice, DeviceID: "missing", ToolID: "capture_image",
	}}
	devices := &fakeDevices{devices: map[string]*registry.Device{}}
	d, tasks := newDispatcher(t, decider, devices, &fakePort{}, nil)

	msg := userMessage("take a photo")
	tk, err := tasks.CreateTask(context.Background(), "ctx-4", msg, task.Configuration{})
	require.NoError(t, err)

	require.Error(t, d.Dispatch(context.Background(), tk.ID, msg))

	got, err := tasks.Get(context.Background(), tk.ID, 0)
	require.NoError(t, err)
	require.Equal(t, a2a.TaskStateFailed, got.Status.State)
}

func TestDispatch_DelegateActionRelaysEventsUntilTerminal(t *testing.T) {
	events := make(chan a2a.Event, 2)
	events <- &a2a.TaskArtifactUpdateEvent{
		Artifact: a2a.Artifact{ArtifactID: "remote", Parts: []a2a.Part{a2a.TextPart{Text: "partial"}}},
	}
	events <- &a2a.TaskStatusUpdateEvent{
		Status: a2a.TaskStatus{State: a2a.TaskStateCompleted},
		Final:  true,
	}
	close(events)

	decider := &fakeDecider{decision: router.Decision{Action: router.ActionDelegate, AgentID: "weather-bot"}}
	agents := &fakeAgents{events: events}
	d, tasks := newDispatcher(t, decider, nil, nil, agents)

	msg := userMessage("what's the weather")
	tk, err := tasks.CreateTask(context.Background(), "ctx-5", msg, task.Configuration{})
	require.NoError(t, err)

	require.NoError(t, d.Dispatch(context.Background(), tk.ID, msg))

	got, err := tasks.Get(context.Background(), tk.ID, 0)
	require.NoError(t, err)
	require.Equal(t, a2a.TaskStateCompleted, got.Status.State)
	require.Len(t, got.Artifacts, 1)
}

func TestDispatch_RouterErrorFailsTask(t *testing.T) {
	decider := &fakeDecider{err: errors.New("llm unreachable")}
	d, tasks := newDispatcher(t, decider, nil, nil, nil)

	msg := userMessage("anything")
	tk, err := tasks.CreateTask(context.Background(), "ctx-6", msg, task.Configuration{})
	require.NoError(t, err)

	require.Error(t, d.Dispatch(context.Background(), tk.ID, msg))

	got, err := tasks.Get(context.Background(), tk.ID, 0)
	require.NoError(t, err)
	require.Equal(t, a2a.TaskStateFailed, got.Status.State)
}

func TestDispatch_DelegateDialErrorFailsTask(t *testing.T) {
	decider := &fakeDecider{decision: router.Decision{Action: router.ActionDelegate, AgentID: "bad-agent"}}
	agents := &fakeAgents{err: errors.New("endpoint not found")}
	d, tasks := newDispatcher(t, decider, nil, nil, agents)

	msg := userMessage("delegate this")
	tk, err := tasks.CreateTask(context.Background(), "ctx-7", msg, task.Configuration{})
	require.NoError(t, err)

	require.Error(t, d.Dispatch(context.Background(), tk.ID, msg))

	got, err := tasks.Get(context.Background(), tk.ID, 0)
	require.NoError(t, err)
	require.Equal(t, a2a.TaskStateFailed, got.Status.State)
}

func TestDispatch_ContextCancellationDuringRouterSurfacesAsError(t *testing.T) {
	decider := &fakeDecider{decision: router.Decision{Action: router.ActionLocal, Reply: "ok"}}
	d, tasks := newDispatcher(t, decider, nil, nil, nil)

	msg := userMessage("slow")
	tk, err := tasks.CreateTask(context.Background(), "ctx-8", msg, task.Configuration{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	require.Error(t, d.Dispatch(ctx, tk.ID, msg))
}
