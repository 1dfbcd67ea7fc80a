// Package dispatch wires the C9 Intent Router's decisions onto the
// rest of the broker: C1 (device tools), C10 (external agent
// delegation), and C7 (task state transitions and artifact delivery).
// It is the concrete a2aserver.Dispatcher pkg/a2aserver.Handler calls
// on every send-message/stream-message turn.
//
// Grounded on pkg/agent/remoteagent/a2a.go's convertEvent (the
// a2a.Event type switch) and pkg/runner's run-loop shape of "decide,
// then act on the decision, then report the outcome back onto the
// task". Device and agent work runs through pkg/workerpool so a single
// slow device or agent cannot starve every other in-flight task.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/a2aproject/a2a-go/a2a"

	"github.com/kadirpekel/devicebroker/pkg/brokererrors"
	"github.com/kadirpekel/devicebroker/pkg/devicetool"
	"github.com/kadirpekel/devicebroker/pkg/logger"
	"github.com/kadirpekel/devicebroker/pkg/registry"
	"github.com/kadirpekel/devicebroker/pkg/router"
	"github.com/kadirpekel/devicebroker/pkg/task"
	"github.com/kadirpekel/devicebroker/pkg/workerpool"
)

// AgentDelegate is the narrow slice of agentclient.Client the
// Dispatcher needs, kept as an interface so tests can fake it without
// standing up a real A2A endpoint.
type AgentDelegate interface {
	Delegate(ctx context.Context, agentID string, msg *a2a.Message) (<-chan a2a.Event, func(), error)
}

// DeviceLookup is the narrow slice of registry.DeviceRegistry the
// Dispatcher needs.
type DeviceLookup interface {
	Get(deviceID string) (*registry.Device, bool)
}

// Decider is the narrow slice of router.Router the Dispatcher needs.
type Decider interface {
	Decide(ctx context.Context, in router.Input) (router.Decision, error)
}

// Pool is the narrow slice of workerpool.Pool the Dispatcher needs.
type Pool interface {
	Submit(ctx context.Context, job workerpool.Job) error
}

// Config wires a Dispatcher's dependencies.
type Config struct {
	Tasks   *task.Manager
	Router  Decider
	Devices DeviceLookup
	Ports   devicetool.Port
	Agents  AgentDelegate
	Pool    Pool
}

// Dispatcher implements a2aserver.Dispatcher: it drives a task from
// Submitted through to a terminal (or input-required) state by running
// the Intent Router's decision and executing whatever it decided.
type Dispatcher struct {
	tasks   *task.Manager
	router  Decider
	devices DeviceLookup
	ports   devicetool.Port
	agents  AgentDelegate
	pool    Pool
}

// New constructs a Dispatcher.
func New(cfg Config) *Dispatcher {
	return &Dispatcher{
		tasks:   cfg.Tasks,
		router:  cfg.Router,
		devices: cfg.Devices,
		ports:   cfg.Ports,
		agents:  cfg.Agents,
		pool:    cfg.Pool,
	}
}

// Dispatch implements a2aserver.Dispatcher. Routing, scheduling and
// device/agent failures first try to leave the task in a terminal
// Failed state so a subscriber or poller observes a clean outcome. When
// ctx ends while a device invocation or delegation is still running,
// Dispatch returns ctx.Err() and leaves the task in Working.
func (d *Dispatcher) Dispatch(ctx context.Context, taskID a2a.TaskID, msg *a2a.Message) error {
	in := router.Input{Text: extractText(msg)}
	decision, err := d.runDecide(ctx, in)
	if err != nil {
		if err := d.tasks.Transition(ctx, taskID, a2a.TaskStateWorking, ""); err != nil {
			return err
		}
		return d.fail(ctx, taskID, fmt.Sprintf("routing failed: %v", err))
	}

	// Rejected is only reachable directly from Submitted (pkg/task's
	// state graph has no Working->Rejected edge), so a reject must be
	// decided before the task ever enters Working.
	if decision.Action == router.ActionReject {
		reason := decision.Reason
		if reason == "" {
			reason = decision.Rationale
		}
		return d.tasks.Transition(ctx, taskID, a2a.TaskStateRejected, reason)
	}

	if err := d.tasks.Transition(ctx, taskID, a2a.TaskStateWorking, ""); err != nil {
		return err
	}

	switch decision.Action {
	case router.ActionLocal:
		return d.completeWithText(ctx, taskID, decision.Reply)

	case router.ActionDevice:
		return d.dispatchDevice(ctx, taskID, decision)

	case router.ActionDelegate:
		return d.dispatchDelegate(ctx, taskID, msg, decision)

	default:
		return d.fail(ctx, taskID, fmt.Sprintf("unknown router action %q", decision.Action))
	}
}

func (d *Dispatcher) runDecide(ctx context.Context, in router.Input) (router.Decision, error) {
	type result struct {
		decision router.Decision
		err      error
	}
	if err := ctx.Err(); err != nil {
		return router.Decision{}, err
	}
	done := make(chan result, 1)
	err := d.pool.Submit(ctx, workerpool.Job{
		Type: workerpool.JobLLMCall,
		Run: func(ctx context.Context) error {
			decision, err := d.router.Decide(ctx, in)
			done <- result{decision: decision, err: err}
			return err
		},
	})
	if err != nil {
		return router.Decision{}, err
	}

	select {
	case r := <-done:
		return r.decision, r.err
	case <-ctx.Done():
		return router.Decision{}, ctx.Err()
	}
}

// dispatchDevice invokes the decided device tool through the pool and
// reports the outcome back onto the task as an artifact.
func (d *Dispatcher) dispatchDevice(ctx context.Context, taskID a2a.TaskID, decision router.Decision) error {
	dev, ok := d.devices.Get(decision.DeviceID)
	if !ok {
		return d.fail(ctx, taskID, "device not found: "+decision.DeviceID)
	}

	type result struct {
		out devicetool.InvokeResult
		err error
	}
	done := make(chan result, 1)
	err := d.pool.Submit(ctx, workerpool.Job{
		Type: workerpool.JobDeviceToolInvoke,
		Run: func(ctx context.Context) error {
			// A device tool call without a caller deadline gets 60s.
			if _, ok := ctx.Deadline(); !ok {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, 60*time.Second)
				defer cancel()
			}
			handle, dialErr := d.ports.Dial(ctx, dev.SourceRef)
			if dialErr != nil {
				done <- result{err: dialErr}
				return dialErr
			}
			defer func() { _ = handle.Close() }()

			out, invokeErr := handle.Invoke(ctx, decision.ToolID, decision.Arguments)
			done <- result{out: out, err: invokeErr}
			return invokeErr
		},
	})
	if err != nil {
		return d.fail(ctx, taskID, fmt.Sprintf("device invocation could not be scheduled: %v", err))
	}

	select {
	case r := <-done:
		if r.err != nil {
			return d.fail(ctx, taskID, fmt.Sprintf("device %s tool %s failed: %v", decision.DeviceID, decision.ToolID, r.err))
		}
		if r.out.Err != nil {
			return d.fail(ctx, taskID, fmt.Sprintf("device %s tool %s returned an error: %v", decision.DeviceID, decision.ToolID, r.out.Err))
		}
		return d.completeWithOutput(ctx, taskID, r.out.Output)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dispatchDelegate forwards msg to the external agent and streams its
// a2a.Event responses back onto the task until a final status arrives.
func (d *Dispatcher) dispatchDelegate(ctx context.Context, taskID a2a.TaskID, msg *a2a.Message, decision router.Decision) error {
	done := make(chan error, 1)
	err := d.pool.Submit(ctx, workerpool.Job{
		Type: workerpool.JobExternalAgentDelete,
		Run: func(ctx context.Context) error {
			events, cancel, delegateErr := d.agents.Delegate(ctx, decision.AgentID, msg)
			if delegateErr != nil {
				done <- delegateErr
				return delegateErr
			}
			defer cancel()

			for event := range events {
				if relayErr := d.relayEvent(ctx, taskID, event); relayErr != nil {
					logger.GetLogger().Warn("dispatch: relay delegated event failed", "taskID", taskID, "agentId", decision.AgentID, "error", relayErr)
				}
			}
			done <- nil
			return nil
		},
	})
	if err != nil {
		return d.fail(ctx, taskID, fmt.Sprintf("delegation could not be scheduled: %v", err))
	}

	select {
	case relayErr := <-done:
		if relayErr != nil {
			return d.fail(ctx, taskID, fmt.Sprintf("delegation to agent %s failed: %v", decision.AgentID, relayErr))
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// relayEvent translates one delegated agent's a2a.Event onto the local
// task, mirroring pkg/agent/remoteagent/a2a.go's convertEvent switch.
func (d *Dispatcher) relayEvent(ctx context.Context, taskID a2a.TaskID, event a2a.Event) error {
	switch e := event.(type) {
	case *a2a.TaskStatusUpdateEvent:
		note := ""
		if e.Status.Message != nil {
			note = extractText(e.Status.Message)
		}
		return d.tasks.Transition(ctx, taskID, e.Status.State, note)

	case *a2a.TaskArtifactUpdateEvent:
		return d.tasks.AppendArtifactChunk(ctx, taskID, e.Artifact, e.Append, e.LastChunk)

	default:
		return nil
	}
}

func (d *Dispatcher) completeWithText(ctx context.Context, taskID a2a.TaskID, text string) error {
	artifact := a2a.Artifact{
		ArtifactID: "reply",
		Parts:      []a2a.Part{a2a.TextPart{Text: text}},
	}
	if err := d.tasks.AppendArtifactChunk(ctx, taskID, artifact, false, true); err != nil {
		return err
	}
	return d.tasks.Transition(ctx, taskID, a2a.TaskStateCompleted, "")
}

func (d *Dispatcher) completeWithOutput(ctx context.Context, taskID a2a.TaskID, output map[string]any) error {
	artifact := a2a.Artifact{
		ArtifactID: "device-result",
		Parts:      []a2a.Part{a2a.DataPart{Data: output}},
	}
	if err := d.tasks.AppendArtifactChunk(ctx, taskID, artifact, false, true); err != nil {
		return err
	}
	return d.tasks.Transition(ctx, taskID, a2a.TaskStateCompleted, "")
}

func (d *Dispatcher) fail(ctx context.Context, taskID a2a.TaskID, note string) error {
	if err := d.tasks.Transition(ctx, taskID, a2a.TaskStateFailed, note); err != nil {
		logger.GetLogger().Error("dispatch: failed to transition task to Failed", "taskID", taskID, "error", err)
		return err
	}
	return brokererrors.New(brokererrors.KindInternalError, note)
}

// extractText concatenates every TextPart in msg, newline-separated,
// into the plain text pkg/router receives as Input.Text.
func extractText(msg *a2a.Message) string {
	if msg == nil {
		return ""
	}
	var out string
	for _, part := range msg.Parts {
		if tp, ok := part.(a2a.TextPart); ok {
			if out != "" {
				out += "\n"
			}
			out += tp.Text
		}
	}
	return out
}
