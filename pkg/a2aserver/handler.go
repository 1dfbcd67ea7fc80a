// Package a2aserver is the C8 A2A Request Handler: it dispatches the
// logical message/task operations of spec.md §4.4 onto the Task
// Manager and a Dispatcher (the Intent Router plus whatever it decided
// to invoke), and exposes them over JSON-RPC 2.0 and REST transports
// the way pkg/transport's handlers expose Hector's gRPC service over
// both.
package a2aserver

import (
	"context"
	"errors"

	"github.com/a2aproject/a2a-go/a2a"

	"github.com/kadirpekel/devicebroker/pkg/brokererrors"
	"github.com/kadirpekel/devicebroker/pkg/logger"
	"github.com/kadirpekel/devicebroker/pkg/manifest"
	"github.com/kadirpekel/devicebroker/pkg/task"
)

// Dispatcher executes a task's first turn: it runs the Intent Router's
// decision and whatever device invocation or agent delegation follows
// from it, driving the given task through Manager as it produces
// artifacts and reaches a terminal (or input-required) state. Handler
// does not know or care whether that means calling a device tool or
// delegating to an external agent — that split lives entirely behind
// this one method, per spec.md §4.5's "pure decision function" framing.
type Dispatcher interface {
	Dispatch(ctx context.Context, taskID a2a.TaskID, msg *a2a.Message) error
}

// Config wires a Handler's dependencies.
type Config struct {
	Tasks      *task.Manager
	Manifest   *manifest.Builder
	Dispatcher Dispatcher
}

// Handler implements the transport-agnostic half of the A2A Request
// Handler: the JSON-RPC and REST front ends (jsonrpc.go, rest.go) parse
// their wire format into these calls and serialize the result back out
// in their own shape.
type Handler struct {
	tasks    *task.Manager
	manifest *manifest.Builder
	dispatch Dispatcher
}

// New constructs a Handler.
func New(cfg Config) *Handler {
	return &Handler{tasks: cfg.Tasks, manifest: cfg.Manifest, dispatch: cfg.Dispatcher}
}

// SendMessage implements send-message: creates a new task for msg (a
// msg.TaskID naming an existing task does not continue it) and runs it to its first pause point (input-required, auth-required,
// or terminal) when configuration.Blocking is set; otherwise it returns
// as soon as the task is Submitted/Working and the caller is expected
// to poll get-task or subscribe.
func (h *Handler) SendMessage(ctx context.Context, msg *a2a.Message, cfg task.Configuration) (*a2a.Task, error) {
	t, err := h.tasks.CreateTask(ctx, msg.ContextID, msg, cfg)
	if err != nil {
		return nil, brokererrors.Wrap(brokererrors.KindInternalError, "create task", err)
	}

	if cfg.Blocking {
		if err := h.dispatch.Dispatch(ctx, t.ID, msg); err != nil {
			logger.GetLogger().Warn("a2aserver: dispatch failed", "taskID", t.ID, "error", err)
		}
		return h.tasks.Get(ctx, t.ID, cfg.HistoryLength)
	}

	go func() {
		bgCtx := context.Background()
		if err := h.dispatch.Dispatch(bgCtx, t.ID, msg); err != nil {
			logger.GetLogger().Warn("a2aserver: async dispatch failed", "taskID", t.ID, "error", err)
		}
	}()
	return t, nil
}

// StreamMessage implements stream-message: it creates the task, starts
// dispatch in the background, and returns a live subscription the
// caller drains until the first final=true event. Requires the
// broker's AgentCard to advertise streaming: when h.manifest's current
// card has streaming disabled, it returns UnsupportedOperation without
// creating a task.
func (h *Handler) StreamMessage(ctx context.Context, msg *a2a.Message, cfg task.Configuration) (a2a.TaskID, <-chan task.Event, func(), error) {
	if h.manifest != nil {
		if card := h.manifest.Current(); card != nil && !card.Capabilities.Streaming {
			return "", nil, nil, brokererrors.New(brokererrors.KindUnsupportedOperation, "streaming is not enabled")
		}
	}

	t, err := h.tasks.CreateTask(ctx, msg.ContextID, msg, cfg)
	if err != nil {
		return "", nil, nil, brokererrors.Wrap(brokererrors.KindInternalError, "create task", err)
	}

	ch, unsubscribe, err := h.tasks.SubscribeStream(t.ID)
	if err != nil {
		return "", nil, nil, brokererrors.Wrap(brokererrors.KindInternalError, "subscribe", err)
	}

	go func() {
		bgCtx := context.Background()
		if err := h.dispatch.Dispatch(bgCtx, t.ID, msg); err != nil {
			logger.GetLogger().Warn("a2aserver: stream dispatch failed", "taskID", t.ID, "error", err)
		}
	}()
	return t.ID, ch, unsubscribe, nil
}

// ResubscribeTask implements resubscribe-task: it re-attaches a
// subscriber to a still-live task without restarting dispatch. A
// caller that resubscribes after missing events must reconcile via
// get-task, since the stream only carries what is emitted from this
// point forward.
func (h *Handler) ResubscribeTask(ctx context.Context, taskID a2a.TaskID) (<-chan task.Event, func(), error) {
	return h.tasks.SubscribeStream(taskID)
}

// GetTask implements get-task.
func (h *Handler) GetTask(ctx context.Context, taskID a2a.TaskID, historyLength int) (*a2a.Task, error) {
	t, err := h.tasks.Get(ctx, taskID, historyLength)
	if err != nil {
		return nil, mapTaskError(err)
	}
	return t, nil
}

// ListTasks implements list-tasks.
func (h *Handler) ListTasks(ctx context.Context, filter task.ListFilter) ([]*a2a.Task, error) {
	tasks, err := h.tasks.List(ctx, filter)
	if err != nil {
		return nil, mapTaskError(err)
	}
	return tasks, nil
}

// CancelTask implements cancel-task.
func (h *Handler) CancelTask(ctx context.Context, taskID a2a.TaskID) (*a2a.Task, error) {
	t, err := h.tasks.Cancel(ctx, taskID)
	if err != nil {
		return nil, mapTaskError(err)
	}
	return t, nil
}

// SetPushConfig implements set-push-config.
func (h *Handler) SetPushConfig(ctx context.Context, taskID a2a.TaskID, cfg task.PushConfig) error {
	return mapTaskError(h.tasks.SetPushConfig(ctx, taskID, cfg))
}

// GetPushConfig implements get-push-config.
func (h *Handler) GetPushConfig(ctx context.Context, taskID a2a.TaskID, configID string) (*task.PushConfig, error) {
	cfg, err := h.tasks.GetPushConfig(ctx, taskID, configID)
	if err != nil {
		return nil, mapTaskError(err)
	}
	return cfg, nil
}

// ListPushConfigs implements list-push-configs.
func (h *Handler) ListPushConfigs(ctx context.Context, taskID a2a.TaskID) ([]*task.PushConfig, error) {
	cfgs, err := h.tasks.ListPushConfigs(ctx, taskID)
	if err != nil {
		return nil, mapTaskError(err)
	}
	return cfgs, nil
}

// DeletePushConfig implements delete-push-config.
func (h *Handler) DeletePushConfig(ctx context.Context, taskID a2a.TaskID, configID string) error {
	return mapTaskError(h.tasks.DeletePushConfig(ctx, taskID, configID))
}

// GetCapabilityManifest implements get-capability-manifest.
func (h *Handler) GetCapabilityManifest(ctx context.Context) *a2a.AgentCard {
	return h.manifest.Current()
}

func mapTaskError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, task.ErrTaskNotFound):
		return brokererrors.Wrap(brokererrors.KindTaskNotFound, "task not found", err)
	case errors.Is(err, task.ErrNotCancelable):
		return brokererrors.Wrap(brokererrors.KindTaskNotCancelable, "task not cancelable", err)
	case errors.Is(err, task.ErrTaskClosed):
		return brokererrors.Wrap(brokererrors.KindTaskNotCancelable, "task closed", err)
	case errors.Is(err, task.ErrInvalidTransition):
		return brokererrors.Wrap(brokererrors.KindInvalidParams, "invalid transition", err)
	case errors.Is(err, task.ErrNoSuchPushConfig):
		return brokererrors.Wrap(brokererrors.KindNotFound, "push config not found", err)
	default:
		return brokererrors.Wrap(brokererrors.KindInternalError, "task manager error", err)
	}
}
