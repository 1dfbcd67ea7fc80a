// Package task is the C7 Task Manager: the A2A task state machine,
// history/artifact bookkeeping, live-stream subscriber fan-out, and
// push-notification delivery.
package task

import (
	"errors"
	"time"

	"github.com/a2aproject/a2a-go/a2a"
)

// Configuration carries the per-task options createTask accepts:
// accepted output media types, how much history a caller wants back,
// whether the call is blocking, and an optional push config to attach
// immediately.
type Configuration struct {
	AcceptedOutputModes []string
	HistoryLength       int
	Blocking            bool
	PushConfig          *PushConfig

	// IdempotencyKey, when set, dedupes CreateTask: a second call with
	// the same key returns the task already created for it rather than
	// minting a new one. The Scan Loop sets this to "deviceId:seq" so
	// an at-least-once redelivery of the same stream entry converges on
	// one task.
	IdempotencyKey string
}

// PushConfig is one push-notification subscription on a task.
type PushConfig struct {
	ConfigID     string
	CallbackURL  string
	SecretOrAuth string
}

// Event is the union of the two things a subscriber or push target can
// receive for a task, mirroring a2asrv's event queue shape.
type Event struct {
	Status   *a2a.TaskStatusUpdateEvent
	Artifact *a2a.TaskArtifactUpdateEvent
}

// Final reports whether this event closes out the subscriber stream.
func (e Event) Final() bool {
	return e.Status != nil && e.Status.Final
}

var (
	// ErrTaskNotFound means the referenced taskId has no matching task.
	ErrTaskNotFound = errors.New("task: not found")

	// ErrTaskClosed means the task is in a terminal state and cannot
	// accept further messages or artifact chunks. A transition out of a
	// terminal state fails with ErrInvalidTransition instead.
	ErrTaskClosed = errors.New("task: closed (terminal state)")

	// ErrNotCancelable means cancel was called on a task that is
	// already terminal (including Completed).
	ErrNotCancelable = errors.New("task: not cancelable")

	// ErrInvalidTransition means toState is unreachable from the
	// task's current state per the state graph.
	ErrInvalidTransition = errors.New("task: invalid state transition")

	// ErrNoSuchPushConfig means configId has no matching subscription.
	ErrNoSuchPushConfig = errors.New("task: no such push config")
)

// transitions enumerates the state graph edges from spec.md §4.3.
// Terminal states (not present as keys) accept no outbound edges
// except the idempotent same-state case, handled separately.
var transitions = map[a2a.TaskState][]a2a.TaskState{
	a2a.TaskStateSubmitted: {
		a2a.TaskStateWorking, a2a.TaskStateRejected,
		a2a.TaskStateCanceled, a2a.TaskStateFailed,
	},
	a2a.TaskStateWorking: {
		a2a.TaskStateInputRequired, a2a.TaskStateAuthRequired,
		a2a.TaskStateCompleted, a2a.TaskStateCanceled, a2a.TaskStateFailed,
	},
	a2a.TaskStateInputRequired: {
		a2a.TaskStateWorking, a2a.TaskStateCanceled, a2a.TaskStateFailed,
	},
	a2a.TaskStateAuthRequired: {
		a2a.TaskStateWorking, a2a.TaskStateCanceled, a2a.TaskStateFailed,
	},
}

func canTransition(from, to a2a.TaskState) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// pushBackoff mirrors spec.md §4.3's push delivery retry policy: base
// 1s, cap 60s, max 6 attempts, 5xx/timeout retried, 4xx dropped.
const (
	pushBaseDelay   = 1 * time.Second
	pushMaxDelay    = 60 * time.Second
	pushMaxAttempts = 6
)
