// Package repository is the C3 Repository Port: durable storage of
// devices, tasks, push subscriptions, stream high-water marks, and
// external agent endpoints. It is deliberately narrow — persistence
// engine choice is out of scope per spec.md §1, so this package exposes
// an interface plus one concrete multi-dialect SQL implementation.
package repository

import (
	"context"
	"time"

	"github.com/a2aproject/a2a-go/a2a"
)

// Device is the durable record for one registered device. The in-memory
// shape lives in pkg/registry; this is its persisted projection.
type Device struct {
	DeviceID         string
	Name             string
	Kind             string
	SourceRef        string // opaque capability-source endpoint reference
	Tools            []DeviceTool
	IntentKeywords   []string
	SystemPrompt     string
	Liveness         string // online | offline | unknown
	LastSeen         time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// DeviceTool is one declared tool surface of a device.
type DeviceTool struct {
	ToolID       string
	InputSchema  map[string]any
	OutputSchema map[string]any
}

// PushConfig is the durable record of one push subscription on a task.
type PushConfig struct {
	TaskID       string
	ConfigID     string
	CallbackURL  string
	SecretOrAuth string
	CreatedAt    time.Time
}

// AgentEndpoint is an external A2A peer the router may delegate to.
type AgentEndpoint struct {
	AgentID        string
	URL            string
	CapabilityTags []string
	AuthRef        string
	Enabled        bool
	LastSuccessAt  time.Time
}

// Repository is the durability boundary for the whole broker. Every
// write path in the core goes through this interface; reads are served
// from in-memory indexes (Registry, Task Manager) that are populated
// from it at startup and kept write-through afterward, per spec.md §9.
type Repository interface {
	SaveDevice(ctx context.Context, d *Device) error
	GetDevice(ctx context.Context, deviceID string) (*Device, error)
	ListDevices(ctx context.Context) ([]*Device, error)
	DeleteDevice(ctx context.Context, deviceID string) error

	SaveTask(ctx context.Context, t *a2a.Task) error
	GetTask(ctx context.Context, taskID a2a.TaskID) (*a2a.Task, error)
	ListTasksByContext(ctx context.Context, contextID string) ([]*a2a.Task, error)
	ListTasks(ctx context.Context, limit int) ([]*a2a.Task, error)

	SavePushConfig(ctx context.Context, cfg *PushConfig) error
	GetPushConfig(ctx context.Context, taskID, configID string) (*PushConfig, error)
	ListPushConfigs(ctx context.Context, taskID string) ([]*PushConfig, error)
	DeletePushConfig(ctx context.Context, taskID, configID string) error

	SaveStreamCursor(ctx context.Context, deviceID string, seq uint64) error
	GetStreamCursor(ctx context.Context, deviceID string) (uint64, error)

	SaveAgentEndpoint(ctx context.Context, e *AgentEndpoint) error
	GetAgentEndpoint(ctx context.Context, agentID string) (*AgentEndpoint, error)
	ListAgentEndpoints(ctx context.Context) ([]*AgentEndpoint, error)
	DeleteAgentEndpoint(ctx context.Context, agentID string) error

	Close() error
}

// ErrNotFound is returned by single-item getters when no row matches.
// Defined here (rather than imported from brokererrors) to keep this
// port importable without pulling in the error taxonomy; callers that
// want a Kind-tagged error wrap it with brokererrors.Wrap.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "repository: not found" }
