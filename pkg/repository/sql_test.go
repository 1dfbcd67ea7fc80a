package repository

import (
	"context"
	"database/sql"
	"testing"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/stretchr/testify/require"
)

func newTestRepository(t *testing.T) *SQLRepository {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	repo, err := NewSQLRepository(db, "sqlite")
	require.NoError(t, err)
	return repo
}

func TestSQLRepository_DeviceRoundTrip(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	d := &Device{
		DeviceID:       "cam-1",
		Name:           "Camera 1",
		Kind:           "camera",
		Tools:          []DeviceTool{{ToolID: "capture_image"}},
		IntentKeywords: []string{"photo", "picture"},
		Liveness:       "online",
	}
	require.NoError(t, repo.SaveDevice(ctx, d))

	got, err := repo.GetDevice(ctx, "cam-1")
	require.NoError(t, err)
	require.Equal(t, "Camera 1", got.Name)
	require.Equal(t, []string{"photo", "picture"}, got.IntentKeywords)
	require.Len(t, got.Tools, 1)
	require.Equal(t, "capture_image", got.Tools[0].ToolID)

	list, err := repo.ListDevices(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, repo.DeleteDevice(ctx, "cam-1"))
	_, err = repo.GetDevice(ctx, "cam-1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSQLRepository_TaskRoundTrip(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	task := &a2a.Task{
		ID:        a2a.TaskID("task-1"),
		ContextID: "ctx-1",
		Status:    a2a.TaskStatus{State: a2a.TaskStateSubmitted},
	}
	require.NoError(t, repo.SaveTask(ctx, task))

	got, err := repo.GetTask(ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, a2a.TaskStateSubmitted, got.Status.State)
	require.Equal(t, "ctx-1", got.ContextID)

	byCtx, err := repo.ListTasksByContext(ctx, "ctx-1")
	require.NoError(t, err)
	require.Len(t, byCtx, 1)
}

func TestSQLRepository_StreamCursor(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	seq, err := repo.GetStreamCursor(ctx, "cam-1")
	require.NoError(t, err)
	require.Zero(t, seq)

	require.NoError(t, repo.SaveStreamCursor(ctx, "cam-1", 42))
	seq, err = repo.GetStreamCursor(ctx, "cam-1")
	require.NoError(t, err)
	require.Equal(t, uint64(42), seq)
}

func TestSQLRepository_PushConfigLifecycle(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	cfg := &PushConfig{TaskID: "task-1", ConfigID: "cfg-1", CallbackURL: "https://example.com/hook"}
	require.NoError(t, repo.SavePushConfig(ctx, cfg))

	got, err := repo.GetPushConfig(ctx, "task-1", "cfg-1")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/hook", got.CallbackURL)

	list, err := repo.ListPushConfigs(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, repo.DeletePushConfig(ctx, "task-1", "cfg-1"))
	_, err = repo.GetPushConfig(ctx, "task-1", "cfg-1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSQLRepository_AgentEndpoints(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	e := &AgentEndpoint{AgentID: "agent-1", URL: "https://agent.example.com", CapabilityTags: []string{"vision"}, Enabled: true}
	require.NoError(t, repo.SaveAgentEndpoint(ctx, e))

	got, err := repo.GetAgentEndpoint(ctx, "agent-1")
	require.NoError(t, err)
	require.True(t, got.Enabled)
	require.Equal(t, []string{"vision"}, got.CapabilityTags)

	list, err := repo.ListAgentEndpoints(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, repo.DeleteAgentEndpoint(ctx, "agent-1"))
	_, err = repo.GetAgentEndpoint(ctx, "agent-1")
	require.ErrorIs(t, err, ErrNotFound)
}
