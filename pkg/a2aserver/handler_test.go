package a2aserver

import (
	"context"
	"testing"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/devicebroker/pkg/manifest"
	"github.com/kadirpekel/devicebroker/pkg/registry"
	"github.com/kadirpekel/devicebroker/pkg/task"
)

type fakeDispatcher struct{ err error }

func (f *fakeDispatcher) Dispatch(ctx context.Context, taskID a2a.TaskID, msg *a2a.Message) error {
	return f.err
}

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	reg := registry.New(registry.Config{})
	builder := manifest.New(manifest.Config{Name: "test-broker"}, reg)
	tasks := task.New(task.Config{})
	t.Cleanup(tasks.Close)
	return New(Config{Tasks: tasks, Manifest: builder, Dispatcher: &fakeDispatcher{}})
}

func TestHandler_ListTasksFiltersByContext(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()

	msg := a2a.NewMessage(a2a.MessageRoleUser, a2a.TextPart{Text: "hi"})
	msg.ContextID = "ctx-a"
	_, err := h.SendMessage(ctx, msg, task.Configuration{})
	require.NoError(t, err)

	other := a2a.NewMessage(a2a.MessageRoleUser, a2a.TextPart{Text: "hi"})
	other.ContextID = "ctx-b"
	_, err = h.SendMessage(ctx, other, task.Configuration{})
	require.NoError(t, err)

	got, err := h.ListTasks(ctx, task.ListFilter{ContextID: "ctx-a"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "ctx-a", got[0].ContextID)
}

func TestHandler_ListTasksEmptyFilterReturnsAll(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()

	msg := a2a.NewMessage(a2a.MessageRoleUser, a2a.TextPart{Text: "hi"})
	msg.ContextID = "ctx-a"
	_, err := h.SendMessage(ctx, msg, task.Configuration{})
	require.NoError(t, err)

	got, err := h.ListTasks(ctx, task.ListFilter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
}
