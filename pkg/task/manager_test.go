package task

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/a2aproject/a2a-go/a2a"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/devicebroker/pkg/repository"
)

func newTestRepo(t *testing.T) repository.Repository {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	repo, err := repository.NewSQLRepository(db, "sqlite")
	require.NoError(t, err)
	return repo
}

type fakePusher struct {
	mu    sync.Mutex
	calls []string
	// status is returned for every Push call unless overridden per URL.
	status int
	err    error
}

func (f *fakePusher) Push(ctx context.Context, callbackURL, bearerToken string, body []byte) (int, error) {
	f.mu.Lock()
	f.calls = append(f.calls, callbackURL)
	f.mu.Unlock()
	return f.status, f.err
}

func (f *fakePusher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestManager(t *testing.T, pusher Pusher) *Manager {
	t.Helper()
	m := New(Config{Repository: newTestRepo(t), Pusher: pusher, PushWorkers: 2})
	t.Cleanup(m.Close)
	return m
}

func TestManager_CreateTaskStartsSubmitted(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	tk, err := m.CreateTask(ctx, "ctx-1", nil, Configuration{})
	require.NoError(t, err)
	require.Equal(t, a2a.TaskStateSubmitted, tk.Status.State)

	got, err := m.Get(ctx, tk.ID, 0)
	require.NoError(t, err)
	require.Equal(t, tk.ID, got.ID)
}

func TestManager_TransitionFollowsStateGraph(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()
	tk, err := m.CreateTask(ctx, "ctx-1", nil, Configuration{})
	require.NoError(t, err)

	require.NoError(t, m.Transition(ctx, tk.ID, a2a.TaskStateWorking, ""))
	require.NoError(t, m.Transition(ctx, tk.ID, a2a.TaskStateCompleted, "done"))

	got, err := m.Get(ctx, tk.ID, 0)
	require.NoError(t, err)
	require.Equal(t, a2a.TaskStateCompleted, got.Status.State)
}

func TestManager_TransitionRejectsInvalidEdge(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()
	tk, err := m.CreateTask(ctx, "ctx-1", nil, Configuration{})
	require.NoError(t, err)

	// Submitted -> Completed is not a valid edge; must go through Working.
	err = m.Transition(ctx, tk.ID, a2a.TaskStateCompleted, "")
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestManager_TransitionSameStateSameNoteIsNoop(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()
	tk, err := m.CreateTask(ctx, "ctx-1", nil, Configuration{})
	require.NoError(t, err)

	require.NoError(t, m.Transition(ctx, tk.ID, a2a.TaskStateWorking, "running"))
	require.NoError(t, m.Transition(ctx, tk.ID, a2a.TaskStateWorking, "running"))

	got, err := m.Get(ctx, tk.ID, 0)
	require.NoError(t, err)
	require.Equal(t, a2a.TaskStateWorking, got.Status.State)
}

func TestManager_CancelRejectsTerminalTask(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()
	tk, err := m.CreateTask(ctx, "ctx-1", nil, Configuration{})
	require.NoError(t, err)

	require.NoError(t, m.Transition(ctx, tk.ID, a2a.TaskStateWorking, ""))
	require.NoError(t, m.Transition(ctx, tk.ID, a2a.TaskStateCompleted, ""))

	_, err = m.Cancel(ctx, tk.ID)
	require.ErrorIs(t, err, ErrNotCancelable)
}

func TestManager_SubscribeStreamReceivesEventsInOrder(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()
	tk, err := m.CreateTask(ctx, "ctx-1", nil, Configuration{})
	require.NoError(t, err)

	ch, unsubscribe, err := m.SubscribeStream(tk.ID)
	require.NoError(t, err)
	defer unsubscribe()

	require.NoError(t, m.Transition(ctx, tk.ID, a2a.TaskStateWorking, ""))
	require.NoError(t, m.Transition(ctx, tk.ID, a2a.TaskStateCompleted, ""))

	var states []a2a.TaskState
	for i := 0; i < 2; i++ {
		select {
		case ev := <-ch:
			require.NotNil(t, ev.Status)
			states = append(states, ev.Status.Status.State)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
	require.Equal(t, []a2a.TaskState{a2a.TaskStateWorking, a2a.TaskStateCompleted}, states)

	// The stream closes once the task reaches a terminal state.
	_, open := <-ch
	require.False(t, open)
}

func TestManager_SubscribeAfterTerminalReturnsClosedChannel(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()
	tk, err := m.CreateTask(ctx, "ctx-1", nil, Configuration{})
	require.NoError(t, err)
	require.NoError(t, m.Transition(ctx, tk.ID, a2a.TaskStateWorking, ""))
	require.NoError(t, m.Transition(ctx, tk.ID, a2a.TaskStateCompleted, ""))

	ch, _, err := m.SubscribeStream(tk.ID)
	require.NoError(t, err)
	_, open := <-ch
	require.False(t, open)
}

func TestManager_PushConfigDeliversOnTransition(t *testing.T) {
	pusher := &fakePusher{status: 200}
	m := newTestManager(t, pusher)
	ctx := context.Background()

	tk, err := m.CreateTask(ctx, "ctx-1", nil, Configuration{
		PushConfig: &PushConfig{ConfigID: "p1", CallbackURL: "https://example.test/hook"},
	})
	require.NoError(t, err)

	require.NoError(t, m.Transition(ctx, tk.ID, a2a.TaskStateWorking, ""))

	require.Eventually(t, func() bool {
		return pusher.count() >= 1
	}, time.Second, 5*time.Millisecond)
}

func TestManager_PushConfigDropsOn4xxWithoutRetry(t *testing.T) {
	pusher := &fakePusher{status: 404}
	m := newTestManager(t, pusher)
	ctx := context.Background()

	tk, err := m.CreateTask(ctx, "ctx-1", nil, Configuration{
		PushConfig: &PushConfig{ConfigID: "p1", CallbackURL: "https://example.test/hook"},
	})
	require.NoError(t, err)
	require.NoError(t, m.Transition(ctx, tk.ID, a2a.TaskStateWorking, ""))

	require.Eventually(t, func() bool { return pusher.count() >= 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, pusher.count(), "a 4xx response must not be retried")
}

func TestManager_AppendArtifactChunkMergesOnAppend(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()
	tk, err := m.CreateTask(ctx, "ctx-1", nil, Configuration{})
	require.NoError(t, err)
	require.NoError(t, m.Transition(ctx, tk.ID, a2a.TaskStateWorking, ""))

	art := a2a.Artifact{ArtifactID: "art-1", Parts: []a2a.Part{a2a.TextPart{Text: "chunk-1"}}}
	require.NoError(t, m.AppendArtifactChunk(ctx, tk.ID, art, false, false))

	art2 := a2a.Artifact{ArtifactID: "art-1", Parts: []a2a.Part{a2a.TextPart{Text: "chunk-2"}}}
	require.NoError(t, m.AppendArtifactChunk(ctx, tk.ID, art2, true, true))

	got, err := m.Get(ctx, tk.ID, 0)
	require.NoError(t, err)
	require.Len(t, got.Artifacts, 1)
	require.Len(t, got.Artifacts[0].Parts, 2)
}

func TestManager_GetTruncatesHistory(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()
	tk, err := m.CreateTask(ctx, "ctx-1", nil, Configuration{})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		msg := a2a.NewMessage(a2a.MessageRoleUser, a2a.TextPart{Text: "hi"})
		_, err := m.AppendUserMessage(ctx, tk.ID, msg)
		require.NoError(t, err)
	}

	got, err := m.Get(ctx, tk.ID, 2)
	require.NoError(t, err)
	require.Len(t, got.History, 2)
}

func TestManager_AppendUserMessageRejectsClosedTask(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()
	tk, err := m.CreateTask(ctx, "ctx-1", nil, Configuration{})
	require.NoError(t, err)
	require.NoError(t, m.Transition(ctx, tk.ID, a2a.TaskStateWorking, ""))
	require.NoError(t, m.Transition(ctx, tk.ID, a2a.TaskStateCompleted, ""))

	msg := a2a.NewMessage(a2a.MessageRoleUser, a2a.TextPart{Text: "too late"})
	_, err = m.AppendUserMessage(ctx, tk.ID, msg)
	require.ErrorIs(t, err, ErrTaskClosed)
}

func TestManager_GetUnknownTaskReturnsNotFound(t *testing.T) {
	m := newTestManager(t, nil)
	_, err := m.Get(context.Background(), a2a.TaskID("missing"), 0)
	require.ErrorIs(t, err, ErrTaskNotFound)
}

func TestManager_CreateTaskDedupesOnIdempotencyKey(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	first, err := m.CreateTask(ctx, "device-stream:cam-1", nil, Configuration{IdempotencyKey: "cam-1:42"})
	require.NoError(t, err)

	second, err := m.CreateTask(ctx, "device-stream:cam-1", nil, Configuration{IdempotencyKey: "cam-1:42"})
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID, "redelivery of the same (deviceId, seq) must not mint a second task")

	all, err := m.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestManager_CreateTaskWithoutIdempotencyKeyNeverDedupes(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	first, err := m.CreateTask(ctx, "ctx-1", nil, Configuration{})
	require.NoError(t, err)
	second, err := m.CreateTask(ctx, "ctx-1", nil, Configuration{})
	require.NoError(t, err)

	require.NotEqual(t, first.ID, second.ID)
}

func TestManager_ListFiltersByContextAndState(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	a, err := m.CreateTask(ctx, "ctx-a", nil, Configuration{})
	require.NoError(t, err)
	b, err := m.CreateTask(ctx, "ctx-b", nil, Configuration{})
	require.NoError(t, err)
	require.NoError(t, m.Transition(ctx, b.ID, a2a.TaskStateWorking, ""))

	byContext, err := m.List(ctx, ListFilter{ContextID: "ctx-a"})
	require.NoError(t, err)
	require.Len(t, byContext, 1)
	require.Equal(t, a.ID, byContext[0].ID)

	byState, err := m.List(ctx, ListFilter{State: a2a.TaskStateWorking})
	require.NoError(t, err)
	require.Len(t, byState, 1)
	require.Equal(t, b.ID, byState[0].ID)

	limited, err := m.List(ctx, ListFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
}
