package streamstore

import (
	"bytes"
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, opts ...Option) *SQLStore {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	blobs, err := NewFilesystemBlobStore(t.TempDir())
	require.NoError(t, err)

	store, err := NewSQLStore(db, "sqlite", blobs, opts...)
	require.NoError(t, err)
	return store
}

func TestSQLStore_AppendAssignsIncreasingSeq(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seq1, err := store.Append(ctx, "cam-1", map[string]any{"kind": "heartbeat"}, []byte("ping"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq1)

	seq2, err := store.Append(ctx, "cam-1", nil, []byte("pong"))
	require.NoError(t, err)
	require.Equal(t, uint64(2), seq2)

	entries, err := store.Read(ctx, "cam-1", 1, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, []byte("ping"), entries[0].Payload)
	require.Equal(t, "heartbeat", entries[0].Metadata["kind"])
	require.Equal(t, []byte("pong"), entries[1].Payload)
}

func TestSQLStore_LargePayloadOffloadsExternally(t *testing.T) {
	store := newTestStore(t, WithInlineThreshold(8))
	ctx := context.Background()

	big := bytes.Repeat([]byte("x"), 64)
	seq, err := store.Append(ctx, "cam-1", nil, big)
	require.NoError(t, err)

	entries, err := store.Read(ctx, "cam-1", seq, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.False(t, entries[0].PayloadUnavailable)
	require.Equal(t, big, entries[0].Payload)
	require.NotEmpty(t, entries[0].Locator)
}

func TestSQLStore_SmallPayloadStaysInline(t *testing.T) {
	store := newTestStore(t, WithInlineThreshold(1024))
	ctx := context.Background()

	seq, err := store.Append(ctx, "cam-1", nil, []byte("small"))
	require.NoError(t, err)

	entries, err := store.Read(ctx, "cam-1", seq, 1)
	require.NoError(t, err)
	require.Equal(t, "", entries[0].Locator)
	require.Equal(t, []byte("small"), entries[0].Payload)
}

func TestSQLStore_SweepEvictsExpiredEntriesAndAdvancesMinSeq(t *testing.T) {
	store := newTestStore(t, WithInlineThreshold(8), WithRetention(-time.Second))
	ctx := context.Background()

	big := bytes.Repeat([]byte("y"), 64)
	_, err := store.Append(ctx, "cam-1", nil, big)
	require.NoError(t, err)
	_, err = store.Append(ctx, "cam-1", nil, []byte("small"))
	require.NoError(t, err)

	require.NoError(t, store.Sweep(ctx))

	entries, err := store.Read(ctx, "cam-1", 0, 10)
	require.NoError(t, err)
	require.Empty(t, entries)

	min, err := store.MinSeq(ctx, "cam-1")
	require.NoError(t, err)
	require.Equal(t, uint64(0), min)
}

func TestSQLStore_ReadReportsPayloadUnavailableAfterBlobLoss(t *testing.T) {
	store := newTestStore(t, WithInlineThreshold(8))
	ctx := context.Background()

	big := bytes.Repeat([]byte("z"), 64)
	seq, err := store.Append(ctx, "cam-1", nil, big)
	require.NoError(t, err)

	entries, err := store.Read(ctx, "cam-1", seq, 1)
	require.NoError(t, err)
	require.NoError(t, store.blobs.Delete(ctx, entries[0].Locator))

	entries, err = store.Read(ctx, "cam-1", seq, 1)
	require.NoError(t, err)
	require.True(t, entries[0].PayloadUnavailable)
	require.Empty(t, entries[0].Payload)
}

func TestSQLStore_TailReceivesLiveAppends(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, stop, err := store.Tail(ctx, "cam-1")
	require.NoError(t, err)
	defer stop()

	_, err = store.Append(context.Background(), "cam-1", map[string]any{"kind": "tick"}, []byte("1"))
	require.NoError(t, err)

	select {
	case entry := <-ch:
		require.Equal(t, "tick", entry.Metadata["kind"])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tailed entry")
	}
}
