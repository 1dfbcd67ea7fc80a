package streamstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const streamEntriesTableSQL = `
CREATE TABLE IF NOT EXISTS stream_entries (
    device_id VARCHAR(255) NOT NULL,
    seq BIGINT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    metadata_json TEXT,
    inline_payload BLOB,
    locator VARCHAR(512),
    PRIMARY KEY (device_id, seq)
)`

const streamEntriesTimestampIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_stream_entries_timestamp ON stream_entries(timestamp)`

// SQLStore implements Store over database/sql, following the dialect
// idiom of pkg/repository.SQLRepository (same three supported
// dialects); entries are written with plain INSERTs, switching only
// between ? and $n placeholders for postgres.
type SQLStore struct {
	db      *sql.DB
	dialect string
	blobs   BlobStore
	inlineT int
	retain  time.Duration

	appendMu sync.Map // deviceID -> *sync.Mutex, serializes seq assignment per device

	subMu sync.Mutex
	subs  map[string][]chan Entry // copy-on-write per-device subscriber sets
}

// Option configures an SQLStore beyond its required arguments.
type Option func(*SQLStore)

// WithInlineThreshold overrides DefaultInlineThreshold.
func WithInlineThreshold(bytes int) Option {
	return func(s *SQLStore) { s.inlineT = bytes }
}

// WithRetention overrides DefaultRetention.
func WithRetention(d time.Duration) Option {
	return func(s *SQLStore) { s.retain = d }
}

// NewSQLStore opens the stream-entry schema against an existing
// connection and pairs it with blobs for external payload storage.
func NewSQLStore(db *sql.DB, dialect string, blobs BlobStore, opts ...Option) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("streamstore: database connection is required")
	}
	if blobs == nil {
		return nil, fmt.Errorf("streamstore: blob store is required")
	}

	normalized := dialect
	if dialect == "sqlite3" {
		normalized = "sqlite"
	}
	switch normalized {
	case "postgres", "mysql", "sqlite":
	default:
		return nil, fmt.Errorf("streamstore: unsupported dialect: %s", dialect)
	}

	s := &SQLStore{
		db:      db,
		dialect: normalized,
		blobs:   blobs,
		inlineT: DefaultInlineThreshold,
		retain:  DefaultRetention,
		subs:    make(map[string][]chan Entry),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, stmt := range []string{streamEntriesTableSQL, streamEntriesTimestampIndexSQL} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("streamstore: apply schema: %w", err)
		}
	}
	return s, nil
}

func (s *SQLStore) deviceLock(deviceID string) *sync.Mutex {
	actual, _ := s.appendMu.LoadOrStore(deviceID, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

func (s *SQLStore) Append(ctx context.Context, deviceID string, metadata map[string]any, payload []byte) (uint64, error) {
	lock := s.deviceLock(deviceID)
	lock.Lock()
	defer lock.Unlock()

	seq, err := s.nextSeq(ctx, deviceID)
	if err != nil {
		return 0, err
	}

	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return 0, fmt.Errorf("streamstore: marshal metadata: %w", err)
	}

	var inline []byte
	var locator string
	unavailable := false
	if len(payload) <= s.inlineT {
		inline = payload
	} else {
		locator = blobLocator(deviceID, seq)
		if err := s.blobs.Put(ctx, locator, payload); err != nil {
			// The entry row still commits (per spec.md §4.6's soft-failure
			// semantics); readers see PayloadUnavailable rather than a
			// missing entry or a failed append.
			unavailable = true
		}
	}

	now := time.Now()
	query := `
INSERT INTO stream_entries (device_id, seq, timestamp, metadata_json, inline_payload, locator)
VALUES (?, ?, ?, ?, ?, ?)
`
	if s.dialect == "postgres" {
		query = `
INSERT INTO stream_entries (device_id, seq, timestamp, metadata_json, inline_payload, locator)
VALUES ($1, $2, $3, $4, $5, $6)
`
	}

	var locatorArg any
	if locator != "" {
		locatorArg = locator
	}
	if _, err := s.db.ExecContext(ctx, query, deviceID, seq, now, string(metadataJSON), inline, locatorArg); err != nil {
		return 0, fmt.Errorf("streamstore: insert entry: %w", err)
	}

	entry := Entry{
		DeviceID: deviceID, Seq: seq, Timestamp: now, Metadata: metadata,
		Payload: inline, Locator: locator, PayloadUnavailable: unavailable,
	}
	s.publish(deviceID, entry)
	return seq, nil
}

func (s *SQLStore) nextSeq(ctx context.Context, deviceID string) (uint64, error) {
	query := `SELECT COALESCE(MAX(seq), 0) FROM stream_entries WHERE device_id = ?`
	if s.dialect == "postgres" {
		query = `SELECT COALESCE(MAX(seq), 0) FROM stream_entries WHERE device_id = $1`
	}
	var max uint64
	if err := s.db.QueryRowContext(ctx, query, deviceID).Scan(&max); err != nil {
		return 0, fmt.Errorf("streamstore: query max seq: %w", err)
	}
	return max + 1, nil
}

func (s *SQLStore) Read(ctx context.Context, deviceID string, fromSeq uint64, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
SELECT device_id, seq, timestamp, metadata_json, inline_payload, locator
FROM stream_entries WHERE device_id = ? AND seq >= ? ORDER BY seq ASC LIMIT ?`
	if s.dialect == "postgres" {
		query = `
SELECT device_id, seq, timestamp, metadata_json, inline_payload, locator
FROM stream_entries WHERE device_id = $1 AND seq >= $2 ORDER BY seq ASC LIMIT $3`
	}

	rows, err := s.db.QueryContext(ctx, query, deviceID, fromSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("streamstore: query entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		entry, err := s.scanEntry(ctx, rows)
		if err != nil {
			return nil, fmt.Errorf("streamstore: scan entry: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *SQLStore) scanEntry(ctx context.Context, row rowScanner) (Entry, error) {
	var e Entry
	var metadataJSON sql.NullString
	var locator sql.NullString
	if err := row.Scan(&e.DeviceID, &e.Seq, &e.Timestamp, &metadataJSON, &e.Payload, &locator); err != nil {
		return Entry{}, err
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &e.Metadata); err != nil {
			return Entry{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	if len(e.Payload) == 0 && locator.Valid && locator.String != "" {
		e.Locator = locator.String
		data, err := s.blobs.Get(ctx, locator.String)
		if err != nil {
			e.PayloadUnavailable = true
		} else {
			e.Payload = data
		}
	}
	return e, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLStore) MinSeq(ctx context.Context, deviceID string) (uint64, error) {
	query := `SELECT COALESCE(MIN(seq), 0) FROM stream_entries WHERE device_id = ?`
	if s.dialect == "postgres" {
		query = `SELECT COALESCE(MIN(seq), 0) FROM stream_entries WHERE device_id = $1`
	}
	var min uint64
	if err := s.db.QueryRowContext(ctx, query, deviceID).Scan(&min); err != nil {
		return 0, fmt.Errorf("streamstore: query min seq: %w", err)
	}
	return min, nil
}

// Tail subscribes to entries appended for deviceID from this point
// forward, using copy-on-write subscriber sets so publish never holds
// a lock across channel sends.
func (s *SQLStore) Tail(ctx context.Context, deviceID string) (<-chan Entry, func(), error) {
	ch := make(chan Entry, 32)

	s.subMu.Lock()
	existing := s.subs[deviceID]
	next := make([]chan Entry, len(existing)+1)
	copy(next, existing)
	next[len(existing)] = ch
	s.subs[deviceID] = next
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		existing := s.subs[deviceID]
		next := make([]chan Entry, 0, len(existing))
		found := false
		for _, c := range existing {
			if c != ch {
				next = append(next, c)
			} else {
				found = true
			}
		}
		s.subs[deviceID] = next
		if found {
			close(ch)
		}
	}

	go func() {
		<-ctx.Done()
		cancel()
	}()

	return ch, cancel, nil
}

func (s *SQLStore) publish(deviceID string, entry Entry) {
	s.subMu.Lock()
	subs := s.subs[deviceID]
	s.subMu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- entry:
		default:
			// A slow tailer does not block the append path; it simply
			// misses entries and must fall back to Read from its
			// high-water mark.
		}
	}
}

// Sweep evicts entries whose timestamp is older than the configured
// retention, deleting the external payload (when any) before the
// entry row so no reader can observe a locator with nothing behind it.
func (s *SQLStore) Sweep(ctx context.Context) error {
	cutoff := time.Now().Add(-s.retain)

	query := `SELECT device_id, seq, locator FROM stream_entries WHERE timestamp < ?`
	if s.dialect == "postgres" {
		query = `SELECT device_id, seq, locator FROM stream_entries WHERE timestamp < $1`
	}
	rows, err := s.db.QueryContext(ctx, query, cutoff)
	if err != nil {
		return fmt.Errorf("streamstore: query expired entries: %w", err)
	}

	type victim struct {
		deviceID string
		seq      uint64
		locator  sql.NullString
	}
	var victims []victim
	for rows.Next() {
		var v victim
		if err := rows.Scan(&v.deviceID, &v.seq, &v.locator); err != nil {
			rows.Close()
			return fmt.Errorf("streamstore: scan expired entry: %w", err)
		}
		victims = append(victims, v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	deleteQuery := `DELETE FROM stream_entries WHERE device_id = ? AND seq = ?`
	if s.dialect == "postgres" {
		deleteQuery = `DELETE FROM stream_entries WHERE device_id = $1 AND seq = $2`
	}

	for _, v := range victims {
		if v.locator.Valid && v.locator.String != "" {
			if err := s.blobs.Delete(ctx, v.locator.String); err != nil {
				return fmt.Errorf("streamstore: delete blob %s: %w", v.locator.String, err)
			}
		}
		if _, err := s.db.ExecContext(ctx, deleteQuery, v.deviceID, v.seq); err != nil {
			return fmt.Errorf("streamstore: delete expired entry: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Close() error {
	s.subMu.Lock()
	for _, subs := range s.subs {
		for _, ch := range subs {
			close(ch)
		}
	}
	s.subs = make(map[string][]chan Entry)
	s.subMu.Unlock()
	return s.db.Close()
}

var _ Store = (*SQLStore)(nil)
