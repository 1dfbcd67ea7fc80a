// Package streamstore is the C4 Device Data-Stream Layer: a per-device
// append-only log with hybrid inline/external payload storage,
// retention, and live tailing for the scan loop (C11).
package streamstore

import (
	"context"
	"time"
)

// DefaultInlineThreshold is T from spec.md §4.6: payloads at or below
// this size are stored inline with the entry row.
const DefaultInlineThreshold = 1 << 20 // 1 MiB

// DefaultRetention is R from spec.md §4.6: entries older than this are
// swept, including their external payloads.
const DefaultRetention = 24 * time.Hour

// Entry is one record of a device's append-only stream.
type Entry struct {
	DeviceID  string
	Seq       uint64
	Timestamp time.Time
	Metadata  map[string]any

	// Payload holds the entry's bytes: stored inline when small enough;
	// for an offloaded payload Read fills it from the BlobStore, while
	// entries delivered by Tail carry only the Locator.
	Payload []byte

	// Locator addresses the externally stored payload; empty for
	// inline entries.
	Locator string

	// PayloadUnavailable marks an entry whose row committed but whose
	// external payload never landed (or was swept) — a read returns
	// this rather than erroring, per spec.md §4.6's failure semantics.
	PayloadUnavailable bool
}

// BlobStore persists externally-addressed payloads too large to keep
// inline. Locators are opaque outside this package.
type BlobStore interface {
	Put(ctx context.Context, locator string, data []byte) error
	Get(ctx context.Context, locator string) ([]byte, error)
	Delete(ctx context.Context, locator string) error
}

// Store is the C4 port: append/read/tail over one device's log plus
// the retention sweep.
type Store interface {
	// Append stores one entry, offloading payload to the BlobStore
	// when it exceeds the configured inline threshold, and returns
	// the assigned monotonically increasing seq for deviceID.
	Append(ctx context.Context, deviceID string, metadata map[string]any, payload []byte) (seq uint64, err error)

	// Read returns up to limit entries for deviceID with seq >=
	// fromSeq, ascending. External payloads are resolved against the
	// BlobStore; PayloadUnavailable is set instead of erroring when
	// the blob is missing.
	Read(ctx context.Context, deviceID string, fromSeq uint64, limit int) ([]Entry, error)

	// Tail opens a live subscription delivering entries appended for
	// deviceID after the call, until ctx is done or Close is called.
	Tail(ctx context.Context, deviceID string) (<-chan Entry, func(), error)

	// MinSeq reports the device's lowest retained seq, advancing
	// monotonically as the retention sweep evicts entries.
	MinSeq(ctx context.Context, deviceID string) (uint64, error)

	// Sweep evicts entries older than retention, removing external
	// payloads before their entry rows so no locator is ever orphaned
	// from the reader's point of view.
	Sweep(ctx context.Context) error

	Close() error
}
