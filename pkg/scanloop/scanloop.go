// Package scanloop is the C11 Scan Loop: a periodic sweep over each
// online device's stream (C4 Stream Store), asking the Intent Router
// (C9) whether any unread entry warrants action, per spec.md §4.7.
//
// Grounded on pkg/server/server.go's runLifecycle — a ticker-driven
// select loop over a stop channel — adapted from "reload config on
// signal" to "sweep devices on tick".
package scanloop

import (
	"context"
	"fmt"
	"time"

	"github.com/a2aproject/a2a-go/a2a"

	"github.com/kadirpekel/devicebroker/pkg/logger"
	"github.com/kadirpekel/devicebroker/pkg/registry"
	"github.com/kadirpekel/devicebroker/pkg/router"
	"github.com/kadirpekel/devicebroker/pkg/streamstore"
	"github.com/kadirpekel/devicebroker/pkg/task"
)

// DefaultPeriod is P from spec.md §4.7.
const DefaultPeriod = 30 * time.Second

// DefaultBatchLimit caps how many entries a single sweep reads per
// device, so one noisy device can't starve the others in a tick.
const DefaultBatchLimit = 200

// CursorStore is the narrow slice of Repository the loop needs: the
// per-device stream high-water mark.
type CursorStore interface {
	SaveStreamCursor(ctx context.Context, deviceID string, seq uint64) error
	GetStreamCursor(ctx context.Context, deviceID string) (uint64, error)
}

// Sender is the narrow slice of the A2A Request Handler (C8) the loop
// needs: submitting a synthesized message as though it arrived from a
// privileged internal principal, per spec.md §4.7's closing line.
type Sender interface {
	SendMessage(ctx context.Context, msg *a2a.Message, cfg task.Configuration) (*a2a.Task, error)
}

// Config wires a Loop's dependencies.
type Config struct {
	Devices *registry.DeviceRegistry
	Store   streamstore.Store
	Cursors CursorStore
	Router  *router.Router
	Sender  Sender

	// Period is the sweep interval. Default DefaultPeriod.
	Period time.Duration

	// BatchLimit caps entries read per device per sweep. Default
	// DefaultBatchLimit.
	BatchLimit int
}

// Loop implements C11.
type Loop struct {
	devices *registry.DeviceRegistry
	store   streamstore.Store
	cursors CursorStore
	router  *router.Router
	sender  Sender

	period     time.Duration
	batchLimit int

	doneCh chan struct{}
}

// New constructs a Loop from cfg, applying spec.md §4.7's default
// period and a batch-size ceiling of its own.
func New(cfg Config) *Loop {
	period := cfg.Period
	if period <= 0 {
		period = DefaultPeriod
	}
	batchLimit := cfg.BatchLimit
	if batchLimit <= 0 {
		batchLimit = DefaultBatchLimit
	}
	return &Loop{
		devices:    cfg.Devices,
		store:      cfg.Store,
		cursors:    cfg.Cursors,
		router:     cfg.Router,
		sender:     cfg.Sender,
		period:     period,
		batchLimit: batchLimit,
		doneCh:     make(chan struct{}),
	}
}

// Run drives the sweep ticker until ctx is canceled, then returns
// after the in-flight sweep (if any) completes. Callers run it in its
// own goroutine.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.doneCh)

	ticker := time.NewTicker(l.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweep(ctx)
		}
	}
}

// Done reports when Run has returned after ctx was canceled.
func (l *Loop) Done() <-chan struct{} {
	return l.doneCh
}

func (l *Loop) sweep(ctx context.Context) {
	devices := l.devices.List(registry.Filter{Liveness: registry.LivenessOnline})
	for _, d := range devices {
		l.sweepDevice(ctx, d)
	}
}

// sweepDevice reads d's unread stream entries, asks the router for a
// Decision on each in order, and dispatches non-local decisions to the
// A2A Request Handler. The high-water mark only advances past entries
// that were fully handled — dispatched successfully, or decided Local
// or Reject — so a failure mid-batch leaves the failed entry (and
// everything after it) to be retried on the next sweep.
func (l *Loop) sweepDevice(ctx context.Context, d *registry.Device) {
	cursor, err := l.cursors.GetStreamCursor(ctx, d.DeviceID)
	if err != nil {
		logger.GetLogger().Warn("scanloop: read cursor failed", "deviceId", d.DeviceID, "error", err)
		return
	}

	entries, err := l.store.Read(ctx, d.DeviceID, cursor+1, l.batchLimit)
	if err != nil {
		logger.GetLogger().Warn("scanloop: read stream failed", "deviceId", d.DeviceID, "error", err)
		return
	}
	if len(entries) == 0 {
		return
	}

	advanced := cursor
	for _, entry := range entries {
		if !l.handleEntry(ctx, d, entry) {
			break
		}
		advanced = entry.Seq
	}

	if advanced > cursor {
		if err := l.cursors.SaveStreamCursor(ctx, d.DeviceID, advanced); err != nil {
			logger.GetLogger().Warn("scanloop: save cursor failed", "deviceId", d.DeviceID, "error", err)
		}
	}
}

// handleEntry asks the router about one entry and, if actionable,
// hands a synthesized send-message request to the Sender. It reports
// whether the entry was fully handled (so the caller can advance past
// it).
func (l *Loop) handleEntry(ctx context.Context, d *registry.Device, entry streamstore.Entry) bool {
	decision, err := l.router.Decide(ctx, router.Input{
		Text:           entryText(entry),
		SourceDeviceID: d.DeviceID,
		SystemPrompt:   d.SystemPrompt,
	})
	if err != nil {
		logger.GetLogger().Warn("scanloop: router decide failed", "deviceId", d.DeviceID, "seq", entry.Seq, "error", err)
		return false
	}

	if decision.Action == router.ActionLocal || decision.Action == router.ActionReject {
		return true
	}

	msg := a2a.NewMessage(a2a.MessageRoleUser, a2a.TextPart{Text: entryText(entry)})
	msg.ContextID = streamContextID(d.DeviceID)

	cfg := task.Configuration{IdempotencyKey: idempotencyKey(d.DeviceID, entry.Seq)}
	if _, err := l.sender.SendMessage(ctx, msg, cfg); err != nil {
		logger.GetLogger().Warn("scanloop: dispatch failed", "deviceId", d.DeviceID, "seq", entry.Seq, "error", err)
		return false
	}
	return true
}

// entryText derives the router's plain-text input from a stream
// entry. Entries are device-declared free-form payloads (spec.md
// §4.6); by convention a textual payload is UTF-8 and can be read
// directly.
func entryText(entry streamstore.Entry) string {
	if entry.Payload != nil {
		return string(entry.Payload)
	}
	if note, ok := entry.Metadata["note"].(string); ok {
		return note
	}
	return ""
}

// streamContextID gives every message synthesized from one device's
// stream a stable A2A context, so the Task Manager threads them as a
// single conversation rather than unrelated one-off tasks.
func streamContextID(deviceID string) string {
	return "device-stream:" + deviceID
}

// idempotencyKey correlates one (deviceId, seq) stream entry to at
// most one task. A crash between SendMessage succeeding and the cursor
// save that follows it in sweepDevice re-presents the same entry on
// the next sweep; CreateTask dedupes on this key so that redelivery
// never creates a second task for it.
func idempotencyKey(deviceID string, seq uint64) string {
	return fmt.Sprintf("%s:%d", deviceID, seq)
}
