package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kadirpekel/devicebroker/pkg/brokererrors"
	"github.com/kadirpekel/devicebroker/pkg/repository"
)

// Liveness is a device's reachability state, per spec.md §3.
type Liveness string

const (
	LivenessOnline  Liveness = "online"
	LivenessOffline Liveness = "offline"
	LivenessUnknown Liveness = "unknown"
)

// Tool is one declared tool surface of a device.
type Tool struct {
	ToolID       string
	InputSchema  map[string]any
	OutputSchema map[string]any
}

// Device is the Registry's in-memory record, the authoritative copy
// while the process is running (spec.md §3: "reads are served from
// memory; on startup the store is the source of truth").
type Device struct {
	DeviceID       string
	Name           string
	Kind           string
	SourceRef      string
	Tools          []Tool
	IntentKeywords []string
	SystemPrompt   string
	Liveness       Liveness
	LastSeen       time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// DeviceSpec is the input to Register.
type DeviceSpec struct {
	DeviceID       string
	Name           string
	Kind           string
	SourceRef      string
	IntentKeywords []string
	SystemPrompt   string
}

// DevicePatch carries the mutable subset of a Device for Update.
type DevicePatch struct {
	Name           *string
	Kind           *string
	IntentKeywords []string
	SystemPrompt   *string
}

// Filter narrows List results.
type Filter struct {
	Kind     string
	Liveness Liveness
}

// CapabilityProbe verifies a device's capability source is reachable and
// returns its declared tool list. Concrete implementations live in
// pkg/devicetool (MCP, gRPC adapters); this interface keeps the registry
// decoupled from any one transport, per spec.md §9's "dynamic polymorphism
// over devices" design note.
type CapabilityProbe interface {
	Probe(ctx context.Context, sourceRef string) ([]Tool, error)
}

// DeviceRegistry is the C5 Device Registry & Capability Aggregator. It
// specializes the teacher's generic BaseRegistry pattern (pkg/registry's
// original map+mutex shape) with liveness tracking, write-through
// persistence, and a debounced manifest-rebuild signal.
type DeviceRegistry struct {
	mu      sync.RWMutex
	devices map[string]*Device

	repo  repository.Repository
	probe CapabilityProbe

	// heartbeatWindow is H; a device goes unknown after H and offline
	// after 2H with no heartbeat.
	heartbeatWindow time.Duration

	// rebuildCh is a size-1 channel: sends coalesce into "a rebuild is
	// pending" rather than queuing one signal per mutation.
	rebuildCh chan struct{}
}

// Config configures a DeviceRegistry.
type Config struct {
	Repository      repository.Repository
	Probe           CapabilityProbe
	HeartbeatWindow time.Duration // H, default 90s
}

// New constructs a DeviceRegistry. Call Load to hydrate from the
// Repository before serving traffic.
func New(cfg Config) *DeviceRegistry {
	h := cfg.HeartbeatWindow
	if h <= 0 {
		h = 90 * time.Second
	}
	return &DeviceRegistry{
		devices:         make(map[string]*Device),
		repo:            cfg.Repository,
		probe:           cfg.Probe,
		heartbeatWindow: h,
		rebuildCh:       make(chan struct{}, 1),
	}
}

// RebuildSignal returns the channel the Capability Manifest Builder
// should select on; each send means "at least one mutation happened
// since the last rebuild", never more than one buffered at a time.
func (r *DeviceRegistry) RebuildSignal() <-chan struct{} {
	return r.rebuildCh
}

func (r *DeviceRegistry) signalRebuild() {
	select {
	case r.rebuildCh <- struct{}{}:
	default:
	}
}

// Load hydrates the in-memory index from the Repository at startup, per
// spec.md §9 ("on startup the store is the source of truth").
func (r *DeviceRegistry) Load(ctx context.Context) error {
	if r.repo == nil {
		return nil
	}
	rows, err := r.repo.ListDevices(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range rows {
		tools := make([]Tool, len(row.Tools))
		for i, t := range row.Tools {
			tools[i] = Tool{ToolID: t.ToolID, InputSchema: t.InputSchema, OutputSchema: t.OutputSchema}
		}
		r.devices[row.DeviceID] = &Device{
			DeviceID:       row.DeviceID,
			Name:           row.Name,
			Kind:           row.Kind,
			SourceRef:      row.SourceRef,
			Tools:          tools,
			IntentKeywords: row.IntentKeywords,
			SystemPrompt:   row.SystemPrompt,
			Liveness:       Liveness(row.Liveness),
			LastSeen:       row.LastSeen,
			CreatedAt:      row.CreatedAt,
			UpdatedAt:      row.UpdatedAt,
		}
	}
	return nil
}

// Register validates deviceId uniqueness, probes the capability source,
// persists, and updates the in-memory map, per spec.md §4.1.
func (r *DeviceRegistry) Register(ctx context.Context, spec DeviceSpec) (*Device, error) {
	if spec.DeviceID == "" {
		return nil, brokererrors.New(brokererrors.KindInvalidParams, "deviceId is required")
	}

	r.mu.RLock()
	_, exists := r.devices[spec.DeviceID]
	r.mu.RUnlock()
	if exists {
		return nil, brokererrors.New(brokererrors.KindAlreadyExists, "device already registered: "+spec.DeviceID)
	}

	var tools []Tool
	if r.probe != nil {
		probed, err := r.probe.Probe(ctx, spec.SourceRef)
		if err != nil {
			return nil, brokererrors.Wrap(brokererrors.KindInvalidCapabilitySource, "capability source unreachable", err)
		}
		tools = probed
	}

	now := time.Now()
	d := &Device{
		DeviceID:       spec.DeviceID,
		Name:           spec.Name,
		Kind:           spec.Kind,
		SourceRef:      spec.SourceRef,
		Tools:          tools,
		IntentKeywords: spec.IntentKeywords,
		SystemPrompt:   spec.SystemPrompt,
		Liveness:       LivenessOnline,
		LastSeen:       now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := r.persist(ctx, d); err != nil {
		return nil, brokererrors.Wrap(brokererrors.KindInternalError, "failed to persist device", err)
	}

	r.mu.Lock()
	r.devices[d.DeviceID] = d
	r.mu.Unlock()

	r.signalRebuild()
	return d, nil
}

// Deregister removes a device from the index and deletes its persisted
// record; no tombstone is kept.
// Tasks in flight are not cancelled here; the Task Manager observes
// DeviceGone when it next tries to invoke the now-missing device.
func (r *DeviceRegistry) Deregister(ctx context.Context, deviceID string) error {
	r.mu.Lock()
	_, exists := r.devices[deviceID]
	if exists {
		delete(r.devices, deviceID)
	}
	r.mu.Unlock()

	if !exists {
		return brokererrors.New(brokererrors.KindNotFound, "device not found: "+deviceID)
	}

	if r.repo != nil {
		if err := r.repo.DeleteDevice(ctx, deviceID); err != nil {
			return brokererrors.Wrap(brokererrors.KindInternalError, "failed to delete device", err)
		}
	}

	r.signalRebuild()
	return nil
}

// Heartbeat refreshes last-seen and flips offline/unknown devices back
// online, per spec.md §4.1.
func (r *DeviceRegistry) Heartbeat(ctx context.Context, deviceID string) error {
	r.mu.Lock()
	d, exists := r.devices[deviceID]
	if !exists {
		r.mu.Unlock()
		return brokererrors.New(brokererrors.KindNotFound, "device not found: "+deviceID)
	}
	wasOffline := d.Liveness != LivenessOnline
	d.LastSeen = time.Now()
	d.Liveness = LivenessOnline
	d.UpdatedAt = d.LastSeen
	snapshot := *d
	r.mu.Unlock()

	if err := r.persist(ctx, &snapshot); err != nil {
		return brokererrors.Wrap(brokererrors.KindInternalError, "failed to persist heartbeat", err)
	}
	if wasOffline {
		r.signalRebuild()
	}
	return nil
}

// Update applies a patch to the mutable fields of a device.
func (r *DeviceRegistry) Update(ctx context.Context, deviceID string, patch DevicePatch) (*Device, error) {
	r.mu.Lock()
	d, exists := r.devices[deviceID]
	if !exists {
		r.mu.Unlock()
		return nil, brokererrors.New(brokererrors.KindNotFound, "device not found: "+deviceID)
	}
	if patch.Name != nil {
		d.Name = *patch.Name
	}
	if patch.Kind != nil {
		d.Kind = *patch.Kind
	}
	if patch.IntentKeywords != nil {
		d.IntentKeywords = patch.IntentKeywords
	}
	if patch.SystemPrompt != nil {
		d.SystemPrompt = *patch.SystemPrompt
	}
	d.UpdatedAt = time.Now()
	snapshot := *d
	r.mu.Unlock()

	if err := r.persist(ctx, &snapshot); err != nil {
		return nil, brokererrors.Wrap(brokererrors.KindInternalError, "failed to persist device update", err)
	}
	r.signalRebuild()
	return &snapshot, nil
}

// Get returns a copy of one device's current state.
func (r *DeviceRegistry) Get(deviceID string) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[deviceID]
	if !ok {
		return nil, false
	}
	cp := *d
	return &cp, true
}

// List returns devices matching filter, applying no filter fields that
// are left at their zero value.
func (r *DeviceRegistry) List(filter Filter) []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		if filter.Kind != "" && d.Kind != filter.Kind {
			continue
		}
		if filter.Liveness != "" && d.Liveness != filter.Liveness {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	return out
}

// MatchByIntent returns devices ordered by (a) keyword overlap count
// desc, (b) liveness online>unknown>offline, (c) most recent heartbeat
// desc — the tie-break order spec.md §9 pins.
func (r *DeviceRegistry) MatchByIntent(keywords []string, kind string) []*Device {
	wanted := make(map[string]struct{}, len(keywords))
	for _, k := range keywords {
		wanted[k] = struct{}{}
	}

	r.mu.RLock()
	candidates := make([]*Device, 0, len(r.devices))
	overlap := make(map[string]int, len(r.devices))
	for _, d := range r.devices {
		if d.Liveness == LivenessOffline {
			continue
		}
		if kind != "" && d.Kind != kind {
			continue
		}
		n := 0
		for _, k := range d.IntentKeywords {
			if _, ok := wanted[k]; ok {
				n++
			}
		}
		if n == 0 && len(wanted) > 0 {
			continue
		}
		cp := *d
		candidates = append(candidates, &cp)
		overlap[d.DeviceID] = n
	}
	r.mu.RUnlock()

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if overlap[a.DeviceID] != overlap[b.DeviceID] {
			return overlap[a.DeviceID] > overlap[b.DeviceID]
		}
		if ra, rb := livenessRank(a.Liveness), livenessRank(b.Liveness); ra != rb {
			return ra < rb
		}
		return a.LastSeen.After(b.LastSeen)
	})
	return candidates
}

// livenessRank orders online before unknown before offline.
func livenessRank(l Liveness) int {
	switch l {
	case LivenessOnline:
		return 0
	case LivenessUnknown:
		return 1
	default:
		return 2
	}
}

// SweepLiveness transitions devices whose last heartbeat is older than H
// to unknown, and older than 2H to offline, signalling a manifest
// rebuild for every transition. Intended to be called on a ticker by
// the owning server's lifecycle loop (see pkg/scanloop for the idiom).
func (r *DeviceRegistry) SweepLiveness(ctx context.Context) {
	now := time.Now()
	var changed []*Device

	r.mu.Lock()
	for _, d := range r.devices {
		age := now.Sub(d.LastSeen)
		next := d.Liveness
		switch {
		case age > 2*r.heartbeatWindow:
			next = LivenessOffline
		case age > r.heartbeatWindow:
			next = LivenessUnknown
		}
		if next != d.Liveness {
			d.Liveness = next
			d.UpdatedAt = now
			cp := *d
			changed = append(changed, &cp)
		}
	}
	r.mu.Unlock()

	if len(changed) == 0 {
		return
	}
	for _, d := range changed {
		_ = r.persist(ctx, d)
	}
	r.signalRebuild()
}

func (r *DeviceRegistry) persist(ctx context.Context, d *Device) error {
	if r.repo == nil {
		return nil
	}
	tools := make([]repository.DeviceTool, len(d.Tools))
	for i, t := range d.Tools {
		tools[i] = repository.DeviceTool{ToolID: t.ToolID, InputSchema: t.InputSchema, OutputSchema: t.OutputSchema}
	}
	return r.repo.SaveDevice(ctx, &repository.Device{
		DeviceID:       d.DeviceID,
		Name:           d.Name,
		Kind:           d.Kind,
		SourceRef:      d.SourceRef,
		Tools:          tools,
		IntentKeywords: d.IntentKeywords,
		SystemPrompt:   d.SystemPrompt,
		Liveness:       string(d.Liveness),
		LastSeen:       d.LastSeen,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	})
}

// Count returns the number of registered devices.
func (r *DeviceRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}
