package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/kadirpekel/devicebroker/pkg/idgen"
	"github.com/kadirpekel/devicebroker/pkg/logger"
	"github.com/kadirpekel/devicebroker/pkg/repository"
)

// Pusher delivers one push-notification payload to a callback URL and
// reports whether the attempt is worth retrying. Production wiring
// (cmd/broker) backs this with an httpclient.Client configured exactly
// to spec.md §4.3's retry policy (SmartRetry, base 1s, cap 60s);
// Manager's own bounded goroutine group handles the retry loop so the
// job survives independently of whatever invoked the triggering event,
// matching spec.md §5's "push delivery needs worker isolation" note.
// bearerToken is empty when the subscription carries no secret.
type Pusher interface {
	Push(ctx context.Context, callbackURL, bearerToken string, body []byte) (status int, err error)
}

// pushTokenTTL bounds how long a push delivery's bearer assertion is
// valid for, keeping replays of a captured token short-lived.
const pushTokenTTL = 5 * time.Minute

// signPushToken builds a short-lived HS256 JWT over taskID, the way
// pkg/auth/jwt.go's verifier expects incoming bearer tokens to be
// shaped, so a receiving agent can validate a push notification came
// from this broker using the shared secret configured on the
// subscription.
func signPushToken(taskID a2a.TaskID, secret string) (string, error) {
	if secret == "" {
		return "", nil
	}
	token := jwt.New()
	if err := token.Set(jwt.SubjectKey, string(taskID)); err != nil {
		return "", err
	}
	if err := token.Set(jwt.IssuedAtKey, time.Now()); err != nil {
		return "", err
	}
	if err := token.Set(jwt.ExpirationKey, time.Now().Add(pushTokenTTL)); err != nil {
		return "", err
	}

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, []byte(secret)))
	if err != nil {
		return "", err
	}
	return string(signed), nil
}

// Config wires a Manager's dependencies.
type Config struct {
	Repository repository.Repository
	Pusher     Pusher

	// PushWorkers bounds how many push deliveries run concurrently;
	// default 4.
	PushWorkers int
}

type entry struct {
	mu            sync.Mutex
	task          a2a.Task
	configuration Configuration
	subscribers   []chan Event
	pushConfigIDs map[string]struct{}
}

// Manager is the C7 Task Manager.
type Manager struct {
	repo   repository.Repository
	pusher Pusher

	mu          sync.RWMutex
	tasks       map[a2a.TaskID]*entry
	idempotency map[string]a2a.TaskID

	pushJobs chan pushJob
	wg       sync.WaitGroup
}

type pushJob struct {
	taskID      a2a.TaskID
	callbackURL string
	secret      string
	event       Event
}

// New constructs a Manager and starts its push-delivery workers.
func New(cfg Config) *Manager {
	workers := cfg.PushWorkers
	if workers <= 0 {
		workers = 4
	}
	m := &Manager{
		repo:        cfg.Repository,
		pusher:      cfg.Pusher,
		tasks:       make(map[a2a.TaskID]*entry),
		idempotency: make(map[string]a2a.TaskID),
		pushJobs:    make(chan pushJob, 256),
	}
	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go m.pushWorker()
	}
	return m
}

// Close stops accepting new push jobs and waits for in-flight
// deliveries to finish.
func (m *Manager) Close() {
	close(m.pushJobs)
	m.wg.Wait()
}

// CreateTask generates a taskId, persists the initial Submitted state,
// and stores the call's Configuration. When cfg.IdempotencyKey is set,
// a second call with the same key returns the task already created for
// it instead of minting a new one — this is what lets the Scan Loop's
// at-least-once (deviceId, seq) redelivery after a crash collapse onto
// a single task rather than creating a duplicate.
func (m *Manager) CreateTask(ctx context.Context, contextID string, msg *a2a.Message, cfg Configuration) (*a2a.Task, error) {
	if cfg.IdempotencyKey != "" {
		if existing, ok := m.lookupIdempotent(cfg.IdempotencyKey); ok {
			return existing, nil
		}
	}

	now := time.Now()
	t := a2a.Task{
		ID:        a2a.TaskID(idgen.NewPrefixed("task")),
		ContextID: contextID,
		Status: a2a.TaskStatus{
			State:     a2a.TaskStateSubmitted,
			Timestamp: now,
		},
	}
	if msg != nil {
		t.History = []a2a.Message{*msg}
	}

	e := &entry{task: t, configuration: cfg, pushConfigIDs: make(map[string]struct{})}
	if cfg.PushConfig != nil {
		e.pushConfigIDs[cfg.PushConfig.ConfigID] = struct{}{}
		if err := m.persistPushConfig(ctx, string(t.ID), cfg.PushConfig); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	if cfg.IdempotencyKey != "" {
		if id, ok := m.idempotency[cfg.IdempotencyKey]; ok {
			if existing, ok := m.tasks[id]; ok {
				m.mu.Unlock()
				return snapshot(existing), nil
			}
		}
		m.idempotency[cfg.IdempotencyKey] = t.ID
	}
	m.tasks[t.ID] = e
	m.mu.Unlock()

	if err := m.persist(ctx, e); err != nil {
		return nil, err
	}
	return snapshot(e), nil
}

// lookupIdempotent returns the task already associated with key, if
// any. Held under the read lock only; CreateTask re-checks under the
// write lock before inserting to close the race between two
// concurrent callers presenting the same key.
func (m *Manager) lookupIdempotent(key string) (*a2a.Task, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.idempotency[key]
	if !ok {
		return nil, false
	}
	e, ok := m.tasks[id]
	if !ok {
		return nil, false
	}
	return snapshot(e), true
}

// AppendUserMessage appends an inbound message to a non-terminal
// task's history.
func (m *Manager) AppendUserMessage(ctx context.Context, taskID a2a.TaskID, msg *a2a.Message) (*a2a.Task, error) {
	e, err := m.get(taskID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.task.Status.State.Terminal() {
		e.mu.Unlock()
		return nil, ErrTaskClosed
	}
	e.task.History = append(e.task.History, *msg)
	e.mu.Unlock()

	if err := m.persist(ctx, e); err != nil {
		return nil, err
	}
	return snapshot(e), nil
}

// Transition moves a task to toState, validating the edge against the
// state graph. A transition to the task's current state with the same
// note is a no-op (idempotent retry of the same signal), per spec.md
// §4.3's "transition(taskId, toState, note?)" contract.
func (m *Manager) Transition(ctx context.Context, taskID a2a.TaskID, toState a2a.TaskState, note string) error {
	e, err := m.get(taskID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	from := e.task.Status.State
	if from == toState && statusNote(e.task.Status) == note {
		e.mu.Unlock()
		return nil
	}
	if !canTransition(from, toState) {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, toState)
	}

	now := time.Now()
	var msg *a2a.Message
	if note != "" {
		msg = a2a.NewMessage(a2a.MessageRoleAgent, a2a.TextPart{Text: note})
	}
	e.task.Status = a2a.TaskStatus{State: toState, Message: msg, Timestamp: now}
	if msg != nil {
		e.task.History = append(e.task.History, *msg)
	}

	final := toState.Terminal()
	event := Event{Status: &a2a.TaskStatusUpdateEvent{
		TaskID:    taskID,
		ContextID: e.task.ContextID,
		Status:    e.task.Status,
		Final:     final,
	}}
	subs := append([]chan Event(nil), e.subscribers...)
	pushTargets := m.collectPushTargets(ctx, e)
	if final {
		e.subscribers = nil
	}
	e.mu.Unlock()

	if err := m.persist(ctx, e); err != nil {
		return err
	}

	m.fanOut(subs, event, final)
	m.enqueuePush(taskID, pushTargets, event)
	return nil
}

// AppendArtifactChunk applies append/lastChunk semantics and notifies
// every live subscriber and push target.
func (m *Manager) AppendArtifactChunk(ctx context.Context, taskID a2a.TaskID, artifact a2a.Artifact, appendChunk, lastChunk bool) error {
	e, err := m.get(taskID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.task.Status.State.Terminal() {
		e.mu.Unlock()
		return ErrTaskClosed
	}

	if appendChunk {
		merged := false
		for i := range e.task.Artifacts {
			if e.task.Artifacts[i].ArtifactID == artifact.ArtifactID {
				e.task.Artifacts[i].Parts = append(e.task.Artifacts[i].Parts, artifact.Parts...)
				merged = true
				break
			}
		}
		if !merged {
			e.task.Artifacts = append(e.task.Artifacts, artifact)
		}
	} else {
		e.task.Artifacts = append(e.task.Artifacts, artifact)
	}

	event := Event{Artifact: &a2a.TaskArtifactUpdateEvent{
		TaskID:    taskID,
		ContextID: e.task.ContextID,
		Artifact:  artifact,
		Append:    appendChunk,
		LastChunk: lastChunk,
	}}
	subs := append([]chan Event(nil), e.subscribers...)
	pushTargets := m.collectPushTargets(ctx, e)
	e.mu.Unlock()

	if err := m.persist(ctx, e); err != nil {
		return err
	}

	m.fanOut(subs, event, false)
	m.enqueuePush(taskID, pushTargets, event)
	return nil
}

// SubscribeStream registers sink as a live subscriber and returns an
// unsubscribe handle. The subscriber set is copy-on-write so fan-out
// (Transition, AppendArtifactChunk) never blocks on a subscriber list
// mutation, per spec.md §5.
func (m *Manager) SubscribeStream(taskID a2a.TaskID) (<-chan Event, func(), error) {
	e, err := m.get(taskID)
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan Event, 32)
	e.mu.Lock()
	if e.task.Status.State.Terminal() {
		e.mu.Unlock()
		close(ch)
		return ch, func() {}, nil
	}
	next := make([]chan Event, len(e.subscribers)+1)
	copy(next, e.subscribers)
	next[len(e.subscribers)] = ch
	e.subscribers = next
	e.mu.Unlock()

	unsubscribe := func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		next := make([]chan Event, 0, len(e.subscribers))
		for _, c := range e.subscribers {
			if c != ch {
				next = append(next, c)
			}
		}
		e.subscribers = next
	}
	return ch, unsubscribe, nil
}

// SetPushConfig registers or replaces a push subscription on taskID.
func (m *Manager) SetPushConfig(ctx context.Context, taskID a2a.TaskID, cfg PushConfig) error {
	e, err := m.get(taskID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.pushConfigIDs[cfg.ConfigID] = struct{}{}
	e.mu.Unlock()
	return m.persistPushConfig(ctx, string(taskID), &cfg)
}

func (m *Manager) GetPushConfig(ctx context.Context, taskID a2a.TaskID, configID string) (*PushConfig, error) {
	cfg, err := m.repo.GetPushConfig(ctx, string(taskID), configID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNoSuchPushConfig
		}
		return nil, err
	}
	return &PushConfig{ConfigID: cfg.ConfigID, CallbackURL: cfg.CallbackURL, SecretOrAuth: cfg.SecretOrAuth}, nil
}

func (m *Manager) ListPushConfigs(ctx context.Context, taskID a2a.TaskID) ([]*PushConfig, error) {
	rows, err := m.repo.ListPushConfigs(ctx, string(taskID))
	if err != nil {
		return nil, err
	}
	out := make([]*PushConfig, len(rows))
	for i, r := range rows {
		out[i] = &PushConfig{ConfigID: r.ConfigID, CallbackURL: r.CallbackURL, SecretOrAuth: r.SecretOrAuth}
	}
	return out, nil
}

func (m *Manager) DeletePushConfig(ctx context.Context, taskID a2a.TaskID, configID string) error {
	e, err := m.get(taskID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.pushConfigIDs, configID)
	e.mu.Unlock()
	return m.repo.DeletePushConfig(ctx, string(taskID), configID)
}

// Cancel transitions a non-terminal task to Canceled.
func (m *Manager) Cancel(ctx context.Context, taskID a2a.TaskID) (*a2a.Task, error) {
	e, err := m.get(taskID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	terminal := e.task.Status.State.Terminal()
	e.mu.Unlock()
	if terminal {
		return nil, ErrNotCancelable
	}
	if err := m.Transition(ctx, taskID, a2a.TaskStateCanceled, ""); err != nil {
		return nil, err
	}
	return snapshot(e), nil
}

// ListFilter narrows List's result set. A zero value matches every
// live task. Limit caps the number of results; zero means unbounded.
type ListFilter struct {
	ContextID string
	State     a2a.TaskState
	Limit     int
}

// List returns the live, in-memory tasks matching filter, newest first
// by status timestamp. It only sees tasks this Manager instance has
// handled since startup — a fleet-wide view across broker instances
// goes through Repository.ListTasks instead.
func (m *Manager) List(ctx context.Context, filter ListFilter) ([]*a2a.Task, error) {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.tasks))
	for _, e := range m.tasks {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]*a2a.Task, 0, len(entries))
	for _, e := range entries {
		t := snapshot(e)
		if filter.ContextID != "" && t.ContextID != filter.ContextID {
			continue
		}
		if filter.State != "" && t.Status.State != filter.State {
			continue
		}
		out = append(out, t)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Status.Timestamp.After(out[j].Status.Timestamp)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Get returns the current task, trimming history to historyLength
// most recent entries when historyLength > 0.
func (m *Manager) Get(ctx context.Context, taskID a2a.TaskID, historyLength int) (*a2a.Task, error) {
	e, err := m.get(taskID)
	if err != nil {
		return nil, err
	}
	t := snapshot(e)
	if historyLength > 0 && len(t.History) > historyLength {
		t.History = t.History[len(t.History)-historyLength:]
	}
	return t, nil
}

func (m *Manager) get(taskID a2a.TaskID) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return e, nil
}

// statusNote extracts the plain text of a status's attached message, if
// any, so Transition can detect a same-state/same-note retry without
// depending on a message-equality helper the SDK does not expose.
func statusNote(status a2a.TaskStatus) string {
	if status.Message == nil {
		return ""
	}
	for _, part := range status.Message.Parts {
		if text, ok := part.(a2a.TextPart); ok {
			return text.Text
		}
	}
	return ""
}

// marshalEvent renders a push payload as the plain JSON wire shape of
// whichever update event it wraps.
func marshalEvent(v any) ([]byte, error) {
	return json.Marshal(v)
}

func snapshot(e *entry) *a2a.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := e.task
	cp.History = append([]a2a.Message(nil), e.task.History...)
	cp.Artifacts = append([]a2a.Artifact(nil), e.task.Artifacts...)
	return &cp
}

func (m *Manager) fanOut(subs []chan Event, event Event, final bool) {
	for _, ch := range subs {
		ch <- event
		if final {
			close(ch)
		}
	}
}

func (m *Manager) collectPushTargets(ctx context.Context, e *entry) []*repository.PushConfig {
	if len(e.pushConfigIDs) == 0 || m.repo == nil {
		return nil
	}
	var out []*repository.PushConfig
	for id := range e.pushConfigIDs {
		cfg, err := m.repo.GetPushConfig(ctx, string(e.task.ID), id)
		if err != nil {
			continue
		}
		out = append(out, cfg)
	}
	return out
}

func (m *Manager) enqueuePush(taskID a2a.TaskID, targets []*repository.PushConfig, event Event) {
	if m.pusher == nil {
		return
	}
	for _, target := range targets {
		select {
		case m.pushJobs <- pushJob{taskID: taskID, callbackURL: target.CallbackURL, secret: target.SecretOrAuth, event: event}:
		default:
			logger.GetLogger().Warn("task: push queue full, dropping delivery", "taskID", taskID, "configID", target.ConfigID)
		}
	}
}

func (m *Manager) pushWorker() {
	defer m.wg.Done()
	for job := range m.pushJobs {
		m.deliverWithBackoff(job)
	}
}

func (m *Manager) deliverWithBackoff(job pushJob) {
	body := encodePushBody(job.event)
	token, err := signPushToken(job.taskID, job.secret)
	if err != nil {
		logger.GetLogger().Warn("task: failed to sign push token, delivering unsigned", "taskID", job.taskID, "error", err)
	}

	delay := pushBaseDelay
	for attempt := 1; attempt <= pushMaxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		status, err := m.pusher.Push(ctx, job.callbackURL, token, body)
		cancel()

		if err == nil && status >= 200 && status < 300 {
			return
		}
		if status >= 400 && status < 500 {
			logger.GetLogger().Warn("task: push delivery dropped (4xx)", "taskID", job.taskID, "status", status)
			return
		}
		if attempt == pushMaxAttempts {
			logger.GetLogger().Warn("task: push delivery abandoned", "taskID", job.taskID, "attempts", attempt)
			return
		}

		jitter := time.Duration(rand.Float64() * float64(delay) * 0.1)
		time.Sleep(delay + jitter)
		delay = time.Duration(math.Min(float64(pushMaxDelay), float64(delay)*2))
	}
}

func encodePushBody(event Event) []byte {
	if event.Status != nil {
		data, _ := marshalEvent(event.Status)
		return data
	}
	data, _ := marshalEvent(event.Artifact)
	return data
}

func (m *Manager) persist(ctx context.Context, e *entry) error {
	if m.repo == nil {
		return nil
	}
	t := snapshot(e)
	return m.repo.SaveTask(ctx, t)
}

func (m *Manager) persistPushConfig(ctx context.Context, taskID string, cfg *PushConfig) error {
	if m.repo == nil {
		return nil
	}
	return m.repo.SavePushConfig(ctx, &repository.PushConfig{
		TaskID: taskID, ConfigID: cfg.ConfigID, CallbackURL: cfg.CallbackURL, SecretOrAuth: cfg.SecretOrAuth,
	})
}
