package coordination

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrUnknownCase means an event referenced a manuscript with no open
// coordination case.
var ErrUnknownCase = errors.New("unknown coordination case")

// ErrManagerClosed means the manager was shut down and accepts no more
// events.
var ErrManagerClosed = errors.New("coordination manager closed")

// Action is an outbound command for the action sink. Fire-and-forget:
// delivery failures are the sink's problem, not retried here.
type Action struct {
	Type    string            `json:"action_type"`
	Target  string            `json:"target"`
	Payload map[string]string `json:"payload,omitempty"`
}

// Outbound action types.
const (
	ActionSendNotification     = "send-notification"
	ActionAssignReviewer       = "assign-reviewer"
	ActionEscalateToEditor     = "escalate-to-editor"
	ActionUpdateExternalStatus = "update-external-status"
)

// Sink receives outbound actions. Implementations must be safe for
// concurrent use.
type Sink interface {
	Publish(ctx context.Context, a Action) error
}

// Archiver persists terminal cases. Optional.
type Archiver interface {
	ArchiveCase(ctx context.Context, c *Case) error
}

// handle serializes access to one case. Events flow through the inbox in
// arrival order; the automation tick takes mu directly via TryLock and
// skips when busy.
type handle struct {
	mu    sync.Mutex
	c     *Case
	inbox chan envelope
	snap  atomic.Pointer[Case]
}

type envelope struct {
	ev    Event
	reply chan applyResult
}

type applyResult struct {
	changed bool
	err     error
}

// Manager owns all live coordination cases: one handle per manuscript ID
// rather than a global lock, so cases fail and progress independently.
type Manager struct {
	mu      sync.RWMutex
	handles map[string]*handle
	closed  bool
	done    chan struct{}

	guards        GuardConfig
	defaultQuorum int
	sink          Sink
	archiver      Archiver
	actionTimeout time.Duration
	logger        *zap.Logger

	counters Counters
}

// Counters aggregates engine activity for the metrics endpoint.
type Counters struct {
	mu                 sync.Mutex
	Transitions        int64 `json:"transitions"`
	Errors             int64 `json:"errors"`
	RemindersSent      int64 `json:"reminders_sent"`
	Escalations        int64 `json:"escalations"`
	ConflictsResolved  int64 `json:"conflicts_resolved"`
	ConflictsEscalated int64 `json:"conflicts_escalated"`
	Completed          int64 `json:"completed"`
	Cancelled          int64 `json:"cancelled"`
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithArchiver persists terminal cases through the given archiver.
func WithArchiver(a Archiver) ManagerOption {
	return func(m *Manager) { m.archiver = a }
}

// WithActionTimeout bounds outbound publishes and archive writes.
func WithActionTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.actionTimeout = d }
}

// WithDefaultQuorum sets the required review count for new cases whose
// submission event does not carry one.
func WithDefaultQuorum(n int) ManagerOption {
	return func(m *Manager) { m.defaultQuorum = n }
}

// NewManager creates a case manager publishing to sink.
func NewManager(guards GuardConfig, sink Sink, logger *zap.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		handles:       make(map[string]*handle),
		done:          make(chan struct{}),
		guards:        guards,
		defaultQuorum: 2,
		sink:          sink,
		actionTimeout: 15 * time.Second,
		logger:        logger,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Process routes one event to its case, creating the case on
// submission-received. Events for one manuscript are applied in arrival
// order; the transition error, if any, is returned synchronously and also
// recorded on the case snapshot.
func (m *Manager) Process(ctx context.Context, ev Event) error {
	if ev.ManuscriptID == "" {
		return fmt.Errorf("event %s rejected: missing manuscript_id", ev.Type)
	}
	if ev.Type == "" {
		return fmt.Errorf("event for %s rejected: missing event_type", ev.ManuscriptID)
	}

	h, err := m.handleFor(ev)
	if err != nil {
		return err
	}

	env := envelope{ev: ev, reply: make(chan applyResult, 1)}
	select {
	case h.inbox <- env:
	case <-m.done:
		return ErrManagerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case res := <-env.reply:
		return res.err
	case <-m.done:
		return ErrManagerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleFor finds or creates the per-case handle.
func (m *Manager) handleFor(ev Event) (*handle, error) {
	m.mu.RLock()
	h, ok := m.handles[ev.ManuscriptID]
	m.mu.RUnlock()
	if ok {
		return h, nil
	}
	if ev.Type != EventSubmissionReceived {
		return nil, fmt.Errorf("manuscript %s: %w", ev.ManuscriptID, ErrUnknownCase)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	if h, ok := m.handles[ev.ManuscriptID]; ok {
		return h, nil
	}

	now := ev.Timestamp
	if now.IsZero() {
		now = time.Now()
	}
	c := NewCase(
		ev.ManuscriptID,
		Urgency(ev.Payload["urgency"]),
		payloadInt(ev.Payload, "required_reviews", m.defaultQuorum),
		now,
	)
	h = &handle{c: c, inbox: make(chan envelope, 64)}
	h.snap.Store(c.Clone())
	m.handles[ev.ManuscriptID] = h
	go m.run(h)

	m.logger.Info("coordination case opened",
		zap.String("manuscript", c.ManuscriptID),
		zap.String("urgency", string(c.Urgency)))
	return h, nil
}

// run is the per-case actor loop: apply under the handle lock, publish
// side effects after releasing it.
func (m *Manager) run(h *handle) {
	for {
		select {
		case <-m.done:
			return
		case env := <-h.inbox:
			// Both channels can be ready at once; done wins so an event
			// buffered during shutdown is refused, not applied.
			select {
			case <-m.done:
				env.reply <- applyResult{err: ErrManagerClosed}
				return
			default:
			}
			actions, res := m.applyLocked(h, env.ev)
			env.reply <- res
			m.publish(actions)
			if res.changed {
				if snap := h.snap.Load(); snap.Stage.IsTerminal() {
					m.archive(snap)
				}
			}
		}
	}
}

func (m *Manager) applyLocked(h *handle, ev Event) ([]Action, applyResult) {
	h.mu.Lock()
	defer func() {
		h.snap.Store(h.c.Clone())
		h.mu.Unlock()
	}()

	now := ev.Timestamp
	if now.IsZero() {
		now = time.Now()
	}

	c := h.c
	if ev.Type == EventSubmissionReceived {
		// Creation already happened; re-delivery is a no-op.
		return nil, applyResult{}
	}

	prev := c.Stage
	changed, err := c.Apply(ev, now, m.guards)
	if err != nil {
		c.LastError = err.Error()
		c.ErrorCount++
		c.UpdatedAt = now
		m.counters.inc(func(ct *Counters) { ct.Errors++ })
		m.logger.Warn("transition rejected",
			zap.String("manuscript", c.ManuscriptID),
			zap.String("stage", string(prev)),
			zap.String("event", string(ev.Type)),
			zap.Error(err))
		return nil, applyResult{err: err}
	}
	if !changed {
		return nil, applyResult{}
	}

	m.counters.inc(func(ct *Counters) {
		ct.Transitions++
		switch c.Stage {
		case StageCompleted:
			ct.Completed++
		case StageCancelled:
			ct.Cancelled++
		}
	})
	m.logger.Info("stage transition",
		zap.String("manuscript", c.ManuscriptID),
		zap.String("from", string(prev)),
		zap.String("to", string(c.Stage)))

	actions := []Action{{
		Type:   ActionUpdateExternalStatus,
		Target: c.ManuscriptID,
		Payload: map[string]string{
			"stage":    string(c.Stage),
			"previous": string(prev),
		},
	}}
	return actions, applyResult{changed: true}
}

// WithCaseTry runs fn under the case lock if it is immediately free.
// The automation tick uses this: a busy case is skipped, not queued.
// Actions fn returns are published after the lock is released.
func (m *Manager) WithCaseTry(manuscriptID string, fn func(c *Case) []Action) (bool, error) {
	m.mu.RLock()
	h, ok := m.handles[manuscriptID]
	m.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("manuscript %s: %w", manuscriptID, ErrUnknownCase)
	}

	if !h.mu.TryLock() {
		return false, nil
	}
	actions := fn(h.c)
	snap := h.c.Clone()
	h.snap.Store(snap)
	h.mu.Unlock()

	m.publish(actions)
	if snap.Stage.IsTerminal() {
		m.archive(snap)
	}
	return true, nil
}

// Snapshot returns a possibly slightly stale copy of a case without
// touching the case lock.
func (m *Manager) Snapshot(manuscriptID string) (*Case, bool) {
	m.mu.RLock()
	h, ok := m.handles[manuscriptID]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return h.snap.Load(), true
}

// Active returns snapshots of all non-terminal cases, sorted by
// manuscript ID for deterministic iteration.
func (m *Manager) Active() []*Case {
	return m.list(func(c *Case) bool { return !c.Stage.IsTerminal() })
}

// All returns snapshots of every case, terminal included.
func (m *Manager) All() []*Case {
	return m.list(func(c *Case) bool { return true })
}

func (m *Manager) list(keep func(*Case) bool) []*Case {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Case, 0, len(m.handles))
	for _, h := range m.handles {
		if c := h.snap.Load(); keep(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ManuscriptID < out[j].ManuscriptID })
	return out
}

// Counts returns a copy of the activity counters.
func (m *Manager) Counts() Counters {
	m.counters.mu.Lock()
	defer m.counters.mu.Unlock()
	return Counters{
		Transitions:        m.counters.Transitions,
		Errors:             m.counters.Errors,
		RemindersSent:      m.counters.RemindersSent,
		Escalations:        m.counters.Escalations,
		ConflictsResolved:  m.counters.ConflictsResolved,
		ConflictsEscalated: m.counters.ConflictsEscalated,
		Completed:          m.counters.Completed,
		Cancelled:          m.counters.Cancelled,
	}
}

// Bump applies a counter mutation from another component (automation,
// conflict resolution).
func (m *Manager) Bump(fn func(*Counters)) {
	m.counters.inc(fn)
}

func (ct *Counters) inc(fn func(*Counters)) {
	ct.mu.Lock()
	fn(ct)
	ct.mu.Unlock()
}

// publish sends actions to the sink outside any case lock, each under a
// bounded timeout. Failures are logged, never propagated to the case.
func (m *Manager) publish(actions []Action) {
	if m.sink == nil || len(actions) == 0 {
		return
	}
	for _, a := range actions {
		ctx, cancel := context.WithTimeout(context.Background(), m.actionTimeout)
		if err := m.sink.Publish(ctx, a); err != nil {
			m.logger.Warn("action publish failed",
				zap.String("action", a.Type),
				zap.String("target", a.Target),
				zap.Error(err))
		}
		cancel()
	}
}

// archive persists a settled snapshot of a terminal case. Runs outside
// the case lock; the snapshot cannot change once the stage is terminal.
func (m *Manager) archive(c *Case) {
	if m.archiver == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.actionTimeout)
	defer cancel()
	if err := m.archiver.ArchiveCase(ctx, c.Clone()); err != nil {
		m.logger.Warn("case archive failed",
			zap.String("manuscript", c.ManuscriptID),
			zap.Error(err))
	}
}

// Close stops all case actors. Pending inbox events are dropped; later
// Process calls return ErrManagerClosed. Inboxes are never closed, so an
// in-flight send races only against the done signal, never a panic.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.done)
}
