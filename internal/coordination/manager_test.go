package coordination

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// recordingSink collects published actions.
type recordingSink struct {
	mu      sync.Mutex
	actions []Action
}

func (s *recordingSink) Publish(ctx context.Context, a Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = append(s.actions, a)
	return nil
}

func (s *recordingSink) byType(t string) []Action {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Action
	for _, a := range s.actions {
		if a.Type == t {
			out = append(out, a)
		}
	}
	return out
}

type memoryArchiver struct {
	mu    sync.Mutex
	cases []*Case
}

func (a *memoryArchiver) ArchiveCase(ctx context.Context, c *Case) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cases = append(a.cases, c)
	return nil
}

func newTestManager(t *testing.T) (*Manager, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	m := NewManager(GuardConfig{}, sink, nil)
	t.Cleanup(m.Close)
	return m, sink
}

func submit(t *testing.T, m *Manager, id string) {
	t.Helper()
	if err := m.Process(context.Background(), Event{
		Type: EventSubmissionReceived, ManuscriptID: id, Timestamp: t0,
	}); err != nil {
		t.Fatalf("submit %s: %v", id, err)
	}
}

func TestProcessCreatesCaseOnce(t *testing.T) {
	m, _ := newTestManager(t)
	submit(t, m, "M-1")
	submit(t, m, "M-1") // duplicate delivery

	c, ok := m.Snapshot("M-1")
	if !ok {
		t.Fatal("no snapshot")
	}
	if c.Stage != StageInitiated {
		t.Errorf("stage = %s", c.Stage)
	}
	if len(m.All()) != 1 {
		t.Errorf("cases = %d, want exactly one live case per manuscript", len(m.All()))
	}
}

func TestProcessRejectsEventsForUnknownCase(t *testing.T) {
	m, _ := newTestManager(t)
	err := m.Process(context.Background(), Event{Type: EventReviewSubmitted, ManuscriptID: "missing"})
	if err == nil {
		t.Fatal("expected error for unknown manuscript")
	}
}

func TestProcessRejectsMalformedEvents(t *testing.T) {
	m, _ := newTestManager(t)
	if err := m.Process(context.Background(), Event{Type: EventSubmissionReceived}); err == nil {
		t.Error("missing manuscript_id accepted")
	}
	if err := m.Process(context.Background(), Event{ManuscriptID: "M-1"}); err == nil {
		t.Error("missing event_type accepted")
	}
}

func TestTransitionErrorSurfacesAndIsRecorded(t *testing.T) {
	m, _ := newTestManager(t)
	submit(t, m, "M-1")

	err := m.Process(context.Background(), Event{
		Type: EventReviewSubmitted, ManuscriptID: "M-1",
		Payload: map[string]string{"reviewer_id": "r1"},
	})
	if err == nil {
		t.Fatal("premature event accepted")
	}

	c, _ := m.Snapshot("M-1")
	if c.ErrorCount != 1 || c.LastError == "" {
		t.Errorf("error not recorded on snapshot: count=%d last=%q", c.ErrorCount, c.LastError)
	}
	if c.Stage != StageInitiated {
		t.Errorf("stage moved on rejected event: %s", c.Stage)
	}
}

func TestStageChangePublishesStatusUpdate(t *testing.T) {
	m, sink := newTestManager(t)
	submit(t, m, "M-1")
	if err := m.Process(context.Background(), Event{
		Type: EventReviewersSelected, ManuscriptID: "M-1",
		Payload: map[string]string{"reviewer_ids": "r1,r2"},
	}); err != nil {
		t.Fatal(err)
	}

	updates := sink.byType(ActionUpdateExternalStatus)
	if len(updates) != 1 {
		t.Fatalf("status updates = %d, want 1", len(updates))
	}
	if updates[0].Payload["stage"] != string(StageReviewerAssignment) {
		t.Errorf("update payload = %v", updates[0].Payload)
	}
}

func TestTerminalCaseIsArchivedNotDeleted(t *testing.T) {
	sink := &recordingSink{}
	arch := &memoryArchiver{}
	m := NewManager(GuardConfig{}, sink, nil, WithArchiver(arch))
	t.Cleanup(m.Close)

	submit(t, m, "M-1")
	if err := m.Process(context.Background(), Event{Type: EventWithdrawal, ManuscriptID: "M-1"}); err != nil {
		t.Fatal(err)
	}

	// Archive happens on the actor goroutine after the reply; wait for it.
	deadline := time.After(2 * time.Second)
	for {
		arch.mu.Lock()
		n := len(arch.cases)
		arch.mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("case never archived")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if c, ok := m.Snapshot("M-1"); !ok || c.Stage != StageCancelled {
		t.Error("terminal case disappeared from the manager")
	}
	if len(m.Active()) != 0 {
		t.Error("cancelled case still listed active")
	}
	if m.Counts().Cancelled != 1 {
		t.Errorf("cancelled counter = %d", m.Counts().Cancelled)
	}
}

func TestEventsApplyInArrivalOrderPerCase(t *testing.T) {
	m, _ := newTestManager(t)
	submit(t, m, "M-1")

	seq := []Event{
		{Type: EventReviewersSelected, ManuscriptID: "M-1", Payload: map[string]string{"reviewer_ids": "r1,r2"}},
		{Type: EventInvitationSent, ManuscriptID: "M-1"},
		{Type: EventInvitationAccepted, ManuscriptID: "M-1", Payload: map[string]string{"reviewer_id": "r1"}},
		{Type: EventReviewStarted, ManuscriptID: "M-1"},
	}
	for _, ev := range seq {
		if err := m.Process(context.Background(), ev); err != nil {
			t.Fatalf("%s: %v", ev.Type, err)
		}
	}
	c, _ := m.Snapshot("M-1")
	if c.Stage != StageReviewInProgress {
		t.Errorf("stage = %s, want review_in_progress", c.Stage)
	}
}

func TestWithCaseTrySkipsBusyCase(t *testing.T) {
	m, _ := newTestManager(t)
	submit(t, m, "M-1")

	hold := make(chan struct{})
	held := make(chan struct{})
	go func() {
		m.WithCaseTry("M-1", func(c *Case) []Action {
			close(held)
			<-hold
			return nil
		})
	}()
	<-held

	ran, err := m.WithCaseTry("M-1", func(c *Case) []Action {
		t.Error("second tick entered a locked case")
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if ran {
		t.Error("TryLock reported success on a busy case")
	}
	close(hold)
}

// Concurrent ticks on one case: exactly one mutates per round trip, and
// the counter is never half-written.
func TestConcurrentTicksExcludeEachOther(t *testing.T) {
	m, _ := newTestManager(t)
	submit(t, m, "M-1")

	const workers = 8
	const rounds = 200
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				m.WithCaseTry("M-1", func(c *Case) []Action {
					c.ReminderCount++
					return nil
				})
			}
		}()
	}
	wg.Wait()

	c, _ := m.Snapshot("M-1")
	if c.ReminderCount < 1 || c.ReminderCount > workers*rounds {
		t.Fatalf("reminder count %d outside possible range", c.ReminderCount)
	}
	// Snapshot and live state must agree once all ticks are done.
	ran, _ := m.WithCaseTry("M-1", func(live *Case) []Action {
		if live.ReminderCount != c.ReminderCount {
			// A later snapshot may lag; re-check against the freshest one.
			fresh, _ := m.Snapshot("M-1")
			if live.ReminderCount != fresh.ReminderCount {
				t.Errorf("live=%d snapshot=%d", live.ReminderCount, fresh.ReminderCount)
			}
		}
		return nil
	})
	if !ran {
		t.Fatal("final check could not acquire the case")
	}
}

func TestErrorInOneCaseDoesNotAffectOthers(t *testing.T) {
	m, _ := newTestManager(t)
	submit(t, m, "M-1")
	submit(t, m, "M-2")

	// Poison M-1 with an out-of-order event.
	_ = m.Process(context.Background(), Event{Type: EventDecisionMade, ManuscriptID: "M-1"})

	if err := m.Process(context.Background(), Event{
		Type: EventReviewersSelected, ManuscriptID: "M-2",
		Payload: map[string]string{"reviewer_ids": "r9"},
	}); err != nil {
		t.Fatalf("healthy case affected: %v", err)
	}
	c2, _ := m.Snapshot("M-2")
	if c2.Stage != StageReviewerAssignment || c2.ErrorCount != 0 {
		t.Errorf("M-2 state polluted: %+v", c2)
	}
}

func TestCloseRejectsLateEventsWithoutPanic(t *testing.T) {
	m, _ := newTestManager(t)
	submit(t, m, "M-1")

	// Senders racing Close must get ErrManagerClosed, never a panic
	// from a send on a closed channel.
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < 50; j++ {
				_ = m.Process(context.Background(), Event{
					Type: EventReviewersSelected, ManuscriptID: "M-1",
					Payload: map[string]string{"reviewer_ids": "r1"},
				})
			}
		}()
	}
	close(start)
	m.Close()
	wg.Wait()

	err := m.Process(context.Background(), Event{
		Type: EventInvitationSent, ManuscriptID: "M-1",
	})
	if !errors.Is(err, ErrManagerClosed) {
		t.Fatalf("err = %v, want ErrManagerClosed", err)
	}
	if err := m.Process(context.Background(), Event{
		Type: EventSubmissionReceived, ManuscriptID: "M-9",
	}); !errors.Is(err, ErrManagerClosed) {
		t.Fatalf("new case after close: err = %v, want ErrManagerClosed", err)
	}

	// Snapshots of existing cases stay readable.
	if _, ok := m.Snapshot("M-1"); !ok {
		t.Fatal("snapshot lost after close")
	}

	m.Close() // idempotent
}
