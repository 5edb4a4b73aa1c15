package automation

import (
	"context"
	"time"

	"github.com/quillworks/peerflow/internal/conflict"
	"github.com/quillworks/peerflow/internal/coordination"
	"go.uber.org/zap"
)

// ConflictLogger records negotiation outcomes, winners and losers both.
type ConflictLogger interface {
	LogConflict(ctx context.Context, cc *conflict.Case) error
}

// TickReport summarizes one evaluation pass.
type TickReport struct {
	Evaluated int `json:"evaluated"`
	Skipped   int `json:"skipped"` // cases busy with an in-flight transition
	Fired     int `json:"fired"`
	Conflicts int `json:"conflicts"`
}

// Engine runs the rule table over all active cases on a fixed period.
type Engine struct {
	manager    *coordination.Manager
	rules      []Rule
	th         Thresholds
	env        *Env
	negotiator *conflict.Negotiator
	sink       coordination.Sink
	clog       ConflictLogger

	interval      time.Duration
	actionTimeout time.Duration
	logger        *zap.Logger
	cancel        context.CancelFunc

	recent *conflictRing
}

// Option customizes an Engine.
type Option func(*Engine)

// WithConflictLogger persists negotiation outcomes.
func WithConflictLogger(cl ConflictLogger) Option {
	return func(e *Engine) { e.clog = cl }
}

// WithActionTimeout bounds each rule firing and outbound publish.
func WithActionTimeout(d time.Duration) Option {
	return func(e *Engine) { e.actionTimeout = d }
}

// NewEngine assembles the rule engine. rules may be nil for the default
// set.
func NewEngine(
	manager *coordination.Manager,
	rules []Rule,
	th Thresholds,
	env *Env,
	negotiator *conflict.Negotiator,
	sink coordination.Sink,
	interval time.Duration,
	logger *zap.Logger,
	opts ...Option,
) *Engine {
	if rules == nil {
		rules = DefaultRules()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if env.Logger == nil {
		env.Logger = logger
	}
	e := &Engine{
		manager:       manager,
		rules:         sortRules(rules),
		th:            th,
		env:           env,
		negotiator:    negotiator,
		sink:          sink,
		interval:      interval,
		actionTimeout: 15 * time.Second,
		logger:        logger,
		recent:        newConflictRing(100),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Start begins the periodic tick loop in a background goroutine.
func (e *Engine) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	go e.loop(ctx)
	e.logger.Info("automation engine started",
		zap.Duration("interval", e.interval),
		zap.Int("rules", len(e.rules)))
}

// Stop halts the tick loop.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		e.logger.Info("automation engine stopped")
	}
}

func (e *Engine) loop(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick(time.Now())
		}
	}
}

// Tick evaluates every active case once. Cases locked by an in-flight
// transition are skipped and picked up next period rather than queued.
func (e *Engine) Tick(now time.Time) TickReport {
	var report TickReport
	var proposals []conflict.Proposal

	for _, snap := range e.manager.Active() {
		id := snap.ManuscriptID
		ran, err := e.manager.WithCaseTry(id, func(c *coordination.Case) []coordination.Action {
			actions, props, fired := e.evaluate(c, now)
			proposals = append(proposals, props...)
			report.Fired += fired
			return actions
		})
		if err != nil {
			e.logger.Warn("tick: case lookup failed", zap.String("manuscript", id), zap.Error(err))
			continue
		}
		if !ran {
			report.Skipped++
			continue
		}
		report.Evaluated++
	}

	report.Conflicts = e.settleProposals(proposals, now)
	e.logger.Debug("tick complete",
		zap.Int("evaluated", report.Evaluated),
		zap.Int("skipped", report.Skipped),
		zap.Int("fired", report.Fired),
		zap.Int("conflicts", report.Conflicts))
	return report
}

// evaluate runs the sorted rule table against one locked case: first
// matching rule per category fires.
func (e *Engine) evaluate(c *coordination.Case, now time.Time) ([]coordination.Action, []conflict.Proposal, int) {
	var actions []coordination.Action
	var proposals []conflict.Proposal
	fired := 0
	done := make(map[Category]bool)

	for _, r := range e.rules {
		if done[r.Category] || !r.When(c, now, e.th) {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), e.actionTimeout)
		out, err := r.Fire(ctx, e.env, c, now, e.th)
		cancel()
		if err != nil {
			// Action failure is non-fatal: logged and retried next tick.
			e.logger.Warn("rule firing failed",
				zap.String("rule", r.ID),
				zap.String("manuscript", c.ManuscriptID),
				zap.Error(err))
			continue
		}
		done[r.Category] = true
		fired++
		actions = append(actions, out.Actions...)
		proposals = append(proposals, out.Proposals...)

		e.manager.Bump(func(ct *coordination.Counters) {
			switch r.Category {
			case CategoryReminder:
				ct.RemindersSent += int64(len(out.Actions))
			case CategoryEscalation:
				ct.Escalations++
			}
		})
	}
	return actions, proposals, fired
}

// settleProposals publishes uncontested reviewer assignments and routes
// contested ones through the negotiator. Returns the conflict count.
func (e *Engine) settleProposals(proposals []conflict.Proposal, now time.Time) int {
	if len(proposals) == 0 {
		return 0
	}

	conflicts := conflict.Detect(proposals, now)
	contested := make(map[string]bool, len(conflicts))
	for _, cc := range conflicts {
		contested[cc.Resource] = true
	}

	for _, p := range proposals {
		if !contested[p.Step.Target] {
			e.publishAssignment(p)
		}
	}

	for _, cc := range conflicts {
		out, err := e.negotiator.Resolve(cc)
		e.recent.add(cc)
		e.logConflict(cc)

		if err != nil {
			// Unresolved: hand the whole package to a human; every
			// participant stays in its last stable stage.
			e.manager.Bump(func(ct *coordination.Counters) { ct.ConflictsEscalated++ })
			e.publish(coordination.Action{
				Type:   coordination.ActionEscalateToEditor,
				Target: cc.Resource,
				Payload: map[string]string{
					"reason":       "reviewer contention unresolved",
					"conflict_id":  cc.ID,
					"participants": joinIDs(cc.Participants),
				},
			})
			continue
		}

		e.manager.Bump(func(ct *coordination.Counters) { ct.ConflictsResolved++ })
		for _, p := range cc.Proposals {
			if p.CaseID == out.WinnerCaseID {
				e.publishAssignment(p)
				break
			}
		}
	}
	return len(conflicts)
}

func (e *Engine) publishAssignment(p conflict.Proposal) {
	e.publish(coordination.Action{
		Type:   coordination.ActionAssignReviewer,
		Target: p.Step.Target,
		Payload: map[string]string{
			"manuscript_id": p.CaseID,
			"urgency":       string(p.Urgency),
		},
	})
}

func (e *Engine) publish(a coordination.Action) {
	if e.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.actionTimeout)
	defer cancel()
	if err := e.sink.Publish(ctx, a); err != nil {
		e.logger.Warn("action publish failed",
			zap.String("action", a.Type),
			zap.String("target", a.Target),
			zap.Error(err))
	}
}

func (e *Engine) logConflict(cc *conflict.Case) {
	if e.clog == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.actionTimeout)
	defer cancel()
	if err := e.clog.LogConflict(ctx, cc); err != nil {
		e.logger.Warn("conflict log write failed",
			zap.String("conflict", cc.ID),
			zap.Error(err))
	}
}

// RecentConflicts returns the most recent conflict cases, newest first.
func (e *Engine) RecentConflicts() []*conflict.Case {
	return e.recent.list()
}
