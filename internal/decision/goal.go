package decision

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// GoalStatus tracks a goal's lifecycle.
type GoalStatus string

const (
	GoalActive    GoalStatus = "active"
	GoalAchieved  GoalStatus = "achieved"
	GoalAbandoned GoalStatus = "abandoned"
)

// Goal is an agent objective the decision engine steers toward.
type Goal struct {
	ID            string             `json:"id"`
	Description   string             `json:"description"`
	TargetMetrics map[string]float64 `json:"target_metrics"`
	Priority      int                `json:"priority"` // 0..10
	Status        GoalStatus         `json:"status"`
	Progress      float64            `json:"progress"` // 0..1
}

// GoalManager owns the set of goals for one agent.
type GoalManager struct {
	mu     sync.RWMutex
	goals  map[string]*Goal
	logger *zap.Logger
}

// NewGoalManager creates an empty goal manager.
func NewGoalManager(logger *zap.Logger) *GoalManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GoalManager{
		goals:  make(map[string]*Goal),
		logger: logger,
	}
}

// CreateGoal registers a new active goal and returns its ID.
func (m *GoalManager) CreateGoal(description string, targetMetrics map[string]float64, priority int) (string, error) {
	if len(targetMetrics) == 0 {
		return "", &ValidationError{Field: "target_metrics", Reason: "must not be empty"}
	}
	if priority < 0 || priority > 10 {
		return "", &ValidationError{Field: "priority", Reason: fmt.Sprintf("%d out of range [0,10]", priority)}
	}

	metrics := make(map[string]float64, len(targetMetrics))
	for k, v := range targetMetrics {
		metrics[k] = v
	}

	g := &Goal{
		ID:            uuid.New().String(),
		Description:   description,
		TargetMetrics: metrics,
		Priority:      priority,
		Status:        GoalActive,
	}

	m.mu.Lock()
	m.goals[g.ID] = g
	m.mu.Unlock()

	m.logger.Debug("goal created",
		zap.String("goal", g.ID),
		zap.Int("priority", priority))
	return g.ID, nil
}

// UpdateProgress applies a progress delta, clamping to [0,1]. The goal
// auto-transitions to achieved at full progress. Terminal goals ignore
// further deltas.
func (m *GoalManager) UpdateProgress(goalID string, delta float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.goals[goalID]
	if !ok {
		return fmt.Errorf("goal %s not found", goalID)
	}
	if g.Status != GoalActive {
		return nil
	}

	g.Progress += delta
	if g.Progress < 0 {
		g.Progress = 0
	}
	if g.Progress >= 1 {
		g.Progress = 1
		g.Status = GoalAchieved
		m.logger.Info("goal achieved", zap.String("goal", g.ID))
	}
	return nil
}

// Abandon marks a goal abandoned. Already-terminal goals are left as-is.
func (m *GoalManager) Abandon(goalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.goals[goalID]
	if !ok {
		return fmt.Errorf("goal %s not found", goalID)
	}
	if g.Status == GoalActive {
		g.Status = GoalAbandoned
	}
	return nil
}

// Get returns a copy of a goal.
func (m *GoalManager) Get(goalID string) (Goal, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.goals[goalID]
	if !ok {
		return Goal{}, false
	}
	return *g, true
}

// Active returns copies of all active goals, sorted by ID so downstream
// scoring is deterministic.
func (m *GoalManager) Active() []Goal {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Goal, 0, len(m.goals))
	for _, g := range m.goals {
		if g.Status == GoalActive {
			out = append(out, *g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
