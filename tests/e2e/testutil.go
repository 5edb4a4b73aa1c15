package e2e

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"

	"github.com/quillworks/peerflow/internal/coordination"
	pgstore "github.com/quillworks/peerflow/internal/store"
)

// Suppress unused import warning for testcontainers base package.
var _ = testcontainers.GenericContainerRequest{}

// Package-level shared state set by TestMain, used by all subtests.
var (
	testLogger   *zap.Logger
	testStore    *pgstore.Store
	testRedisURL string
)

// startPostgres starts a PostgreSQL testcontainer, returns DSN + cleanup func.
func startPostgres(ctx context.Context) (string, func(), error) {
	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("peerflow_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		return "", nil, fmt.Errorf("start postgres: %w", err)
	}
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("pg connection string: %w", err)
	}
	cleanup := func() { container.Terminate(ctx) }
	return dsn, cleanup, nil
}

// startRedis starts a Redis testcontainer, returns URL + cleanup func.
func startRedis(ctx context.Context) (string, func(), error) {
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		return "", nil, fmt.Errorf("start redis: %w", err)
	}
	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("redis endpoint: %w", err)
	}
	url := "redis://" + endpoint
	cleanup := func() { container.Terminate(ctx) }
	return url, cleanup, nil
}

// driveEvent applies one event to the manager, failing the test on
// rejection.
func driveEvent(t *testing.T, m *coordination.Manager, ev coordination.Event) {
	t.Helper()
	if err := m.Process(context.Background(), ev); err != nil {
		t.Fatalf("process %s for %s: %v", ev.Type, ev.ManuscriptID, err)
	}
}

// happyPathEvents drives a manuscript from submission to completion.
func happyPathEvents(manuscriptID, reviewer string, base time.Time) []coordination.Event {
	ev := func(typ coordination.EventType, payload map[string]string, offset time.Duration) coordination.Event {
		return coordination.Event{
			Type:         typ,
			ManuscriptID: manuscriptID,
			Payload:      payload,
			Timestamp:    base.Add(offset),
		}
	}
	return []coordination.Event{
		ev(coordination.EventSubmissionReceived, map[string]string{"required_reviews": "1"}, 0),
		ev(coordination.EventReviewersSelected, map[string]string{"reviewer_ids": reviewer}, time.Hour),
		ev(coordination.EventInvitationSent, nil, 2*time.Hour),
		ev(coordination.EventInvitationAccepted, map[string]string{"reviewer_id": reviewer}, 3*time.Hour),
		ev(coordination.EventReviewStarted, map[string]string{"reviewer_id": reviewer}, 4*time.Hour),
		ev(coordination.EventReviewSubmitted, map[string]string{"reviewer_id": reviewer, "score": "0.85"}, 5*time.Hour),
		ev(coordination.EventQualityCheckStarted, nil, 6*time.Hour),
		ev(coordination.EventQualityAssessed, map[string]string{"consensus": "0.85"}, 7*time.Hour),
		ev(coordination.EventDecisionMade, map[string]string{"decision": "accept"}, 8*time.Hour),
	}
}

// waitFor polls cond until it returns true or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
