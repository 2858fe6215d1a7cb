package hooks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/coordd/internal/conflict"
	"github.com/fyrsmithlabs/coordd/internal/coordgraph"
	"github.com/fyrsmithlabs/coordd/internal/oplog"
	"github.com/fyrsmithlabs/coordd/internal/resolution"
	"github.com/fyrsmithlabs/coordd/internal/trajectory"
)

type fixture struct {
	log      *oplog.Log
	graph    *coordgraph.Graph
	detector *conflict.Detector
	pipeline *resolution.Pipeline
	store    *trajectory.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	log := oplog.New(zap.NewNop())
	graph := coordgraph.New(log, zap.NewNop())
	store, err := trajectory.NewStore(zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return &fixture{
		log:      log,
		graph:    graph,
		detector: conflict.NewDetector(graph, log, zap.NewNop()),
		pipeline: resolution.NewPipeline(resolution.DefaultStages(log, nil, nil, zap.NewNop()), zap.NewNop()),
		store:    store,
	}
}

func (f *fixture) lifecycle(cfg Config) *Lifecycle {
	return NewLifecycle(f.graph, f.detector, f.pipeline, f.store, f.log, cfg, zap.NewNop())
}

func TestLifecycle_FullSessionCycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	l := f.lifecycle(Config{})
	ctx := context.Background()

	assert.Equal(t, StateIdle, l.State())

	event, err := l.OnPreTask(ctx, "agent-a", "sess-1", "add retry logic")
	require.NoError(t, err)
	assert.Equal(t, EventSessionStarted, event.Type)
	assert.Equal(t, StateActive, l.State())

	for _, file := range []string{"retry.go", "retry_test.go", "doc.go"} {
		op, err := l.OnPostEdit(ctx, file, "add retry handling")
		require.NoError(t, err)
		assert.Equal(t, oplog.OpEdit, op.Type)
		assert.Equal(t, []string{file}, op.Resources)
	}

	ops, err := l.OnPostTask(ctx)
	require.NoError(t, err)
	assert.Len(t, ops, 3, "post-task returns exactly the session's operations")
	assert.Equal(t, StateIdle, l.State(), "post-task resets to idle")

	// The same lifecycle handles the next cycle.
	_, err = l.OnPreTask(ctx, "agent-a", "sess-2", "next task")
	require.NoError(t, err)
}

func TestOnPostTask_WithoutPreTask(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	l := f.lifecycle(Config{})

	_, err := l.OnPostTask(context.Background())
	require.ErrorIs(t, err, ErrNoActiveSession)
}

func TestOnPostEdit_RequiresActiveSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	l := f.lifecycle(Config{})

	_, err := l.OnPostEdit(context.Background(), "f.go", "edit")
	require.ErrorIs(t, err, ErrNoActiveSession)
}

func TestOnPreTask_RejectsDoubleOpen(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	l := f.lifecycle(Config{})
	ctx := context.Background()

	_, err := l.OnPreTask(ctx, "agent-a", "sess-1", "task")
	require.NoError(t, err)

	_, err = l.OnPreTask(ctx, "agent-a", "sess-2", "task")
	require.ErrorIs(t, err, ErrSessionActive)
}

func TestOnPostEdit_ConflictDetectedAndResolved(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	// Agent B's lifecycle shares the coordination state with agent A's.
	lifecycleA := f.lifecycle(Config{})
	lifecycleB := f.lifecycle(Config{})

	_, err := lifecycleA.OnPreTask(ctx, "agent-a", "sess-a", "extend config")
	require.NoError(t, err)
	_, err = lifecycleA.OnPostEdit(ctx, "src/main.rs", "add timeout field")
	require.NoError(t, err)

	_, err = lifecycleB.OnPreTask(ctx, "agent-b", "sess-b", "extend config differently")
	require.NoError(t, err)
	_, err = lifecycleB.OnPostEdit(ctx, "src/main.rs", "add retries field")
	require.NoError(t, err)

	// Additive edits on one shared file resolve at the template stage;
	// nothing stays pending and the caller's edit was not aborted.
	assert.Empty(t, lifecycleB.PendingConflicts())
	assert.Equal(t, StateActive, lifecycleB.State())

	attempts := f.pipeline.Attempts()
	require.NotEmpty(t, attempts)
	assert.Equal(t, "template", attempts[0].Stage)
	assert.True(t, attempts[0].Resolved)
}

func TestOnPostEdit_UnresolvableConflictQueued(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	lifecycleA := f.lifecycle(Config{})
	lifecycleB := f.lifecycle(Config{})

	_, err := lifecycleA.OnPreTask(ctx, "agent-a", "sess-a", "rework parser")
	require.NoError(t, err)
	_, err = lifecycleA.OnPostEdit(ctx, "parser.go", "delete recursive descent path")
	require.NoError(t, err)

	_, err = lifecycleB.OnPreTask(ctx, "agent-b", "sess-b", "rework parser differently")
	require.NoError(t, err)
	op, err := lifecycleB.OnPostEdit(ctx, "parser.go", "rewrite grammar tables")
	require.NoError(t, err, "resolution failure must not abort the edit")
	require.NotNil(t, op)

	pending := lifecycleB.PendingConflicts()
	require.Len(t, pending, 1)
	assert.Equal(t, conflict.MethodManual, pending[0].ResolutionMethod)
	assert.False(t, pending[0].Resolved)
}

func TestOnConflictDetected_AwarenessPath(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	l := f.lifecycle(Config{})
	ctx := context.Background()

	_, err := l.OnConflictDetected(ctx, []string{"f.go"})
	require.ErrorIs(t, err, ErrNoActiveSession)

	_, err = l.OnPreTask(ctx, "agent-a", "sess-1", "task")
	require.NoError(t, err)

	event, err := l.OnConflictDetected(ctx, []string{"f.go", "g.go"})
	require.NoError(t, err)
	assert.Equal(t, EventConflictNotified, event.Type)
	assert.Equal(t, StateActive, l.State(), "notification must not change state")
}

func TestOnPostTask_ShipsEncryptedTrajectory(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	l := f.lifecycle(Config{EnableTrajectorySync: true})
	ctx := context.Background()

	sec, pub, err := trajectory.GenerateKeyPair()
	require.NoError(t, err)
	l.EnableEncryption(sec, pub)

	_, err = l.OnPreTask(ctx, "agent-a", "sess-1", "harden crypto paths")
	require.NoError(t, err)
	_, err = l.OnPostEdit(ctx, "crypto.go", "add nonce checks")
	require.NoError(t, err)
	_, err = l.OnPostTask(ctx)
	require.NoError(t, err)

	hits := l.QueryTrajectories("crypto", 10)
	require.Len(t, hits, 1)
	assert.Equal(t, "sess-1", hits[0].SessionID)
	assert.InDelta(t, 1.0, hits[0].SuccessScore, 0.001)

	summary, err := l.DecryptTrajectory(ctx, hits[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "harden crypto paths", summary.Task)
	assert.False(t, summary.Abandoned)
	assert.Len(t, summary.Operations, 1)
}

func TestOnPostTask_NoTrajectoryWithoutKeys(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	l := f.lifecycle(Config{EnableTrajectorySync: true})
	ctx := context.Background()

	_, err := l.OnPreTask(ctx, "agent-a", "sess-1", "task")
	require.NoError(t, err)
	_, err = l.OnPostTask(ctx)
	require.NoError(t, err, "missing keys must not fail the session close")

	assert.Zero(t, f.store.Len())
}

func TestAbandon_ExpiredSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	l := f.lifecycle(Config{
		SessionTimeout:       10 * time.Millisecond,
		EnableTrajectorySync: true,
	})
	ctx := context.Background()

	sec, pub, err := trajectory.GenerateKeyPair()
	require.NoError(t, err)
	l.EnableEncryption(sec, pub)

	_, err = l.OnPreTask(ctx, "agent-a", "sess-1", "long running task")
	require.NoError(t, err)
	_, err = l.OnPostEdit(ctx, "f.go", "edit")
	require.NoError(t, err)

	assert.False(t, l.Abandon(ctx), "session within timeout is not abandoned")

	time.Sleep(20 * time.Millisecond)
	require.True(t, l.Abandon(ctx))
	assert.Equal(t, StateIdle, l.State())

	hits := l.QueryTrajectories("long running", 1)
	require.Len(t, hits, 1)
	assert.LessOrEqual(t, hits[0].SuccessScore, 0.1, "abandoned sessions get a forced-low score")

	summary, err := l.DecryptTrajectory(ctx, hits[0].ID)
	require.NoError(t, err)
	assert.True(t, summary.Abandoned)
	assert.Len(t, summary.Operations, 1, "partial operations remain valid")
}

func TestGetSessionOperations(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	l := f.lifecycle(Config{})
	ctx := context.Background()

	_, err := l.GetSessionOperations()
	require.ErrorIs(t, err, ErrNoActiveSession)

	_, err = l.OnPreTask(ctx, "agent-a", "sess-1", "task")
	require.NoError(t, err)
	_, err = l.OnPostEdit(ctx, "a.go", "edit a")
	require.NoError(t, err)
	_, err = l.OnPostEdit(ctx, "b.go", "edit b")
	require.NoError(t, err)

	ops, err := l.GetSessionOperations()
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, []string{"a.go"}, ops[0].Resources)
	assert.Equal(t, []string{"b.go"}, ops[1].Resources)
}
