package resolution

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/coordd/internal/conflict"
	"github.com/fyrsmithlabs/coordd/internal/oplog"
)

// newConflictFixture appends two operations with the given commands and
// returns a pending conflict over the shared resource.
func newConflictFixture(t *testing.T, commandA, commandB string, resources ...string) (*oplog.Log, *conflict.Conflict) {
	t.Helper()

	log := oplog.New(zap.NewNop())
	idA, err := log.Append(&oplog.Operation{
		AgentID: "agent-a", SessionID: "s-a", Type: oplog.OpEdit,
		Resources: resources, Command: commandA,
	})
	require.NoError(t, err)
	idB, err := log.Append(&oplog.Operation{
		AgentID: "agent-b", SessionID: "s-b", Type: oplog.OpEdit,
		Resources: resources, Command: commandB,
	})
	require.NoError(t, err)

	severity := conflict.SeverityMinor
	if len(resources) > 1 {
		severity = conflict.SeveritySevere
	}
	return log, &conflict.Conflict{
		ID:               uuid.New().String(),
		OperationIDs:     []oplog.OperationID{idA, idB},
		AgentIDs:         []string{"agent-a", "agent-b"},
		Resources:        resources,
		Severity:         severity,
		ResolutionMethod: conflict.MethodNone,
		DetectedAt:       time.Now(),
	}
}

func TestTemplateStage_AdditiveInsertionPattern(t *testing.T) {
	t.Parallel()

	log, c := newConflictFixture(t,
		"add field Timeout to Config struct",
		"add field Retries to Config struct",
		"internal/config/types.go")

	stage := NewTemplateStage(log, DefaultCatalog(), zap.NewNop())

	start := time.Now()
	outcome, err := stage.Attempt(context.Background(), c)
	latency := time.Since(start)

	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.True(t, outcome.Resolved)
	assert.Equal(t, conflict.MethodTemplate, outcome.Method)
	assert.GreaterOrEqual(t, outcome.Confidence, 0.9)
	assert.Less(t, latency, time.Millisecond, "template match must be sub-millisecond")
	assert.Equal(t, "additive-insertion", outcome.Detail)
}

func TestTemplateStage_NoMatchForDestructiveEdits(t *testing.T) {
	t.Parallel()

	log, c := newConflictFixture(t,
		"delete legacy handler",
		"rewrite handler dispatch",
		"internal/handler.go")

	stage := NewTemplateStage(log, DefaultCatalog(), zap.NewNop())
	outcome, err := stage.Attempt(context.Background(), c)
	require.NoError(t, err)
	assert.Nil(t, outcome)
}

type staticProvider struct {
	base, ours, theirs string
	err                error
}

func (p *staticProvider) Versions(_ context.Context, _ string) (string, string, string, error) {
	return p.base, p.ours, p.theirs, p.err
}

func TestStructuralStage_CleanMerge(t *testing.T) {
	t.Parallel()

	_, c := newConflictFixture(t, "edit", "edit", "f.go")
	stage := NewStructuralStage(&staticProvider{
		base: "a\nb", ours: "a\nb", theirs: "a\nb\nc",
	}, zap.NewNop())

	outcome, err := stage.Attempt(context.Background(), c)
	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.True(t, outcome.Resolved)
	assert.Equal(t, conflict.MethodStructural, outcome.Method)
	assert.GreaterOrEqual(t, outcome.Confidence, 0.5)
	assert.LessOrEqual(t, outcome.Confidence, 0.85)
}

func TestStructuralStage_NoProviderFailsFast(t *testing.T) {
	t.Parallel()

	_, c := newConflictFixture(t, "edit", "edit", "f.go")
	stage := NewStructuralStage(nil, zap.NewNop())

	_, err := stage.Attempt(context.Background(), c)
	require.ErrorIs(t, err, ErrNoContentProvider)
}

// fakeModel implements llms.Model with a canned response and optional delay.
type fakeModel struct {
	response string
	delay    time.Duration
	calls    int
}

func (m *fakeModel) GenerateContent(ctx context.Context, _ []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	m.calls++
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: m.response}},
	}, nil
}

func (m *fakeModel) Call(ctx context.Context, _ string, _ ...llms.CallOption) (string, error) {
	return m.response, nil
}

func TestSemanticStage_ResolveVerdict(t *testing.T) {
	t.Parallel()

	log, c := newConflictFixture(t, "refactor imports", "refactor exports", "f.go")
	stage := NewSemanticStage(&fakeModel{response: "RESOLVE 0.92"}, log, zap.NewNop())

	outcome, err := stage.Attempt(context.Background(), c)
	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.True(t, outcome.Resolved)
	assert.Equal(t, conflict.MethodSemantic, outcome.Method)
	assert.InDelta(t, 0.92, outcome.Confidence, 0.001)
}

func TestSemanticStage_ConfidenceClamped(t *testing.T) {
	t.Parallel()

	log, c := newConflictFixture(t, "edit", "edit", "f.go")

	stage := NewSemanticStage(&fakeModel{response: "RESOLVE 0.2"}, log, zap.NewNop())
	outcome, err := stage.Attempt(context.Background(), c)
	require.NoError(t, err)
	assert.InDelta(t, 0.85, outcome.Confidence, 0.001, "low confidence clamps up to the floor")

	stage = NewSemanticStage(&fakeModel{response: "RESOLVE 1.0"}, log, zap.NewNop())
	outcome, err = stage.Attempt(context.Background(), c)
	require.NoError(t, err)
	assert.InDelta(t, 0.97, outcome.Confidence, 0.001, "high confidence clamps down to the ceiling")
}

func TestSemanticStage_EscalateVerdict(t *testing.T) {
	t.Parallel()

	log, c := newConflictFixture(t, "edit", "edit", "f.go")
	stage := NewSemanticStage(&fakeModel{response: "ESCALATE"}, log, zap.NewNop())

	_, err := stage.Attempt(context.Background(), c)
	require.Error(t, err)
}

func TestSemanticStage_HardTimeout(t *testing.T) {
	t.Parallel()

	log, c := newConflictFixture(t, "edit", "edit", "f.go")
	stage := NewSemanticStage(
		&fakeModel{response: "RESOLVE 0.9", delay: 500 * time.Millisecond},
		log, zap.NewNop(),
		WithTimeout(50*time.Millisecond))

	start := time.Now()
	_, err := stage.Attempt(context.Background(), c)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Less(t, elapsed, 300*time.Millisecond, "timeout must bound stage latency")
}

func TestPipeline_TemplateWinsFirst(t *testing.T) {
	t.Parallel()

	log, c := newConflictFixture(t,
		"add helper to utils",
		"add test for helper",
		"utils.go")

	stages := DefaultStages(log, nil, nil, zap.NewNop())
	p := NewPipeline(stages, zap.NewNop())

	err := p.Resolve(context.Background(), c)
	require.NoError(t, err)
	assert.True(t, c.Resolved)
	assert.Equal(t, conflict.MethodTemplate, c.ResolutionMethod)
	assert.GreaterOrEqual(t, c.ResolutionConfidence, 0.9)

	attempts := p.Attempts()
	require.Len(t, attempts, 1, "pipeline stops at the first success")
	assert.Equal(t, "template", attempts[0].Stage)
	assert.True(t, attempts[0].Resolved)
}

func TestPipeline_FallsThroughToManual(t *testing.T) {
	t.Parallel()

	// Destructive commands: no template match; no content provider: the
	// structural stage fails; no model: the semantic stage is omitted.
	log, c := newConflictFixture(t,
		"delete module",
		"rewrite module",
		"m.go")

	stages := DefaultStages(log, nil, nil, zap.NewNop())
	p := NewPipeline(stages, zap.NewNop())

	err := p.Resolve(context.Background(), c)
	require.ErrorIs(t, err, ErrExhausted)

	assert.False(t, c.Resolved, "manual escalation is a terminal non-success")
	assert.Equal(t, conflict.MethodManual, c.ResolutionMethod)
	assert.Zero(t, c.ResolutionConfidence)

	// Every attempted stage recorded for analytics.
	attempts := p.Attempts()
	stagesSeen := make([]string, 0, len(attempts))
	for _, a := range attempts {
		stagesSeen = append(stagesSeen, a.Stage)
	}
	assert.Equal(t, []string{"template", "structural", "manual"}, stagesSeen)
}

func TestPipeline_SemanticResolvesAfterStructuralFails(t *testing.T) {
	t.Parallel()

	log, c := newConflictFixture(t,
		"delete legacy path",
		"restructure legacy path",
		"legacy.go")

	semantic := NewSemanticStage(&fakeModel{response: "RESOLVE 0.9"}, log, zap.NewNop())
	stages := DefaultStages(log, nil, semantic, zap.NewNop())
	p := NewPipeline(stages, zap.NewNop())

	err := p.Resolve(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, conflict.MethodSemantic, c.ResolutionMethod)
}

func TestPipeline_ResolvedConflictRejected(t *testing.T) {
	t.Parallel()

	log, c := newConflictFixture(t, "add", "add", "f.go")
	require.NoError(t, c.MarkResolved(conflict.MethodTemplate, 0, 0.97))

	p := NewPipeline(DefaultStages(log, nil, nil, zap.NewNop()), zap.NewNop())
	err := p.Resolve(context.Background(), c)
	require.ErrorIs(t, err, conflict.ErrAlreadyResolved)
}

func TestPipeline_TotalLatencyBounded(t *testing.T) {
	t.Parallel()

	log, c := newConflictFixture(t, "delete", "rewrite", "f.go")

	semantic := NewSemanticStage(
		&fakeModel{response: "RESOLVE 0.9", delay: 2 * time.Second},
		log, zap.NewNop(),
		WithTimeout(100*time.Millisecond))
	p := NewPipeline(DefaultStages(log, nil, semantic, zap.NewNop()), zap.NewNop())

	start := time.Now()
	err := p.Resolve(context.Background(), c)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrExhausted)
	assert.Less(t, elapsed, time.Second,
		"time to a terminal state is bounded by the stage timeout, not the model")
}

func TestParseVerdict(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in          string
		wantResolve bool
		wantConf    float64
		wantErr     bool
	}{
		{"RESOLVE 0.9", true, 0.9, false},
		{"resolve 0.88\nextra prose", true, 0.88, false},
		{"RESOLVE", true, 0.85, false},
		{"ESCALATE", false, 0, false},
		{"I think maybe", false, 0, true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q", tt.in), func(t *testing.T) {
			resolve, conf, err := parseVerdict(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantResolve, resolve)
			if tt.wantResolve {
				assert.InDelta(t, tt.wantConf, conf, 0.001)
			}
		})
	}
}
