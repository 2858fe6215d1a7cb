package resolution

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/coordd/internal/conflict"
	"github.com/fyrsmithlabs/coordd/internal/oplog"
)

const instrumentationName = "github.com/fyrsmithlabs/coordd/internal/resolution"

// Common errors for pipeline operations.
var (
	// ErrExhausted means every automated stage failed; the conflict was
	// escalated for manual resolution and remains unresolved.
	ErrExhausted = errors.New("resolution exhausted, manual escalation required")
)

// OpLookup resolves operation IDs to records. *oplog.Log satisfies it.
type OpLookup interface {
	Get(id oplog.OperationID) (*oplog.Operation, error)
}

// Outcome is one stage's verdict on a conflict.
type Outcome struct {
	// Method identifies the strategy that produced the outcome.
	Method conflict.Method

	// Confidence is the strategy's self-reported confidence, 0..1.
	Confidence float64

	// Resolved is true when the stage settled the conflict.
	Resolved bool

	// Detail carries strategy-specific context (matched pattern name,
	// merge summary, model verdict).
	Detail string
}

// Stage is one resolution strategy. Attempt returns a nil outcome or an
// error when the stage cannot settle the conflict; the pipeline then falls
// through to the next stage.
type Stage interface {
	Name() string
	Attempt(ctx context.Context, c *conflict.Conflict) (*Outcome, error)
}

// Attempt is the analytics record of one stage execution.
type Attempt struct {
	ConflictID string          `json:"conflict_id"`
	Stage      string          `json:"stage"`
	Method     conflict.Method `json:"method"`
	Latency    time.Duration   `json:"latency"`
	Confidence float64         `json:"confidence"`
	Resolved   bool            `json:"resolved"`
	Err        string          `json:"error,omitempty"`
	At         time.Time       `json:"at"`
}

// maxAttemptHistory bounds the in-memory analytics buffer.
const maxAttemptHistory = 1024

// Pipeline drives a conflict through the ordered stage list.
type Pipeline struct {
	stages []Stage
	logger *zap.Logger

	mu       sync.Mutex
	attempts []Attempt

	stageLatency metric.Float64Histogram
	resolutions  metric.Int64Counter
}

// NewPipeline creates a pipeline over the given ordered stages. The caller
// is expected to end the list with a ManualStage so every conflict reaches a
// terminal state.
func NewPipeline(stages []Stage, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{
		stages: stages,
		logger: logger,
	}

	meter := otel.Meter(instrumentationName)
	var err error
	p.stageLatency, err = meter.Float64Histogram(
		"coordd.resolution.stage_latency_seconds",
		metric.WithDescription("Per-stage resolution attempt latency, labeled by stage and success."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.001, 0.005, 0.013, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5),
	)
	if err != nil {
		logger.Warn("failed to create stage latency histogram", zap.Error(err))
	}
	p.resolutions, err = meter.Int64Counter(
		"coordd.resolution.terminal_total",
		metric.WithDescription("Conflicts reaching a terminal state, labeled by method."),
		metric.WithUnit("{conflict}"),
	)
	if err != nil {
		logger.Warn("failed to create resolution counter", zap.Error(err))
	}

	return p
}

// DefaultStages assembles the standard four-stage order. provider and model
// may be nil: a nil content provider disables the structural stage's merge
// (it fails fast), a nil semantic stage is simply omitted.
func DefaultStages(lookup OpLookup, provider ContentProvider, semantic *SemanticStage, logger *zap.Logger) []Stage {
	stages := []Stage{
		NewTemplateStage(lookup, DefaultCatalog(), logger),
		NewStructuralStage(provider, logger),
	}
	if semantic != nil {
		stages = append(stages, semantic)
	}
	stages = append(stages, NewManualStage())
	return stages
}

// Resolve runs the conflict through the stages, mutating it to a terminal
// state. Returns nil when an automated stage resolved the conflict, and
// ErrExhausted when the conflict was escalated for manual handling.
func (p *Pipeline) Resolve(ctx context.Context, c *conflict.Conflict) error {
	if c.Resolved {
		return conflict.ErrAlreadyResolved
	}

	start := time.Now()
	for _, stage := range p.stages {
		stageStart := time.Now()
		outcome, err := stage.Attempt(ctx, c)
		latency := time.Since(stageStart)

		p.record(c, stage.Name(), outcome, latency, err)

		if err != nil || outcome == nil {
			p.logger.Debug("resolution stage failed, falling through",
				zap.String("conflict_id", c.ID),
				zap.String("stage", stage.Name()),
				zap.Duration("latency", latency),
				zap.Error(err))
			continue
		}

		if outcome.Resolved {
			total := time.Since(start)
			if err := c.MarkResolved(outcome.Method, total, outcome.Confidence); err != nil {
				return err
			}
			p.logger.Info("conflict resolved",
				zap.String("conflict_id", c.ID),
				zap.String("method", string(outcome.Method)),
				zap.Float64("confidence", outcome.Confidence),
				zap.Duration("latency", total))
			p.countTerminal(ctx, outcome.Method)
			return nil
		}

		if outcome.Method == conflict.MethodManual {
			break
		}
	}

	c.MarkEscalated(time.Since(start))
	p.logger.Warn("conflict escalated for manual resolution",
		zap.String("conflict_id", c.ID),
		zap.Strings("resources", c.Resources),
		zap.Int("severity", c.Severity))
	p.countTerminal(ctx, conflict.MethodManual)
	return ErrExhausted
}

func (p *Pipeline) countTerminal(ctx context.Context, method conflict.Method) {
	if p.resolutions != nil {
		p.resolutions.Add(ctx, 1,
			metric.WithAttributes(attribute.String("method", string(method))))
	}
}

// record appends an analytics entry and emits the latency metric.
func (p *Pipeline) record(c *conflict.Conflict, stage string, outcome *Outcome, latency time.Duration, err error) {
	a := Attempt{
		ConflictID: c.ID,
		Stage:      stage,
		Method:     conflict.MethodNone,
		Latency:    latency,
		At:         time.Now(),
	}
	if outcome != nil {
		a.Method = outcome.Method
		a.Confidence = outcome.Confidence
		a.Resolved = outcome.Resolved
	}
	if err != nil {
		a.Err = err.Error()
	}

	p.mu.Lock()
	p.attempts = append(p.attempts, a)
	if len(p.attempts) > maxAttemptHistory {
		p.attempts = p.attempts[len(p.attempts)-maxAttemptHistory:]
	}
	p.mu.Unlock()

	if p.stageLatency != nil {
		p.stageLatency.Record(context.Background(), latency.Seconds(),
			metric.WithAttributes(
				attribute.String("stage", stage),
				attribute.Bool("resolved", a.Resolved)))
	}
}

// Attempts returns a copy of the recorded attempt history, oldest first.
func (p *Pipeline) Attempts() []Attempt {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Attempt, len(p.attempts))
	copy(out, p.attempts)
	return out
}
