package conflict

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/coordd/internal/coordgraph"
	"github.com/fyrsmithlabs/coordd/internal/oplog"
)

const instrumentationName = "github.com/fyrsmithlabs/coordd/internal/conflict"

// DefaultWindow is the number of recent tips scanned per check when no
// explicit window is configured.
const DefaultWindow = 10

// Detector scans recent concurrent tips for resource overlap with a new
// operation. Checks are read-only over an eventually-consistent snapshot of
// tips: a registration racing with a check may be missed and is caught on
// the next operation's check.
type Detector struct {
	graph  *coordgraph.Graph
	log    *oplog.Log
	window int
	policy SeverityPolicy
	logger *zap.Logger

	conflictsDetected metric.Int64Counter
}

// Option configures a Detector.
type Option func(*Detector)

// WithWindow sets the recent-tip lookback size.
func WithWindow(n int) Option {
	return func(d *Detector) {
		if n > 0 {
			d.window = n
		}
	}
}

// WithSeverityPolicy overrides the default overlap-to-severity mapping.
func WithSeverityPolicy(p SeverityPolicy) Option {
	return func(d *Detector) {
		if p != nil {
			d.policy = p
		}
	}
}

// NewDetector creates a detector over the given graph and log.
func NewDetector(graph *coordgraph.Graph, log *oplog.Log, logger *zap.Logger, opts ...Option) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Detector{
		graph:  graph,
		log:    log,
		window: DefaultWindow,
		policy: DefaultSeverityPolicy,
		logger: logger,
	}
	for _, opt := range opts {
		opt(d)
	}

	meter := otel.Meter(instrumentationName)
	var err error
	d.conflictsDetected, err = meter.Int64Counter(
		"coordd.conflicts.detected_total",
		metric.WithDescription("Conflicts emitted by the detector, labeled by severity."),
		metric.WithUnit("{conflict}"),
	)
	if err != nil {
		logger.Warn("failed to create conflict counter", zap.Error(err))
	}

	return d
}

// Check compares op against the recent tips of other agents and emits one
// Conflict per concurrent tip whose resource set overlaps op's. Involved
// operations are pinned in the log until the conflict reaches a terminal
// state (see Release).
func (d *Detector) Check(ctx context.Context, op *oplog.Operation) []*Conflict {
	if op == nil || len(op.Resources) == 0 {
		return nil
	}

	var conflicts []*Conflict
	for _, tip := range d.graph.RecentTips(op.AgentID, d.window) {
		if !d.graph.Concurrent(op.ID, tip.ID) {
			continue
		}
		overlap := op.Overlap(tip)
		if len(overlap) == 0 {
			continue
		}

		c := newConflict(op, tip, overlap, d.policy(len(overlap)))
		d.log.Pin(op.ID)
		d.log.Pin(tip.ID)
		conflicts = append(conflicts, c)

		d.logger.Info("conflict detected",
			zap.String("conflict_id", c.ID),
			zap.String("agent_id", op.AgentID),
			zap.String("other_agent_id", tip.AgentID),
			zap.Strings("resources", overlap),
			zap.Int("severity", c.Severity))

		if d.conflictsDetected != nil {
			d.conflictsDetected.Add(ctx, 1,
				metric.WithAttributes(attribute.Int("severity", c.Severity)))
		}
	}
	return conflicts
}

// Release unpins the conflict's operations after it reaches a terminal
// state, making them evictable again.
func (d *Detector) Release(c *Conflict) {
	for _, id := range c.OperationIDs {
		d.log.Unpin(id)
	}
}
