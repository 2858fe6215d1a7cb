package conflict

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/coordd/internal/oplog"
)

// Common errors for conflict records.
var (
	ErrAlreadyResolved = errors.New("conflict already resolved")
)

// Method identifies which resolution strategy settled a conflict.
type Method string

const (
	MethodNone       Method = "none"
	MethodTemplate   Method = "template"
	MethodStructural Method = "structural"
	MethodSemantic   Method = "semantic"
	MethodManual     Method = "manual"
)

// Severity ranks a conflict's impact.
const (
	SeverityTrivial = 1
	SeverityMinor   = 2
	SeveritySevere  = 3
)

// Conflict records a resource overlap between concurrent operations.
// Resolution fields are mutated only by the resolution pipeline; once
// Resolved is true the record is terminal and never transitions back.
type Conflict struct {
	// ID is a unique conflict identifier (UUID).
	ID string `json:"id"`

	// OperationIDs are the involved operations, at least two.
	OperationIDs []oplog.OperationID `json:"operation_ids"`

	// AgentIDs are the owners of the involved operations.
	AgentIDs []string `json:"agent_ids"`

	// Resources is the overlap of the involved operations' resource sets.
	Resources []string `json:"resources"`

	// Severity is the policy-assigned ordinal impact rank.
	Severity int `json:"severity"`

	// ResolutionMethod is the strategy that settled the conflict, or
	// MethodNone while it is pending.
	ResolutionMethod Method `json:"resolution_method"`

	// ResolutionLatency is the total time the pipeline spent reaching a
	// terminal state.
	ResolutionLatency time.Duration `json:"resolution_latency_ms"`

	// ResolutionConfidence is the winning strategy's confidence, 0..1.
	ResolutionConfidence float64 `json:"resolution_confidence"`

	// Resolved marks the record terminal.
	Resolved bool `json:"resolved"`

	// DetectedAt is when the detector emitted the record.
	DetectedAt time.Time `json:"detected_at"`
}

// newConflict builds a pending conflict between two operations.
func newConflict(a, b *oplog.Operation, overlap []string, severity int) *Conflict {
	return &Conflict{
		ID:               uuid.New().String(),
		OperationIDs:     []oplog.OperationID{a.ID, b.ID},
		AgentIDs:         []string{a.AgentID, b.AgentID},
		Resources:        overlap,
		Severity:         severity,
		ResolutionMethod: MethodNone,
		DetectedAt:       time.Now(),
	}
}

// MarkResolved freezes the record with the winning strategy's outcome.
// Returns ErrAlreadyResolved if the record is already terminal.
func (c *Conflict) MarkResolved(method Method, latency time.Duration, confidence float64) error {
	if c.Resolved {
		return ErrAlreadyResolved
	}
	c.ResolutionMethod = method
	c.ResolutionLatency = latency
	c.ResolutionConfidence = confidence
	c.Resolved = true
	return nil
}

// MarkEscalated records a terminal non-success outcome: all automated
// strategies failed and a human or higher-tier agent must intervene. The
// record stays unresolved.
func (c *Conflict) MarkEscalated(latency time.Duration) {
	if c.Resolved {
		return
	}
	c.ResolutionMethod = MethodManual
	c.ResolutionLatency = latency
	c.ResolutionConfidence = 0
}

// SeverityPolicy maps an overlap size to a severity rank. The thresholds in
// the default policy are heuristic, so deployments can swap the policy
// without touching detection.
type SeverityPolicy func(overlapSize int) int

// DefaultSeverityPolicy: a single shared resource is a minor conflict
// (sequential execution recommended); more than one is severe (manual
// resolution recommended).
func DefaultSeverityPolicy(overlapSize int) int {
	if overlapSize > 1 {
		return SeveritySevere
	}
	return SeverityMinor
}
