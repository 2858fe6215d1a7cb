package oplog

import (
	"errors"
	"time"
)

// Common errors for operation log operations.
var (
	ErrEmptyResources   = errors.New("operation resources cannot be empty")
	ErrMissingAgentID   = errors.New("operation agent ID cannot be empty")
	ErrMissingSessionID = errors.New("operation session ID cannot be empty")
	ErrNotFound         = errors.New("operation not found")
	ErrStorage          = errors.New("operation storage failure")
)

// OperationID is a monotonically increasing log identifier. IDs are assigned
// by Append and never reused, so they double as an insertion-order clock.
type OperationID uint64

// OpType classifies what an agent did to the workspace.
type OpType string

const (
	OpEdit   OpType = "edit"
	OpCommit OpType = "commit"
	OpBranch OpType = "branch"
	OpMerge  OpType = "merge"
	OpReview OpType = "review"
)

// Operation is a single recorded agent action. Operations are immutable once
// appended; the log evicts them but never rewrites them.
type Operation struct {
	// ID is assigned by the log on append.
	ID OperationID `json:"id"`

	// ParentIDs is the causal parent set. Empty only for the first operation
	// ever registered for an agent.
	ParentIDs []OperationID `json:"parent_ids,omitempty"`

	// AgentID identifies the agent that performed the operation.
	AgentID string `json:"agent_id"`

	// SessionID links the operation to the session it was recorded in.
	SessionID string `json:"session_id"`

	// Timestamp is when the operation was appended.
	Timestamp time.Time `json:"timestamp"`

	// Type is the operation classification (edit, commit, ...).
	Type OpType `json:"type"`

	// Resources are the workspace resources the operation touched,
	// typically file paths. Never empty.
	Resources []string `json:"resources"`

	// Command is the command or free-form description of the action.
	Command string `json:"command,omitempty"`

	// Success records whether the agent reported the action as successful.
	Success bool `json:"success"`

	// Duration is how long the action took on the agent side.
	Duration time.Duration `json:"duration_ms"`
}

// Touches reports whether the operation touched the given resource.
func (o *Operation) Touches(resource string) bool {
	for _, r := range o.Resources {
		if r == resource {
			return true
		}
	}
	return false
}

// Overlap returns the intersection of the two operations' resource sets,
// preserving the receiver's ordering.
func (o *Operation) Overlap(other *Operation) []string {
	if other == nil {
		return nil
	}
	var out []string
	for _, r := range o.Resources {
		if other.Touches(r) {
			out = append(out, r)
		}
	}
	return out
}

// validate checks the append preconditions from the log contract.
func (o *Operation) validate() error {
	if o.AgentID == "" {
		return ErrMissingAgentID
	}
	if o.SessionID == "" {
		return ErrMissingSessionID
	}
	if len(o.Resources) == 0 {
		return ErrEmptyResources
	}
	return nil
}
