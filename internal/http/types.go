package http

import (
	"time"

	"github.com/fyrsmithlabs/coordd/internal/conflict"
	"github.com/fyrsmithlabs/coordd/internal/oplog"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
	State  string `json:"state"`
}

// PreTaskRequest is the request body for POST /api/v1/hooks/pre-task.
type PreTaskRequest struct {
	AgentID   string `json:"agent_id"`
	SessionID string `json:"session_id"`
	Task      string `json:"task"`
}

// PostEditRequest is the request body for POST /api/v1/hooks/post-edit.
type PostEditRequest struct {
	Resource string `json:"resource"`
	Command  string `json:"command"`
}

// ConflictNotifyRequest is the request body for POST /api/v1/hooks/conflict.
type ConflictNotifyRequest struct {
	Resources []string `json:"resources"`
}

// EventResponse reports a lifecycle event.
type EventResponse struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
}

// OperationResponse is the response body for POST /api/v1/hooks/post-edit.
type OperationResponse struct {
	Operation oplog.Operation `json:"operation"`
	Pending   int             `json:"pending_conflicts"`
}

// OperationsQuery holds the query parameters for GET /api/v1/operations.
type OperationsQuery struct {
	AgentID string `query:"agent"`
	SinceID uint64 `query:"since"`
	Limit   int    `query:"limit"`
}

// OperationsResponse lists operations from the log.
type OperationsResponse struct {
	Operations []oplog.Operation `json:"operations"`
	Count      int               `json:"count"`
}

// ConflictsResponse lists conflicts awaiting manual resolution.
type ConflictsResponse struct {
	Conflicts []*conflict.Conflict `json:"conflicts"`
	Count     int                  `json:"count"`
}

// TrajectoriesQuery holds the query parameters for GET /api/v1/trajectories.
type TrajectoriesQuery struct {
	Keyword string `query:"q"`
	Limit   int    `query:"limit"`
}

// TrajectoryMeta is the plaintext metadata of a stored trajectory. The
// encrypted payload is never exposed over the API.
type TrajectoryMeta struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	AgentID      string    `json:"agent_id"`
	Task         string    `json:"task"`
	SuccessScore float64   `json:"success_score"`
	Timestamp    time.Time `json:"timestamp"`
}

// TrajectoriesResponse lists trajectory metadata.
type TrajectoriesResponse struct {
	Trajectories []TrajectoryMeta `json:"trajectories"`
	Count        int              `json:"count"`
}
