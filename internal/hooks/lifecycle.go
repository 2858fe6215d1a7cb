package hooks

import (
	"context"
	"crypto/mlkem"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/coordd/internal/conflict"
	"github.com/fyrsmithlabs/coordd/internal/coordgraph"
	"github.com/fyrsmithlabs/coordd/internal/oplog"
	"github.com/fyrsmithlabs/coordd/internal/resolution"
	"github.com/fyrsmithlabs/coordd/internal/trajectory"
)

// Common errors for lifecycle transitions.
var (
	ErrNoActiveSession = errors.New("no active session")
	ErrSessionActive   = errors.New("session already active")
)

// State is the lifecycle position. Idle is both initial and terminal for
// each session cycle.
type State string

const (
	StateIdle   State = "idle"
	StateActive State = "active"
)

// EventType classifies lifecycle events.
type EventType string

const (
	EventSessionStarted   EventType = "session_started"
	EventConflictNotified EventType = "conflict_notified"
)

// Event is the result of a lifecycle notification.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	AgentID   string    `json:"agent_id"`
	Timestamp time.Time `json:"timestamp"`
	Detail    string    `json:"detail,omitempty"`
}

// Session is the agent-local state of one task cycle. Created by OnPreTask,
// closed by OnPostTask.
type Session struct {
	SessionID    string              `json:"session_id"`
	AgentID      string              `json:"agent_id"`
	Task         string              `json:"task"`
	StartedAt    time.Time           `json:"started_at"`
	OperationIDs []oplog.OperationID `json:"operation_ids"`
}

// Config holds lifecycle tunables.
type Config struct {
	// SessionTimeout is the idle span after which an active session may be
	// abandoned. Zero disables abandonment.
	SessionTimeout time.Duration

	// EnableTrajectorySync controls whether OnPostTask ships an encrypted
	// trajectory. Encryption must also be enabled via EnableEncryption.
	EnableTrajectorySync bool
}

// abandonedScore is the forced success score for abandoned sessions.
const abandonedScore = 0.1

// Lifecycle is the hook state machine for one agent. Shared coordination
// state (log, graph, conflicts) lives behind the injected components; the
// session state here is agent-local.
type Lifecycle struct {
	mu       sync.Mutex
	state    State
	session  *Session
	pending  []*conflict.Conflict
	graph    *coordgraph.Graph
	detector *conflict.Detector
	pipeline *resolution.Pipeline
	store    *trajectory.Store
	log      *oplog.Log
	cfg      Config
	logger   *zap.Logger

	encPub *mlkem.EncapsulationKey768
	encSec *mlkem.DecapsulationKey768
}

// NewLifecycle wires the hook state machine over the coordination
// components.
func NewLifecycle(graph *coordgraph.Graph, detector *conflict.Detector, pipeline *resolution.Pipeline, store *trajectory.Store, log *oplog.Log, cfg Config, logger *zap.Logger) *Lifecycle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lifecycle{
		state:    StateIdle,
		graph:    graph,
		detector: detector,
		pipeline: pipeline,
		store:    store,
		log:      log,
		cfg:      cfg,
		logger:   logger,
	}
}

// State returns the current lifecycle state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// EnableEncryption installs the key pair used for trajectory writes. The
// secret key is retained only to serve explicit decrypt requests; it is
// never cached across EnableEncryption calls, so key rotation is simply
// enabling a new pair.
func (l *Lifecycle) EnableEncryption(sec *mlkem.DecapsulationKey768, pub *mlkem.EncapsulationKey768) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.encSec = sec
	l.encPub = pub
}

// DisableEncryption drops the installed key material. Trajectory sync stops
// until a new pair is enabled.
func (l *Lifecycle) DisableEncryption() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.encSec = nil
	l.encPub = nil
}

// OnPreTask opens a session and moves the lifecycle to Active.
func (l *Lifecycle) OnPreTask(ctx context.Context, agentID, sessionID, description string) (*Event, error) {
	if agentID == "" {
		return nil, fmt.Errorf("%w: agent ID required", oplog.ErrMissingAgentID)
	}
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session ID required", oplog.ErrMissingSessionID)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != StateIdle {
		return nil, fmt.Errorf("%w: session %s", ErrSessionActive, l.session.SessionID)
	}

	l.session = &Session{
		SessionID: sessionID,
		AgentID:   agentID,
		Task:      description,
		StartedAt: time.Now(),
	}
	l.state = StateActive
	l.pending = nil

	l.logger.Info("session started",
		zap.String("session_id", sessionID),
		zap.String("agent_id", agentID),
		zap.String("task", description))

	return &Event{
		ID:        uuid.New().String(),
		Type:      EventSessionStarted,
		SessionID: sessionID,
		AgentID:   agentID,
		Timestamp: time.Now(),
		Detail:    description,
	}, nil
}

// OnPostEdit records an edit operation, checks it for conflicts and runs
// any conflicts through the resolution pipeline. The registration is
// fail-hard; detection and resolution failures are logged and swallowed.
// The lifecycle stays Active.
func (l *Lifecycle) OnPostEdit(ctx context.Context, file, description string) (*oplog.Operation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != StateActive {
		return nil, ErrNoActiveSession
	}

	op, err := l.graph.RegisterOperation(ctx, coordgraph.RegisterRequest{
		AgentID:   l.session.AgentID,
		SessionID: l.session.SessionID,
		Type:      oplog.OpEdit,
		Resources: []string{file},
		Command:   description,
		Success:   true,
	})
	if err != nil {
		// Core bookkeeping failure: downstream detection depends on the
		// append, so this propagates.
		return nil, fmt.Errorf("registering operation: %w", err)
	}
	l.session.OperationIDs = append(l.session.OperationIDs, op.ID)

	l.resolveConflicts(ctx, op)
	return op, nil
}

// resolveConflicts is the fail-soft detection and resolution path.
func (l *Lifecycle) resolveConflicts(ctx context.Context, op *oplog.Operation) {
	conflicts := l.detector.Check(ctx, op)
	for _, c := range conflicts {
		if l.pipeline == nil {
			l.pending = append(l.pending, c)
			continue
		}
		if err := l.pipeline.Resolve(ctx, c); err != nil {
			l.logger.Warn("conflict unresolved, queued for manual handling",
				zap.String("conflict_id", c.ID),
				zap.Error(err))
			l.pending = append(l.pending, c)
			continue
		}
		// Terminal success: involved operations become evictable.
		l.detector.Release(c)
	}
}

// OnConflictDetected surfaces a conflict notification to the calling agent.
// This is an awareness path orthogonal to resolution; the state stays
// Active.
func (l *Lifecycle) OnConflictDetected(ctx context.Context, resources []string) (*Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != StateActive {
		return nil, ErrNoActiveSession
	}

	l.logger.Warn("conflict surfaced to agent",
		zap.String("session_id", l.session.SessionID),
		zap.Strings("resources", resources))

	return &Event{
		ID:        uuid.New().String(),
		Type:      EventConflictNotified,
		SessionID: l.session.SessionID,
		AgentID:   l.session.AgentID,
		Timestamp: time.Now(),
		Detail:    fmt.Sprintf("%d contested resource(s)", len(resources)),
	}, nil
}

// OnPostTask closes the session: it gathers the session's operations,
// ships an encrypted trajectory when enabled, clears session state and
// returns to Idle. Calling it without a prior OnPreTask is a validation
// error.
func (l *Lifecycle) OnPostTask(ctx context.Context) ([]oplog.Operation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != StateActive {
		return nil, ErrNoActiveSession
	}
	return l.closeSessionLocked(ctx, false), nil
}

// Abandon force-closes an expired session. The trajectory is written with a
// forced-low success score and marked abandoned; partial operations remain
// valid in the log. Returns false when the session is still within its
// timeout or no session is active.
func (l *Lifecycle) Abandon(ctx context.Context) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != StateActive || l.cfg.SessionTimeout <= 0 {
		return false
	}
	if time.Since(l.session.StartedAt) < l.cfg.SessionTimeout {
		return false
	}

	l.logger.Warn("abandoning expired session",
		zap.String("session_id", l.session.SessionID),
		zap.Duration("timeout", l.cfg.SessionTimeout))
	l.closeSessionLocked(ctx, true)
	return true
}

// closeSessionLocked gathers operations, optionally ships a trajectory and
// resets to Idle. Caller holds l.mu.
func (l *Lifecycle) closeSessionLocked(ctx context.Context, abandoned bool) []oplog.Operation {
	session := l.session
	ops := l.sessionOperationsLocked()

	if l.cfg.EnableTrajectorySync && l.store != nil && l.encPub != nil {
		summary := buildSummary(session, ops, abandoned)
		if _, err := l.store.EncryptAndAppend(ctx, summary, l.encPub); err != nil {
			// Fail-soft: losing an episode must not fail the agent's task.
			l.logger.Error("trajectory sync failed",
				zap.String("session_id", session.SessionID),
				zap.Error(err))
		}
	}

	l.session = nil
	l.state = StateIdle

	l.logger.Info("session closed",
		zap.String("session_id", session.SessionID),
		zap.Int("operations", len(ops)),
		zap.Bool("abandoned", abandoned))
	return ops
}

// buildSummary condenses a closed session into the trajectory payload.
func buildSummary(session *Session, ops []oplog.Operation, abandoned bool) *trajectory.SessionSummary {
	succeeded := 0
	resources := make(map[string]struct{})
	for _, op := range ops {
		if op.Success {
			succeeded++
		}
		for _, r := range op.Resources {
			resources[r] = struct{}{}
		}
	}

	score := 0.0
	if len(ops) > 0 {
		score = float64(succeeded) / float64(len(ops))
	}
	if abandoned && score > abandonedScore {
		score = abandonedScore
	}

	task := session.Task
	if task == "" {
		task = "(unspecified task)"
	}

	return &trajectory.SessionSummary{
		SessionID:     session.SessionID,
		AgentID:       session.AgentID,
		Task:          task,
		InputSummary:  fmt.Sprintf("%d resource(s) in scope", len(resources)),
		OutputSummary: fmt.Sprintf("%d operation(s), %d successful", len(ops), succeeded),
		SuccessScore:  score,
		Reward:        score,
		Abandoned:     abandoned,
		Operations:    ops,
	}
}

// GetSessionOperations returns the active session's operations in
// registration order.
func (l *Lifecycle) GetSessionOperations() ([]oplog.Operation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != StateActive {
		return nil, ErrNoActiveSession
	}
	return l.sessionOperationsLocked(), nil
}

// sessionOperationsLocked resolves the session's operation IDs against the
// log. Caller holds l.mu.
func (l *Lifecycle) sessionOperationsLocked() []oplog.Operation {
	ops := make([]oplog.Operation, 0, len(l.session.OperationIDs))
	for _, id := range l.session.OperationIDs {
		op, err := l.log.Get(id)
		if err != nil {
			// Evicted mid-session; skip rather than fail the close.
			continue
		}
		ops = append(ops, *op)
	}
	return ops
}

// PendingConflicts returns conflicts awaiting manual resolution.
func (l *Lifecycle) PendingConflicts() []*conflict.Conflict {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*conflict.Conflict, len(l.pending))
	copy(out, l.pending)
	return out
}

// QueryTrajectories searches the plaintext trajectory index.
func (l *Lifecycle) QueryTrajectories(keyword string, limit int) []trajectory.Trajectory {
	if l.store == nil {
		return nil
	}
	return l.store.QueryByKeyword(keyword, limit)
}

// DecryptTrajectory decrypts a stored episode with the enabled secret key.
func (l *Lifecycle) DecryptTrajectory(ctx context.Context, id string) (*trajectory.SessionSummary, error) {
	l.mu.Lock()
	sec := l.encSec
	l.mu.Unlock()

	if l.store == nil || sec == nil {
		return nil, trajectory.ErrNilKey
	}
	return l.store.Decrypt(ctx, id, sec)
}
