package coordgraph

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/coordd/internal/oplog"
)

// Common errors for graph operations.
var (
	// ErrTipConflict indicates a tip-update race that persisted through the
	// internal retry budget. Callers may retry the registration.
	ErrTipConflict = errors.New("tip update conflict")
)

const (
	// DefaultDepthLimit bounds ancestry walks. Chains longer than this are
	// treated as unrelated, trading a small false-negative surface for a
	// hard latency bound.
	DefaultDepthLimit = 1000

	// tipRetries is the internal retry budget for tip CAS races before
	// ErrTipConflict is surfaced.
	tipRetries = 3
)

// Graph tracks each agent's tip and answers concurrency queries. Operation
// records live in the oplog; the graph holds only IDs.
type Graph struct {
	mu         sync.RWMutex
	log        *oplog.Log
	tipByAgent map[string]oplog.OperationID
	depthLimit int
	logger     *zap.Logger
}

// Option configures a Graph.
type Option func(*Graph)

// WithDepthLimit overrides the ancestry walk bound.
func WithDepthLimit(n int) Option {
	return func(g *Graph) {
		if n > 0 {
			g.depthLimit = n
		}
	}
}

// New creates a graph over the given operation log.
func New(log *oplog.Log, logger *zap.Logger, opts ...Option) *Graph {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Graph{
		log:        log,
		tipByAgent: make(map[string]oplog.OperationID),
		depthLimit: DefaultDepthLimit,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// RegisterRequest carries the caller-supplied fields of a new operation.
type RegisterRequest struct {
	AgentID   string
	SessionID string
	Type      oplog.OpType
	Resources []string
	Command   string
	Success   bool
	Duration  time.Duration
}

// RegisterOperation records a new operation for an agent. The agent's current
// tip becomes the operation's sole parent (empty parent set for the agent's
// first operation), the operation is appended to the log, and the tip
// advances to the new ID — all as one atomic step with respect to other
// registrations for the same agent.
//
// A tip observed before the append that changes before the tip advance is a
// race between two registrations for the same agent; it is retried a bounded
// number of times, then surfaced as ErrTipConflict.
func (g *Graph) RegisterOperation(ctx context.Context, req RegisterRequest) (*oplog.Operation, error) {
	var lastErr error
	for attempt := 0; attempt < tipRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		op, err := g.registerOnce(req)
		if err == nil {
			return op, nil
		}
		if !errors.Is(err, ErrTipConflict) {
			return nil, err
		}
		lastErr = err
		g.logger.Debug("tip conflict, retrying registration",
			zap.String("agent_id", req.AgentID),
			zap.Int("attempt", attempt+1))
	}
	return nil, fmt.Errorf("%w: agent %s after %d attempts", lastErr, req.AgentID, tipRetries)
}

// registerOnce performs one compare-and-swap attempt on the agent's tip slot.
func (g *Graph) registerOnce(req RegisterRequest) (*oplog.Operation, error) {
	g.mu.RLock()
	observedTip, hasTip := g.tipByAgent[req.AgentID]
	g.mu.RUnlock()

	op := &oplog.Operation{
		AgentID:   req.AgentID,
		SessionID: req.SessionID,
		Type:      req.Type,
		Resources: req.Resources,
		Command:   req.Command,
		Success:   req.Success,
		Duration:  req.Duration,
	}
	if hasTip {
		op.ParentIDs = []oplog.OperationID{observedTip}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	currentTip, stillHasTip := g.tipByAgent[req.AgentID]
	if stillHasTip != hasTip || currentTip != observedTip {
		return nil, ErrTipConflict
	}

	id, err := g.log.Append(op)
	if err != nil {
		return nil, err
	}
	g.tipByAgent[req.AgentID] = id
	return op, nil
}

// Tip returns the agent's current tip operation ID.
func (g *Graph) Tip(agentID string) (oplog.OperationID, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	id, ok := g.tipByAgent[agentID]
	return id, ok
}

// IsAncestor reports whether operation a is an ancestor of operation b,
// walking parent links from b. The walk is bounded by the configured depth
// limit; exceeding it reports false. An operation is not its own ancestor.
func (g *Graph) IsAncestor(a, b oplog.OperationID) bool {
	if a == b {
		return false
	}
	// IDs are monotonic: an ancestor always has a smaller ID.
	if a > b {
		return false
	}

	visited := make(map[oplog.OperationID]struct{})
	frontier := []oplog.OperationID{b}
	depth := 0

	for len(frontier) > 0 {
		if depth >= g.depthLimit {
			g.logger.Debug("ancestry walk hit depth limit, treating as unrelated",
				zap.Uint64("a", uint64(a)),
				zap.Uint64("b", uint64(b)),
				zap.Int("depth_limit", g.depthLimit))
			return false
		}
		depth++

		var next []oplog.OperationID
		for _, id := range frontier {
			op, err := g.log.Get(id)
			if err != nil {
				// Evicted history ends the walk along this path.
				continue
			}
			for _, parent := range op.ParentIDs {
				if parent == a {
					return true
				}
				if _, seen := visited[parent]; seen {
					continue
				}
				visited[parent] = struct{}{}
				if parent > a {
					next = append(next, parent)
				}
			}
		}
		frontier = next
	}
	return false
}

// Concurrent reports whether two operations are causally unrelated, i.e.
// neither is an ancestor of the other.
func (g *Graph) Concurrent(a, b oplog.OperationID) bool {
	if a == b {
		return false
	}
	return !g.IsAncestor(a, b) && !g.IsAncestor(b, a)
}

// RecentTips returns up to window tip operations from agents other than
// excludeAgent, most recent first. The window is bounded by operation count,
// not wall-clock time.
func (g *Graph) RecentTips(excludeAgent string, window int) []*oplog.Operation {
	if window <= 0 {
		return nil
	}

	g.mu.RLock()
	ids := make([]oplog.OperationID, 0, len(g.tipByAgent))
	for agent, id := range g.tipByAgent {
		if agent == excludeAgent {
			continue
		}
		ids = append(ids, id)
	}
	g.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
	if len(ids) > window {
		ids = ids[:window]
	}

	tips := make([]*oplog.Operation, 0, len(ids))
	for _, id := range ids {
		op, err := g.log.Get(id)
		if err != nil {
			continue
		}
		tips = append(tips, op)
	}
	return tips
}
