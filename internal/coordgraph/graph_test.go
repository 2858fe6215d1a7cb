package coordgraph

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/coordd/internal/oplog"
)

func newTestGraph(t *testing.T, opts ...Option) (*Graph, *oplog.Log) {
	t.Helper()
	log := oplog.New(zap.NewNop())
	return New(log, zap.NewNop(), opts...), log
}

func register(t *testing.T, g *Graph, agent string, resources ...string) *oplog.Operation {
	t.Helper()
	op, err := g.RegisterOperation(context.Background(), RegisterRequest{
		AgentID:   agent,
		SessionID: "sess-" + agent,
		Type:      oplog.OpEdit,
		Resources: resources,
		Success:   true,
	})
	require.NoError(t, err)
	return op
}

func TestRegisterOperation_FirstOpHasNoParents(t *testing.T) {
	t.Parallel()

	g, _ := newTestGraph(t)

	first := register(t, g, "agent-a", "a.go")
	assert.Empty(t, first.ParentIDs, "first operation for an agent must have no parents")

	second := register(t, g, "agent-a", "b.go")
	require.Len(t, second.ParentIDs, 1)
	assert.Equal(t, first.ID, second.ParentIDs[0], "tip becomes the sole parent")

	tip, ok := g.Tip("agent-a")
	require.True(t, ok)
	assert.Equal(t, second.ID, tip)
}

func TestRegisterOperation_IndependentTipsPerAgent(t *testing.T) {
	t.Parallel()

	g, _ := newTestGraph(t)

	a := register(t, g, "agent-a", "a.go")
	b := register(t, g, "agent-b", "b.go")

	assert.Empty(t, a.ParentIDs)
	assert.Empty(t, b.ParentIDs, "another agent's tip must not become a parent")
}

func TestIsAncestor_Chain(t *testing.T) {
	t.Parallel()

	g, _ := newTestGraph(t)

	ops := make([]*oplog.Operation, 4)
	for i := range ops {
		ops[i] = register(t, g, "agent-a", fmt.Sprintf("f%d.go", i))
	}

	assert.True(t, g.IsAncestor(ops[0].ID, ops[3].ID))
	assert.True(t, g.IsAncestor(ops[2].ID, ops[3].ID))
	assert.False(t, g.IsAncestor(ops[3].ID, ops[0].ID), "descendant is not an ancestor")
	assert.False(t, g.IsAncestor(ops[1].ID, ops[1].ID), "operation is not its own ancestor")
}

func TestIsAncestor_CrossAgentUnrelated(t *testing.T) {
	t.Parallel()

	g, _ := newTestGraph(t)

	a := register(t, g, "agent-a", "a.go")
	b := register(t, g, "agent-b", "b.go")

	assert.False(t, g.IsAncestor(a.ID, b.ID))
	assert.False(t, g.IsAncestor(b.ID, a.ID))
	assert.True(t, g.Concurrent(a.ID, b.ID))
}

func TestIsAncestor_DepthLimitConservative(t *testing.T) {
	t.Parallel()

	g, _ := newTestGraph(t, WithDepthLimit(5))

	ops := make([]*oplog.Operation, 10)
	for i := range ops {
		ops[i] = register(t, g, "agent-a", fmt.Sprintf("f%d.go", i))
	}

	// Within the bound: found.
	assert.True(t, g.IsAncestor(ops[6].ID, ops[9].ID))
	// Beyond the bound: conservatively not an ancestor.
	assert.False(t, g.IsAncestor(ops[0].ID, ops[9].ID),
		"walks past the depth limit must report not-an-ancestor")
}

func TestRecentTips_ExcludesAgentAndBoundsWindow(t *testing.T) {
	t.Parallel()

	g, _ := newTestGraph(t)

	register(t, g, "agent-a", "a.go")
	for i := 0; i < 5; i++ {
		register(t, g, fmt.Sprintf("agent-%d", i), "x.go")
	}

	tips := g.RecentTips("agent-a", 3)
	require.Len(t, tips, 3)
	for _, tip := range tips {
		assert.NotEqual(t, "agent-a", tip.AgentID)
	}
	// Most recent first.
	for i := 1; i < len(tips); i++ {
		assert.Greater(t, tips[i-1].ID, tips[i].ID)
	}

	assert.Empty(t, g.RecentTips("agent-a", 0))
}

func TestRegisterOperation_ConcurrentSameAgentNeverDropsTipLink(t *testing.T) {
	t.Parallel()

	g, log := newTestGraph(t)

	const workers = 8
	const perWorker = 10

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				// Retries on tip races are internal; the call either
				// succeeds or reports ErrTipConflict, never a torn tip.
				_, _ = g.RegisterOperation(context.Background(), RegisterRequest{
					AgentID:   "agent-a",
					SessionID: "sess-1",
					Type:      oplog.OpEdit,
					Resources: []string{"shared.go"},
				})
			}
		}()
	}
	wg.Wait()

	// Every recorded operation except the first must have exactly one
	// parent, and the parent chain from the tip must reach the first
	// operation (no forks within one agent).
	ops := log.Query(oplog.QueryFilter{AgentID: "agent-a"})
	require.NotEmpty(t, ops)
	for i, op := range ops {
		if i == 0 {
			assert.Empty(t, op.ParentIDs)
			continue
		}
		require.Len(t, op.ParentIDs, 1, "op %d", op.ID)
		assert.Equal(t, ops[i-1].ID, op.ParentIDs[0],
			"same-agent operations must form a single chain")
	}

	tip, ok := g.Tip("agent-a")
	require.True(t, ok)
	assert.Equal(t, ops[len(ops)-1].ID, tip)
}

func TestRegisterOperation_ValidationPropagates(t *testing.T) {
	t.Parallel()

	g, _ := newTestGraph(t)

	_, err := g.RegisterOperation(context.Background(), RegisterRequest{
		AgentID:   "agent-a",
		SessionID: "sess-1",
		Type:      oplog.OpEdit,
		// no resources
	})
	require.ErrorIs(t, err, oplog.ErrEmptyResources)

	_, ok := g.Tip("agent-a")
	assert.False(t, ok, "failed registration must not advance the tip")
}
