// Package coordgraph maintains the causal DAG over agent operations.
//
// The graph is an arena of operations keyed by monotonically increasing log
// IDs plus a tipByAgent index: each agent's most recent operation becomes the
// sole parent of its next one. Ancestry queries walk parent links through the
// operation log and are depth-bounded; a walk that exceeds the bound
// conservatively reports "not an ancestor".
package coordgraph
