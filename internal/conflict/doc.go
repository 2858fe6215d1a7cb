// Package conflict detects resource conflicts between concurrent agent
// operations.
//
// Two operations conflict when they come from different agents, neither is a
// causal ancestor of the other, and their resource sets intersect. Detection
// scans a bounded window of recent tips rather than all history: recall is
// traded for bounded latency, and a tip registered while a check is in
// flight is caught by the next check. Severity is a configurable policy over
// the overlap size.
package conflict
