// Package resolution runs detected conflicts through a staged pipeline
// ordered by speed and confidence.
//
// Stages are tried strictly in order, stopping at the first terminal
// outcome: template match (sub-millisecond, high confidence), structural
// three-way merge (milliseconds, medium confidence), semantic resolution via
// an LLM behind a hard timeout, and finally manual escalation. Every attempt
// is recorded for analytics regardless of outcome so stage ordering can be
// tuned per conflict signature later.
package resolution
