// Package logging provides structured, context-aware logging for coordd.
//
// It wraps zap with methods that pull correlation fields (trace IDs, agent
// and session identity) out of the context, and can tee log output to an
// OpenTelemetry log provider alongside stdout.
package logging
