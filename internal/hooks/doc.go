// Package hooks drives the coordination components from an agent
// framework's lifecycle callbacks.
//
// A Lifecycle is an explicit state machine: Idle until OnPreTask opens a
// session, Active while OnPostEdit registers operations and surfaces
// conflicts, back to Idle when OnPostTask gathers the session's operations
// and ships an encrypted trajectory. Each call is synchronous relative to
// its caller; there is no hidden background execution. One Lifecycle handles
// many sequential session cycles.
//
// Hooks are fail-soft relative to the agent's primary edit: conflict
// detection or trajectory failures are logged and do not abort the caller's
// work. Operation log appends are the exception — downstream detection
// depends on them, so their failures propagate.
package hooks
