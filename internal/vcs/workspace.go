// Package vcs adapts the version control system under the coordinated
// workspace. The coordination layer never shells into the VCS directly; it
// goes through the Workspace interface so the daemon stays VCS-agnostic.
package vcs

import (
	"context"
	"time"
)

// Result is the outcome of a raw VCS command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// OperationRef identifies a recorded VCS operation.
type OperationRef struct {
	CommitID  string
	Branch    string
	Message   string
	Timestamp time.Time
}

// NativeConflict is a merge conflict recorded by the VCS itself, as opposed
// to the coordination-level conflicts the detector derives.
type NativeConflict struct {
	Resource string
	Stages   []int
}

// Workspace is the narrow surface the coordination layer needs from the
// underlying VCS.
type Workspace interface {
	// Execute runs a raw VCS command in the workspace.
	Execute(ctx context.Context, args []string) (*Result, error)

	// Describe records the workspace's staged state as an operation with
	// the given message.
	Describe(ctx context.Context, message string) (*OperationRef, error)

	// NativeConflicts lists merge conflicts the VCS is currently tracking.
	NativeConflicts(ctx context.Context) ([]NativeConflict, error)

	// Versions returns the three versions of a resource used for a
	// three-way merge: the committed base, the staged content, and the
	// working copy. Missing versions come back empty.
	Versions(ctx context.Context, resource string) (base, ours, theirs string, err error)
}
