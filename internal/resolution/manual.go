package resolution

import (
	"context"

	"github.com/fyrsmithlabs/coordd/internal/conflict"
)

// ManualStage is the terminal non-success strategy: it never resolves, it
// only marks the conflict for a human or higher-tier agent. It sits last in
// the stage order so every conflict reaches a terminal state.
type ManualStage struct{}

// NewManualStage creates the escalation stage.
func NewManualStage() *ManualStage { return &ManualStage{} }

func (s *ManualStage) Name() string { return "manual" }

func (s *ManualStage) Attempt(_ context.Context, _ *conflict.Conflict) (*Outcome, error) {
	return &Outcome{
		Method:   conflict.MethodManual,
		Resolved: false,
		Detail:   "all automated stages failed",
	}, nil
}
