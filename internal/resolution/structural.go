package resolution

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/coordd/internal/conflict"
)

// Common errors for the structural stage.
var (
	ErrNoContentProvider = errors.New("no content provider configured")
	ErrMergeConflict     = errors.New("overlapping changes, structural merge not possible")
)

// ContentProvider supplies the three versions of a conflicted resource: the
// common base and each side's current content. The VCS adapter implements
// this.
type ContentProvider interface {
	Versions(ctx context.Context, resource string) (base, ours, theirs string, err error)
}

// StructuralStage attempts a lightweight, line-based three-way merge of each
// conflicted resource. It succeeds only when the two sides' changes do not
// overlap, so it never invents content.
type StructuralStage struct {
	provider ContentProvider
	logger   *zap.Logger
}

// NewStructuralStage creates the structural merge stage. A nil provider
// makes the stage fail fast on every attempt.
func NewStructuralStage(provider ContentProvider, logger *zap.Logger) *StructuralStage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StructuralStage{provider: provider, logger: logger}
}

func (s *StructuralStage) Name() string { return "structural" }

// Attempt merges every conflicted resource; all must merge cleanly. The
// reported confidence is the lowest per-resource confidence, which shrinks
// with the size of the merged change.
func (s *StructuralStage) Attempt(ctx context.Context, c *conflict.Conflict) (*Outcome, error) {
	if s.provider == nil {
		return nil, ErrNoContentProvider
	}

	confidence := 1.0
	for _, resource := range c.Resources {
		base, ours, theirs, err := s.provider.Versions(ctx, resource)
		if err != nil {
			return nil, fmt.Errorf("fetching versions of %s: %w", resource, err)
		}
		_, conf, err := threeWayMerge(base, ours, theirs)
		if err != nil {
			return nil, fmt.Errorf("merging %s: %w", resource, err)
		}
		if conf < confidence {
			confidence = conf
		}
	}

	return &Outcome{
		Method:     conflict.MethodStructural,
		Confidence: confidence,
		Resolved:   true,
		Detail:     fmt.Sprintf("clean three-way merge of %d resource(s)", len(c.Resources)),
	}, nil
}

// threeWayMerge merges two descendants of base line-by-line. It trims the
// common prefix and suffix shared by all three versions; the merge succeeds
// when at most one side changed the remaining middle section. Confidence
// starts at 0.85 and decays toward 0.5 as the changed region grows relative
// to the file.
func threeWayMerge(base, ours, theirs string) (string, float64, error) {
	// Degenerate cases first.
	if ours == theirs {
		return ours, 0.85, nil
	}
	if ours == base {
		return theirs, mergeConfidence(base, theirs), nil
	}
	if theirs == base {
		return ours, mergeConfidence(base, ours), nil
	}

	baseLines := splitLines(base)
	ourLines := splitLines(ours)
	theirLines := splitLines(theirs)

	prefix := commonPrefix(baseLines, ourLines, theirLines)
	suffix := commonSuffix(baseLines, ourLines, theirLines, prefix)

	baseMid := baseLines[prefix : len(baseLines)-suffix]
	ourMid := ourLines[prefix : len(ourLines)-suffix]
	theirMid := theirLines[prefix : len(theirLines)-suffix]

	var mergedMid []string
	switch {
	case equalLines(ourMid, baseMid):
		mergedMid = theirMid
	case equalLines(theirMid, baseMid):
		mergedMid = ourMid
	case equalLines(ourMid, theirMid):
		mergedMid = ourMid
	default:
		// Both sides changed the same region.
		return "", 0, ErrMergeConflict
	}

	merged := make([]string, 0, prefix+len(mergedMid)+suffix)
	merged = append(merged, ourLines[:prefix]...)
	merged = append(merged, mergedMid...)
	merged = append(merged, ourLines[len(ourLines)-suffix:]...)

	out := strings.Join(merged, "\n")
	conf := 0.85 - 0.35*changedRatio(len(baseLines), len(mergedMid))
	if conf < 0.5 {
		conf = 0.5
	}
	return out, conf, nil
}

func mergeConfidence(base, changed string) float64 {
	baseLines := len(splitLines(base))
	changedLines := len(splitLines(changed))
	delta := changedLines - baseLines
	if delta < 0 {
		delta = -delta
	}
	conf := 0.85 - 0.35*changedRatio(baseLines, delta)
	if conf < 0.5 {
		conf = 0.5
	}
	return conf
}

// changedRatio is the fraction of the file the change touches, clamped to 1.
func changedRatio(total, changed int) float64 {
	if total <= 0 {
		return 1
	}
	r := float64(changed) / float64(total)
	if r > 1 {
		return 1
	}
	return r
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// commonPrefix counts the leading lines shared by all three versions.
func commonPrefix(a, b, c []string) int {
	n := 0
	for n < len(a) && n < len(b) && n < len(c) && a[n] == b[n] && a[n] == c[n] {
		n++
	}
	return n
}

// commonSuffix counts trailing lines shared by all three versions without
// overlapping the prefix.
func commonSuffix(a, b, c []string, prefix int) int {
	n := 0
	for n < len(a)-prefix && n < len(b)-prefix && n < len(c)-prefix &&
		a[len(a)-1-n] == b[len(b)-1-n] && a[len(a)-1-n] == c[len(c)-1-n] {
		n++
	}
	return n
}

func equalLines(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
