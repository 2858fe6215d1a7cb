package resolution

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/coordd/internal/conflict"
)

const (
	// DefaultSemanticTimeout bounds one model call. Exceeding it counts as
	// a failed attempt and control falls through to manual escalation.
	DefaultSemanticTimeout = time.Second

	// Confidence bounds for model verdicts. Out-of-range model output is
	// clamped rather than trusted.
	semanticMinConfidence = 0.85
	semanticMaxConfidence = 0.97

	defaultSemanticRate  = 2 // calls per second
	defaultSemanticBurst = 4
)

// SemanticStage delegates a conflict to an external reasoning model. The
// model is asked for a single-line verdict; anything else, any error, and
// any timeout means the stage fails and the pipeline falls through.
type SemanticStage struct {
	model   llms.Model
	lookup  OpLookup
	timeout time.Duration
	limiter *rate.Limiter
	logger  *zap.Logger
}

// SemanticOption configures a SemanticStage.
type SemanticOption func(*SemanticStage)

// WithTimeout overrides the hard per-call timeout.
func WithTimeout(d time.Duration) SemanticOption {
	return func(s *SemanticStage) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithLimiter overrides the default rate limiter.
func WithLimiter(l *rate.Limiter) SemanticOption {
	return func(s *SemanticStage) {
		if l != nil {
			s.limiter = l
		}
	}
}

// NewSemanticStage creates the LLM-fallback stage.
func NewSemanticStage(model llms.Model, lookup OpLookup, logger *zap.Logger, opts ...SemanticOption) *SemanticStage {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &SemanticStage{
		model:   model,
		lookup:  lookup,
		timeout: DefaultSemanticTimeout,
		limiter: rate.NewLimiter(rate.Limit(defaultSemanticRate), defaultSemanticBurst),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SemanticStage) Name() string { return "semantic" }

// Attempt asks the model for a verdict under a hard timeout.
func (s *SemanticStage) Attempt(ctx context.Context, c *conflict.Conflict) (*Outcome, error) {
	if s.model == nil {
		return nil, fmt.Errorf("no model configured")
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	resp, err := llms.GenerateFromSinglePrompt(ctx, s.model, s.buildPrompt(c),
		llms.WithTemperature(0.2))
	if err != nil {
		return nil, fmt.Errorf("model call: %w", err)
	}

	verdict, confidence, err := parseVerdict(resp)
	if err != nil {
		return nil, err
	}
	if !verdict {
		return nil, fmt.Errorf("model escalated: %s", strings.TrimSpace(resp))
	}

	return &Outcome{
		Method:     conflict.MethodSemantic,
		Confidence: confidence,
		Resolved:   true,
		Detail:     "model verdict",
	}, nil
}

// buildPrompt summarizes the conflict from operation metadata. File contents
// are deliberately not included; the model judges intent compatibility.
func (s *SemanticStage) buildPrompt(c *conflict.Conflict) string {
	var b strings.Builder
	b.WriteString("Two autonomous agents made concurrent changes to a shared workspace.\n")
	b.WriteString("Decide whether their intents are compatible enough to auto-merge.\n\n")
	fmt.Fprintf(&b, "Contested resources: %s\n", strings.Join(c.Resources, ", "))

	for _, id := range c.OperationIDs {
		op, err := s.lookup.Get(id)
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "Agent %s: %s %s (%q)\n", op.AgentID, op.Type, strings.Join(op.Resources, ","), op.Command)
	}

	b.WriteString("\nAnswer with exactly one line:\n")
	b.WriteString("RESOLVE <confidence between 0.85 and 0.97> — if the changes are compatible\n")
	b.WriteString("ESCALATE — if a human must decide\n")
	return b.String()
}

// parseVerdict extracts the model's decision, clamping confidence to the
// stage's documented range.
func parseVerdict(resp string) (resolve bool, confidence float64, err error) {
	line := strings.TrimSpace(resp)
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = strings.TrimSpace(line[:idx])
	}
	upper := strings.ToUpper(line)

	switch {
	case strings.HasPrefix(upper, "ESCALATE"):
		return false, 0, nil
	case strings.HasPrefix(upper, "RESOLVE"):
		fields := strings.Fields(line)
		confidence = semanticMinConfidence
		if len(fields) >= 2 {
			if parsed, perr := strconv.ParseFloat(fields[1], 64); perr == nil {
				confidence = parsed
			}
		}
		if confidence < semanticMinConfidence {
			confidence = semanticMinConfidence
		}
		if confidence > semanticMaxConfidence {
			confidence = semanticMaxConfidence
		}
		return true, confidence, nil
	default:
		return false, 0, fmt.Errorf("unparseable model verdict: %q", line)
	}
}
