package resolution

import (
	"context"
	"regexp"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/coordd/internal/conflict"
)

// TemplatePattern describes one known-safe conflict shape. A pattern matches
// when every constraint it sets holds for every involved operation.
type TemplatePattern struct {
	// Name identifies the pattern in analytics and logs.
	Name string

	// Resource, when set, must match every conflicted resource path.
	Resource *regexp.Regexp

	// Command, when set, must match every involved operation's command.
	Command *regexp.Regexp

	// MaxOverlap caps the conflict's resource overlap size. 0 means no cap.
	MaxOverlap int

	// Confidence reported when the pattern matches.
	Confidence float64
}

// DefaultCatalog returns the built-in known-safe patterns. These cover
// conflict shapes that compose cleanly without inspecting file contents:
// two agents making additive changes to the same file, and edits to
// append-only artifacts like changelogs.
func DefaultCatalog() []TemplatePattern {
	return []TemplatePattern{
		{
			Name:       "additive-insertion",
			Command:    regexp.MustCompile(`(?i)\b(add|insert|append|implement|introduce)\b`),
			MaxOverlap: 1,
			Confidence: 0.97,
		},
		{
			Name:       "append-only-artifact",
			Resource:   regexp.MustCompile(`(?i)(changelog|\.log|_generated\.)`),
			MaxOverlap: 1,
			Confidence: 0.95,
		},
	}
}

// TemplateStage resolves conflicts whose shape matches a catalog of
// known-safe patterns. Sub-millisecond: it only inspects operation metadata
// already in memory.
type TemplateStage struct {
	lookup  OpLookup
	catalog []TemplatePattern
	logger  *zap.Logger
}

// NewTemplateStage creates the template-match stage.
func NewTemplateStage(lookup OpLookup, catalog []TemplatePattern, logger *zap.Logger) *TemplateStage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TemplateStage{lookup: lookup, catalog: catalog, logger: logger}
}

func (s *TemplateStage) Name() string { return "template" }

// Attempt matches the conflict against the catalog, first match wins.
func (s *TemplateStage) Attempt(_ context.Context, c *conflict.Conflict) (*Outcome, error) {
	for i := range s.catalog {
		p := &s.catalog[i]
		if s.matches(p, c) {
			return &Outcome{
				Method:     conflict.MethodTemplate,
				Confidence: p.Confidence,
				Resolved:   true,
				Detail:     p.Name,
			}, nil
		}
	}
	return nil, nil
}

func (s *TemplateStage) matches(p *TemplatePattern, c *conflict.Conflict) bool {
	if p.MaxOverlap > 0 && len(c.Resources) > p.MaxOverlap {
		return false
	}
	if p.Resource != nil {
		for _, r := range c.Resources {
			if !p.Resource.MatchString(r) {
				return false
			}
		}
	}
	if p.Command != nil {
		for _, id := range c.OperationIDs {
			op, err := s.lookup.Get(id)
			if err != nil {
				return false
			}
			if !p.Command.MatchString(op.Command) {
				return false
			}
		}
	}
	return true
}
