package requirements

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"gapeval/internal/domain"
	"gapeval/internal/llm"
	"gapeval/internal/metrics"
)

const systemPrompt = "You are a compliance expert. Extract atomic mandatory requirements from control descriptions. " +
	"Respond with a JSON object of the form {\"requirements\": [\"...\"]} and nothing else."

const userPromptTemplate = `Extract all atomic mandatory requirements from this control.

Control Name: %s
Control Description: %s

Your task:
1. Break down the control into specific, atomic mandatory requirements
2. Each requirement should be a distinct, measurable clause
3. List requirements that MUST be satisfied for compliance
4. Be specific - avoid generic statements

Example:
Control: "Access Control"
Requirements:
- User access provisioning process
- Access approval workflow
- Access revocation on termination
- Periodic access review procedures

Return only {"requirements": ["requirement1", "requirement2"]}`

// Decomposer breaks a control into atomic requirement statements. It asks the
// judgment service first and falls back to pattern extraction, so it always
// returns at least one requirement.
type Decomposer struct {
	judge   domain.Judge
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger
}

type Option func(*Decomposer)

func WithTimeout(d time.Duration) Option {
	return func(dc *Decomposer) { dc.timeout = d }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(dc *Decomposer) { dc.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(dc *Decomposer) { dc.logger = l }
}

func New(judge domain.Judge, opts ...Option) *Decomposer {
	d := &Decomposer{judge: judge, logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Decomposer) Decompose(ctx context.Context, name, description string) []domain.Requirement {
	if d.judge != nil {
		reqs, err := d.ask(ctx, name, description)
		if err == nil {
			return reqs
		}
		d.metrics.JudgmentFallback("requirements")
		d.logger.Warn("requirement extraction failed, using pattern fallback", "control", name, "error", err)
	}
	return Fallback(name, description)
}

func (d *Decomposer) ask(ctx context.Context, name, description string) ([]string, error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	raw, err := d.judge.Judge(ctx, domain.JudgePrompt{
		System: systemPrompt,
		User:   fmt.Sprintf(userPromptTemplate, name, description),
		JSON:   true,
	})
	if err != nil {
		return nil, err
	}
	return llm.DecodeStringList(raw)
}

var (
	listItemPattern  = regexp.MustCompile(`^(?:\d+[.)]|[-•*]|[a-z]\))\s+`)
	sentenceBreak    = regexp.MustCompile(`[;.](\s+[A-Z])`)
	conjunctionBreak = regexp.MustCompile(`\s+(?:and|or)\s+`)
	leadingVerb      = regexp.MustCompile(`(?i)^(?:ensure|must|shall|should|requires?|includes?|covers?)\s+`)
)

// Fallback derives requirements from the description without a judgment service:
// numbered or bulleted lines first, then sentence-like clauses, then a single
// requirement built from the name and the start of the description.
func Fallback(name, description string) []domain.Requirement {
	var reqs []string
	if strings.TrimSpace(description) != "" {
		for _, line := range strings.Split(description, "\n") {
			line = strings.TrimSpace(line)
			if !listItemPattern.MatchString(line) {
				continue
			}
			item := strings.TrimSpace(listItemPattern.ReplaceAllString(line, ""))
			if len(item) > 10 {
				reqs = append(reqs, item)
			}
		}

		if len(reqs) == 0 {
			marked := sentenceBreak.ReplaceAllString(description, "\x00$1")
			marked = conjunctionBreak.ReplaceAllString(marked, "\x00")
			for _, part := range strings.Split(marked, "\x00") {
				part = strings.TrimSpace(part)
				if len(part) <= 15 || strings.HasPrefix(strings.ToLower(part), "the") {
					continue
				}
				part = strings.TrimSpace(leadingVerb.ReplaceAllString(part, ""))
				if len(part) > 10 {
					reqs = append(reqs, part)
				}
			}
		}
	}

	if len(reqs) == 0 {
		if desc := strings.TrimSpace(description); desc != "" {
			r := []rune(desc)
			if len(r) > 200 {
				r = r[:200]
			}
			return []string{name + ": " + string(r)}
		}
		return []string{name}
	}
	return reqs
}
