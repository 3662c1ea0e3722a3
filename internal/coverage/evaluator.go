package coverage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gapeval/internal/domain"
	"gapeval/internal/excerpt"
	"gapeval/internal/llm"
	"gapeval/internal/metrics"
)

const (
	maxPoliciesInPrompt = 5
	maxKBInPrompt       = 3
	policyExcerptChars  = 800
	kbExcerptChars      = 1000
	referenceChars      = 600
)

const systemPrompt = "You are a compliance evaluator. Your role is to EVALUATE coverage and alignment, NOT to make compliance decisions. " +
	"Provide accurate evaluation data: coverage_level, covered_requirements, missing_requirements, kb_alignment and explanation. " +
	"Always respond with valid JSON only, no additional text."

// Input is everything the evaluator is shown for one control.
type Input struct {
	Control        domain.Control
	FrameworkName  string
	Requirements   []domain.Requirement
	PolicyEvidence []domain.EvidenceItem
	KBEvidence     []domain.EvidenceItem
}

// Evaluator asks the judgment service how well policy evidence covers a
// control's requirements and how it aligns with the knowledge base. Its output
// is advisory; any unusable answer becomes domain.DefaultJudgment.
type Evaluator struct {
	judge    domain.Judge
	excerpts *excerpt.Selector
	timeout  time.Duration
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

type Option func(*Evaluator)

func WithTimeout(d time.Duration) Option {
	return func(e *Evaluator) { e.timeout = d }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Evaluator) { e.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Evaluator) { e.logger = l }
}

func New(judge domain.Judge, opts ...Option) *Evaluator {
	e := &Evaluator{judge: judge, excerpts: excerpt.NewSelector(), logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// answer is the schema the judgment service must return.
type answer struct {
	CoverageLevel          string   `json:"coverage_level"`
	KBAlignment            string   `json:"kb_alignment"`
	CoveredRequirements    []string `json:"covered_requirements"`
	MissingRequirements    []string `json:"missing_requirements"`
	KBReference            string   `json:"kb_reference"`
	Explanation            string   `json:"explanation"`
	RemediationSuggestions []string `json:"remediation_suggestions"`
}

func (a *answer) Validate() error {
	if _, ok := domain.ParseCoverageLevel(a.CoverageLevel); !ok {
		return fmt.Errorf("invalid coverage_level %q", a.CoverageLevel)
	}
	if _, ok := domain.ParseKBAlignment(a.KBAlignment); !ok {
		return fmt.Errorf("invalid kb_alignment %q", a.KBAlignment)
	}
	return nil
}

func (e *Evaluator) Evaluate(ctx context.Context, in Input) domain.CoverageJudgment {
	judgment, err := e.ask(ctx, in)
	if err != nil {
		e.metrics.JudgmentFallback("coverage")
		e.logger.Warn("coverage evaluation unusable, using conservative default",
			"control_id", in.Control.ID, "error", err)
		judgment = domain.DefaultJudgment(fallbackExplanation(in.Control, err))
	}
	if judgment.KBReference == "" && len(in.KBEvidence) > 0 {
		judgment.KBReference = e.reference(in)
	}
	return judgment
}

func (e *Evaluator) ask(ctx context.Context, in Input) (domain.CoverageJudgment, error) {
	if e.judge == nil {
		return domain.CoverageJudgment{}, llm.ErrJudgeDisabled
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	var a answer
	if _, err := llm.AskJSON(ctx, e.judge, domain.JudgePrompt{System: systemPrompt, User: BuildPrompt(in)}, &a); err != nil {
		return domain.CoverageJudgment{}, err
	}
	level, _ := domain.ParseCoverageLevel(a.CoverageLevel)
	alignment, _ := domain.ParseKBAlignment(a.KBAlignment)
	explanation := strings.TrimSpace(a.Explanation)
	if explanation == "" {
		explanation = "No explanation provided"
	}
	return domain.CoverageJudgment{
		CoverageLevel:          level,
		KBAlignment:            alignment,
		CoveredRequirements:    nonNil(a.CoveredRequirements),
		MissingRequirements:    nonNil(a.MissingRequirements),
		Explanation:            explanation,
		KBReference:            strings.TrimSpace(a.KBReference),
		RemediationSuggestions: a.RemediationSuggestions,
	}, nil
}

// reference picks the knowledge-base sentences closest to the control when the
// evaluator did not quote one.
func (e *Evaluator) reference(in Input) string {
	texts := make([]string, 0, len(in.KBEvidence))
	for _, ev := range in.KBEvidence {
		texts = append(texts, ev.Text)
	}
	query := in.Control.Text() + "\n" + strings.Join(in.Requirements, "\n")
	return e.excerpts.Select(query, texts, 3, referenceChars)
}

func fallbackExplanation(c domain.Control, err error) string {
	var pe *domain.ParseError
	if errors.As(err, &pe) {
		return fmt.Sprintf("Unable to parse AI response. Control: %s. %v", c.Name, pe.Unwrap())
	}
	return fmt.Sprintf("Error analyzing control %s: %v", c.Name, err)
}

// BuildPrompt renders the evaluator instructions for one control.
func BuildPrompt(in Input) string {
	var b strings.Builder
	framework := in.FrameworkName
	if framework == "" {
		framework = "Not specified"
	}
	b.WriteString("You are a compliance evaluator. Your role is to EVALUATE and ANALYZE, NOT to make compliance decisions.\n\n")
	b.WriteString("Control Requirement:\n")
	fmt.Fprintf(&b, "- Name: %s\n- Description: %s\n- Framework: %s\n", in.Control.Name, in.Control.Description, framework)

	if len(in.Requirements) > 0 {
		b.WriteString("\nMANDATORY REQUIREMENTS TO CHECK:\n")
		for i, r := range in.Requirements {
			fmt.Fprintf(&b, "%d. %s\n", i+1, r)
		}
	}

	if len(in.PolicyEvidence) > 0 {
		b.WriteString("\nPOLICY EVIDENCE:\n")
		for i, ev := range head(in.PolicyEvidence, maxPoliciesInPrompt) {
			fmt.Fprintf(&b, "\n%d. %s\n   Similarity Score: %.3f\n   Content: %s\n", i+1, titleOf(ev), ev.Score, clip(ev.Text, policyExcerptChars))
		}
	} else {
		b.WriteString("\nNO POLICIES FOUND: the control is not covered by any approved policy.\n")
	}

	if len(in.KBEvidence) > 0 {
		b.WriteString("\nKNOWLEDGE BASE (Authoritative Reference):\n")
		for i, ev := range head(in.KBEvidence, maxKBInPrompt) {
			fmt.Fprintf(&b, "\n%d. %s\n   Similarity Score: %.3f\n   Reference Text: %s\n", i+1, titleOf(ev), ev.Score, clip(ev.Text, kbExcerptChars))
		}
	} else {
		b.WriteString("\nNO KNOWLEDGE BASE REFERENCE FOUND: no authoritative reference is available for comparison.\n")
	}

	b.WriteString(`
EVALUATION RULES:

1. Coverage level:
   - FULL: ALL requirements are EXPLICITLY and CLEARLY covered in policies
   - PARTIAL: some requirements covered, some missing or not explicit
   - NONE: no requirements explicitly covered

2. Knowledge base alignment:
   - MATCH: policy is equivalent to the KB in scope and mandatory level
   - MISMATCH: KB states an obligation as mandatory but the policy makes it optional or omits it
   - CONTRADICTS: policy directly conflicts with the KB

3. Only explicit coverage counts. Do not infer intent. Generic statements such as
   "we follow security best practices" do not cover any requirement.

4. List every requirement that is explicitly covered, and every requirement that is missing
   or not explicitly covered.

Respond ONLY with a JSON object:
{
  "coverage_level": "FULL|PARTIAL|NONE",
  "covered_requirements": ["..."],
  "missing_requirements": ["..."],
  "kb_alignment": "MATCH|MISMATCH|CONTRADICTS",
  "kb_reference": "KB text that was compared",
  "explanation": "how the policies cover the requirements and align with the KB",
  "remediation_suggestions": ["..."]
}`)
	return b.String()
}

func head(items []domain.EvidenceItem, n int) []domain.EvidenceItem {
	if len(items) > n {
		return items[:n]
	}
	return items
}

func titleOf(ev domain.EvidenceItem) string {
	if ev.Title != "" {
		return ev.Title
	}
	return fmt.Sprintf("%s %s", ev.Source, ev.DocumentID)
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
