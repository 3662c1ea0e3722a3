package decision

import (
	"fmt"
	"math"
	"strings"

	"gapeval/internal/domain"
)

const (
	DefaultSimilarityMin = 0.72
	DefaultAutoCompliant = 0.85
	// NoSignalRisk is the GAP risk score when no policy similarity exists at all.
	NoSignalRisk = 90
)

// Rule names recorded in the trace.
const (
	RuleAllConditionsMet = "all_conditions_met"
	RuleHardRule         = "hard_rule"
	RuleConditionUnmet   = "condition_unmet"
)

const (
	ReasonNoApprovedPolicies = "No approved policies found for this control"
	ReasonNoSimilarPolicies  = "No similar policies found for this control"
	ReasonNoKnowledgeBase    = "No authoritative knowledge base reference found"
	ReasonCompliant          = "All compliance conditions met"
	ReasonGeneric            = "Gap identified based on evaluation"
)

type Thresholds struct {
	SimilarityMin float64
	AutoCompliant float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{SimilarityMin: DefaultSimilarityMin, AutoCompliant: DefaultAutoCompliant}
}

// Inputs are the five decision signals. Explanation, MissingRequirements and
// JudgmentFallback only shape the human-readable reason.
type Inputs struct {
	HasApprovedPolicyEvidence bool
	MaxPolicySimilarity       float64
	CoverageLevel             domain.CoverageLevel
	KBAlignment               domain.KBAlignment
	HasKnowledgeBaseEvidence  bool

	Explanation         string
	MissingRequirements []string
	JudgmentFallback    bool
}

// Outcome is the decided verdict. Severity is empty unless Status is GAP.
type Outcome struct {
	Status    domain.Status
	Severity  domain.Severity
	RiskScore int
	Reason    string
	Trace     domain.DecisionTrace
}

// Engine turns retrieval statistics and the evaluator's judgment into a
// verdict. It is a pure function of its inputs: COMPLIANT requires every
// condition to hold and no hard rule to fail; anything else is GAP.
type Engine struct {
	thresholds Thresholds
}

func New(t Thresholds) *Engine {
	if t.SimilarityMin <= 0 {
		t.SimilarityMin = DefaultSimilarityMin
	}
	if t.AutoCompliant <= 0 {
		t.AutoCompliant = DefaultAutoCompliant
	}
	return &Engine{thresholds: t}
}

func (e *Engine) Thresholds() Thresholds { return e.thresholds }

func (e *Engine) Decide(in Inputs) Outcome {
	hardRuleReason := e.hardRule(in)
	criteria := []domain.Criterion{
		{Name: "approved_policy_evidence", Met: in.HasApprovedPolicyEvidence, Detail: fmt.Sprintf("%t", in.HasApprovedPolicyEvidence)},
		{Name: "similarity_auto_compliant", Met: in.MaxPolicySimilarity >= e.thresholds.AutoCompliant,
			Detail: fmt.Sprintf("%.3f >= %.2f", in.MaxPolicySimilarity, e.thresholds.AutoCompliant)},
		{Name: "coverage_full", Met: in.CoverageLevel == domain.CoverageFull, Detail: string(in.CoverageLevel)},
		{Name: "kb_alignment_match", Met: in.KBAlignment == domain.AlignmentMatch, Detail: string(in.KBAlignment)},
		{Name: "no_hard_rule_failed", Met: hardRuleReason == "", Detail: hardRuleReason},
	}

	trace := domain.DecisionTrace{
		HasApprovedPolicyEvidence: in.HasApprovedPolicyEvidence,
		MaxPolicySimilarity:       in.MaxPolicySimilarity,
		CoverageLevel:             in.CoverageLevel,
		KBAlignment:               in.KBAlignment,
		HasKnowledgeBaseEvidence:  in.HasKnowledgeBaseEvidence,
		HardRuleFailed:            hardRuleReason != "",
		HardRuleReason:            hardRuleReason,
		Criteria:                  criteria,
		JudgmentFallback:          in.JudgmentFallback,
	}

	compliant := true
	for _, c := range criteria {
		compliant = compliant && c.Met
	}
	if compliant {
		trace.Rule = RuleAllConditionsMet
		return Outcome{Status: domain.StatusCompliant, RiskScore: 0, Reason: ReasonCompliant, Trace: trace}
	}

	trace.Rule = RuleConditionUnmet
	if trace.HardRuleFailed {
		trace.Rule = RuleHardRule
	}
	risk := RiskScore(in.MaxPolicySimilarity)
	return Outcome{
		Status:    domain.StatusGap,
		Severity:  SeverityFor(risk),
		RiskScore: risk,
		Reason:    gapReason(in, hardRuleReason),
		Trace:     trace,
	}
}

// hardRule returns the first failing hard rule's reason, or "".
func (e *Engine) hardRule(in Inputs) string {
	switch {
	case !in.HasApprovedPolicyEvidence:
		return ReasonNoApprovedPolicies
	case in.MaxPolicySimilarity <= 0:
		return ReasonNoSimilarPolicies
	case in.MaxPolicySimilarity < e.thresholds.SimilarityMin:
		return fmt.Sprintf("Policy similarity below threshold (%.3f < %.2f)", in.MaxPolicySimilarity, e.thresholds.SimilarityMin)
	case !in.HasKnowledgeBaseEvidence:
		return ReasonNoKnowledgeBase
	}
	return ""
}

// RiskScore is round((1-maxSimilarity)*100) capped at 100, or NoSignalRisk
// when there is no similarity signal.
func RiskScore(maxSimilarity float64) int {
	if maxSimilarity <= 0 {
		return NoSignalRisk
	}
	risk := int(math.Round((1 - maxSimilarity) * 100))
	return max(0, min(100, risk))
}

func SeverityFor(risk int) domain.Severity {
	switch {
	case risk >= 75:
		return domain.SeverityHigh
	case risk >= 40:
		return domain.SeverityMedium
	default:
		return domain.SeverityLow
	}
}

// gapReason prefers the evaluator's explanation, then the hard-rule reason,
// then a generic statement, each followed by up to three missing requirements.
func gapReason(in Inputs, hardRuleReason string) string {
	reason := ReasonGeneric
	switch {
	case !in.JudgmentFallback && strings.TrimSpace(in.Explanation) != "":
		reason = strings.TrimSpace(in.Explanation)
	case hardRuleReason != "":
		reason = hardRuleReason
	}
	if len(in.MissingRequirements) > 0 {
		missing := in.MissingRequirements
		if len(missing) > 3 {
			missing = missing[:3]
		}
		reason = strings.TrimRight(reason, ". ") + ". Missing requirements: " + strings.Join(missing, ", ")
	}
	return reason
}
