package domain

import (
	"fmt"
	"strings"
	"time"
)

// SourceKind identifies which evidence source a chunk came from.
type SourceKind string

const (
	SourcePolicy        SourceKind = "policy"
	SourceKnowledgeBase SourceKind = "kb"
)

// Chunk is one bounded, overlapping segment of a source document.
type Chunk struct {
	DocumentID string
	Kind       SourceKind
	Index      int
	Total      int
	Text       string
}

// VectorID is the idempotency key of the chunk in the vector index.
func (c Chunk) VectorID() string {
	return fmt.Sprintf("%s-%s-%d", c.Kind, c.DocumentID, c.Index)
}

// KnowledgeBaseNamespace returns the vector index partition for a framework's KB chunks.
func KnowledgeBaseNamespace(frameworkID int64) string {
	return fmt.Sprintf("kb-%d", frameworkID)
}

// EvidenceItem is a single retrieved chunk. Produced per evaluation, never persisted on its own.
type EvidenceItem struct {
	Source     SourceKind     `json:"source"`
	DocumentID string         `json:"document_id"`
	ChunkIndex int            `json:"chunk_index"`
	Title      string         `json:"title,omitempty"`
	Text       string         `json:"text"`
	Score      float64        `json:"score"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Requirement is an atomic, checkable clause extracted from a control description.
type Requirement = string

// CoverageLevel is the evaluator's judgment of how completely policies cover the requirements.
type CoverageLevel string

const (
	CoverageFull    CoverageLevel = "FULL"
	CoveragePartial CoverageLevel = "PARTIAL"
	CoverageNone    CoverageLevel = "NONE"
)

// ParseCoverageLevel normalizes s; ok is false for anything outside the enum.
func ParseCoverageLevel(s string) (CoverageLevel, bool) {
	switch l := CoverageLevel(strings.ToUpper(strings.TrimSpace(s))); l {
	case CoverageFull, CoveragePartial, CoverageNone:
		return l, true
	}
	return CoverageNone, false
}

// KBAlignment is the evaluator's judgment of policy agreement with the knowledge base.
type KBAlignment string

const (
	AlignmentMatch       KBAlignment = "MATCH"
	AlignmentMismatch    KBAlignment = "MISMATCH"
	AlignmentContradicts KBAlignment = "CONTRADICTS"
)

// ParseKBAlignment normalizes s; ok is false for anything outside the enum.
func ParseKBAlignment(s string) (KBAlignment, bool) {
	switch a := KBAlignment(strings.ToUpper(strings.TrimSpace(s))); a {
	case AlignmentMatch, AlignmentMismatch, AlignmentContradicts:
		return a, true
	}
	return AlignmentMismatch, false
}

// CoverageJudgment is the evaluator's advisory output. It is never authoritative by itself.
type CoverageJudgment struct {
	CoverageLevel          CoverageLevel `json:"coverage_level"`
	KBAlignment            KBAlignment   `json:"kb_alignment"`
	CoveredRequirements    []string      `json:"covered_requirements"`
	MissingRequirements    []string      `json:"missing_requirements"`
	Explanation            string        `json:"explanation"`
	KBReference            string        `json:"kb_reference,omitempty"`
	RemediationSuggestions []string      `json:"remediation_suggestions,omitempty"`
	// Fallback is set when the judgment is the conservative default rather than a parsed answer.
	Fallback bool `json:"fallback,omitempty"`
}

// DefaultJudgment is the conservative judgment used whenever the evaluator's answer is unusable.
func DefaultJudgment(explanation string) CoverageJudgment {
	return CoverageJudgment{
		CoverageLevel:       CoverageNone,
		KBAlignment:         AlignmentMismatch,
		CoveredRequirements: []string{},
		MissingRequirements: []string{},
		Explanation:         explanation,
		Fallback:            true,
	}
}

// Status is the verdict outcome.
type Status string

const (
	StatusCompliant Status = "COMPLIANT"
	StatusGap       Status = "GAP"
	StatusError     Status = "ERROR"
)

// Severity grades a GAP verdict.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Criterion is one condition of the compliance conjunction as it was evaluated.
type Criterion struct {
	Name   string `json:"name"`
	Met    bool   `json:"met"`
	Detail string `json:"detail"`
}

// DecisionTrace records every input signal and the rule that decided the verdict.
type DecisionTrace struct {
	HasApprovedPolicyEvidence bool          `json:"has_approved_policy_evidence"`
	MaxPolicySimilarity       float64       `json:"max_policy_similarity"`
	CoverageLevel             CoverageLevel `json:"coverage_level"`
	KBAlignment               KBAlignment   `json:"kb_alignment"`
	HasKnowledgeBaseEvidence  bool          `json:"has_knowledge_base_evidence"`
	HardRuleFailed            bool          `json:"hard_rule_failed"`
	HardRuleReason            string        `json:"hard_rule_reason,omitempty"`
	Rule                      string        `json:"rule"`
	Criteria                  []Criterion   `json:"criteria"`
	JudgmentFallback          bool          `json:"judgment_fallback,omitempty"`
}

// Summary is the one-line audit form stored as a gap's root cause.
func (t DecisionTrace) Summary() string {
	hardRule := t.HardRuleReason
	if hardRule == "" {
		hardRule = "None"
	}
	return fmt.Sprintf("Centralized Decision: similarity=%.3f, coverage=%s, kb_alignment=%s, hard_rule=%s",
		t.MaxPolicySimilarity, t.CoverageLevel, t.KBAlignment, hardRule)
}

// Verdict is the immutable result of evaluating one control for one company.
type Verdict struct {
	ID                  string         `json:"id"`
	ControlID           int64          `json:"control_id"`
	CompanyID           int64          `json:"company_id"`
	FrameworkID         int64          `json:"framework_id,omitempty"`
	ControlCode         string         `json:"control_code,omitempty"`
	ControlName         string         `json:"control_name,omitempty"`
	Status              Status         `json:"status"`
	Severity            Severity       `json:"severity,omitempty"`
	RiskScore           int            `json:"risk_score"`
	Reason              string         `json:"reason"`
	Requirements        []string       `json:"control_requirements,omitempty"`
	CoveredRequirements []string       `json:"covered_requirements,omitempty"`
	MissingRequirements []string       `json:"missing_requirements,omitempty"`
	PolicyEvidence      []EvidenceItem `json:"policy_evidence,omitempty"`
	KBEvidence          []EvidenceItem `json:"kb_evidence,omitempty"`
	KBReference         string         `json:"kb_reference,omitempty"`
	Trace               DecisionTrace  `json:"trace"`
	GapID               int64          `json:"gap_id,omitempty"`
	EvaluatedAt         time.Time      `json:"evaluated_at"`
}

// SimilarityScores lists the policy evidence scores in retrieval order.
func (v Verdict) SimilarityScores() []float64 {
	scores := make([]float64, len(v.PolicyEvidence))
	for i, ev := range v.PolicyEvidence {
		scores[i] = ev.Score
	}
	return scores
}
