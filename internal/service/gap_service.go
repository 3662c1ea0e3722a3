package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"gapeval/internal/coverage"
	"gapeval/internal/decision"
	"gapeval/internal/domain"
	"gapeval/internal/events"
	"gapeval/internal/indexer"
	"gapeval/internal/metrics"
	"gapeval/internal/requirements"
	"gapeval/internal/retrieval"
	"gapeval/internal/store"
	"gapeval/internal/vectorstore"
)

// Repository is the persistence collaborator the service reads controls and
// policies from and records evaluations into. *store.Store implements it.
type Repository interface {
	Control(ctx context.Context, id int64) (domain.Control, error)
	ControlGroup(ctx context.Context, id int64) (domain.ControlGroup, error)
	Framework(ctx context.Context, id int64) (domain.Framework, error)
	ApprovedPoliciesForControl(ctx context.Context, companyID, frameworkID, controlID int64) ([]domain.Policy, error)
	FrameworkControls(ctx context.Context, frameworkID int64) ([]domain.Control, error)
	SelectedControls(ctx context.Context, companyID, frameworkID int64) ([]domain.Control, error)
	Policy(ctx context.Context, id int64) (domain.Policy, error)
	ActivePolicies(ctx context.Context, companyID int64) ([]domain.Policy, error)
	CreateKnowledgeBaseDocument(ctx context.Context, doc domain.KnowledgeBaseDocument) (domain.KnowledgeBaseDocument, error)
	RecordEvaluation(ctx context.Context, rec store.EvaluationRecord) (int64, error)
}

// Config holds retrieval thresholds and result sizes.
type Config struct {
	PolicyThreshold float64
	KBThreshold     float64
	ChatThreshold   float64
	PolicyTopK      int
	KBTopK          int
	ChatTopK        int
}

func DefaultConfig() Config {
	return Config{
		PolicyThreshold: 0.72,
		KBThreshold:     0.70,
		ChatThreshold:   0.60,
		PolicyTopK:      8,
		KBTopK:          5,
		ChatTopK:        5,
	}
}

// Deps are the collaborators of GapService. Events and Metrics may be nil.
type Deps struct {
	Repository Repository
	Indexer    *indexer.Indexer
	Retriever  *retrieval.Retriever
	Decomposer *requirements.Decomposer
	Evaluator  *coverage.Evaluator
	Engine     *decision.Engine
	Events     events.Publisher
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// GapService runs the evaluation pipeline: decompose and retrieve, evaluate
// coverage, decide, then record and announce the verdict.
type GapService struct {
	repo       Repository
	indexer    *indexer.Indexer
	retriever  *retrieval.Retriever
	decomposer *requirements.Decomposer
	evaluator  *coverage.Evaluator
	engine     *decision.Engine
	events     events.Publisher
	metrics    *metrics.Metrics
	logger     *slog.Logger
	cfg        Config
	now        func() time.Time
}

func NewGapService(deps Deps, cfg Config) *GapService {
	def := DefaultConfig()
	if cfg.PolicyThreshold <= 0 {
		cfg.PolicyThreshold = def.PolicyThreshold
	}
	if cfg.KBThreshold <= 0 {
		cfg.KBThreshold = def.KBThreshold
	}
	if cfg.ChatThreshold <= 0 {
		cfg.ChatThreshold = def.ChatThreshold
	}
	if cfg.PolicyTopK <= 0 {
		cfg.PolicyTopK = def.PolicyTopK
	}
	if cfg.KBTopK <= 0 {
		cfg.KBTopK = def.KBTopK
	}
	if cfg.ChatTopK <= 0 {
		cfg.ChatTopK = def.ChatTopK
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Engine == nil {
		deps.Engine = decision.New(decision.DefaultThresholds())
	}
	return &GapService{
		repo:       deps.Repository,
		indexer:    deps.Indexer,
		retriever:  deps.Retriever,
		decomposer: deps.Decomposer,
		evaluator:  deps.Evaluator,
		engine:     deps.Engine,
		events:     deps.Events,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		cfg:        cfg,
		now:        time.Now,
	}
}

// EvaluateControl evaluates one control for one company. A missing control,
// group or framework yields an ERROR verdict rather than an error. The error
// return is reserved for configuration errors and for failures to record
// the verdict.
func (s *GapService) EvaluateControl(ctx context.Context, controlID, companyID int64) (domain.Verdict, error) {
	start := s.now()
	v, err := s.evaluate(ctx, controlID, companyID)
	if err != nil && domain.IsConfiguration(err) {
		return domain.Verdict{}, err
	}
	s.metrics.ObserveEvaluation(v.Status, s.now().Sub(start))
	if pubErr := s.events.PublishVerdict(ctx, v); pubErr != nil {
		s.logger.Warn("verdict event not published", "control_id", controlID, "error", pubErr)
	}
	return v, err
}

func (s *GapService) evaluate(ctx context.Context, controlID, companyID int64) (domain.Verdict, error) {
	v := domain.Verdict{
		ID:          uuid.NewString(),
		ControlID:   controlID,
		CompanyID:   companyID,
		EvaluatedAt: s.now().UTC(),
	}

	control, err := s.repo.Control(ctx, controlID)
	if err != nil {
		return s.errorVerdict(v, err), nil
	}
	v.ControlCode, v.ControlName = control.Code, control.Name
	group, err := s.repo.ControlGroup(ctx, control.ControlGroupID)
	if err != nil {
		return s.errorVerdict(v, err), nil
	}
	framework, err := s.repo.Framework(ctx, group.FrameworkID)
	if err != nil {
		return s.errorVerdict(v, err), nil
	}
	v.FrameworkID = framework.ID
	approved, err := s.repo.ApprovedPoliciesForControl(ctx, companyID, framework.ID, control.ID)
	if err != nil {
		return s.errorVerdict(v, err), nil
	}

	log := s.logger.With("control_id", control.ID, "company_id", companyID, "framework_id", framework.ID)

	var (
		reqs       []domain.Requirement
		policyEv   []domain.EvidenceItem
		kbEvidence []domain.EvidenceItem
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		reqs = s.decomposer.Decompose(gctx, control.Name, control.Description)
		return nil
	})
	g.Go(func() error {
		var err error
		policyEv, err = s.retriever.Retrieve(gctx, retrieval.Query{
			Text:         control.Text(),
			FallbackText: control.Name,
			Scope:        retrieval.PolicyScope(companyID, framework.ID, control.ID),
			Threshold:    s.cfg.PolicyThreshold,
			TopK:         s.cfg.PolicyTopK,
			Keep:         approvedOnly(approved),
		})
		return err
	})
	g.Go(func() error {
		var err error
		kbEvidence, err = s.retriever.Retrieve(gctx, retrieval.Query{
			Text:         control.Text(),
			FallbackText: control.Name,
			Scope:        retrieval.KnowledgeBaseScope(framework.ID),
			Threshold:    s.cfg.KBThreshold,
			TopK:         s.cfg.KBTopK,
		})
		return err
	})
	if err := g.Wait(); err != nil {
		return v, err
	}

	v.Requirements = reqs
	v.PolicyEvidence = policyEv
	v.KBEvidence = kbEvidence

	judgment := s.evaluator.Evaluate(ctx, coverage.Input{
		Control:        control,
		FrameworkName:  framework.Name,
		Requirements:   reqs,
		PolicyEvidence: policyEv,
		KBEvidence:     kbEvidence,
	})

	out := s.engine.Decide(decision.Inputs{
		HasApprovedPolicyEvidence: len(policyEv) > 0,
		MaxPolicySimilarity:       retrieval.MaxScore(policyEv),
		CoverageLevel:             judgment.CoverageLevel,
		KBAlignment:               judgment.KBAlignment,
		HasKnowledgeBaseEvidence:  len(kbEvidence) > 0,
		Explanation:               judgment.Explanation,
		MissingRequirements:       judgment.MissingRequirements,
		JudgmentFallback:          judgment.Fallback,
	})
	v.Status = out.Status
	v.Severity = out.Severity
	v.RiskScore = out.RiskScore
	v.Reason = out.Reason
	v.Trace = out.Trace
	v.CoveredRequirements = judgment.CoveredRequirements
	v.MissingRequirements = judgment.MissingRequirements
	v.KBReference = judgment.KBReference

	log.Info("control evaluated",
		"status", v.Status, "risk_score", v.RiskScore, "rule", v.Trace.Rule,
		"max_similarity", v.Trace.MaxPolicySimilarity, "coverage", v.Trace.CoverageLevel,
		"kb_alignment", v.Trace.KBAlignment, "policy_evidence", len(policyEv), "kb_evidence", len(kbEvidence))

	rec := store.EvaluationRecord{Verdict: v}
	if v.Status == domain.StatusGap {
		gap, rem := gapRecords(v, control, judgment)
		rec.Gap, rec.Remediation = &gap, &rem
	}
	gapID, err := s.repo.RecordEvaluation(ctx, rec)
	if err != nil {
		return v, fmt.Errorf("record evaluation: %w", err)
	}
	v.GapID = gapID
	return v, nil
}

func (s *GapService) errorVerdict(v domain.Verdict, err error) domain.Verdict {
	v.Status = domain.StatusError
	v.Reason = err.Error()
	var nf *domain.NotFoundError
	if errors.As(err, &nf) && nf.Entity != "" {
		v.Reason = fmt.Sprintf("%s %d not found", strings.ToUpper(nf.Entity[:1])+nf.Entity[1:], nf.ID)
	}
	s.logger.Warn("control evaluation failed", "control_id", v.ControlID, "company_id", v.CompanyID, "error", err)
	return v
}

// approvedOnly keeps evidence from policies that are approved and mapped to the
// control right now; index metadata can lag behind policy status changes.
func approvedOnly(approved []domain.Policy) func(domain.EvidenceItem) bool {
	ids := make(map[string]struct{}, len(approved))
	for _, p := range approved {
		ids[strconv.FormatInt(p.ID, 10)] = struct{}{}
	}
	return func(it domain.EvidenceItem) bool {
		_, ok := ids[it.DocumentID]
		return ok
	}
}

var defaultRemediationPlan = []string{
	"Review and update policies to address all control requirements",
	"Ensure policy explicitly covers all mandatory requirements",
	"Align policy with knowledge base requirements",
	"Document implementation steps",
	"Establish monitoring to verify compliance",
}

func gapRecords(v domain.Verdict, control domain.Control, judgment domain.CoverageJudgment) (domain.Gap, domain.Remediation) {
	label := control.Label()
	gap := domain.Gap{
		EvaluationID: v.ID,
		FrameworkID:  v.FrameworkID,
		ControlID:    v.ControlID,
		CompanyID:    v.CompanyID,
		Title:        "Gap in " + label,
		Description:  v.Reason,
		Severity:     v.Severity,
		Status:       domain.GapIdentified,
		RiskScore:    v.RiskScore,
		RootCause:    v.Trace.Summary(),
		CreatedAt:    v.EvaluatedAt,
	}
	steps := judgment.RemediationSuggestions
	if len(steps) == 0 {
		steps = defaultRemediationPlan
	}
	var plan strings.Builder
	for i, step := range steps {
		if i > 0 {
			plan.WriteString("\n")
		}
		fmt.Fprintf(&plan, "%d. %s", i+1, step)
	}
	rem := domain.Remediation{
		Title:       "Remediation for " + label,
		Description: v.Reason,
		ActionPlan:  plan.String(),
		Status:      domain.RemediationPlanned,
	}
	return gap, rem
}

// BatchResult summarizes a framework evaluation run.
type BatchResult struct {
	AnalysisID  string           `json:"analysis_id"`
	FrameworkID int64            `json:"framework_id"`
	CompanyID   int64            `json:"company_id"`
	Total       int              `json:"total"`
	Compliant   int              `json:"compliant"`
	Gaps        int              `json:"gaps"`
	Errors      int              `json:"errors"`
	GapsCreated int              `json:"gaps_created"`
	Results     []domain.Verdict `json:"results"`
}

// EvaluateFramework evaluates the company's selected controls of a framework,
// or all its active controls when nothing is selected. Each control is
// evaluated on its own; a failure or panic becomes an ERROR result. Only a
// configuration error, a missing framework or cancellation stops the run.
func (s *GapService) EvaluateFramework(ctx context.Context, frameworkID, companyID int64, limit int) (BatchResult, error) {
	res := BatchResult{AnalysisID: uuid.NewString(), FrameworkID: frameworkID, CompanyID: companyID}
	if _, err := s.repo.Framework(ctx, frameworkID); err != nil {
		return res, err
	}
	controls, err := s.repo.SelectedControls(ctx, companyID, frameworkID)
	if err != nil {
		return res, fmt.Errorf("selected controls: %w", err)
	}
	if len(controls) == 0 {
		s.logger.Info("no control selection, evaluating all framework controls", "framework_id", frameworkID, "company_id", companyID)
		if controls, err = s.repo.FrameworkControls(ctx, frameworkID); err != nil {
			return res, fmt.Errorf("framework controls: %w", err)
		}
	}
	if limit > 0 && len(controls) > limit {
		controls = controls[:limit]
	}

	for _, c := range controls {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		v, err := s.evaluateSafely(ctx, c.ID, companyID)
		if err != nil {
			if domain.IsConfiguration(err) {
				return res, err
			}
			v.ControlID, v.CompanyID, v.FrameworkID = c.ID, companyID, frameworkID
			v.ControlCode, v.ControlName = c.Code, c.Name
			v.Status = domain.StatusError
			v.Severity = ""
			v.GapID = 0
			v.Reason = err.Error()
		}
		res.Total++
		switch v.Status {
		case domain.StatusCompliant:
			res.Compliant++
		case domain.StatusGap:
			res.Gaps++
			if v.GapID != 0 {
				res.GapsCreated++
			}
		default:
			res.Errors++
		}
		res.Results = append(res.Results, v)
	}
	s.logger.Info("framework evaluated",
		"analysis_id", res.AnalysisID, "framework_id", frameworkID, "company_id", companyID,
		"total", res.Total, "compliant", res.Compliant, "gaps", res.Gaps, "errors", res.Errors)
	return res, nil
}

func (s *GapService) evaluateSafely(ctx context.Context, controlID, companyID int64) (v domain.Verdict, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("control evaluation panicked", "control_id", controlID, "panic", r)
			err = fmt.Errorf("evaluation panicked: %v", r)
		}
	}()
	return s.EvaluateControl(ctx, controlID, companyID)
}

// IndexDocument chunks, embeds and upserts one document.
func (s *GapService) IndexDocument(ctx context.Context, req indexer.Request) (indexer.Result, error) {
	if req.Kind == "" {
		req.Kind = domain.SourcePolicy
	}
	res, err := s.indexer.IndexDocument(ctx, req)
	s.metrics.AddChunksIndexed(req.Kind, res.ChunksIndexed)
	return res, err
}

// IndexPolicy indexes a policy's content in the default namespace with its scoping metadata.
func (s *GapService) IndexPolicy(ctx context.Context, policyID int64) (indexer.Result, error) {
	p, err := s.repo.Policy(ctx, policyID)
	if err != nil {
		return indexer.Result{}, err
	}
	return s.IndexDocument(ctx, indexer.Request{
		DocumentID: strconv.FormatInt(p.ID, 10),
		Kind:       domain.SourcePolicy,
		Text:       p.Content,
		Namespace:  vectorstore.DefaultNamespace,
		Metadata: map[string]any{
			"company_id":    p.CompanyID,
			"framework_id":  p.FrameworkID,
			"control_id":    p.ControlID,
			"status":        string(p.Status),
			"policy_title":  p.Title,
			"document_type": string(domain.SourcePolicy),
		},
	})
}

// IndexKnowledgeBase records a knowledge-base document and indexes it into
// the framework's namespace.
func (s *GapService) IndexKnowledgeBase(ctx context.Context, frameworkID int64, title, version, text string) (domain.KnowledgeBaseDocument, indexer.Result, error) {
	if _, err := s.repo.Framework(ctx, frameworkID); err != nil {
		return domain.KnowledgeBaseDocument{}, indexer.Result{}, err
	}
	doc, err := s.repo.CreateKnowledgeBaseDocument(ctx, domain.KnowledgeBaseDocument{
		FrameworkID: frameworkID,
		Title:       title,
		Version:     version,
		RawText:     text,
	})
	if err != nil {
		return doc, indexer.Result{}, fmt.Errorf("create kb document: %w", err)
	}
	res, err := s.IndexKnowledgeBaseDocument(ctx, doc)
	return doc, res, err
}

// IndexKnowledgeBaseDocument indexes an already recorded knowledge-base document.
func (s *GapService) IndexKnowledgeBaseDocument(ctx context.Context, doc domain.KnowledgeBaseDocument) (indexer.Result, error) {
	return s.IndexDocument(ctx, indexer.Request{
		DocumentID: strconv.FormatInt(doc.ID, 10),
		Kind:       domain.SourceKnowledgeBase,
		Text:       doc.RawText,
		Namespace:  domain.KnowledgeBaseNamespace(doc.FrameworkID),
		Metadata: map[string]any{
			"framework_id":  doc.FrameworkID,
			"kb_doc_id":     doc.ID,
			"title":         doc.Title,
			"document_type": string(domain.SourceKnowledgeBase),
		},
	})
}

// ReindexResult counts policies processed by ReindexPolicies.
type ReindexResult struct {
	Total   int `json:"total"`
	Indexed int `json:"indexed"`
	Chunks  int `json:"chunks"`
	Errors  int `json:"errors"`
}

// ReindexPolicies indexes every active policy of a company (all companies when 0).
// A policy that fails is counted and skipped.
func (s *GapService) ReindexPolicies(ctx context.Context, companyID int64) (ReindexResult, error) {
	var out ReindexResult
	policies, err := s.repo.ActivePolicies(ctx, companyID)
	if err != nil {
		return out, fmt.Errorf("active policies: %w", err)
	}
	out.Total = len(policies)
	for _, p := range policies {
		res, err := s.IndexPolicy(ctx, p.ID)
		if err != nil {
			if domain.IsConfiguration(err) {
				return out, err
			}
			out.Errors++
			s.logger.Warn("policy not indexed", "policy_id", p.ID, "error", err)
			continue
		}
		if len(res.Errors) > 0 {
			out.Errors++
		}
		if res.ChunksIndexed > 0 {
			out.Indexed++
		}
		out.Chunks += res.ChunksIndexed
	}
	s.logger.Info("policies reindexed", "company_id", companyID, "total", out.Total, "indexed", out.Indexed, "errors", out.Errors)
	return out, nil
}

// EvidenceQuery is a free-text evidence search. Zero thresholds and sizes use
// the conversational defaults.
type EvidenceQuery struct {
	Text        string            `json:"query"`
	Kind        domain.SourceKind `json:"source,omitempty"`
	CompanyID   int64             `json:"company_id,omitempty"`
	FrameworkID int64             `json:"framework_id,omitempty"`
	ControlID   int64             `json:"control_id,omitempty"`
	Threshold   float64           `json:"threshold,omitempty"`
	TopK        int               `json:"top_k,omitempty"`
}

// RetrieveEvidence searches approved policy chunks, or a framework's knowledge
// base when Kind is "kb", at the looser conversational threshold.
func (s *GapService) RetrieveEvidence(ctx context.Context, q EvidenceQuery) ([]domain.EvidenceItem, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, nil
	}
	threshold := q.Threshold
	if threshold <= 0 {
		threshold = s.cfg.ChatThreshold
	}
	topK := q.TopK
	if topK <= 0 {
		topK = s.cfg.ChatTopK
	}
	scope := retrieval.PolicyScope(q.CompanyID, q.FrameworkID, q.ControlID)
	if q.Kind == domain.SourceKnowledgeBase {
		scope = retrieval.KnowledgeBaseScope(q.FrameworkID)
	}
	return s.retriever.Retrieve(ctx, retrieval.Query{Text: q.Text, Scope: scope, Threshold: threshold, TopK: topK})
}
