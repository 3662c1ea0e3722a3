package service

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gapeval/internal/chunker"
	"gapeval/internal/coverage"
	"gapeval/internal/decision"
	"gapeval/internal/domain"
	"gapeval/internal/embedding/hashing"
	"gapeval/internal/indexer"
	"gapeval/internal/llm/llmtest"
	"gapeval/internal/metrics"
	"gapeval/internal/requirements"
	"gapeval/internal/retrieval"
	"gapeval/internal/store"
	"gapeval/internal/vectorstore/memory"
)

var (
	policyControl = domain.Control{
		ID: 100, Code: "A.5.1", Name: "Policies for information security",
		Description: "Information security policy shall be defined, approved by management and communicated to personnel.",
		Order:       1,
	}
	inventoryControl = domain.Control{
		ID: 101, Code: "A.5.9", Name: "Inventory of information and other associated assets",
		Description: "An inventory of information and other associated assets, including owners, shall be developed and maintained.",
		Order:       2,
	}
)

const fullCoverage = `{
	"coverage_level": "FULL",
	"kb_alignment": "MATCH",
	"covered_requirements": ["Maintain an inventory of assets", "Assign owners to assets"],
	"missing_requirements": [],
	"explanation": "The asset policy covers the inventory and ownership.",
	"remediation_suggestions": []
}`

func seedFile() store.SeedFile {
	inactive := false
	retired := domain.Control{ID: 102, Code: "A.5.99", Name: "Retired control", Description: "No longer used.", Order: 3}
	return store.SeedFile{
		Frameworks: []store.SeedFramework{{
			Framework: domain.Framework{ID: 1, Name: "ISO 27001", Version: "2022"},
			Groups: []store.SeedGroup{{
				ControlGroup: domain.ControlGroup{ID: 10, Code: "A.5", Name: "Organizational controls", Order: 1},
				Controls: []store.SeedControl{
					{Control: policyControl},
					{Control: inventoryControl},
					{Control: retired, Active: &inactive},
				},
			}},
		}},
		Policies: []store.SeedPolicy{
			{Policy: domain.Policy{ID: 1, CompanyID: 7, FrameworkID: 1, ControlID: 101, Title: "Asset Management Policy",
				Content: inventoryControl.Text(), Status: domain.PolicyApproved}},
			{Policy: domain.Policy{ID: 2, CompanyID: 7, FrameworkID: 1, ControlID: 100, Title: "Security Policy Draft",
				Content: policyControl.Text(), Status: domain.PolicyDraft}},
		},
		Selections: []store.SeedSelection{{CompanyID: 7, FrameworkID: 1, ControlIDs: []int64{101, 100, 101, 102}}},
		KnowledgeBase: []store.SeedKnowledgeBase{
			{FrameworkID: 1, Title: "Annex A.5.9", Version: "2022", Text: inventoryControl.Text()},
			{FrameworkID: 1, Title: "Annex A.5.1", Version: "2022", Text: policyControl.Text()},
		},
	}
}

type recordingPublisher struct {
	mu       sync.Mutex
	verdicts []domain.Verdict
}

func (p *recordingPublisher) PublishVerdict(_ context.Context, v domain.Verdict) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.verdicts = append(p.verdicts, v)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

type fixture struct {
	svc    *GapService
	store  *store.Store
	index  *memory.Storage
	events *recordingPublisher
	kbDocs []domain.KnowledgeBaseDocument
}

func judgeWith(coverageAnswer string) *llmtest.ScriptedJudge {
	return &llmtest.ScriptedJudge{Rules: []llmtest.Rule{
		{Contains: "Extract all atomic", Response: `{"requirements": ["Maintain an inventory of assets", "Assign owners to assets"]}`},
		{Contains: "EVALUATION RULES", Response: coverageAnswer},
	}}
}

func newFixture(t *testing.T, judge domain.Judge, initIndex bool) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(filepath.Join(t.TempDir(), "gapeval.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	kbDocs, err := st.Seed(ctx, seedFile())
	require.NoError(t, err)

	embedder := hashing.NewEmbedder(256)
	index := memory.NewStorage()
	if initIndex {
		require.NoError(t, index.Init(ctx, embedder.Dimension()))
	}
	m := metrics.New()
	pub := &recordingPublisher{}
	svc := NewGapService(Deps{
		Repository: st,
		Indexer:    indexer.New(chunker.NewFixedChunker(chunker.DefaultChunkSize, chunker.DefaultOverlap), embedder, index),
		Retriever:  retrieval.New(embedder, index, retrieval.WithMetrics(m)),
		Decomposer: requirements.New(judge, requirements.WithMetrics(m)),
		Evaluator:  coverage.New(judge, coverage.WithMetrics(m)),
		Engine:     decision.New(decision.DefaultThresholds()),
		Events:     pub,
		Metrics:    m,
	}, DefaultConfig())
	return &fixture{svc: svc, store: st, index: index, events: pub, kbDocs: kbDocs}
}

func (f *fixture) indexAll(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	_, err := f.svc.ReindexPolicies(ctx, 7)
	require.NoError(t, err)
	for _, doc := range f.kbDocs {
		_, err := f.svc.IndexKnowledgeBaseDocument(ctx, doc)
		require.NoError(t, err)
	}
}

func TestEvaluateControl_Compliant(t *testing.T) {
	f := newFixture(t, judgeWith(fullCoverage), true)
	f.indexAll(t)

	v, err := f.svc.EvaluateControl(context.Background(), 101, 7)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusCompliant, v.Status)
	assert.Equal(t, 0, v.RiskScore)
	assert.Equal(t, decision.ReasonCompliant, v.Reason)
	assert.Equal(t, decision.RuleAllConditionsMet, v.Trace.Rule)
	assert.Zero(t, v.GapID)
	assert.Equal(t, int64(1), v.FrameworkID)
	assert.Len(t, v.Requirements, 2)
	require.NotEmpty(t, v.PolicyEvidence)
	assert.Equal(t, "1", v.PolicyEvidence[0].DocumentID)
	assert.GreaterOrEqual(t, v.PolicyEvidence[0].Score, decision.DefaultAutoCompliant)
	assert.NotEmpty(t, v.KBEvidence)

	stored, err := f.store.Evaluation(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompliant, stored.Status)

	gaps, err := f.store.Gaps(context.Background(), 7)
	require.NoError(t, err)
	assert.Empty(t, gaps)
	require.Len(t, f.events.verdicts, 1)
	assert.Equal(t, v.ID, f.events.verdicts[0].ID)
}

func TestEvaluateControl_DraftPolicyIsNotEvidence(t *testing.T) {
	f := newFixture(t, judgeWith(fullCoverage), true)
	f.indexAll(t)

	v, err := f.svc.EvaluateControl(context.Background(), 100, 7)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusGap, v.Status)
	assert.Empty(t, v.PolicyEvidence)
	assert.True(t, v.Trace.HardRuleFailed)
	assert.Equal(t, decision.ReasonNoApprovedPolicies, v.Trace.HardRuleReason)
	assert.Equal(t, decision.RuleHardRule, v.Trace.Rule)
	assert.Equal(t, decision.NoSignalRisk, v.RiskScore)
	assert.Equal(t, domain.SeverityHigh, v.Severity)
	require.NotZero(t, v.GapID)

	gaps, err := f.store.Gaps(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, gaps, 1)
	assert.Equal(t, "Gap in A.5.1", gaps[0].Title)
	assert.Equal(t, domain.GapIdentified, gaps[0].Status)
	assert.Contains(t, gaps[0].RootCause, "hard_rule="+decision.ReasonNoApprovedPolicies)

	rems, err := f.store.Remediations(context.Background(), v.GapID)
	require.NoError(t, err)
	require.Len(t, rems, 1)
	assert.Equal(t, "Remediation for A.5.1", rems[0].Title)
	assert.True(t, strings.HasPrefix(rems[0].ActionPlan, "1. Review and update policies"))
	assert.Equal(t, domain.RemediationPlanned, rems[0].Status)
}

func TestEvaluateControl_UppercaseApprovedStatus(t *testing.T) {
	f := newFixture(t, judgeWith(fullCoverage), true)
	ctx := context.Background()
	require.NoError(t, f.store.UpsertPolicy(ctx, domain.Policy{
		ID: 1, CompanyID: 7, FrameworkID: 1, ControlID: 101, Title: "Asset Management Policy",
		Content: inventoryControl.Text(), Status: "APPROVED", Active: true,
	}))
	f.indexAll(t)

	v, err := f.svc.EvaluateControl(ctx, 101, 7)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompliant, v.Status)
	require.NotEmpty(t, v.PolicyEvidence)
	assert.Equal(t, "1", v.PolicyEvidence[0].DocumentID)
}

func TestEvaluateControl_StaleIndexIsNotEvidence(t *testing.T) {
	f := newFixture(t, judgeWith(fullCoverage), true)
	ctx := context.Background()
	f.indexAll(t)
	require.NoError(t, f.store.UpsertPolicy(ctx, domain.Policy{
		ID: 1, CompanyID: 7, FrameworkID: 1, ControlID: 101, Title: "Asset Management Policy",
		Content: inventoryControl.Text(), Status: domain.PolicyDraft, Active: true,
	}))

	v, err := f.svc.EvaluateControl(ctx, 101, 7)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusGap, v.Status)
	assert.Empty(t, v.PolicyEvidence)
	assert.Equal(t, decision.ReasonNoApprovedPolicies, v.Trace.HardRuleReason)
}

func TestEvaluateControl_JudgeFailureIsConservative(t *testing.T) {
	judge := &llmtest.ScriptedJudge{Err: domain.NewTransientServiceError("judgment", errors.New("unavailable"))}
	f := newFixture(t, judge, true)
	f.indexAll(t)

	v, err := f.svc.EvaluateControl(context.Background(), 101, 7)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusGap, v.Status)
	assert.True(t, v.Trace.JudgmentFallback)
	assert.Equal(t, domain.CoverageNone, v.Trace.CoverageLevel)
	assert.NotEmpty(t, v.Requirements, "requirements fall back to the deterministic splitter")
	assert.NotContains(t, v.Reason, "Error analyzing control")
}

func TestEvaluateControl_MissingControlIsErrorVerdict(t *testing.T) {
	f := newFixture(t, judgeWith(fullCoverage), true)

	v, err := f.svc.EvaluateControl(context.Background(), 999, 7)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, v.Status)
	assert.Equal(t, "Control 999 not found", v.Reason)
	assert.Zero(t, v.GapID)

	gaps, err := f.store.Gaps(context.Background(), 7)
	require.NoError(t, err)
	assert.Empty(t, gaps)
	require.Len(t, f.events.verdicts, 1)
	assert.Equal(t, domain.StatusError, f.events.verdicts[0].Status)
}

func TestEvaluateControl_ConfigurationErrorSurfaces(t *testing.T) {
	f := newFixture(t, judgeWith(fullCoverage), false)

	_, err := f.svc.EvaluateControl(context.Background(), 101, 7)
	require.Error(t, err)
	assert.True(t, domain.IsConfiguration(err))
	assert.Empty(t, f.events.verdicts)
}

func TestEvaluateFramework_UsesSelection(t *testing.T) {
	f := newFixture(t, judgeWith(fullCoverage), true)
	f.indexAll(t)

	res, err := f.svc.EvaluateFramework(context.Background(), 1, 7, 0)
	require.NoError(t, err)

	assert.NotEmpty(t, res.AnalysisID)
	assert.Equal(t, 2, res.Total)
	assert.Equal(t, 1, res.Compliant)
	assert.Equal(t, 1, res.Gaps)
	assert.Equal(t, 1, res.GapsCreated)
	assert.Zero(t, res.Errors)
	require.Len(t, res.Results, 2)
	assert.Equal(t, int64(100), res.Results[0].ControlID)
	assert.Equal(t, int64(101), res.Results[1].ControlID)
}

func TestEvaluateFramework_WithoutSelectionUsesActiveControls(t *testing.T) {
	f := newFixture(t, judgeWith(fullCoverage), true)

	res, err := f.svc.EvaluateFramework(context.Background(), 1, 8, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)
	assert.Equal(t, 2, res.Gaps)

	limited, err := f.svc.EvaluateFramework(context.Background(), 1, 8, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, limited.Total)
}

func TestEvaluateFramework_UnknownFramework(t *testing.T) {
	f := newFixture(t, judgeWith(fullCoverage), true)

	_, err := f.svc.EvaluateFramework(context.Background(), 42, 7, 0)
	require.Error(t, err)
	assert.True(t, domain.IsNotFound(err))
}

type panickyRepo struct {
	*store.Store
	controlID int64
}

func (r panickyRepo) Control(ctx context.Context, id int64) (domain.Control, error) {
	if id == r.controlID {
		panic("corrupt row")
	}
	return r.Store.Control(ctx, id)
}

func TestEvaluateFramework_PanicBecomesErrorResult(t *testing.T) {
	f := newFixture(t, judgeWith(fullCoverage), true)
	f.indexAll(t)
	f.svc.repo = panickyRepo{Store: f.store, controlID: 100}

	res, err := f.svc.EvaluateFramework(context.Background(), 1, 7, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)
	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, 1, res.Compliant)
	assert.Equal(t, domain.StatusError, res.Results[0].Status)
	assert.Contains(t, res.Results[0].Reason, "corrupt row")
}

func TestEvaluateFramework_ConfigurationErrorAborts(t *testing.T) {
	f := newFixture(t, judgeWith(fullCoverage), false)

	res, err := f.svc.EvaluateFramework(context.Background(), 1, 7, 0)
	require.Error(t, err)
	assert.True(t, domain.IsConfiguration(err))
	assert.Zero(t, res.Total)
}

func TestReindexPolicies(t *testing.T) {
	f := newFixture(t, judgeWith(fullCoverage), true)

	res, err := f.svc.ReindexPolicies(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)
	assert.Equal(t, 2, res.Indexed)
	assert.Zero(t, res.Errors)
	assert.Equal(t, 2, f.index.Len(""))

	again, err := f.svc.ReindexPolicies(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, res, again)
	assert.Equal(t, 2, f.index.Len(""), "reindexing overwrites chunks in place")
}

func TestIndexPolicy_NotFound(t *testing.T) {
	f := newFixture(t, judgeWith(fullCoverage), true)

	_, err := f.svc.IndexPolicy(context.Background(), 77)
	assert.True(t, domain.IsNotFound(err))
}

func TestIndexKnowledgeBase(t *testing.T) {
	f := newFixture(t, judgeWith(fullCoverage), true)
	ctx := context.Background()

	doc, res, err := f.svc.IndexKnowledgeBase(ctx, 1, "Guidance", "1.0", inventoryControl.Text())
	require.NoError(t, err)
	assert.NotZero(t, doc.ID)
	assert.Equal(t, 1, res.ChunksIndexed)
	assert.Equal(t, 1, f.index.Len(domain.KnowledgeBaseNamespace(1)))

	_, _, err = f.svc.IndexKnowledgeBase(ctx, 9, "Guidance", "1.0", "text")
	assert.True(t, domain.IsNotFound(err))
}

func TestRetrieveEvidence(t *testing.T) {
	f := newFixture(t, judgeWith(fullCoverage), true)
	f.indexAll(t)
	ctx := context.Background()

	items, err := f.svc.RetrieveEvidence(ctx, EvidenceQuery{Text: inventoryControl.Text(), CompanyID: 7, FrameworkID: 1})
	require.NoError(t, err)
	require.NotEmpty(t, items)
	assert.Equal(t, "1", items[0].DocumentID)
	for _, it := range items {
		assert.GreaterOrEqual(t, it.Score, DefaultConfig().ChatThreshold)
		assert.NotEqual(t, "2", it.DocumentID, "draft policies are never returned")
	}

	kb, err := f.svc.RetrieveEvidence(ctx, EvidenceQuery{Text: inventoryControl.Text(), Kind: domain.SourceKnowledgeBase, FrameworkID: 1})
	require.NoError(t, err)
	require.NotEmpty(t, kb)
	assert.Equal(t, domain.SourceKnowledgeBase, kb[0].Source)

	none, err := f.svc.RetrieveEvidence(ctx, EvidenceQuery{Text: "   "})
	require.NoError(t, err)
	assert.Empty(t, none)
}
