package retrieval

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"gapeval/internal/domain"
	"gapeval/internal/metrics"
	"gapeval/internal/vectorstore"
)

// Scope narrows a query to one evidence source. Zero ids are not filtered on.
type Scope struct {
	Kind         domain.SourceKind
	CompanyID    int64
	FrameworkID  int64
	ControlID    int64
	ApprovedOnly bool
}

// PolicyScope selects approved policy chunks mapped to one control.
func PolicyScope(companyID, frameworkID, controlID int64) Scope {
	return Scope{
		Kind:         domain.SourcePolicy,
		CompanyID:    companyID,
		FrameworkID:  frameworkID,
		ControlID:    controlID,
		ApprovedOnly: true,
	}
}

// KnowledgeBaseScope selects the framework's knowledge-base partition.
func KnowledgeBaseScope(frameworkID int64) Scope {
	return Scope{Kind: domain.SourceKnowledgeBase, FrameworkID: frameworkID}
}

func (s Scope) Namespace() string {
	if s.Kind == domain.SourceKnowledgeBase {
		return domain.KnowledgeBaseNamespace(s.FrameworkID)
	}
	return vectorstore.DefaultNamespace
}

func (s Scope) Filter() vectorstore.Filter {
	f := vectorstore.Filter{}
	if s.Kind == domain.SourceKnowledgeBase {
		return f
	}
	f["document_type"] = string(domain.SourcePolicy)
	if s.CompanyID != 0 {
		f["company_id"] = s.CompanyID
	}
	if s.FrameworkID != 0 {
		f["framework_id"] = s.FrameworkID
	}
	if s.ControlID != 0 {
		f["control_id"] = s.ControlID
	}
	if s.ApprovedOnly {
		f["status"] = string(domain.PolicyApproved)
	}
	return f
}

// Query is one retrieval request. FallbackText, when set, is tried once if
// Text produces no kept match above Threshold. Keep, when set, drops items
// before that decision.
type Query struct {
	Text         string
	FallbackText string
	Scope        Scope
	Threshold    float64
	TopK         int
	Keep         func(domain.EvidenceItem) bool
}

type Retriever struct {
	embedder    domain.Embedder
	store       vectorstore.Storage
	callTimeout time.Duration
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

type Option func(*Retriever)

// WithCallTimeout bounds each embedding and index call.
func WithCallTimeout(d time.Duration) Option {
	return func(r *Retriever) { r.callTimeout = d }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Retriever) { r.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Retriever) { r.logger = l }
}

func New(embedder domain.Embedder, store vectorstore.Storage, opts ...Option) *Retriever {
	r := &Retriever{embedder: embedder, store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Retrieve returns at most q.TopK evidence items scoring at least q.Threshold,
// best first. An upstream failure yields no evidence rather than an error;
// only a ConfigurationError is returned.
func (r *Retriever) Retrieve(ctx context.Context, q Query) ([]domain.EvidenceItem, error) {
	topK := q.TopK
	if topK <= 0 {
		topK = 5
	}
	items, err := r.search(ctx, q.Text, q, topK)
	if err != nil {
		return nil, err
	}
	fallback := strings.TrimSpace(q.FallbackText)
	if len(items) == 0 && fallback != "" && fallback != strings.TrimSpace(q.Text) {
		r.logger.Debug("primary retrieval empty, retrying with fallback text",
			"kind", q.Scope.Kind, "namespace", q.Scope.Namespace())
		items, err = r.search(ctx, fallback, q, topK)
		if err != nil {
			return nil, err
		}
	}
	if len(items) > topK {
		items = items[:topK]
	}
	return items, nil
}

func (r *Retriever) search(ctx context.Context, text string, q Query, topK int) ([]domain.EvidenceItem, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	vec, err := r.embed(ctx, text)
	if err != nil {
		return nil, r.absorb(err, q.Scope, "embed")
	}
	matches, err := r.query(ctx, vec, q.Scope, 2*topK)
	if err != nil {
		return nil, r.absorb(err, q.Scope, "query")
	}
	items := make([]domain.EvidenceItem, 0, len(matches))
	for _, m := range matches {
		if m.Score < q.Threshold {
			continue
		}
		it := toEvidence(q.Scope.Kind, m)
		if q.Keep != nil && !q.Keep(it) {
			continue
		}
		items = append(items, it)
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].Score > items[j].Score })
	return items, nil
}

func (r *Retriever) embed(ctx context.Context, text string) ([]float64, error) {
	ctx, cancel := r.callContext(ctx)
	defer cancel()
	return r.embedder.Embed(ctx, text)
}

func (r *Retriever) query(ctx context.Context, vec []float64, scope Scope, limit int) ([]vectorstore.Match, error) {
	ctx, cancel := r.callContext(ctx)
	defer cancel()
	return r.store.Query(ctx, scope.Namespace(), vec, limit, scope.Filter())
}

func (r *Retriever) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.callTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.callTimeout)
}

// absorb turns an upstream failure into "no evidence". Configuration errors pass through.
func (r *Retriever) absorb(err error, scope Scope, stage string) error {
	if domain.IsConfiguration(err) {
		return err
	}
	r.metrics.RetrievalFailure(scope.Kind)
	r.logger.Warn("evidence retrieval failed, continuing without evidence",
		"kind", scope.Kind, "namespace", scope.Namespace(), "stage", stage, "error", err)
	return nil
}

func toEvidence(kind domain.SourceKind, m vectorstore.Match) domain.EvidenceItem {
	meta := make(map[string]any, len(m.Metadata))
	for k, v := range m.Metadata {
		if k == "text" {
			continue
		}
		meta[k] = v
	}
	text, _ := m.Metadata["text"].(string)
	title := stringValue(m.Metadata["policy_title"])
	if title == "" {
		title = stringValue(m.Metadata["title"])
	}
	return domain.EvidenceItem{
		Source:     kind,
		DocumentID: stringValue(m.Metadata["document_id"]),
		ChunkIndex: int(int64Value(m.Metadata["chunk_index"])),
		Title:      title,
		Text:       text,
		Score:      m.Score,
		Metadata:   meta,
	}
}

func stringValue(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case int:
		return strconv.Itoa(s)
	case int64:
		return strconv.FormatInt(s, 10)
	}
	return ""
}

func int64Value(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	}
	return 0
}

// MaxScore is the highest score among items, or 0 when there are none.
func MaxScore(items []domain.EvidenceItem) float64 {
	best := 0.0
	for _, it := range items {
		if it.Score > best {
			best = it.Score
		}
	}
	return best
}
