package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gapeval/internal/chunker"
	"gapeval/internal/config"
	"gapeval/internal/coverage"
	"gapeval/internal/decision"
	"gapeval/internal/domain"
	"gapeval/internal/embedding/hashing"
	"gapeval/internal/embedding/openai"
	"gapeval/internal/events"
	"gapeval/internal/indexer"
	"gapeval/internal/llm"
	"gapeval/internal/metrics"
	"gapeval/internal/requirements"
	"gapeval/internal/retrieval"
	"gapeval/internal/service"
	"gapeval/internal/store"
	"gapeval/internal/vectorstore"
	"gapeval/internal/vectorstore/memory"
	"gapeval/internal/vectorstore/qdrant"
)

// app holds the assembled components for one process.
type app struct {
	cfg     *config.AppConfig
	logger  *slog.Logger
	store   *store.Store
	vectors vectorstore.Storage
	metrics *metrics.Metrics
	events  events.Publisher
	svc     *service.GapService
}

func newApp(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (*app, error) {
	embedder, err := newEmbedder(cfg, logger)
	if err != nil {
		return nil, err
	}
	judge, err := newJudge(cfg, logger)
	if err != nil {
		return nil, err
	}
	vectors, err := newVectorStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := vectors.Init(ctx, embedder.Dimension()); err != nil {
		return nil, fmt.Errorf("init vector store: %w", err)
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, err
	}

	var pub events.Publisher = events.Nop{}
	if cfg.Events.NATSURL != "" {
		nc, err := events.Connect(cfg.Events.NATSURL, cfg.Events.SubjectPrefix, logger)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		pub = nc
	}

	m := metrics.New()
	callTimeout := cfg.CallTimeout()
	judgeTimeout := time.Duration(cfg.Judge.TimeoutSecs) * time.Second
	svc := service.NewGapService(service.Deps{
		Repository: st,
		Indexer: indexer.New(
			chunker.NewFixedChunker(cfg.Chunker.ChunkSize, cfg.Chunker.Overlap), embedder, vectors,
			indexer.WithLogger(logger),
		),
		Retriever: retrieval.New(embedder, vectors,
			retrieval.WithCallTimeout(callTimeout), retrieval.WithMetrics(m), retrieval.WithLogger(logger)),
		Decomposer: requirements.New(judge,
			requirements.WithTimeout(judgeTimeout), requirements.WithMetrics(m), requirements.WithLogger(logger)),
		Evaluator: coverage.New(judge,
			coverage.WithTimeout(judgeTimeout), coverage.WithMetrics(m), coverage.WithLogger(logger)),
		Engine: decision.New(decision.Thresholds{
			SimilarityMin: cfg.Decision.SimilarityMin,
			AutoCompliant: cfg.Decision.AutoCompliant,
		}),
		Events:  pub,
		Metrics: m,
		Logger:  logger,
	}, service.Config{
		PolicyThreshold: cfg.Retrieval.PolicyThreshold,
		KBThreshold:     cfg.Retrieval.KBThreshold,
		ChatThreshold:   cfg.Retrieval.ChatThreshold,
		PolicyTopK:      cfg.Retrieval.PolicyTopK,
		KBTopK:          cfg.Retrieval.KBTopK,
		ChatTopK:        cfg.Retrieval.ChatTopK,
	})

	return &app{cfg: cfg, logger: logger, store: st, vectors: vectors, metrics: m, events: pub, svc: svc}, nil
}

func newEmbedder(cfg *config.AppConfig, logger *slog.Logger) (domain.Embedder, error) {
	switch cfg.Embedder.Type {
	case "hashing", "":
		return hashing.NewEmbedder(cfg.Embedder.Dimension), nil
	case "openai":
		if cfg.Embedder.OpenAI == nil {
			return nil, domain.NewConfigurationError(errors.New("openai embedder config missing"))
		}
		o := cfg.Embedder.OpenAI
		return openai.NewClient(openai.Config{
			BaseURL:    o.BaseURL,
			APIKeyEnv:  o.APIKeyEnv,
			Model:      o.Model,
			Dimension:  cfg.Embedder.Dimension,
			Timeout:    time.Duration(o.TimeoutSecs) * time.Second,
			MaxRetries: o.MaxRetries,
			Logger:     logger,
		})
	default:
		return nil, domain.NewConfigurationError(fmt.Errorf("unknown embedder: %s", cfg.Embedder.Type))
	}
}

func newJudge(cfg *config.AppConfig, logger *slog.Logger) (domain.Judge, error) {
	switch cfg.Judge.Type {
	case "none":
		logger.Warn("judgment service disabled, every judgment falls back to the conservative default")
		return llm.Disabled{}, nil
	case "openai", "":
		retry := llm.DefaultRetryConfig()
		if cfg.Judge.MaxRetries > 0 {
			retry.MaxAttempts = cfg.Judge.MaxRetries
		}
		return llm.NewOpenAIJudge(llm.Config{
			BaseURL:     cfg.Judge.BaseURL,
			APIKeyEnv:   cfg.Judge.APIKeyEnv,
			Model:       cfg.Judge.Model,
			Temperature: cfg.Judge.Temperature,
			MaxTokens:   cfg.Judge.MaxTokens,
			Timeout:     time.Duration(cfg.Judge.TimeoutSecs) * time.Second,
			Retry:       retry,
			Logger:      logger,
		})
	default:
		return nil, domain.NewConfigurationError(fmt.Errorf("unknown judge: %s", cfg.Judge.Type))
	}
}

func newVectorStore(cfg *config.AppConfig) (vectorstore.Storage, error) {
	switch cfg.VectorStore.Type {
	case "memory", "":
		return memory.NewStorage(), nil
	case "qdrant":
		q := cfg.VectorStore.Qdrant
		if q == nil {
			return nil, domain.NewConfigurationError(errors.New("qdrant config missing"))
		}
		return qdrant.NewStorage(qdrant.Config{
			URL:        q.URL,
			APIKey:     q.APIKey,
			Collection: q.Collection,
			Timeout:    time.Duration(q.TimeoutSecs) * time.Second,
		}), nil
	default:
		return nil, domain.NewConfigurationError(fmt.Errorf("unknown vector store: %s", cfg.VectorStore.Type))
	}
}

// warm fills an in-memory vector index from the store, since it starts empty
// in every process. A persistent index is left alone.
func (a *app) warm(ctx context.Context) error {
	if _, ok := a.vectors.(*memory.Storage); !ok {
		return nil
	}
	res, err := a.svc.ReindexPolicies(ctx, 0)
	if err != nil {
		return err
	}
	frameworks, err := a.store.Frameworks(ctx)
	if err != nil {
		return err
	}
	kbDocs := 0
	for _, f := range frameworks {
		docs, err := a.store.KnowledgeBaseDocuments(ctx, f.ID)
		if err != nil {
			return err
		}
		for _, doc := range docs {
			if _, err := a.svc.IndexKnowledgeBaseDocument(ctx, doc); err != nil {
				return err
			}
			kbDocs++
		}
	}
	a.logger.Info("in-memory index warmed", "policies", res.Indexed, "kb_documents", kbDocs)
	return nil
}

func (a *app) Close() error {
	return errors.Join(a.events.Close(), a.store.Close())
}
