package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"gapeval/internal/chunker"
	"gapeval/internal/domain"
	"gapeval/internal/vectorstore"
)

// Request is one document to chunk, embed and upsert.
type Request struct {
	DocumentID string
	Kind       domain.SourceKind
	Text       string
	Namespace  string
	Metadata   map[string]any
}

// Result counts the chunks that reached the index. Errors lists non-fatal
// per-chunk or per-batch failures.
type Result struct {
	ChunksIndexed int      `json:"chunks_indexed"`
	TotalChunks   int      `json:"total_chunks"`
	Errors        []string `json:"errors,omitempty"`
}

type Indexer struct {
	chunker     *chunker.FixedChunker
	embedder    domain.Embedder
	store       vectorstore.Storage
	batchSize   int
	concurrency int
	logger      *slog.Logger
}

type Option func(*Indexer)

func WithBatchSize(n int) Option {
	return func(ix *Indexer) {
		if n > 0 && n <= vectorstore.MaxUpsertBatch {
			ix.batchSize = n
		}
	}
}

// WithConcurrency bounds parallel embedding calls per document.
func WithConcurrency(n int) Option {
	return func(ix *Indexer) {
		if n > 0 {
			ix.concurrency = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(ix *Indexer) { ix.logger = l }
}

func New(c *chunker.FixedChunker, embedder domain.Embedder, store vectorstore.Storage, opts ...Option) *Indexer {
	ix := &Indexer{
		chunker:     c,
		embedder:    embedder,
		store:       store,
		batchSize:   vectorstore.MaxUpsertBatch,
		concurrency: 4,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// IndexDocument chunks req.Text, embeds each chunk and upserts the vectors in
// capped batches. Blank text indexes nothing. A chunk that fails to embed is
// skipped and a failed batch does not undo earlier ones; only a
// ConfigurationError is returned.
func (ix *Indexer) IndexDocument(ctx context.Context, req Request) (Result, error) {
	var res Result
	if strings.TrimSpace(req.Text) == "" {
		return res, nil
	}
	chunks := ix.chunker.Chunk(req.DocumentID, req.Kind, req.Text)
	res.TotalChunks = len(chunks)

	vectors := make([]*vectorstore.Vector, len(chunks))
	chunkErrs := make([]error, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.concurrency)
	for i, ch := range chunks {
		i, ch := i, ch
		g.Go(func() error {
			values, err := ix.embedder.Embed(gctx, ch.Text)
			if err != nil {
				if domain.IsConfiguration(err) {
					return err
				}
				chunkErrs[i] = err
				return nil
			}
			vectors[i] = &vectorstore.Vector{
				ID:       ch.VectorID(),
				Values:   values,
				Metadata: chunkMetadata(req, ch),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}

	ready := make([]vectorstore.Vector, 0, len(vectors))
	for i, v := range vectors {
		if v == nil {
			ix.logger.Warn("chunk embedding failed",
				"document_id", req.DocumentID, "chunk_index", i, "error", chunkErrs[i])
			res.Errors = append(res.Errors, fmt.Sprintf("chunk %d: %v", i, chunkErrs[i]))
			continue
		}
		ready = append(ready, *v)
	}

	for start := 0; start < len(ready); start += ix.batchSize {
		end := min(start+ix.batchSize, len(ready))
		batch := ready[start:end]
		if err := ix.store.Upsert(ctx, req.Namespace, batch); err != nil {
			if domain.IsConfiguration(err) {
				return res, err
			}
			ix.logger.Warn("upsert batch failed",
				"document_id", req.DocumentID, "namespace", req.Namespace, "batch_start", start, "error", err)
			res.Errors = append(res.Errors, fmt.Sprintf("batch %d-%d: %v", start, end-1, err))
			continue
		}
		res.ChunksIndexed += len(batch)
	}
	ix.logger.Debug("document indexed",
		"document_id", req.DocumentID, "kind", req.Kind, "namespace", req.Namespace,
		"chunks", res.ChunksIndexed, "errors", len(res.Errors))
	return res, nil
}

// chunkMetadata always carries the full chunk text; it is never truncated.
func chunkMetadata(req Request, ch domain.Chunk) map[string]any {
	meta := make(map[string]any, len(req.Metadata)+5)
	for k, v := range req.Metadata {
		meta[k] = v
	}
	if _, ok := meta["document_type"]; !ok {
		meta["document_type"] = string(req.Kind)
	}
	meta["text"] = ch.Text
	meta["chunk_index"] = ch.Index
	meta["total_chunks"] = ch.Total
	meta["document_id"] = req.DocumentID
	return meta
}
