package chunker

import (
	"strings"

	"gapeval/internal/domain"
)

const (
	DefaultChunkSize = 900
	DefaultOverlap   = 150
)

// Chunk splits text into segments of at most chunkSize characters where each
// segment starts overlap characters before the previous one ended. The cursor
// always advances by at least one character, so overlap >= chunkSize still
// terminates. Empty text yields nil.
func Chunk(text string, chunkSize, overlap int) []string {
	if text == "" {
		return nil
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if overlap < 0 {
		overlap = 0
	}
	runes := []rune(text)
	var chunks []string
	start := 0
	for start < len(runes) {
		end := start + chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
		next := end - overlap
		if next <= start {
			next = start + 1
		}
		start = next
	}
	return chunks
}

// FixedChunker turns a document into indexed chunks with a fixed size and overlap.
type FixedChunker struct {
	chunkSize int
	overlap   int
}

func NewFixedChunker(chunkSize, overlap int) *FixedChunker {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if overlap < 0 {
		overlap = 0
	}
	return &FixedChunker{chunkSize: chunkSize, overlap: overlap}
}

// Chunk splits the full, untruncated text of a document. Whitespace-only text yields nil.
func (c *FixedChunker) Chunk(documentID string, kind domain.SourceKind, text string) []domain.Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	parts := Chunk(text, c.chunkSize, c.overlap)
	chunks := make([]domain.Chunk, len(parts))
	for i, p := range parts {
		chunks[i] = domain.Chunk{
			DocumentID: documentID,
			Kind:       kind,
			Index:      i,
			Total:      len(parts),
			Text:       p,
		}
	}
	return chunks
}
