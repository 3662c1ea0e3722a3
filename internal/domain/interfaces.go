package domain

import "context"

// Embedder converts free text into a fixed-dimension vector.
// Implementations must fail on empty input rather than return a zero vector.
type Embedder interface {
	Name() string
	Dimension() int
	Embed(ctx context.Context, text string) ([]float64, error)
}

// JudgePrompt is a single request to the generative judgment service.
type JudgePrompt struct {
	System string
	User   string
	// JSON asks the service to answer with a single JSON object.
	JSON bool
}

// Judge is the only generative capability the engine relies on: prompt in, text out.
type Judge interface {
	Judge(ctx context.Context, prompt JudgePrompt) (string, error)
}
