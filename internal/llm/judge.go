package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"gapeval/internal/domain"
)

// Config configures the OpenAI-compatible judgment client.
type Config struct {
	BaseURL     string
	APIKeyEnv   string
	Model       string
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration
	Retry       RetryConfig
	Logger      *slog.Logger
}

// RetryConfig holds retry settings for judgment requests.
type RetryConfig struct {
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       2,
		BackoffBase:       500 * time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxBackoff:        5 * time.Second,
	}
}

// OpenAIJudge implements domain.Judge over the chat completions API.
type OpenAIJudge struct {
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
	timeout     time.Duration
	retry       RetryConfig
	logger      *slog.Logger
}

func NewOpenAIJudge(cfg Config) (*OpenAIJudge, error) {
	if cfg.APIKeyEnv == "" {
		cfg.APIKeyEnv = "OPENAI_API_KEY"
	}
	apiKey := os.Getenv(cfg.APIKeyEnv)
	if apiKey == "" && cfg.BaseURL == "" {
		return nil, domain.NewConfigurationError(fmt.Errorf("missing API key in env %s", cfg.APIKeyEnv))
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	oc := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	oc.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	return &OpenAIJudge{
		client:      openai.NewClientWithConfig(oc),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		timeout:     cfg.Timeout,
		retry:       cfg.Retry,
		logger:      cfg.Logger,
	}, nil
}

// Judge sends one system+user exchange and returns the first choice's text.
// Failures are reported as TransientServiceError("judgment").
func (j *OpenAIJudge) Judge(ctx context.Context, prompt domain.JudgePrompt) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       j.model,
		Temperature: j.temperature,
		MaxTokens:   j.maxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt.System},
			{Role: openai.ChatMessageRoleUser, Content: prompt.User},
		},
	}
	if prompt.JSON {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	backoff := j.retry.BackoffBase
	var lastErr error
	for attempt := 1; attempt <= j.retry.MaxAttempts; attempt++ {
		text, err := j.complete(ctx, req)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !retryable(err) || attempt == j.retry.MaxAttempts {
			break
		}
		j.logger.Debug("judgment request failed, retrying", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return "", domain.NewTransientServiceError("judgment", ctx.Err())
		case <-time.After(backoff):
		}
		backoff = time.Duration(float64(backoff) * j.retry.BackoffMultiplier)
		if backoff > j.retry.MaxBackoff {
			backoff = j.retry.MaxBackoff
		}
	}
	return "", domain.NewTransientServiceError("judgment", lastErr)
}

func (j *OpenAIJudge) complete(ctx context.Context, req openai.ChatCompletionRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()
	resp, err := j.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("empty choices in completion response")
	}
	return resp.Choices[0].Message.Content, nil
}

func retryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500
	}
	return !errors.Is(err, context.Canceled)
}

// Disabled is the judge used when no judgment service is configured. Every
// call fails, so decomposition and evaluation take their deterministic fallbacks.
type Disabled struct{}

var ErrJudgeDisabled = errors.New("judgment service disabled")

func (Disabled) Judge(context.Context, domain.JudgePrompt) (string, error) {
	return "", domain.NewTransientServiceError("judgment", ErrJudgeDisabled)
}
