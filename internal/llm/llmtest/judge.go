// Package llmtest provides a scripted judge for tests.
package llmtest

import (
	"context"
	"errors"
	"strings"
	"sync"

	"gapeval/internal/domain"
)

// ScriptedJudge answers prompts from a script. Rules are checked in order and
// the first whose Contains substring appears in the user prompt answers.
// Otherwise Responses are returned in sequence, then Default.
type ScriptedJudge struct {
	mu        sync.Mutex
	Rules     []Rule
	Responses []string
	Default   string
	Err       error
	prompts   []domain.JudgePrompt
	next      int
}

type Rule struct {
	Contains string
	Response string
	Err      error
}

func (s *ScriptedJudge) Judge(_ context.Context, prompt domain.JudgePrompt) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, prompt)
	if s.Err != nil {
		return "", s.Err
	}
	for _, r := range s.Rules {
		if strings.Contains(prompt.User, r.Contains) || strings.Contains(prompt.System, r.Contains) {
			return r.Response, r.Err
		}
	}
	if s.next < len(s.Responses) {
		resp := s.Responses[s.next]
		s.next++
		return resp, nil
	}
	if s.Default != "" {
		return s.Default, nil
	}
	return "", domain.NewTransientServiceError("judgment", errors.New("script exhausted"))
}

// Prompts returns every prompt received so far.
func (s *ScriptedJudge) Prompts() []domain.JudgePrompt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.JudgePrompt(nil), s.prompts...)
}
