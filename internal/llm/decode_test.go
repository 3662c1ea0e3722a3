package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gapeval/internal/domain"
	"gapeval/internal/llm/llmtest"
)

type answer struct {
	Level string `json:"level"`
}

func (a *answer) Validate() error {
	if a.Level == "" {
		return errors.New("level is required")
	}
	return nil
}

func TestDecodeObject(t *testing.T) {
	var a answer
	require.NoError(t, DecodeObject("```json\n{\"level\": \"FULL\"}\n```", &a))
	assert.Equal(t, "FULL", a.Level)
}

func TestDecodeObject_ParseErrors(t *testing.T) {
	for _, raw := range []string{"not json", `{"level": }`, `{"other": 1}`} {
		var a answer
		err := DecodeObject(raw, &a)
		require.Error(t, err, raw)
		assert.True(t, domain.IsParse(err))
		var pe *domain.ParseError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, raw, pe.Raw)
	}
}

func TestAskJSON(t *testing.T) {
	judge := &llmtest.ScriptedJudge{Responses: []string{`{"level":"PARTIAL"}`}}
	var a answer
	raw, err := AskJSON(context.Background(), judge, domain.JudgePrompt{User: "u"}, &a)
	require.NoError(t, err)
	assert.Equal(t, `{"level":"PARTIAL"}`, raw)
	assert.Equal(t, "PARTIAL", a.Level)
	require.Len(t, judge.Prompts(), 1)
	assert.True(t, judge.Prompts()[0].JSON)
}

func TestAskJSON_TransportErrorPassesThrough(t *testing.T) {
	judge := &llmtest.ScriptedJudge{Err: domain.NewTransientServiceError("judgment", errors.New("down"))}
	var a answer
	_, err := AskJSON(context.Background(), judge, domain.JudgePrompt{}, &a)
	assert.True(t, domain.IsTransient(err))
	assert.False(t, domain.IsParse(err))
}

func TestDecodeStringList(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{"json array", `["Define roles", " Review access "]`, []string{"Define roles", "Review access"}},
		{"object field", `{"requirements": ["Encrypt data at rest"]}`, []string{"Encrypt data at rest"}},
		{"numbered list", "Requirements:\n1. Maintain an asset inventory\n2) Assign owners", []string{"Maintain an asset inventory", "Assign owners"}},
		{"bullets", "- Log events\n* Retain logs\n• Review logs", []string{"Log events", "Retain logs", "Review logs"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeStringList(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeStringList_Empty(t *testing.T) {
	for _, raw := range []string{"", "[]", "no list at all"} {
		_, err := DecodeStringList(raw)
		assert.True(t, domain.IsParse(err), raw)
	}
}
