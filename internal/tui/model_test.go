package tui

import (
	"context"
	"errors"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gapeval/internal/domain"
	"gapeval/internal/service"
)

type fakePort struct {
	items []domain.EvidenceItem
	err   error
	last  service.EvidenceQuery
}

func (f *fakePort) RetrieveEvidence(_ context.Context, q service.EvidenceQuery) ([]domain.EvidenceItem, error) {
	f.last = q
	return f.items, f.err
}

func typeQuery(m Model, q string) Model {
	for _, r := range q {
		next, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}})
		m = next.(Model)
	}
	return m
}

func TestSearchRunsAsCommand(t *testing.T) {
	port := &fakePort{items: []domain.EvidenceItem{
		{Source: domain.SourcePolicy, DocumentID: "1", Title: "Asset Policy", Text: "Assets are listed. Owners review the register.", Score: 0.81},
		{Source: domain.SourcePolicy, DocumentID: "4", Text: "Backups run nightly.", Score: 0.64},
	}}
	m := New(port, Scope{CompanyID: 7, FrameworkID: 1})
	next, _ := m.Update(tea.WindowSizeMsg{Width: 100, Height: 30})
	m = typeQuery(next.(Model), "owners")

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(Model)
	require.NotNil(t, cmd)
	assert.True(t, m.searching)

	next, _ = m.Update(cmd())
	m = next.(Model)
	assert.False(t, m.searching)
	assert.Equal(t, "owners", port.last.Text)
	assert.Equal(t, domain.SourcePolicy, port.last.Kind)
	assert.Equal(t, int64(7), port.last.CompanyID)
	assert.Len(t, m.results, 2)
	assert.Contains(t, m.status, "2 policies result(s)")
	assert.Contains(t, m.renderCurrentResult(), "Asset Policy (chunk 0)")

	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyDown})
	m = next.(Model)
	assert.Equal(t, 1, m.cursor)
	assert.Contains(t, m.renderCurrentResult(), "policy 4")
	assert.Contains(t, m.View(), "Evidence Explorer")
}

func TestTabSwitchesSource(t *testing.T) {
	port := &fakePort{}
	m := New(port, Scope{CompanyID: 7, FrameworkID: 1})

	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyTab})
	m = next.(Model)
	assert.Equal(t, domain.SourceKnowledgeBase, m.kind)

	m = typeQuery(m, "inventory")
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	require.NotNil(t, cmd)
	cmd()
	assert.Equal(t, domain.SourceKnowledgeBase, port.last.Kind)
}

func TestSearchError(t *testing.T) {
	m := New(&fakePort{}, Scope{})
	next, _ := m.Update(resultsMsg{query: "x", err: errors.New("index unavailable")})
	m = next.(Model)
	assert.Equal(t, "Error: index unavailable", m.status)
	assert.Equal(t, "No results yet.", m.renderCurrentResult())
}

func TestHighlightBestSentence(t *testing.T) {
	out := highlightBestSentence("Assets are listed. Owners review the register quarterly.", "register owners")
	assert.Contains(t, out, "Assets are listed.")
	assert.Contains(t, out, "register quarterly.")
	assert.Equal(t, "", highlightBestSentence("", "q"))
}
