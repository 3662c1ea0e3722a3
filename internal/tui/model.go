package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"gapeval/internal/domain"
	"gapeval/internal/excerpt"
	"gapeval/internal/service"
)

// EvidencePort is the TUI-facing subset of the gap service.
type EvidencePort interface {
	RetrieveEvidence(ctx context.Context, q service.EvidenceQuery) ([]domain.EvidenceItem, error)
}

// Scope fixes the company and framework the explorer searches in.
type Scope struct {
	CompanyID   int64
	FrameworkID int64
	ControlID   int64
	TopK        int
}

type resultsMsg struct {
	query string
	kind  domain.SourceKind
	items []domain.EvidenceItem
	err   error
}

// Model is the Bubble Tea model for the evidence explorer.
type Model struct {
	service   EvidencePort
	scope     Scope
	kind      domain.SourceKind
	timeout   time.Duration
	input     textinput.Model
	viewport  viewport.Model
	results   []domain.EvidenceItem
	status    string
	cursor    int
	ready     bool
	searching bool
	lastQuery string
}

// New creates a new explorer searching approved policies first.
func New(svc EvidencePort, scope Scope) Model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "Describe a requirement and press Enter"
	ti.Focus()
	ti.CharLimit = 0
	vp := viewport.New(0, 0)
	return Model{
		service:  svc,
		scope:    scope,
		kind:     domain.SourcePolicy,
		timeout:  30 * time.Second,
		input:    ti,
		viewport: vp,
		status:   "Tab switches between policies and knowledge base.",
	}
}

// Init initializes the model (text input cursor blink).
func (m Model) Init() tea.Cmd { return textinput.Blink }

// Update handles key, window and search-result events.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		_, rh := resultBoxStyle.GetFrameSize()
		_, qh := queryBoxStyle.GetFrameSize()
		reserved := 2 + 1 + qh + 1 // header+scope, status, spacer
		vh := max(3, msg.Height-reserved)
		m.viewport.Width = max(20, msg.Width)
		m.viewport.Height = max(3, vh-rh)
		m.viewport.SetContent(m.renderCurrentResult())
		return m, nil
	case resultsMsg:
		m.searching = false
		if msg.err != nil {
			m.status = "Error: " + msg.err.Error()
			m.results = nil
		} else {
			m.results = msg.items
			m.cursor = 0
			m.lastQuery = msg.query
			m.status = fmt.Sprintf("%d %s result(s) for %q", len(msg.items), kindLabel(msg.kind), msg.query)
		}
		m.viewport.SetContent(m.renderCurrentResult())
		return m, nil
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC || msg.Type == tea.KeyCtrlD {
			return m, tea.Quit
		}
		switch msg.String() {
		case "enter":
			q := strings.TrimSpace(m.input.Value())
			if q != "" && !m.searching {
				m.searching = true
				m.status = "Searching " + kindLabel(m.kind) + "..."
				return m, m.search(q, m.kind)
			}
		case "tab":
			if m.kind == domain.SourcePolicy {
				m.kind = domain.SourceKnowledgeBase
			} else {
				m.kind = domain.SourcePolicy
			}
			m.status = "Source: " + kindLabel(m.kind)
			return m, nil
		case "down":
			if len(m.results) > 0 {
				m.cursor = (m.cursor + 1) % len(m.results)
				m.viewport.SetContent(m.renderCurrentResult())
				return m, nil
			}
		case "up":
			if len(m.results) > 0 {
				m.cursor = (m.cursor - 1 + len(m.results)) % len(m.results)
				m.viewport.SetContent(m.renderCurrentResult())
				return m, nil
			}
		}
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) search(query string, kind domain.SourceKind) tea.Cmd {
	svc, scope, timeout := m.service, m.scope, m.timeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		items, err := svc.RetrieveEvidence(ctx, service.EvidenceQuery{
			Text:        query,
			Kind:        kind,
			CompanyID:   scope.CompanyID,
			FrameworkID: scope.FrameworkID,
			ControlID:   scope.ControlID,
			TopK:        scope.TopK,
		})
		return resultsMsg{query: query, kind: kind, items: items, err: err}
	}
}

// View renders the layout and the current result.
func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	header := lipgloss.NewStyle().Bold(true).Render("Evidence Explorer")
	scope := lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Render(m.scopeLine())
	input := queryBoxStyle.Render(m.input.View())
	status := lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Render(m.status)
	results := resultBoxStyle.Render(m.viewport.View())
	return header + "\n" + scope + "\n" + results + "\n" + input + "\n" + status
}

func (m Model) scopeLine() string {
	line := fmt.Sprintf("source=%s company=%d framework=%d", kindLabel(m.kind), m.scope.CompanyID, m.scope.FrameworkID)
	if m.scope.ControlID != 0 {
		line += fmt.Sprintf(" control=%d", m.scope.ControlID)
	}
	return line
}

func (m Model) renderCurrentResult() string {
	if len(m.results) == 0 {
		return "No results yet."
	}
	r := m.results[m.cursor]
	title := fmt.Sprintf("Result %d/%d  score=%.3f  %s", m.cursor+1, len(m.results), r.Score, describe(r))
	body := highlightBestSentence(r.Text, m.lastQuery)
	return title + "\n\n" + body
}

func describe(ev domain.EvidenceItem) string {
	name := ev.Title
	if name == "" {
		name = string(ev.Source) + " " + ev.DocumentID
	}
	return fmt.Sprintf("%s (chunk %d)", name, ev.ChunkIndex)
}

func kindLabel(k domain.SourceKind) string {
	if k == domain.SourceKnowledgeBase {
		return "knowledge base"
	}
	return "policies"
}

var (
	resultBoxStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	queryBoxStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	highlightStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	bestSentence   = excerpt.NewSelector()
)

// highlightBestSentence renders the sentence that best matches query in bold.
func highlightBestSentence(text, query string) string {
	best := bestSentence.Select(query, []string{text}, 1, 0)
	if best == "" || !strings.Contains(text, best) {
		return text
	}
	return strings.Replace(text, best, highlightStyle.Render(best), 1)
}
