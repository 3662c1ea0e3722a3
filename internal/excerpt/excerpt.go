package excerpt

import (
	"math"
	"regexp"
	"sort"
	"strings"

	"gapeval/internal/textutil"
)

// Selector picks the sentences of a reference text that best match a query.
// Sentences score by the normalized frequency of query terms they contain,
// damped by sentence length; selected sentences keep their original order.
type Selector struct {
	tokenPattern    *regexp.Regexp
	sentencePattern *regexp.Regexp
	stopwords       map[string]struct{}
}

func NewSelector() *Selector {
	return &Selector{
		tokenPattern:    regexp.MustCompile(`\p{L}+(?:['’]\p{L}+)*|\p{N}+`),
		sentencePattern: regexp.MustCompile(`[^.!?\n]+(?:[.!?]+|\n|$)`),
		stopwords:       textutil.Stopwords(textutil.RequirementStopwords...),
	}
}

// Select returns up to maxSentences sentences from texts, joined by spaces and
// cut at maxChars runes. Sentences sharing no term with query are never chosen.
func (s *Selector) Select(query string, texts []string, maxSentences, maxChars int) string {
	if maxSentences <= 0 {
		maxSentences = 3
	}
	queryTerms := map[string]struct{}{}
	for _, tok := range s.terms(query) {
		queryTerms[tok] = struct{}{}
	}
	if len(queryTerms) == 0 {
		return ""
	}

	var sentences []string
	for _, t := range texts {
		for _, sent := range s.sentencePattern.FindAllString(t, -1) {
			if sent = strings.TrimSpace(sent); sent != "" {
				sentences = append(sentences, sent)
			}
		}
	}

	// Term frequency across the reference text, normalized to [0,1].
	freq := map[string]float64{}
	for _, sent := range sentences {
		for _, tok := range s.terms(sent) {
			freq[tok]++
		}
	}
	maxF := 0.0
	for _, v := range freq {
		maxF = math.Max(maxF, v)
	}

	type scored struct {
		idx   int
		score float64
	}
	var ranked []scored
	for i, sent := range sentences {
		toks := s.terms(sent)
		score := 0.0
		for _, tok := range toks {
			if _, ok := queryTerms[tok]; ok {
				score += 1 + freq[tok]/maxF
			}
		}
		if score == 0 {
			continue
		}
		ranked = append(ranked, scored{i, score / math.Sqrt(float64(len(toks)))})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	if len(ranked) > maxSentences {
		ranked = ranked[:maxSentences]
	}
	selected := make([]int, len(ranked))
	for i, r := range ranked {
		selected[i] = r.idx
	}
	sort.Ints(selected)

	out := make([]string, len(selected))
	for i, idx := range selected {
		out[i] = sentences[idx]
	}
	return truncate(strings.Join(out, " "), maxChars)
}

func (s *Selector) terms(text string) []string {
	raw := s.tokenPattern.FindAllString(strings.ToLower(text), -1)
	out := raw[:0]
	for _, t := range raw {
		if _, stop := s.stopwords[t]; !stop {
			out = append(out, t)
		}
	}
	return out
}

func truncate(s string, maxChars int) string {
	r := []rune(s)
	if maxChars <= 0 || len(r) <= maxChars {
		return s
	}
	return strings.TrimSpace(string(r[:maxChars])) + "…"
}
