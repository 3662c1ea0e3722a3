package textutil

var englishStopwords = []string{
	"a", "an", "the", "and", "or", "but", "if", "then", "else", "for", "to", "of", "in", "on", "at", "by", "with", "as",
	"is", "are", "was", "were", "be", "been", "being", "it", "this", "that", "these", "those", "from", "up", "down",
	"over", "under", "again", "further", "than", "so", "such", "into", "about", "between", "through", "during",
	"before", "after", "above", "below", "out", "off", "own", "same", "too", "very", "can", "will", "just", "don", "now",
}

// RequirementStopwords are modal words that carry no topic in control text.
var RequirementStopwords = []string{"should", "shall", "must", "all", "any"}

// Stopwords returns a fresh set of the English stopwords plus extra.
func Stopwords(extra ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(englishStopwords)+len(extra))
	for _, w := range englishStopwords {
		m[w] = struct{}{}
	}
	for _, w := range extra {
		m[w] = struct{}{}
	}
	return m
}
