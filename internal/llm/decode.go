package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"gapeval/internal/domain"
)

// Validator is implemented by answer types that can check their own schema after decoding.
type Validator interface {
	Validate() error
}

// AskJSON sends prompt and decodes the JSON object in the answer into out.
// Transport failures come back unchanged; an answer that cannot be decoded or
// fails out.Validate comes back as a domain.ParseError carrying the raw text.
func AskJSON(ctx context.Context, judge domain.Judge, prompt domain.JudgePrompt, out any) (string, error) {
	prompt.JSON = true
	raw, err := judge.Judge(ctx, prompt)
	if err != nil {
		return "", err
	}
	return raw, DecodeObject(raw, out)
}

// DecodeObject strictly decodes the JSON object embedded in raw.
func DecodeObject(raw string, out any) error {
	body := ExtractJSON(raw)
	if body == "" {
		return domain.NewParseError(raw, errors.New("no JSON object in response"))
	}
	if err := json.Unmarshal([]byte(body), out); err != nil {
		return domain.NewParseError(raw, fmt.Errorf("decode: %w", err))
	}
	if v, ok := out.(Validator); ok {
		if err := v.Validate(); err != nil {
			return domain.NewParseError(raw, err)
		}
	}
	return nil
}

var listItemPattern = regexp.MustCompile(`^\s*(?:\d+[.)]|[-*•])\s+(.+)$`)

// DecodeStringList reads a list of strings from raw. It accepts a JSON array,
// an object whose first array-of-strings field holds the list, or a numbered or
// bulleted plain-text list. Blank items are dropped.
func DecodeStringList(raw string) ([]string, error) {
	if body := ExtractJSONArray(raw); body != "" {
		var items []string
		if err := json.Unmarshal([]byte(body), &items); err == nil {
			if out := compact(items); len(out) > 0 {
				return out, nil
			}
		}
	}
	if body := ExtractJSON(raw); body != "" {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal([]byte(body), &obj); err == nil {
			for _, key := range []string{"requirements", "items"} {
				var items []string
				if err := json.Unmarshal(obj[key], &items); err == nil {
					if out := compact(items); len(out) > 0 {
						return out, nil
					}
				}
			}
		}
	}
	var items []string
	for _, line := range strings.Split(raw, "\n") {
		if m := listItemPattern.FindStringSubmatch(line); m != nil {
			items = append(items, m[1])
		}
	}
	if out := compact(items); len(out) > 0 {
		return out, nil
	}
	return nil, domain.NewParseError(raw, errors.New("no list items in response"))
}

func compact(items []string) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		it = strings.TrimSpace(it)
		if it != "" {
			out = append(out, it)
		}
	}
	return out
}
