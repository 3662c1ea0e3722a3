package llm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"plain object", `{"coverage_level":"FULL"}`, `{"coverage_level":"FULL"}`},
		{"code fence", "Here you go:\n```json\n{\"a\": 1}\n```\nThanks", `{"a": 1}`},
		{"surrounding prose", `Result: {"a": 1} done`, `{"a": 1}`},
		{"trailing comma", `{"a": [1, 2,],}`, `{"a": [1, 2]}`},
		{"none", "no json here", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractJSON(tt.content))
		})
	}
}

func TestExtractJSON_StripsCommentsOutsideStrings(t *testing.T) {
	raw := "{\n  \"url\": \"http://example.com\", // source\n  \"b\": 2\n}"
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(ExtractJSON(raw)), &out))
	assert.Equal(t, "http://example.com", out["url"])
}

func TestExtractJSONArray(t *testing.T) {
	assert.Equal(t, `["a", "b"]`, ExtractJSONArray("```\n[\"a\", \"b\"]\n```"))
	assert.Equal(t, `["x"]`, ExtractJSONArray(`The list is ["x"].`))
	assert.Equal(t, "", ExtractJSONArray("nothing"))
}
