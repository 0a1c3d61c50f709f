package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeJSON(t *testing.T) {
	type answer struct {
		Passed bool     `json:"passed"`
		Issues []string `json:"issues"`
	}

	tests := []struct {
		name    string
		text    string
		want    answer
		wantErr string
	}{
		{
			name: "bare object",
			text: `{"passed": true}`,
			want: answer{Passed: true},
		},
		{
			name: "fenced with prose",
			text: "Here is the result:\n```json\n{\"passed\": false, \"issues\": [\"no tests\"]}\n```\nThanks.",
			want: answer{Issues: []string{"no tests"}},
		},
		{
			name:    "no object",
			text:    "looks fine to me",
			wantErr: "no JSON object",
		},
		{
			name:    "malformed",
			text:    `{"passed": maybe}`,
			wantErr: "decode model response",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got answer
			err := DecodeJSON(tt.text, &got)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractJSON_Nested(t *testing.T) {
	raw, err := ExtractJSON(`answer: {"a": {"b": 1}} done`)
	require.NoError(t, err)
	assert.Equal(t, `{"a": {"b": 1}}`, raw)
}
