package rule

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseQuery(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []Term
	}{
		{
			name:  "field equals",
			input: "severity:high",
			want:  []Term{{Field: "severity", Op: OpEq, Value: "high"}},
		},
		{
			name:  "quoted value with space",
			input: `user:"alice smith"`,
			want:  []Term{{Field: "user", Op: OpEq, Value: "alice smith"}},
		},
		{
			name:  "comparisons",
			input: "dst_port:>1024 bytes_out:>=4096 http_status:<500 severity:!=low",
			want: []Term{
				{Field: "dst_port", Op: OpGt, Value: "1024"},
				{Field: "bytes_out", Op: OpGte, Value: "4096"},
				{Field: "http_status", Op: OpLt, Value: "500"},
				{Field: "severity", Op: OpNe, Value: "low"},
			},
		},
		{
			name:  "regex",
			input: `dns_query:/.*[.]ru/`,
			want:  []Term{{Field: "dns_query", Op: OpRegex, Value: ".*[.]ru"}},
		},
		{
			name:  "negation",
			input: "-status:success",
			want:  []Term{{Field: "status", Op: OpEq, Value: "success", Negated: true}},
		},
		{
			name:  "bare term",
			input: "beacon",
			want:  []Term{{Op: OpContains, Value: "beacon"}},
		},
		{
			name:  "negated bare term",
			input: "-noise",
			want:  []Term{{Op: OpContains, Value: "noise", Negated: true}},
		},
		{
			name:  "AND is implicit and ignored",
			input: "severity:high AND user:alice",
			want: []Term{
				{Field: "severity", Op: OpEq, Value: "high"},
				{Field: "user", Op: OpEq, Value: "alice"},
			},
		},
		{
			name:  "star matches all",
			input: "*",
			want:  nil,
		},
		{
			name:  "empty matches all",
			input: "  ",
			want:  nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := ParseQuery(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, q.Terms)
		})
	}
}

func TestParseQueryErrors(t *testing.T) {
	for _, input := range []string{
		"severity:high OR user:alice",
		"NOT severity:low",
		`user:"unterminated`,
		"severity:",
	} {
		t.Run(input, func(t *testing.T) {
			_, err := ParseQuery(input)
			require.Error(t, err)
		})
	}
}

func TestMatchAll(t *testing.T) {
	q, err := ParseQuery("*")
	require.NoError(t, err)
	assert.True(t, q.MatchAll())

	q, err = ParseQuery("severity:high")
	require.NoError(t, err)
	assert.False(t, q.MatchAll())

	var nilQ *Query
	assert.True(t, nilQ.MatchAll())
}

func TestNormalizeRoundTrip(t *testing.T) {
	inputs := []string{
		`severity:high -status:success dst_port:>1024 beacon`,
		`user:"alice smith" dns_query:/.*[.]ru/`,
		`*`,
	}
	for _, input := range inputs {
		t.Run(input, func(t *testing.T) {
			q, err := ParseQuery(input)
			require.NoError(t, err)
			normalized := q.Normalize()

			// Normalizing the normalized form is a fixed point.
			q2, err := ParseQuery(normalized)
			require.NoError(t, err)
			assert.Equal(t, normalized, q2.Normalize())
			assert.Equal(t, q.Terms, q2.Terms)
		})
	}
}
