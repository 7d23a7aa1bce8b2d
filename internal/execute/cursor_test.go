package execute

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darkermemo/huntql/common/apperr"
)

func TestCursorRoundTrip(t *testing.T) {
	s := NewCursorSigner("secret")
	in := Cursor{
		TenantID:   "acme",
		QueryHash:  "qh1",
		SortValues: []interface{}{"2026-03-14 11:44:00.000"},
		EventID:    "evt-0001",
	}

	token, err := s.Encode(in)
	require.NoError(t, err)

	out, err := s.Decode(token, "acme", "qh1")
	require.NoError(t, err)
	assert.Equal(t, in.TenantID, out.TenantID)
	assert.Equal(t, in.SortValues, out.SortValues)
	assert.Equal(t, in.EventID, out.EventID)
	assert.Equal(t, cursorVersion, out.Version)
}

func TestCursorRejectsTenantMismatch(t *testing.T) {
	s := NewCursorSigner("secret")
	token, err := s.Encode(Cursor{TenantID: "acme", QueryHash: "qh1"})
	require.NoError(t, err)

	_, err = s.Decode(token, "globex", "qh1")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
}

func TestCursorRejectsQueryMismatch(t *testing.T) {
	s := NewCursorSigner("secret")
	token, err := s.Encode(Cursor{TenantID: "acme", QueryHash: "qh1"})
	require.NoError(t, err)

	_, err = s.Decode(token, "acme", "qh2")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
}

func TestCursorRejectsForgedPayload(t *testing.T) {
	s := NewCursorSigner("secret")
	token, err := s.Encode(Cursor{TenantID: "acme", QueryHash: "qh1"})
	require.NoError(t, err)

	// Re-point the payload at another tenant without re-signing.
	body, sig, _ := strings.Cut(token, ".")
	raw, err := base64.RawURLEncoding.DecodeString(body)
	require.NoError(t, err)
	forged := strings.Replace(string(raw), "acme", "globex", 1)
	var c Cursor
	require.NoError(t, json.Unmarshal([]byte(forged), &c))
	token = base64.RawURLEncoding.EncodeToString([]byte(forged)) + "." + sig

	_, err = s.Decode(token, "globex", "qh1")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
}

func TestCursorRejectsWrongSecret(t *testing.T) {
	token, err := NewCursorSigner("secret-a").Encode(Cursor{TenantID: "acme", QueryHash: "qh1"})
	require.NoError(t, err)

	_, err = NewCursorSigner("secret-b").Decode(token, "acme", "qh1")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
}

func TestCursorRejectsGarbage(t *testing.T) {
	s := NewCursorSigner("secret")
	for _, token := range []string{"", "nodot", "a.b", "!!!.???"} {
		_, err := s.Decode(token, "acme", "qh1")
		require.Error(t, err, token)
	}
}

func TestQueryHashChangesWithInputs(t *testing.T) {
	a := queryHash("w1", "o1")
	assert.Equal(t, a, queryHash("w1", "o1"))
	assert.NotEqual(t, a, queryHash("w2", "o1"))
	assert.NotEqual(t, a, queryHash("w1", "o2"))
}
