// Package execute runs compiled statements against the event store: limit
// clamping, keyset pagination with signed cursors, deterministic sampling,
// per-tenant concurrency limiting, and timeout handling.
package execute

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/darkermemo/huntql/common/apperr"
)

// cursorVersion is bumped whenever the payload shape changes; old cursors
// are rejected rather than misread.
const cursorVersion = 1

// Cursor is the keyset pagination state: the sort-key values and event id
// of the last row served, bound to the tenant and to a hash of the query it
// was issued for.
type Cursor struct {
	Version    int           `json:"v"`
	TenantID   string        `json:"t"`
	QueryHash  string        `json:"q"`
	SortValues []interface{} `json:"s"`
	EventID    string        `json:"e"`
}

// CursorSigner encodes cursors as HMAC-SHA256 signed opaque tokens. Clients
// cannot forge or tamper with pagination state, and a cursor issued for one
// tenant is useless for another.
type CursorSigner struct {
	secret []byte
}

// NewCursorSigner creates a signer from a shared secret.
func NewCursorSigner(secret string) *CursorSigner {
	return &CursorSigner{secret: []byte(secret)}
}

// Encode serializes and signs a cursor.
func (s *CursorSigner) Encode(c Cursor) (string, error) {
	c.Version = cursorVersion
	payload, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode cursor: %w", err)
	}
	body := base64.RawURLEncoding.EncodeToString(payload)
	return body + "." + s.sign(body), nil
}

// Decode verifies and deserializes a cursor token. The tenant and query
// hash must match what the token was issued for.
func (s *CursorSigner) Decode(token, tenantID, queryHash string) (Cursor, error) {
	body, sig, ok := strings.Cut(token, ".")
	if !ok {
		return Cursor{}, apperr.Validation("malformed cursor")
	}
	if !hmac.Equal([]byte(s.sign(body)), []byte(sig)) {
		return Cursor{}, apperr.Validation("cursor signature mismatch")
	}

	payload, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return Cursor{}, apperr.Validation("malformed cursor")
	}
	var c Cursor
	if err := json.Unmarshal(payload, &c); err != nil {
		return Cursor{}, apperr.Validation("malformed cursor")
	}

	if c.Version != cursorVersion {
		return Cursor{}, apperr.Validation("unsupported cursor version %d", c.Version)
	}
	if c.TenantID != tenantID {
		return Cursor{}, apperr.Validation("cursor was issued for a different tenant")
	}
	if c.QueryHash != queryHash {
		return Cursor{}, apperr.Validation("cursor does not match this query")
	}
	return c, nil
}

func (s *CursorSigner) sign(body string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(body))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// queryHash fingerprints the statement a cursor belongs to. Sorting or
// filtering differently invalidates outstanding cursors.
func queryHash(whereText, orderText string) string {
	sum := sha256.Sum256([]byte(whereText + "\x00" + orderText))
	return base64.RawURLEncoding.EncodeToString(sum[:12])
}
