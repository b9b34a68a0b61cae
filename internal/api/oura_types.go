package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// TokenPair is the OAuth credential set for the connected Oura account.
// It is always replaced as a whole value, never field by field.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"` // epoch milliseconds
}

// IsZero reports whether the pair holds no tokens at all.
func (p TokenPair) IsZero() bool {
	return p.AccessToken == "" && p.RefreshToken == ""
}

// Expired reports whether the access token has passed its expiry at nowMs.
// A pair without an expiry never counts as expired.
func (p TokenPair) Expired(nowMs int64) bool {
	return p.ExpiresAt > 0 && nowMs >= p.ExpiresAt
}

// OuraTokenResponse is the token endpoint payload for both grant types.
type OuraTokenResponse struct {
	TokenType    string `json:"token_type"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"` // seconds
	Scope        string `json:"scope"`
}

// Document is a single upstream record. Upstream shapes drift between API
// versions, so fields stay untyped until the reconciler normalizes them.
type Document map[string]any

// Day returns the document's calendar day ("day", falling back to "date" or
// "summary_date"), or "" when absent.
func (d Document) Day() string {
	for _, key := range []string{"day", "date", "summary_date"} {
		if s, ok := d[key].(string); ok && s != "" {
			if len(s) > 10 {
				s = s[:10]
			}
			return s
		}
	}
	return ""
}

// Number returns the numeric value at a dotted path such as
// "contributors.hrv_balance". Non-numeric and missing values report false.
func (d Document) Number(path string) (float64, bool) {
	var cur any = map[string]any(d)
	for _, part := range strings.Split(path, ".") {
		m, ok := asMap(cur)
		if !ok {
			return 0, false
		}
		cur, ok = m[part]
		if !ok {
			return 0, false
		}
	}
	switch v := cur.(type) {
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Document:
		return m, true
	}
	return nil, false
}

// DecodeDocuments parses a collection response. Both the enveloped
// {"data": [...]} shape and a bare JSON array are accepted.
func DecodeDocuments(body []byte) ([]Document, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty response body", ErrInvalidResponse)
	}

	if trimmed[0] == '[' {
		var docs []Document
		if err := json.Unmarshal(trimmed, &docs); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
		}
		return docs, nil
	}

	var envelope struct {
		Data []Document `json:"data"`
	}
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return envelope.Data, nil
}
