package handler

import (
	"encoding/base64"
	"net/http"
	"strings"
	"unicode/utf8"
)

// DefaultKeyword is the Authorization scheme carrying API keys.
const DefaultKeyword = "Api-Key"

// KeyParser extracts the presented key from a request.
type KeyParser struct {
	// Keyword is the Authorization scheme, matched case-insensitively.
	Keyword string
	// CustomHeader, when set, replaces the Authorization header entirely.
	CustomHeader string
	// Base64 means the presented value is standard base64 of the key.
	Base64 bool
}

// Parse returns the key and whether one was presented. Malformed values are
// reported as not presented.
func (p KeyParser) Parse(r *http.Request) (string, bool) {
	var raw string
	if p.CustomHeader != "" {
		raw = r.Header.Get(p.CustomHeader)
	} else {
		raw = p.fromAuthorization(r.Header.Get("Authorization"))
	}
	if raw == "" {
		return "", false
	}
	if !p.Base64 {
		return raw, true
	}

	decoded, err := base64.StdEncoding.Strict().DecodeString(raw)
	if err != nil || len(decoded) == 0 || !utf8.Valid(decoded) {
		return "", false
	}
	return string(decoded), true
}

func (p KeyParser) fromAuthorization(header string) string {
	keyword, key, found := strings.Cut(header, " ")
	if !found {
		return ""
	}
	want := p.Keyword
	if want == "" {
		want = DefaultKeyword
	}
	if !strings.EqualFold(keyword, want) {
		return ""
	}
	return key
}
