package handler

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyParser_Parse(t *testing.T) {
	const key = "ABCDEFGH.abcdefghijkmnopqrstuvwxyz234567"
	encoded := base64.StdEncoding.EncodeToString([]byte(key))

	tests := []struct {
		name    string
		parser  KeyParser
		headers map[string]string
		want    string
		ok      bool
	}{
		{
			name:    "authorization header",
			parser:  KeyParser{Keyword: "Api-Key"},
			headers: map[string]string{"Authorization": "Api-Key " + key},
			want:    key, ok: true,
		},
		{
			name:    "keyword is case insensitive",
			parser:  KeyParser{},
			headers: map[string]string{"Authorization": "api-key " + key},
			want:    key, ok: true,
		},
		{
			name:    "other scheme",
			parser:  KeyParser{},
			headers: map[string]string{"Authorization": "Bearer " + key},
		},
		{
			name:    "no separator",
			parser:  KeyParser{},
			headers: map[string]string{"Authorization": "Api-Key"},
		},
		{
			name:    "empty key",
			parser:  KeyParser{},
			headers: map[string]string{"Authorization": "Api-Key "},
		},
		{
			name:    "extra space is part of the key",
			parser:  KeyParser{},
			headers: map[string]string{"Authorization": "Api-Key  " + key},
			want:    " " + key, ok: true,
		},
		{
			name:   "missing header",
			parser: KeyParser{},
		},
		{
			name:    "custom header",
			parser:  KeyParser{CustomHeader: "X-Api-Key"},
			headers: map[string]string{"X-Api-Key": key},
			want:    key, ok: true,
		},
		{
			name:    "custom header ignores authorization",
			parser:  KeyParser{CustomHeader: "X-Api-Key"},
			headers: map[string]string{"Authorization": "Api-Key " + key},
		},
		{
			name:    "base64",
			parser:  KeyParser{Base64: true},
			headers: map[string]string{"Authorization": "Api-Key " + encoded},
			want:    key, ok: true,
		},
		{
			name:    "invalid base64",
			parser:  KeyParser{Base64: true},
			headers: map[string]string{"Authorization": "Api-Key not*base64"},
		},
		{
			name:    "base64 of invalid utf-8",
			parser:  KeyParser{Base64: true},
			headers: map[string]string{"Authorization": "Api-Key " + base64.StdEncoding.EncodeToString([]byte{0xff, 0xfe})},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			got, ok := tt.parser.Parse(req)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
