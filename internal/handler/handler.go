// Package handler implements the HTTP surface: credential extraction, the
// authentication middleware and a few endpoints behind it.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/apikeys/internal/domain/apikey"
	"github.com/xenking/apikeys/internal/domain/scope"
)

// Scopes guarding the key endpoints.
const (
	ScopeKeyRead   = "apikeys.key.read"
	ScopeKeyUpdate = "apikeys.key.update"
)

// KeyResource is the resource protecting the key endpoints.
var KeyResource = scope.Resource{Namespace: "apikeys", Name: "key", DisplayName: "API key"}

// KeyRevoker revokes keys by prefix.
type KeyRevoker interface {
	Revoke(ctx context.Context, prefix string) (*apikey.Key, error)
}

// Handler serves the key endpoints.
type Handler struct {
	scopes  *scope.Registry
	revoker KeyRevoker
}

// NewHandler creates a Handler.
func NewHandler(scopes *scope.Registry, revoker KeyRevoker) *Handler {
	return &Handler{scopes: scopes, revoker: revoker}
}

// Register mounts the endpoints on mux behind auth.
func (h *Handler) Register(mux *http.ServeMux, auth *Authenticator) {
	mux.Handle("GET /api/whoami", auth.Require()(http.HandlerFunc(h.WhoAmI)))
	mux.Handle("GET /api/scopes", auth.Require(ScopeKeyRead)(http.HandlerFunc(h.ListScopes)))
	mux.Handle("POST /api/keys/{prefix}/revoke", auth.Require(ScopeKeyUpdate)(http.HandlerFunc(h.RevokeKey)))
}

// WhoAmI describes the key that authenticated the request.
func (h *Handler) WhoAmI(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	k, err := KeyFromContext(ctx)
	if err != nil {
		if !errors.Is(err, ErrNotAuthenticated) {
			zctx.From(ctx).Error("Load API key", zap.Error(err))
		}
		writeError(w, http.StatusUnauthorized, "invalid or missing API key")
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		encodeKey(e, k)
	})
}

// ListScopes lists every declared scope.
func (h *Handler) ListScopes(w http.ResponseWriter, _ *http.Request) {
	scopes := h.scopes.Scopes()
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ArrStart()
		for _, s := range scopes {
			e.ObjStart()
			e.FieldStart("label")
			e.Str(s.Label())
			e.FieldStart("name")
			e.Str(s.Name)
			e.ObjEnd()
		}
		e.ArrEnd()
	})
}

// RevokeKey revokes the key named by the path prefix.
func (h *Handler) RevokeKey(w http.ResponseWriter, r *http.Request) {
	prefix := r.PathValue("prefix")
	k, err := h.revoker.Revoke(r.Context(), prefix)
	switch {
	case err == nil:
	case errors.Is(err, apikey.ErrNotFound):
		writeError(w, http.StatusNotFound, "API key not found")
		return
	default:
		zctx.From(r.Context()).Error("Revoke API key", zap.String("prefix", prefix), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		encodeKey(e, k)
	})
}

func encodeKey(e *jx.Encoder, k *apikey.Key) {
	e.ObjStart()
	e.FieldStart("prefix")
	e.Str(k.Prefix)
	e.FieldStart("name")
	e.Str(k.Name)
	e.FieldStart("created")
	e.Str(k.Created.UTC().Format(time.RFC3339))
	e.FieldStart("revoked")
	e.Bool(k.Revoked)
	e.FieldStart("expiry_date")
	if k.ExpiryDate != nil {
		e.Str(k.ExpiryDate.UTC().Format(time.RFC3339))
	} else {
		e.Null()
	}
	e.FieldStart("scopes")
	e.ArrStart()
	for _, label := range k.ScopeLabels() {
		e.Str(label)
	}
	e.ArrEnd()
	e.ObjEnd()
}

func writeJSON(w http.ResponseWriter, status int, encode func(e *jx.Encoder)) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	encode(e)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("code")
		e.Int(status)
		e.FieldStart("message")
		e.Str(message)
		e.ObjEnd()
	})
}
