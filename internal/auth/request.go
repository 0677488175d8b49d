package auth

import (
	"context"
	"net/http"
	"strings"

	"nuha.dev/safezone/internal/common"
)

const (
	TokenCookie = "access_token"
	CsrfCookie  = "GSURF"
	CsrfHeader  = "X-XSRF-TOKEN"
)

// TokenFromRequest prefers the Authorization header over the cookie.
// fromCookie tells the caller whether a CSRF check applies.
func TokenFromRequest(r *http.Request) (token string, fromCookie bool) {
	if h := r.Header.Get("Authorization"); h != "" {
		if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
			return strings.TrimSpace(h[7:]), false
		}
	}
	if ck, err := r.Cookie(TokenCookie); err == nil {
		return ck.Value, true
	}
	return "", false
}

func (m *Manager) Identify(r *http.Request) (*common.Identity, bool, error) {
	tok, fromCookie := TokenFromRequest(r)
	id, err := m.Validate(tok)
	return id, fromCookie, err
}

func WithIdentity(ctx context.Context, id *common.Identity) context.Context {
	return context.WithValue(ctx, common.SessionAttributeKey, id)
}

func FromContext(ctx context.Context) *common.Identity {
	id, _ := ctx.Value(common.SessionAttributeKey).(*common.Identity)
	return id
}
