package grpcserver

import (
	"context"

	"github.com/atoms-tech/atoms-collab/internal/model"
)

type ctxKey string

const sessionKey ctxKey = "atoms.session"

// WithSession stores the authenticated session in context.
func WithSession(ctx context.Context, s model.Session) context.Context {
	return context.WithValue(ctx, sessionKey, s)
}

// SessionFromCtx fetches the session from context.
func SessionFromCtx(ctx context.Context) (model.Session, bool) {
	v := ctx.Value(sessionKey)
	if v == nil {
		return model.Session{}, false
	}
	s, ok := v.(model.Session)
	return s, ok
}
