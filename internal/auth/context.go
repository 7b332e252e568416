package auth

import (
	"context"

	"github.com/Wyydra/yacall/internal/core/domain"
)

type ctxKey int

const ctxUserID ctxKey = iota

func WithUser(ctx context.Context, userID domain.UserID) context.Context {
	return context.WithValue(ctx, ctxUserID, userID)
}

// UserFrom returns the authenticated user, if the request carried a token.
func UserFrom(ctx context.Context) (domain.UserID, bool) {
	u, ok := ctx.Value(ctxUserID).(domain.UserID)
	return u, ok && u != ""
}
