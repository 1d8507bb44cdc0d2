package shared

import "context"

// The session rides the request context from the session middleware to the
// request gate and the handlers behind it.
type ctxKeySession struct{}

// ContextWithSession attaches the loaded session to the request context.
func ContextWithSession(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, ctxKeySession{}, sess)
}

// SessionFromContext returns the request's session, or nil when no session
// middleware ran. Callers treat nil as an anonymous request.
func SessionFromContext(ctx context.Context) *Session {
	sess, _ := ctx.Value(ctxKeySession{}).(*Session)
	return sess
}
