package identityd

import "context"

type ctxKey string

const (
	ctxKeySubject   ctxKey = "identityd_subject"
	ctxKeySessionID ctxKey = "identityd_session_id"
)

// WithSubject stores the authenticated subject in the context.
func WithSubject(ctx context.Context, sub *Subject) context.Context {
	return context.WithValue(ctx, ctxKeySubject, sub)
}

// SubjectFromContext extracts the authenticated subject from the context.
func SubjectFromContext(ctx context.Context) (*Subject, bool) {
	sub, ok := ctx.Value(ctxKeySubject).(*Subject)
	return sub, ok && sub != nil
}

// WithSessionID stores the login session ID in the context.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeySessionID, id)
}

// SessionIDFromContext extracts the login session ID from the context.
func SessionIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeySessionID).(string)
	return v
}
