package auth

import "context"

type actorContextKey struct{}

// ContextWithActor records who is operating the console, for audit lines.
func ContextWithActor(ctx context.Context, actor string) context.Context {
	if actor == "" {
		return ctx
	}
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext returns the actor previously attached with ContextWithActor.
func ActorFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(actorContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
