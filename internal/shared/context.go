package shared

import "context"

type actorContextKey struct{}

// SystemActor is the actor id used for system-triggered actions.
const SystemActor int64 = 0

// ContextWithActor stores the authenticated staff id in context.
func ContextWithActor(ctx context.Context, actorID int64) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actorID)
}

// ActorFromContext extracts the staff id from context. System actions yield SystemActor.
func ActorFromContext(ctx context.Context) int64 {
	id, _ := ctx.Value(actorContextKey{}).(int64)
	return id
}
