package agent

import (
	"context"
	"time"
)

type sessionKey struct{}

// sessionInfo describes the connection a handler is serving.
type sessionInfo struct {
	ID          string
	ConnectedAt time.Time
}

func withSession(ctx context.Context, info sessionInfo) context.Context {
	return context.WithValue(ctx, sessionKey{}, info)
}

func sessionFrom(ctx context.Context) (sessionInfo, bool) {
	info, ok := ctx.Value(sessionKey{}).(sessionInfo)
	return info, ok
}
