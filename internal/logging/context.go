package logging

import (
	"context"

	"github.com/rs/zerolog"
)

type requestIDKey struct{}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// RequestIDHook copies the request ID from an event's context, so any
// component logging with Ctx(ctx) is correlated with its HTTP request.
type RequestIDHook struct{}

func (RequestIDHook) Run(e *zerolog.Event, _ zerolog.Level, _ string) {
	ctx := e.GetCtx()
	if ctx == nil {
		return
	}
	if id := RequestID(ctx); id != "" {
		e.Str("request_id", id)
	}
}
