// Package logctx enriches slog records with request- and dispatch-scoped
// diagnostic data carried on the context. The data is attached when a
// request enters the handler and vanishes with the request context, so it
// can never leak across requests. It is diagnostics only: tenant and user
// are always passed explicitly through the dispatch path.
package logctx

import (
	"context"
	"log/slog"
)

type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("path", rd.Path),
			slog.String("remote_addr", rd.RemoteAddr),
		))
	}

	if dd, ok := ctx.Value(dispatchDataKey{}).(*DispatchData); ok {
		r.AddAttrs(slog.Group("dispatch",
			slog.String("session_id", dd.SessionID),
			slog.String("tenant", dd.Tenant),
			slog.Int64("uid", dd.UID),
			slog.String("protocol", dd.Protocol),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Method     string
	Path       string
	RemoteAddr string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type dispatchDataKey struct{}

type DispatchData struct {
	SessionID string
	Tenant    string
	UID       int64
	Protocol  string
}

func WithDispatchData(ctx context.Context, data *DispatchData) context.Context {
	return context.WithValue(ctx, dispatchDataKey{}, data)
}
