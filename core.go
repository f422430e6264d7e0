package dispatch

import (
	"context"
	"fmt"
)

// coreController declares the bootstrap endpoints every deployment carries:
// a generic service/method relay and a session id mint. Both run without a
// tenant or user.
func (h *Handler) coreController() *Controller {
	return &Controller{
		Name: "web.Common",
		Methods: []*Method{
			{
				Name:     "jsonrpc",
				Patterns: []string{"/jsonrpc"},
				Protocol: ProtocolJSON,
				Auth:     AuthNone,
				Func:     h.handleServiceRelay,
			},
			{
				Name:     "gen_session_id",
				Patterns: []string{"/gen_session_id"},
				Protocol: ProtocolJSON,
				Auth:     AuthNone,
				Func:     h.handleGenSessionID,
			},
		},
	}
}

// handleServiceRelay forwards a {service, method, args} call to the
// configured service dispatcher. Client SDKs use it as their generic entry
// point.
func (h *Handler) handleServiceRelay(ctx context.Context, rc *Request, params map[string]any) (any, error) {
	if h.services == nil {
		return nil, fmt.Errorf("no service dispatcher configured")
	}
	service, _ := params["service"].(string)
	method, _ := params["method"].(string)
	args, _ := params["args"].([]any)
	if service == "" || method == "" {
		return nil, fmt.Errorf("service and method are required")
	}
	return h.services.DispatchService(ctx, service, method, args)
}

// handleGenSessionID mints a fresh session and returns its id. The
// caller's own session is untouched.
func (h *Handler) handleGenSessionID(ctx context.Context, rc *Request, params map[string]any) (any, error) {
	sess, err := h.store.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("mint session: %w", err)
	}
	return sess.ID, nil
}
