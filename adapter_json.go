package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/tenantweb/dispatch/fault"
	"github.com/tenantweb/dispatch/internal/rpc"
	"github.com/tenantweb/dispatch/session"
)

// jsonAdapter decodes JSON-RPC2 envelopes, including the two JSONP
// sub-protocols used for cross-origin delivery without cookies:
//
//  1. a two-step flow where a POST stashes the raw request body under a
//     client-chosen id for later retrieval by a GET, and
//  2. a single-step GET carrying the payload inline in the "r" parameter.
type jsonAdapter struct {
	rc       *Request
	jsonp    string // callback name; empty for regular JSON-RPC2
	stashed  *Response
	envelope *rpc.Request
}

func newJSONAdapter(h *Handler, r *http.Request, sess *session.Session) (*jsonAdapter, error) {
	rc := newRequest(h, r, sess, ProtocolJSON)
	a := &jsonAdapter{rc: rc}

	args := r.URL.Query()
	a.jsonp = args.Get("jsonp")
	reqID := args.Get("id")

	var payload []byte
	switch {
	case a.jsonp != "" && r.Method == http.MethodPost:
		// Two-step flow, step 1: stash the call for a later GET and echo
		// the client-chosen id back as plain text.
		if err := r.ParseForm(); err != nil {
			return nil, &fault.HTTPStatusError{Status: http.StatusBadRequest, Description: "malformed form data"}
		}
		sess.StashJSONP(reqID, r.PostFormValue("r"))
		a.stashed = newResponse(http.StatusOK, "text/plain; charset=utf-8", []byte(reqID))
		return a, nil
	case a.jsonp != "" && args.Get("r") != "":
		// Single-step GET with the payload inline.
		payload = []byte(args.Get("r"))
	case a.jsonp != "" && reqID != "":
		// Two-step flow, step 2: run the stashed call. A stashed id is
		// retrievable exactly once.
		stored, _ := sess.PopJSONP(reqID)
		payload = []byte(stored)
	default:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, &fault.HTTPStatusError{Status: http.StatusBadRequest, Description: "unreadable request body"}
		}
		payload = body
	}

	env, err := rpc.Decode(payload)
	if err != nil {
		return nil, &fault.HTTPStatusError{Status: http.StatusBadRequest, Description: err.Error()}
	}
	a.envelope = env

	params := make(map[string]any)
	if len(env.Params) > 0 {
		if err := json.Unmarshal(env.Params, &params); err != nil {
			return nil, &fault.HTTPStatusError{Status: http.StatusBadRequest, Description: fmt.Sprintf("invalid params: %v", err)}
		}
	}
	// A request-supplied context overrides the session context for this
	// request only; it never reaches the handler as a plain parameter.
	if ctxvals, ok := params["context"].(map[string]any); ok {
		for k, v := range ctxvals {
			rc.context[k] = v
		}
	}
	delete(params, "context")
	rc.params = params

	return a, nil
}

func (a *jsonAdapter) request() *Request { return a.rc }

// dispatch invokes the handler and wraps the outcome in a JSON-RPC2
// envelope: authentication failures carry service code 100, everything
// else 200. In JSONP mode the envelope additionally embeds the session id
// and is delivered as a single script-callback invocation.
func (a *jsonAdapter) dispatch(ctx context.Context) *Response {
	if a.stashed != nil {
		return a.stashed
	}

	var resp *rpc.Response
	result, err := a.rc.invoke(ctx)
	if err != nil {
		a.rc.h.log.ErrorContext(ctx, "json.dispatch.fail", slogErr(err))
		var authErr *fault.AuthenticationError
		if errors.As(err, &authErr) {
			resp = rpc.NewError(a.envelope.ID, rpc.CodeSessionInvalid, "Session Invalid", fault.Serialize(err))
		} else {
			resp = rpc.NewError(a.envelope.ID, rpc.CodeServerError, "Server Error", fault.Serialize(err))
		}
	} else {
		resp = rpc.NewResult(a.envelope.ID, result)
	}

	if a.jsonp != "" {
		// Cross-origin delivery: some browsers refuse third-party cookies,
		// so the session travels in the body and the whole envelope rides
		// inside one script-callback invocation.
		resp.SessionID = a.rc.Session.ID
		body, mErr := json.Marshal(resp)
		if mErr != nil {
			a.rc.h.log.ErrorContext(ctx, "json.response.marshal.fail", slogErr(mErr))
			return statusResponse(&fault.HTTPStatusError{Status: http.StatusInternalServerError})
		}
		wrapped := fmt.Sprintf("%s(%s);", a.jsonp, body)
		return newResponse(http.StatusOK, "application/javascript", []byte(wrapped))
	}

	body, mErr := json.Marshal(resp)
	if mErr != nil {
		a.rc.h.log.ErrorContext(ctx, "json.response.marshal.fail", slogErr(mErr))
		return statusResponse(&fault.HTTPStatusError{Status: http.StatusInternalServerError})
	}
	return newResponse(http.StatusOK, "application/json", body)
}
