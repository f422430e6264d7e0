package dispatch

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/tenantweb/dispatch/fault"
	"github.com/tenantweb/dispatch/internal/rpc"
	"github.com/tenantweb/dispatch/session"
)

// maxFormMemory bounds the in-memory portion of multipart parsing.
const maxFormMemory = 32 << 20

// httpAdapter decodes plain GET/POST requests: parameters are the union of
// query string, form fields, and uploaded files.
type httpAdapter struct {
	rc *Request
}

func newHTTPAdapter(h *Handler, r *http.Request, sess *session.Session) (*httpAdapter, error) {
	rc := newRequest(h, r, sess, ProtocolHTTP)

	params := make(map[string]any)
	if err := r.ParseMultipartForm(maxFormMemory); err != nil && err != http.ErrNotMultipart {
		if err := r.ParseForm(); err != nil {
			return nil, &fault.HTTPStatusError{Status: http.StatusBadRequest, Description: "malformed form data"}
		}
	}
	for k, vs := range r.Form {
		if len(vs) > 0 {
			params[k] = vs[0]
		}
	}
	if r.MultipartForm != nil {
		for k, fhs := range r.MultipartForm.File {
			if len(fhs) > 0 {
				params[k] = fhs[0]
			}
		}
	}
	// The session id routes the request; it is never a handler parameter.
	delete(params, "session_id")

	// A request-supplied context arrives as a JSON object in the "context"
	// parameter. Structural back-references are rejected before any handler
	// can observe them.
	if raw, ok := params["context"].(string); ok && raw != "" {
		var ctxvals map[string]any
		if err := json.Unmarshal([]byte(raw), &ctxvals); err != nil {
			return nil, &fault.HTTPStatusError{Status: http.StatusBadRequest, Description: "invalid context parameter"}
		}
		if err := rpc.RejectNonLiteral(ctxvals); err != nil {
			return nil, &fault.HTTPStatusError{Status: http.StatusBadRequest, Description: err.Error()}
		}
		delete(params, "context")
		for k, v := range ctxvals {
			rc.context[k] = v
		}
	}

	rc.params = params
	return &httpAdapter{rc: rc}, nil
}

func (a *httpAdapter) request() *Request { return a.rc }

// dispatch invokes the handler and serializes its outcome. Declared
// transport-level errors pass through as their status; anything else
// becomes a 500 with a structured JSON error body; an empty result becomes
// a 204.
func (a *httpAdapter) dispatch(ctx context.Context) *Response {
	result, err := a.rc.invoke(ctx)
	if err != nil {
		if he, ok := fault.AsHTTPStatus(err); ok {
			return statusResponse(he)
		}
		a.rc.h.log.ErrorContext(ctx, "http.dispatch.fail", slogErr(err))
		body, _ := json.Marshal(map[string]any{
			"code":    rpc.CodeServerError,
			"message": "Server Error",
			"data":    fault.Serialize(err),
		})
		return newResponse(http.StatusInternalServerError, "application/json", body)
	}

	switch r := result.(type) {
	case nil:
		return &Response{Status: http.StatusNoContent, Header: http.Header{}}
	case *Response:
		return r
	case string:
		return newResponse(http.StatusOK, "text/html; charset=utf-8", []byte(r))
	case []byte:
		return newResponse(http.StatusOK, "text/html; charset=utf-8", r)
	default:
		body, mErr := json.Marshal(fault.ToJSONable(r))
		if mErr != nil {
			a.rc.h.log.ErrorContext(ctx, "http.result.marshal.fail", slogErr(mErr))
			return statusResponse(&fault.HTTPStatusError{Status: http.StatusInternalServerError})
		}
		return newResponse(http.StatusOK, "application/json", body)
	}
}

func statusResponse(he *fault.HTTPStatusError) *Response {
	body := he.Description
	if body == "" {
		body = http.StatusText(he.Status)
	}
	return newResponse(he.Status, "text/plain; charset=utf-8", []byte(body))
}
