package dispatch

import (
	"context"
	"fmt"
	"net/http"

	"github.com/tenantweb/dispatch/fault"
	"github.com/tenantweb/dispatch/session"
	"github.com/tenantweb/dispatch/tenant"
)

// Response is a fully materialized HTTP response produced by a protocol
// adapter or returned by a handler through MakeResponse.
type Response struct {
	Status  int
	Header  http.Header
	Cookies []*http.Cookie
	Body    []byte
}

func newResponse(status int, contentType string, body []byte) *Response {
	resp := &Response{Status: status, Header: http.Header{}, Body: body}
	if contentType != "" {
		resp.Header.Set("Content-Type", contentType)
	}
	resp.Header.Set("Content-Length", fmt.Sprintf("%d", len(body)))
	return resp
}

// Request is the context of one inbound HTTP request. It is created when
// the dispatcher selects a protocol adapter and must never be reused after
// its handler returns.
type Request struct {
	h    *Handler
	http *http.Request

	// Session outlives the request and is shared with the store.
	Session *session.Session

	params  map[string]any
	context map[string]any

	uid           int64
	disableTenant bool

	protocol Protocol
	endpoint *Endpoint

	tx   tenant.Tx
	done bool
}

func newRequest(h *Handler, r *http.Request, sess *session.Session, protocol Protocol) *Request {
	ctxvals := make(map[string]any, len(sess.Context))
	for k, v := range sess.Context {
		ctxvals[k] = v
	}
	return &Request{h: h, http: r, Session: sess, protocol: protocol, context: ctxvals}
}

// HTTPRequest exposes the underlying inbound request.
func (rc *Request) HTTPRequest() *http.Request { return rc.http }

// Tenant returns the tenant resolved for this request, or "" when none is
// resolved or the handler runs under the none auth requirement.
func (rc *Request) Tenant() string {
	if rc.disableTenant {
		return ""
	}
	return rc.Session.Tenant
}

// UID returns the effective user id for this request; 0 when
// unauthenticated.
func (rc *Request) UID() int64 { return rc.uid }

// Context returns the merged context mapping: the session context
// overridden by any request-supplied context.
func (rc *Request) Context() map[string]any { return rc.context }

// Protocol returns the wire protocol this request was decoded under.
func (rc *Request) Protocol() Protocol { return rc.protocol }

// Identity exposes the identity authority, for login handlers.
func (rc *Request) Identity() tenant.Identity { return rc.h.identity }

// Data exposes the tenant data layer, for login/context handlers.
func (rc *Request) Data() tenant.DataLayer { return rc.h.data }

// Store exposes the session store, for bootstrap handlers.
func (rc *Request) Store() session.Store { return rc.h.store }

// ClientEnv captures the connection facts the identity authority receives
// on interactive authentication.
func (rc *Request) ClientEnv() tenant.ClientEnv {
	scheme := "http"
	if rc.http.TLS != nil {
		scheme = "https"
	}
	return tenant.ClientEnv{
		BaseLocation: scheme + "://" + rc.http.Host,
		Host:         rc.http.Host,
		RemoteAddr:   rc.http.RemoteAddr,
	}
}

// Tx returns the request's transactional resource, opening it on first
// access. The resource is owned exclusively by this request and is released
// exactly once when dispatch finishes.
func (rc *Request) Tx(ctx context.Context) (tenant.Tx, error) {
	if rc.done {
		return nil, fmt.Errorf("request context used after dispatch finished")
	}
	if rc.tx != nil {
		return rc.tx, nil
	}
	tenantID := rc.Tenant()
	if tenantID == "" {
		return nil, fmt.Errorf("no tenant resolved for request %s", rc.http.URL.Path)
	}
	tx, err := rc.h.data.Begin(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("begin transaction for %q: %w", tenantID, err)
	}
	rc.tx = tx
	return tx, nil
}

// MakeResponse is the escape hatch for handlers producing non-HTML payloads
// with custom headers or cookies.
func (rc *Request) MakeResponse(data []byte, headers map[string]string, cookies map[string]string) *Response {
	resp := newResponse(http.StatusOK, "", data)
	for k, v := range headers {
		resp.Header.Set(k, v)
	}
	for k, v := range cookies {
		resp.Cookies = append(resp.Cookies, &http.Cookie{Name: k, Value: v, Path: "/"})
	}
	return resp
}

// NotFound is a helper for handlers that resolve their own sub-paths.
func (rc *Request) NotFound(description string) error {
	return fault.NotFound(description)
}

func (rc *Request) bindEndpoint(ep *Endpoint, pathParams map[string]string) {
	rc.endpoint = ep
	if rc.params == nil {
		rc.params = make(map[string]any, len(pathParams))
	}
	for k, v := range pathParams {
		rc.params[k] = v
	}
}

// authenticate validates the session and applies the endpoint's declared
// auth requirement. It runs once per request, before resource acquisition
// and handler invocation. A stale session is logged out as a side effect.
func (rc *Request) authenticate(ctx context.Context) error {
	if rc.Session.UID != 0 {
		if err := rc.Session.CheckValidity(ctx, rc.h.identity); err != nil {
			rc.Session.Logout()
			return &fault.SessionExpiredError{Message: fmt.Sprintf("session expired for request %s", rc.http.URL.Path)}
		}
	}

	switch rc.endpoint.Method.Auth {
	case AuthNone:
		rc.disableTenant = true
		rc.uid = 0
	case AuthUser:
		if rc.Session.UID == 0 {
			return &fault.SessionExpiredError{Message: "session expired"}
		}
		rc.uid = rc.Session.UID
	case AuthAdmin:
		if rc.Tenant() == "" {
			return &fault.SessionExpiredError{Message: fmt.Sprintf("no valid tenant for request %s", rc.http.URL.Path)}
		}
		rc.uid = tenant.SuperuserID
	default:
		return fmt.Errorf("unknown auth requirement %q", rc.endpoint.Method.Auth)
	}
	return nil
}

// invoke runs authentication and then the matched handler. On every exit
// path the transactional resource, if acquired, is settled and closed
// exactly once: committed when the handler completed successfully, rolled
// back otherwise. The context is poisoned against reuse afterwards.
func (rc *Request) invoke(ctx context.Context) (result any, err error) {
	if err := rc.authenticate(ctx); err != nil {
		return nil, err
	}

	if rc.endpoint.Method.Protocol != rc.protocol {
		return nil, fmt.Errorf(
			"handler %s.%s for %s declared as capable of handling requests of type %q but called with a request of type %q",
			rc.endpoint.Controller, rc.endpoint.Method.Name, rc.http.URL.Path, rc.endpoint.Method.Protocol, rc.protocol)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler %s.%s panicked: %v", rc.endpoint.Controller, rc.endpoint.Method.Name, r)
			result = nil
		}
		rc.release(ctx, err)
		rc.done = true
		rc.uid = 0
		rc.disableTenant = true
	}()

	return rc.endpoint.Method.Func(ctx, rc, rc.params)
}

// release settles the transactional resource exactly once:
// rollback-by-default, commit only on clean handler completion.
func (rc *Request) release(ctx context.Context, handlerErr error) {
	if rc.tx == nil {
		return
	}
	tx := rc.tx
	rc.tx = nil
	if handlerErr == nil {
		if err := tx.Commit(ctx); err != nil {
			rc.h.log.ErrorContext(ctx, "tx.commit.fail", slogErr(err))
		}
	} else {
		if err := tx.Rollback(ctx); err != nil {
			rc.h.log.ErrorContext(ctx, "tx.rollback.fail", slogErr(err))
		}
	}
	if err := tx.Close(ctx); err != nil {
		rc.h.log.ErrorContext(ctx, "tx.close.fail", slogErr(err))
	}
}
