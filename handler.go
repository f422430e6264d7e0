package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/tenantweb/dispatch/fault"
	"github.com/tenantweb/dispatch/internal/locale"
	"github.com/tenantweb/dispatch/internal/logctx"
	"github.com/tenantweb/dispatch/session"
	"github.com/tenantweb/dispatch/tenant"
)

var _ http.Handler = (*Handler)(nil)

const (
	// sessionIDHeader is the out-of-band session id channel for API
	// clients that cannot or will not carry cookies.
	sessionIDHeader = "X-Dispatch-Session-Id"

	// sessionCookieMaxAge is the fixed long expiry of the session cookie.
	sessionCookieMaxAge = 90 * 24 * time.Hour

	// sweepProbability makes the maintenance sweep fire roughly once per
	// thousand requests.
	sweepProbability = 0.001
)

var jsonMediaType = contenttype.NewMediaType("application/json")

// ServiceDispatcher relays generic service/method calls for the /jsonrpc
// bootstrap endpoint.
type ServiceDispatcher interface {
	DispatchService(ctx context.Context, service, method string, args []any) (any, error)
}

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	logger       *slog.Logger
	registry     *Registry
	signal       tenant.CacheSignal
	services     ServiceDispatcher
	tenantFilter string
	cookieName   string
	retention    time.Duration
	sweepProb    float64
	rand         func() float64
}

// WithLogger sets the slog logger used by the handler. If not provided,
// slog.Default() is used.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithRegistry supplies a pre-populated controller registry. Without it the
// handler starts from an empty registry holding only the built-in
// bootstrap controller.
func WithRegistry(r *Registry) Option {
	return func(c *newConfig) { c.registry = r }
}

// WithCacheSignal wires the cross-process cache invalidation signal.
func WithCacheSignal(s tenant.CacheSignal) Option {
	return func(c *newConfig) { c.signal = s }
}

// WithServiceDispatcher wires the generic service relay behind /jsonrpc.
func WithServiceDispatcher(s ServiceDispatcher) Option {
	return func(c *newConfig) { c.services = s }
}

// WithTenantFilter sets the per-deployment host-matching pattern applied to
// the tenant list. "%h" expands to the request host, "%d" to its first
// label. The default ".*" matches everything; the single-tenant
// auto-selection only engages under a non-default filter.
func WithTenantFilter(pattern string) Option {
	return func(c *newConfig) { c.tenantFilter = pattern }
}

// WithCookieName overrides the session cookie name.
func WithCookieName(name string) Option {
	return func(c *newConfig) { c.cookieName = strings.TrimSpace(name) }
}

// WithRetention overrides the session retention horizon used by the
// maintenance sweep.
func WithRetention(d time.Duration) Option {
	return func(c *newConfig) { c.retention = d }
}

// WithSweepProbability overrides the per-request sweep probability. Zero
// disables the sweep entirely.
func WithSweepProbability(p float64) Option {
	return func(c *newConfig) { c.sweepProb = p }
}

// Handler dispatches every inbound request end-to-end: session resolution,
// tenant resolution, route-table lookup, authentication, handler
// invocation, resource teardown, and response finalization.
type Handler struct {
	log      *slog.Logger
	store    session.Store
	identity tenant.Identity
	data     tenant.DataLayer
	lister   tenant.Lister
	signal   tenant.CacheSignal
	services ServiceDispatcher

	registry *Registry
	tables   *tableCache

	tenantFilter string
	cookieName   string
	retention    time.Duration
	sweepProb    float64
	rand         func() float64
}

// New constructs a Handler from its required collaborators and optional
// settings.
func New(store session.Store, identity tenant.Identity, data tenant.DataLayer, lister tenant.Lister, opts ...Option) (*Handler, error) {
	if store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if identity == nil {
		return nil, fmt.Errorf("identity authority is required")
	}
	if data == nil {
		return nil, fmt.Errorf("tenant data layer is required")
	}
	if lister == nil {
		return nil, fmt.Errorf("tenant lister is required")
	}

	cfg := &newConfig{
		logger:       slog.Default(),
		tenantFilter: ".*",
		cookieName:   "session_id",
		retention:    session.DefaultRetention,
		sweepProb:    sweepProbability,
		rand:         rand.Float64,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.registry == nil {
		cfg.registry = NewRegistry()
	}

	h := &Handler{
		log:          slog.New(logctx.Handler{Handler: cfg.logger.Handler()}),
		store:        store,
		identity:     identity,
		data:         data,
		lister:       lister,
		signal:       cfg.signal,
		services:     cfg.services,
		registry:     cfg.registry,
		tables:       newTableCache(),
		tenantFilter: cfg.tenantFilter,
		cookieName:   cfg.cookieName,
		retention:    cfg.retention,
		sweepProb:    cfg.sweepProb,
		rand:         cfg.rand,
	}
	h.registry.Register(bootstrapModule, h.coreController())
	return h, nil
}

func slogErr(err error) slog.Attr { return slog.String("err", err.Error()) }

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		Path:       r.URL.Path,
		RemoteAddr: r.RemoteAddr,
	})
	r = r.WithContext(ctx)

	// Session resolution: explicit query parameter, then header, then
	// cookie. Only the cookie-derived path refreshes the cookie later.
	sid := r.URL.Query().Get("session_id")
	explicitSession := true
	if sid == "" {
		sid = r.Header.Get(sessionIDHeader)
	}
	if sid == "" {
		explicitSession = false
		if c, err := r.Cookie(h.cookieName); err == nil {
			sid = c.Value
		}
	}

	var (
		sess *session.Session
		err  error
	)
	if sid == "" {
		sess, err = h.store.New(ctx)
	} else {
		sess, err = h.store.Get(ctx, sid)
	}
	if err != nil {
		h.log.ErrorContext(ctx, "session.load.fail", slogErr(err))
		http.Error(w, "session store unavailable", http.StatusInternalServerError)
		return
	}

	// Lightweight probabilistic maintenance: roughly one request in a
	// thousand pays for sweeping expired sessions.
	if h.sweepProb > 0 && h.rand() < h.sweepProb {
		if err := h.store.Sweep(ctx, h.retention); err != nil {
			h.log.WarnContext(ctx, "session.sweep.fail", slogErr(err))
		}
	}

	h.resolveTenant(ctx, r, sess)

	if lang, _ := sess.Context["lang"].(string); lang == "" {
		sess.Context["lang"] = locale.FromAcceptLanguage(r.Header.Get("Accept-Language"))
	}

	ad, err := h.buildAdapter(r, sess)
	if err != nil {
		if he, ok := fault.AsHTTPStatus(err); ok {
			h.log.WarnContext(ctx, "request.decode.fail", slogErr(err))
			h.writeResponse(ctx, w, statusResponse(he), sess, explicitSession)
			return
		}
		h.log.ErrorContext(ctx, "request.decode.fail", slogErr(err))
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	rc := ad.request()

	ctx = logctx.WithDispatchData(ctx, &logctx.DispatchData{
		SessionID: sess.ID,
		Tenant:    rc.Tenant(),
		UID:       sess.UID,
		Protocol:  string(rc.protocol),
	})

	tenantID := rc.Tenant()
	if tenantID != "" && h.signal != nil {
		changed, sigErr := h.signal.CheckInvalidation(ctx, tenantID)
		if sigErr != nil {
			h.log.WarnContext(ctx, "cache.signal.check.fail", slogErr(sigErr))
		} else if changed {
			h.log.InfoContext(ctx, "cache.signal.invalidate", slog.String("tenant", tenantID))
			h.InvalidateTenant(tenantID)
		}
	}

	resp := h.dispatch(ctx, r, ad)

	if tenantID != "" && h.signal != nil {
		if sigErr := h.signal.BroadcastChanged(ctx, tenantID); sigErr != nil {
			h.log.WarnContext(ctx, "cache.signal.broadcast.fail", slogErr(sigErr))
		}
	}

	h.writeResponse(ctx, w, resp, sess, explicitSession)
	h.log.InfoContext(ctx, "http.dispatch.ok",
		slog.Int("status", resp.Status),
		slog.Duration("dur", time.Since(start)))
}

// adapter is the protocol strategy selected per request shape.
type adapter interface {
	request() *Request
	dispatch(ctx context.Context) *Response
}

// buildAdapter selects the protocol adapter: a JSONP query marker or a JSON
// content type selects JSON-RPC2, everything else is plain HTTP.
func (h *Handler) buildAdapter(r *http.Request, sess *session.Session) (adapter, error) {
	if r.URL.Query().Get("jsonp") != "" {
		return newJSONAdapter(h, r, sess)
	}
	if ct, err := contenttype.GetMediaType(r); err == nil && ct.Matches(jsonMediaType) {
		return newJSONAdapter(h, r, sess)
	}
	return newHTTPAdapter(h, r, sess)
}

// dispatch looks up the handler in the tenant's route table and runs it
// through the protocol adapter. An unmatched path short-circuits to a 404
// without entering the adapter, for both protocols.
func (h *Handler) dispatch(ctx context.Context, r *http.Request, ad adapter) *Response {
	rc := ad.request()
	tbl, err := h.table(ctx, rc.Tenant())
	if err != nil {
		h.log.ErrorContext(ctx, "routes.build.fail", slogErr(err))
		return statusResponse(&fault.HTTPStatusError{Status: http.StatusInternalServerError, Description: "routing unavailable"})
	}
	ep, pathParams, ok := tbl.Match(r.Method, r.URL.Path)
	if !ok {
		return statusResponse(fault.NotFound(""))
	}
	rc.bindEndpoint(ep, pathParams)
	return ad.dispatch(ctx)
}

// resolveTenant checks the session's remembered tenant against the live
// tenant list for this host. A tenant that disappeared logs the session
// out. With no remembered tenant, exactly one candidate is adopted only
// under a non-default deployment filter; leaving the tenant unresolved
// otherwise is deliberate multi-tenant safety, not an oversight.
func (h *Handler) resolveTenant(ctx context.Context, r *http.Request, sess *session.Session) {
	tenants, err := h.tenantList(ctx, true, r)
	if err != nil {
		h.log.WarnContext(ctx, "tenant.list.fail", slogErr(err))
		tenants = nil
	}

	resolved := ""
	switch {
	case containsString(tenants, sess.Tenant):
		resolved = sess.Tenant
	case h.tenantFilter != ".*" && len(tenants) == 1:
		resolved = tenants[0]
	}

	if resolved != sess.Tenant {
		sess.Logout()
		sess.Tenant = resolved
	}
}

// tenantList fetches the live tenant list and applies the deployment's
// host-matching filter: "%h" is the request host, "%d" its first label,
// and the expanded pattern must match the tenant name from the start.
func (h *Handler) tenantList(ctx context.Context, force bool, r *http.Request) ([]string, error) {
	host := r.Host
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	label := host
	if i := strings.IndexByte(label, '.'); i >= 0 {
		label = label[:i]
	}

	all, err := h.lister.List(ctx, force, host)
	if err != nil {
		return nil, err
	}

	pattern := strings.ReplaceAll(h.tenantFilter, "%h", host)
	pattern = strings.ReplaceAll(pattern, "%d", label)
	re, err := regexp.Compile("^(?:" + pattern + ")")
	if err != nil {
		return nil, fmt.Errorf("invalid tenant filter %q: %w", h.tenantFilter, err)
	}

	filtered := make([]string, 0, len(all))
	for _, name := range all {
		if re.MatchString(name) {
			filtered = append(filtered, name)
		}
	}
	return filtered, nil
}

// writeResponse persists the session if needed, refreshes the session
// cookie on the cookie-derived path, and writes the materialized response.
func (h *Handler) writeResponse(ctx context.Context, w http.ResponseWriter, resp *Response, sess *session.Session, explicitSession bool) {
	if sess.Modified() {
		if err := h.store.Save(ctx, sess); err != nil {
			h.log.ErrorContext(ctx, "session.save.fail", slogErr(err))
		}
	}

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	for _, c := range resp.Cookies {
		http.SetCookie(w, c)
	}
	if !explicitSession {
		http.SetCookie(w, &http.Cookie{
			Name:   h.cookieName,
			Value:  sess.ID,
			Path:   "/",
			MaxAge: int(sessionCookieMaxAge / time.Second),
		})
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(resp.Body) > 0 {
		_, _ = w.Write(resp.Body)
	}
}

func containsString(list []string, s string) bool {
	if s == "" {
		return false
	}
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
