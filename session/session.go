// Package session holds the per-client authentication and context state
// shared by every request a client makes, plus the Store contract used to
// persist it between requests.
package session

import (
	"context"
	"fmt"

	"github.com/tenantweb/dispatch/fault"
	"github.com/tenantweb/dispatch/internal/locale"
	"github.com/tenantweb/dispatch/tenant"
)

// Session is the per-client state keyed by an opaque session id. The zero
// authentication state is Tenant == "" and UID == 0; UID != 0 implies
// Tenant != "".
type Session struct {
	ID       string         `json:"id"`
	Tenant   string         `json:"tenant"`
	UID      int64          `json:"uid"`
	Login    string         `json:"login"`
	Password string         `json:"password"`
	Context  map[string]any `json:"context"`

	// JSONPRequests holds payloads stashed by the two-step JSONP flow,
	// keyed by the client-chosen request id.
	JSONPRequests map[string]string `json:"jsonp_requests"`

	modified bool
}

// New returns a fresh session with default values.
func New(id string) *Session {
	s := &Session{ID: id}
	s.applyDefaults()
	return s
}

func (s *Session) applyDefaults() {
	if s.Context == nil {
		s.Context = map[string]any{"tz": "UTC", "uid": nil}
	}
	if s.JSONPRequests == nil {
		s.JSONPRequests = make(map[string]string)
	}
}

// Normalize restores invariants after deserialization.
func (s *Session) Normalize() {
	s.applyDefaults()
	s.modified = false
}

// Modified reports whether the session needs to be persisted.
func (s *Session) Modified() bool { return s.modified }

// MarkModified flags the session for persistence.
func (s *Session) MarkModified() { s.modified = true }

// ClearModified resets the persistence flag, typically after a save.
func (s *Session) ClearModified() { s.modified = false }

// Authenticate checks interactive credentials against the identity
// authority and, on success, binds the session to the tenant and user and
// refreshes the user context. It returns the authenticated user id.
func (s *Session) Authenticate(ctx context.Context, idp tenant.Identity, dl tenant.DataLayer, tenantID, login, password string, env tenant.ClientEnv) (int64, error) {
	uid, err := idp.Authenticate(ctx, tenantID, login, password, env)
	if err != nil {
		return 0, err
	}
	s.bind(tenantID, uid, login, password)
	if uid != 0 {
		if err := s.RefreshContext(ctx, dl); err != nil {
			return 0, fmt.Errorf("refresh user context: %w", err)
		}
	}
	return uid, nil
}

// AuthenticateUID is the pre-known-id variant: it performs the lighter
// credential validity check instead of a full interactive authentication.
func (s *Session) AuthenticateUID(ctx context.Context, idp tenant.Identity, dl tenant.DataLayer, tenantID string, uid int64, password string) (int64, error) {
	if err := idp.CheckCredential(ctx, tenantID, uid, password); err != nil {
		return 0, err
	}
	s.bind(tenantID, uid, "", password)
	if uid != 0 {
		if err := s.RefreshContext(ctx, dl); err != nil {
			return 0, fmt.Errorf("refresh user context: %w", err)
		}
	}
	return uid, nil
}

func (s *Session) bind(tenantID string, uid int64, login, password string) {
	s.Tenant = tenantID
	s.UID = uid
	if login != "" {
		s.Login = login
	}
	s.Password = password
	s.modified = true
}

// CheckValidity verifies that the stored authentication parameters are
// still accepted by the identity authority. It must be called on every
// request carrying a user id; a failure means the session is stale.
func (s *Session) CheckValidity(ctx context.Context, idp tenant.Identity) error {
	if s.Tenant == "" || s.UID == 0 {
		return &fault.SessionExpiredError{Message: "session expired"}
	}
	if err := idp.CheckCredential(ctx, s.Tenant, s.UID, s.Password); err != nil {
		return &fault.SessionExpiredError{Message: "session expired", Args: []any{err.Error()}}
	}
	return nil
}

// Logout clears all fields and restores the defaults.
func (s *Session) Logout() {
	s.Tenant = ""
	s.UID = 0
	s.Login = ""
	s.Password = ""
	s.Context = nil
	s.JSONPRequests = nil
	s.applyDefaults()
	s.modified = true
}

// RefreshContext re-initializes the session context from the user's
// preferences in the tenant data layer. The user id is force-set inside the
// context and the locale tag is normalized.
func (s *Session) RefreshContext(ctx context.Context, dl tenant.DataLayer) error {
	if s.UID == 0 {
		return fmt.Errorf("refresh context requires an authenticated user")
	}
	ctxvals, err := dl.GetUserContext(ctx, s.Tenant, s.UID)
	if err != nil {
		return err
	}
	if ctxvals == nil {
		ctxvals = map[string]any{}
	}
	ctxvals["uid"] = s.UID
	lang, _ := ctxvals["lang"].(string)
	ctxvals["lang"] = locale.Normalize(lang)
	s.Context = ctxvals
	s.modified = true
	return nil
}

// StashJSONP stores a raw JSONP payload under the client-chosen id for
// later retrieval.
func (s *Session) StashJSONP(id, payload string) {
	s.JSONPRequests[id] = payload
	s.modified = true
}

// PopJSONP retrieves and removes a stashed JSONP payload. A given id is
// retrievable at most once.
func (s *Session) PopJSONP(id string) (string, bool) {
	payload, ok := s.JSONPRequests[id]
	if ok {
		delete(s.JSONPRequests, id)
		s.modified = true
	}
	return payload, ok
}
