package session

import (
	"context"
	"errors"
	"testing"

	"github.com/tenantweb/dispatch/fault"
	"github.com/tenantweb/dispatch/tenant"
	"github.com/tenantweb/dispatch/tenant/tenanttest"
)

func TestAuthenticate(t *testing.T) {
	ctx := context.Background()
	idp := tenanttest.NewIdentity()
	idp.AddUser("acme", tenanttest.User{UID: 7, Login: "bob", Password: "secret"})
	dl := tenanttest.NewDataLayer()
	dl.SetUserContext("acme", 7, map[string]any{"lang": "fr", "tz": "Europe/Paris"})

	t.Run("success binds tenant, user and context", func(t *testing.T) {
		s := New("sid")
		uid, err := s.Authenticate(ctx, idp, dl, "acme", "bob", "secret", tenant.ClientEnv{})
		if err != nil {
			t.Fatalf("Authenticate: %v", err)
		}
		if uid != 7 || s.UID != 7 || s.Tenant != "acme" || s.Login != "bob" {
			t.Fatalf("session not bound: %+v", s)
		}
		if !s.Modified() {
			t.Fatal("successful authentication must flag the session for persistence")
		}
		if s.Context["uid"] != int64(7) {
			t.Fatalf("context uid = %#v", s.Context["uid"])
		}
		if s.Context["lang"] != "fr_FR" {
			t.Fatalf("lang = %#v, want widened locale", s.Context["lang"])
		}
	})

	t.Run("bad password leaves session untouched", func(t *testing.T) {
		s := New("sid")
		_, err := s.Authenticate(ctx, idp, dl, "acme", "bob", "wrong", tenant.ClientEnv{})
		var authErr *fault.AuthenticationError
		if !errors.As(err, &authErr) {
			t.Fatalf("err = %v, want AuthenticationError", err)
		}
		if s.UID != 0 || s.Tenant != "" {
			t.Fatalf("session bound after failed auth: %+v", s)
		}
	})
}

func TestAuthenticateUID(t *testing.T) {
	ctx := context.Background()
	idp := tenanttest.NewIdentity()
	idp.AddUser("acme", tenanttest.User{UID: 7, Login: "bob", Password: "secret"})
	dl := tenanttest.NewDataLayer()

	s := New("sid")
	uid, err := s.AuthenticateUID(ctx, idp, dl, "acme", 7, "secret")
	if err != nil {
		t.Fatalf("AuthenticateUID: %v", err)
	}
	if uid != 7 || s.UID != 7 || s.Tenant != "acme" {
		t.Fatalf("session not bound: %+v", s)
	}

	if _, err := New("sid2").AuthenticateUID(ctx, idp, dl, "acme", 7, "wrong"); err == nil {
		t.Fatal("expected credential rejection")
	}
}

func TestCheckValidity(t *testing.T) {
	ctx := context.Background()
	idp := tenanttest.NewIdentity()
	idp.AddUser("acme", tenanttest.User{UID: 7, Login: "bob", Password: "secret"})

	t.Run("anonymous session is expired", func(t *testing.T) {
		var se *fault.SessionExpiredError
		if err := New("sid").CheckValidity(ctx, idp); !errors.As(err, &se) {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("stale password is expired", func(t *testing.T) {
		s := New("sid")
		s.Tenant, s.UID, s.Password = "acme", 7, "rotated-away"
		var se *fault.SessionExpiredError
		if err := s.CheckValidity(ctx, idp); !errors.As(err, &se) {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("live credentials pass", func(t *testing.T) {
		s := New("sid")
		s.Tenant, s.UID, s.Password = "acme", 7, "secret"
		if err := s.CheckValidity(ctx, idp); err != nil {
			t.Fatalf("CheckValidity: %v", err)
		}
	})
}

func TestLogout(t *testing.T) {
	s := New("sid")
	s.Tenant, s.UID, s.Login, s.Password = "acme", 7, "bob", "secret"
	s.Context["lang"] = "fr_FR"
	s.StashJSONP("1", "payload")

	s.Logout()

	if s.Tenant != "" || s.UID != 0 || s.Login != "" || s.Password != "" {
		t.Fatalf("fields survive logout: %+v", s)
	}
	if s.Context["tz"] != "UTC" {
		t.Fatalf("defaults not restored: %#v", s.Context)
	}
	if len(s.JSONPRequests) != 0 {
		t.Fatal("stashed payloads survive logout")
	}
	if !s.Modified() {
		t.Fatal("logout must flag the session for persistence")
	}
}

func TestJSONPStash(t *testing.T) {
	s := New("sid")
	s.StashJSONP("42", `{"jsonrpc":"2.0"}`)

	payload, ok := s.PopJSONP("42")
	if !ok || payload != `{"jsonrpc":"2.0"}` {
		t.Fatalf("pop = %q, %v", payload, ok)
	}
	if _, ok := s.PopJSONP("42"); ok {
		t.Fatal("a stashed id must be retrievable at most once")
	}
	if _, ok := s.PopJSONP("unknown"); ok {
		t.Fatal("unknown id must not pop")
	}
}
