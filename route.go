// Package dispatch is the HTTP request-dispatch core of a multi-tenant
// application server. Given an inbound request it resolves the tenant and
// session, selects a handler through a per-tenant route table, enforces the
// handler's authentication requirement, manages the request's transactional
// resource, and serializes the result over plain HTTP or JSON-RPC2.
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Protocol is the wire protocol a handler declares.
type Protocol string

const (
	ProtocolHTTP Protocol = "http"
	ProtocolJSON Protocol = "json"
)

// Auth is a handler's declared authentication requirement.
type Auth string

const (
	// AuthNone marks the handler usable without a tenant or user. The
	// request context gets no data-layer access.
	AuthNone Auth = "none"
	// AuthUser requires a session already carrying a user id.
	AuthUser Auth = "user"
	// AuthAdmin requires a resolved tenant and runs as the superuser.
	AuthAdmin Auth = "admin"
)

// HandlerFunc is the executable part of a handler declaration. Params hold
// the decoded request parameters merged with typed path segments.
type HandlerFunc func(ctx context.Context, rc *Request, params map[string]any) (any, error)

// Method is one exposed handler on a controller.
type Method struct {
	// Name identifies the method within its controller, and doubles as the
	// route stem for combined declarations.
	Name string
	// Patterns are explicit URL patterns (chi syntax: typed segments as
	// {name}, trailing wildcard as /*). Ignored for combined declarations.
	Patterns []string
	Protocol Protocol
	Auth     Auth
	// Combined derives the patterns from the owning controller's base path
	// and the method name, plus a deep-path wildcard variant.
	Combined bool
	Func     HandlerFunc
}

// Controller is a named group of handler declarations owned by an extension
// module. A controller with Extends set overrides methods of the named base
// controller instead of anchoring routes of its own.
type Controller struct {
	// Name is the controller's identity, unique across all modules.
	Name string
	// Extends names the base controller this one overrides, or "".
	Extends string
	// BasePath prefixes combined declarations. An extension's base path,
	// when set, overrides the base controller's.
	BasePath string
	// Methods in declaration order.
	Methods []*Method
}

// Registry collects the controllers declared by every known extension
// module. Route tables are built from it per tenant.
type Registry struct {
	mu      sync.RWMutex
	modules map[string][]*Controller
}

func NewRegistry() *Registry {
	return &Registry{modules: make(map[string][]*Controller)}
}

// Register adds controllers declared by a module. Invalid declarations are
// programmer errors and panic at registration time.
func (r *Registry) Register(module string, cs ...*Controller) {
	for _, c := range cs {
		if c.Name == "" {
			panic(fmt.Sprintf("dispatch: module %q registered a controller without a name", module))
		}
		for _, m := range c.Methods {
			if m.Protocol != ProtocolHTTP && m.Protocol != ProtocolJSON {
				panic(fmt.Sprintf("dispatch: %s.%s declares unknown protocol %q", c.Name, m.Name, m.Protocol))
			}
			switch m.Auth {
			case AuthNone, AuthUser, AuthAdmin:
			case "":
				m.Auth = AuthUser
			default:
				panic(fmt.Sprintf("dispatch: %s.%s declares unknown auth requirement %q", c.Name, m.Name, m.Auth))
			}
			if m.Func == nil {
				panic(fmt.Sprintf("dispatch: %s.%s has no handler function", c.Name, m.Name))
			}
			if !m.Combined && len(m.Patterns) == 0 {
				panic(fmt.Sprintf("dispatch: %s.%s declares no URL pattern", c.Name, m.Name))
			}
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules[module] = append(r.modules[module], cs...)
}

// ModuleNames returns every module known to declare controllers, except the
// bootstrap module, sorted by name.
func (r *Registry) ModuleNames(except string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		if name == except {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) controllers(module string) []*Controller {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.modules[module]
}

// combinedPatterns derives the URL patterns of a combined declaration: the
// method name appended to the base path (the name "index" maps to the base
// path itself), plus a trailing wildcard variant capturing deep sub-paths.
func combinedPatterns(basePath, name string) []string {
	stem := strings.TrimLeft(name, "/")
	if name == "index" {
		stem = ""
	}
	url := strings.TrimRight(basePath, "/") + "/" + stem
	if len(url) > 1 {
		url = strings.TrimRight(url, "/")
	}
	wildcard := url + "/*"
	if url == "/" {
		wildcard = "/*"
	}
	return []string{url, wildcard}
}
