package dispatch

import (
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
)

// Endpoint is one registered route: a URL pattern bound to a handler
// declaration.
type Endpoint struct {
	Pattern    string
	Module     string
	Controller string
	Method     *Method
}

// Table is an immutable route table. Once built and published it is only
// ever read, so concurrent lookups need no locking.
type Table struct {
	mux       *chi.Mux
	endpoints map[string]*Endpoint
}

func newTable() *Table {
	return &Table{mux: chi.NewRouter(), endpoints: make(map[string]*Endpoint)}
}

// add registers a pattern. The first registration wins on exact duplicates,
// per the builder's module-order tie-break.
func (t *Table) add(pattern string, ep *Endpoint) {
	if !strings.HasPrefix(pattern, "/") {
		pattern = "/" + pattern
	}
	if _, dup := t.endpoints[pattern]; dup {
		return
	}
	ep.Pattern = pattern
	t.endpoints[pattern] = ep
	t.mux.Handle(pattern, noopHandler{})
}

// Match finds the endpoint for a path and extracts its typed path segments.
// Wildcard captures are dropped; they exist so deep sub-paths route to the
// same handler.
func (t *Table) Match(method, path string) (*Endpoint, map[string]string, bool) {
	rctx := chi.NewRouteContext()
	if !t.mux.Match(rctx, method, path) {
		return nil, nil, false
	}
	ep, ok := t.endpoints[rctx.RoutePattern()]
	if !ok {
		return nil, nil, false
	}
	var params map[string]string
	for i, key := range rctx.URLParams.Keys {
		if key == "*" {
			continue
		}
		if params == nil {
			params = make(map[string]string)
		}
		params[key] = rctx.URLParams.Values[i]
	}
	return ep, params, true
}

// Len reports the number of registered patterns.
func (t *Table) Len() int { return len(t.endpoints) }

// noopHandler satisfies chi's registration API; the table is matched
// against, never served.
type noopHandler struct{}

func (noopHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {}

// tableCache holds the published route table per tenant, plus the shared
// tenant-independent table under the empty key. Builds are serialized per
// tenant; a table is swapped in atomically once complete, so readers never
// observe a partial build.
type tableCache struct {
	mu     sync.RWMutex
	tables map[string]*Table
	builds map[string]*sync.Mutex
}

func newTableCache() *tableCache {
	return &tableCache{tables: make(map[string]*Table), builds: make(map[string]*sync.Mutex)}
}

func (c *tableCache) get(key string) (*Table, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tbl, ok := c.tables[key]
	return tbl, ok
}

// buildLock returns the per-key mutex serializing builds for that tenant.
func (c *tableCache) buildLock(key string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	mu, ok := c.builds[key]
	if !ok {
		mu = &sync.Mutex{}
		c.builds[key] = mu
	}
	return mu
}

func (c *tableCache) publish(key string, tbl *Table) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tables[key] = tbl
}

func (c *tableCache) invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tables, key)
}
