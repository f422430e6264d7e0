package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
)

// bootstrapModule anchors the handlers every deployment carries regardless
// of per-tenant install state. It is always first in build order.
const bootstrapModule = "web"

// buildTable produces the route table for one tenant, or the shared
// tenant-independent table when tenantID is empty.
//
// Pass 1 registers only auth=none handlers, drawn from the bootstrap module
// plus every module known to declare controllers, independent of install
// state. Pass 2, tenant builds only, intersects the known modules with the
// set actually installed in the tenant database and registers the remaining
// (non-none) handlers. Rule insertion order is module order then
// declaration order; the first registration wins on duplicate patterns.
func (h *Handler) buildTable(ctx context.Context, tenantID string) (*Table, error) {
	h.log.InfoContext(ctx, "routes.build.start", slog.String("tenant", tenantID))

	tbl := newTable()
	known := h.registry.ModuleNames(bootstrapModule)

	h.generate(tbl, append([]string{bootstrapModule}, known...), true)
	if tenantID == "" {
		return tbl, nil
	}

	installed, err := h.data.ListInstalledModules(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list installed modules for %q: %w", tenantID, err)
	}
	installedSet := make(map[string]bool, len(installed))
	for _, name := range installed {
		installedSet[name] = true
	}
	enabled := make([]string, 0, len(known))
	for _, name := range known {
		if installedSet[name] {
			enabled = append(enabled, name)
		}
	}
	sort.Strings(enabled)

	h.generate(tbl, append([]string{bootstrapModule}, enabled...), false)
	return tbl, nil
}

// generate walks modules in order and registers, for every base controller,
// the effective methods after override resolution. noneOnly selects which
// half of the two-pass split is registered.
func (h *Handler) generate(tbl *Table, modules []string, noneOnly bool) {
	for _, module := range modules {
		for _, ctrl := range h.registry.controllers(module) {
			if ctrl.Extends != "" {
				// Extensions are folded into their base controller's
				// resolution; they never anchor routes of their own.
				continue
			}
			basePath, methods := h.resolve(modules, ctrl)
			for _, m := range methods {
				if (m.Auth == AuthNone) != noneOnly {
					continue
				}
				patterns := m.Patterns
				if m.Combined {
					patterns = combinedPatterns(basePath, m.Name)
				}
				for _, pattern := range patterns {
					tbl.add(pattern, &Endpoint{Module: module, Controller: ctrl.Name, Method: m})
				}
			}
		}
	}
}

// resolve computes the effective method set of a base controller under the
// given enabled-module order. Extensions declared by enabled modules are
// applied in walk order, so the most recently enabled declaration wins on
// method name collision; an extension's base path, when set, wins too.
// Resolution is deterministic: module order, then declaration order.
func (h *Handler) resolve(modules []string, base *Controller) (string, []*Method) {
	basePath := base.BasePath
	methods := append([]*Method(nil), base.Methods...)
	index := make(map[string]int, len(methods))
	for i, m := range methods {
		index[m.Name] = i
	}

	for _, module := range modules {
		for _, ext := range h.registry.controllers(module) {
			if ext.Extends != base.Name {
				continue
			}
			if ext.BasePath != "" {
				basePath = ext.BasePath
			}
			for _, m := range ext.Methods {
				if i, ok := index[m.Name]; ok {
					methods[i] = m
					continue
				}
				index[m.Name] = len(methods)
				methods = append(methods, m)
			}
		}
	}
	return basePath, methods
}

// table returns the published route table for a tenant, building it first
// if needed. Builds are serialized per tenant and published atomically;
// concurrent lookups either see the previous table or wait on the build.
func (h *Handler) table(ctx context.Context, tenantID string) (*Table, error) {
	if tbl, ok := h.tables.get(tenantID); ok {
		return tbl, nil
	}

	mu := h.tables.buildLock(tenantID)
	mu.Lock()
	defer mu.Unlock()

	if tbl, ok := h.tables.get(tenantID); ok {
		return tbl, nil
	}
	tbl, err := h.buildTable(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	h.tables.publish(tenantID, tbl)
	h.log.InfoContext(ctx, "routes.build.ok", slog.String("tenant", tenantID), slog.Int("rules", tbl.Len()))
	return tbl, nil
}

// InvalidateTenant drops the tenant's cached route table. It is the
// external signal that the tenant's enabled-module set changed; the next
// request rebuilds the table.
func (h *Handler) InvalidateTenant(tenantID string) {
	h.tables.invalidate(tenantID)
}
