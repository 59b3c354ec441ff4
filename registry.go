package toolgate

import (
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// ToolDescriptor is one tool under its globally unique qualified name. It is
// derived from a server's tools/list response, never hand-created, and is
// replaced wholesale whenever the owning server's catalog refreshes.
type ToolDescriptor struct {
	Server      string
	Name        string
	Title       string
	Description string

	// InputSchema is the tool's structured input schema, stored verbatim.
	InputSchema json.RawMessage
}

// Qualified returns the server/tool key under which the descriptor is
// registered. Server names are unique, so qualified names collide only when a
// single server lists the same tool twice.
func (d ToolDescriptor) Qualified() string {
	return d.Server + "/" + d.Name
}

// ToolCatalog is an immutable snapshot of one server's tools. Connections
// build a fresh catalog on every discovery pass and publish it atomically;
// readers never observe a partially updated one.
type ToolCatalog struct {
	server  string
	ordered []ToolDescriptor
	byName  map[string]ToolDescriptor
}

// newToolCatalog builds a catalog from a tools/list result. A descriptor with
// a missing name or a malformed schema is dropped with a logged warning; the
// rest of the server's tools survive.
func newToolCatalog(server string, tools []Tool, logger *slog.Logger) *ToolCatalog {
	c := &ToolCatalog{
		server: server,
		byName: make(map[string]ToolDescriptor, len(tools)),
	}

	for _, tool := range tools {
		if tool.Name == "" {
			logger.Warn("dropping tool with empty name", slog.String("server", server))
			continue
		}
		if len(tool.InputSchema) > 0 && !json.Valid(tool.InputSchema) {
			logger.Warn("dropping tool with malformed input schema",
				slog.String("server", server), slog.String("tool", tool.Name))
			continue
		}

		d := ToolDescriptor{
			Server:      server,
			Name:        tool.Name,
			Title:       tool.Title,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		}
		if _, exists := c.byName[d.Name]; exists {
			logger.Warn("dropping duplicate tool",
				slog.String("server", server), slog.String("tool", tool.Name))
			continue
		}
		c.byName[d.Name] = d
		c.ordered = append(c.ordered, d)
	}

	sort.Slice(c.ordered, func(i, j int) bool {
		return c.ordered[i].Name < c.ordered[j].Name
	})
	return c
}

// Server returns the name of the server the catalog belongs to.
func (c *ToolCatalog) Server() string { return c.server }

// Tools returns the catalog's descriptors ordered by tool name. The returned
// slice is shared; callers must not mutate it.
func (c *ToolCatalog) Tools() []ToolDescriptor { return c.ordered }

// Tool looks up one descriptor by its unqualified name.
func (c *ToolCatalog) Tool(name string) (ToolDescriptor, bool) {
	d, ok := c.byName[name]
	return d, ok
}

// Registry aggregates the per-connection tool catalogs into one namespaced
// directory. Connections publish and retract whole catalogs as they enter and
// leave the ready state; callers resolve references against whatever is
// present at that moment.
type Registry struct {
	mu       sync.RWMutex
	catalogs map[string]*ToolCatalog
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		catalogs: make(map[string]*ToolCatalog),
	}
}

// Set publishes a server's catalog, replacing any previous one.
func (r *Registry) Set(catalog *ToolCatalog) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.catalogs[catalog.server] = catalog
}

// Remove retracts a server's catalog; its tools disappear from the aggregate
// view.
func (r *Registry) Remove(server string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.catalogs, server)
}

// List returns every registered descriptor ordered by server name, then tool
// name.
func (r *Registry) List() []ToolDescriptor {
	r.mu.RLock()
	servers := make([]*ToolCatalog, 0, len(r.catalogs))
	for _, c := range r.catalogs {
		servers = append(servers, c)
	}
	r.mu.RUnlock()

	sort.Slice(servers, func(i, j int) bool {
		return servers[i].server < servers[j].server
	})

	var out []ToolDescriptor
	for _, c := range servers {
		out = append(out, c.ordered...)
	}
	return out
}

// Resolve maps a tool reference to the descriptors it denotes. A reference
// may carry a leading "@" and takes one of three forms:
//
//   - "server/tool" selects exactly that tool;
//   - "server" expands to every tool of that server;
//   - a bare name that matches no server is treated as an unqualified tool
//     name, valid only when exactly one server exposes it.
//
// Failures are typed: NotFoundError when nothing matches, AmbiguousError when
// a bare tool name matches more than one server.
func (r *Registry) Resolve(reference string) ([]ToolDescriptor, error) {
	ref := strings.TrimPrefix(reference, "@")

	r.mu.RLock()
	defer r.mu.RUnlock()

	if server, tool, ok := strings.Cut(ref, "/"); ok {
		c, found := r.catalogs[server]
		if !found {
			return nil, &NotFoundError{Ref: reference}
		}
		d, found := c.byName[tool]
		if !found {
			return nil, &NotFoundError{Ref: reference}
		}
		return []ToolDescriptor{d}, nil
	}

	if c, found := r.catalogs[ref]; found {
		if len(c.ordered) == 0 {
			return nil, &NotFoundError{Ref: reference}
		}
		return c.ordered, nil
	}

	var matches []ToolDescriptor
	for _, c := range r.catalogs {
		if d, found := c.byName[ref]; found {
			matches = append(matches, d)
		}
	}
	switch len(matches) {
	case 0:
		return nil, &NotFoundError{Ref: reference}
	case 1:
		return matches, nil
	default:
		qualified := make([]string, 0, len(matches))
		for _, d := range matches {
			qualified = append(qualified, d.Qualified())
		}
		sort.Strings(qualified)
		return nil, &AmbiguousError{Ref: reference, Matches: qualified}
	}
}
