package toolgate

import (
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
)

func testCatalog(t *testing.T, server string, names ...string) *ToolCatalog {
	t.Helper()
	tools := make([]Tool, 0, len(names))
	for _, name := range names {
		tools = append(tools, Tool{
			Name:        name,
			Description: "the " + name + " tool",
			InputSchema: json.RawMessage(`{"type":"object"}`),
		})
	}
	return newToolCatalog(server, tools, slog.Default())
}

func TestToolCatalogDropsMalformedDescriptors(t *testing.T) {
	catalog := newToolCatalog("srv", []Tool{
		{Name: "good", InputSchema: json.RawMessage(`{"type":"object"}`)},
		{Name: "bad-schema", InputSchema: json.RawMessage(`{"type":`)},
		{Name: ""},
		{Name: "no-schema"},
	}, slog.Default())

	// Malformed descriptors disappear; the rest of the server's tools survive.
	if len(catalog.Tools()) != 2 {
		t.Fatalf("got %d tools, want 2", len(catalog.Tools()))
	}
	if _, ok := catalog.Tool("good"); !ok {
		t.Error("tool good missing from catalog")
	}
	if _, ok := catalog.Tool("no-schema"); !ok {
		t.Error("tool no-schema missing from catalog")
	}
	if _, ok := catalog.Tool("bad-schema"); ok {
		t.Error("tool with malformed schema survived")
	}
}

func TestRegistryListIsOrdered(t *testing.T) {
	r := NewRegistry()
	r.Set(testCatalog(t, "beta", "zeta", "alpha"))
	r.Set(testCatalog(t, "alpha", "tool"))

	var got []string
	for _, d := range r.List() {
		got = append(got, d.Qualified())
	}

	want := []string{"alpha/tool", "beta/alpha", "beta/zeta"}
	if len(got) != len(want) {
		t.Fatalf("got %d descriptors, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRegistryNamespaceIntegrity(t *testing.T) {
	r := NewRegistry()
	r.Set(testCatalog(t, "serverA", "search"))
	r.Set(testCatalog(t, "serverB", "search"))

	// Same tool name on two servers must stay two distinct entries.
	qualified := make(map[string]bool)
	for _, d := range r.List() {
		qualified[d.Qualified()] = true
	}
	if !qualified["serverA/search"] || !qualified["serverB/search"] {
		t.Fatalf("got entries %v, want both serverA/search and serverB/search", qualified)
	}

	descriptors, err := r.Resolve("serverA/search")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if len(descriptors) != 1 || descriptors[0].Server != "serverA" {
		t.Errorf("got %+v, want only serverA's descriptor", descriptors)
	}
}

func TestRegistryResolve(t *testing.T) {
	r := NewRegistry()
	r.Set(testCatalog(t, "files", "read", "write"))
	r.Set(testCatalog(t, "web", "search"))

	t.Run("qualified reference", func(t *testing.T) {
		descriptors, err := r.Resolve("@files/read")
		if err != nil {
			t.Fatalf("resolve failed: %v", err)
		}
		if len(descriptors) != 1 || descriptors[0].Name != "read" {
			t.Errorf("got %+v, want files/read", descriptors)
		}
	})

	t.Run("server reference expands", func(t *testing.T) {
		descriptors, err := r.Resolve("@files")
		if err != nil {
			t.Fatalf("resolve failed: %v", err)
		}
		if len(descriptors) != 2 {
			t.Errorf("got %d descriptors, want 2", len(descriptors))
		}
	})

	t.Run("unique bare tool name", func(t *testing.T) {
		descriptors, err := r.Resolve("search")
		if err != nil {
			t.Fatalf("resolve failed: %v", err)
		}
		if len(descriptors) != 1 || descriptors[0].Server != "web" {
			t.Errorf("got %+v, want web/search", descriptors)
		}
	})

	t.Run("unknown reference", func(t *testing.T) {
		_, err := r.Resolve("@files/delete")
		var notFound *NotFoundError
		if !errors.As(err, &notFound) {
			t.Fatalf("got error %v, want *NotFoundError", err)
		}
	})

	t.Run("ambiguous bare tool name", func(t *testing.T) {
		r.Set(testCatalog(t, "intranet", "search"))

		_, err := r.Resolve("search")
		var ambiguous *AmbiguousError
		if !errors.As(err, &ambiguous) {
			t.Fatalf("got error %v, want *AmbiguousError", err)
		}
		if len(ambiguous.Matches) != 2 {
			t.Errorf("got matches %v, want 2 candidates", ambiguous.Matches)
		}
	})
}

func TestRegistryRemove(t *testing.T) {
	r := NewRegistry()
	r.Set(testCatalog(t, "files", "read"))
	r.Remove("files")

	if len(r.List()) != 0 {
		t.Errorf("got %d descriptors after removal, want 0", len(r.List()))
	}
	if _, err := r.Resolve("files/read"); err == nil {
		t.Error("resolve succeeded against a removed catalog")
	}
}
