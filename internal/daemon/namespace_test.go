package daemon

import (
	"testing"

	"go.uber.org/zap"
)

func readyServer(id string, priority, order int, names ...string) *Server {
	s := newServer(ServerConfig{ID: id, Priority: priority}, order, zap.NewNop())
	s.status = StatusReady
	for _, n := range names {
		s.tools = append(s.tools, ToolDescriptor{Name: n, ServerID: id})
	}
	return s
}

func TestNamespaceCanonicalByPriorityThenOrder(t *testing.T) {
	// lower priority wins; among equal priorities, earlier registration wins.
	a := readyServer("a", 10, 0, "shared", "only_a")
	b := readyServer("b", 5, 1, "shared", "only_b")
	c := readyServer("c", 5, 2, "shared")

	ns := newNamespace()
	ns.rebuild([]*Server{a, b, c})

	servers := map[string]*Server{"a": a, "b": b, "c": c}

	desc, err := ns.resolve("shared", "", servers)
	if err != nil {
		t.Fatalf("resolve shared: %v", err)
	}
	if desc.ServerID != "b" {
		t.Fatalf("expected b to own canonical shared (priority 5, earliest), got %s", desc.ServerID)
	}

	tools, collisions := ns.list()
	if len(tools) != 3 { // shared, only_a, only_b
		t.Fatalf("expected 3 canonical tools, got %d", len(tools))
	}
	if len(collisions["shared"]) != 2 { // c and a both define shared after b
		t.Fatalf("expected 2 collisions for shared, got %v", collisions["shared"])
	}
}

func TestNamespaceExplicitServerIDBypassesCanonical(t *testing.T) {
	a := readyServer("a", 10, 0, "shared")
	b := readyServer("b", 5, 1, "shared")

	ns := newNamespace()
	ns.rebuild([]*Server{a, b})
	servers := map[string]*Server{"a": a, "b": b}

	desc, err := ns.resolve("shared", "a", servers)
	if err != nil {
		t.Fatalf("resolve with explicit server: %v", err)
	}
	if desc.ServerID != "a" {
		t.Fatalf("expected explicit server_id to win, got %s", desc.ServerID)
	}
}

func TestNamespaceUnresolvedToolNotFound(t *testing.T) {
	ns := newNamespace()
	ns.rebuild(nil)
	_, err := ns.resolve("missing", "", map[string]*Server{})
	if err == nil {
		t.Fatal("expected error for unresolved tool")
	}
}

func TestNamespaceDeterministicAcrossRebuilds(t *testing.T) {
	a := readyServer("a", 10, 0, "x")
	b := readyServer("b", 5, 1, "x")

	ns := newNamespace()
	ns.rebuild([]*Server{a, b})
	first, _, err := resolveAndList(ns, map[string]*Server{"a": a, "b": b})
	if err != nil {
		t.Fatal(err)
	}

	ns.rebuild([]*Server{a, b})
	second, _, err := resolveAndList(ns, map[string]*Server{"a": a, "b": b})
	if err != nil {
		t.Fatal(err)
	}

	if first != second {
		t.Fatalf("expected identical canonical owner across rebuilds: %s vs %s", first, second)
	}
}

func resolveAndList(ns *namespace, servers map[string]*Server) (string, []ToolDescriptor, error) {
	desc, err := ns.resolve("x", "", servers)
	if err != nil {
		return "", nil, err
	}
	tools, _ := ns.list()
	return desc.ServerID, tools, nil
}
