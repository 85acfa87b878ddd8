package daemon

import (
	"fmt"
	"sort"
	"sync"
)

// ErrToolNotFound is returned when a tool_call name cannot be resolved.
var ErrToolNotFound = fmt.Errorf("daemon: tool not found")

// namespace is the merged tool index: one descriptor per name, with a
// collisions list of every server that also defines the name. It is rebuilt
// from scratch on every server-set change rather than updated incrementally,
// since a priority change anywhere can move the canonical owner for any name.
type namespace struct {
	mu         sync.RWMutex
	canonical  map[string]ToolDescriptor
	collisions map[string][]string
}

func newNamespace() *namespace {
	return &namespace{
		canonical:  make(map[string]ToolDescriptor),
		collisions: make(map[string][]string),
	}
}

// rebuild recomputes the canonical map in ascending priority, then
// registration order: the first server to define a name (under that
// ordering) owns the canonical binding; later definitions are collisions.
func (n *namespace) rebuild(servers []*Server) {
	ordered := make([]*Server, len(servers))
	copy(ordered, servers)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].cfg.Priority != ordered[j].cfg.Priority {
			return ordered[i].cfg.Priority < ordered[j].cfg.Priority
		}
		return ordered[i].registrationOrder < ordered[j].registrationOrder
	})

	canonical := make(map[string]ToolDescriptor)
	collisions := make(map[string][]string)
	for _, s := range ordered {
		for _, t := range s.Snapshot().Tools {
			if _, owned := canonical[t.Name]; !owned {
				t.Canonical = true
				canonical[t.Name] = t
				continue
			}
			collisions[t.Name] = append(collisions[t.Name], s.cfg.ID)
		}
	}

	n.mu.Lock()
	n.canonical = canonical
	n.collisions = collisions
	n.mu.Unlock()
}

// resolve implements the tool_call resolution rules: an explicit server_id
// restricts lookup to that server's own list; otherwise the name resolves to
// its canonical descriptor.
func (n *namespace) resolve(name, explicitServerID string, servers map[string]*Server) (ToolDescriptor, error) {
	if explicitServerID != "" {
		s, ok := servers[explicitServerID]
		if !ok {
			return ToolDescriptor{}, fmt.Errorf("%w: server %s not registered", ErrToolNotFound, explicitServerID)
		}
		for _, t := range s.Snapshot().Tools {
			if t.Name == name {
				return t, nil
			}
		}
		return ToolDescriptor{}, fmt.Errorf("%w: %s on server %s", ErrToolNotFound, name, explicitServerID)
	}

	n.mu.RLock()
	defer n.mu.RUnlock()
	t, ok := n.canonical[name]
	if !ok {
		return ToolDescriptor{}, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return t, nil
}

// list returns every canonical descriptor plus their recorded collisions.
func (n *namespace) list() ([]ToolDescriptor, map[string][]string) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]ToolDescriptor, 0, len(n.canonical))
	for _, t := range n.canonical {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	collisions := make(map[string][]string, len(n.collisions))
	for k, v := range n.collisions {
		collisions[k] = append([]string(nil), v...)
	}
	return out, collisions
}
