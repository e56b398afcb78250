package graph

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type nodeKey struct {
	tenantID string
	id       string
}

type edgeKey struct {
	tenantID string
	kind     EdgeKind
	fromID   string
	toID     string
}

// MemoryStore is the in-process projection target used by lite mode and
// tests. Semantics match the Neo4j store: merges are idempotent, edges
// require existing endpoints, deletes detach.
type MemoryStore struct {
	mu    sync.RWMutex
	nodes map[nodeKey]Node
	edges map[edgeKey]Edge
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes: make(map[nodeKey]Node),
		edges: make(map[edgeKey]Edge),
	}
}

func (s *MemoryStore) MergeNode(_ context.Context, n Node) error {
	if err := n.validate(); err != nil {
		return err
	}
	props := make(map[string]any, len(n.Props))
	for k, v := range n.Props {
		props[k] = v
	}
	n.Props = props

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[nodeKey{n.TenantID, n.ID}] = n
	return nil
}

func (s *MemoryStore) MergeEdge(_ context.Context, e Edge) error {
	if err := e.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[nodeKey{e.TenantID, e.FromID}]; !ok {
		return fmt.Errorf("graph: edge %s: from node %s not projected", e.Kind, e.FromID)
	}
	if _, ok := s.nodes[nodeKey{e.TenantID, e.ToID}]; !ok {
		return fmt.Errorf("graph: edge %s: to node %s not projected", e.Kind, e.ToID)
	}
	s.edges[edgeKey{e.TenantID, e.Kind, e.FromID, e.ToID}] = e
	return nil
}

func (s *MemoryStore) DeleteNode(_ context.Context, tenantID, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nodes, nodeKey{tenantID, nodeID})
	for k := range s.edges {
		if k.tenantID == tenantID && (k.fromID == nodeID || k.toID == nodeID) {
			delete(s.edges, k)
		}
	}
	return nil
}

func (s *MemoryStore) Close(context.Context) error { return nil }

// GetNode returns a projected node, if present. Reads are tenant-keyed the
// same as writes.
func (s *MemoryStore) GetNode(tenantID, nodeID string) (Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[nodeKey{tenantID, nodeID}]
	return n, ok
}

// Edges lists a tenant's edges sorted by (kind, from, to), for assertions.
func (s *MemoryStore) Edges(tenantID string) []Edge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Edge
	for _, e := range s.edges {
		if e.TenantID == tenantID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		if out[i].FromID != out[j].FromID {
			return out[i].FromID < out[j].FromID
		}
		return out[i].ToID < out[j].ToID
	})
	return out
}

// NodeCount counts a tenant's nodes of one kind.
func (s *MemoryStore) NodeCount(tenantID string, kind NodeKind) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, n := range s.nodes {
		if n.TenantID == tenantID && n.Kind == kind {
			count++
		}
	}
	return count
}
