package inventory

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type Memory struct {
	mu     sync.Mutex
	nextID int64
	nodes  map[int64]Node
}

func NewMemory(nodes ...Node) *Memory {
	m := &Memory{nodes: map[int64]Node{}}
	for _, n := range nodes {
		n := n
		if _, err := m.Add(context.Background(), &n); err != nil {
			panic(err)
		}
	}
	return m
}

func (m *Memory) Lookup(ctx context.Context, id int64) (*Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrTargetUnknown, id)
	}
	return &n, nil
}

func (m *Memory) List(ctx context.Context, opts ListOptions) ([]Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Node
	for _, n := range m.nodes {
		if opts.ActiveOnly && !n.Active {
			continue
		}
		if opts.Role != nil && n.Role != *opts.Role {
			continue
		}
		out = append(out, n)
	}
	sortByName(out)
	return out, nil
}

func (m *Memory) Add(ctx context.Context, n *Node) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.nodes {
		if existing.MeshIdentity == n.MeshIdentity {
			return 0, fmt.Errorf("%w: %s", ErrExists, n.MeshIdentity)
		}
	}
	if n.ID == 0 {
		m.nextID++
		for m.nodes[m.nextID].ID != 0 {
			m.nextID++
		}
		n.ID = m.nextID
	}
	m.nodes[n.ID] = *n
	return n.ID, nil
}

func sortByName(nodes []Node) {
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Name == nodes[j].Name {
			return nodes[i].ID < nodes[j].ID
		}
		return nodes[i].Name < nodes[j].Name
	})
}
