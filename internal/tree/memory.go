package tree

import (
	"slices"
	"sync"
)

type memNode struct {
	value    any
	hasValue bool
	children []string
}

// Memory is an in-process Tree
type Memory struct {
	mu    sync.RWMutex
	nodes map[string]*memNode
}

// NewMemory creates an empty in-memory tree
func NewMemory() *Memory {
	return &Memory{nodes: map[string]*memNode{"/": {}}}
}

func (m *Memory) Get(p string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[Clean(p)]
	if !ok || !n.hasValue {
		return nil, false
	}
	return n.value, true
}

func (m *Memory) Set(p string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.ensure(Clean(p))
	n.value = value
	n.hasValue = true
	return nil
}

// ensure creates p and its ancestors; caller holds the lock
func (m *Memory) ensure(p string) *memNode {
	if n, ok := m.nodes[p]; ok {
		return n
	}
	parent := m.ensure(Parent(p))
	parent.children = append(parent.children, Base(p))
	n := &memNode{}
	m.nodes[p] = n
	return n
}

func (m *Memory) Children(p string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[Clean(p)]
	if !ok {
		return nil
	}
	return slices.Clone(n.children)
}

func (m *Memory) Exists(p string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.nodes[Clean(p)]
	return ok
}

func (m *Memory) Remove(p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = Clean(p)
	if p == "/" {
		m.nodes = map[string]*memNode{"/": {}}
		return nil
	}
	if _, ok := m.nodes[p]; !ok {
		return nil
	}
	m.drop(p)
	if parent, ok := m.nodes[Parent(p)]; ok {
		name := Base(p)
		parent.children = slices.DeleteFunc(parent.children, func(c string) bool { return c == name })
	}
	return nil
}

func (m *Memory) drop(p string) {
	n := m.nodes[p]
	for _, c := range n.children {
		m.drop(Join(p, c))
	}
	delete(m.nodes, p)
}
