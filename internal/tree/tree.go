// Package tree provides the hierarchical property tree the rule engine reads
// rule definitions and live system state from.
//
// Paths are POSIX-style ("/usr/events/3/actions"). Children keep insertion
// order, which is the order rules, triggers and actions are evaluated in.
package tree

import (
	"path"
	"strings"
)

// Tree is a hierarchical key/value store
type Tree interface {
	// Get returns the value stored at p; false if the node is absent or has no value
	Get(p string) (any, bool)
	// Set stores value at p, creating missing ancestors
	Set(p string, value any) error
	// Children lists the child names of p in insertion order
	Children(p string) []string
	// Exists reports whether a node exists at p
	Exists(p string) bool
	// Remove deletes p and its whole subtree
	Remove(p string) error
}

// Clean normalises p to an absolute path without trailing slash
func Clean(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

// Join joins path elements into a cleaned absolute path
func Join(elem ...string) string {
	return Clean(path.Join(elem...))
}

// Base returns the last element of p
func Base(p string) string {
	return path.Base(Clean(p))
}

// Parent returns the parent path of p; the root is its own parent
func Parent(p string) string {
	return path.Dir(Clean(p))
}

// Child reads the value of a direct child of p
func Child(t Tree, p, name string) (any, bool) {
	return t.Get(Join(p, name))
}

// Snapshot renders the subtree at p as nested maps. Leaf nodes render as
// their value; inner nodes as a map keyed by child name.
func Snapshot(t Tree, p string) any {
	children := t.Children(p)
	if len(children) == 0 {
		v, _ := t.Get(p)
		return v
	}
	out := make(map[string]any, len(children))
	for _, c := range children {
		out[c] = Snapshot(t, Join(p, c))
	}
	return out
}
