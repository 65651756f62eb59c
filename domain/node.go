package domain

import (
	"fmt"
	"sync/atomic"
)

// Flag is a bitset of per-node metadata bits (spec.md §3 "Metadata").
type Flag uint32

const (
	// FlagDynamic marks a node whose memory is heap-owned by the tree
	// and must be released on refcount drop, as opposed to a static
	// compile-time node.
	FlagDynamic Flag = 1 << iota

	// FlagDetached marks a node that is not currently linked into the
	// live tree (it may still be referenced by callers holding a node
	// pointer, or be mid-overlay-apply).
	FlagDetached

	// FlagPopulated and FlagPopulatedBus are external-collaborator bits
	// reserved for the device factory (spec.md §3). The core stores
	// them but never interprets them.
	FlagPopulated
	FlagPopulatedBus
)

// Node is one position in the live configuration tree.
//
// Node is not safe for concurrent structural mutation without the
// owning Store's tree lock held; Refcount is the one exception, kept
// atomic so lookups can bump/drop a reference without taking the lock
// (spec.md §5 "Per-node refcount is atomic").
type Node struct {
	Name    string
	Type    string
	Path    string
	Phandle uint32

	Parent         *Node
	Children       []*Node
	Properties     []*Property
	DeadProperties []*Property

	refcount int32
	flags    uint32
	freed    bool
}

// NewStaticNode builds a node the way a compile-time tree would: live
// semantics aside, it starts with a refcount of one and none of the
// dynamic/detached bits set. Callers building a live tree by hand (e.g.
// tests) use this; the Tree Store's NewNode is used for dynamic nodes
// created by the overlay engine.
func NewStaticNode(name, typ, path string, phandle uint32) *Node {
	return &Node{Name: name, Type: typ, Path: path, Phandle: phandle, refcount: 1}
}

// Ref bumps the node's reference count. Every lookup that hands out a
// node must call this.
func (n *Node) Ref() int32 {
	return atomic.AddInt32(&n.refcount, 1)
}

// Unref drops the node's reference count. A drop to zero while the
// node is still live is a programming error (spec.md §3 invariant on
// reference discipline) and panics rather than silently leaking or
// double-freeing; a drop to zero while detached releases the node's
// property memory.
func (n *Node) Unref() int32 {
	c := atomic.AddInt32(&n.refcount, -1)
	if c < 0 {
		panic(fmt.Sprintf("devtree: refcount of node %q dropped below zero", n.Path))
	}
	if c == 0 {
		if !n.Detached() {
			panic(fmt.Sprintf("devtree: refcount of live node %q dropped to zero", n.Path))
		}
		n.Properties = nil
		n.DeadProperties = nil
		n.freed = true
	}
	return c
}

// Refcount reads the current reference count.
func (n *Node) Refcount() int32 {
	return atomic.LoadInt32(&n.refcount)
}

// Freed reports whether the node's memory has been released by its
// refcount reaching zero while detached. TreeStore.FreeTree clears a
// subtree's lists but does not set this.
func (n *Node) Freed() bool {
	return n.freed
}

// HasFlag, SetFlag and ClearFlag operate on the node's flag bitset.
// Callers mutating structural flags (Detached in particular) must hold
// the owning Store's tree lock.
func (n *Node) HasFlag(f Flag) bool  { return n.flags&uint32(f) != 0 }
func (n *Node) SetFlag(f Flag)       { n.flags |= uint32(f) }
func (n *Node) ClearFlag(f Flag)     { n.flags &^= uint32(f) }
func (n *Node) Detached() bool       { return n.HasFlag(FlagDetached) }
func (n *Node) Live() bool           { return !n.Detached() }
func (n *Node) Dynamic() bool        { return n.HasFlag(FlagDynamic) }

func (n *Node) String() string {
	return n.Path
}
