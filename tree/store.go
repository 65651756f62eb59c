// Package tree implements the Tree Store of spec.md §4.1: the live
// configuration tree, its node/property storage, the primitive
// mutators, and lookup by path, phandle, and name.
//
// Store exposes two lock pairs, mirroring spec.md §5's two-lock model:
// Lock/Unlock is the short-held tree_lock taken around a single
// primitive mutation, and ApplyLock/ApplyUnlock is a second, coarser
// mutex. The txlog package does not take ApplyLock, so whole
// transactions are not serialized against each other by the Store.
// Callers invoking the exported Locked primitives directly (tests, the
// txlog package) must hold Lock() first. The read-only lookup methods
// do not take Lock(): FindByPath reads the atomically swapped path
// index, FindByPhandle the phandle map under its own lock, and
// FindByName and FindProperty read the node's slices directly.
package tree

import (
	"fmt"
	"sync"
	"sync/atomic"

	iradix "github.com/hashicorp/go-immutable-radix"
	"github.com/sirupsen/logrus"

	"github.com/devicetree/overlay/domain"
	"github.com/devicetree/overlay/errs"
)

// Store is the concrete TreeStoreIface implementation.
type Store struct {
	muTree  sync.Mutex
	muApply sync.Mutex

	root *domain.Node

	// pathIdx maps a node's full path to the node pointer. It is an
	// immutable radix tree so FindByPath and prefix-style walks can run
	// without holding muTree, the same tradeoff handler/handlerDB.go
	// makes with handlerTree.
	pathIdx atomic.Value // *iradix.Tree

	muPhandle sync.RWMutex
	phandles  map[uint32]*domain.Node

	nextPhandle uint32
	nextPropID  uint64
}

// NewStore constructs an empty Tree Store whose root node is "/".
func NewStore() *Store {
	s := &Store{
		phandles: make(map[uint32]*domain.Node),
	}
	s.root = domain.NewStaticNode("/", "", "/", 0)
	s.pathIdx.Store(iradix.New())
	s.indexPath(s.root)
	return s
}

func (s *Store) Root() *domain.Node { return s.root }

func (s *Store) Lock()   { s.muTree.Lock() }
func (s *Store) Unlock() { s.muTree.Unlock() }

func (s *Store) ApplyLock()   { s.muApply.Lock() }
func (s *Store) ApplyUnlock() { s.muApply.Unlock() }

func (s *Store) idxTree() *iradix.Tree {
	return s.pathIdx.Load().(*iradix.Tree)
}

func (s *Store) indexPath(n *domain.Node) {
	t, _, _ := s.idxTree().Insert([]byte(n.Path), n)
	s.pathIdx.Store(t)
}

func (s *Store) unindexPath(n *domain.Node) {
	t, _, _ := s.idxTree().Delete([]byte(n.Path))
	s.pathIdx.Store(t)
}

// indexSubtree and unindexSubtree walk n and every descendant, updating
// the path index (and phandle map) for the whole subtree. Detaching or
// re-attaching a node whose fragment carries its own children (the "-"
// subtree-removal convention of spec.md §4.4) moves the entire subtree
// as one unit, so every descendant's lookup entry must move with it.
func (s *Store) indexSubtree(n *domain.Node) {
	s.indexPath(n)
	if n.Phandle != 0 {
		s.muPhandle.Lock()
		s.phandles[n.Phandle] = n
		s.muPhandle.Unlock()
	}
	for _, c := range n.Children {
		s.indexSubtree(c)
	}
}

func (s *Store) unindexSubtree(n *domain.Node) {
	s.unindexPath(n)
	if n.Phandle != 0 {
		s.muPhandle.Lock()
		delete(s.phandles, n.Phandle)
		s.muPhandle.Unlock()
	}
	for _, c := range n.Children {
		s.unindexSubtree(c)
	}
}

// NewNode allocates a dynamic, detached node ready to be attached by a
// transaction. It is not indexed anywhere until AttachLocked runs.
func (s *Store) NewNode(name, typ string, phandle uint32) *domain.Node {
	n := domain.NewStaticNode(name, typ, name, phandle)
	n.SetFlag(domain.FlagDynamic)
	n.SetFlag(domain.FlagDetached)
	return n
}

// CopyProperty allocates a fresh Property with the next unique id,
// mirroring __of_copy_property's job of giving an overlay-supplied
// property its own identity distinct from the fragment's.
func (s *Store) CopyProperty(name string, value []byte) *domain.Property {
	id := atomic.AddUint64(&s.nextPropID, 1)
	return domain.NewProperty(name, value, id)
}

// AttachLocked links n under parent, assigning n's Path from parent's
// Path, and indexes it by path and (if non-zero) phandle. Caller must
// hold Lock().
func (s *Store) AttachLocked(n, parent *domain.Node) error {
	if parent == nil {
		return errs.Invalid("attach: nil parent")
	}
	if !n.Detached() {
		return errs.Invalid("attach: node %q is already live", n.Name)
	}
	n.Path = childPath(parent.Path, n.Name)
	n.Parent = parent
	parent.Children = append(parent.Children, n)
	n.ClearFlag(domain.FlagDetached)

	// A node re-attached after a subtree detach (txlog revert of a
	// Detach entry) may still carry its own children from before it was
	// unlinked; reindex the whole subtree so descendants resolve by
	// path again, not just n itself.
	s.indexSubtree(n)

	logrus.Debugf("tree: attached node %s", n.Path)
	return nil
}

// DetachLocked unlinks n from its parent without freeing it; the node
// remains valid (callers may hold references) but is marked Detached
// and removed from the lookup indexes, along with its entire subtree
// (spec.md §4.4 "a child ... denotes subtree detachment"). Children
// are not touched otherwise: the subtree stays intact, just unreachable
// from the root, so a later revert can re-attach it as a unit. Caller
// must hold Lock().
func (s *Store) DetachLocked(n *domain.Node) error {
	if !n.Live() {
		return errs.Invalid("detach: node %q is already detached", n.Name)
	}
	parent := n.Parent
	if parent != nil {
		for i, c := range parent.Children {
			if c == n {
				parent.Children = append(parent.Children[:i], parent.Children[i+1:]...)
				break
			}
		}
	}

	s.unindexSubtree(n)

	n.SetFlag(domain.FlagDetached)
	logrus.Debugf("tree: detached node %s", n.Path)
	return nil
}

// AddPropertyLocked appends p to n's property list. It is an error to
// add a property whose name already exists; callers wanting
// replace-semantics use UpdatePropertyLocked. Caller must hold Lock().
func (s *Store) AddPropertyLocked(n *domain.Node, p *domain.Property) error {
	for _, existing := range n.Properties {
		if existing.Name == p.Name {
			return errs.AlreadyExists("add-property: %q already present on %s", p.Name, n.Path)
		}
	}
	n.Properties = append(n.Properties, p)
	logrus.Debugf("tree: added property %s on %s", p.Name, n.Path)
	return nil
}

// RemovePropertyLocked removes and returns the named property, moving
// it onto n's dead-property list rather than discarding it, so a later
// revert can re-link the identical pointer (drivers/of/dynamic.c:
// __of_remove_property keeps the struct alive for exactly this reason).
// Caller must hold Lock().
func (s *Store) RemovePropertyLocked(n *domain.Node, name string) (*domain.Property, error) {
	for i, p := range n.Properties {
		if p.Name == name {
			n.Properties = append(n.Properties[:i], n.Properties[i+1:]...)
			n.DeadProperties = append(n.DeadProperties, p)
			logrus.Debugf("tree: removed property %s on %s", name, n.Path)
			return p, nil
		}
	}
	return nil, errs.NotFound("remove-property: %q not found on %s", name, n.Path)
}

// UpdatePropertyLocked requires a property named p.Name already exists
// on n's live list (spec.md §4.1's precondition for __of_update_property)
// and swaps it out for p: p goes onto the live list, the displaced
// property goes onto n's dead-property list (never freed synchronously)
// and is returned, exactly as drivers/of/transaction.c's
// __of_update_property(np, newprop, &old_prop) displaces rather than
// mutates. If p is itself currently sitting on n's dead-property list
// (the update-revert path, reinstalling the original property that an
// earlier update displaced), it is unlinked from there first. Caller
// must hold Lock().
func (s *Store) UpdatePropertyLocked(n *domain.Node, p *domain.Property) (*domain.Property, error) {
	var old *domain.Property
	for i, existing := range n.Properties {
		if existing.Name == p.Name {
			old = existing
			n.Properties = append(n.Properties[:i], n.Properties[i+1:]...)
			break
		}
	}
	if old == nil {
		return nil, errs.NotFound("update-property: %q not found on %s", p.Name, n.Path)
	}

	for i, d := range n.DeadProperties {
		if d == p {
			n.DeadProperties = append(n.DeadProperties[:i], n.DeadProperties[i+1:]...)
			break
		}
	}

	n.DeadProperties = append(n.DeadProperties, old)
	n.Properties = append(n.Properties, p)
	logrus.Debugf("tree: updated property %s on %s", p.Name, n.Path)
	return old, nil
}

// UnlinkDeadProperty removes p from n's dead-property list without
// relinking it anywhere else; callers reinstalling it elsewhere (the
// revert path of an UpdateProp entry, via UpdatePropertyLocked) do that
// themselves. Per spec.md's Q1 resolution, p missing from the
// dead-property list at this point is an invariant violation, not a
// recoverable error.
func (s *Store) UnlinkDeadProperty(n *domain.Node, p *domain.Property) {
	for i, d := range n.DeadProperties {
		if d == p {
			n.DeadProperties = append(n.DeadProperties[:i], n.DeadProperties[i+1:]...)
			return
		}
	}
	errs.Invariant("property %q not found on dead-property list of %s", p.Name, n.Path)
}

// ReviveDeadProperty re-links a property previously moved to n's
// dead-property list back onto the live property list, for the revert
// path of a RemoveProperty entry. Per spec.md's Q1 resolution, a
// property missing from the dead-property list at this point is an
// invariant violation, not a recoverable error.
func (s *Store) ReviveDeadProperty(n *domain.Node, p *domain.Property) {
	s.UnlinkDeadProperty(n, p)
	n.Properties = append(n.Properties, p)
}

func (s *Store) FindByPath(path string) (*domain.Node, error) {
	v, ok := s.idxTree().Get([]byte(path))
	if !ok {
		return nil, errs.NotFound("no node at path %q", path)
	}
	n := v.(*domain.Node)
	n.Ref()
	return n, nil
}

func (s *Store) FindByPhandle(phandle uint32) (*domain.Node, error) {
	s.muPhandle.RLock()
	n, ok := s.phandles[phandle]
	s.muPhandle.RUnlock()
	if !ok {
		return nil, errs.NotFound("no node with phandle %d", phandle)
	}
	n.Ref()
	return n, nil
}

func (s *Store) FindByName(parent *domain.Node, name string) (*domain.Node, error) {
	if parent == nil {
		return nil, errs.Invalid("find-by-name: nil parent")
	}
	for _, c := range parent.Children {
		if c.Name == name {
			c.Ref()
			return c, nil
		}
	}
	return nil, errs.NotFound("no child named %q under %s", name, parent.Path)
}

func (s *Store) FindProperty(n *domain.Node, name string) (*domain.Property, error) {
	if n == nil {
		return nil, errs.Invalid("find-property: nil node")
	}
	for _, p := range n.Properties {
		if p.Name == name {
			return p, nil
		}
	}
	return nil, errs.NotFound("no property %q on %s", name, n.Path)
}

func (s *Store) DeviceIsAvailable(n *domain.Node) bool {
	return domain.ComputeDeviceState(n) == domain.DevicePresent
}

// FreeTree forcibly releases an entire detached subtree regardless of
// individual node refcounts, clearing each node's children, properties
// and dead properties. It is only safe to call on a subtree that was
// created but never published to any other caller; calling it on a
// live node is a programming error.
func (s *Store) FreeTree(n *domain.Node) {
	if n == nil {
		return
	}
	if n.Live() {
		panic(fmt.Sprintf("tree: FreeTree called on live node %q", n.Path))
	}
	for _, c := range n.Children {
		s.FreeTree(c)
	}
	n.Children = nil
	n.Properties = nil
	n.DeadProperties = nil
}

func childPath(parentPath, name string) string {
	if parentPath == "/" {
		return "/" + name
	}
	return parentPath + "/" + name
}
