package domain

// TreeStoreIface is the Tree Store of spec.md §4.1: node/property
// storage, the primitive mutators, and lookup. Mutators here are the
// primitives — they perform no notification and no locking decisions
// beyond the tree lock itself; the Transaction Log is the only caller
// that should invoke them directly outside of tests.
type TreeStoreIface interface {
	Root() *Node

	NewNode(name, typ string, phandle uint32) *Node
	FreeTree(n *Node)

	AttachLocked(n, parent *Node) error
	DetachLocked(n *Node) error
	AddPropertyLocked(n *Node, p *Property) error
	RemovePropertyLocked(n *Node, name string) (*Property, error)
	UpdatePropertyLocked(n *Node, p *Property) (old *Property, err error)

	FindByPath(path string) (*Node, error)
	FindByPhandle(phandle uint32) (*Node, error)
	FindByName(parent *Node, name string) (*Node, error)
	FindProperty(n *Node, name string) (*Property, error)
	DeviceIsAvailable(n *Node) bool

	Lock()
	Unlock()
	ApplyLock()
	ApplyUnlock()
}

// NotifierBusIface is the Notifier Bus of spec.md §4.2.
type NotifierBusIface interface {
	Register(fn NotifyFunc) (id uint64)
	Unregister(id uint64)
	// Dispatch invokes every registered subscriber in registration
	// order and returns the first error encountered, having still
	// invoked every subscriber (spec.md §4.2 "all registered observers
	// are invoked regardless of an earlier veto").
	Dispatch(ev Event) error
}

// TransactionLogIface is the Transaction Log of spec.md §4.3.
type TransactionLogIface interface {
	Begin() uint64
	Append(txID uint64, e *Entry) error
	Apply(txID uint64) error
	Revert(txID uint64) error
	Abort(txID uint64) error
	Destroy(txID uint64) error
	State(txID uint64) (TxState, error)
	Entries(txID uint64) ([]*Entry, error)
}

// OverlayEngineIface is the Overlay Engine of spec.md §4.4.
type OverlayEngineIface interface {
	Apply(fragments []Fragment, opts OverlayOptions) (overlayID uint32, err error)
	Remove(overlayID uint32) error
	RemoveAll() error
}

// Fragment is one overlay fragment: a target node plus the subtree of
// properties/children to merge into it, using the "-" prefix removal
// convention of spec.md §4.4.
type Fragment struct {
	TargetPath    string
	TargetPhandle uint32
	Overlay       *Node
}

// OverlayOptions configures a single Apply call.
type OverlayOptions struct {
	// DeviceDepth caps how many levels below the first fragment's target
	// the device-state ledger will scan for presence-flip notifications
	// on Apply; nodes not under that target are skipped when a cap is
	// set. Zero means unlimited (SUPPLEMENTED FEATURES #1).
	DeviceDepth int
}

// OverlayRegistryIface is the Overlay Registry of spec.md §4.5.
type OverlayRegistryIface interface {
	Insert(txID uint64, touched []*Node) (overlayID uint32)
	// Peek returns the transaction id and touched-node set for
	// overlayID without mutating the registry, so a caller (the Overlay
	// Engine) can capture device-state ledger pre-images before driving
	// the actual revert through Remove.
	Peek(overlayID uint32) (txID uint64, touched []*Node, err error)
	// Newest returns the id of the most-recently-applied overlay still
	// in the registry, so a caller can walk removal newest-first
	// (spec.md §4.5 Destroy-all). ok is false when the registry is empty.
	Newest() (overlayID uint32, ok bool)
	Remove(overlayID uint32) error
	DestroyAll() error
}

// SysfsMirrorIface is the external collaborator of spec.md §6: a
// sysfs-shaped mirror that is told about committed property changes
// after the fact, on a best-effort basis. Implementations must not
// block the tree lock for long and must treat their own failures as
// non-fatal to the transaction that triggered them.
type SysfsMirrorIface interface {
	Export(n *Node, p *Property) error
	Unexport(n *Node, p *Property) error
	Update(n *Node, p *Property) error
}

// DeviceHandler is the pluggable device-instantiation strategy of
// SUPPLEMENTED FEATURES #4: the overlay engine calls Create/Destroy as
// the device-state ledger flips a node's DeviceState, trying handlers
// in registration order and moving to the next on ErrNotSupported.
type DeviceHandler interface {
	Create(n *Node) error
	Destroy(n *Node) error
}
