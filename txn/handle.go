// Package txn implements the Transaction Core API of spec.md §4.6: a
// user-facing handle around one Transaction Log instance for advanced
// callers (e.g. dynamic bus code synthesizing nodes on hotplug) that
// want to batch raw edits without going through the Overlay Engine's
// fragment walk.
//
// Grounded on drivers/of/transaction.c's action/apply split for the
// handle shape. Begin returns the concrete *Handle.
package txn

import (
	"github.com/devicetree/overlay/domain"
	"github.com/devicetree/overlay/errs"
)

// Handle is a single Transaction Core API session: begin, record
// primitive actions, then commit/revert/abort/destroy.
type Handle struct {
	store domain.TreeStoreIface
	log   domain.TransactionLogIface
	txID  uint64
}

// Begin opens a new Handle against log, bound to store for the
// transaction-aware read helpers.
func Begin(store domain.TreeStoreIface, log domain.TransactionLogIface) *Handle {
	return &Handle{store: store, log: log, txID: log.Begin()}
}

// AttachNode records an attach of n under parent. The attach does not
// take effect until Commit.
func (h *Handle) AttachNode(n, parent *domain.Node) error {
	return h.log.Append(h.txID, &domain.Entry{Action: domain.ActionAttachNode, Node: n, NewParent: parent})
}

// DetachNode records a detach of n. It does not take effect until
// Commit.
func (h *Handle) DetachNode(n *domain.Node) error {
	return h.log.Append(h.txID, &domain.Entry{Action: domain.ActionDetachNode, Node: n})
}

// AddProperty records adding p to n. It does not take effect until
// Commit.
func (h *Handle) AddProperty(n *domain.Node, p *domain.Property) error {
	return h.log.Append(h.txID, &domain.Entry{Action: domain.ActionAddProperty, Node: n, Property: p})
}

// RemoveProperty records removing the property named name from n. It
// does not take effect until Commit.
func (h *Handle) RemoveProperty(n *domain.Node, name string) error {
	existing, err := h.FindProperty(n, name)
	if err != nil {
		return err
	}
	return h.log.Append(h.txID, &domain.Entry{Action: domain.ActionRemoveProperty, Node: n, Property: existing})
}

// UpdateProperty records replacing n's property named p.Name with p.
// It does not take effect until Commit.
func (h *Handle) UpdateProperty(n *domain.Node, p *domain.Property) error {
	return h.log.Append(h.txID, &domain.Entry{Action: domain.ActionUpdateProperty, Node: n, Property: p})
}

// Commit applies every recorded action, in record order, atomically:
// either all of them take effect or the tree is left exactly as it was
// (spec.md §4.3 Apply algorithm).
func (h *Handle) Commit() error {
	return h.log.Apply(h.txID)
}

// Revert undoes a committed Handle's actions in reverse order,
// returning the tree to its pre-Commit state.
func (h *Handle) Revert() error {
	return h.log.Revert(h.txID)
}

// Abort discards the recorded journal before Commit; no tree edit ever
// happens.
func (h *Handle) Abort() error {
	if err := h.log.Abort(h.txID); err != nil {
		return err
	}
	return h.log.Destroy(h.txID)
}

// Destroy frees the underlying journal. Per spec.md §4.3, calling it on
// a Committed handle does not roll back the tree edits — that is the
// explicit "make permanent" path for callers who no longer need to be
// able to revert.
func (h *Handle) Destroy() error {
	return h.log.Destroy(h.txID)
}

// FindProperty returns the property value n would expose if this
// handle's recorded-but-uncommitted actions were applied: it consults
// the journal first, then falls back to the live tree (spec.md §4.6,
// SUPPLEMENTED FEATURES #3, scenario S6). This lets validators running
// inside the same transaction see their own staged edits before commit.
func (h *Handle) FindProperty(n *domain.Node, name string) (*domain.Property, error) {
	entries, err := h.log.Entries(h.txID)
	if err != nil {
		return nil, err
	}

	// Walk the journal in order so a later entry for the same
	// node/name shadows an earlier one, exactly as Commit would leave
	// the tree.
	var staged *domain.Property
	var removed bool
	for _, e := range entries {
		if e.Node != n {
			continue
		}
		switch e.Action {
		case domain.ActionAddProperty, domain.ActionUpdateProperty:
			if e.Property.Name == name {
				staged = e.Property
				removed = false
			}
		case domain.ActionRemoveProperty:
			if e.Property.Name == name {
				staged = nil
				removed = true
			}
		}
	}

	if staged != nil {
		return staged, nil
	}
	if removed {
		return nil, errs.NotFound("no property %q on %s (removed by uncommitted transaction)", name, n.Path)
	}
	return h.store.FindProperty(n, name)
}
