// Package txlog implements the Transaction Log of spec.md §4.3: the
// transaction state machine and the two-phase apply / mirrored revert
// algorithm, grounded directly on drivers/of/transaction.c.
package txlog

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/devicetree/overlay/domain"
	"github.com/devicetree/overlay/errs"
)

type transaction struct {
	mu      sync.Mutex
	id      uint64
	state   domain.TxState
	entries []*domain.Entry
}

// Log is the concrete TransactionLogIface implementation.
type Log struct {
	store  domain.TreeStoreIface
	bus    domain.NotifierBusIface
	mirror domain.SysfsMirrorIface

	mu     sync.RWMutex
	txs    map[uint64]*transaction
	nextID uint64
}

// NewLog constructs a Transaction Log bound to the given Tree Store,
// Notifier Bus, and sysfs mirror. mirror may be nil, in which case
// post-change mirroring is skipped entirely.
func NewLog(store domain.TreeStoreIface, bus domain.NotifierBusIface, mirror domain.SysfsMirrorIface) *Log {
	return &Log{
		store:  store,
		bus:    bus,
		mirror: mirror,
		txs:    make(map[uint64]*transaction),
	}
}

func (l *Log) Begin() uint64 {
	id := atomic.AddUint64(&l.nextID, 1)
	tx := &transaction{id: id, state: domain.TxReady}

	l.mu.Lock()
	l.txs[id] = tx
	l.mu.Unlock()

	return id
}

func (l *Log) lookup(txID uint64) (*transaction, error) {
	l.mu.RLock()
	tx, ok := l.txs[txID]
	l.mu.RUnlock()
	if !ok {
		return nil, errs.NotFound("no transaction with id %d", txID)
	}
	return tx, nil
}

// Append records e as the next journal entry for txID. The
// transaction moves from Ready to InProgress on its first entry.
// Appending to a transaction in any other state is an error.
func (l *Log) Append(txID uint64, e *domain.Entry) error {
	tx, err := l.lookup(txID)
	if err != nil {
		return err
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()

	switch tx.state {
	case domain.TxReady:
		tx.state = domain.TxInProgress
	case domain.TxInProgress:
		// already accumulating entries
	default:
		return errs.Invalid("append: transaction %d is in state %s", txID, tx.state)
	}

	tx.entries = append(tx.entries, e)
	return nil
}

func (l *Log) State(txID uint64) (domain.TxState, error) {
	tx, err := l.lookup(txID)
	if err != nil {
		return 0, err
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state, nil
}

func (l *Log) Entries(txID uint64) ([]*domain.Entry, error) {
	tx, err := l.lookup(txID)
	if err != nil {
		return nil, err
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	out := make([]*domain.Entry, len(tx.entries))
	copy(out, tx.entries)
	return out, nil
}

func (l *Log) Abort(txID uint64) error {
	tx, err := l.lookup(txID)
	if err != nil {
		return err
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()

	switch tx.state {
	case domain.TxReady, domain.TxInProgress:
		tx.state = domain.TxAborted
		return nil
	default:
		return errs.Invalid("abort: transaction %d is in state %s", txID, tx.state)
	}
}

// Destroy frees txID's journal. Per spec.md §4.3, destroying an Applied
// transaction does not roll back its tree edits (that is what Revert is
// for) — it only releases the journal's own bookkeeping. The one piece
// of bookkeeping release that is externally observable is the journal's
// reference on any node it dynamically created and attached
// (domain.Entry "carries a reference... to every node... it names",
// spec.md §3): if that node ends up detached by the time the journal
// goes away (because the transaction was reverted first, or aborted
// before ever applying), the journal's hold on it is dropped here,
// which is what lets I3 ("freed iff refcount zero and detached") ever
// actually reach zero for a node the overlay engine built.
func (l *Log) Destroy(txID uint64) error {
	tx, err := l.lookup(txID)
	if err != nil {
		return err
	}

	tx.mu.Lock()
	switch tx.state {
	case domain.TxApplying, domain.TxReverting:
		tx.mu.Unlock()
		return errs.Busy("destroy: transaction %d is mid-apply/revert", txID)
	}
	entries := tx.entries
	tx.state = domain.TxDestroyed
	tx.mu.Unlock()

	for _, e := range entries {
		if e.Action == domain.ActionAttachNode && e.Node.Dynamic() && e.Node.Detached() {
			e.Node.Unref()
		}
	}

	l.mu.Lock()
	delete(l.txs, txID)
	l.mu.Unlock()
	return nil
}

// kindOf maps a journal Action onto the Notifier Bus Kind used to
// announce it.
func kindOf(a domain.Action) domain.Kind {
	switch a {
	case domain.ActionAttachNode:
		return domain.KindAttachNode
	case domain.ActionDetachNode:
		return domain.KindDetachNode
	case domain.ActionAddProperty:
		return domain.KindAddProperty
	case domain.ActionRemoveProperty:
		return domain.KindRemoveProperty
	case domain.ActionUpdateProperty:
		return domain.KindUpdateProperty
	default:
		errs.Invariant("unknown action %d", int(a))
		panic("unreachable")
	}
}

// Apply runs the two-phase apply algorithm over txID's journal, in
// entry order. Per entry: (1) a pre-change notification is dispatched
// with the tree lock dropped, so observers may read the tree; a veto
// unwinds every already-applied entry and returns the veto error. (2)
// the primitive mutation runs under the tree lock; a primitive failure
// unwinds every already-applied entry (this one was never applied) and
// returns the error. (3) a best-effort post-change mirror hook runs
// still under the tree lock; its failure is logged, never propagated.
func (l *Log) Apply(txID uint64) error {
	tx, err := l.lookup(txID)
	if err != nil {
		return err
	}

	tx.mu.Lock()
	if tx.state != domain.TxInProgress {
		state := tx.state
		tx.mu.Unlock()
		return errs.Invalid("apply: transaction %d is in state %s, want in-progress", txID, state)
	}
	tx.state = domain.TxApplying
	entries := tx.entries
	tx.mu.Unlock()

	for i, e := range entries {
		if err := l.applyEntryForward(e); err != nil {
			l.unwind(entries[:i])
			tx.mu.Lock()
			tx.state = domain.TxReady
			tx.mu.Unlock()
			return err
		}
	}

	tx.mu.Lock()
	tx.state = domain.TxApplied
	tx.mu.Unlock()
	return nil
}

// applyEntryForward runs a single entry's pre-notify/mutate/post-hook
// sequence and marks it applied on success.
func (l *Log) applyEntryForward(e *domain.Entry) error {
	kind := kindOf(e.Action)

	if err := l.bus.Dispatch(domain.Event{Kind: kind, Node: e.Node, Property: e.Property}); err != nil {
		return errs.Veto("pre-change", err)
	}

	l.store.Lock()
	if err := l.mutateForward(e); err != nil {
		l.store.Unlock()
		// Pre-notify already ran; undo it so observers see a balanced
		// stream of events even though the mutation never happened.
		if derr := l.bus.Dispatch(domain.Event{Kind: kind.Inverse(), Node: e.Node, Property: e.Property}); derr != nil {
			logrus.Warnf("txlog: inverse notify after failed apply of %s on %s also failed: %v", kind, e.Node, derr)
		}
		return err
	}
	e.applied = true
	l.postHook(kind, e)
	l.store.Unlock()

	return nil
}

// unwind reverts already-applied entries in reverse order after a
// later entry in the same batch failed to apply.
func (l *Log) unwind(applied []*domain.Entry) {
	for i := len(applied) - 1; i >= 0; i-- {
		l.revertEntry(applied[i])
	}
}

func (l *Log) mutateForward(e *domain.Entry) error {
	switch e.Action {
	case domain.ActionAttachNode:
		return l.store.AttachLocked(e.Node, e.NewParent)
	case domain.ActionDetachNode:
		e.OldParent = e.Node.Parent
		return l.store.DetachLocked(e.Node)
	case domain.ActionAddProperty:
		return l.store.AddPropertyLocked(e.Node, e.Property)
	case domain.ActionRemoveProperty:
		_, err := l.store.RemovePropertyLocked(e.Node, e.Property.Name)
		return err
	case domain.ActionUpdateProperty:
		old, err := l.store.UpdatePropertyLocked(e.Node, e.Property)
		e.OldProperty = old
		return err
	default:
		errs.Invariant("unknown action %d", int(e.Action))
		return nil
	}
}

func (l *Log) postHook(kind domain.Kind, e *domain.Entry) {
	if l.mirror == nil {
		return
	}
	var err error
	switch kind {
	case domain.KindAddProperty:
		err = l.mirror.Export(e.Node, e.Property)
	case domain.KindRemoveProperty:
		err = l.mirror.Unexport(e.Node, e.Property)
	case domain.KindUpdateProperty:
		err = l.mirror.Update(e.Node, e.Property)
	default:
		return
	}
	if err != nil {
		logrus.Warnf("txlog: sysfs mirror hook failed for %s on %s: %v", kind, e.Node, err)
	}
}

// Revert undoes an Applied transaction's entries in reverse order and
// returns the transaction to Ready. A notifier veto during revert is
// safe to fail cleanly (no primitive mutation has happened yet for
// that entry): the transaction stays Applied and the error is
// returned. A primitive-mutation failure during revert indicates the
// dead-property-list invariant was violated and is a programming
// error (panics via errs.Invariant), not a returned error. A mirror
// hook failure during revert is logged and never stops the revert
// (spec.md §7).
func (l *Log) Revert(txID uint64) error {
	tx, err := l.lookup(txID)
	if err != nil {
		return err
	}

	tx.mu.Lock()
	if tx.state != domain.TxApplied {
		state := tx.state
		tx.mu.Unlock()
		return errs.Invalid("revert: transaction %d is in state %s, want applied", txID, state)
	}
	tx.state = domain.TxReverting
	entries := tx.entries
	tx.mu.Unlock()

	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if !e.applied {
			continue
		}
		kind := kindOf(e.Action).Inverse()
		if err := l.bus.Dispatch(domain.Event{Kind: kind, Node: e.Node, Property: e.Property}); err != nil {
			tx.mu.Lock()
			tx.state = domain.TxApplied
			tx.mu.Unlock()
			return errs.Veto("pre-revert", err)
		}

		l.store.Lock()
		l.mutateReverse(e)
		e.applied = false
		l.postHook(kind, e)
		l.store.Unlock()
	}

	tx.mu.Lock()
	tx.state = domain.TxReady
	tx.mu.Unlock()
	return nil
}

// revertEntry undoes one already-applied entry while unwinding an Apply
// after a later entry failed: it dispatches the inverse notification
// (an error from it is logged, not returned) and runs the inverse
// primitive via mutateReverse. It does not run the post-change mirror
// hook. Mirrors the kernel's __of_transaction_entry_revert call from
// of_transaction_apply's own failure path.
func (l *Log) revertEntry(e *domain.Entry) {
	kind := kindOf(e.Action).Inverse()
	if err := l.bus.Dispatch(domain.Event{Kind: kind, Node: e.Node, Property: e.Property}); err != nil {
		logrus.Warnf("txlog: inverse notify during apply-failure unwind returned an error, proceeding anyway: %v", err)
	}

	l.store.Lock()
	l.mutateReverse(e)
	e.applied = false
	l.store.Unlock()
}

// mutateReverse runs the inverse primitive of e.Action. Per spec.md's
// Q1 resolution, a dead-property-list miss during ReviveDeadProperty
// is an assertion failure, not an error return, so this function has
// no error path of its own: any of the underlying primitives failing
// here reflects a violated invariant and is allowed to panic.
func (l *Log) mutateReverse(e *domain.Entry) {
	switch e.Action {
	case domain.ActionAttachNode:
		if err := l.store.DetachLocked(e.Node); err != nil {
			errs.Invariant("revert attach of %s: %v", e.Node, err)
		}
	case domain.ActionDetachNode:
		if err := l.store.AttachLocked(e.Node, e.OldParent); err != nil {
			errs.Invariant("revert detach of %s: %v", e.Node, err)
		}
	case domain.ActionAddProperty:
		if _, err := l.store.RemovePropertyLocked(e.Node, e.Property.Name); err != nil {
			errs.Invariant("revert add-property %s on %s: %v", e.Property.Name, e.Node, err)
		}
	case domain.ActionRemoveProperty:
		reviver, ok := l.store.(interface {
			ReviveDeadProperty(n *domain.Node, p *domain.Property)
		})
		if !ok {
			errs.Invariant("tree store does not support dead-property revival")
		}
		reviver.ReviveDeadProperty(e.Node, e.Property)
	case domain.ActionUpdateProperty:
		// e.OldProperty is the exact property object update-apply
		// displaced onto the dead-property list; per spec.md's Q1
		// resolution it must still be there. Unlink it, then swap it
		// back in, which in turn displaces the currently-live (updated)
		// property onto the dead list — symmetric with the forward
		// apply (drivers/of/transaction.c's revert reuses
		// __of_update_property for exactly this reason).
		unlinker, ok := l.store.(interface {
			UnlinkDeadProperty(n *domain.Node, p *domain.Property)
		})
		if !ok {
			errs.Invariant("tree store does not support dead-property unlinking")
		}
		unlinker.UnlinkDeadProperty(e.Node, e.OldProperty)
		if _, err := l.store.UpdatePropertyLocked(e.Node, e.OldProperty); err != nil {
			errs.Invariant("revert update-property %s on %s: %v", e.OldProperty.Name, e.Node, err)
		}
	default:
		errs.Invariant("unknown action %d", int(e.Action))
	}
}

var _ domain.TransactionLogIface = (*Log)(nil)
