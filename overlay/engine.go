// Package overlay implements the Overlay Engine of spec.md §4.4: it
// walks a self-describing fragment against a live target, records the
// primitive edits needed into a Transaction, and maintains the derived
// device-state ledger that dispatches DynamicCreateDevice /
// DynamicDestroyDevice notifications when a touched node's
// device-presence predicate flips.
//
// Grounded directly on drivers/of/overlay.c: of_overlay_apply_one for
// the fragment-walk recursion and its "-" removal-prefix / unit-suffix
// conventions, and of_overlay_notify / of_overlay_post_one for the
// device-state scan and its no-op-if-unchanged and depth-cap
// refinements (SUPPLEMENTED FEATURES #1, #2 in SPEC_FULL.md).
package overlay

import (
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/devicetree/overlay/domain"
	"github.com/devicetree/overlay/errs"
)

// ErrNotSupported is returned by a DeviceHandler that declines to
// handle a node, asking the engine to try the next handler in the
// chain (drivers/of/overlay.c's ENOTSUPP convention).
var ErrNotSupported = errors.New("overlay: device handler does not support this node")

// Engine is the concrete OverlayEngineIface implementation.
type Engine struct {
	store    domain.TreeStoreIface
	bus      domain.NotifierBusIface
	log      domain.TransactionLogIface
	registry domain.OverlayRegistryIface

	// handlers is the pluggable device-instantiation chain of
	// SUPPLEMENTED FEATURES #4. Tried in registration order; a handler
	// returning ErrNotSupported is skipped in favor of the next one.
	handlers []domain.DeviceHandler
}

// NewEngine constructs an Overlay Engine wired to the given Tree Store,
// Notifier Bus, Transaction Log, and Overlay Registry.
func NewEngine(store domain.TreeStoreIface, bus domain.NotifierBusIface, log domain.TransactionLogIface, registry domain.OverlayRegistryIface) *Engine {
	return &Engine{store: store, bus: bus, log: log, registry: registry}
}

// RegisterDeviceHandler appends h to the device-instantiation chain.
func (e *Engine) RegisterDeviceHandler(h domain.DeviceHandler) {
	e.handlers = append(e.handlers, h)
}

// walker accumulates the journal entries and the set of nodes touched
// by a single Apply call, across possibly several fragment/target
// pairs sharing one transaction (spec.md §4.4 "nested fragments").
type walker struct {
	store   domain.TreeStoreIface
	log     domain.TransactionLogIface
	txID    uint64
	touched map[*domain.Node]bool
}

func (w *walker) touch(n *domain.Node) {
	if w.touched == nil {
		w.touched = make(map[*domain.Node]bool)
	}
	w.touched[n] = true
}

// stripName splits a fragment property or child name into its
// effective name and whether it denotes a removal. The "-" prefix
// convention of spec.md §4.4 only ever strips the leading dash itself;
// for a child with a unit-address suffix ("-foo@1") the "@1" part is
// left untouched since it is part of the full name being matched
// against the target's children, not part of the local name the dash
// prefixes.
func stripName(name string) (effective string, removal bool) {
	if !strings.HasPrefix(name, "-") {
		return name, false
	}
	return name[1:], true
}

// applyOne walks one fragment/target pair, recording entries into the
// shared transaction as it goes (spec.md §4.4 Apply-one).
func (w *walker) applyOne(target, fragment *domain.Node) error {
	w.touch(target)

	for _, p := range fragment.Properties {
		if p.Name == "name" {
			// derived reflection of the node name; not a real property.
			continue
		}

		effective, removal := stripName(p.Name)
		if removal {
			existing, err := w.store.FindProperty(target, effective)
			if errs.IsNotFound(err) {
				continue // B1: removing a nonexistent property is a no-op
			}
			if err != nil {
				return err
			}
			if err := w.log.Append(w.txID, &domain.Entry{
				Action:   domain.ActionRemoveProperty,
				Node:     target,
				Property: existing,
			}); err != nil {
				return err
			}
			continue
		}

		copied, ok := w.store.(interface {
			CopyProperty(name string, value []byte) *domain.Property
		})
		if !ok {
			return errs.Invalid("overlay: tree store does not support property copying")
		}
		newProp := copied.CopyProperty(p.Name, p.Value)

		if _, err := w.store.FindProperty(target, p.Name); err == nil {
			if err := w.log.Append(w.txID, &domain.Entry{
				Action:   domain.ActionUpdateProperty,
				Node:     target,
				Property: newProp,
			}); err != nil {
				return err
			}
		} else if errs.IsNotFound(err) {
			if err := w.log.Append(w.txID, &domain.Entry{
				Action:   domain.ActionAddProperty,
				Node:     target,
				Property: newProp,
			}); err != nil {
				return err
			}
		} else {
			return err
		}
	}

	for _, c := range fragment.Children {
		effective, removal := stripName(c.Name)

		existing, err := w.store.FindByName(target, effective)
		switch {
		case err == nil:
			if removal {
				w.touch(existing)
				if err := w.log.Append(w.txID, &domain.Entry{
					Action: domain.ActionDetachNode,
					Node:   existing,
				}); err != nil {
					return err
				}
				continue // B2: do not recurse into a node being detached
			}
			if err := w.applyOne(existing, c); err != nil {
				return err
			}

		case errs.IsNotFound(err):
			if removal {
				continue // nothing to remove; no-op
			}
			builder, ok := w.store.(interface {
				NewNode(name, typ string, phandle uint32) *domain.Node
			})
			if !ok {
				return errs.Invalid("overlay: tree store does not support node creation")
			}
			child := builder.NewNode(c.Name, c.Type, c.Phandle)
			w.touch(child)
			if err := w.log.Append(w.txID, &domain.Entry{
				Action:    domain.ActionAttachNode,
				Node:      child,
				NewParent: target,
			}); err != nil {
				return err
			}
			if err := w.applyOne(child, c); err != nil {
				return err
			}

		default:
			return err
		}
	}

	return nil
}

// deviceStates captures ComputeDeviceState for every node in nodes,
// snapshotted at the moment of the call.
func deviceStates(nodes map[*domain.Node]bool) map[*domain.Node]domain.DeviceState {
	out := make(map[*domain.Node]domain.DeviceState, len(nodes))
	for n := range nodes {
		out[n] = domain.ComputeDeviceState(n)
	}
	return out
}

// withinDepth reports whether n is within depth hops of root (0 means
// unlimited), walking parent links per SUPPLEMENTED FEATURES #1.
func withinDepth(n, root *domain.Node, depth int) bool {
	if depth <= 0 {
		return true
	}
	cur := n
	for i := 0; i <= depth; i++ {
		if cur == root {
			return true
		}
		if cur == nil {
			return false
		}
		cur = cur.Parent
	}
	return false
}

// dispatchDeviceDeltas compares before/after device states for every
// touched node and fires the paired Dynamic{Create,Destroy}Device
// notification for each one whose state actually flipped
// (SUPPLEMENTED FEATURES #2: no dispatch for an unflipped node).
func (e *Engine) dispatchDeviceDeltas(root *domain.Node, depth int, before, after map[*domain.Node]domain.DeviceState) {
	for n, prev := range before {
		if depth > 0 && !withinDepth(n, root, depth) {
			continue
		}
		cur := after[n]
		if cur == prev {
			continue
		}
		e.dispatchDeviceEvent(cur == domain.DevicePresent, n)
	}
}

func (e *Engine) dispatchDeviceEvent(created bool, n *domain.Node) {
	kind := domain.KindDynamicDestroyDevice
	if created {
		kind = domain.KindDynamicCreateDevice
	}

	if err := e.runHandlers(n, created); err != nil {
		logrus.Warnf("overlay: device handler chain for %s returned an error (ignored): %v", n, err)
	}
	if err := e.bus.Dispatch(domain.Event{Kind: kind, Node: n}); err != nil {
		logrus.Warnf("overlay: %s observer for %s returned an error (ignored, post-change): %v", kind, n, err)
	}
}

// runHandlers tries each registered DeviceHandler in order, stopping at
// the first one that does not report ErrNotSupported.
func (e *Engine) runHandlers(n *domain.Node, create bool) error {
	for _, h := range e.handlers {
		var err error
		if create {
			err = h.Create(n)
		} else {
			err = h.Destroy(n)
		}
		if err == nil {
			return nil
		}
		if err != ErrNotSupported {
			return err
		}
	}
	return nil
}

// resolveTarget locates the live node a Fragment applies to, per
// spec.md §6's target_lookup_hint: a phandle first, falling back to a
// path, exactly as overlay_apply's fragment descriptor is resolved.
func (e *Engine) resolveTarget(f domain.Fragment) (*domain.Node, error) {
	if f.TargetPhandle != 0 {
		n, err := e.store.FindByPhandle(f.TargetPhandle)
		if err != nil {
			return nil, err
		}
		return n, nil
	}
	if f.TargetPath != "" {
		n, err := e.store.FindByPath(f.TargetPath)
		if err != nil {
			return nil, err
		}
		return n, nil
	}
	return nil, errs.Invalid("overlay: fragment has neither target phandle nor target path")
}

// Apply walks every fragment/target pair in fragments under a single
// transaction (spec.md §4.4 "nested fragments": a failure in the kth
// pair reverts 1..k), applies it, computes the device-state ledger
// delta, and registers the result as a new overlay.
func (e *Engine) Apply(fragments []domain.Fragment, opts domain.OverlayOptions) (uint32, error) {
	if len(fragments) == 0 {
		return 0, errs.Invalid("overlay: no fragments to apply")
	}

	txID := e.log.Begin()
	w := &walker{store: e.store, log: e.log, txID: txID}

	abort := func(cause error) (uint32, error) {
		_ = e.log.Abort(txID)
		_ = e.log.Destroy(txID)
		return 0, cause
	}

	var root *domain.Node
	for i, f := range fragments {
		target, err := e.resolveTarget(f)
		if err != nil {
			return abort(err)
		}
		if i == 0 {
			root = target
		}
		if f.Overlay == nil {
			return abort(errs.Invalid("overlay: fragment %d has no overlay subtree", i))
		}
		if err := w.applyOne(target, f.Overlay); err != nil {
			return abort(err)
		}
	}

	before := deviceStates(w.touched)

	if err := e.log.Apply(txID); err != nil {
		// Apply already unwound every tree edit it had made; destroying
		// the journal here releases its hold on any node it created
		// (txlog.Log.Destroy), so a rejected overlay leaks nothing.
		_ = e.log.Destroy(txID)
		return 0, err
	}

	after := deviceStates(w.touched)
	e.dispatchDeviceDeltas(root, opts.DeviceDepth, before, after)

	touchedSlice := make([]*domain.Node, 0, len(w.touched))
	for n := range w.touched {
		touchedSlice = append(touchedSlice, n)
	}
	overlayID := e.registry.Insert(txID, touchedSlice)

	logrus.Debugf("overlay: applied overlay %d (%d fragments, %d nodes touched)", overlayID, len(fragments), len(touchedSlice))
	return overlayID, nil
}

// Remove reverts and unregisters the overlay identified by overlayID,
// provided it is topmost-safe (spec.md §4.5). On success, it replays
// the device-state ledger for the now-reverted nodes so a device that
// re-appears (or disappears) as a result of the revert gets its
// Dynamic{Create,Destroy}Device notification, symmetric with Apply.
func (e *Engine) Remove(overlayID uint32) error {
	_, touched, err := e.registry.Peek(overlayID)
	if err != nil {
		return err
	}
	touchedSet := nodeSetOf(touched)
	before := deviceStates(touchedSet)

	if err := e.registry.Remove(overlayID); err != nil {
		return err
	}

	after := deviceStates(touchedSet)
	e.dispatchDeviceDeltas(nil, 0, before, after)
	return nil
}

// RemoveAll reverts and unregisters every currently-applied overlay,
// newest first, dispatching device-state ledger deltas for each one
// exactly as a single Remove call would.
func (e *Engine) RemoveAll() error {
	for {
		id, ok := e.registry.Newest()
		if !ok {
			return nil
		}
		if err := e.Remove(id); err != nil {
			return err
		}
	}
}

func nodeSetOf(nodes []*domain.Node) map[*domain.Node]bool {
	m := make(map[*domain.Node]bool, len(nodes))
	for _, n := range nodes {
		m[n] = true
	}
	return m
}

var _ domain.OverlayEngineIface = (*Engine)(nil)
