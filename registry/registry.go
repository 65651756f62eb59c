// Package registry implements the Overlay Registry of spec.md §4.5: a
// process-wide, apply-ordered collection of currently-applied
// overlays, stable ids, and the topmost-safe removal rule.
//
// Grounded on drivers/of/overlay.c's of_overlay_remove ordering check
// (an overlay may be torn down only if no later-applied overlay still
// touches any node it touches) and, for the Go service shape, on
// state/containerDB.go's map+RWMutex containerStateService.
package registry

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/devicetree/overlay/domain"
	"github.com/devicetree/overlay/errs"
)

type entry struct {
	id      uint32
	txID    uint64
	touched map[*domain.Node]bool
}

// Registry is the concrete OverlayRegistryIface implementation.
type Registry struct {
	log domain.TransactionLogIface

	mu      sync.Mutex
	entries []*entry // kept in apply order; never reordered
	nextID  uint32
}

// NewRegistry constructs a Registry that reverts through log when an
// overlay is removed.
func NewRegistry(log domain.TransactionLogIface) *Registry {
	return &Registry{log: log}
}

func nodeSet(nodes []*domain.Node) map[*domain.Node]bool {
	m := make(map[*domain.Node]bool, len(nodes))
	for _, n := range nodes {
		m[n] = true
	}
	return m
}

// Insert registers a successfully-applied transaction as a new overlay
// and returns its stable id.
func (r *Registry) Insert(txID uint64, touched []*domain.Node) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	r.entries = append(r.entries, &entry{id: id, txID: txID, touched: nodeSet(touched)})
	logrus.Debugf("registry: inserted overlay %d (%d touched nodes)", id, len(touched))
	return id
}

func (r *Registry) indexOf(overlayID uint32) int {
	for i, e := range r.entries {
		if e.id == overlayID {
			return i
		}
	}
	return -1
}

// Peek returns the transaction id and touched-node set for overlayID
// without modifying the registry.
func (r *Registry) Peek(overlayID uint32) (uint64, []*domain.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexOf(overlayID)
	if i < 0 {
		return 0, nil, errs.NotFound("no overlay with id %d", overlayID)
	}
	e := r.entries[i]
	out := make([]*domain.Node, 0, len(e.touched))
	for n := range e.touched {
		out = append(out, n)
	}
	return e.txID, out, nil
}

// topmostSafeLocked reports whether the entry at index i touches no
// node also touched by any entry after it in apply order. Caller must
// hold r.mu.
func (r *Registry) topmostSafeLocked(i int) bool {
	e := r.entries[i]
	for _, later := range r.entries[i+1:] {
		for n := range e.touched {
			if later.touched[n] {
				return false
			}
		}
	}
	return true
}

// Newest returns the id of the most-recently-applied overlay.
func (r *Registry) Newest() (uint32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) == 0 {
		return 0, false
	}
	return r.entries[len(r.entries)-1].id, true
}

// Remove reverts and removes the overlay identified by overlayID,
// provided it is topmost-safe (spec.md §4.5 / I6): no strictly-later
// overlay still touches any node this one touches. If it is not, the
// registry is left unmodified and a Busy error is returned.
func (r *Registry) Remove(overlayID uint32) error {
	r.mu.Lock()
	i := r.indexOf(overlayID)
	if i < 0 {
		r.mu.Unlock()
		return errs.NotFound("no overlay with id %d", overlayID)
	}
	if !r.topmostSafeLocked(i) {
		r.mu.Unlock()
		return errs.Busy("overlay %d is not topmost: a later overlay touches one of its nodes", overlayID)
	}
	txID := r.entries[i].txID
	r.mu.Unlock()

	if err := r.log.Revert(txID); err != nil {
		return err
	}
	// The overlay is gone; nothing else can reference its journal, so
	// free it now (this is also what releases the journal's hold on any
	// node it created but that ended up detached by the revert — see
	// txlog.Log.Destroy).
	if err := r.log.Destroy(txID); err != nil {
		logrus.Warnf("registry: destroying journal for overlay %d after revert: %v", overlayID, err)
	}

	r.mu.Lock()
	i = r.indexOf(overlayID)
	if i >= 0 {
		r.entries = append(r.entries[:i], r.entries[i+1:]...)
	}
	r.mu.Unlock()

	logrus.Debugf("registry: removed overlay %d", overlayID)
	return nil
}

// DestroyAll walks the registry from newest to oldest, reverting each.
// Because removal is always newest-first, each step is topmost-safe by
// induction (spec.md §4.5 Destroy-all).
func (r *Registry) DestroyAll() error {
	for {
		r.mu.Lock()
		if len(r.entries) == 0 {
			r.mu.Unlock()
			return nil
		}
		last := r.entries[len(r.entries)-1]
		r.mu.Unlock()

		if err := r.Remove(last.id); err != nil {
			return err
		}
	}
}

var _ domain.OverlayRegistryIface = (*Registry)(nil)
