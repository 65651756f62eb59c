// Package notify implements the Notifier Bus of spec.md §4.2: an
// ordered, synchronous pub/sub dispatcher. Subscribers are invoked in
// registration order; a subscriber returning an error during dispatch
// is treated as a veto, but every other registered subscriber still
// runs (spec.md §4.2 "all registered observers are invoked regardless
// of an earlier veto") so the caller can always unwind whatever partial
// side effects the earlier ones produced.
package notify

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/devicetree/overlay/domain"
)

type subscriber struct {
	id uint64
	fn domain.NotifyFunc
}

// Bus is the concrete NotifierBusIface implementation.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscriber
	nextID uint64
}

func NewBus() *Bus {
	return &Bus{}
}

func (b *Bus) Register(fn domain.NotifyFunc) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber{id: id, fn: fn})
	return id
}

func (b *Bus) Unregister(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Dispatch invokes every subscriber in registration order and returns
// the first error seen, having still invoked every subscriber.
func (b *Bus) Dispatch(ev domain.Event) error {
	b.mu.RLock()
	subs := make([]subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	var firstErr error
	for _, s := range subs {
		if err := s.fn(ev); err != nil {
			logrus.Debugf("notify: subscriber %d vetoed %s on %s: %v", s.id, ev.Kind, ev.Node, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

var _ domain.NotifierBusIface = (*Bus)(nil)
