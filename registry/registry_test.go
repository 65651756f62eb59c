package registry_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devicetree/overlay/domain"
	"github.com/devicetree/overlay/errs"
	"github.com/devicetree/overlay/notify"
	"github.com/devicetree/overlay/registry"
	"github.com/devicetree/overlay/tree"
	"github.com/devicetree/overlay/txlog"
)

func Test_TopmostSafeRemoval(t *testing.T) {
	s := tree.NewStore()
	b := notify.NewBus()
	l := txlog.NewLog(s, b, nil)
	r := registry.NewRegistry(l)
	root := s.Root()

	txA := l.Begin()
	require.NoError(t, l.Append(txA, &domain.Entry{Action: domain.ActionAddProperty, Node: root, Property: s.CopyProperty("a", []byte("1"))}))
	require.NoError(t, l.Apply(txA))
	idA := r.Insert(txA, []*domain.Node{root})

	txB := l.Begin()
	require.NoError(t, l.Append(txB, &domain.Entry{Action: domain.ActionAddProperty, Node: root, Property: s.CopyProperty("b", []byte("2"))}))
	require.NoError(t, l.Apply(txB))
	idB := r.Insert(txB, []*domain.Node{root})

	err := r.Remove(idA)
	assert.True(t, errs.IsBusy(err))

	require.NoError(t, r.Remove(idB))
	require.NoError(t, r.Remove(idA))
}

func Test_DestroyAll(t *testing.T) {
	s := tree.NewStore()
	b := notify.NewBus()
	l := txlog.NewLog(s, b, nil)
	r := registry.NewRegistry(l)
	root := s.Root()

	for i := 0; i < 3; i++ {
		tx := l.Begin()
		require.NoError(t, l.Append(tx, &domain.Entry{Action: domain.ActionAddProperty, Node: root, Property: s.CopyProperty(string(rune('a'+i)), []byte("1"))}))
		require.NoError(t, l.Apply(tx))
		r.Insert(tx, []*domain.Node{root})
	}

	require.NoError(t, r.DestroyAll())
	_, ok := r.Newest()
	assert.False(t, ok)
}
