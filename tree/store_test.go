package tree_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devicetree/overlay/domain"
	"github.com/devicetree/overlay/tree"
)

func Test_AttachDetachNode(t *testing.T) {
	s := tree.NewStore()
	n := s.NewNode("foo", "", 0)

	s.Lock()
	err := s.AttachLocked(n, s.Root())
	s.Unlock()
	require.NoError(t, err)
	assert.Equal(t, "/foo", n.Path)
	assert.True(t, n.Live())

	got, err := s.FindByPath("/foo")
	require.NoError(t, err)
	assert.Same(t, n, got)

	s.Lock()
	err = s.DetachLocked(n)
	s.Unlock()
	require.NoError(t, err)
	assert.True(t, n.Detached())

	_, err = s.FindByPath("/foo")
	assert.Error(t, err)
}

func Test_AddRemoveUpdateProperty(t *testing.T) {
	s := tree.NewStore()
	n := s.NewNode("foo", "", 0)
	s.Lock()
	require.NoError(t, s.AttachLocked(n, s.Root()))
	s.Unlock()

	p := s.CopyProperty("status", []byte("okay"))

	s.Lock()
	require.NoError(t, s.AddPropertyLocked(n, p))
	s.Unlock()

	got, err := s.FindProperty(n, "status")
	require.NoError(t, err)
	assert.Equal(t, "okay", string(got.Value))

	s.Lock()
	removed, err := s.RemovePropertyLocked(n, "status")
	s.Unlock()
	require.NoError(t, err)
	assert.Same(t, got, removed)
	assert.Len(t, n.DeadProperties, 1)

	s.Lock()
	s.ReviveDeadProperty(n, removed)
	s.Unlock()
	assert.Len(t, n.DeadProperties, 0)
	assert.Len(t, n.Properties, 1)
}

// UpdatePropertyLocked must swap the displaced property onto the
// dead-property list (the same memory discipline RemoveProperty uses),
// never mutate the live property's Value field in place, and reject an
// update against a name with no existing live property.
func Test_UpdatePropertyLocked_SwapsPointerViaDeadList(t *testing.T) {
	s := tree.NewStore()
	n := s.NewNode("foo", "", 0)
	s.Lock()
	require.NoError(t, s.AttachLocked(n, s.Root()))
	s.Unlock()

	orig := s.CopyProperty("status", []byte("okay"))
	s.Lock()
	require.NoError(t, s.AddPropertyLocked(n, orig))
	s.Unlock()

	updated := domain.NewProperty("status", []byte("disabled"), 0)
	s.Lock()
	old, err := s.UpdatePropertyLocked(n, updated)
	s.Unlock()
	require.NoError(t, err)
	assert.Same(t, orig, old)
	assert.Equal(t, "okay", string(old.Value))
	require.Len(t, n.DeadProperties, 1)
	assert.Same(t, orig, n.DeadProperties[0])

	live, err := s.FindProperty(n, "status")
	require.NoError(t, err)
	assert.Same(t, updated, live)

	// Revert-of-update: unlink the displaced original from the dead
	// list and swap it back in via the same primitive, symmetric with
	// the forward apply.
	s.Lock()
	s.UnlinkDeadProperty(n, orig)
	reverted, err := s.UpdatePropertyLocked(n, orig)
	s.Unlock()
	require.NoError(t, err)
	assert.Same(t, updated, reverted)
	require.Len(t, n.DeadProperties, 1)
	assert.Same(t, updated, n.DeadProperties[0])

	live2, err := s.FindProperty(n, "status")
	require.NoError(t, err)
	assert.Same(t, orig, live2)

	s.Lock()
	_, err = s.UpdatePropertyLocked(n, domain.NewProperty("missing", []byte("x"), 0))
	s.Unlock()
	assert.Error(t, err)
}

func Test_FindByPhandle(t *testing.T) {
	s := tree.NewStore()
	n := s.NewNode("foo", "", 7)
	s.Lock()
	require.NoError(t, s.AttachLocked(n, s.Root()))
	s.Unlock()

	got, err := s.FindByPhandle(7)
	require.NoError(t, err)
	assert.Same(t, n, got)

	_, err = s.FindByPhandle(99)
	assert.Error(t, err)
}
