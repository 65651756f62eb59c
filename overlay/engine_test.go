package overlay_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devicetree/overlay/domain"
	"github.com/devicetree/overlay/errs"
	"github.com/devicetree/overlay/notify"
	"github.com/devicetree/overlay/overlay"
	"github.com/devicetree/overlay/registry"
	"github.com/devicetree/overlay/tree"
	"github.com/devicetree/overlay/txlog"
)

type fixture struct {
	store *tree.Store
	bus   *notify.Bus
	log   *txlog.Log
	reg   *registry.Registry
	eng   *overlay.Engine
	root  *domain.Node
}

// newFixture builds the tree "{/: [], /root: {status=okay,
// compatible=v1}, /root/a: {compatible=x}}" from spec.md §8's
// end-to-end scenario preamble.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := tree.NewStore()
	b := notify.NewBus()
	l := txlog.NewLog(s, b, nil)
	r := registry.NewRegistry(l)
	e := overlay.NewEngine(s, b, l, r)

	root := s.NewNode("root", "", 0)
	s.Lock()
	require.NoError(t, s.AttachLocked(root, s.Root()))
	require.NoError(t, s.AddPropertyLocked(root, s.CopyProperty("status", []byte("okay"))))
	require.NoError(t, s.AddPropertyLocked(root, s.CopyProperty("compatible", []byte("v1"))))
	s.Unlock()

	a := s.NewNode("a", "", 0)
	s.Lock()
	require.NoError(t, s.AttachLocked(a, root))
	require.NoError(t, s.AddPropertyLocked(a, s.CopyProperty("compatible", []byte("x"))))
	s.Unlock()

	return &fixture{store: s, bus: b, log: l, reg: r, eng: e, root: root}
}

func fragmentNode(props map[string]string, children ...*domain.Node) *domain.Node {
	n := &domain.Node{}
	for k, v := range props {
		n.Properties = append(n.Properties, domain.NewProperty(k, []byte(v), 0))
	}
	n.Children = children
	return n
}

// S1: add property.
func Test_S1_AddProperty(t *testing.T) {
	f := newFixture(t)
	frag := fragmentNode(map[string]string{"extra": "hello"})

	id, err := f.eng.Apply([]domain.Fragment{{TargetPath: "/root", Overlay: frag}}, domain.OverlayOptions{})
	require.NoError(t, err)

	got, err := f.store.FindProperty(f.root, "extra")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got.Value))

	require.NoError(t, f.eng.Remove(id))
	_, err = f.store.FindProperty(f.root, "extra")
	assert.Error(t, err)
}

// S2: remove via dash prefix, with device create/destroy notification.
func Test_S2_RemoveProperty_DeviceDestroyed(t *testing.T) {
	f := newFixture(t)

	var destroyed, created int
	f.bus.Register(func(ev domain.Event) error {
		switch ev.Kind {
		case domain.KindDynamicDestroyDevice:
			if ev.Node == f.root {
				destroyed++
			}
		case domain.KindDynamicCreateDevice:
			if ev.Node == f.root {
				created++
			}
		}
		return nil
	})

	frag := fragmentNode(map[string]string{"-compatible": ""})
	id, err := f.eng.Apply([]domain.Fragment{{TargetPath: "/root", Overlay: frag}}, domain.OverlayOptions{})
	require.NoError(t, err)

	_, err = f.store.FindProperty(f.root, "compatible")
	assert.Error(t, err)
	assert.Equal(t, 1, destroyed)

	require.NoError(t, f.eng.Remove(id))
	got, err := f.store.FindProperty(f.root, "compatible")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(got.Value))
	assert.Equal(t, 1, created)
}

// S3: create subtree, device created and then freed cleanly on revert.
func Test_S3_CreateSubtree(t *testing.T) {
	f := newFixture(t)

	var createdPath string
	f.bus.Register(func(ev domain.Event) error {
		if ev.Kind == domain.KindDynamicCreateDevice {
			createdPath = ev.Node.Path
		}
		return nil
	})

	frag := fragmentNode(nil, fragmentChild("b", map[string]string{"compatible": "y", "status": "okay"}))
	id, err := f.eng.Apply([]domain.Fragment{{TargetPath: "/root", Overlay: frag}}, domain.OverlayOptions{})
	require.NoError(t, err)

	b, err := f.store.FindByPath("/root/b")
	require.NoError(t, err)
	assert.Equal(t, "/root/b", createdPath)
	b.Unref() // drop the ref FindByPath just gave us

	require.NoError(t, f.eng.Remove(id))
	_, err = f.store.FindByPath("/root/b")
	assert.Error(t, err)
	assert.True(t, b.Detached())
	assert.Zero(t, b.Refcount())
	assert.True(t, b.Freed())
}

func fragmentChild(name string, props map[string]string) *domain.Node {
	n := &domain.Node{Name: name}
	for k, v := range props {
		n.Properties = append(n.Properties, domain.NewProperty(k, []byte(v), 0))
	}
	return n
}

// S4: veto leaves no trace.
func Test_S4_Veto(t *testing.T) {
	f := newFixture(t)

	f.bus.Register(func(ev domain.Event) error {
		if ev.Kind == domain.KindAttachNode {
			return errors.New("no attach for you")
		}
		return nil
	})

	var createDispatched bool
	f.bus.Register(func(ev domain.Event) error {
		if ev.Kind == domain.KindDynamicCreateDevice {
			createDispatched = true
		}
		return nil
	})

	frag := fragmentNode(nil, fragmentChild("c", map[string]string{"compatible": "z"}))
	_, err := f.eng.Apply([]domain.Fragment{{TargetPath: "/root", Overlay: frag}}, domain.OverlayOptions{})
	require.Error(t, err)

	_, err = f.store.FindByPath("/root/c")
	assert.Error(t, err)
	assert.False(t, createDispatched)
}

// S5: stacked overlays and busy.
func Test_S5_StackedOverlaysBusy(t *testing.T) {
	f := newFixture(t)
	a, err := f.store.FindByPath("/root/a")
	require.NoError(t, err)
	a.Unref()

	// This scenario's overlays update an existing status property (so
	// each revert restores the prior value rather than removing it);
	// give /root/a a starting "okay" status to update against.
	f.store.Lock()
	require.NoError(t, f.store.AddPropertyLocked(a, f.store.CopyProperty("status", []byte("okay"))))
	f.store.Unlock()

	fragA := fragmentNode(map[string]string{"status": "disabled"})
	idA, err := f.eng.Apply([]domain.Fragment{{TargetPath: "/root/a", Overlay: fragA}}, domain.OverlayOptions{})
	require.NoError(t, err)

	fragB := fragmentNode(map[string]string{"status": "okay"})
	idB, err := f.eng.Apply([]domain.Fragment{{TargetPath: "/root/a", Overlay: fragB}}, domain.OverlayOptions{})
	require.NoError(t, err)

	err = f.eng.Remove(idA)
	assert.True(t, errs.IsBusy(err))

	require.NoError(t, f.eng.Remove(idB))
	got, err := f.store.FindProperty(a, "status")
	require.NoError(t, err)
	assert.Equal(t, "disabled", string(got.Value))

	require.NoError(t, f.eng.Remove(idA))
	got, err = f.store.FindProperty(a, "status")
	require.NoError(t, err)
	assert.Equal(t, "okay", string(got.Value))
}
