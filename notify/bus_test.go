package notify_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/devicetree/overlay/domain"
	"github.com/devicetree/overlay/notify"
)

func Test_Dispatch_AllInvokedDespiteVeto(t *testing.T) {
	b := notify.NewBus()

	var first, second, third mockSubscriber
	first.On("Notify", mock.Anything).Return(nil)
	second.On("Notify", mock.Anything).Return(errors.New("veto"))
	third.On("Notify", mock.Anything).Return(nil)

	b.Register(first.Notify)
	b.Register(second.Notify)
	b.Register(third.Notify)

	ev := domain.Event{Kind: domain.KindAttachNode}
	err := b.Dispatch(ev)
	require.Error(t, err)

	first.AssertExpectations(t)
	second.AssertExpectations(t)
	third.AssertExpectations(t)
}

func Test_Unregister(t *testing.T) {
	b := notify.NewBus()
	var sub mockSubscriber
	id := b.Register(sub.Notify)
	b.Unregister(id)

	err := b.Dispatch(domain.Event{Kind: domain.KindAttachNode})
	assert.NoError(t, err)
	sub.AssertNotCalled(t, "Notify", mock.Anything)
}
