package notify_test

import (
	"github.com/stretchr/testify/mock"

	"github.com/devicetree/overlay/domain"
)

// mockSubscriber is a hand-written mockery-style double, in the shape
// of the teacher's generated mocks/HandlerServiceIface.go.
type mockSubscriber struct {
	mock.Mock
}

func (m *mockSubscriber) Notify(ev domain.Event) error {
	ret := m.Called(ev)

	var r0 error
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(error)
	}
	return r0
}
