package canbus

import (
	"github.com/brutella/can"
)

// SocketcanBus wraps brutella/can as a Bus implementation, exactly the role
// it plays in the teacher's own socketcan wrapper: translating its Frame
// type to ours and its Subscribe/Handle callback shape to FrameListener.
type SocketcanBus struct {
	channel string
	bus     *can.Bus
	handler FrameListener
}

func NewSocketcanBus(channel string) (*SocketcanBus, error) {
	bus, err := can.NewBusForInterfaceWithName(channel)
	if err != nil {
		return nil, err
	}
	return &SocketcanBus{channel: channel, bus: bus}, nil
}

func (s *SocketcanBus) Connect(...any) error {
	go s.bus.ConnectAndPublish()
	return nil
}

func (s *SocketcanBus) Disconnect() error {
	return s.bus.Disconnect()
}

func (s *SocketcanBus) Send(frame Frame) error {
	return s.bus.Publish(can.Frame{
		ID:     frame.ID,
		Length: frame.DLC,
		Data:   frame.Data,
	})
}

func (s *SocketcanBus) Subscribe(handler FrameListener) error {
	s.handler = handler
	s.bus.Subscribe(s)
	return nil
}

// Handle implements brutella/can's Handler interface.
func (s *SocketcanBus) Handle(frame can.Frame) {
	if s.handler == nil {
		return
	}
	s.handler.Handle(Frame{ID: frame.ID, DLC: frame.Length, Data: frame.Data})
}
