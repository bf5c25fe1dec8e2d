// Package canbus owns the sole handle to the CAN transceiver and fans
// received frames out to the SDO protocol layer, the firmware updater, and
// the passive heartbeat hook used by device discovery.
package canbus

import "fmt"

// Frame is a standard (11-bit, non-extended) CAN frame.
type Frame struct {
	ID   uint32
	DLC  uint8
	Data [8]byte
}

func NewFrame(id uint32, data ...byte) Frame {
	var f Frame
	f.ID = id
	f.DLC = uint8(len(data))
	copy(f.Data[:], data)
	return f
}

func (f Frame) String() string {
	return fmt.Sprintf("id=%03X dlc=%d data=% x", f.ID, f.DLC, f.Data[:f.DLC])
}

// Identifier classes used by the gateway, see spec §3.
const (
	SDORequestBase  uint32 = 0x600
	SDOResponseBase uint32 = 0x580
	SDOResponseEnd  uint32 = 0x5FF
	BootloaderCmd   uint32 = 0x7DD
	BootloaderResp  uint32 = 0x7DE
)

// IsSDOResponse reports whether id falls in the SDO-response range, and if
// so returns the originating node id.
func IsSDOResponse(id uint32) (node uint8, ok bool) {
	if id < SDOResponseBase || id > SDOResponseEnd {
		return 0, false
	}
	return uint8(id - SDOResponseBase), true
}

// FrameListener receives classified CAN frames. Handle must not block.
type FrameListener interface {
	Handle(frame Frame)
}

// Bus is the interface a physical or virtual transceiver driver implements.
type Bus interface {
	Connect(...any) error
	Disconnect() error
	Send(frame Frame) error
	Subscribe(listener FrameListener) error
}

// Baud rates recognised by the gateway configuration (spec §6).
const (
	Baud125k = 125_000
	Baud250k = 250_000
	Baud500k = 500_000
)

func BaudFromCode(code int) (int, error) {
	switch code {
	case 0:
		return Baud125k, nil
	case 1:
		return Baud250k, nil
	case 2:
		return Baud500k, nil
	default:
		return 0, fmt.Errorf("canbus: unknown speed code %d", code)
	}
}
