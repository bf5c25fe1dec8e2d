// Package intervaltx implements the periodic interval-message transmitter
// and the CAN-IO telemetry frame synthesizer (spec §4.G): a vector of
// timed messages, keyed by id with replace-on-collision semantics, plus
// one optional bit-packed CAN-IO slot whose counter and CRC are
// recomputed on every emission.
package intervaltx

import (
	"time"

	"github.com/oi-gateway/canbridge/internal/canbus"
	"github.com/oi-gateway/canbridge/internal/crc"
)

// Message is one periodic CAN transmission, keyed by id.
type Message struct {
	ID         string
	CobID      uint32
	Data       []byte
	IntervalMs uint32
	lastSent   time.Time
}

// CanIO holds the inputs packed into the two-half CAN-IO telemetry frame.
type CanIO struct {
	CobID       uint32
	Pot         uint16 // 12 bits
	Pot2        uint16 // 12 bits
	Flags       uint8  // 6 bits, named "canio" in the wire layout
	CruiseSpeed uint16 // 14 bits
	RegenPreset uint8  // 8 bits
	UseCRC      bool
	IntervalMs  uint32

	counter  uint8 // 2 bits, starts at 1 and wraps mod 4 on each (re)start
	lastSent time.Time
}

// Transmitter owns the interval-message vector and the single CAN-IO
// slot, emitting frames through a canbus.IO whenever their interval
// elapses.
type Transmitter struct {
	io *canbus.IO

	messages map[string]*Message
	canIO    *CanIO
}

func New(busIO *canbus.IO) *Transmitter {
	return &Transmitter{io: busIO, messages: map[string]*Message{}}
}

// Upsert adds or replaces (by id) an interval message.
func (t *Transmitter) Upsert(msg Message) {
	msg.lastSent = time.Time{}
	t.messages[msg.ID] = &msg
}

// Remove stops and removes an interval message. It reports whether one
// existed.
func (t *Transmitter) Remove(id string) bool {
	if _, ok := t.messages[id]; !ok {
		return false
	}
	delete(t.messages, id)
	return true
}

// StartCanIO installs (or replaces) the CAN-IO slot, resetting its
// counter to 1.
func (t *Transmitter) StartCanIO(io CanIO) {
	io.counter = 1
	io.lastSent = time.Time{}
	t.canIO = &io
}

// StopCanIO removes the CAN-IO slot.
func (t *Transmitter) StopCanIO() { t.canIO = nil }

// UpdateCanIO mutates the live pot/pot2/canio/cruisespeed/regenpreset
// inputs of an already-started slot in place; it is a no-op if no slot is
// active.
func (t *Transmitter) UpdateCanIO(pot, pot2 uint16, flags uint8, cruiseSpeed uint16, regenPreset uint8) {
	if t.canIO == nil {
		return
	}
	t.canIO.Pot = pot
	t.canIO.Pot2 = pot2
	t.canIO.Flags = flags
	t.canIO.CruiseSpeed = cruiseSpeed
	t.canIO.RegenPreset = regenPreset
}

func (t *Transmitter) CanIOActive() bool { return t.canIO != nil }

// Tick emits any interval message (or the CAN-IO slot) whose interval has
// elapsed since its last transmission.
func (t *Transmitter) Tick(now time.Time) {
	for _, m := range t.messages {
		if m.lastSent.IsZero() || now.Sub(m.lastSent) >= time.Duration(m.IntervalMs)*time.Millisecond {
			t.io.TxSubmitNonblocking(canbus.NewFrame(m.CobID, m.Data...))
			m.lastSent = now
		}
	}
	if t.canIO != nil {
		io := t.canIO
		if io.lastSent.IsZero() || now.Sub(io.lastSent) >= time.Duration(io.IntervalMs)*time.Millisecond {
			t.io.TxSubmitNonblocking(canbus.NewFrame(io.CobID, BuildCanIOFrame(*io)[:]...))
			io.counter = (io.counter + 1) % 4
			io.lastSent = now
		}
	}
}

// BuildCanIOFrame bit-packs the CAN-IO telemetry frame per spec §3:
//
//	half 0 (bytes 0..3, little-endian): pot(12) | pot2(12) | canio(6) | ctr(2)
//	half 1 (bytes 4..7, little-endian): cruisespeed(14) | ctr(2) | regenpreset(8) | crc(8)
//
// crc is 0 unless UseCRC is set, in which case it is the low byte of the
// STM32 CRC-32 folded over the two halves as 32-bit words.
func BuildCanIOFrame(io CanIO) [8]byte {
	half0 := uint32(io.Pot&0xFFF) |
		uint32(io.Pot2&0xFFF)<<12 |
		uint32(io.Flags&0x3F)<<24 |
		uint32(io.counter&0x3)<<30

	half1 := uint32(io.CruiseSpeed&0x3FFF) |
		uint32(io.counter&0x3)<<14 |
		uint32(io.RegenPreset)<<16

	if io.UseCRC {
		sum := crc.STM32Words(half0, half1&0x00FFFFFF)
		half1 |= uint32(byte(sum)) << 24
	}

	var frame [8]byte
	putLE32(frame[0:4], half0)
	putLE32(frame[4:8], half1)
	return frame
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
