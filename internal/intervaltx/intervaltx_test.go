package intervaltx

import (
	"testing"
	"time"

	"github.com/oi-gateway/canbridge/internal/canbus"
	"github.com/oi-gateway/canbridge/internal/crc"
	"github.com/stretchr/testify/assert"
)

func TestCanIOFrameRoundTripsWithoutCRC(t *testing.T) {
	io := CanIO{Pot: 0xABC, Pot2: 0x123, Flags: 0x1E, CruiseSpeed: 0x1FAB, RegenPreset: 0x55, UseCRC: false}
	io.counter = 2

	frame := BuildCanIOFrame(io)

	half0 := uint32(frame[0]) | uint32(frame[1])<<8 | uint32(frame[2])<<16 | uint32(frame[3])<<24
	half1 := uint32(frame[4]) | uint32(frame[5])<<8 | uint32(frame[6])<<16 | uint32(frame[7])<<24

	assert.Equal(t, uint32(0xABC), half0&0xFFF)
	assert.Equal(t, uint32(0x123), (half0>>12)&0xFFF)
	assert.Equal(t, uint32(0x1E), (half0>>24)&0x3F)
	assert.Equal(t, uint32(2), (half0>>30)&0x3)

	assert.Equal(t, uint32(0x1FAB), half1&0x3FFF)
	assert.Equal(t, uint32(2), (half1>>14)&0x3)
	assert.Equal(t, uint32(0x55), (half1>>16)&0xFF)
	assert.Equal(t, byte(0), frame[7])
}

func TestCanIOFrameCRCMatchesSTM32Fold(t *testing.T) {
	io := CanIO{Pot: 0xABC, Pot2: 0x123, Flags: 0x1E, CruiseSpeed: 0x1FAB, RegenPreset: 0x55, UseCRC: true}
	io.counter = 2

	frame := BuildCanIOFrame(io)
	half0 := uint32(frame[0]) | uint32(frame[1])<<8 | uint32(frame[2])<<16 | uint32(frame[3])<<24
	half1Masked := (uint32(frame[4]) | uint32(frame[5])<<8 | uint32(frame[6])<<16) & 0x00FFFFFF

	want := byte(crc.STM32Words(half0, half1Masked))
	assert.Equal(t, want, frame[7])
}

func newTestTransmitter(t *testing.T) (*Transmitter, *canbus.LoopbackBus) {
	t.Helper()
	io := canbus.New(nil)
	bus := canbus.NewLoopbackBus()
	assert.NoError(t, io.InitForDevice(bus, 5))
	go io.Run()
	t.Cleanup(io.Stop)
	return New(io), bus
}

func TestUpsertReplacesSameID(t *testing.T) {
	tx, _ := newTestTransmitter(t)
	tx.Upsert(Message{ID: "a", CobID: 0x100, Data: []byte{1}, IntervalMs: 100})
	tx.Upsert(Message{ID: "a", CobID: 0x200, Data: []byte{2}, IntervalMs: 50})

	assert.Len(t, tx.messages, 1)
	assert.Equal(t, uint32(0x200), tx.messages["a"].CobID)
}

func TestTickSendsOnceIntervalElapsed(t *testing.T) {
	tx, bus := newTestTransmitter(t)
	tx.Upsert(Message{ID: "a", CobID: 0x300, Data: []byte{9}, IntervalMs: 100})

	start := time.Now()
	tx.Tick(start)
	assert.Len(t, bus.Sent, 1)

	tx.Tick(start.Add(10 * time.Millisecond))
	assert.Len(t, bus.Sent, 1) // too soon

	tx.Tick(start.Add(150 * time.Millisecond))
	assert.Len(t, bus.Sent, 2)
}

func TestCanIOCounterWrapsModFourStartingAtOne(t *testing.T) {
	tx, bus := newTestTransmitter(t)
	tx.StartCanIO(CanIO{CobID: 0x400, IntervalMs: 10})

	start := time.Now()
	for i := 0; i < 5; i++ {
		tx.Tick(start.Add(time.Duration(i) * 20 * time.Millisecond))
	}
	assert.Len(t, bus.Sent, 5)

	// first emission used counter==1 (seeded by StartCanIO), recovered from
	// bits 30-31 of half 0 in the first sent frame.
	first := bus.Sent[0].Data
	half0 := uint32(first[0]) | uint32(first[1])<<8 | uint32(first[2])<<16 | uint32(first[3])<<24
	assert.Equal(t, uint32(1), (half0>>30)&0x3)

	// later emissions advance the counter 2, 3, wrap to 0, then 1 again.
	for i, want := range []uint32{1, 2, 3, 0, 1} {
		if i >= len(bus.Sent) {
			break
		}
		d := bus.Sent[i].Data
		h0 := uint32(d[0]) | uint32(d[1])<<8 | uint32(d[2])<<16 | uint32(d[3])<<24
		assert.Equal(t, want, (h0>>30)&0x3, "counter of frame %d", i)
	}
}
