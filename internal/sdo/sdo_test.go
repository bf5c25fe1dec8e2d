package sdo

import (
	"testing"
	"time"

	"github.com/oi-gateway/canbridge/internal/canbus"
	"github.com/stretchr/testify/assert"
)

func newTestClient(t *testing.T) (*Client, *canbus.IO, *canbus.LoopbackBus) {
	t.Helper()
	io := canbus.New(nil)
	bus := canbus.NewLoopbackBus()
	assert.NoError(t, io.InitForDevice(bus, 5))
	go io.Run()
	t.Cleanup(io.Stop)
	return NewClient(io), io, bus
}

func TestWriteAndWaitAbortMapsToOutOfRange(t *testing.T) {
	c, _, bus := newTestClient(t)

	go func() {
		time.Sleep(5 * time.Millisecond)
		bus.Inject(canbus.NewFrame(canbus.SDOResponseBase+5, 0x80, 0x34, 0x12, 0, 0x30, 0x00, 0x09, 0x06))
	}()

	res := c.WriteAndWait(5, 0x1234, 0, 30, 200*time.Millisecond)
	assert.Equal(t, WriteAbort, res.Kind)
	assert.Equal(t, AbortValueOutOfRng, res.AbortCode)
}

func TestWriteAndWaitTimeout(t *testing.T) {
	c, _, _ := newTestClient(t)
	res := c.WriteAndWait(5, 0x1234, 0, 1, 20*time.Millisecond)
	assert.Equal(t, WriteTimeout, res.Kind)
}

func TestRequestValueExtractsSigned32(t *testing.T) {
	c, _, bus := newTestClient(t)
	go func() {
		time.Sleep(5 * time.Millisecond)
		bus.Inject(canbus.NewFrame(canbus.SDOResponseBase+5, 0x43, 0, 0, 0, 0xE0, 0xFF, 0xFF, 0xFF))
	}()
	v, ok := c.RequestValue(5, 0x2000, 1, 200*time.Millisecond)
	assert.True(t, ok)
	assert.Equal(t, int32(-32), v)
}

func TestRequestValueIgnoresResponseFromOtherNode(t *testing.T) {
	io := canbus.New(nil)
	bus := canbus.NewLoopbackBus()
	assert.NoError(t, io.InitForScanning(bus))
	go io.Run()
	t.Cleanup(io.Stop)
	c := NewClient(io)

	go func() {
		time.Sleep(2 * time.Millisecond)
		// cross-talk from a concurrently-probed node must be ignored
		bus.Inject(canbus.NewFrame(canbus.SDOResponseBase+9, 0x43, 0, 0, 0, 99, 0, 0, 0))
		time.Sleep(5 * time.Millisecond)
		bus.Inject(canbus.NewFrame(canbus.SDOResponseBase+5, 0x43, 0, 0, 0, 7, 0, 0, 0))
	}()

	v, ok := c.RequestValue(5, 0x5000, 0, 200*time.Millisecond)
	assert.True(t, ok)
	assert.Equal(t, int32(7), v)
}

func TestUploadSegmentDecodesLastFlagAndLength(t *testing.T) {
	c, _, bus := newTestClient(t)
	go func() {
		time.Sleep(5 * time.Millisecond)
		// c=1 (last), n=4 unused bytes -> 3 bytes of payload
		bus.Inject(canbus.NewFrame(canbus.SDOResponseBase+5, 0x09, 'a', 'b', 'c', 0, 0, 0, 0))
	}()
	chunk, last, ok := c.UploadSegment(5, 0, 200*time.Millisecond)
	assert.True(t, ok)
	assert.True(t, last)
	assert.Equal(t, []byte("abc"), chunk)
}
