package spotvalues

import (
	"testing"
	"time"

	"github.com/oi-gateway/canbridge/internal/canbus"
	"github.com/oi-gateway/canbridge/internal/sdo"
	"github.com/stretchr/testify/assert"
)

func newTestManager(t *testing.T) (*Manager, *canbus.LoopbackBus) {
	t.Helper()
	io := canbus.New(nil)
	bus := canbus.NewLoopbackBus()
	assert.NoError(t, io.InitForDevice(bus, 5))
	go io.Run()
	t.Cleanup(io.Stop)
	return New(sdo.NewClient(io)), bus
}

func respond(bus *canbus.LoopbackBus, index uint16, value int32) {
	bus.Inject(canbus.NewFrame(canbus.SDOResponseBase+5, 0x43,
		byte(index), byte(index>>8), 0,
		byte(value), byte(value>>8), byte(value>>16), byte(value>>24)))
}

func TestBatchesBothIdsWithinOneWindow(t *testing.T) {
	m, bus := newTestManager(t)
	m.Start(5, []uint16{100, 200}, 200*time.Millisecond)

	start := time.Now()
	m.Tick(start) // window opens, queue refilled with [100,200], pops 100

	respond(bus, 100, 32*3) // value 3.0
	m.Tick(start.Add(10 * time.Millisecond))
	respond(bus, 200, 32*5) // value 5.0
	m.Tick(start.Add(20 * time.Millisecond))

	flushed := m.Tick(start.Add(210 * time.Millisecond))
	assert.NotNil(t, flushed)
	assert.Equal(t, 3.0, flushed[100])
	assert.Equal(t, 5.0, flushed[200])

	latest := m.LatestValues()
	assert.Equal(t, 3.0, latest[100])
	assert.Equal(t, 5.0, latest[200])
}

func TestStopFlushesAndClearsCache(t *testing.T) {
	m, bus := newTestManager(t)
	m.Start(5, []uint16{42}, 100*time.Millisecond)
	m.Tick(time.Now())
	respond(bus, 42, 64)
	m.Tick(time.Now())

	final := m.Stop()
	assert.Equal(t, 2.0, final[42])
	assert.Empty(t, m.LatestValues())
	assert.False(t, m.Active())
}

func TestTruncatesIdsPastMax(t *testing.T) {
	m, _ := newTestManager(t)
	ids := make([]uint16, MaxParamIDs+10)
	for i := range ids {
		ids[i] = uint16(i)
	}
	m.Start(5, ids, 500*time.Millisecond)
	assert.Len(t, m.order, MaxParamIDs)
}

func TestClampsIntervalToBounds(t *testing.T) {
	m, _ := newTestManager(t)
	m.Start(5, []uint16{1}, time.Millisecond)
	assert.Equal(t, MinInterval, m.interval)

	m.Start(5, []uint16{1}, time.Hour)
	assert.Equal(t, MaxInterval, m.interval)
}

func TestIgnoresResponseForUnsubscribedParam(t *testing.T) {
	m, bus := newTestManager(t)
	m.Start(5, []uint16{7}, 200*time.Millisecond)
	m.Tick(time.Now())
	respond(bus, 999, 32) // not subscribed
	m.Tick(time.Now())
	assert.Empty(t, m.LatestValues())
}
