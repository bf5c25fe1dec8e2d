package firmware

import (
	"bytes"
	"testing"

	"github.com/oi-gateway/canbridge/internal/canbus"
	"github.com/stretchr/testify/assert"
)

func newTestUpdater(t *testing.T) (*Updater, *canbus.IO, *canbus.LoopbackBus) {
	t.Helper()
	io := canbus.New(nil)
	bus := canbus.NewLoopbackBus()
	assert.NoError(t, io.InitForDevice(bus, 5))
	go io.Run()
	t.Cleanup(io.Stop)
	u := New(io, nil)
	io.SetBootloaderHook(u.Handle)
	return u, io, bus
}

func TestFullUpdateThreePagesReportsProgressAndCompletes(t *testing.T) {
	u, _, bus := newTestUpdater(t)

	firmware := bytes.Repeat([]byte{0x42}, 2050) // 3 pages of 1024 bytes

	var progressed []int
	var completedOK bool
	var completedCalled bool
	u.OnProgress(func(page, total int) { progressed = append(progressed, page*100/total) })
	u.OnCompletion(func(ok bool, err error) { completedOK = ok; completedCalled = true })

	u.Begin(bytes.NewReader(firmware), int64(len(firmware)))
	assert.Equal(t, StateSendMagic, u.State())

	bus.Inject(canbus.NewFrame(canbus.BootloaderResp, 0x33, 0))
	assert.Equal(t, StateSendSize, u.State())

	bus.Inject(canbus.NewFrame(canbus.BootloaderResp, 'S'))
	assert.Equal(t, StateSendPage, u.State())

	for page := 1; page <= 3; page++ {
		bus.Inject(canbus.NewFrame(canbus.BootloaderResp, 'P'))
		bus.Inject(canbus.NewFrame(canbus.BootloaderResp, 'C'))
		assert.Equal(t, StateCheckCrc, u.State())
		bus.Inject(canbus.NewFrame(canbus.BootloaderResp, 'P'))
		if page < 3 {
			assert.Equal(t, StateSendPage, u.State())
		}
	}

	assert.Equal(t, []int{33, 66, 100}, progressed)

	bus.Inject(canbus.NewFrame(canbus.BootloaderResp, 'D'))
	assert.Equal(t, StateRequestJson, u.State())
	assert.False(t, completedCalled)

	u.TickRequestJson(func() bool { return true })
	assert.True(t, completedCalled)
	assert.True(t, completedOK)
	assert.Equal(t, StateIdle, u.State())
}

func TestCrcMismatchRetriesThenFails(t *testing.T) {
	u, _, bus := newTestUpdater(t)
	firmware := bytes.Repeat([]byte{0x01}, 1024)

	var failed bool
	var failErr error
	u.OnCompletion(func(ok bool, err error) {
		if !ok {
			failed = true
			failErr = err
		}
	})

	u.Begin(bytes.NewReader(firmware), int64(len(firmware)))
	bus.Inject(canbus.NewFrame(canbus.BootloaderResp, 0x33, 0))
	bus.Inject(canbus.NewFrame(canbus.BootloaderResp, 'S'))

	for i := 0; i < maxPageCrcRetries+1; i++ {
		bus.Inject(canbus.NewFrame(canbus.BootloaderResp, 'P'))
		bus.Inject(canbus.NewFrame(canbus.BootloaderResp, 'C'))
		bus.Inject(canbus.NewFrame(canbus.BootloaderResp, 'E'))
	}

	assert.True(t, failed)
	assert.Error(t, failErr)
	assert.Equal(t, StateIdle, u.State())
}

func TestRequestJsonGivesUpAfterRetryBudget(t *testing.T) {
	u, _, _ := newTestUpdater(t)
	u.Begin(bytes.NewReader([]byte{0}), 1)
	u.state = StateRequestJson

	var failed bool
	u.OnCompletion(func(ok bool, err error) {
		if !ok {
			failed = true
		}
	})

	for i := 0; i < maxRequestJsonRetries; i++ {
		u.TickRequestJson(func() bool { return false })
	}

	assert.True(t, failed)
	assert.Equal(t, StateIdle, u.State())
}

func TestHandleIgnoresFramesWhenIdle(t *testing.T) {
	u, _, bus := newTestUpdater(t)
	assert.Equal(t, StateIdle, u.State())
	bus.Inject(canbus.NewFrame(canbus.BootloaderResp, 'P'))
	assert.Equal(t, StateIdle, u.State())
}
