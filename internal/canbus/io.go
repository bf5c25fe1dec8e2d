package canbus

import (
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	txQueueCapacity      = 20
	sdoRespQueueCapacity = 10
	heartbeatThrottle    = time.Second
)

var ErrTxQueueFull = errors.New("canbus: tx queue full")

// HeartbeatHook is invoked, throttled to once per node per second, whenever
// an SDO-response frame is observed from that node. It is the passive
// heartbeat signal used by device discovery (spec §4.A, §4.E).
type HeartbeatHook func(node uint8, atMs int64)

// BootloaderHook receives every frame on the bootloader response id.
type BootloaderHook func(frame Frame)

// filterMode mirrors the hardware acceptance filter the embedded firmware
// installs: either "scanning" (admits any SDO response plus bootloader) or
// "device" (admits only one node's SDO responses plus bootloader).
type filterMode uint8

const (
	filterNone filterMode = iota
	filterScanning
	filterDevice
)

// IO owns the sole handle to the CAN transceiver: a TX queue, an
// SDO-response queue, and the RX classifier that fans frames out to the
// firmware updater, the SDO response queue, or the passive heartbeat hook.
type IO struct {
	log *log.Entry

	mu         sync.Mutex
	bus        Bus
	mode       filterMode
	filterNode uint8

	txCh  chan Frame
	sdoCh chan Frame

	bootloaderHook BootloaderHook
	heartbeatHook  HeartbeatHook
	lastHeartbeat  map[uint8]time.Time

	stopCh chan struct{}
	doneCh chan struct{}

	clockMs func() int64
}

func New(logger *log.Entry) *IO {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &IO{
		log:           logger.WithField("component", "canbus"),
		txCh:          make(chan Frame, txQueueCapacity),
		sdoCh:         make(chan Frame, sdoRespQueueCapacity),
		lastHeartbeat: make(map[uint8]time.Time),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
		clockMs:       func() int64 { return time.Now().UnixMilli() },
	}
}

func (io *IO) SetBootloaderHook(h BootloaderHook) { io.bootloaderHook = h }
func (io *IO) SetHeartbeatHook(h HeartbeatHook)    { io.heartbeatHook = h }

// InitForScanning installs the acceptance filter used by device discovery:
// any SDO response plus the bootloader response id.
func (io *IO) InitForScanning(bus Bus) error {
	io.mu.Lock()
	io.mode = filterScanning
	io.mu.Unlock()
	return io.attach(bus)
}

// InitForDevice installs the acceptance filter for a single connected node.
func (io *IO) InitForDevice(bus Bus, node uint8) error {
	io.mu.Lock()
	io.mode = filterDevice
	io.filterNode = node
	io.mu.Unlock()
	return io.attach(bus)
}

func (io *IO) attach(bus Bus) error {
	io.mu.Lock()
	already := io.bus == bus
	io.bus = bus
	io.mu.Unlock()
	if already {
		return nil
	}
	if err := bus.Connect(); err != nil {
		return err
	}
	return bus.Subscribe(io)
}

// TxSubmit enqueues frame for transmission, non-blocking past timeout.
// Frames leave the bus in submission order: a single drain goroutine reads
// txCh and calls Bus.Send sequentially.
func (io *IO) TxSubmit(frame Frame, timeout time.Duration) error {
	select {
	case io.txCh <- frame:
		return nil
	case <-time.After(timeout):
		return ErrTxQueueFull
	}
}

// TxSubmitNonblocking enqueues frame without waiting, returning false if the
// queue is currently full.
func (io *IO) TxSubmitNonblocking(frame Frame) bool {
	select {
	case io.txCh <- frame:
		return true
	default:
		return false
	}
}

// SDORecv receives the next SDO-response frame, waiting up to timeout.
func (io *IO) SDORecv(timeout time.Duration) (Frame, bool) {
	select {
	case f := <-io.sdoCh:
		return f, true
	case <-time.After(timeout):
		return Frame{}, false
	}
}

// SDORecvNonblocking receives a pending SDO-response frame without waiting.
func (io *IO) SDORecvNonblocking() (Frame, bool) {
	select {
	case f := <-io.sdoCh:
		return f, true
	default:
		return Frame{}, false
	}
}

// SDOClearPending drains any stale frames from the SDO-response queue. It
// must be called before every request/response pair so a late response to
// a previous request cannot be mistaken for the current one.
func (io *IO) SDOClearPending() {
	for {
		select {
		case <-io.sdoCh:
		default:
			return
		}
	}
}

// Run drains the TX queue to the bus. It must be started once after the
// bus is attached, and stopped via Stop.
func (io *IO) Run() {
	defer close(io.doneCh)
	for {
		select {
		case frame := <-io.txCh:
			io.mu.Lock()
			bus := io.bus
			io.mu.Unlock()
			if bus == nil {
				continue
			}
			if err := bus.Send(frame); err != nil {
				io.log.WithError(err).Warn("tx submit failed")
			}
		case <-io.stopCh:
			return
		}
	}
}

func (io *IO) Stop() {
	close(io.stopCh)
	<-io.doneCh
}

// Handle classifies one received frame. It must not block.
func (io *IO) Handle(frame Frame) {
	switch {
	case frame.ID == BootloaderResp:
		if io.bootloaderHook != nil {
			io.bootloaderHook(frame)
		}
	case frame.ID >= SDOResponseBase && frame.ID <= SDOResponseEnd:
		node, _ := IsSDOResponse(frame.ID)
		io.mu.Lock()
		accepted := io.mode == filterScanning || (io.mode == filterDevice && node == io.filterNode)
		io.mu.Unlock()
		if !accepted {
			return
		}
		select {
		case io.sdoCh <- frame:
		default:
			io.log.Warn("sdo response queue full, dropping frame")
		}
		io.markHeartbeat(node)
	default:
		// not an identifier class the gateway cares about
	}
}

func (io *IO) markHeartbeat(node uint8) {
	if io.heartbeatHook == nil {
		return
	}
	now := time.Now()
	io.mu.Lock()
	last, seen := io.lastHeartbeat[node]
	if seen && now.Sub(last) < heartbeatThrottle {
		io.mu.Unlock()
		return
	}
	io.lastHeartbeat[node] = now
	io.mu.Unlock()
	io.heartbeatHook(node, io.clockMs())
}
