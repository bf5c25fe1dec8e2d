// Package spotvalues implements the per-parameter polling loop that backs
// the browser's live parameter readout (spec §4.F): a bounded request
// queue refilled once per interval, at most one in-flight SDO read per
// tick, and a persistent "latest values" cache independent of the
// currently batched window.
package spotvalues

import (
	"encoding/binary"
	"time"

	"github.com/oi-gateway/canbridge/internal/canbus"
	"github.com/oi-gateway/canbridge/internal/fixedpoint"
	"github.com/oi-gateway/canbridge/internal/sdo"
	"github.com/oi-gateway/canbridge/internal/session"
)

// MaxParamIDs bounds how many parameter ids a single StartSpotValues
// subscription may request. The spec names MAX_PARAM_IDS without fixing a
// number; 32 is the value recorded for that Open Question in DESIGN.md.
const MaxParamIDs = 32

const (
	MinInterval = 100 * time.Millisecond
	MaxInterval = 10 * time.Second
)

// respExpeditedUpload mirrors internal/sdo's unexported constant; spot
// values only ever decode expedited reads.
const respExpeditedUpload byte = 0x43

// Manager drives the request queue and latest-values cache for one
// connected device session. It is driven exclusively by the dispatcher's
// single-consumer loop, so no internal locking is needed.
type Manager struct {
	sdo  *sdo.Client
	node uint8

	active   bool
	ids      map[uint16]struct{}
	order    []uint16
	interval time.Duration

	queue    []uint16
	lastTick time.Time

	batch  map[uint16]float64
	latest map[uint16]float64
}

func New(sdoClient *sdo.Client) *Manager {
	return &Manager{sdo: sdoClient, batch: map[uint16]float64{}, latest: map[uint16]float64{}}
}

// Start configures a subscription, truncating ids past MaxParamIDs and
// clamping interval into [MinInterval, MaxInterval].
func (m *Manager) Start(node uint8, ids []uint16, interval time.Duration) {
	if len(ids) > MaxParamIDs {
		ids = ids[:MaxParamIDs]
	}
	if interval < MinInterval {
		interval = MinInterval
	}
	if interval > MaxInterval {
		interval = MaxInterval
	}
	m.node = node
	m.order = append([]uint16(nil), ids...)
	m.ids = make(map[uint16]struct{}, len(ids))
	for _, id := range ids {
		m.ids[id] = struct{}{}
	}
	m.interval = interval
	m.active = true
	m.queue = nil
	m.batch = map[uint16]float64{}
	m.lastTick = time.Time{}
}

// Stop flushes any pending batch, clears the queue and the persistent
// cache, and returns the final batch (if non-empty) for the caller to
// emit as a last spotValues event.
func (m *Manager) Stop() map[uint16]float64 {
	final := m.flush()
	m.active = false
	m.ids = nil
	m.order = nil
	m.queue = nil
	m.latest = map[uint16]float64{}
	return final
}

func (m *Manager) Active() bool { return m.active }

// Tick runs one cooperative step: on an interval boundary, flush the
// previous batch (if the queue has already drained) and refill the queue
// with every subscribed id; then attempt exactly one nonblocking request
// and exactly one nonblocking response read. It returns a non-nil batch
// snapshot exactly when a flush happened and produced data.
func (m *Manager) Tick(now time.Time) map[uint16]float64 {
	if !m.active {
		return nil
	}

	var flushed map[uint16]float64
	if m.lastTick.IsZero() || now.Sub(m.lastTick) >= m.interval {
		if len(m.queue) == 0 {
			flushed = m.flush()
		}
		m.queue = append([]uint16(nil), m.order...)
		m.lastTick = now
	}

	if len(m.queue) > 0 {
		id := m.queue[0]
		index, sub := session.ParamValueIndex(id)
		if m.sdo.RequestElementNonblocking(m.node, index, sub) {
			m.queue = m.queue[1:]
		}
	}

	if frame, ok := m.sdo.PollResponse(); ok {
		if id, value, recognised := m.decode(frame); recognised {
			m.batch[id] = value
			m.latest[id] = value
		}
	}

	return flushed
}

func (m *Manager) decode(frame canbus.Frame) (uint16, float64, bool) {
	if frame.Data[0] != respExpeditedUpload {
		return 0, 0, false
	}
	index := binary.LittleEndian.Uint16(frame.Data[1:3])
	sub := frame.Data[3]
	if sub != 0 {
		return 0, 0, false
	}
	if _, known := m.ids[index]; !known {
		return 0, 0, false
	}
	value := int32(binary.LittleEndian.Uint32(frame.Data[4:8]))
	return index, fixedpoint.ParameterFromWire(value), true
}

func (m *Manager) flush() map[uint16]float64 {
	if len(m.batch) == 0 {
		return nil
	}
	out := m.batch
	m.batch = map[uint16]float64{}
	return out
}

// LatestValues returns the persistent latest-value cache, unaffected by
// batch window boundaries.
func (m *Manager) LatestValues() map[uint16]float64 {
	out := make(map[uint16]float64, len(m.latest))
	for k, v := range m.latest {
		out[k] = v
	}
	return out
}
