// Package discovery implements the bus-scan state machine (one-shot and
// continuous), the in-memory device registry it populates, and the passive
// heartbeat handler that keeps registry entries fresh from ordinary SDO
// traffic (spec §4.E).
package discovery

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/oi-gateway/canbridge/internal/sdo"
	"github.com/oi-gateway/canbridge/internal/session"
)

// ScanDelay is the per-probe pacing of the continuous scanner.
const ScanDelay = 50 * time.Millisecond

// ProbeTimeout bounds each serial-word request during scanning.
const ProbeTimeout = 100 * time.Millisecond

// pauseLogThrottle bounds how often "scan paused" is logged while the
// session is not Idle.
const pauseLogThrottle = 5 * time.Second

// Device is one registry entry.
type Device struct {
	Serial   session.Serial
	Name     string
	NodeID   uint8
	LastSeen int64
}

// Registry is the in-memory mirror that is the runtime source of truth;
// persistence (spec §4.E, §4.M) is driven by the caller observing Dirty.
type Registry struct {
	byserial map[session.Serial]*Device
	dirty    bool
}

func NewRegistry() *Registry {
	return &Registry{byserial: make(map[session.Serial]*Device)}
}

func (r *Registry) Upsert(d Device) {
	r.byserial[d.Serial] = &d
	r.dirty = true
}

func (r *Registry) Get(serial session.Serial) (Device, bool) {
	d, ok := r.byserial[serial]
	if !ok {
		return Device{}, false
	}
	return *d, true
}

func (r *Registry) ByNode(node uint8) (Device, bool) {
	for _, d := range r.byserial {
		if d.NodeID == node {
			return *d, true
		}
	}
	return Device{}, false
}

func (r *Registry) Delete(serial session.Serial) bool {
	if _, ok := r.byserial[serial]; !ok {
		return false
	}
	delete(r.byserial, serial)
	r.dirty = true
	return true
}

func (r *Registry) Rename(serial session.Serial, name string) bool {
	d, ok := r.byserial[serial]
	if !ok {
		return false
	}
	d.Name = name
	r.dirty = true
	return true
}

func (r *Registry) MarkSeen(node uint8, atMs int64) {
	if d, ok := r.ByNode(node); ok {
		r.byserial[d.Serial].LastSeen = atMs
	}
}

func (r *Registry) All() []Device {
	out := make([]Device, 0, len(r.byserial))
	for _, d := range r.byserial {
		out = append(out, *d)
	}
	return out
}

func (r *Registry) Dirty() bool { return r.dirty }
func (r *Registry) ClearDirty() { r.dirty = false }

// Scanner drives both the one-shot and continuous bus scans. It shares the
// SDO client used by the device session; the dispatcher is responsible for
// ensuring the CAN filter is in scanning mode while Scanner is active.
type Scanner struct {
	sdo *sdo.Client
	log *log.Entry
	reg *Registry

	active       bool
	startNode    uint8
	endNode      uint8
	currentNode  uint8
	serialPart   uint8
	partial      session.Serial
	lastPauseLog time.Time
}

func NewScanner(sdoClient *sdo.Client, reg *Registry, logger *log.Entry) *Scanner {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Scanner{sdo: sdoClient, reg: reg, log: logger.WithField("component", "discovery")}
}

// Scan performs a blocking one-shot scan over [start,end], returning every
// device found. It does not mutate continuous-scan state.
func (s *Scanner) Scan(start, end uint8) []Device {
	var found []Device
	for node := int(start); node <= int(end); node++ {
		var serial session.Serial
		ok := true
		for part := uint8(0); part < 4; part++ {
			v, got := s.sdo.RequestValue(uint8(node), 0x5000, part, ProbeTimeout)
			if !got {
				ok = false
				break
			}
			serial[part] = uint32(v)
		}
		if !ok {
			continue
		}
		d := Device{Serial: serial, NodeID: uint8(node), LastSeen: time.Now().UnixMilli()}
		s.reg.Upsert(d)
		found = append(found, d)
	}
	return found
}

// Start begins a continuous scan over [start,end].
func (s *Scanner) Start(start, end uint8) {
	s.active = true
	s.startNode = start
	s.endNode = end
	s.currentNode = start
	s.serialPart = 0
	s.partial = session.Serial{}
}

func (s *Scanner) Stop() {
	s.active = false
}

func (s *Scanner) Active() bool { return s.active }

// CurrentNode returns the node the continuous scanner is presently probing.
func (s *Scanner) CurrentNode() uint8 { return s.currentNode }

// Advance runs one probe of the continuous scanner. sessionIdle gates
// whether the scanner may touch the bus this tick; when false the scanner
// is paused and logs at most once per pauseLogThrottle. discovered is
// non-nil exactly when a device completed all four serial parts this tick.
func (s *Scanner) Advance(sessionIdle bool) (discovered *Device) {
	if !s.active {
		return nil
	}
	if !sessionIdle {
		if time.Since(s.lastPauseLog) >= pauseLogThrottle {
			s.log.Debug("continuous scan paused: session not idle")
			s.lastPauseLog = time.Now()
		}
		return nil
	}

	v, ok := s.sdo.RequestValue(s.currentNode, 0x5000, s.serialPart, ProbeTimeout)
	if !ok {
		s.advanceNode()
		return nil
	}
	s.partial[s.serialPart] = uint32(v)
	if s.serialPart < 3 {
		s.serialPart++
		return nil
	}

	d := Device{Serial: s.partial, NodeID: s.currentNode, LastSeen: time.Now().UnixMilli()}
	s.reg.Upsert(d)
	s.advanceNode()
	return &d
}

func (s *Scanner) advanceNode() {
	s.serialPart = 0
	s.partial = session.Serial{}
	if s.currentNode >= s.endNode {
		s.currentNode = s.startNode
	} else {
		s.currentNode++
	}
}
