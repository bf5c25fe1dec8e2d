// Package session owns the single active device connection: its serial
// acquisition, schema cache, rate limiter, and the SDO-based device
// commands, CAN-mapping management, and error-log readout that operate
// against the connected node. All of it is exclusively mutated by the
// protocol task's dispatcher loop (spec §4.C, §9).
package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/oi-gateway/canbridge/internal/fixedpoint"
	"github.com/oi-gateway/canbridge/internal/gwerr"
	"github.com/oi-gateway/canbridge/internal/sdo"
)

// State is the session's tagged-union state (spec §3).
type State uint8

const (
	StateIdle State = iota
	StateError
	StateObtainSerial
	StateObtainSchema
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateError:
		return "error"
	case StateObtainSerial:
		return "obtain-serial"
	case StateObtainSchema:
		return "obtain-schema"
	default:
		return "unknown"
	}
}

const (
	// SerialTimeout bounds time spent in ObtainSerial (spec §3).
	SerialTimeout = 5 * time.Second
	// SchemaSegmentTimeout is the per-segment (not total) deadline while
	// downloading the schema document (spec §4.C).
	SchemaSegmentTimeout = 5 * time.Second
	// DefaultParamRequestInterval is the default spot-request rate limit.
	DefaultParamRequestInterval = 500 * time.Microsecond
)

// Schema is the parsed device-provided parameter schema document.
type Schema struct {
	Parameters map[string]Parameter `json:"parameters"`
}

// Parameter is one schema entry (spec §3). Values on the wire are signed
// 32-bit fixed point with 5 fractional bits.
type Parameter struct {
	ID      uint16            `json:"id"`
	Unit    string            `json:"unit"`
	LastErr map[string]string `json:"lasterr,omitempty"`
	Value   float64           `json:"value"`
}

// Serial is the device's 128-bit identity, four 32-bit words.
type Serial [4]uint32

func (s Serial) String() string {
	return fmt.Sprintf("%08X-%08X-%08X-%08X", s[0], s[1], s[2], s[3])
}

// ParseSerial parses the XXXXXXXX-XXXXXXXX-XXXXXXXX-XXXXXXXX form
// produced by String back into a Serial.
func ParseSerial(s string) (Serial, error) {
	var serial Serial
	var parts [4]uint32
	n, err := fmt.Sscanf(s, "%08X-%08X-%08X-%08X", &parts[0], &parts[1], &parts[2], &parts[3])
	if err != nil || n != 4 {
		return serial, fmt.Errorf("session: malformed serial %q", s)
	}
	return Serial(parts), nil
}

// SchemaCacheName is the filename the device's fourth serial word implies
// (spec §4.C: "the fourth word also names the schema cache file").
func (s Serial) SchemaCacheName() string {
	return fmt.Sprintf("%x.json", s[3])
}

// Session holds the single active connection's state. It is not
// goroutine-safe by design: only the dispatcher's loop may touch it.
type Session struct {
	NodeID  uint8
	BaudRate int
	TxPin, RxPin int

	State   State
	Serial  Serial
	Schema  *Schema

	serialPart     int
	serialDeadline time.Time

	schemaBuf         []byte
	schemaTotalSize   uint32
	schemaToggle      uint8
	schemaDeadline    time.Time
	schemaLastProgAt  time.Time

	minParamInterval time.Duration
	lastParamReqAt   time.Time

	sdo *sdo.Client
}

func New(sdoClient *sdo.Client) *Session {
	return &Session{
		State:            StateIdle,
		minParamInterval: DefaultParamRequestInterval,
		sdo:              sdoClient,
	}
}

// Connect switches the session to a new node, clearing any cached schema,
// and begins serial acquisition.
func (s *Session) Connect(node uint8, baud, txPin, rxPin int) {
	if s.NodeID != node {
		s.Schema = nil
	}
	s.NodeID = node
	s.BaudRate = baud
	s.TxPin = txPin
	s.RxPin = rxPin
	s.Serial = Serial{}
	s.serialPart = 0
	s.serialDeadline = time.Now().Add(SerialTimeout)
	s.State = StateObtainSerial
}

// AdvanceObtainSerial performs one round trip of serial-word acquisition.
// It returns ready=true once all four words are read (the completed serial
// is then in s.Serial), or an error if the 5s budget for ObtainSerial
// elapses.
func (s *Session) AdvanceObtainSerial() (ready bool, err error) {
	if s.State != StateObtainSerial {
		return false, nil
	}
	if time.Now().After(s.serialDeadline) {
		s.State = StateIdle
		return false, &gwerr.ProtocolTimeout{Stage: "obtain-serial"}
	}
	v, ok := s.sdo.RequestValue(s.NodeID, 0x5000, uint8(s.serialPart), 200*time.Millisecond)
	if !ok {
		return false, nil // transient, retried on next tick
	}
	s.Serial[s.serialPart] = uint32(v)
	s.serialPart++
	if s.serialPart < 4 {
		return false, nil
	}
	s.State = StateIdle
	return true, nil
}

// RequestSchema begins a schema download, starting from the initiate-upload
// request of SDO 0x5001:0.
func (s *Session) RequestSchema() error {
	if s.State != StateIdle {
		return gwerr.ErrSessionBusy
	}
	total, err := s.sdo.InitiateUpload(s.NodeID, 0x5001, 0, 500*time.Millisecond)
	if err != nil {
		return err
	}
	s.schemaTotalSize = total
	s.schemaBuf = make([]byte, 0, total)
	s.schemaToggle = 0
	s.schemaDeadline = time.Now().Add(SchemaSegmentTimeout)
	s.State = StateObtainSchema
	return nil
}

// SchemaProgressEligible reports whether enough time has elapsed to emit
// another progress callback (spec: "at most every 200 ms").
func (s *Session) SchemaProgressEligible() bool {
	if time.Since(s.schemaLastProgAt) < 200*time.Millisecond {
		return false
	}
	s.schemaLastProgAt = time.Now()
	return true
}

// SchemaProgress returns bytes received / total expected.
func (s *Session) SchemaProgress() (received, total uint32) {
	return uint32(len(s.schemaBuf)), s.schemaTotalSize
}

// AdvanceObtainSchema performs one segment fetch. done=true once the final
// segment has been received and the schema parsed into s.Schema.
func (s *Session) AdvanceObtainSchema(streamCb func(chunk []byte)) (done bool, err error) {
	if s.State != StateObtainSchema {
		return false, nil
	}
	if time.Now().After(s.schemaDeadline) {
		s.State = StateIdle
		s.schemaBuf = nil
		return false, &gwerr.ProtocolTimeout{Stage: "obtain-schema"}
	}
	chunk, last, ok := s.sdo.UploadSegment(s.NodeID, s.schemaToggle, 200*time.Millisecond)
	if !ok {
		return false, nil // transient, retried on next tick; deadline unchanged by design (per-segment)
	}
	s.schemaDeadline = time.Now().Add(SchemaSegmentTimeout)
	s.schemaToggle ^= 1
	s.schemaBuf = append(s.schemaBuf, chunk...)
	if streamCb != nil {
		streamCb(chunk)
	}
	if !last {
		return false, nil
	}
	var parsed Schema
	if err := json.Unmarshal(s.schemaBuf, &parsed); err != nil {
		s.State = StateIdle
		s.schemaBuf = nil
		return false, fmt.Errorf("session: parsing schema: %w", err)
	}
	s.Schema = &parsed
	s.schemaBuf = nil
	s.State = StateIdle
	return true, nil
}

// CanSendParameterRequest reports whether the spot-value rate limiter
// allows another request now.
func (s *Session) CanSendParameterRequest() bool {
	return time.Since(s.lastParamReqAt) >= s.minParamInterval
}

// MarkParameterRequestSent advances the rate limiter.
func (s *Session) MarkParameterRequestSent() {
	s.lastParamReqAt = time.Now()
}

// ParamValueIndex maps a schema parameter id to its SDO read address. This
// device family addresses each parameter's live value directly by its
// schema id as the SDO index, with a constant sub-index.
func ParamValueIndex(paramID uint16) (index uint16, sub uint8) {
	return paramID, 0
}

// ParameterFromWire/ToWire re-exported for convenience of callers that only
// import session.
func ParameterFromWire(raw int32) float64 { return fixedpoint.ParameterFromWire(raw) }
func ParameterToWire(v float64) int32     { return fixedpoint.ParameterToWire(v) }
