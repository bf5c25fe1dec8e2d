package session

import (
	"encoding/binary"
	"time"

	"github.com/oi-gateway/canbridge/internal/fixedpoint"
	"github.com/oi-gateway/canbridge/internal/gwerr"
	"github.com/oi-gateway/canbridge/internal/sdo"
)

func leUint32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }

// Direction of a CAN mapping entry.
type Direction uint8

const (
	Tx Direction = iota
	Rx
)

// Mapping is one CAN-mapping table record (spec §3).
type Mapping struct {
	Direction   Direction
	CobID       uint32
	ParamID     uint16
	BitPosition uint8
	BitLength   uint8
	Gain        float64
	Offset      int8

	ReadIndex    uint16
	ReadSubIndex uint8
}

const (
	readIndexTx  uint16 = 0x3100
	readIndexRx  uint16 = 0x3180
	writeIndexTx uint16 = 0x3000
	writeIndexRx uint16 = 0x3001

	maxMappingIterations = 100
)

const mappingOpTimeout = 200 * time.Millisecond

func readIndexFor(dir Direction) uint16 {
	if dir == Tx {
		return readIndexTx
	}
	return readIndexRx
}

func writeIndexFor(dir Direction) uint16 {
	if dir == Tx {
		return writeIndexTx
	}
	return writeIndexRx
}

// GetMappings walks the read-side indices (0x3100 for Tx, 0x3180 for Rx),
// alternating sub-indices 0/1/2, ending a direction on the first abort of
// sub-index 0. An abort on sub-index 1 or 2 also ends the direction (the
// entry the cursor advanced to on sub-index 0 turned out not to exist), but
// a timeout there is reported as a ProtocolTimeout instead of silently
// ending the direction: the device acknowledged an entry exists at
// sub-index 0 and then stopped responding mid-entry, which is a stalled
// device, not "no more mappings".
func (s *Session) GetMappings() ([]Mapping, error) {
	var out []Mapping
	for _, dir := range []Direction{Tx, Rx} {
		index := readIndexFor(dir)
		for i := 0; i < maxMappingIterations; i++ {
			// Each read of sub-index 0 advances the device's internal
			// cursor to the next entry; an abort (or timeout) there means
			// the direction is exhausted.
			cobFrame := s.sdo.RequestAndWait(s.NodeID, index, 0, mappingOpTimeout)
			if _, isAbort := sdo.IsAbort(cobFrame); isAbort {
				break
			}
			if cobFrame.Data[0] == 0 {
				break
			}
			cobRaw := int32(leUint32(cobFrame.Data[4:8]))

			packedFrame := s.sdo.RequestAndWait(s.NodeID, index, 1, mappingOpTimeout)
			if _, isAbort := sdo.IsAbort(packedFrame); isAbort {
				break
			}
			if packedFrame.Data[0] == 0 {
				return out, &gwerr.ProtocolTimeout{Stage: "can-mapping sub-index 1"}
			}
			packedRaw := int32(leUint32(packedFrame.Data[4:8]))

			gainFrame := s.sdo.RequestAndWait(s.NodeID, index, 2, mappingOpTimeout)
			if _, isAbort := sdo.IsAbort(gainFrame); isAbort {
				break
			}
			if gainFrame.Data[0] == 0 {
				return out, &gwerr.ProtocolTimeout{Stage: "can-mapping sub-index 2"}
			}
			gainRaw := int32(leUint32(gainFrame.Data[4:8]))

			packed := uint32(packedRaw)
			gainOffset := uint32(gainRaw)
			out = append(out, Mapping{
				Direction:    dir,
				CobID:        uint32(cobRaw),
				ParamID:      uint16(packed & 0xFFFF),
				BitPosition:  uint8((packed >> 16) & 0xFF),
				BitLength:    uint8((packed >> 24) & 0xFF),
				Gain:         fixedpoint.GainFromWire(int32(gainOffset & 0xFFFFFF)),
				Offset:       int8((gainOffset >> 24) & 0xFF),
				ReadIndex:    index,
				ReadSubIndex: 0,
			})
		}
	}
	return out, nil
}

// AddMapping writes the three sub-indices of 0x3000 (Tx) / 0x3001 (Rx).
// Each write must succeed (not abort) for the mapping to be considered
// added.
func (s *Session) AddMapping(m Mapping) sdo.WriteResult {
	index := writeIndexFor(m.Direction)
	if res := s.sdo.WriteAndWait(s.NodeID, index, 0, m.CobID, mappingOpTimeout); res.Kind != sdo.WriteOK {
		return res
	}
	packed := uint32(m.ParamID) | uint32(m.BitPosition)<<16 | uint32(m.BitLength)<<24
	if res := s.sdo.WriteAndWait(s.NodeID, index, 1, packed, mappingOpTimeout); res.Kind != sdo.WriteOK {
		return res
	}
	gainOffset := uint32(fixedpoint.GainToWire(m.Gain))&0xFFFFFF | uint32(uint8(m.Offset))<<24
	return s.sdo.WriteAndWait(s.NodeID, index, 2, gainOffset, mappingOpTimeout)
}

// RemoveMapping writes 0 to the read-side index's sub-index 0, the
// convention for "remove the whole entry". An abort means the mapping did
// not exist.
func (s *Session) RemoveMapping(readIndex uint16) sdo.WriteResult {
	return s.sdo.WriteAndWait(s.NodeID, readIndex, 0, 0, mappingOpTimeout)
}

// ClearMappings repeatedly writes 0 to the direction's read-side
// sub-index 0 until the device aborts (meaning "empty").
func (s *Session) ClearMappings(dir Direction) int {
	index := readIndexFor(dir)
	cleared := 0
	for i := 0; i < maxMappingIterations; i++ {
		res := s.sdo.WriteAndWait(s.NodeID, index, 0, 0, mappingOpTimeout)
		if res.Kind != sdo.WriteOK {
			break
		}
		cleared++
	}
	return cleared
}
