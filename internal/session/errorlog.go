package session

import (
	"fmt"
	"time"
)

const maxErrorLogEntries = 255

// ErrorLogEntry is one decoded entry of the device error log.
type ErrorLogEntry struct {
	TimeMs      int64
	Code        int32
	Description string
}

// tickDuration picks the display tick, per spec §4.C: 1000ms if the
// schema's uptime parameter reports seconds, else 10ms.
func (s *Session) tickDuration() time.Duration {
	if s.Schema != nil {
		if p, ok := s.Schema.Parameters["uptime"]; ok && (p.Unit == "sec" || p.Unit == "s") {
			return time.Second
		}
	}
	return 10 * time.Millisecond
}

func (s *Session) describeError(code int32) string {
	if s.Schema == nil {
		return fmt.Sprintf("error %d", code)
	}
	if p, ok := s.Schema.Parameters["lasterr"]; ok && p.LastErr != nil {
		if desc, ok := p.LastErr[fmt.Sprintf("%d", code)]; ok {
			return desc
		}
	}
	return fmt.Sprintf("error %d", code)
}

// ReadErrorLog reads up to 255 entries from SDO 0x5003 (tick count) and
// 0x5004 (error number), stopping at the first unanswered slot.
func (s *Session) ReadErrorLog() []ErrorLogEntry {
	tick := s.tickDuration()
	var entries []ErrorLogEntry
	for i := 0; i < maxErrorLogEntries; i++ {
		sub := uint8(i)
		ticks, ok := s.sdo.RequestValue(s.NodeID, 0x5003, sub, mappingOpTimeout)
		if !ok {
			break
		}
		code, ok := s.sdo.RequestValue(s.NodeID, 0x5004, sub, mappingOpTimeout)
		if !ok {
			break
		}
		entries = append(entries, ErrorLogEntry{
			TimeMs:      int64(ticks) * tick.Milliseconds(),
			Code:        code,
			Description: s.describeError(code),
		})
	}
	return entries
}
