package session

import (
	"time"

	"github.com/oi-gateway/canbridge/internal/sdo"
)

// Device command sub-indices of SDO 0x5002 (spec §4.C).
const (
	cmdSave     uint8 = 0
	cmdLoad     uint8 = 1
	cmdReset    uint8 = 2
	cmdDefaults uint8 = 3
	cmdStart    uint8 = 4
	cmdStop     uint8 = 5
)

const deviceCommandTimeout = 200 * time.Millisecond

func (s *Session) issueCommand(sub uint8, value uint32) bool {
	return s.sdo.WriteAndWait(s.NodeID, 0x5002, sub, value, deviceCommandTimeout).Kind == sdo.WriteOK
}

func (s *Session) SaveToFlash() bool    { return s.issueCommand(cmdSave, 1) }
func (s *Session) LoadFromFlash() bool  { return s.issueCommand(cmdLoad, 1) }
func (s *Session) Reset() bool          { return s.issueCommand(cmdReset, 1) }
func (s *Session) LoadDefaults() bool   { return s.issueCommand(cmdDefaults, 1) }
func (s *Session) StartDevice() bool    { return s.issueCommand(cmdStart, 1) }
func (s *Session) StopDevice() bool     { return s.issueCommand(cmdStop, 1) }
