// Package gwerr defines the error taxonomy surfaced at the protocol-task
// boundary (spec §7). None of these ever crash the protocol task; the
// dispatcher maps each to a user-facing event and continues.
package gwerr

import (
	"errors"
	"fmt"

	"github.com/oi-gateway/canbridge/internal/sdo"
)

// BusTransient covers TX queue full, RX timeout, or "no SDO response".
type BusTransient struct{ Reason string }

func (e *BusTransient) Error() string { return "bus transient: " + e.Reason }

// SdoAbort wraps a device-reported SDO abort code.
type SdoAbort struct{ Code sdo.AbortCode }

func (e *SdoAbort) Error() string { return fmt.Sprintf("sdo abort: 0x%08X", uint32(e.Code)) }

// UserMessage maps an abort code to the user-facing text spec §7 names.
func (e *SdoAbort) UserMessage() string {
	switch e.Code {
	case sdo.AbortUnknownIndex:
		return "Unknown parameter"
	case sdo.AbortValueOutOfRng:
		return "Value out of range"
	default:
		return "Device error"
	}
}

// ErrSessionBusy is returned when a command requires an Idle session but
// the session is mid-transition.
var ErrSessionBusy = errors.New("device is busy")

// LockConflict is returned when another client already owns the node.
type LockConflict struct {
	NodeID uint8
}

func (e *LockConflict) Error() string { return fmt.Sprintf("node %d is locked by another client", e.NodeID) }

// ProtocolTimeout is returned when a session state overstays its budget
// (serial acquisition, per-segment schema download).
type ProtocolTimeout struct{ Stage string }

func (e *ProtocolTimeout) Error() string { return "protocol timeout during " + e.Stage }

// ErrBadInput marks a malformed command from the transport; callers should
// log and drop it silently, per spec §7.
var ErrBadInput = errors.New("malformed command")

// FirmwareFatal covers file IO failure or a final CRC mismatch.
type FirmwareFatal struct{ Reason string }

func (e *FirmwareFatal) Error() string { return "firmware update failed: " + e.Reason }
