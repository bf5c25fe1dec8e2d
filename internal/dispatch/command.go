// Package dispatch implements the single-consumer command loop that owns
// the device session, mapping table, interval list, and spot-values
// manager (spec §4.H). Every Command variant below mirrors one action
// from spec §6's exhaustive action list.
package dispatch

import (
	"github.com/oi-gateway/canbridge/internal/intervaltx"
	"github.com/oi-gateway/canbridge/internal/session"
)

// Command is the dispatcher's single input type. ClientID names the
// submitting transport connection, used for point-to-point responses and
// lock ownership checks.
type Command interface {
	clientID() string
}

type base struct{ ClientID string }

func (b base) clientID() string { return b.ClientID }

type StartScan struct {
	base
	Start, End uint8
}

type StopScan struct{ base }

type Connect struct {
	base
	Node uint8
}

type Disconnect struct{ base }

type SetNodeId struct {
	base
	Node uint8
}

type GetNodeId struct{ base }

type SetDeviceName struct {
	base
	Serial session.Serial
	Name   string
}

type DeleteDevice struct {
	base
	Serial session.Serial
}

type RenameDevice struct {
	base
	Serial session.Serial
	Name   string
}

type StartSpotValues struct {
	base
	IDs        []uint16
	IntervalMs uint32
}

type StopSpotValues struct{ base }

type UpdateParam struct {
	base
	ParamID uint16
	Value   float64
}

type GetParamSchema struct{ base }
type GetParamValues struct{ base }
type ReloadParams struct{ base }
type ResetDevice struct{ base }
type GetCanMappings struct{ base }

type AddCanMapping struct {
	base
	Mapping session.Mapping
}

type RemoveCanMapping struct {
	base
	ReadIndex uint16
}

type SaveToFlash struct{ base }
type LoadFromFlash struct{ base }
type LoadDefaults struct{ base }
type StartDevice struct{ base }
type StopDevice struct{ base }
type ListErrors struct{ base }

type SendCanMessage struct {
	base
	CobID uint32
	Data  []byte
}

type StartCanInterval struct {
	base
	ID         string
	CobID      uint32
	Data       []byte
	IntervalMs uint32
}

type StopCanInterval struct {
	base
	ID string
}

type StartCanIoInterval struct {
	base
	IO intervaltx.CanIO
}

type StopCanIoInterval struct{ base }

type UpdateCanIoFlags struct {
	base
	Pot, Pot2   uint16
	Flags       uint8
	CruiseSpeed uint16
	RegenPreset uint8
}
