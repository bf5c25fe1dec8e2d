package ws

import (
	"encoding/json"
	"fmt"

	"github.com/oi-gateway/canbridge/internal/dispatch"
	"github.com/oi-gateway/canbridge/internal/intervaltx"
	"github.com/oi-gateway/canbridge/internal/session"
)

// envelope is the wire shape of every inbound message (spec §4.K:
// "inbound uses action").
type envelope struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// byteArray unmarshals a plain JSON array of small integers into a
// []byte, since CAN payloads read far more naturally as [1,2,3] than as
// base64 on the wire.
type byteArray []byte

func (b *byteArray) UnmarshalJSON(raw []byte) error {
	var ints []int
	if err := json.Unmarshal(raw, &ints); err != nil {
		return err
	}
	out := make([]byte, len(ints))
	for i, v := range ints {
		out[i] = byte(v)
	}
	*b = out
	return nil
}

// decodeAction parses one inbound frame into a dispatch.Command. An
// unrecognised action or malformed payload is reported as an error so
// the caller can log and drop it (spec §7 BadInput: "logged and
// dropped; no user-visible response").
func decodeAction(raw []byte, clientID string) (dispatch.Command, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("ws: malformed envelope: %w", err)
	}

	cmd, err := buildCommand(env, clientID)
	if err != nil {
		return nil, fmt.Errorf("ws: action %q: %w", env.Action, err)
	}
	return cmd, nil
}

func buildCommand(env envelope, clientID string) (dispatch.Command, error) {
	switch env.Action {
	case "startScan":
		var p struct{ Start, End uint8 }
		if err := unmarshalInto(env.Data, &p); err != nil {
			return nil, err
		}
		cmd := dispatch.StartScan{Start: p.Start, End: p.End}
		cmd.ClientID = clientID
		return cmd, nil

	case "stopScan":
		cmd := dispatch.StopScan{}
		cmd.ClientID = clientID
		return cmd, nil

	case "connect":
		var p struct{ Node uint8 }
		if err := unmarshalInto(env.Data, &p); err != nil {
			return nil, err
		}
		cmd := dispatch.Connect{Node: p.Node}
		cmd.ClientID = clientID
		return cmd, nil

	case "disconnect":
		cmd := dispatch.Disconnect{}
		cmd.ClientID = clientID
		return cmd, nil

	case "setDeviceName":
		var p struct{ Serial, Name string }
		if err := unmarshalInto(env.Data, &p); err != nil {
			return nil, err
		}
		serial, err := session.ParseSerial(p.Serial)
		if err != nil {
			return nil, err
		}
		cmd := dispatch.SetDeviceName{Serial: serial, Name: p.Name}
		cmd.ClientID = clientID
		return cmd, nil

	case "deleteDevice":
		var p struct{ Serial string }
		if err := unmarshalInto(env.Data, &p); err != nil {
			return nil, err
		}
		serial, err := session.ParseSerial(p.Serial)
		if err != nil {
			return nil, err
		}
		cmd := dispatch.DeleteDevice{Serial: serial}
		cmd.ClientID = clientID
		return cmd, nil

	case "renameDevice":
		var p struct{ Serial, Name string }
		if err := unmarshalInto(env.Data, &p); err != nil {
			return nil, err
		}
		serial, err := session.ParseSerial(p.Serial)
		if err != nil {
			return nil, err
		}
		cmd := dispatch.RenameDevice{Serial: serial, Name: p.Name}
		cmd.ClientID = clientID
		return cmd, nil

	case "getNodeId":
		cmd := dispatch.GetNodeId{}
		cmd.ClientID = clientID
		return cmd, nil

	case "setNodeId":
		var p struct{ Node uint8 }
		if err := unmarshalInto(env.Data, &p); err != nil {
			return nil, err
		}
		cmd := dispatch.SetNodeId{Node: p.Node}
		cmd.ClientID = clientID
		return cmd, nil

	case "startSpotValues":
		var p struct {
			IDs        []uint16
			IntervalMs uint32
		}
		if err := unmarshalInto(env.Data, &p); err != nil {
			return nil, err
		}
		cmd := dispatch.StartSpotValues{IDs: p.IDs, IntervalMs: p.IntervalMs}
		cmd.ClientID = clientID
		return cmd, nil

	case "stopSpotValues":
		cmd := dispatch.StopSpotValues{}
		cmd.ClientID = clientID
		return cmd, nil

	case "updateParam":
		var p struct {
			ParamID uint16
			Value   float64
		}
		if err := unmarshalInto(env.Data, &p); err != nil {
			return nil, err
		}
		cmd := dispatch.UpdateParam{ParamID: p.ParamID, Value: p.Value}
		cmd.ClientID = clientID
		return cmd, nil

	case "getParamSchema":
		cmd := dispatch.GetParamSchema{}
		cmd.ClientID = clientID
		return cmd, nil

	case "getParamValues":
		cmd := dispatch.GetParamValues{}
		cmd.ClientID = clientID
		return cmd, nil

	case "reloadParams":
		cmd := dispatch.ReloadParams{}
		cmd.ClientID = clientID
		return cmd, nil

	case "resetDevice":
		cmd := dispatch.ResetDevice{}
		cmd.ClientID = clientID
		return cmd, nil

	case "getCanMappings":
		cmd := dispatch.GetCanMappings{}
		cmd.ClientID = clientID
		return cmd, nil

	case "addCanMapping":
		var p struct {
			Direction    uint8
			CobID        uint32
			ParamID      uint16
			BitPosition  uint8
			BitLength    uint8
			Gain         float64
			Offset       int8
			ReadIndex    uint16
			ReadSubIndex uint8
		}
		if err := unmarshalInto(env.Data, &p); err != nil {
			return nil, err
		}
		cmd := dispatch.AddCanMapping{Mapping: session.Mapping{
			Direction: session.Direction(p.Direction), CobID: p.CobID, ParamID: p.ParamID,
			BitPosition: p.BitPosition, BitLength: p.BitLength, Gain: p.Gain, Offset: p.Offset,
			ReadIndex: p.ReadIndex, ReadSubIndex: p.ReadSubIndex,
		}}
		cmd.ClientID = clientID
		return cmd, nil

	case "removeCanMapping":
		var p struct{ ReadIndex uint16 }
		if err := unmarshalInto(env.Data, &p); err != nil {
			return nil, err
		}
		cmd := dispatch.RemoveCanMapping{ReadIndex: p.ReadIndex}
		cmd.ClientID = clientID
		return cmd, nil

	case "saveToFlash":
		cmd := dispatch.SaveToFlash{}
		cmd.ClientID = clientID
		return cmd, nil

	case "loadFromFlash":
		cmd := dispatch.LoadFromFlash{}
		cmd.ClientID = clientID
		return cmd, nil

	case "loadDefaults":
		cmd := dispatch.LoadDefaults{}
		cmd.ClientID = clientID
		return cmd, nil

	case "startDevice":
		cmd := dispatch.StartDevice{}
		cmd.ClientID = clientID
		return cmd, nil

	case "stopDevice":
		cmd := dispatch.StopDevice{}
		cmd.ClientID = clientID
		return cmd, nil

	case "listErrors":
		cmd := dispatch.ListErrors{}
		cmd.ClientID = clientID
		return cmd, nil

	case "sendCanMessage":
		var p struct {
			CobID uint32
			Data  byteArray
		}
		if err := unmarshalInto(env.Data, &p); err != nil {
			return nil, err
		}
		cmd := dispatch.SendCanMessage{CobID: p.CobID, Data: p.Data}
		cmd.ClientID = clientID
		return cmd, nil

	case "startCanInterval":
		var p struct {
			ID         string
			CobID      uint32
			Data       byteArray
			IntervalMs uint32
		}
		if err := unmarshalInto(env.Data, &p); err != nil {
			return nil, err
		}
		cmd := dispatch.StartCanInterval{ID: p.ID, CobID: p.CobID, Data: p.Data, IntervalMs: p.IntervalMs}
		cmd.ClientID = clientID
		return cmd, nil

	case "stopCanInterval":
		var p struct{ ID string }
		if err := unmarshalInto(env.Data, &p); err != nil {
			return nil, err
		}
		cmd := dispatch.StopCanInterval{ID: p.ID}
		cmd.ClientID = clientID
		return cmd, nil

	case "startCanIoInterval":
		var p struct {
			CobID       uint32
			Pot, Pot2   uint16
			Flags       uint8
			CruiseSpeed uint16
			RegenPreset uint8
			UseCRC      bool
			IntervalMs  uint32
		}
		if err := unmarshalInto(env.Data, &p); err != nil {
			return nil, err
		}
		cmd := dispatch.StartCanIoInterval{IO: intervaltx.CanIO{
			CobID: p.CobID, Pot: p.Pot, Pot2: p.Pot2, Flags: p.Flags,
			CruiseSpeed: p.CruiseSpeed, RegenPreset: p.RegenPreset,
			UseCRC: p.UseCRC, IntervalMs: p.IntervalMs,
		}}
		cmd.ClientID = clientID
		return cmd, nil

	case "stopCanIoInterval":
		cmd := dispatch.StopCanIoInterval{}
		cmd.ClientID = clientID
		return cmd, nil

	case "updateCanIoFlags":
		var p struct {
			Pot, Pot2   uint16
			Flags       uint8
			CruiseSpeed uint16
			RegenPreset uint8
		}
		if err := unmarshalInto(env.Data, &p); err != nil {
			return nil, err
		}
		cmd := dispatch.UpdateCanIoFlags{
			Pot: p.Pot, Pot2: p.Pot2, Flags: p.Flags, CruiseSpeed: p.CruiseSpeed, RegenPreset: p.RegenPreset,
		}
		cmd.ClientID = clientID
		return cmd, nil

	default:
		return nil, fmt.Errorf("unknown action %q", env.Action)
	}
}

func unmarshalInto(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
