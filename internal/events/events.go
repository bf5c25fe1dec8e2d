// Package events implements the one-to-one mapping from an internal
// Event to the wire envelope {"event": string, "data": object} (spec
// §4.J, §6). Events destined for every connected client are broadcast;
// events tagged with a ClientID are delivered point-to-point.
package events

import "encoding/json"

// Event is anything the dispatcher can emit. Name is the wire "event"
// tag; Data is marshalled as the envelope's "data" object. A non-empty
// ClientID restricts delivery to that one client.
type Event struct {
	Name     string
	Data     any
	ClientID string
}

func (e Event) Broadcast() bool { return e.ClientID == "" }

// envelope is the wire shape of every outbound message.
type envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Marshal renders an Event as its JSON envelope.
func Marshal(e Event) ([]byte, error) {
	data := e.Data
	if data == nil {
		data = struct{}{}
	}
	return json.Marshal(envelope{Event: e.Name, Data: data})
}

// Event name constants, the exhaustive list from spec §6.
const (
	DeviceDiscovered    = "deviceDiscovered"
	ScanStatus          = "scanStatus"
	ScanProgress        = "scanProgress"
	Connected           = "connected"
	Disconnected        = "disconnected"
	NodeIdInfo          = "nodeIdInfo"
	NodeIdSet           = "nodeIdSet"
	SpotValuesStatus    = "spotValuesStatus"
	SpotValues          = "spotValues"
	DeviceNameSet       = "deviceNameSet"
	DeviceDeleted       = "deviceDeleted"
	DeviceRenamed       = "deviceRenamed"
	DeviceUnlocked      = "deviceUnlocked"
	CanMessageSent      = "canMessageSent"
	CanIntervalStatus   = "canIntervalStatus"
	CanIoIntervalStatus = "canIoIntervalStatus"
	CanMappingsData     = "canMappingsData"
	CanMappingAdded     = "canMappingAdded"
	CanMappingRemoved   = "canMappingRemoved"
	ParamSchemaData     = "paramSchemaData"
	ParamSchemaError    = "paramSchemaError"
	ParamValuesData     = "paramValuesData"
	ParamValuesError    = "paramValuesError"
	ParamUpdateSuccess  = "paramUpdateSuccess"
	ParamUpdateError    = "paramUpdateError"
	ParamsReloaded      = "paramsReloaded"
	ParamsError         = "paramsError"
	DeviceReset          = "deviceReset"
	DeviceResetError     = "deviceResetError"
	SaveToFlashSuccess   = "saveToFlashSuccess"
	SaveToFlashError     = "saveToFlashError"
	LoadFromFlashSuccess = "loadFromFlashSuccess"
	LoadFromFlashError   = "loadFromFlashError"
	LoadDefaultsSuccess  = "loadDefaultsSuccess"
	LoadDefaultsError    = "loadDefaultsError"
	StartDeviceSuccess   = "startDeviceSuccess"
	StartDeviceError     = "startDeviceError"
	StopDeviceSuccess    = "stopDeviceSuccess"
	StopDeviceError      = "stopDeviceError"
	ListErrorsSuccess    = "listErrorsSuccess"
	JsonProgress         = "jsonProgress"
	OtaProgress          = "otaProgress"
	OtaSuccess           = "otaSuccess"
	OtaError             = "otaError"
	Error                = "error"
)
