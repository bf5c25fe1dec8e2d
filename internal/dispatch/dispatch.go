package dispatch

import (
	"io"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/oi-gateway/canbridge/internal/canbus"
	"github.com/oi-gateway/canbridge/internal/discovery"
	"github.com/oi-gateway/canbridge/internal/events"
	"github.com/oi-gateway/canbridge/internal/firmware"
	"github.com/oi-gateway/canbridge/internal/fixedpoint"
	"github.com/oi-gateway/canbridge/internal/gwerr"
	"github.com/oi-gateway/canbridge/internal/intervaltx"
	"github.com/oi-gateway/canbridge/internal/lock"
	"github.com/oi-gateway/canbridge/internal/sdo"
	"github.com/oi-gateway/canbridge/internal/session"
	"github.com/oi-gateway/canbridge/internal/spotvalues"
)

// Dispatcher is the sole mutator of the device session, the mapping
// table, the interval list, and the spot-values manager (spec §4.H). It
// is driven exclusively by the protocol task's loop: Dispatch for
// commands, Tick for periodic work.
type Dispatcher struct {
	log *log.Entry

	io       *canbus.IO
	sdo      *sdo.Client
	session  *session.Session
	scanner  *discovery.Scanner
	registry *discovery.Registry
	spot     *spotvalues.Manager
	interval *intervaltx.Transmitter
	firmware *firmware.Updater
	locks    *lock.Manager

	connectedClient string
	schemaRequester string
}

func New(busIO *canbus.IO, sdoClient *sdo.Client, sess *session.Session, scanner *discovery.Scanner, reg *discovery.Registry, spot *spotvalues.Manager, tx *intervaltx.Transmitter, fw *firmware.Updater, locks *lock.Manager, logger *log.Entry) *Dispatcher {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Dispatcher{
		log: logger.WithField("component", "dispatch"), io: busIO, sdo: sdoClient, session: sess,
		scanner: scanner, registry: reg, spot: spot, interval: tx, firmware: fw, locks: locks,
	}
}

// Dispatch processes exactly one command synchronously and returns zero
// or more events to enqueue.
func (d *Dispatcher) Dispatch(cmd Command) []events.Event {
	switch c := cmd.(type) {
	case StartScan:
		return d.startScan(c)
	case StopScan:
		d.scanner.Stop()
		return one(events.Event{Name: events.ScanStatus, Data: map[string]any{"active": false}})
	case Connect:
		return d.connect(c)
	case Disconnect:
		return d.disconnect(c)
	case SetNodeId:
		return d.setNodeID(c)
	case GetNodeId:
		return one(events.Event{ClientID: c.ClientID, Name: events.NodeIdInfo,
			Data: map[string]any{"id": d.session.NodeID, "speed": d.session.BaudRate}})
	case SetDeviceName:
		ok := d.registry.Rename(c.Serial, c.Name)
		return one(events.Event{Name: events.DeviceNameSet, Data: map[string]any{"serial": c.Serial.String(), "success": ok}})
	case DeleteDevice:
		ok := d.registry.Delete(c.Serial)
		return one(events.Event{Name: events.DeviceDeleted, Data: map[string]any{"serial": c.Serial.String(), "success": ok}})
	case RenameDevice:
		ok := d.registry.Rename(c.Serial, c.Name)
		return one(events.Event{Name: events.DeviceRenamed, Data: map[string]any{"serial": c.Serial.String(), "name": c.Name, "success": ok}})
	case StartSpotValues:
		d.spot.Start(d.session.NodeID, c.IDs, time.Duration(c.IntervalMs)*time.Millisecond)
		return one(events.Event{Name: events.SpotValuesStatus, Data: map[string]any{"active": true}})
	case StopSpotValues:
		final := d.spot.Stop()
		out := []events.Event{{Name: events.SpotValuesStatus, Data: map[string]any{"active": false}}}
		if final != nil {
			out = append(out, events.Event{Name: events.SpotValues, Data: map[string]any{"values": stringKeyed(final)}})
		}
		return out
	case UpdateParam:
		return d.updateParam(c)
	case GetParamSchema:
		return d.getParamSchema(c)
	case GetParamValues:
		return d.getParamValues(c)
	case ReloadParams:
		if err := d.session.RequestSchema(); err != nil {
			return one(events.Event{ClientID: c.ClientID, Name: events.ParamsError, Data: errorPayload(err)})
		}
		d.schemaRequester = c.ClientID
		return nil
	case ResetDevice:
		if d.session.Reset() {
			return one(events.Event{Name: events.DeviceReset, Data: nil})
		}
		return one(events.Event{Name: events.DeviceResetError, Data: nil})
	case GetCanMappings:
		return d.getCanMappings(c)
	case AddCanMapping:
		res := d.session.AddMapping(c.Mapping)
		if res.Kind != sdo.WriteOK {
			return one(events.Event{ClientID: c.ClientID, Name: events.ParamUpdateError, Data: writeErrorPayload(res)})
		}
		return one(events.Event{Name: events.CanMappingAdded, Data: nil})
	case RemoveCanMapping:
		res := d.session.RemoveMapping(c.ReadIndex)
		return one(events.Event{Name: events.CanMappingRemoved, Data: map[string]any{"success": res.Kind == sdo.WriteOK}})
	case SaveToFlash:
		return d.boolCommand(d.session.SaveToFlash(), events.SaveToFlashSuccess, events.SaveToFlashError)
	case LoadFromFlash:
		return d.boolCommand(d.session.LoadFromFlash(), events.LoadFromFlashSuccess, events.LoadFromFlashError)
	case LoadDefaults:
		return d.boolCommand(d.session.LoadDefaults(), events.LoadDefaultsSuccess, events.LoadDefaultsError)
	case StartDevice:
		return d.boolCommand(d.session.StartDevice(), events.StartDeviceSuccess, events.StartDeviceError)
	case StopDevice:
		return d.boolCommand(d.session.StopDevice(), events.StopDeviceSuccess, events.StopDeviceError)
	case ListErrors:
		entries := d.session.ReadErrorLog()
		return one(events.Event{ClientID: c.ClientID, Name: events.ListErrorsSuccess, Data: map[string]any{"entries": entries}})
	case SendCanMessage:
		ok := d.io.TxSubmitNonblocking(canbus.NewFrame(c.CobID, c.Data...))
		return one(events.Event{Name: events.CanMessageSent, Data: map[string]any{"success": ok}})
	case StartCanInterval:
		d.interval.Upsert(intervaltx.Message{ID: c.ID, CobID: c.CobID, Data: c.Data, IntervalMs: c.IntervalMs})
		return one(events.Event{Name: events.CanIntervalStatus, Data: map[string]any{"id": c.ID, "active": true}})
	case StopCanInterval:
		removed := d.interval.Remove(c.ID)
		return one(events.Event{Name: events.CanIntervalStatus, Data: map[string]any{"id": c.ID, "active": false, "existed": removed}})
	case StartCanIoInterval:
		d.interval.StartCanIO(c.IO)
		return one(events.Event{Name: events.CanIoIntervalStatus, Data: map[string]any{"active": true}})
	case StopCanIoInterval:
		d.interval.StopCanIO()
		return one(events.Event{Name: events.CanIoIntervalStatus, Data: map[string]any{"active": false}})
	case UpdateCanIoFlags:
		d.interval.UpdateCanIO(c.Pot, c.Pot2, c.Flags, c.CruiseSpeed, c.RegenPreset)
		return nil
	default:
		d.log.WithField("command", cmd).Warn("unrecognised command")
		return nil
	}
}

func (d *Dispatcher) startScan(c StartScan) []events.Event {
	if d.session.State != session.StateIdle {
		return one(events.Event{ClientID: c.ClientID, Name: events.Error, Data: errorPayload(gwerr.ErrSessionBusy)})
	}
	d.scanner.Start(c.Start, c.End)
	return one(events.Event{Name: events.ScanStatus, Data: map[string]any{"active": true}})
}

func (d *Dispatcher) connect(c Connect) []events.Event {
	if !d.locks.Acquire(c.Node, c.ClientID) {
		return one(events.Event{ClientID: c.ClientID, Name: events.Error, Data: map[string]any{
			"type": "device_locked", "nodeId": c.Node, "message": (&gwerr.LockConflict{NodeID: c.Node}).Error(),
		}})
	}
	d.interval.StopCanIO()
	d.connectedClient = c.ClientID
	d.session.Connect(c.Node, d.session.BaudRate, d.session.TxPin, d.session.RxPin)
	return one(events.Event{ClientID: c.ClientID, Name: events.Connected, Data: map[string]any{"node": c.Node}})
}

// disconnect releases c's lock and stops the spot-values subscription.
// Interval messages and the CAN-IO slot are left as they are and keep
// transmitting. Per spec the transport surface broadcasts deviceUnlocked to every
// client (not just the one disconnecting) so other clients' device
// lists update; the disconnecting client also gets a direct
// acknowledgement.
func (d *Dispatcher) disconnect(c Disconnect) []events.Event {
	node, released := d.locks.ReleaseClient(c.ClientID)
	d.spot.Stop()
	if !released {
		return nil
	}
	if d.connectedClient == c.ClientID {
		d.connectedClient = ""
	}
	return []events.Event{
		{ClientID: c.ClientID, Name: events.Disconnected, Data: map[string]any{"node": node}},
		{Name: events.DeviceUnlocked, Data: map[string]any{"nodeId": node}},
	}
}

// ConnectedClient returns the id of the client that currently owns the
// active session, if any.
func (d *Dispatcher) ConnectedClient() string { return d.connectedClient }

func (d *Dispatcher) setNodeID(c SetNodeId) []events.Event {
	d.session.Connect(c.Node, d.session.BaudRate, d.session.TxPin, d.session.RxPin)
	return one(events.Event{Name: events.NodeIdSet, Data: map[string]any{"node": c.Node}})
}

func (d *Dispatcher) updateParam(c UpdateParam) []events.Event {
	index, sub := session.ParamValueIndex(c.ParamID)
	raw := fixedpoint.ParameterToWire(c.Value)
	res := d.sdo.WriteAndWait(d.session.NodeID, index, sub, uint32(raw), 200*time.Millisecond)
	if res.Kind != sdo.WriteOK {
		return one(events.Event{ClientID: c.ClientID, Name: events.ParamUpdateError, Data: writeErrorPayload(res)})
	}
	return one(events.Event{ClientID: c.ClientID, Name: events.ParamUpdateSuccess, Data: map[string]any{"paramId": c.ParamID}})
}

func (d *Dispatcher) getParamSchema(c GetParamSchema) []events.Event {
	if d.session.Schema == nil {
		return one(events.Event{ClientID: c.ClientID, Name: events.ParamSchemaError, Data: errorPayload(gwerr.ErrSessionBusy)})
	}
	return one(events.Event{ClientID: c.ClientID, Name: events.ParamSchemaData, Data: d.session.Schema})
}

func (d *Dispatcher) getParamValues(c GetParamValues) []events.Event {
	return one(events.Event{ClientID: c.ClientID, Name: events.ParamValuesData, Data: d.spot.LatestValues()})
}

func (d *Dispatcher) getCanMappings(c GetCanMappings) []events.Event {
	mappings, err := d.session.GetMappings()
	if err != nil {
		return one(events.Event{ClientID: c.ClientID, Name: events.ParamsError, Data: errorPayload(err)})
	}
	return one(events.Event{ClientID: c.ClientID, Name: events.CanMappingsData, Data: map[string]any{"mappings": mappings}})
}

func (d *Dispatcher) boolCommand(ok bool, successEvent, errorEvent string) []events.Event {
	if ok {
		return one(events.Event{Name: successEvent, Data: nil})
	}
	return one(events.Event{Name: errorEvent, Data: nil})
}

func one(e events.Event) []events.Event { return []events.Event{e} }

func errorPayload(err error) map[string]any { return map[string]any{"message": err.Error()} }

func writeErrorPayload(res sdo.WriteResult) map[string]any {
	if res.Kind == sdo.WriteAbort {
		abort := &gwerr.SdoAbort{Code: res.AbortCode}
		return map[string]any{"message": abort.UserMessage()}
	}
	return map[string]any{"message": "device did not respond"}
}

// BeginFirmwareUpdate resets the connected device and starts the
// bootloader handshake against file. Per spec §4.D the device is issued
// a reset=2 command and given 500ms to reboot into the bootloader before
// the updater enters SendMagic.
func (d *Dispatcher) BeginFirmwareUpdate(file io.ReaderAt, size int64) {
	d.session.Reset()
	time.Sleep(500 * time.Millisecond)
	d.firmware.Begin(file, size)
}

// Tick runs the periodic half of the protocol task's loop: session
// serial/schema advance, discovery advance, spot-values polling, and
// interval/CAN-IO transmission. It returns any events produced (a
// discovery hit, a connection-ready or schema completion, a flushed
// spot-values batch).
func (d *Dispatcher) Tick(now time.Time) []events.Event {
	var out []events.Event

	out = append(out, d.advanceSession()...)

	idle := d.session.State == session.StateIdle
	if dev := d.scanner.Advance(idle); dev != nil {
		out = append(out, events.Event{Name: events.DeviceDiscovered, Data: map[string]any{
			"serial": dev.Serial.String(), "nodeId": dev.NodeID, "name": dev.Name,
		}})
	} else if d.scanner.Active() && idle {
		out = append(out, events.Event{Name: events.ScanProgress, Data: map[string]any{"currentNode": d.scanner.CurrentNode()}})
	}

	if batch := d.spot.Tick(now); batch != nil {
		out = append(out, events.Event{Name: events.SpotValues, Data: map[string]any{"values": stringKeyed(batch)}})
	}

	d.interval.Tick(now)

	if d.firmware.State() == firmware.StateRequestJson {
		d.firmware.TickRequestJson(func() bool {
			_, ok := d.sdo.RequestValue(d.session.NodeID, 0x5000, 0, 100*time.Millisecond)
			return ok
		})
	}

	return out
}

// advanceSession drives whichever of the session's serial/schema state
// machines is active this tick, turning a completion into the event it
// implies (spec §4.C: "emit a connection-ready event carrying the 128-bit
// serial once complete" for ObtainSerial; ReloadParams's requester gets
// paramsReloaded plus the freshly parsed schema for ObtainSchema).
func (d *Dispatcher) advanceSession() []events.Event {
	switch d.session.State {
	case session.StateObtainSerial:
		ready, err := d.session.AdvanceObtainSerial()
		if err != nil {
			return one(events.Event{Name: events.Error, Data: errorPayload(err)})
		}
		if ready {
			return one(events.Event{Name: events.Connected, Data: map[string]any{
				"node": d.session.NodeID, "serial": d.session.Serial.String(),
			}})
		}
		return nil

	case session.StateObtainSchema:
		requester := d.schemaRequester
		var progress []events.Event
		done, err := d.session.AdvanceObtainSchema(func(chunk []byte) {
			if d.session.SchemaProgressEligible() {
				received, total := d.session.SchemaProgress()
				progress = append(progress, events.Event{ClientID: requester, Name: events.JsonProgress,
					Data: map[string]any{"received": received, "total": total}})
			}
		})
		if err != nil {
			d.schemaRequester = ""
			return one(events.Event{ClientID: requester, Name: events.ParamsError, Data: errorPayload(err)})
		}
		if done {
			d.schemaRequester = ""
			return []events.Event{
				{ClientID: requester, Name: events.ParamsReloaded, Data: map[string]any{"success": true}},
				{ClientID: requester, Name: events.ParamSchemaData, Data: d.session.Schema},
			}
		}
		return progress

	default:
		return nil
	}
}

func stringKeyed(values map[uint16]float64) map[string]float64 {
	out := make(map[string]float64, len(values))
	for k, v := range values {
		out[itoa(k)] = v
	}
	return out
}

func itoa(id uint16) string {
	const digits = "0123456789"
	if id == 0 {
		return "0"
	}
	var buf [5]byte
	i := len(buf)
	for id > 0 {
		i--
		buf[i] = digits[id%10]
		id /= 10
	}
	return string(buf[i:])
}
