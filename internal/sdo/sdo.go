// Package sdo implements the CANopen-style Service Data Object protocol
// used to read and write device parameters: expedited transfers for single
// values, segmented upload for the schema JSON blob, and abort handling.
package sdo

import (
	"encoding/binary"
	"time"

	"github.com/oi-gateway/canbridge/internal/canbus"
)

// Command bytes, spec §4.B.
const (
	cmdReadRequest       byte = 0x40
	cmdWriteRequest      byte = 0x23
	cmdAbort             byte = 0x80
	cmdSegmentRequestLow byte = 0x60 // OR'd with toggle<<4

	respExpeditedUpload   byte = 0x43
	respExpeditedDownload byte = 0x60
	respAbort             byte = 0x80
)

// AbortCode is the 32-bit SDO abort code carried in bytes 4..7 of an abort
// response.
type AbortCode uint32

const (
	AbortUnknownIndex  AbortCode = 0x06020000
	AbortValueOutOfRng AbortCode = 0x06090030
	AbortGeneral       AbortCode = 0x08000000
)

// Client issues SDO requests over a canbus.IO and waits for responses.
type Client struct {
	io *canbus.IO
}

func NewClient(io *canbus.IO) *Client {
	return &Client{io: io}
}

func requestFrame(node uint8, cmd byte, index uint16, sub uint8, value uint32) canbus.Frame {
	var data [8]byte
	data[0] = cmd
	binary.LittleEndian.PutUint16(data[1:3], index)
	data[3] = sub
	binary.LittleEndian.PutUint32(data[4:8], value)
	return canbus.Frame{ID: canbus.SDORequestBase + uint32(node), DLC: 8, Data: data}
}

// RequestElement fires a fire-and-forget expedited read.
func (c *Client) RequestElement(node uint8, index uint16, sub uint8) {
	_ = c.io.TxSubmit(requestFrame(node, cmdReadRequest, index, sub, 0), 100*time.Millisecond)
}

// RequestElementNonblocking attempts a fire-and-forget read without
// waiting; it returns false if the TX queue is full.
func (c *Client) RequestElementNonblocking(node uint8, index uint16, sub uint8) bool {
	return c.io.TxSubmitNonblocking(requestFrame(node, cmdReadRequest, index, sub, 0))
}

// SetValue fires a fire-and-forget expedited write.
func (c *Client) SetValue(node uint8, index uint16, sub uint8, value uint32) {
	_ = c.io.TxSubmit(requestFrame(node, cmdWriteRequest, index, sub, value), 100*time.Millisecond)
}

// WaitForResponse waits for the next SDO-response frame, up to timeout. A
// timeout returns the zero frame with ok=false so callers can distinguish
// "no response" from an abort.
func (c *Client) WaitForResponse(timeout time.Duration) (canbus.Frame, bool) {
	return c.io.SDORecv(timeout)
}

// PollResponse returns a pending SDO-response frame without waiting.
func (c *Client) PollResponse() (canbus.Frame, bool) {
	return c.io.SDORecvNonblocking()
}

// waitForResponseFromNode waits up to timeout for a response whose
// identifier matches node, silently discarding responses from any other
// node (e.g. cross-talk while a discovery scan is probing a different node
// concurrently on the shared bus). This is the node-matching invariant of
// spec §8: a response is only accepted for the node it claims to be from.
func (c *Client) waitForResponseFromNode(node uint8, timeout time.Duration) (canbus.Frame, bool) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return canbus.Frame{}, false
		}
		frame, ok := c.io.SDORecv(remaining)
		if !ok {
			return canbus.Frame{}, false
		}
		if got, isResp := canbus.IsSDOResponse(frame.ID); isResp && got == node {
			return frame, true
		}
		// response from a different node: keep waiting for ours
	}
}

// WriteResultKind is the outcome of WriteAndWait.
type WriteResultKind uint8

const (
	WriteOK WriteResultKind = iota
	WriteAbort
	WriteTimeout
)

type WriteResult struct {
	Kind      WriteResultKind
	AbortCode AbortCode
}

// WriteAndWait clears any pending response, issues an expedited write, and
// inspects the reply.
func (c *Client) WriteAndWait(node uint8, index uint16, sub uint8, value uint32, timeout time.Duration) WriteResult {
	c.io.SDOClearPending()
	_ = c.io.TxSubmit(requestFrame(node, cmdWriteRequest, index, sub, value), 100*time.Millisecond)
	frame, ok := c.waitForResponseFromNode(node, timeout)
	if !ok {
		return WriteResult{Kind: WriteTimeout}
	}
	if frame.Data[0] == respAbort {
		return WriteResult{Kind: WriteAbort, AbortCode: AbortCode(binary.LittleEndian.Uint32(frame.Data[4:8]))}
	}
	return WriteResult{Kind: WriteOK}
}

// RequestAndWait clears any pending response, issues an expedited read, and
// returns the raw response frame (zeroed on timeout).
func (c *Client) RequestAndWait(node uint8, index uint16, sub uint8, timeout time.Duration) canbus.Frame {
	c.io.SDOClearPending()
	_ = c.io.TxSubmit(requestFrame(node, cmdReadRequest, index, sub, 0), 100*time.Millisecond)
	frame, _ := c.waitForResponseFromNode(node, timeout)
	return frame
}

// RequestValue is a convenience wrapper over RequestAndWait that extracts
// the signed 32-bit payload of a successful expedited upload.
func (c *Client) RequestValue(node uint8, index uint16, sub uint8, timeout time.Duration) (int32, bool) {
	frame := c.RequestAndWait(node, index, sub, timeout)
	if frame.Data[0] != respExpeditedUpload {
		return 0, false
	}
	return int32(binary.LittleEndian.Uint32(frame.Data[4:8])), true
}

// IsAbort reports whether frame is an SDO abort response, and if so its
// code.
func IsAbort(frame canbus.Frame) (AbortCode, bool) {
	if frame.Data[0] != respAbort {
		return 0, false
	}
	return AbortCode(binary.LittleEndian.Uint32(frame.Data[4:8])), true
}

// IsExpeditedDownloadConfirm reports whether frame confirms an expedited
// write.
func IsExpeditedDownloadConfirm(frame canbus.Frame) bool {
	return frame.Data[0] == respExpeditedDownload
}
