package sdo

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/oi-gateway/canbridge/internal/canbus"
)

const (
	respInitSegmented byte = 0x41 // initiate upload, size specified, not expedited
)

var ErrSegmentedNotIndicated = errors.New("sdo: initiate-upload response did not indicate a segmented size")

// InitiateUpload issues the initiate-upload read and, if the response
// indicates a segmented transfer with a known size, returns that size.
func (c *Client) InitiateUpload(node uint8, index uint16, sub uint8, timeout time.Duration) (totalSize uint32, err error) {
	frame := c.RequestAndWait(node, index, sub, timeout)
	if code, isAbort := IsAbort(frame); isAbort {
		return 0, abortError(code)
	}
	if frame.Data[0] != respInitSegmented {
		return 0, ErrSegmentedNotIndicated
	}
	return binary.LittleEndian.Uint32(frame.Data[4:8]), nil
}

type abortError AbortCode

func (e abortError) Error() string {
	return "sdo: aborted, code=" + uint32ToHex(uint32(e))
}

func uint32ToHex(v uint32) string {
	const hex = "0123456789abcdef"
	buf := [8]byte{}
	for i := 7; i >= 0; i-- {
		buf[i] = hex[v&0xF]
		v >>= 4
	}
	return "0x" + string(buf[:])
}

// UploadSegment requests the next 7-byte segment using the given toggle bit
// and returns its payload, whether it was the last segment, and ok=false on
// timeout or abort.
func (c *Client) UploadSegment(node uint8, toggle uint8, timeout time.Duration) (chunk []byte, last bool, ok bool) {
	c.io.SDOClearPending()
	cmd := cmdSegmentRequestLow | (toggle << 4)
	var data [8]byte
	data[0] = cmd
	frame := canbus.Frame{ID: canbus.SDORequestBase + uint32(node), DLC: 8, Data: data}
	_ = c.io.TxSubmit(frame, 100*time.Millisecond)

	resp, recvOK := c.waitForResponseFromNode(node, timeout)
	if !recvOK {
		return nil, false, false
	}
	if _, isAbort := IsAbort(resp); isAbort {
		return nil, false, false
	}
	respCmd := resp.Data[0]
	last = respCmd&0x01 != 0
	n := (respCmd >> 1) & 0x07
	length := 7 - int(n)
	if length < 0 || length > 7 {
		return nil, false, false
	}
	return resp.Data[1 : 1+length], last, true
}
