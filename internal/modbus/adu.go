// Package modbus implements the Modbus TCP transport described in
// spec.md §4.2: a pooled-connection client that reads FC3 holding
// register blocks and issues FC6/FC16 writes, with bounded retries and
// a single "transport failure" error kind on final failure.
//
// The MBAP framing (transaction id, protocol id, length, unit id)
// follows the standard Modbus TCP application header; encoding here is
// deliberately minimal (geometry only, no server-side state) since the
// gateway is a client only.
package modbus

import (
	"encoding/binary"
	"fmt"
)

// Function codes used by this transport (spec.md §4.2: only FC3 for
// reads, FC6/FC16 for writes).
const (
	fcReadHoldingRegisters   = 3
	fcWriteSingleRegister    = 6
	fcWriteMultipleRegisters = 16
)

const mbapHeaderSize = 7

// buildReadADU builds an MBAP+PDU request for FC3.
func buildReadADU(tid uint16, unitID uint8, start, quantity uint16) []byte {
	adu := make([]byte, mbapHeaderSize+5)
	binary.BigEndian.PutUint16(adu[0:2], tid)
	binary.BigEndian.PutUint16(adu[2:4], 0) // protocol id
	binary.BigEndian.PutUint16(adu[4:6], 6) // length: unit id + PDU
	adu[6] = unitID
	adu[7] = fcReadHoldingRegisters
	binary.BigEndian.PutUint16(adu[8:10], start)
	binary.BigEndian.PutUint16(adu[10:12], quantity)
	return adu
}

// buildWriteSingleADU builds an MBAP+PDU request for FC6.
func buildWriteSingleADU(tid uint16, unitID uint8, addr uint16, value uint16) []byte {
	adu := make([]byte, mbapHeaderSize+5)
	binary.BigEndian.PutUint16(adu[0:2], tid)
	binary.BigEndian.PutUint16(adu[2:4], 0)
	binary.BigEndian.PutUint16(adu[4:6], 6)
	adu[6] = unitID
	adu[7] = fcWriteSingleRegister
	binary.BigEndian.PutUint16(adu[8:10], addr)
	binary.BigEndian.PutUint16(adu[10:12], value)
	return adu
}

// buildWriteMultipleADU builds an MBAP+PDU request for FC16.
func buildWriteMultipleADU(tid uint16, unitID uint8, start uint16, values []uint16) []byte {
	byteCount := len(values) * 2
	adu := make([]byte, mbapHeaderSize+6+byteCount)
	binary.BigEndian.PutUint16(adu[0:2], tid)
	binary.BigEndian.PutUint16(adu[2:4], 0)
	binary.BigEndian.PutUint16(adu[4:6], uint16(1+6+byteCount)) // unitID(1)+PDU header(6)+data
	adu[6] = unitID
	adu[7] = fcWriteMultipleRegisters
	binary.BigEndian.PutUint16(adu[8:10], start)
	binary.BigEndian.PutUint16(adu[10:12], uint16(len(values)))
	adu[12] = byte(byteCount)
	for i, v := range values {
		binary.BigEndian.PutUint16(adu[13+i*2:15+i*2], v)
	}
	return adu
}

// aduResponse is the decoded response envelope.
type aduResponse struct {
	tid       uint16
	unitID    uint8
	fc        uint8
	exception *uint8
	payload   []byte
}

// decodeADU parses an MBAP+PDU response.
func decodeADU(raw []byte) (aduResponse, error) {
	if len(raw) < mbapHeaderSize+1 {
		return aduResponse{}, fmt.Errorf("modbus: short response (%d bytes)", len(raw))
	}
	resp := aduResponse{
		tid:    binary.BigEndian.Uint16(raw[0:2]),
		unitID: raw[6],
		fc:     raw[7],
	}
	if resp.fc&0x80 != 0 {
		code := raw[8]
		resp.exception = &code
		resp.fc &^= 0x80
		return resp, nil
	}
	resp.payload = raw[8:]
	return resp, nil
}

// unpackRegisters returns the data bytes of an FC3 payload (byteCount + data).
func unpackRegisters(payload []byte) ([]byte, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("modbus: empty read-registers payload")
	}
	byteCount := int(payload[0])
	if len(payload)-1 < byteCount {
		return nil, fmt.Errorf("modbus: read-registers payload shorter than declared byte count")
	}
	return payload[1 : 1+byteCount], nil
}
