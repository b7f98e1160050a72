// Package coe implements CANopen-over-EtherCAT SDO object-dictionary
// access: the client (master) upload/download state machine and the
// server (slave) request handler, riding over package mailbox.
package coe

import "encoding/binary"

// Service is the CoE header's service-type nibble. Values follow the
// ETG1000-6 CoE service numbering.
type Service uint8

const (
	ServiceEmergency    Service = 1
	ServiceSDORequest   Service = 2
	ServiceSDOResponse  Service = 3
	ServiceTxPDO        Service = 4
	ServiceRxPDO        Service = 5
	ServiceSDOInfo      Service = 8
)

// HeaderSize is the 2-byte CoE header preceding the ServiceData block.
const HeaderSize = 2

// EncodeHeader packs the CoE header: low 9 bits number (unused, always
// 0 here), high 4 bits service.
func EncodeHeader(service Service) []byte {
	v := uint16(service&0x0F) << 12
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint16(buf, v)
	return buf
}

// DecodeHeader extracts the service field from a 2-byte CoE header.
func DecodeHeader(buf []byte) Service {
	v := binary.LittleEndian.Uint16(buf)
	return Service(v >> 12)
}
