// Package mailbox implements the bidirectional mailbox subsystem: header
// framing, session-counter cycling, and the requestor (master, Client)
// and responder (slave, Responder) queue/state-stepping machinery riding
// over sync-managed RAM windows.
package mailbox

import "encoding/binary"

// HeaderSize is the 6-byte mailbox header preceding every message.
const HeaderSize = 6

// Type is the mailbox protocol tag carried in the header's type nibble.
type Type uint8

const (
	TypeErr Type = 0x0
	TypeAoE Type = 0x1
	TypeEoE Type = 0x2
	TypeCoE Type = 0x3
	TypeFoE Type = 0x4
	TypeSoE Type = 0x5
	TypeVoE Type = 0xF
)

// gatewayBit is the MSB of the 16-bit address field: set, it tags a
// message that must not be processed locally and whose reply is routed
// back via GatewayIndex. No gateway transport ships in this repo, but
// the field is parsed and preserved so a gateway layered above a Bus
// can use it.
const gatewayBit = 0x8000

// Header is the 6-byte mailbox frame header.
type Header struct {
	Len           uint16
	GatewayIndex  uint16 // low 15 bits of Address when the gateway bit is set
	IsGateway     bool
	Channel       uint8 // 6 bits
	Priority      uint8 // 2 bits
	Type          Type  // 4 bits
	Count         uint8 // session handle, 1..7
}

// Encode writes h followed by payload into a HeaderSize+len(payload) byte
// slice.
func Encode(h Header, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint16(buf[0:2], h.Len)
	addr := h.GatewayIndex & 0x7FFF
	if h.IsGateway {
		addr |= gatewayBit
	}
	binary.LittleEndian.PutUint16(buf[2:4], addr)
	buf[4] = (h.Channel & 0x3F) | (h.Priority&0x03)<<6
	buf[5] = (uint8(h.Type) & 0x0F) | (h.Count&0x07)<<4
	copy(buf[HeaderSize:], payload)
	return buf
}

// Decode parses a raw mailbox message's header and returns the header
// plus the payload slice (aliasing raw).
func Decode(raw []byte) (Header, []byte, error) {
	if len(raw) < HeaderSize {
		return Header{}, nil, ErrSizeTooShort
	}
	addr := binary.LittleEndian.Uint16(raw[2:4])
	h := Header{
		Len:          binary.LittleEndian.Uint16(raw[0:2]),
		GatewayIndex: addr &^ gatewayBit,
		IsGateway:    addr&gatewayBit != 0,
		Channel:      raw[4] & 0x3F,
		Priority:     (raw[4] >> 6) & 0x03,
		Type:         Type(raw[5] & 0x0F),
		Count:        (raw[5] >> 4) & 0x07,
	}
	end := HeaderSize + int(h.Len)
	if end > len(raw) {
		end = len(raw)
	}
	return h, raw[HeaderSize:end], nil
}
