package dc

import "encoding/binary"

func encodeUint16(v uint16) []byte {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, v)
	return buf
}

func encodeUint32(v uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	return buf
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}

func decodeUint32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }
func decodeUint64(b []byte) uint64 { return binary.LittleEndian.Uint64(b) }
