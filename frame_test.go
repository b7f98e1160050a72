package ethercat

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddDatagramChainsMoreBit(t *testing.T) {
	f := NewFrame()
	require.NoError(t, f.AddDatagram(0, BRD, DeviceAddress(0, RegType), make([]byte, 2)))
	require.NoError(t, f.AddDatagram(1, BWR, DeviceAddress(0, RegALControl), make([]byte, 2)))
	require.NoError(t, f.AddDatagram(2, FPRD, DeviceAddress(0x1000, RegALStatus), make([]byte, 2)))
	f.Finalize()

	views := f.Datagrams()
	require.Len(t, views, 3)
	require.True(t, views[0].Header.More)
	require.True(t, views[1].Header.More)
	require.False(t, views[2].Header.More)
}

func TestFinalizePadsToMinimumEthernetSize(t *testing.T) {
	f := NewFrame()
	require.NoError(t, f.AddDatagram(0, BRD, DeviceAddress(0, RegType), make([]byte, 2)))
	wire := f.Finalize()
	require.Equal(t, EthMinSize, len(wire))
	require.Equal(t, uint16(EtherTypeEcat), binary.BigEndian.Uint16(wire[12:14]))
}

func TestAddDatagramRejectsSixteenth(t *testing.T) {
	f := NewFrame()
	for i := 0; i < MaxDatagramsPerFrame; i++ {
		require.NoError(t, f.AddDatagram(uint8(i), NOP, 0, nil))
	}
	require.ErrorIs(t, f.AddDatagram(15, NOP, 0, nil), ErrTooManyDatagrams)
}

func TestAddDatagramRejectsOverflowingPayload(t *testing.T) {
	f := NewFrame()
	require.NoError(t, f.AddDatagram(0, LWR, 0, make([]byte, 1000)))
	// 1000+12 used; another 1000-byte datagram needs 1012 > 474 remaining.
	require.ErrorIs(t, f.AddDatagram(1, LWR, 0, make([]byte, 1000)), ErrFrameFull)
}

func TestAddressWrittenLittleEndian(t *testing.T) {
	f := NewFrame()
	require.NoError(t, f.AddDatagram(7, FPRD, DeviceAddress(0x1002, 0x0130), make([]byte, 2)))
	wire := f.Finalize()
	at := EthHeaderSize + EcatHeaderSize
	require.Equal(t, byte(FPRD), wire[at])
	require.Equal(t, uint8(7), wire[at+1])
	// {position:16, offset:16} little-endian: position low word first.
	require.Equal(t, []byte{0x02, 0x10, 0x30, 0x01}, wire[at+2:at+6])
}

func TestLoadEchoRoundTrip(t *testing.T) {
	f := NewFrame()
	require.NoError(t, f.AddDatagram(3, BRD, DeviceAddress(0, RegType), []byte{0x11, 0x00}))
	require.NoError(t, f.AddDatagram(4, FPWR, DeviceAddress(0x1000, RegALControl), []byte{0x02, 0x00}))
	wire := append([]byte(nil), f.Finalize()...)

	echo := NewFrame()
	require.NoError(t, echo.LoadEcho(wire))
	views := echo.Datagrams()
	require.Len(t, views, 2)
	require.Equal(t, uint8(3), views[0].Header.Index)
	require.Equal(t, BRD, views[0].Header.Command)
	require.Equal(t, []byte{0x11, 0x00}, views[0].Payload)
	require.Equal(t, uint8(4), views[1].Header.Index)
}

func TestLoadEchoRejectsForeignEtherType(t *testing.T) {
	wire := make([]byte, EthMinSize)
	binary.BigEndian.PutUint16(wire[12:14], 0x0800)
	require.ErrorIs(t, NewFrame().LoadEcho(wire), ErrInvalidEcatType)
}

func TestResetReusesFrame(t *testing.T) {
	f := NewFrame()
	require.NoError(t, f.AddDatagram(0, BRD, 0, make([]byte, 4)))
	f.Finalize()
	f.Reset()
	require.Equal(t, 0, f.DatagramCount())
	require.Equal(t, MaxEcatPayload, f.Remaining())
	require.NoError(t, f.AddDatagram(0, BWR, 0, make([]byte, 4)))
}
