package ethercat

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// loopSocket echoes each written frame back on the next Read, optionally
// transformed first (WKC stamping, datagram dropping).
type loopSocket struct {
	transform func([]byte) []byte
	queue     [][]byte
}

func (s *loopSocket) SetTimeout(time.Duration) error { return nil }
func (s *loopSocket) Close() error                   { return nil }

func (s *loopSocket) Write(frame []byte) (int, error) {
	cp := append([]byte(nil), frame...)
	if s.transform != nil {
		cp = s.transform(cp)
	}
	s.queue = append(s.queue, cp)
	return len(frame), nil
}

func (s *loopSocket) Read(buf []byte) (int, error) {
	if len(s.queue) == 0 {
		return 0, ErrTimeout
	}
	f := s.queue[0]
	s.queue = s.queue[1:]
	return copy(buf, f), nil
}

// stampWKC walks the datagram chain and writes wkc into every trailing
// working-counter field.
func stampWKC(wire []byte, wkc uint16) []byte {
	at := EthHeaderSize + EcatHeaderSize
	for at+DatagramHeadSize <= len(wire) {
		lenCtrl := binary.LittleEndian.Uint16(wire[at+6 : at+8])
		dlen := int(lenCtrl & 0x07FF)
		wkcAt := at + DatagramHeadSize + dlen
		if wkcAt+WKCSize > len(wire) {
			break
		}
		binary.LittleEndian.PutUint16(wire[wkcAt:wkcAt+2], wkc)
		if lenCtrl&(1<<15) == 0 {
			break
		}
		at = wkcAt + WKCSize
	}
	return wire
}

func TestCallbacksRunInDatagramOrder(t *testing.T) {
	sock := &loopSocket{transform: func(f []byte) []byte { return stampWKC(f, 1) }}
	clock := NewManualClock()
	link := NewLink(sock, nil, clock, 10*time.Millisecond)

	var order []uint8
	for i := 0; i < 3; i++ {
		link.AddDatagram(BRD, DeviceAddress(0, RegType), make([]byte, 2),
			func(h DatagramHeader, payload []byte, wkc uint16) DatagramState {
				order = append(order, h.Index)
				require.Equal(t, uint16(1), wkc)
				return StateOK
			}, nil)
	}
	link.ProcessDatagrams()
	require.Equal(t, []uint8{0, 1, 2}, order)
	require.Equal(t, uint64(1), link.Stats().FramesSent)
	require.Equal(t, uint64(3), link.Stats().DatagramsSent)
}

func TestInvalidWKCRunsErrorCallback(t *testing.T) {
	sock := &loopSocket{transform: func(f []byte) []byte { return stampWKC(f, 0) }}
	link := NewLink(sock, nil, NewManualClock(), 10*time.Millisecond)

	var errState DatagramState
	link.AddDatagram(FPRD, DeviceAddress(0x1000, RegALStatus), make([]byte, 2),
		func(h DatagramHeader, payload []byte, wkc uint16) DatagramState {
			if wkc != 1 {
				return StateInvalidWKC
			}
			return StateOK
		},
		func(state DatagramState) { errState = state },
	)
	link.ProcessDatagrams()
	require.Equal(t, StateInvalidWKC, errState)
	require.Equal(t, uint64(1), link.Stats().WKCMismatches)
}

func TestReadFailureResolvesDatagramsAsLost(t *testing.T) {
	// Echo dropped entirely: Read times out, every datagram in the frame
	// resolves through the error path.
	link := NewLink(&dropSocket{}, nil, NewManualClock(), 10*time.Millisecond)

	var states []DatagramState
	processed := false
	link.AddDatagram(BWR, DeviceAddress(0, RegALControl), make([]byte, 2),
		func(DatagramHeader, []byte, uint16) DatagramState {
			processed = true
			return StateOK
		},
		func(state DatagramState) { states = append(states, state) },
	)
	link.ProcessDatagrams()
	require.False(t, processed)
	require.Equal(t, []DatagramState{StateLost}, states)
	require.Equal(t, uint64(1), link.Stats().DatagramsLost)
}

// dropSocket accepts writes and never returns an echo.
type dropSocket struct{}

func (dropSocket) SetTimeout(time.Duration) error { return nil }
func (dropSocket) Write(f []byte) (int, error)    { return len(f), nil }
func (dropSocket) Read([]byte) (int, error)       { return 0, ErrTimeout }
func (dropSocket) Close() error                   { return nil }

func TestUnansweredDatagramReapedAfterTimeout(t *testing.T) {
	// The echo carries only the first datagram; the second stays pending
	// until the link timeout reaps it with LOST.
	sock := &loopSocket{transform: func(f []byte) []byte {
		echo := NewFrame()
		_ = echo.AddDatagram(0, BRD, DeviceAddress(0, RegType), make([]byte, 2))
		return append([]byte(nil), stampWKC(echo.Finalize(), 1)...)
	}}
	clock := NewManualClock()
	link := NewLink(sock, nil, clock, 10*time.Millisecond)

	var firstOK bool
	var reaped []DatagramState
	link.AddDatagram(BRD, DeviceAddress(0, RegType), make([]byte, 2),
		func(DatagramHeader, []byte, uint16) DatagramState {
			firstOK = true
			return StateOK
		}, nil)
	link.AddDatagram(FPRD, DeviceAddress(0x1000, RegALStatus), make([]byte, 2),
		nil,
		func(state DatagramState) { reaped = append(reaped, state) },
	)
	link.ProcessDatagrams()
	require.True(t, firstOK)
	require.Empty(t, reaped)

	clock.Advance(20 * time.Millisecond)
	link.ProcessDatagrams()
	require.Equal(t, []DatagramState{StateLost}, reaped)
}

func TestRedundancyEngagesOnZeroTrailingWKC(t *testing.T) {
	nominal := &loopSocket{} // echoes unmodified: trailing WKC stays 0
	redundant := &loopSocket{transform: func(f []byte) []byte { return stampWKC(f, 1) }}
	link := NewLink(nominal, redundant, NewManualClock(), 10*time.Millisecond)

	engaged := 0
	link.OnRedundancyEngaged = func() { engaged++ }

	link.AddDatagram(BRD, DeviceAddress(0, RegType), make([]byte, 2),
		func(DatagramHeader, []byte, uint16) DatagramState { return StateOK }, nil)
	link.ProcessDatagrams()

	require.Equal(t, uint64(1), link.RedundancyActivations())
	require.Equal(t, 1, engaged)
}
