package mailbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	payload := []byte{0xAA, 0xBB, 0xCC}
	raw := Encode(Header{Len: uint16(len(payload)), Channel: 3, Priority: 1, Type: TypeCoE, Count: 5}, payload)

	hdr, got, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, payload, got)
	require.Equal(t, uint16(len(payload)), hdr.Len)
	require.Equal(t, uint8(3), hdr.Channel)
	require.Equal(t, uint8(1), hdr.Priority)
	require.Equal(t, TypeCoE, hdr.Type)
	require.Equal(t, uint8(5), hdr.Count)
	require.False(t, hdr.IsGateway)
}

func TestHeaderGatewayBit(t *testing.T) {
	raw := Encode(Header{Len: 1, IsGateway: true, GatewayIndex: 0x12, Type: TypeAoE}, []byte{0x01})
	hdr, _, err := Decode(raw)
	require.NoError(t, err)
	require.True(t, hdr.IsGateway)
	require.Equal(t, uint16(0x12), hdr.GatewayIndex)
}

func TestSessionCounterCycles1To7(t *testing.T) {
	var c uint8
	seen := make([]uint8, 0, 10)
	for i := 0; i < 10; i++ {
		c = NextSessionCounter(c)
		seen = append(seen, c)
		require.NotZero(t, c)
		require.LessOrEqual(t, c, uint8(7))
	}
	require.Equal(t, []uint8{1, 2, 3, 4, 5, 6, 7, 1, 2, 3}, seen)
}

// echoMessage is a minimal Message for exercising Client's queues.
type echoMessage struct {
	encodeCalls int
	result      ProcessResult
	deadline    time.Time
}

func (m *echoMessage) Encode() []byte {
	m.encodeCalls++
	return []byte{byte(m.encodeCalls)}
}
func (m *echoMessage) Process(raw []byte) ProcessResult { return m.result }
func (m *echoMessage) Deadline() time.Time              { return m.deadline }

func TestClientSendAndFinalize(t *testing.T) {
	c := NewClient()
	msg := &echoMessage{result: FINALIZE}
	c.Send(msg)
	require.True(t, c.HasPending())
	require.Equal(t, 1, c.Pending())

	data, ok := c.NextToSend()
	require.True(t, ok)
	require.Equal(t, []byte{1}, data)
	c.PopSent()
	require.False(t, c.HasPending())

	c.Receive([]byte{0x00})
	require.Equal(t, 0, c.Pending())
}

func TestClientContinueReEnqueues(t *testing.T) {
	c := NewClient()
	msg := &echoMessage{result: CONTINUE}
	c.Send(msg)
	c.PopSent()

	c.Receive([]byte{0x00})
	require.Equal(t, 1, c.Pending())
	require.True(t, c.HasPending())
	data, _ := c.NextToSend()
	require.Equal(t, []byte{2}, data) // second Encode() call
}

func TestClientReapTimeouts(t *testing.T) {
	now := time.Now()
	c := NewClient(WithClock(func() time.Time { return now }))
	msg := &echoMessage{result: NOOP, deadline: now.Add(-time.Second)}
	c.Send(msg)
	c.ReapTimeouts()
	require.Equal(t, 0, c.Pending())
}

func TestResponderNoMoreMemory(t *testing.T) {
	r := NewResponder(1)
	r.RegisterFactory(func(raw []byte) (Message, []byte, bool) {
		return &echoMessage{result: NOOP}, []byte{0x42}, true
	})

	req := Encode(Header{Len: 2, Type: TypeCoE}, []byte{0x01, 0x00})
	r.ReceiveRaw(req)
	require.Equal(t, 1, len(r.toProcess))
	r.PopSent() // drain the first reply so the assertion below sees the second

	r.ReceiveRaw(req)
	data, ok := r.NextToSend()
	require.True(t, ok)
	hdr, payload, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, TypeErr, hdr.Type)
	require.Equal(t, byte(ErrDetailNoMoreMemory), payload[2])
}

func TestResponderUnsupportedProtocol(t *testing.T) {
	r := NewResponder(0)
	req := Encode(Header{Len: 2, Type: TypeCoE}, []byte{0x01, 0x00})
	r.ReceiveRaw(req)

	data, ok := r.NextToSend()
	require.True(t, ok)
	hdr, payload, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, TypeErr, hdr.Type)
	require.Equal(t, byte(ErrDetailUnsupportedProtocol), payload[2])
}

func TestResponderZeroLengthRejected(t *testing.T) {
	r := NewResponder(0)
	req := Encode(Header{Len: 0, Type: TypeCoE}, nil)
	r.ReceiveRaw(req)

	data, ok := r.NextToSend()
	require.True(t, ok)
	_, payload, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, byte(ErrDetailSizeTooShort), payload[2])
}

// TestResponderSizeTooShort: a CoE request whose
// declared length is too short for any protocol header yields ERR detail
// SIZE_TOO_SHORT.
func TestResponderSizeTooShort(t *testing.T) {
	r := NewResponder(0)
	req := Encode(Header{Len: 1, Type: TypeCoE}, []byte{0x2B})
	r.ReceiveRaw(req)

	data, ok := r.NextToSend()
	require.True(t, ok)
	hdr, payload, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, TypeErr, hdr.Type)
	require.Equal(t, byte(ErrDetailSizeTooShort), payload[2])
}
