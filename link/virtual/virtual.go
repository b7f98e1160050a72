// Package virtual provides in-memory Socket implementations so master and
// slave sides can be exercised in a single test binary without a real
// network interface: a cross-connected Pair for raw frame plumbing, and an
// Emulator that models a chain of ESC register spaces and answers
// datagrams the way a physical segment would.
package virtual

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/ethercatgo/ethercat"
)

// Socket is one end of an in-memory frame pipe. Frames written on one end
// are read on the other.
type Socket struct {
	inbox   chan []byte
	peer    *Socket
	timeout time.Duration

	mu     sync.Mutex
	closed bool
}

// NewPair returns two cross-connected Sockets.
func NewPair() (*Socket, *Socket) {
	a := &Socket{inbox: make(chan []byte, 64), timeout: 200 * time.Millisecond}
	b := &Socket{inbox: make(chan []byte, 64), timeout: 200 * time.Millisecond}
	a.peer, b.peer = b, a
	return a, b
}

func (s *Socket) SetTimeout(d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeout = d
	return nil
}

func (s *Socket) Write(frame []byte) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ethercat.ErrTransportUnavailable
	}
	s.mu.Unlock()
	cp := append([]byte(nil), frame...)
	select {
	case s.peer.inbox <- cp:
		return len(frame), nil
	default:
		return 0, ethercat.ErrTransportUnavailable
	}
}

func (s *Socket) Read(buf []byte) (int, error) {
	s.mu.Lock()
	d := s.timeout
	s.mu.Unlock()
	select {
	case frame := <-s.inbox:
		return copy(buf, frame), nil
	case <-time.After(d):
		return 0, ethercat.ErrTimeout
	}
}

func (s *Socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// escMemorySize covers the 0x0000-0x1FFF register+RAM space.
const escMemorySize = 0x2000

// SlaveModel is one emulated device on an Emulator segment: a flat
// register+RAM byte space plus the handful of active behaviors a test
// needs from a live ESC.
type SlaveModel struct {
	Memory [escMemorySize]byte

	// AutoALAck mirrors AL_CONTROL's requested state straight into
	// AL_STATUS, so master-side state waits settle immediately. Tests
	// that exercise stuck or erroring transitions turn it off and drive
	// AL_STATUS/AL_STATUS_CODE by hand.
	AutoALAck bool

	// MailboxHandler, when set together with the window geometry below,
	// receives every raw message the master writes into the mailbox-in
	// window and returns the reply to expose in the mailbox-out window
	// (nil for no reply). The mailbox-out SM status full bit is raised
	// when a reply is placed and cleared when the master reads it.
	MailboxHandler                 func(req []byte) []byte
	MailboxInStart, MailboxInLen   uint16
	MailboxOutStart, MailboxOutLen uint16
}

func (m *SlaveModel) stationAddress() uint16 {
	return binary.LittleEndian.Uint16(m.Memory[ethercat.RegStationAddr : ethercat.RegStationAddr+2])
}

func (m *SlaveModel) write(addr uint16, data []byte) {
	if int(addr) >= len(m.Memory) {
		return
	}
	copy(m.Memory[addr:], data)
	if m.AutoALAck && addr == ethercat.RegALControl {
		m.Memory[ethercat.RegALStatus] = m.Memory[ethercat.RegALControl] & 0x0F
	}
	if m.MailboxHandler != nil && addr == m.MailboxInStart {
		if reply := m.MailboxHandler(data); reply != nil {
			out := m.Memory[m.MailboxOutStart : m.MailboxOutStart+m.MailboxOutLen]
			for i := range out {
				out[i] = 0
			}
			copy(out, reply)
			m.Memory[ethercat.SMStatusAddress(1)] |= ethercat.MailboxStatusFull
		}
	}
}

func (m *SlaveModel) read(addr uint16, out []byte) {
	if int(addr) >= len(m.Memory) {
		return
	}
	copy(out, m.Memory[addr:])
	if m.MailboxHandler != nil && addr == m.MailboxOutStart {
		m.Memory[ethercat.SMStatusAddress(1)] &^= ethercat.MailboxStatusFull
	}
}

// logicalMemorySize bounds the emulated FMMU-mapped logical space used by
// LRD/LWR/LRW.
const logicalMemorySize = 0x1000

// Emulator models a linear segment of n slaves behind one master port: a
// frame written to it comes back on the next Read with each datagram
// applied against the emulated register spaces and its working counter
// incremented the way real devices increment it. It implements
// ethercat.Socket.
type Emulator struct {
	slaves  []*SlaveModel
	logical [logicalMemorySize]byte

	// LogicalWKC is the working counter reported for LRD/LWR/LRW
	// datagrams (the number of slaves mapped at the address); defaults
	// to the slave count.
	LogicalWKC uint16

	echo    chan []byte
	timeout time.Duration
	mu      sync.Mutex
}

// NewEmulator builds an Emulator fronting n freshly reset slaves.
func NewEmulator(n int) *Emulator {
	e := &Emulator{
		echo:       make(chan []byte, 16),
		timeout:    200 * time.Millisecond,
		LogicalWKC: uint16(n),
	}
	for i := 0; i < n; i++ {
		m := &SlaveModel{AutoALAck: true}
		m.Memory[ethercat.RegType] = 0x11
		e.slaves = append(e.slaves, m)
	}
	return e
}

// Slave returns the i-th emulated device for direct memory setup.
func (e *Emulator) Slave(i int) *SlaveModel { return e.slaves[i] }

// Logical exposes the emulated FMMU-mapped memory region.
func (e *Emulator) Logical() []byte { return e.logical[:] }

func (e *Emulator) SetTimeout(d time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.timeout = d
	return nil
}

func (e *Emulator) Close() error { return nil }

// Write runs the frame through the emulated segment and queues the echo.
func (e *Emulator) Write(frame []byte) (int, error) {
	cp := append([]byte(nil), frame...)
	e.process(cp)
	select {
	case e.echo <- cp:
		return len(frame), nil
	default:
		return 0, ethercat.ErrTransportUnavailable
	}
}

func (e *Emulator) Read(buf []byte) (int, error) {
	e.mu.Lock()
	d := e.timeout
	e.mu.Unlock()
	select {
	case frame := <-e.echo:
		return copy(buf, frame), nil
	case <-time.After(d):
		return 0, ethercat.ErrTimeout
	}
}

// process walks the frame's datagram chain in place, applying each
// datagram against the slave models and stamping its working counter.
func (e *Emulator) process(frame []byte) {
	if len(frame) < ethercat.EthHeaderSize+ethercat.EcatHeaderSize {
		return
	}
	at := ethercat.EthHeaderSize + ethercat.EcatHeaderSize
	for at+ethercat.DatagramHeadSize <= len(frame) {
		cmd := ethercat.Command(frame[at])
		addr := binary.LittleEndian.Uint32(frame[at+2 : at+6])
		lenCtrl := binary.LittleEndian.Uint16(frame[at+6 : at+8])
		dlen := int(lenCtrl & 0x07FF)
		more := lenCtrl&(1<<15) != 0

		payloadAt := at + ethercat.DatagramHeadSize
		wkcAt := payloadAt + dlen
		if wkcAt+ethercat.WKCSize > len(frame) {
			return
		}
		payload := frame[payloadAt:wkcAt]
		wkc := e.apply(cmd, addr, payload)
		binary.LittleEndian.PutUint16(frame[wkcAt:wkcAt+2], wkc)

		if !more {
			return
		}
		at = wkcAt + ethercat.WKCSize
	}
}

// orInto ORs the in-range slice of mem starting at offset into dst,
// mirroring how a broadcast read accumulates each device's contribution.
func orInto(dst, mem []byte, offset uint16) {
	end := int(offset) + len(dst)
	if end > len(mem) {
		end = len(mem)
	}
	for i, b := range mem[offset:end] {
		dst[i] |= b
	}
}

func (e *Emulator) apply(cmd ethercat.Command, addr uint32, payload []byte) uint16 {
	position := uint16(addr)
	offset := uint16(addr >> 16)
	var wkc uint16

	switch cmd {
	case ethercat.BRD:
		for _, s := range e.slaves {
			orInto(payload, s.Memory[:], offset)
			wkc++
		}
	case ethercat.BWR:
		for _, s := range e.slaves {
			s.write(offset, payload)
			wkc++
		}
	case ethercat.BRW:
		for _, s := range e.slaves {
			orInto(payload, s.Memory[:], offset)
			s.write(offset, payload)
			wkc += 3
		}
	case ethercat.APRD, ethercat.APWR, ethercat.APRW:
		// Auto-increment addressing: the master sends -i for the i-th
		// slave; each device increments the position as the frame passes.
		idx := int(-int16(position))
		if idx >= 0 && idx < len(e.slaves) {
			s := e.slaves[idx]
			switch cmd {
			case ethercat.APRD:
				s.read(offset, payload)
				wkc = 1
			case ethercat.APWR:
				s.write(offset, payload)
				wkc = 1
			case ethercat.APRW:
				s.read(offset, payload)
				s.write(offset, payload)
				wkc = 3
			}
		}
	case ethercat.FPRD, ethercat.FPWR, ethercat.FPRW:
		for _, s := range e.slaves {
			if s.stationAddress() != position {
				continue
			}
			switch cmd {
			case ethercat.FPRD:
				s.read(offset, payload)
				wkc++
			case ethercat.FPWR:
				s.write(offset, payload)
				wkc++
			case ethercat.FPRW:
				s.read(offset, payload)
				s.write(offset, payload)
				wkc += 3
			}
		}
	case ethercat.FRMW:
		for _, s := range e.slaves {
			if s.stationAddress() == position {
				s.read(offset, payload)
				wkc++
				break
			}
		}
		for _, s := range e.slaves {
			if s.stationAddress() != position {
				s.write(offset, payload)
				wkc++
			}
		}
	case ethercat.LRD:
		if int(addr)+len(payload) <= len(e.logical) {
			copy(payload, e.logical[addr:])
		}
		wkc = e.LogicalWKC
	case ethercat.LWR:
		if int(addr)+len(payload) <= len(e.logical) {
			copy(e.logical[addr:], payload)
		}
		wkc = e.LogicalWKC
	case ethercat.LRW:
		if int(addr)+len(payload) <= len(e.logical) {
			tmp := append([]byte(nil), e.logical[addr:int(addr)+len(payload)]...)
			copy(e.logical[addr:], payload)
			copy(payload, tmp)
		}
		wkc = 3 * e.LogicalWKC
	}
	return wkc
}
