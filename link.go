package ethercat

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Socket is the raw-link collaborator contract: open/close happen
// outside this interface (at construction), set_timeout/read/write are the
// operations the Link drives every cycle. Blocking semantics with the
// configured timeout; ErrTimeout on expiry.
type Socket interface {
	SetTimeout(d time.Duration) error
	Write(frame []byte) (int, error)
	Read(buf []byte) (int, error)
	Close() error
}

// NullSocket is the no-op redundancy implementation: a Link with a
// NullSocket as its redundancy socket never attempts failover.
type NullSocket struct{}

func (NullSocket) SetTimeout(time.Duration) error { return nil }
func (NullSocket) Write([]byte) (int, error)      { return 0, ErrTransportUnavailable }
func (NullSocket) Read([]byte) (int, error)       { return 0, ErrTransportUnavailable }
func (NullSocket) Close() error                   { return nil }

// IsNull reports whether s is the null redundancy implementation.
func IsNull(s Socket) bool {
	_, ok := s.(NullSocket)
	return ok
}

// DatagramState is the result a process callback returns for one datagram,
// and the reason passed to an error callback.
type DatagramState uint8

const (
	StateOK DatagramState = iota
	StateInvalidWKC
	StateLost
	StateNoHandler
)

func (s DatagramState) String() string {
	switch s {
	case StateOK:
		return "OK"
	case StateInvalidWKC:
		return "INVALID_WKC"
	case StateLost:
		return "LOST"
	case StateNoHandler:
		return "NO_HANDLER"
	default:
		return "UNKNOWN"
	}
}

type ProcessCallback func(h DatagramHeader, payload []byte, wkc uint16) DatagramState
type ErrorCallback func(state DatagramState)

type outstanding struct {
	index   uint8
	process ProcessCallback
	onError ErrorCallback
	sentAt  time.Duration
	pending bool // true once its frame has been written, waiting on a read
}

// Link owns the nominal and redundancy sockets, the outstanding-datagram
// list, and the pool of frames being filled for the next ProcessDatagrams
// call. ProcessDatagrams is a single-threaded blocking operation: write,
// then block on read up to timeout, then run callbacks inline — no
// callback runs concurrently with another.
type Link struct {
	nominal    Socket
	redundancy Socket
	clock      Clock
	timeout    time.Duration
	log        *logrus.Entry

	frames      []*Frame
	echo        *Frame
	readBuf     []byte
	outstanding []outstanding
	nextIndex   uint8

	stats               LinkStats
	redundancyCutActive bool
	OnRedundancyEngaged func()
}

// LinkStats is a snapshot of the Link's lifetime counters, exposed for
// the metrics package's Prometheus collector.
type LinkStats struct {
	FramesSent            uint64
	DatagramsSent         uint64
	DatagramsLost         uint64
	WKCMismatches         uint64
	RedundancyActivations uint64
}

func NewLink(nominal, redundancy Socket, clock Clock, timeout time.Duration) *Link {
	if redundancy == nil {
		redundancy = NullSocket{}
	}
	l := &Link{
		nominal:    nominal,
		redundancy: redundancy,
		clock:      clock,
		timeout:    timeout,
		log:        logrus.WithField("component", "link"),
		echo:       NewFrame(),
		readBuf:    make([]byte, EthMaxSize),
	}
	_ = nominal.SetTimeout(timeout)
	_ = redundancy.SetTimeout(timeout)
	return l
}

// SetTimeout updates the read/write timeout applied to both sockets.
func (l *Link) SetTimeout(d time.Duration) {
	l.timeout = d
	_ = l.nominal.SetTimeout(d)
	_ = l.redundancy.SetTimeout(d)
}

func (l *Link) currentFrame() *Frame {
	if len(l.frames) == 0 {
		l.frames = append(l.frames, NewFrame())
	}
	return l.frames[len(l.frames)-1]
}

// AddDatagram enqueues a datagram for the next ProcessDatagrams call. It
// assigns a frame-unique index, appends to whichever pooled Frame has
// room (allocating a new one if all are full), and records the
// process/error callback pair.
func (l *Link) AddDatagram(command Command, address uint32, data []byte, process ProcessCallback, onError ErrorCallback) uint8 {
	f := l.currentFrame()
	if err := f.AddDatagram(l.nextIndex, command, address, data); err != nil {
		f = NewFrame()
		l.frames = append(l.frames, f)
		_ = f.AddDatagram(l.nextIndex, command, address, data)
	}
	index := l.nextIndex
	l.nextIndex++
	l.outstanding = append(l.outstanding, outstanding{index: index, process: process, onError: onError})
	return index
}

// RedundancyActivations returns the number of times a cable cut caused a
// successful retransmit via the redundancy socket.
func (l *Link) RedundancyActivations() uint64 { return l.stats.RedundancyActivations }

// Stats returns a snapshot of the Link's lifetime counters.
func (l *Link) Stats() LinkStats { return l.stats }

// ProcessDatagrams writes every pending frame, reads its echo, and
// dispatches process/error callbacks in datagram order within a frame and
// in frame order across frames. Any outstanding datagram whose deadline
// has passed without resolution is reaped with StateLost.
func (l *Link) ProcessDatagrams() {
	now := l.clock.Now()
	for _, f := range l.frames {
		if f.DatagramCount() == 0 {
			continue
		}
		wire := f.Finalize()
		l.markSent(f, now)

		if _, err := l.nominal.Write(wire); err != nil {
			l.failFrame(f, StateLost)
			continue
		}
		l.stats.FramesSent++
		l.stats.DatagramsSent += uint64(f.DatagramCount())
		n, err := l.nominal.Read(l.echoBuf())
		if err != nil {
			l.failFrame(f, StateLost)
			continue
		}
		if err := l.echo.LoadEcho(l.echoBuf()[:n]); err != nil {
			l.failFrame(f, StateLost)
			continue
		}
		views := l.echo.Datagrams()
		l.dispatch(views)

		if l.trailingWKCIsZero(views) && !IsNull(l.redundancy) {
			if _, err := l.redundancy.Write(wire); err == nil {
				if n2, err2 := l.redundancy.Read(l.echoBuf()); err2 == nil {
					if err3 := l.echo.LoadEcho(l.echoBuf()[:n2]); err3 == nil {
						l.stats.RedundancyActivations++
						if !l.redundancyCutActive {
							l.redundancyCutActive = true
							if l.OnRedundancyEngaged != nil {
								l.OnRedundancyEngaged()
							}
						}
						l.dispatch(l.echo.Datagrams())
					}
				}
			}
		} else {
			l.redundancyCutActive = false
		}
	}
	l.frames = l.frames[:0]

	// Reap anything still pending whose deadline passed (frame write/read
	// itself never happened this cycle, or a datagram index present in no
	// echo at all).
	remaining := l.outstanding[:0]
	for _, o := range l.outstanding {
		if now-o.sentAt > l.timeout {
			l.stats.DatagramsLost++
			if o.onError != nil {
				o.onError(StateLost)
			}
			continue
		}
		remaining = append(remaining, o)
	}
	l.outstanding = remaining
}

func (l *Link) echoBuf() []byte {
	return l.readBuf
}

// markSent stamps the outstanding entries belonging to f's datagrams as
// sent, so ProcessDatagrams can later tell which entries are eligible for
// dispatch/timeout reaping.
func (l *Link) markSent(f *Frame, now time.Duration) {
	indices := make(map[uint8]bool, f.DatagramCount())
	for _, v := range f.Datagrams() {
		indices[v.Header.Index] = true
	}
	for i := range l.outstanding {
		if indices[l.outstanding[i].index] {
			l.outstanding[i].sentAt = now
			l.outstanding[i].pending = true
		}
	}
}

func (l *Link) trailingWKCIsZero(views []DatagramView) bool {
	if len(views) == 0 {
		return false
	}
	return views[len(views)-1].WKC == 0
}

func (l *Link) dispatch(views []DatagramView) {
	for _, v := range views {
		idx := -1
		for i, o := range l.outstanding {
			if o.index == v.Header.Index && o.pending {
				idx = i
				break
			}
		}
		if idx < 0 {
			continue
		}
		o := l.outstanding[idx]
		state := StateNoHandler
		if o.process != nil {
			state = o.process(v.Header, v.Payload, v.WKC)
		}
		if state == StateInvalidWKC {
			l.stats.WKCMismatches++
		}
		if state != StateOK && o.onError != nil {
			o.onError(state)
		}
		l.outstanding = append(l.outstanding[:idx], l.outstanding[idx+1:]...)
	}
}

func (l *Link) failFrame(f *Frame, state DatagramState) {
	for _, v := range f.Datagrams() {
		idx := -1
		for i, o := range l.outstanding {
			if o.index == v.Header.Index && o.pending {
				idx = i
				break
			}
		}
		if idx < 0 {
			continue
		}
		o := l.outstanding[idx]
		l.stats.DatagramsLost++
		if o.onError != nil {
			o.onError(state)
		}
		l.outstanding = append(l.outstanding[:idx], l.outstanding[idx+1:]...)
	}
}

// Close releases both sockets.
func (l *Link) Close() error {
	err1 := l.nominal.Close()
	err2 := l.redundancy.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
