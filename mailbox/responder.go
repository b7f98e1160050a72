package mailbox

import "github.com/sirupsen/logrus"

// Factory builds a protocol-specific Message from a freshly received raw
// mailbox request, sniffing its own service field to decide whether it
// applies (the CoE factory in package coe recognizes the CoE type nibble
// and a valid SDO/SDO-Info service code)
// ("the factories become a registry fn(raw) -> Option<Message>").
//
// Construction already runs the message's first Process step (building
// whatever reply the first request produces, including an abort for a
// malformed request) — reply is that first response frame, ready to
// enqueue. The returned Message is still pushed to to_process,
// so a follow-up request (e.g. the next UPLOAD_SEGMENTED leg) can reach
// it through the normal to_process offer loop.
type Factory func(raw []byte) (msg Message, reply []byte, ok bool)

// Responder is the slave-side mailbox responder: it receives a raw
// message from its mailbox-in RAM window, dispatches to protocol
// factories, and enqueues replies for transmission on mailbox-out.
type Responder struct {
	log       *logrus.Entry
	maxMsgs   int
	factories []Factory

	toSend    [][]byte
	toProcess []Message
}

// ResponderOption configures a Responder at construction.
type ResponderOption func(*Responder)

// WithResponderLogger overrides the default logrus entry.
func WithResponderLogger(log *logrus.Entry) ResponderOption {
	return func(r *Responder) { r.log = log }
}

// NewResponder constructs a Responder bounding in-flight transfers to
// maxMsgs.
func NewResponder(maxMsgs int, opts ...ResponderOption) *Responder {
	r := &Responder{
		log:     logrus.WithField("component", "mailbox.responder"),
		maxMsgs: maxMsgs,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterFactory adds a protocol factory, tried in registration order.
func (r *Responder) RegisterFactory(f Factory) { r.factories = append(r.factories, f) }

// minPayloadSize is the shortest payload any mailbox protocol can make
// sense of: a protocol-specific header tag needs at least this many
// bytes.
const minPayloadSize = 2

// ReceiveRaw implements the responder receive path: reject ERR-type input; reject a payload too short for any protocol
// header (SIZE_TOO_SHORT); offer to in-flight messages; else try
// factories; else reply UNSUPPORTED_PROTOCOL.
func (r *Responder) ReceiveRaw(raw []byte) {
	hdr, payload, err := Decode(raw)
	if err != nil || hdr.Type == TypeErr {
		r.enqueueErr(ErrDetailInvalidHeader)
		return
	}
	if len(payload) < minPayloadSize {
		r.enqueueErr(ErrDetailSizeTooShort)
		return
	}

	for i, msg := range r.toProcess {
		result := msg.Process(raw)
		if result == NOOP {
			continue
		}
		r.toSend = append(r.toSend, msg.Encode())
		if result == FINALIZE {
			r.toProcess = append(r.toProcess[:i], r.toProcess[i+1:]...)
		}
		return
	}

	if r.maxMsgs > 0 && len(r.toProcess) >= r.maxMsgs {
		r.enqueueErr(ErrDetailNoMoreMemory)
		return
	}

	for _, f := range r.factories {
		msg, reply, ok := f(raw)
		if !ok {
			continue
		}
		r.toSend = append(r.toSend, reply)
		r.toProcess = append(r.toProcess, msg)
		return
	}

	r.enqueueErr(ErrDetailUnsupportedProtocol)
}

func (r *Responder) enqueueErr(detail ErrDetail) {
	payload := []byte{0x01, 0x00, byte(detail), 0x00}
	r.toSend = append(r.toSend, Encode(Header{Len: uint16(len(payload)), Type: TypeErr}, payload))
}

// HasPending reports whether a reply is waiting to be written.
func (r *Responder) HasPending() bool { return len(r.toSend) > 0 }

// NextToSend returns the head-of-queue outbound frame without popping it.
func (r *Responder) NextToSend() ([]byte, bool) {
	if len(r.toSend) == 0 {
		return nil, false
	}
	return r.toSend[0], true
}

// PopSent removes the head-of-queue entry after a successful write.
func (r *Responder) PopSent() {
	if len(r.toSend) == 0 {
		return
	}
	r.toSend = r.toSend[1:]
}

// ReapTimeouts removes to_process entries whose Deadline has passed.
func (r *Responder) ReapTimeouts(isPastDeadline func(Message) bool) {
	remaining := r.toProcess[:0]
	for _, msg := range r.toProcess {
		if isPastDeadline(msg) {
			if t, ok := msg.(Timeoutable); ok {
				t.Timeout()
			}
			continue
		}
		remaining = append(remaining, msg)
	}
	r.toProcess = remaining
}
