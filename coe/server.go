package coe

import (
	"encoding/binary"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethercatgo/ethercat/mailbox"
	"github.com/ethercatgo/ethercat/od"
)

// AccessBits is supplied by the caller (normally the ESM, decoupled here
// to avoid an import cycle) and reports which read/write access bit is
// currently authorized.
type AccessBits struct {
	Read, Write od.Access
}

// defaultMaxFrameData bounds how much payload a normal (non-expedited)
// transfer's initial response carries before falling back to segmented
// continuation frames. EtherCAT mailbox RAM windows are usually
// configured well above the 8-byte CAN frame that forces CANopen SDO to
// segment aggressively; this default only segments objects that
// genuinely don't fit a single mailbox message.
const defaultMaxFrameData = 256

// Server handles CoE SDO requests against a Dictionary.
// One Server instance is shared by every ServerRequest produced through
// its Factory.
type Server struct {
	dict         *od.Dictionary
	access       func() AccessBits
	timeout      time.Duration
	maxFrameData int
	log          *logrus.Entry
}

// ServerOption configures a Server at construction.
type ServerOption func(*Server)

// WithMaxFrameData overrides defaultMaxFrameData, matching the mailbox
// RAM window actually configured for the slave.
func WithMaxFrameData(n int) ServerOption {
	return func(s *Server) { s.maxFrameData = n }
}

// NewServer builds a Server. access is called once per request to
// determine which READ_*/WRITE_* bit is active for the device's current
// ESM state.
func NewServer(dict *od.Dictionary, access func() AccessBits, timeout time.Duration, opts ...ServerOption) *Server {
	s := &Server{
		dict: dict, access: access, timeout: timeout,
		maxFrameData: defaultMaxFrameData,
		log:          logrus.WithField("component", "coe.server"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Factory returns a mailbox.Factory recognizing CoE SDO requests.
func (s *Server) Factory() mailbox.Factory {
	return func(raw []byte) (mailbox.Message, []byte, bool) {
		hdr, payload, err := mailbox.Decode(raw)
		if err != nil || hdr.Type != mailbox.TypeCoE || len(payload) < HeaderSize {
			return nil, nil, false
		}
		service := DecodeHeader(payload)
		if service != ServiceSDORequest {
			return nil, nil, false
		}
		req := newServerRequest(s)
		if len(payload) < HeaderSize+ServiceDataSize {
			// Malformed request: reply once and let ReapTimeouts
			// clean this entry up immediately rather than holding a
			// to_process slot for a transfer that will never continue.
			req.deadline = time.Now()
			return req, s.errorReply(0, 0, AbortTransferAbortedGeneric), true
		}
		body := payload[HeaderSize:]
		sd := decodeServiceData(body)
		data := body[ServiceDataSize:]

		reply := req.handleInitial(sd, data)
		return req, reply, true
	}
}

// ServerRequest is one in-flight SDO transfer instance, implementing
// mailbox.Message so a follow-up UPLOAD_SEGMENTED request can reach the
// same instance through the responder's to_process offer loop.
type ServerRequest struct {
	s *Server

	segmenting bool
	toggle     bool
	remaining  []byte
	lastReply  []byte

	deadline time.Time
}

func newServerRequest(s *Server) *ServerRequest {
	d := time.Time{}
	if s.timeout > 0 {
		d = time.Now().Add(s.timeout)
	}
	return &ServerRequest{s: s, deadline: d}
}

func (r *ServerRequest) Deadline() time.Time { return r.deadline }
func (r *ServerRequest) Timeout()            {}

// Encode returns the reply built by the most recent Process call (the
// Responder calls Encode to obtain the frame after Process returns
// CONTINUE/FINALIZE for a follow-up segment request).
func (r *ServerRequest) Encode() []byte { return r.lastReply }

// Process handles a follow-up UPLOAD_SEGMENTED request for a transfer
// already in progress; any other request is not ours (NOOP) so it can be
// offered to a different in-flight transfer or a factory.
func (r *ServerRequest) Process(raw []byte) mailbox.ProcessResult {
	if !r.segmenting {
		return mailbox.NOOP
	}
	hdr, payload, err := mailbox.Decode(raw)
	if err != nil || hdr.Type != mailbox.TypeCoE || len(payload) < HeaderSize+ServiceDataSize {
		return mailbox.NOOP
	}
	if DecodeHeader(payload) != ServiceSDORequest {
		return mailbox.NOOP
	}
	sd := decodeServiceData(payload[HeaderSize:])
	if sd.Flags.Command != CmdUploadSegment {
		return mailbox.NOOP
	}
	return r.nextSegment()
}

func (r *ServerRequest) handleInitial(sd ServiceData, data []byte) []byte {
	var reply []byte
	switch sd.Flags.Command {
	case CmdInitiateUpload:
		reply = r.handleUpload(sd, data)
	case CmdInitiateDownload:
		reply = r.handleDownload(sd, data)
	default:
		reply = r.s.errorReply(sd.Index, sd.Subindex, AbortUnsupportedAccess)
	}
	if !r.segmenting {
		// One-shot request/response: nothing will ever continue this
		// transfer, so don't hold a to_process slot for it.
		r.deadline = time.Now()
	}
	return reply
}

func (r *ServerRequest) handleUpload(sd ServiceData, data []byte) []byte {
	bits := r.s.access()
	if sd.Flags.CompleteAccess {
		if sd.Subindex > 1 {
			return r.s.errorReply(sd.Index, sd.Subindex, AbortUnsupportedAccess)
		}
		return r.handleCompleteUpload(sd, bits)
	}

	obj := r.s.dict.Object(sd.Index)
	if obj == nil {
		return r.s.errorReply(sd.Index, sd.Subindex, AbortObjectDoesNotExist)
	}
	entry := obj.Entry(sd.Subindex)
	if entry == nil {
		return r.s.errorReply(sd.Index, sd.Subindex, AbortSubindexDoesNotExist)
	}
	if !entry.AccessFlags.ReadableIn(bits.Read) {
		return r.s.errorReply(sd.Index, sd.Subindex, AbortReadWriteOnlyAccess)
	}
	return r.replyUpload(sd.Index, sd.Subindex, entry.Bytes())
}

// replyUpload builds the upload response, expedited iff the payload fits
// in 4 bytes; larger payloads start a normal or
// segmented transfer, keeping r in to_process for the follow-up legs.
func (r *ServerRequest) replyUpload(index uint16, subindex uint8, value []byte) []byte {
	if len(value) <= 4 {
		pad := 4 - len(value)
		buf := make([]byte, 4)
		copy(buf, value)
		sd := ServiceData{
			Flags:    Flags{SizeIndicator: true, Expedited: true, BlockSize: uint8(pad), Command: CmdInitiateUpload},
			Index:    index,
			Subindex: subindex,
		}
		return r.encodeReply(sd, buf)
	}

	first := value
	more := false
	if len(first) > r.s.maxFrameData {
		// Normal transfer frame budget: send as much as fits alongside
		// the 4-byte size prefix, segment the remainder.
		first = value[:r.s.maxFrameData]
		more = true
	}
	sizePrefix := make([]byte, 4)
	binary.LittleEndian.PutUint32(sizePrefix, uint32(len(value)))
	sd := ServiceData{Flags: Flags{SizeIndicator: true, Command: CmdInitiateUpload}, Index: index, Subindex: subindex}
	reply := r.encodeReply(sd, append(sizePrefix, first...))
	if more {
		r.segmenting = true
		r.toggle = false
		r.remaining = append([]byte(nil), value[len(first):]...)
	}
	return reply
}

func (r *ServerRequest) nextSegment() mailbox.ProcessResult {
	n := len(r.remaining)
	if n > 7 {
		n = 7
	}
	chunk := r.remaining[:n]
	r.remaining = r.remaining[n:]
	more := len(r.remaining) > 0

	sd := ServiceData{Flags: Flags{
		Command:     CmdUploadSegment,
		Toggle:      r.toggle,
		MoreFollows: more,
		SegmentSize: uint8(n),
	}}
	padded := make([]byte, 7)
	copy(padded, chunk)
	r.lastReply = r.encodeReply(sd, padded)
	r.toggle = !r.toggle
	if !more {
		return mailbox.FINALIZE
	}
	return mailbox.CONTINUE
}

func (r *ServerRequest) handleCompleteUpload(sd ServiceData, bits AccessBits) []byte {
	obj := r.s.dict.Object(sd.Index)
	if obj == nil {
		return r.s.errorReply(sd.Index, sd.Subindex, AbortObjectDoesNotExist)
	}
	count := obj.Entry(0)
	if count == nil {
		return r.s.errorReply(sd.Index, sd.Subindex, AbortSubindexDoesNotExist)
	}
	if !count.AccessFlags.ReadableIn(bits.Read) {
		return r.s.errorReply(sd.Index, sd.Subindex, AbortReadWriteOnlyAccess)
	}
	value := append([]byte(nil), count.Bytes()[:1]...) // subindex 0 supplies the count
	for i := uint8(1); i <= uint8(obj.NumberOfEntries()); i++ {
		entry := obj.Entry(i)
		if entry == nil {
			continue
		}
		if !entry.AccessFlags.ReadableIn(bits.Read) {
			return r.s.errorReply(sd.Index, sd.Subindex, AbortReadWriteOnlyAccess)
		}
		value = append(value, entry.Bytes()...)
	}
	return r.replyUpload(sd.Index, sd.Subindex, value)
}

func (r *ServerRequest) handleDownload(sd ServiceData, data []byte) []byte {
	bits := r.s.access()
	if sd.Flags.CompleteAccess {
		return r.handleCompleteDownload(sd, data, bits)
	}

	obj := r.s.dict.Object(sd.Index)
	if obj == nil {
		return r.s.errorReply(sd.Index, sd.Subindex, AbortObjectDoesNotExist)
	}
	entry := obj.Entry(sd.Subindex)
	if entry == nil {
		return r.s.errorReply(sd.Index, sd.Subindex, AbortSubindexDoesNotExist)
	}
	if !entry.AccessFlags.WritableIn(bits.Write) {
		return r.s.errorReply(sd.Index, sd.Subindex, AbortWriteReadOnlyAccess)
	}

	var value []byte
	if sd.Flags.Expedited {
		value = data[:expeditedSize(sd.Flags.BlockSize)]
	} else {
		if len(data) < 4 {
			return r.s.errorReply(sd.Index, sd.Subindex, AbortTransferAbortedGeneric)
		}
		size := binary.LittleEndian.Uint32(data)
		value = data[4:]
		if len(value) < int(size) {
			return r.s.errorReply(sd.Index, sd.Subindex, AbortTransferAbortedGeneric)
		}
		value = value[:size]
	}
	if len(value) != entry.ByteSize() {
		return r.s.errorReply(sd.Index, sd.Subindex, AbortDataTypeLengthMismatch)
	}
	_ = entry.SetBytes(value)

	sdResp := ServiceData{Flags: Flags{Command: CmdInitiateDownload}, Index: sd.Index, Subindex: sd.Subindex}
	return r.encodeReply(sdResp, nil)
}

func (r *ServerRequest) handleCompleteDownload(sd ServiceData, data []byte, bits AccessBits) []byte {
	if sd.Subindex > 1 {
		return r.s.errorReply(sd.Index, sd.Subindex, AbortUnsupportedAccess)
	}
	obj := r.s.dict.Object(sd.Index)
	if obj == nil {
		return r.s.errorReply(sd.Index, sd.Subindex, AbortObjectDoesNotExist)
	}
	var payload []byte
	if sd.Flags.Expedited {
		payload = data[:expeditedSize(sd.Flags.BlockSize)]
	} else if len(data) >= 4 {
		size := binary.LittleEndian.Uint32(data)
		payload = data[4:]
		if len(payload) > int(size) {
			payload = payload[:size]
		}
	}
	count := obj.Entry(0)
	if count == nil || len(payload) < 1 {
		return r.s.errorReply(sd.Index, sd.Subindex, AbortTransferAbortedGeneric)
	}
	if !count.AccessFlags.WritableIn(bits.Write) {
		return r.s.errorReply(sd.Index, sd.Subindex, AbortWriteReadOnlyAccess)
	}
	offset := 1
	for i := uint8(1); i <= uint8(obj.NumberOfEntries()); i++ {
		entry := obj.Entry(i)
		if entry == nil {
			continue
		}
		sz := entry.ByteSize()
		if offset+sz > len(payload) {
			return r.s.errorReply(sd.Index, sd.Subindex, AbortDataTypeLengthMismatch)
		}
		if !entry.AccessFlags.WritableIn(bits.Write) {
			return r.s.errorReply(sd.Index, sd.Subindex, AbortWriteReadOnlyAccess)
		}
		_ = entry.SetBytes(payload[offset : offset+sz])
		offset += sz
	}
	sdResp := ServiceData{Flags: Flags{Command: CmdInitiateDownload, CompleteAccess: true}, Index: sd.Index, Subindex: sd.Subindex}
	return r.encodeReply(sdResp, nil)
}

func (r *ServerRequest) encodeReply(sd ServiceData, data []byte) []byte {
	payload := append(EncodeHeader(ServiceSDOResponse), encodeServiceData(sd)...)
	payload = append(payload, data...)
	return mailbox.Encode(mailbox.Header{Len: uint16(len(payload)), Type: mailbox.TypeCoE}, payload)
}

func (s *Server) errorReply(index uint16, subindex uint8, code AbortCode) []byte {
	sd := ServiceData{Flags: Flags{Command: CmdAbort}, Index: index, Subindex: subindex}
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, uint32(code))
	payload := append(EncodeHeader(ServiceSDORequest), encodeServiceData(sd)...)
	payload = append(payload, data...)
	return mailbox.Encode(mailbox.Header{Len: uint16(len(payload)), Type: mailbox.TypeCoE}, payload)
}
