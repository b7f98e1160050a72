package coe

import (
	"encoding/binary"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethercatgo/ethercat/mailbox"
)

// Status is an UploadClient's terminal/in-progress state.
type Status uint8

const (
	StatusPending Status = iota
	StatusDone
	StatusAborted
	StatusTimedOut
)

// UploadClient is the master-side CoE SDO upload (read) requestor. It
// implements mailbox.Message: hand it to a mailbox.Client
// via Send, then poll Status()/Abort()/Data() once it leaves
// StatusPending.
type UploadClient struct {
	index          uint16
	subindex       uint8
	completeAccess bool

	buffer []byte // caller-owned destination, grows as segments arrive
	cap    int

	expectSegmented bool
	toggle          bool

	deadline time.Time
	status   Status
	abort    AbortCode

	log *logrus.Entry
}

// NewUpload builds an upload requestor for index:subindex, writing into
// buf; a reply larger than buf aborts with the buffer-too-small code.
func NewUpload(index uint16, subindex uint8, buf []byte, completeAccess bool, deadline time.Time) *UploadClient {
	return &UploadClient{
		index: index, subindex: subindex, completeAccess: completeAccess,
		buffer: buf[:0], cap: len(buf), deadline: deadline,
		log: logrus.WithField("component", "coe.client"),
	}
}

func (c *UploadClient) Status() Status      { return c.status }
func (c *UploadClient) Abort() AbortCode    { return c.abort }
func (c *UploadClient) Data() []byte        { return c.buffer }
func (c *UploadClient) Deadline() time.Time { return c.deadline }
func (c *UploadClient) Timeout()            { c.status = StatusTimedOut }

// Encode renders the next outbound request frame: the initial
// InitiateUpload, or a follow-up UploadSegment once segmentation began.
func (c *UploadClient) Encode() []byte {
	var sd ServiceData
	if !c.expectSegmented {
		sd = ServiceData{
			Flags:    Flags{CompleteAccess: c.completeAccess, Command: CmdInitiateUpload},
			Index:    c.index,
			Subindex: c.subindex,
		}
	} else {
		sd = ServiceData{Flags: Flags{Command: CmdUploadSegment, Toggle: c.toggle}}
	}
	payload := append(EncodeHeader(ServiceSDORequest), encodeServiceData(sd)...)
	return mailbox.Encode(mailbox.Header{Len: uint16(len(payload)), Type: mailbox.TypeCoE}, payload)
}

// Process handles one received upload response.
func (c *UploadClient) Process(raw []byte) mailbox.ProcessResult {
	hdr, payload, err := mailbox.Decode(raw)
	if err != nil || hdr.Type != mailbox.TypeCoE || len(payload) < HeaderSize+ServiceDataSize {
		return mailbox.NOOP
	}
	service := DecodeHeader(payload)
	if service != ServiceSDORequest && service != ServiceSDOResponse {
		return mailbox.NOOP
	}
	body := payload[HeaderSize:]
	sd := decodeServiceData(body)
	data := body[ServiceDataSize:]

	if sd.Flags.Command == CmdAbort {
		if len(data) >= 4 {
			c.abort = AbortCode(binary.LittleEndian.Uint32(data))
		}
		c.status = StatusAborted
		return mailbox.FINALIZE
	}

	// While a segmented reply is in progress, index/subindex checks are
	// skipped — segment frames do not carry them.
	if !c.expectSegmented && sd.Index != c.index && !c.completeAccess {
		return mailbox.NOOP
	}

	if c.expectSegmented {
		return c.processSegment(sd.Flags, data)
	}

	if sd.Flags.Expedited {
		n := expeditedSize(sd.Flags.BlockSize)
		if n > len(data) {
			n = len(data)
		}
		if n > c.cap {
			return c.abortFull()
		}
		c.buffer = append(c.buffer[:0], data[:n]...)
		c.status = StatusDone
		return mailbox.FINALIZE
	}

	// Normal transfer: first 4 bytes are the complete size.
	if len(data) < 4 {
		return mailbox.NOOP
	}
	totalSize := binary.LittleEndian.Uint32(data)
	frag := data[4:]
	if int(totalSize) > c.cap {
		return c.abortFull()
	}
	if len(frag) >= int(totalSize) {
		c.buffer = append(c.buffer[:0], frag[:totalSize]...)
		c.status = StatusDone
		return mailbox.FINALIZE
	}
	c.buffer = append(c.buffer[:0], frag...)
	c.toggle = false
	c.expectSegmented = true
	return mailbox.CONTINUE
}

// processSegment handles one UPLOAD_SEGMENTED reply.
func (c *UploadClient) processSegment(flags Flags, data []byte) mailbox.ProcessResult {
	if flags.Toggle != c.toggle {
		c.status = StatusAborted
		c.abort = AbortSegmentBadToggleBit
		return mailbox.FINALIZE
	}
	n := 7
	if !flags.MoreFollows {
		n = int(flags.SegmentSize)
	}
	if n > len(data) {
		n = len(data)
	}
	if len(c.buffer)+n > c.cap {
		return c.abortFull()
	}
	c.buffer = append(c.buffer, data[:n]...)
	c.toggle = !c.toggle

	if !flags.MoreFollows {
		c.status = StatusDone
		return mailbox.FINALIZE
	}
	return mailbox.CONTINUE
}

func (c *UploadClient) abortFull() mailbox.ProcessResult {
	c.status = StatusAborted
	c.abort = AbortClientBufferTooSmall
	return mailbox.FINALIZE
}
