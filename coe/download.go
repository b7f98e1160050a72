package coe

import (
	"encoding/binary"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethercatgo/ethercat/mailbox"
)

// DownloadClient is the master-side CoE SDO download (write) requestor.
// The server validates the advertised size against the entry's byte size
// in a single request/response, so unlike UploadClient this has no
// segmented-continuation leg: one request, one response.
type DownloadClient struct {
	index          uint16
	subindex       uint8
	completeAccess bool
	data           []byte

	deadline time.Time
	status   Status
	abort    AbortCode

	log *logrus.Entry
}

// NewDownload builds a download requestor writing data to index:subindex.
// completeAccess callers are responsible for prefixing data with the
// subindex-0 count byte, matching the responder's handleCompleteDownload
// layout.
func NewDownload(index uint16, subindex uint8, data []byte, completeAccess bool, deadline time.Time) *DownloadClient {
	return &DownloadClient{
		index: index, subindex: subindex, completeAccess: completeAccess,
		data: append([]byte(nil), data...), deadline: deadline,
		log: logrus.WithField("component", "coe.client"),
	}
}

func (c *DownloadClient) Status() Status      { return c.status }
func (c *DownloadClient) Abort() AbortCode    { return c.abort }
func (c *DownloadClient) Deadline() time.Time { return c.deadline }
func (c *DownloadClient) Timeout()            { c.status = StatusTimedOut }

// Encode renders the InitiateDownload request: expedited (<=4 bytes
// inline) or normal (4-byte size prefix followed by the full payload).
func (c *DownloadClient) Encode() []byte {
	sd := ServiceData{Index: c.index, Subindex: c.subindex}
	var payload []byte
	if len(c.data) <= 4 {
		pad := 4 - len(c.data)
		buf := make([]byte, 4)
		copy(buf, c.data)
		sd.Flags = Flags{SizeIndicator: true, Expedited: true, BlockSize: uint8(pad), CompleteAccess: c.completeAccess, Command: CmdInitiateDownload}
		payload = buf
	} else {
		sizePrefix := make([]byte, 4)
		binary.LittleEndian.PutUint32(sizePrefix, uint32(len(c.data)))
		sd.Flags = Flags{SizeIndicator: true, CompleteAccess: c.completeAccess, Command: CmdInitiateDownload}
		payload = append(sizePrefix, c.data...)
	}
	frame := append(EncodeHeader(ServiceSDORequest), encodeServiceData(sd)...)
	frame = append(frame, payload...)
	return mailbox.Encode(mailbox.Header{Len: uint16(len(frame)), Type: mailbox.TypeCoE}, frame)
}

// Process handles the single InitiateDownload response or an abort.
func (c *DownloadClient) Process(raw []byte) mailbox.ProcessResult {
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

	if sd.Flags.Command == CmdAbort {
		data := body[ServiceDataSize:]
		if len(data) >= 4 {
			c.abort = AbortCode(binary.LittleEndian.Uint32(data))
		}
		c.status = StatusAborted
		return mailbox.FINALIZE
	}
	if sd.Index != c.index || sd.Flags.Command != CmdInitiateDownload {
		return mailbox.NOOP
	}
	c.status = StatusDone
	return mailbox.FINALIZE
}
