package ethercat

import (
	"fmt"
	"time"

	"github.com/ethercatgo/ethercat/coe"
	"github.com/ethercatgo/ethercat/mailbox"
)

// sdoPollInterval bounds the FPRD polling cadence against a slave's
// mailbox-out sync manager while waiting for a reply. The poll loop is
// deadline-bounded rather than fixed-count so a dead slave surfaces as a
// timeout instead of a busy-wait budget guess.
const sdoPollInterval = 100 * time.Microsecond

func (b *Bus) slaveByStation(station uint16) *Slave {
	for _, s := range b.slaves {
		if s.StationAddress == station {
			return s
		}
	}
	return nil
}

// ReadSDO performs a CoE SDO upload (read) against station:index:subindex.
func (b *Bus) ReadSDO(station uint16, index uint16, subindex uint8, buf []byte, completeAccess bool, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	up := coe.NewUpload(index, subindex, buf, completeAccess, deadline)
	if err := b.runSDO(station, up, deadline); err != nil {
		return nil, err
	}
	switch up.Status() {
	case coe.StatusDone:
		return up.Data(), nil
	case coe.StatusAborted:
		return nil, CoEAbort(fmt.Sprintf("read sdo 0x%04X:%d", index, subindex), uint32(up.Abort()), up.Abort())
	default:
		return nil, TransportError("read sdo", ErrTimeout)
	}
}

// WriteSDO performs a CoE SDO download (write) against
// station:index:subindex.
func (b *Bus) WriteSDO(station uint16, index uint16, subindex uint8, data []byte, completeAccess bool, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	down := coe.NewDownload(index, subindex, data, completeAccess, deadline)
	if err := b.runSDO(station, down, deadline); err != nil {
		return err
	}
	switch down.Status() {
	case coe.StatusDone:
		return nil
	case coe.StatusAborted:
		return CoEAbort(fmt.Sprintf("write sdo 0x%04X:%d", index, subindex), uint32(down.Abort()), down.Abort())
	default:
		return TransportError("write sdo", ErrTimeout)
	}
}

// sdoMessage is mailbox.Message plus mailbox.Timeoutable and a Status
// query, which both coe.UploadClient and coe.DownloadClient satisfy.
type sdoMessage interface {
	mailbox.Message
	mailbox.Timeoutable
	Status() coe.Status
}

// runSDO drives msg to completion over station's mailbox-in/mailbox-out
// sync-managed windows: write the pending frame once the mailbox-in SM is
// free, then poll mailbox-out until it carries a reply, offering every
// received frame to msg.
func (b *Bus) runSDO(station uint16, msg sdoMessage, deadline time.Time) error {
	s := b.slaveByStation(station)
	if s == nil {
		return ProtocolError("sdo transfer", fmt.Errorf("unknown station 0x%04X", station))
	}

	client := mailbox.NewClient()
	client.Send(msg)

	for client.Pending() > 0 {
		if time.Now().After(deadline) {
			client.ReapTimeouts()
			break
		}

		if frame, ok := client.NextToSend(); ok {
			if err := b.writeMailboxIn(s, frame); err != nil {
				return err
			}
			client.PopSent()
		}

		raw, ok, err := b.pollMailboxOut(s, deadline)
		if err != nil {
			return err
		}
		if ok {
			client.Receive(raw)
		}
		client.ReapTimeouts()
	}

	if msg.Status() == coe.StatusPending {
		msg.Timeout()
	}
	b.mailboxTimeouts += client.TimedOut()
	return nil
}

// writeMailboxIn polls the mailbox-in SM's status until it is free, then
// writes frame to the slave's mailbox-in RAM window.
func (b *Bus) writeMailboxIn(s *Slave, frame []byte) error {
	for {
		status, _, err := b.FPRead(s.StationAddress, SMStatusAddress(0), 1)
		if err != nil {
			return err
		}
		if status[0]&MailboxStatusFull == 0 {
			break
		}
		time.Sleep(sdoPollInterval)
	}
	_, err := b.FPWrite(s.StationAddress, s.Mailbox.InStart, frame)
	return err
}

// pollMailboxOut checks the mailbox-out SM's full bit once; if set, it
// reads and returns the pending frame. It does not itself loop until
// deadline — the caller's runSDO loop re-polls on its own cadence so a
// ReapTimeouts pass runs between attempts.
func (b *Bus) pollMailboxOut(s *Slave, deadline time.Time) ([]byte, bool, error) {
	status, _, err := b.FPRead(s.StationAddress, SMStatusAddress(1), 1)
	if err != nil {
		return nil, false, err
	}
	if status[0]&MailboxStatusFull == 0 {
		time.Sleep(sdoPollInterval)
		return nil, false, nil
	}
	raw, _, err := b.FPRead(s.StationAddress, s.Mailbox.OutStart, int(s.Mailbox.OutLength))
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}
