package ethercat

import (
	"encoding/binary"
	"time"

	"github.com/sirupsen/logrus"
)

// BusOption configures a Bus at construction.
type BusOption func(*Bus)

// WithLogger overrides the default logrus entry used by the Bus.
func WithLogger(log *logrus.Entry) BusOption {
	return func(b *Bus) { b.log = log }
}

// Bus is the master-side Datagram Engine: it composes datagram
// calls on top of a Link, tracks discovered Slave records, and drives the
// network through its state-request protocol.
type Bus struct {
	link   *Link
	clock  Clock
	slaves []*Slave
	log    *logrus.Entry

	mailboxTimeouts uint64
}

func NewBus(link *Link, clock Clock, opts ...BusOption) *Bus {
	b := &Bus{
		link:  link,
		clock: clock,
		log:   logrus.WithField("component", "bus"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bus) Slaves() []*Slave { return b.slaves }

// LinkStats returns the underlying Link's lifetime counters.
func (b *Bus) LinkStats() LinkStats { return b.link.Stats() }

// MailboxTimeouts returns the lifetime count of mailbox messages reaped
// past their deadline across every SDO transfer this Bus ran.
func (b *Bus) MailboxTimeouts() uint64 { return b.mailboxTimeouts }

// exec queues a single datagram, flushes it immediately via
// ProcessDatagrams, and returns its resolved (payload, wkc, err) tuple.
// Most high-level ops are single-datagram; PDO exchange and
// other batched callers use AddDatagram/Flush directly instead.
func (b *Bus) exec(command Command, address uint32, data []byte) ([]byte, uint16, error) {
	var (
		respPayload []byte
		respWKC     uint16
		respState   DatagramState
	)
	b.link.AddDatagram(command, address, data,
		func(h DatagramHeader, payload []byte, wkc uint16) DatagramState {
			respPayload = append([]byte(nil), payload...)
			respWKC = wkc
			respState = StateOK
			return StateOK
		},
		func(state DatagramState) { respState = state },
	)
	b.link.ProcessDatagrams()
	if respState != StateOK {
		return nil, respWKC, TransportError(command.String(), ErrTimeout)
	}
	return respPayload, respWKC, nil
}

// BroadcastRead issues a BRD at the given ADO register, returning the
// logical-OR'd data from every responder and a WKC equal to the number of
// responders.
func (b *Bus) BroadcastRead(ado uint16, length int) ([]byte, uint16, error) {
	return b.exec(BRD, DeviceAddress(0, ado), make([]byte, length))
}

// BroadcastWrite issues a BWR at the given ADO register; WKC equals the
// number of writers.
func (b *Bus) BroadcastWrite(ado uint16, data []byte) (uint16, error) {
	_, wkc, err := b.exec(BWR, DeviceAddress(0, ado), data)
	return wkc, err
}

// APWrite issues an APWR at the given auto-increment position (as a
// two's-complement negative offset from the current frame entry point,
// per EtherCAT convention) and ADO register.
func (b *Bus) APWrite(position uint16, ado uint16, data []byte) (uint16, error) {
	negPos := uint16(-int16(position))
	_, wkc, err := b.exec(APWR, DeviceAddress(negPos, ado), data)
	return wkc, err
}

// APRead issues an APRD.
func (b *Bus) APRead(position uint16, ado uint16, length int) ([]byte, uint16, error) {
	negPos := uint16(-int16(position))
	return b.exec(APRD, DeviceAddress(negPos, ado), make([]byte, length))
}

// FPRead issues an FPRD against a fixed station address.
func (b *Bus) FPRead(station uint16, ado uint16, length int) ([]byte, uint16, error) {
	return b.exec(FPRD, DeviceAddress(station, ado), make([]byte, length))
}

// FPWrite issues an FPWR against a fixed station address.
func (b *Bus) FPWrite(station uint16, ado uint16, data []byte) (uint16, error) {
	_, wkc, err := b.exec(FPWR, DeviceAddress(station, ado), data)
	return wkc, err
}

// FRMWrite issues an FRMW: read from the reference station, atomically
// write the read value into every other participating slave, in the same
// pass (used by the DC engine's drift compensation).
func (b *Bus) FRMWrite(station uint16, ado uint16, length int) ([]byte, uint16, error) {
	return b.exec(FRMW, DeviceAddress(station, ado), make([]byte, length))
}

// ProcessDataRead issues an LRD against the logical address space; WKC
// equals the number of slaves mapped at that address.
func (b *Bus) ProcessDataRead(logicalAddress uint32, length int) ([]byte, uint16, error) {
	return b.exec(LRD, logicalAddress, make([]byte, length))
}

// ProcessDataWrite issues an LWR.
func (b *Bus) ProcessDataWrite(logicalAddress uint32, data []byte) (uint16, error) {
	_, wkc, err := b.exec(LWR, logicalAddress, data)
	return wkc, err
}

// AddDatagram exposes the underlying Link's queuing primitive for callers
// (PDO exchange, DC engine) that need to batch several datagrams into one
// frame before calling Flush.
func (b *Bus) AddDatagram(command Command, address uint32, data []byte, process ProcessCallback, onError ErrorCallback) uint8 {
	return b.link.AddDatagram(command, address, data, process, onError)
}

// Flush sends every queued datagram and runs their callbacks.
func (b *Bus) Flush() { b.link.ProcessDatagrams() }

// ---- Initialization sequence ----

const (
	initStationAddressBase uint16 = 0x1000
)

// Init runs the master's initialization sequence: detect slaves, reset
// them, assign station addresses, request INIT, fetch SII, configure
// mailbox sync managers, request PRE_OP.
func (b *Bus) Init(initTimeout time.Duration) error {
	count, err := b.detectSlaves()
	if err != nil {
		return err
	}
	b.log.WithField("count", count).Info("detected slaves")

	if err := b.resetSlaves(); err != nil {
		return err
	}
	if err := b.assignStationAddresses(); err != nil {
		return err
	}
	if err := b.RequestState(ALStateInit, initTimeout); err != nil {
		return err
	}
	for _, s := range b.slaves {
		sii, err := b.fetchSII(s)
		if err != nil {
			return err
		}
		b.applySII(s, sii)
	}
	if err := b.configureMailboxSyncManagers(); err != nil {
		return err
	}
	return b.RequestState(ALStatePreOp, initTimeout)
}

// detectSlaves issues a BRD on the TYPE register; WKC equals slave count.
// It populates b.slaves with one record per discovered position.
func (b *Bus) detectSlaves() (int, error) {
	_, wkc, err := b.BroadcastRead(RegType, 2)
	if err != nil {
		return 0, err
	}
	b.slaves = make([]*Slave, wkc)
	for i := range b.slaves {
		b.slaves[i] = &Slave{Position: uint16(i), StationAddress: initStationAddressBase + uint16(i), ParentPosition: uint16(i)}
	}
	return int(wkc), nil
}

// resetSlaves broadcast-writes zeros to DL_PORT, error counters, every
// FMMU and sync-manager, DC system time and DC sync activation, then
// writes 0x1000 to the DC speed-counter start and 0x0C00 to the DC time
// filter.
func (b *Bus) resetSlaves() error {
	zero4 := make([]byte, 4)
	if _, err := b.BroadcastWrite(RegDLControl, zero4); err != nil {
		return err
	}
	if _, err := b.BroadcastWrite(RegErrorCounters, make([]byte, 16)); err != nil {
		return err
	}
	for i := uint8(0); i < 16; i++ {
		if _, err := b.BroadcastWrite(FMMUBaseAddress(i), make([]byte, FMMURecordSize)); err != nil {
			return err
		}
	}
	for i := uint8(0); i < 8; i++ {
		if _, err := b.BroadcastWrite(SMBaseAddress(i), make([]byte, SyncManagerRecordSize)); err != nil {
			return err
		}
	}
	if _, err := b.BroadcastWrite(RegDCSystemTime, make([]byte, 8)); err != nil {
		return err
	}
	if _, err := b.BroadcastWrite(RegDCSyncActivation, []byte{0}); err != nil {
		return err
	}
	speedCntStart := make([]byte, 2)
	binary.LittleEndian.PutUint16(speedCntStart, 0x1000)
	if _, err := b.BroadcastWrite(RegDCSpeedCntStart, speedCntStart); err != nil {
		return err
	}
	timeFilter := make([]byte, 2)
	binary.LittleEndian.PutUint16(timeFilter, 0x0C00)
	if _, err := b.BroadcastWrite(RegDCTimeFilter, timeFilter); err != nil {
		return err
	}
	return nil
}

// assignStationAddresses writes 0x1000+i to each slave's STATION_ADDR
// register via APWR at auto-increment position -i, in discovery order.
func (b *Bus) assignStationAddresses() error {
	for i, s := range b.slaves {
		addr := make([]byte, 2)
		binary.LittleEndian.PutUint16(addr, s.StationAddress)
		if _, err := b.APWrite(uint16(i), RegStationAddr, addr); err != nil {
			return ProtocolError("assign station address", err)
		}
	}
	return nil
}

// configureMailboxSyncManagers configures SM0/SM1 for every slave that
// advertises a mailbox protocol in its SII General category.
func (b *Bus) configureMailboxSyncManagers() error {
	for _, s := range b.slaves {
		if s.Mailbox.Protocols == 0 {
			continue
		}
		if err := b.WriteSyncManager(s.StationAddress, 0, s.SyncManagers[0]); err != nil {
			return err
		}
		if err := b.WriteSyncManager(s.StationAddress, 1, s.SyncManagers[1]); err != nil {
			return err
		}
	}
	return nil
}

// WriteSyncManager writes one sync-manager record to a slave's ESC SM
// register bank. Used by the init sequence for the mailbox SMs and by
// package pdo for the process-data SMs.
func (b *Bus) WriteSyncManager(station uint16, index uint8, cfg SyncManagerConfig) error {
	buf := make([]byte, SyncManagerRecordSize)
	binary.LittleEndian.PutUint16(buf[0:2], cfg.StartAddress)
	binary.LittleEndian.PutUint16(buf[2:4], cfg.Length)
	buf[4] = cfg.Control
	buf[6] = cfg.Activate
	_, err := b.FPWrite(station, SMBaseAddress(index), buf)
	return err
}
