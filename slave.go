package ethercat

// DLStatus mirrors the ESC DL_STATUS register's per-port PL/COM/LOOP
// indicator bits.
type DLStatus struct {
	PLPort0, PLPort1, PLPort2, PLPort3         bool
	COMPort0, COMPort1, COMPort2, COMPort3     bool
	LoopPort0, LoopPort1, LoopPort2, LoopPort3 bool
}

// ActivePorts returns the bitmap {port : PLPort<port> set}.
func (d DLStatus) ActivePorts() uint8 {
	var active uint8
	if d.PLPort0 {
		active |= 1 << 0
	}
	if d.PLPort1 {
		active |= 1 << 1
	}
	if d.PLPort2 {
		active |= 1 << 2
	}
	if d.PLPort3 {
		active |= 1 << 3
	}
	return active
}

// MailboxContext describes one of a slave's two mailbox configurations
// (standard, bootstrap), each riding over a pair of sync-managed RAM
// windows.
type MailboxContext struct {
	OutStart, OutLength uint16 // slave -> master (mailbox-out / TX SM)
	InStart, InLength   uint16 // master -> slave (mailbox-in / RX SM)
	Protocols           uint16 // supported-protocol bitmap from SII General category
}

// SyncManagerConfig is the ESC SM0..SM7 register shape the ESM validates
// against.
type SyncManagerConfig struct {
	StartAddress uint16
	Length       uint16
	Control      uint8
	Activate     uint8
	PDIControl   uint8
}

const (
	SMControlOpModeMask = 0x03
	SMControlDirMask    = 0x0C
	SMActivateEnable    = 0x01
	SMPDIControlDisable = 0x01
)

// PIMapping describes one direction (input or output) of a slave's
// process-image mapping: a buffer, its bit/byte size, the sync-manager it
// rides on, and the logical (FMMU-mapped) offset the master uses to reach
// it with LRD/LWR/LRW.
type PIMapping struct {
	Buffer        []byte
	BitSize       uint32
	ByteSize      uint16
	SyncManager   uint8
	LogicalOffset uint32
}

// Slave is the master's per-device record, owned exclusively by the Bus;
// callbacks receive it through the datagram process callback, never
// concurrently.
type Slave struct {
	Position       uint16 // auto-increment discovery order, 0-based
	StationAddress uint16 // assigned 0x1000 + Position at init

	ALStatus     uint16
	ALStatusCode uint16

	DLStatus DLStatus

	// DCReceivedTime holds the four per-port 32-bit latch timestamps
	// (ns) from DC_RECEIVED_TIME, and DCEcatReceivedTime the 64-bit
	// DC_ECAT_RECEIVED_TIME value.
	DCReceivedTime     [4]uint32
	DCEcatReceivedTime uint64
	DCTimeOffset       int64
	DCDelay            int64
	DCSupported        bool

	Mailbox          MailboxContext
	MailboxBootstrap MailboxContext

	SyncManagers [8]SyncManagerConfig

	Input, Output PIMapping

	// ParentPosition is this slave's parent in discovery order, or its
	// own Position if it is attached directly to the master (the
	// self-parenting sentinel for root slaves).
	ParentPosition uint16

	ErrorCounters struct {
		Invalid, RxError uint32
	}
}

// IsDCSupport reports whether the slave advertises a DC-capable ESC.
func (s *Slave) IsDCSupport() bool { return s.DCSupported }

// CountOpenPorts returns the number of active ports per DLStatus.
func (s *Slave) CountOpenPorts() int {
	active := s.DLStatus.ActivePorts()
	n := 0
	for i := 0; i < 4; i++ {
		if active&(1<<uint(i)) != 0 {
			n++
		}
	}
	return n
}
