// Package pdo lays out the logical process image across a bus's slaves
// and exchanges cyclic process data between user buffers and ESC RAM:
// sync-manager configuration for the buffered PDO windows, FMMU records
// mapping the logical address space onto each slave's physical RAM, and
// the LRD/LWR exchange itself.
package pdo

import (
	"encoding/binary"

	"github.com/sirupsen/logrus"

	"github.com/ethercatgo/ethercat"
)

const (
	// Default SM/FMMU channel assignment: SM0/SM1 carry the mailbox,
	// SM2 the output (master-to-slave) window, SM3 the input window.
	OutputSM uint8 = 2
	InputSM  uint8 = 3

	outputFMMUChannel uint8 = 0
	inputFMMUChannel  uint8 = 1

	// SM control bytes for the buffered (3-buffer) operation mode.
	smControlBufferedWrite uint8 = 0x24 // ECAT writes, PDI reads
	smControlBufferedRead  uint8 = 0x20 // PDI writes, ECAT reads

	fmmuTypeRead  uint8 = 0x01
	fmmuTypeWrite uint8 = 0x02
	fmmuActivate  uint8 = 0x01

	// Physical RAM fallbacks for slaves whose SII carries no SM2/SM3
	// start addresses.
	defaultOutputRAMStart uint16 = 0x1100
	defaultInputRAMStart  uint16 = 0x1400
)

// Option configures a Mapper.
type Option func(*Mapper)

// WithLogger overrides the default logrus entry.
func WithLogger(log *logrus.Entry) Option {
	return func(m *Mapper) { m.log = log }
}

// Mapper owns the bus-wide process image: it discovers each slave's PDO
// geometry (bit sizes decoded from SII), assigns logical offsets, writes
// the SM and FMMU configuration, and performs the cyclic exchange.
type Mapper struct {
	bus *ethercat.Bus
	log *logrus.Entry

	outputBase, inputBase uint32
	outputImage           []byte
	inputImage            []byte

	outputSlaves []*ethercat.Slave
	inputSlaves  []*ethercat.Slave
}

func NewMapper(bus *ethercat.Bus, opts ...Option) *Mapper {
	m := &Mapper{
		bus: bus,
		log: logrus.WithField("component", "pdo"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OutputImageSize returns the laid-out output image size in bytes.
func (m *Mapper) OutputImageSize() int { return len(m.outputImage) }

// InputImageSize returns the laid-out input image size in bytes.
func (m *Mapper) InputImageSize() int { return len(m.inputImage) }

// Configure walks every discovered slave, lays the output image at
// logical 0 and the input image directly after it, allocates per-slave
// buffers (keeping any buffer the application already attached), and
// writes the SM2/SM3 and FMMU configuration to each mapped slave. Call
// between PRE_OP and the SAFE_OP request: the slave validates and
// activates its PDO SMs on the PRE_OP to SAFE_OP transition.
func (m *Mapper) Configure() error {
	m.outputSlaves = m.outputSlaves[:0]
	m.inputSlaves = m.inputSlaves[:0]

	var offset uint32
	m.outputBase = 0
	for _, s := range m.bus.Slaves() {
		if s.Output.BitSize == 0 {
			continue
		}
		layoutMapping(&s.Output, OutputSM, m.outputBase+offset)
		offset += uint32(s.Output.ByteSize)
		m.outputSlaves = append(m.outputSlaves, s)
	}
	m.outputImage = make([]byte, offset)

	m.inputBase = m.outputBase + offset
	offset = 0
	for _, s := range m.bus.Slaves() {
		if s.Input.BitSize == 0 {
			continue
		}
		layoutMapping(&s.Input, InputSM, m.inputBase+offset)
		offset += uint32(s.Input.ByteSize)
		m.inputSlaves = append(m.inputSlaves, s)
	}
	m.inputImage = make([]byte, offset)

	for _, s := range m.outputSlaves {
		if err := m.configureDirection(s, &s.Output, outputFMMUChannel, smControlBufferedWrite, fmmuTypeWrite, defaultOutputRAMStart); err != nil {
			return err
		}
	}
	for _, s := range m.inputSlaves {
		if err := m.configureDirection(s, &s.Input, inputFMMUChannel, smControlBufferedRead, fmmuTypeRead, defaultInputRAMStart); err != nil {
			return err
		}
	}

	m.log.WithFields(logrus.Fields{
		"outputs": len(m.outputSlaves),
		"inputs":  len(m.inputSlaves),
		"out_len": len(m.outputImage),
		"in_len":  len(m.inputImage),
	}).Info("process image configured")
	return nil
}

// layoutMapping fills the derived fields of one PI mapping from its SII
// bit size and the assigned logical offset.
func layoutMapping(pi *ethercat.PIMapping, sm uint8, logicalOffset uint32) {
	pi.ByteSize = uint16((pi.BitSize + 7) / 8)
	if pi.SyncManager == 0 {
		pi.SyncManager = sm
	}
	pi.LogicalOffset = logicalOffset
	if len(pi.Buffer) != int(pi.ByteSize) {
		pi.Buffer = make([]byte, pi.ByteSize)
	}
}

func (m *Mapper) configureDirection(s *ethercat.Slave, pi *ethercat.PIMapping, fmmuChannel, smControl, fmmuType uint8, defaultRAMStart uint16) error {
	cfg := s.SyncManagers[pi.SyncManager]
	if cfg.StartAddress == 0 {
		cfg.StartAddress = defaultRAMStart
	}
	cfg.Length = pi.ByteSize
	cfg.Control = smControl
	cfg.Activate = ethercat.SMActivateEnable
	s.SyncManagers[pi.SyncManager] = cfg

	if err := m.bus.WriteSyncManager(s.StationAddress, pi.SyncManager, cfg); err != nil {
		return err
	}
	return m.writeFMMU(s.StationAddress, fmmuChannel, pi.LogicalOffset, pi.ByteSize, cfg.StartAddress, fmmuType)
}

// writeFMMU encodes one 16-byte FMMU record: logical start, byte length,
// start/stop bit (whole-byte mappings here), physical start, access type
// and the activate flag.
func (m *Mapper) writeFMMU(station uint16, channel uint8, logicalStart uint32, length uint16, physicalStart uint16, fmmuType uint8) error {
	rec := make([]byte, ethercat.FMMURecordSize)
	binary.LittleEndian.PutUint32(rec[0:4], logicalStart)
	binary.LittleEndian.PutUint16(rec[4:6], length)
	rec[6] = 0 // logical start bit
	rec[7] = 7 // logical stop bit
	binary.LittleEndian.PutUint16(rec[8:10], physicalStart)
	rec[10] = 0 // physical start bit
	rec[11] = fmmuType
	rec[12] = fmmuActivate
	_, err := m.bus.FPWrite(station, ethercat.FMMUBaseAddress(channel), rec)
	return err
}

// WriteOutputs gathers every mapped slave's output buffer into the
// output image and issues one LWR covering it. A working counter short
// of the mapped-slave count fails the exchange.
func (m *Mapper) WriteOutputs() error {
	if len(m.outputImage) == 0 {
		return nil
	}
	for _, s := range m.outputSlaves {
		at := s.Output.LogicalOffset - m.outputBase
		copy(m.outputImage[at:at+uint32(s.Output.ByteSize)], s.Output.Buffer)
	}
	wkc, err := m.bus.ProcessDataWrite(m.outputBase, m.outputImage)
	if err != nil {
		return err
	}
	if expected := uint16(len(m.outputSlaves)); wkc < expected {
		return ethercat.WKCError("process data write", expected, wkc)
	}
	return nil
}

// ReadInputs issues one LRD covering the input image and scatters the
// result into every mapped slave's input buffer.
func (m *Mapper) ReadInputs() error {
	if len(m.inputImage) == 0 {
		return nil
	}
	data, wkc, err := m.bus.ProcessDataRead(m.inputBase, len(m.inputImage))
	if err != nil {
		return err
	}
	if expected := uint16(len(m.inputSlaves)); wkc < expected {
		return ethercat.WKCError("process data read", expected, wkc)
	}
	copy(m.inputImage, data)
	for _, s := range m.inputSlaves {
		at := s.Input.LogicalOffset - m.inputBase
		copy(s.Input.Buffer, m.inputImage[at:at+uint32(s.Input.ByteSize)])
	}
	return nil
}

// Exchange performs one cyclic round: outputs first, then inputs.
func (m *Mapper) Exchange() error {
	if err := m.WriteOutputs(); err != nil {
		return err
	}
	return m.ReadInputs()
}
