package ethercat

import (
	"encoding/binary"
	"fmt"

	"github.com/ethercatgo/ethercat/sii"
)

// EEPROM control/address register layout. The 16-bit control register's
// high byte carries the command (read=0x01, i.e. 0x0100), and bit 15 the
// busy flag this repo polls before trusting EEPROM_DATA.
const (
	eepromCommandRead uint16 = 0x0100
	eepromBusyBit     uint16 = 0x8000

	// siiCategoryWordOffset is where the category stream begins in the
	// EEPROM's word address space, after the fixed configuration area
	// (vendor ID, product code, ...), per the ETG SII layout.
	siiCategoryWordOffset uint16 = 0x0040

	// siiFetchWords bounds how much of the category stream this repo
	// reads: generous enough for the General/SyncM/PDO categories any
	// real ESI exercises here, without having to first
	// discover the stream's true length from an as-yet-unparsed buffer.
	siiFetchWords = 256

	eepromMaxPolls = 100
)

// fetchSII reads the slave's SII category stream via the word-addressed
// EEPROM_CONTROL/ADDRESS/DATA register protocol: write the
// word address, issue a read command, poll until not busy, then read back
// 4 bytes (2 words) of EEPROM_DATA, advancing by 2 words each round.
func (b *Bus) fetchSII(s *Slave) ([]byte, error) {
	out := make([]byte, 0, siiFetchWords*2)
	for i := uint16(0); i < siiFetchWords; i += 2 {
		wordAddr := siiCategoryWordOffset + i

		addrBuf := make([]byte, 2)
		binary.LittleEndian.PutUint16(addrBuf, wordAddr)
		if _, err := b.FPWrite(s.StationAddress, RegEEPROMAddress, addrBuf); err != nil {
			return nil, err
		}

		ctrlBuf := make([]byte, 2)
		binary.LittleEndian.PutUint16(ctrlBuf, eepromCommandRead)
		if _, err := b.FPWrite(s.StationAddress, RegEEPROMControl, ctrlBuf); err != nil {
			return nil, err
		}

		if err := b.waitEEPROMReady(s.StationAddress); err != nil {
			return nil, err
		}

		data, _, err := b.FPRead(s.StationAddress, RegEEPROMData, 4)
		if err != nil {
			return nil, err
		}
		out = append(out, data...)
	}
	return out, nil
}

func (b *Bus) waitEEPROMReady(station uint16) error {
	for i := 0; i < eepromMaxPolls; i++ {
		status, _, err := b.FPRead(station, RegEEPROMControl, 2)
		if err != nil {
			return err
		}
		if binary.LittleEndian.Uint16(status)&eepromBusyBit == 0 {
			return nil
		}
	}
	return ProtocolError(fmt.Sprintf("fetch SII on station 0x%04X", station), ErrTimeout)
}

// applySII decodes the raw SII category bytes and populates the slave's
// mailbox protocol bitmap, DC-capability flag, and SM0/SM1 configuration
// ahead of configureMailboxSyncManagers.
func (b *Bus) applySII(s *Slave, data []byte) {
	res, err := sii.Parse(data)
	if err != nil || res == nil {
		return
	}

	s.Mailbox.Protocols = res.General.MailboxProtocols
	s.DCSupported = res.General.DCAvailable

	for i, sm := range res.SyncManagers {
		if i >= len(s.SyncManagers) {
			break
		}
		cfg := SyncManagerConfig{
			StartAddress: sm.StartAddress,
			Length:       sm.Length,
			Control:      sm.Control,
		}
		if sm.Enable {
			cfg.Activate = SMActivateEnable
		}
		s.SyncManagers[i] = cfg
	}

	s.Input.BitSize = sii.TotalBits(res.TxPDOs)
	s.Output.BitSize = sii.TotalBits(res.RxPDOs)
	if len(res.TxPDOs) > 0 {
		s.Input.SyncManager = res.TxPDOs[0].SyncManager
	}
	if len(res.RxPDOs) > 0 {
		s.Output.SyncManager = res.RxPDOs[0].SyncManager
	}

	if len(res.SyncManagers) > 0 {
		s.Mailbox.InStart = res.SyncManagers[0].StartAddress
		s.Mailbox.InLength = res.SyncManagers[0].Length
	}
	if len(res.SyncManagers) > 1 {
		s.Mailbox.OutStart = res.SyncManagers[1].StartAddress
		s.Mailbox.OutLength = res.SyncManagers[1].Length
	}
}
