// Package sii decodes the SII/EEPROM binary category stream
// (ETG.1000.6): little-endian, word-addressed, 4-byte category headers
// (type:16, size:16 in words) followed by Strings/General/FMMU/SyncM/
// TxPDO/RxPDO/DC category bodies, terminated by an End(0xFFFF) category.
//
// It is a pure decoder: the word-addressed EEPROM_CONTROL/ADDRESS/DATA
// register polling protocol that fetches the raw bytes in the first
// place lives in the master's Bus.Init sequence; this package only
// decodes a buffer something else already read.
package sii

import "encoding/binary"

// Category type tags.
const (
	CategoryStrings    uint16 = 10
	CategoryGeneral    uint16 = 30
	CategoryFMMU       uint16 = 40
	CategorySyncM      uint16 = 41
	CategoryTxPDO      uint16 = 50
	CategoryRxPDO      uint16 = 51
	CategoryDC         uint16 = 60
	CategoryEnd        uint16 = 0xFFFF
)

// General holds the subset of the General category this repo cares
// about: the mailbox-protocol bitmap (used to decide whether a slave
// needs mailbox sync managers configured) and the DC-available flag.
type General struct {
	MailboxProtocols uint16
	DCAvailable      bool
}

// SyncManager mirrors one 8-byte SyncM category entry: the same shape as
// the live ESC SM register record, used to pre-configure SM0/SM1 before
// the slave has even reached PRE_OP.
type SyncManager struct {
	StartAddress uint16
	Length       uint16
	Control      uint8
	Enable       bool
}

// PDOEntry is one mapped entry within a TxPDO/RxPDO category record:
// {index, subindex, bitlen}, enough to compute a PDO's total bit size
// for sizing and validating the slave's process image.
type PDOEntry struct {
	Index    uint16
	Subindex uint8
	BitLen   uint8
}

// PDO is one TxPDO/RxPDO category record: the sync-manager it rides on
// and its mapped entries.
type PDO struct {
	SyncManager uint8
	Entries     []PDOEntry
}

// Result is the fully decoded SII category stream for one slave.
type Result struct {
	Strings      []string
	General      General
	SyncManagers []SyncManager
	TxPDOs       []PDO
	RxPDOs       []PDO
}

// Parse walks the category stream in data, decoding each recognized
// category and stopping at the End category (or at the end of data, for
// a truncated/malformed stream — callers get back whatever was decoded
// before the truncation rather than an error).
func Parse(data []byte) (*Result, error) {
	r := &Result{}
	off := 0
	for off+4 <= len(data) {
		catType := binary.LittleEndian.Uint16(data[off : off+2])
		wordSize := binary.LittleEndian.Uint16(data[off+2 : off+4])
		byteSize := int(wordSize) * 2
		off += 4
		if catType == CategoryEnd {
			break
		}
		if off+byteSize > len(data) {
			byteSize = len(data) - off
		}
		body := data[off : off+byteSize]
		switch catType {
		case CategoryStrings:
			r.Strings = parseStrings(body)
		case CategoryGeneral:
			r.General = parseGeneral(body)
		case CategorySyncM:
			r.SyncManagers = parseSyncManagers(body)
		case CategoryTxPDO:
			r.TxPDOs = append(r.TxPDOs, parsePDO(body))
		case CategoryRxPDO:
			r.RxPDOs = append(r.RxPDOs, parsePDO(body))
		}
		off += byteSize
	}
	return r, nil
}

func parseStrings(body []byte) []string {
	if len(body) == 0 {
		return nil
	}
	n := int(body[0])
	out := make([]string, 0, n)
	off := 1
	for i := 0; i < n && off < len(body); i++ {
		l := int(body[off])
		off++
		if off+l > len(body) {
			l = len(body) - off
		}
		out = append(out, string(body[off:off+l]))
		off += l
	}
	return out
}

// generalMailboxProtocolsOffset/generalFeaturesOffset/generalDCAvailableBit locate the
// two fields this repo reads out of the General category; the rest of
// the category (vendor-specific ID, name string indices, physical port
// types, ...) is intentionally not modeled; full ESI parsing belongs to
// an external tool.
const (
	generalMailboxProtocolsOffset = 0x05
	generalFeaturesOffset         = 0x0D
	generalDCAvailableBit         = 1 << 2
)

func parseGeneral(body []byte) General {
	var g General
	if len(body) > generalMailboxProtocolsOffset+1 {
		g.MailboxProtocols = binary.LittleEndian.Uint16(body[generalMailboxProtocolsOffset : generalMailboxProtocolsOffset+2])
	}
	if len(body) > generalFeaturesOffset {
		g.DCAvailable = body[generalFeaturesOffset]&generalDCAvailableBit != 0
	}
	return g
}

// syncManagerRecordSize is the SyncM category's per-entry record size:
// start(2) + length(2) + control(1) + status(1, reserved in EEPROM) +
// enable(1) + usage(1).
const syncManagerRecordSize = 8

func parseSyncManagers(body []byte) []SyncManager {
	var out []SyncManager
	for off := 0; off+syncManagerRecordSize <= len(body); off += syncManagerRecordSize {
		rec := body[off : off+syncManagerRecordSize]
		out = append(out, SyncManager{
			StartAddress: binary.LittleEndian.Uint16(rec[0:2]),
			Length:       binary.LittleEndian.Uint16(rec[2:4]),
			Control:      rec[4],
			Enable:       rec[6] != 0,
		})
	}
	return out
}

// pdoEntryRecordSize is one mapped-entry record within a TxPDO/RxPDO
// category body: index(2) + subindex(1) + nameIdx(1) + dataType(1) +
// bitlen(1).
const pdoEntryRecordSize = 6

func parsePDO(body []byte) PDO {
	if len(body) < 8 {
		return PDO{}
	}
	smIndex := body[4]
	numEntries := int(body[7])
	p := PDO{SyncManager: smIndex}
	off := 8
	for i := 0; i < numEntries && off+pdoEntryRecordSize <= len(body); i++ {
		rec := body[off : off+pdoEntryRecordSize]
		p.Entries = append(p.Entries, PDOEntry{
			Index:    binary.LittleEndian.Uint16(rec[0:2]),
			Subindex: rec[2],
			BitLen:   rec[5],
		})
		off += pdoEntryRecordSize
	}
	return p
}

// TotalBits returns the sum of mapped entry bit lengths across every PDO
// in pdos, used to size a slave's PIMapping buffer.
func TotalBits(pdos []PDO) uint32 {
	var total uint32
	for _, p := range pdos {
		for _, e := range p.Entries {
			total += uint32(e.BitLen)
		}
	}
	return total
}
