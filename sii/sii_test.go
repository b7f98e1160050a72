package sii

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func appendCategory(buf []byte, catType uint16, body []byte) []byte {
	hdr := make([]byte, 4)
	binary.LittleEndian.PutUint16(hdr[0:2], catType)
	binary.LittleEndian.PutUint16(hdr[2:4], uint16(len(body)/2))
	buf = append(buf, hdr...)
	return append(buf, body...)
}

func TestParseGeneralCategory(t *testing.T) {
	body := make([]byte, 16)
	binary.LittleEndian.PutUint16(body[generalMailboxProtocolsOffset:], 0x003C) // AoE|EoE|CoE|FoE
	body[generalFeaturesOffset] = generalDCAvailableBit

	var data []byte
	data = appendCategory(data, CategoryGeneral, body)
	data = appendCategory(data, CategoryEnd, nil)

	res, err := Parse(data)
	require.NoError(t, err)
	require.Equal(t, uint16(0x003C), res.General.MailboxProtocols)
	require.True(t, res.General.DCAvailable)
}

func TestParseSyncManagers(t *testing.T) {
	rec := make([]byte, syncManagerRecordSize)
	binary.LittleEndian.PutUint16(rec[0:2], 0x1000)
	binary.LittleEndian.PutUint16(rec[2:4], 128)
	rec[4] = 0x26
	rec[6] = 1

	var data []byte
	data = appendCategory(data, CategorySyncM, rec)
	data = appendCategory(data, CategoryEnd, nil)

	res, err := Parse(data)
	require.NoError(t, err)
	require.Len(t, res.SyncManagers, 1)
	require.Equal(t, uint16(0x1000), res.SyncManagers[0].StartAddress)
	require.Equal(t, uint16(128), res.SyncManagers[0].Length)
	require.True(t, res.SyncManagers[0].Enable)
}

func TestParseStopsAtEndCategory(t *testing.T) {
	var data []byte
	data = appendCategory(data, CategoryEnd, nil)
	data = append(data, 0xDE, 0xAD, 0xBE, 0xEF) // garbage past End must be ignored

	res, err := Parse(data)
	require.NoError(t, err)
	require.Empty(t, res.Strings)
}

func TestTotalBitsSumsAcrossPDOs(t *testing.T) {
	pdos := []PDO{
		{Entries: []PDOEntry{{BitLen: 8}, {BitLen: 16}}},
		{Entries: []PDOEntry{{BitLen: 32}}},
	}
	require.Equal(t, uint32(56), TotalBits(pdos))
}
