package coe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ethercatgo/ethercat/mailbox"
	"github.com/ethercatgo/ethercat/od"
)

func identityDict() *od.Dictionary {
	dict := od.NewDictionary()
	obj := od.NewObject(0x1018, od.CodeRecord, "Identity Object")
	count := od.NewEntry(0, od.TypeUint8, od.AccessReadAny, 0, "Number of entries")
	count.SetUint8(4)
	obj.AddEntry(count)

	vendor := od.NewEntry(1, od.TypeUint32, od.AccessReadAny, 0, "Vendor ID")
	vendor.SetUint32(0x6A5)
	obj.AddEntry(vendor)

	product := od.NewEntry(2, od.TypeUint32, od.AccessReadAny, 0, "Product Code")
	product.SetUint32(0xB0CAD0)
	obj.AddEntry(product)

	revision := od.NewEntry(3, od.TypeUint32, od.AccessReadAny, 0, "Revision Number")
	revision.SetUint32(0x00)
	obj.AddEntry(revision)

	serial := od.NewEntry(4, od.TypeUint32, od.AccessReadAny, 0, "Serial Number")
	serial.SetUint32(0xCAFEDECA)
	obj.AddEntry(serial)

	dict.Add(obj)
	return dict
}

func readAnyAccess() AccessBits { return AccessBits{Read: od.AccessReadAny, Write: od.AccessWriteAny} }

// TestExpeditedUploadVendorID reads a 4-byte entry inline.
func TestExpeditedUploadVendorID(t *testing.T) {
	srv := NewServer(identityDict(), readAnyAccess, time.Second)
	resp := mailbox.NewResponder(4)
	resp.RegisterFactory(srv.Factory())

	payload := append(
		EncodeHeader(ServiceSDORequest),
		encodeServiceData(ServiceData{Flags: Flags{Command: CmdInitiateUpload}, Index: 0x1018, Subindex: 1})...,
	)
	req := mailbox.Encode(mailbox.Header{Len: uint16(len(payload)), Type: mailbox.TypeCoE}, payload)
	resp.ReceiveRaw(req)

	raw, ok := resp.NextToSend()
	require.True(t, ok)

	buf := make([]byte, 4)
	client := NewUpload(0x1018, 1, buf, false, time.Now().Add(time.Second))
	require.Equal(t, mailbox.FINALIZE, client.Process(raw))
	require.Equal(t, StatusDone, client.Status())
	require.Equal(t, []byte{0xA5, 0x06, 0x00, 0x00}, client.Data())
}

// TestCompleteAccessUploadIdentity reads a whole record in one transfer.
func TestCompleteAccessUploadIdentity(t *testing.T) {
	srv := NewServer(identityDict(), readAnyAccess, time.Second)
	resp := mailbox.NewResponder(4)
	resp.RegisterFactory(srv.Factory())

	reqPayload := append(
		EncodeHeader(ServiceSDORequest),
		encodeServiceData(ServiceData{
			Flags:    Flags{CompleteAccess: true, Command: CmdInitiateUpload},
			Index:    0x1018,
			Subindex: 1,
		})...,
	)
	req := mailbox.Encode(mailbox.Header{Len: uint16(len(reqPayload)), Type: mailbox.TypeCoE}, reqPayload)
	resp.ReceiveRaw(req)

	raw, ok := resp.NextToSend()
	require.True(t, ok)
	_, payload, err := mailbox.Decode(raw)
	require.NoError(t, err)
	require.Len(t, payload, 27)

	body := payload[HeaderSize:]
	sd := decodeServiceData(body)
	require.True(t, sd.Flags.SizeIndicator)
	require.False(t, sd.Flags.Expedited)
	data := body[ServiceDataSize:]
	require.Len(t, data, 21) // 4-byte size prefix + 17 bytes of value
	require.EqualValues(t, 17, uint32(data[0])|uint32(data[1])<<8|uint32(data[2])<<16|uint32(data[3])<<24)

	value := data[4:]
	require.Equal(t, byte(4), value[0])
	require.Equal(t, []byte{0xA5, 0x06, 0x00, 0x00}, value[1:5])
	require.Equal(t, []byte{0xD0, 0xCA, 0xB0, 0x00}, value[5:9])
	require.Equal(t, []byte{0x00, 0x00, 0x00, 0x00}, value[9:13])
	require.Equal(t, []byte{0xCA, 0xDE, 0xFE, 0xCA}, value[13:17])
}

// TestUploadObjectDoesNotExist covers the OBJECT_DOES_NOT_EXIST abort.
func TestUploadObjectDoesNotExist(t *testing.T) {
	srv := NewServer(identityDict(), readAnyAccess, time.Second)
	resp := mailbox.NewResponder(4)
	resp.RegisterFactory(srv.Factory())

	reqPayload := append(
		EncodeHeader(ServiceSDORequest),
		encodeServiceData(ServiceData{Flags: Flags{Command: CmdInitiateUpload}, Index: 0x2000, Subindex: 0})...,
	)
	req := mailbox.Encode(mailbox.Header{Len: uint16(len(reqPayload)), Type: mailbox.TypeCoE}, reqPayload)
	resp.ReceiveRaw(req)

	raw, ok := resp.NextToSend()
	require.True(t, ok)
	_, payload, err := mailbox.Decode(raw)
	require.NoError(t, err)
	body := payload[HeaderSize:]
	sd := decodeServiceData(body)
	require.Equal(t, CmdAbort, sd.Flags.Command)
}

// TestWriteReadOnlyAccessAborted covers a write against an entry whose
// write-access bit is clear for the current state.
func TestWriteReadOnlyAccessAborted(t *testing.T) {
	dict := identityDict()
	srv := NewServer(dict, readAnyAccess, time.Second)
	resp := mailbox.NewResponder(4)
	resp.RegisterFactory(srv.Factory())

	reqPayload := append(
		EncodeHeader(ServiceSDORequest),
		append(encodeServiceData(ServiceData{
			Flags:    Flags{SizeIndicator: true, Expedited: true, BlockSize: 0, Command: CmdInitiateDownload},
			Index:    0x1018,
			Subindex: 1,
		}), []byte{0x01, 0x00, 0x00, 0x00}...)...,
	)
	req := mailbox.Encode(mailbox.Header{Len: uint16(len(reqPayload)), Type: mailbox.TypeCoE}, reqPayload)
	resp.ReceiveRaw(req)

	raw, ok := resp.NextToSend()
	require.True(t, ok)
	_, payload, err := mailbox.Decode(raw)
	require.NoError(t, err)
	body := payload[HeaderSize:]
	sd := decodeServiceData(body)
	require.Equal(t, CmdAbort, sd.Flags.Command)
	data := body[ServiceDataSize:]
	require.Equal(t, AbortWriteReadOnlyAccess, AbortCode(uint32(data[0])|uint32(data[1])<<8|uint32(data[2])<<16|uint32(data[3])<<24))
}
