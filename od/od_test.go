package od

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEntryUint32RoundTrip(t *testing.T) {
	e := NewEntry(1, TypeUint32, AccessReadAny, 0, "VendorID")
	e.SetUint32(0x6A5)
	require.Equal(t, uint32(0x6A5), e.Uint32())
	require.Equal(t, []byte{0xA5, 0x06, 0x00, 0x00}, e.Bytes())
}

func TestObjectEntryLookup(t *testing.T) {
	obj := NewObject(0x1018, CodeRecord, "Identity Object")
	obj.AddEntry(NewEntry(0, TypeUint8, AccessReadAny, 0, "Number of entries"))
	obj.AddEntry(NewEntry(1, TypeUint32, AccessReadAny, 0, "VendorID"))
	obj.AddEntry(NewEntry(2, TypeUint32, AccessReadAny, 0, "ProductCode"))
	obj.AddEntry(NewEntry(3, TypeUint32, AccessReadAny, 0, "RevisionNumber"))
	obj.AddEntry(NewEntry(4, TypeUint32, AccessReadAny, 0, "SerialNumber"))

	require.Equal(t, 4, obj.NumberOfEntries())
	require.NotNil(t, obj.Entry(1))
	require.Nil(t, obj.Entry(99))
}

func TestDictionaryAddAndLookup(t *testing.T) {
	d := NewDictionary()
	d.Add(NewObject(0x1000, CodeVar, "Device type"))
	d.Add(NewObject(0x1018, CodeRecord, "Identity Object"))

	require.Len(t, d.Objects(), 2)
	require.Equal(t, "Identity Object", d.Object(0x1018).Name)
	require.Nil(t, d.Object(0x2000))
}

func TestEntrySetBytesSizeMismatch(t *testing.T) {
	e := NewEntry(1, TypeUint32, AccessReadAny, 0, "x")
	require.Error(t, e.SetBytes([]byte{1, 2, 3}))
	require.NoError(t, e.SetBytes([]byte{1, 2, 3, 4}))
}
