package mailbox

import "errors"

// Sentinel errors surfaced by the mailbox layer, wrapped into a
// ethercat.BusError(CategoryProtocol) by callers that have one (the Bus,
// the ESM).
var (
	ErrSizeTooShort        = errors.New("mailbox: message shorter than header")
	ErrInvalidHeader       = errors.New("mailbox: invalid header")
	ErrUnsupportedProtocol = errors.New("mailbox: unsupported protocol")
	ErrNoMoreMemory        = errors.New("mailbox: no more memory")
	ErrFull                = errors.New("mailbox: sync manager full, send stalled")
	ErrTimeout             = errors.New("mailbox: message timed out")
)

// ErrDetail is the one-byte detail code mailbox ERR replies carry, per
// ETG-assigned values (SIZE_TOO_SHORT=0x06, ...).
type ErrDetail uint8

const (
	ErrDetailSyntax             ErrDetail = 0x01
	ErrDetailUnsupportedProtocol ErrDetail = 0x02
	ErrDetailInvalidChannel     ErrDetail = 0x03
	ErrDetailServiceNotSupported ErrDetail = 0x04
	ErrDetailInvalidHeader      ErrDetail = 0x05
	ErrDetailSizeTooShort       ErrDetail = 0x06
	ErrDetailNoMoreMemory       ErrDetail = 0x07
	ErrDetailInvalidSize        ErrDetail = 0x08
)
