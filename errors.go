package ethercat

import "fmt"

// Category distinguishes the four error taxonomies a Bus/slave can surface.
type Category uint8

const (
	// CategoryTransport covers link/socket failures: wrong byte counts,
	// read timeouts, frames that aren't EtherCAT at all.
	CategoryTransport Category = iota
	// CategoryProtocol covers WKC mismatches and malformed mailbox framing.
	CategoryProtocol
	// CategoryAL covers AL_STATUS_CODE failures reported by a slave's ESM.
	CategoryAL
	// CategoryCoE covers SDO abort codes.
	CategoryCoE
)

func (c Category) String() string {
	switch c {
	case CategoryTransport:
		return "transport"
	case CategoryProtocol:
		return "protocol"
	case CategoryAL:
		return "al"
	case CategoryCoE:
		return "coe"
	default:
		return "unknown"
	}
}

// BusError is the single error type returned across the public Bus API.
// It carries enough structured data for a caller to branch with errors.As
// instead of string-matching.
type BusError struct {
	Category Category
	Op       string
	Err      error

	// Populated when Category == CategoryProtocol for a WKC mismatch.
	ExpectedWKC, ReceivedWKC uint16
	// Populated when Category == CategoryAL.
	ALStatusCode uint16
	// Populated when Category == CategoryCoE.
	AbortCode uint32
}

func (e *BusError) Error() string {
	switch e.Category {
	case CategoryProtocol:
		if e.Err != nil {
			return fmt.Sprintf("%s: %s: %v", e.Op, e.Category, e.Err)
		}
		return fmt.Sprintf("%s: wkc mismatch: expected %d, got %d", e.Op, e.ExpectedWKC, e.ReceivedWKC)
	case CategoryAL:
		return fmt.Sprintf("%s: al status code 0x%04X: %v", e.Op, e.ALStatusCode, e.Err)
	case CategoryCoE:
		return fmt.Sprintf("%s: sdo abort 0x%08X: %v", e.Op, e.AbortCode, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Category, e.Err)
	}
}

func (e *BusError) Unwrap() error { return e.Err }

func TransportError(op string, err error) *BusError {
	return &BusError{Category: CategoryTransport, Op: op, Err: err}
}

func WKCError(op string, expected, received uint16) *BusError {
	return &BusError{Category: CategoryProtocol, Op: op, Err: ErrInvalidWKC, ExpectedWKC: expected, ReceivedWKC: received}
}

func ProtocolError(op string, err error) *BusError {
	return &BusError{Category: CategoryProtocol, Op: op, Err: err}
}

func ALErrorf(op string, code uint16, err error) *BusError {
	return &BusError{Category: CategoryAL, Op: op, ALStatusCode: code, Err: err}
}

func CoEAbort(op string, code uint32, err error) *BusError {
	return &BusError{Category: CategoryCoE, Op: op, AbortCode: code, Err: err}
}

// Sentinel errors wrapped by BusError.Err.
var (
	ErrInvalidWKC            = fmt.Errorf("invalid working counter")
	ErrTimeout               = fmt.Errorf("timeout")
	ErrWrongNumberOfBytes    = fmt.Errorf("wrong number of bytes received")
	ErrInvalidFrameType      = fmt.Errorf("invalid frame type")
	ErrInvalidEcatType       = fmt.Errorf("invalid ethercat sub-header type")
	ErrTooManyDatagrams      = fmt.Errorf("frame already holds MaxDatagramsPerFrame datagrams")
	ErrFrameFull             = fmt.Errorf("not enough remaining capacity in frame")
	ErrNoHandler             = fmt.Errorf("no handler registered for datagram index")
	ErrInvalidHeader         = fmt.Errorf("invalid mailbox header")
	ErrSizeTooShort          = fmt.Errorf("mailbox message too short")
	ErrUnsupportedProtocol   = fmt.Errorf("unsupported mailbox protocol")
	ErrNoMoreMemory          = fmt.Errorf("no more mailbox memory")
	ErrUnknownRequestedState = fmt.Errorf("unknown requested state")
	ErrBootstrapNotSupported = fmt.Errorf("bootstrap not supported")
	ErrTransportUnavailable  = fmt.Errorf("transport not available")
)
