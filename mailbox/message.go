package mailbox

import "time"

// ProcessResult is the verdict a Message's Process step returns when
// offered a raw received mailbox message.
type ProcessResult uint8

const (
	// NOOP: this message does not claim the received bytes; try the
	// next in_process message or a protocol factory.
	NOOP ProcessResult = iota
	// CONTINUE: claimed, more round trips needed; re-enqueue to_send
	// with an incremented session counter.
	CONTINUE
	// FINALIZE: claimed, transfer complete; remove from to_process.
	FINALIZE
	// FINALIZE_AND_KEEP: claimed, but stays in to_process (asynchronous
	// notifications such as CoE emergencies).
	FINALIZE_AND_KEEP
)

func (r ProcessResult) String() string {
	switch r {
	case NOOP:
		return "NOOP"
	case CONTINUE:
		return "CONTINUE"
	case FINALIZE:
		return "FINALIZE"
	case FINALIZE_AND_KEEP:
		return "FINALIZE_AND_KEEP"
	default:
		return "UNKNOWN"
	}
}

// Message is the polymorphic mailbox message abstraction. CoE SDO/SDO-Info
// requests, Emergency notifications, and gateway passthrough messages
// all implement it.
type Message interface {
	// Encode renders the next outbound frame for this message (the
	// initial request, or a follow-up segment after CONTINUE).
	Encode() []byte
	// Process offers a freshly received raw mailbox message (header
	// already stripped is NOT assumed — implementations decode their own
	// header) to this message and returns how to proceed.
	Process(raw []byte) ProcessResult
	// Deadline is the absolute time after which this message is reaped
	// as timed out if still in_process.
	Deadline() time.Time
}

// NextSessionCounter advances a mailbox session counter, cycling 1..7;
// 0 is reserved and never assigned.
func NextSessionCounter(prev uint8) uint8 {
	if prev == 0 || prev >= 7 {
		return 1
	}
	return prev + 1
}
