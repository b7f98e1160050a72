package mailbox

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Timeoutable is implemented by Messages that want to observe their own
// reaping when Client.ReapTimeouts finds them past deadline (the CoE
// client message sets its terminal status to TIMEDOUT).
type Timeoutable interface {
	Timeout()
}

// Client is the master-side mailbox requestor: it owns to_send/to_process
// queues riding over a pair of sync-managed RAM windows and a cycling
// session counter.
type Client struct {
	log     *logrus.Entry
	clock   func() time.Time
	counter uint8

	toSend    []sendEntry
	toProcess []Message
	timedOut  uint64
}

type sendEntry struct {
	msg  Message
	data []byte
}

// Option configures a Client at construction.
type Option func(*Client)

func WithLogger(log *logrus.Entry) Option     { return func(c *Client) { c.log = log } }
func WithClock(now func() time.Time) Option   { return func(c *Client) { c.clock = now } }

// NewClient constructs an empty Client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		log:   logrus.WithField("component", "mailbox.client"),
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send enqueues msg's initial frame for transmission and tracks it in
// to_process awaiting a reply.
func (c *Client) Send(msg Message) {
	c.counter = NextSessionCounter(c.counter)
	c.toSend = append(c.toSend, sendEntry{msg: msg, data: msg.Encode()})
	c.toProcess = append(c.toProcess, msg)
}

// HasPending reports whether any message awaits transmission.
func (c *Client) HasPending() bool { return len(c.toSend) > 0 }

// NextToSend returns the head-of-queue outbound frame without popping it;
// callers pop via PopSent once the frame is actually written to the
// mailbox-in SM (a full window stalls the send).
func (c *Client) NextToSend() ([]byte, bool) {
	if len(c.toSend) == 0 {
		return nil, false
	}
	return c.toSend[0].data, true
}

// PopSent removes the head-of-queue entry after a successful write.
func (c *Client) PopSent() {
	if len(c.toSend) == 0 {
		return
	}
	c.toSend = c.toSend[1:]
}

// Receive offers a freshly read raw mailbox message to every in-flight
// to_process message until one claims it.
func (c *Client) Receive(raw []byte) {
	remaining := c.toProcess[:0]
	claimed := false
	for _, msg := range c.toProcess {
		if claimed {
			remaining = append(remaining, msg)
			continue
		}
		switch msg.Process(raw) {
		case NOOP:
			remaining = append(remaining, msg)
		case CONTINUE:
			claimed = true
			c.counter = NextSessionCounter(c.counter)
			c.toSend = append(c.toSend, sendEntry{msg: msg, data: msg.Encode()})
			remaining = append(remaining, msg)
		case FINALIZE:
			claimed = true
			// dropped from to_process
		case FINALIZE_AND_KEEP:
			claimed = true
			remaining = append(remaining, msg)
		}
	}
	c.toProcess = remaining
}

// ReapTimeouts removes every to_process entry whose Deadline has passed,
// notifying it via Timeoutable if implemented; the client observing
// TIMEDOUT owns the retry decision.
func (c *Client) ReapTimeouts() {
	now := c.clock()
	remaining := c.toProcess[:0]
	for _, msg := range c.toProcess {
		if !msg.Deadline().IsZero() && now.After(msg.Deadline()) {
			if t, ok := msg.(Timeoutable); ok {
				t.Timeout()
			}
			c.timedOut++
			c.log.Debug("mailbox message timed out")
			continue
		}
		remaining = append(remaining, msg)
	}
	c.toProcess = remaining
}

// Pending returns the number of messages currently in to_process.
func (c *Client) Pending() int { return len(c.toProcess) }

// TimedOut returns the lifetime count of reaped messages.
func (c *Client) TimedOut() uint64 { return c.timedOut }
