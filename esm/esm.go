// Package esm implements the slave-side EtherCAT State Machine: the
// INIT/PRE_OP/SAFE_OP/OPERATIONAL lifecycle with guarded transitions, the
// error-acknowledge overlay, and sync-manager/process-data validity
// gating. It is driven cooperatively by the host application calling
// Play() once per cycle.
package esm

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethercatgo/ethercat"
)

// State is an EtherCAT AL state id, the value carried in the low nibble
// of AL_STATUS/AL_CONTROL.
type State uint8

const (
	StateInit    State = 0x01
	StatePreOp   State = 0x02
	StateBoot    State = 0x03
	StateSafeOp  State = 0x04
	StateOp      State = 0x08
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StatePreOp:
		return "PRE_OP"
	case StateBoot:
		return "BOOT"
	case StateSafeOp:
		return "SAFE_OP"
	case StateOp:
		return "OPERATIONAL"
	default:
		return "UNKNOWN"
	}
}

// ErrorInd is the AL_STATUS bit (0x10) latching an unacknowledged fault;
// the master clears it by setting the matching Ack bit in AL_CONTROL.
const (
	ErrorInd uint16 = 0x10
	Ack      uint16 = 0x10
)

// AL status codes, written verbatim to AL_STATUS_CODE.
const (
	CodeNone                             uint16 = 0x0000
	CodeUnknownRequestedState            uint16 = 0x0011
	CodeInvalidRequestedStateChange      uint16 = 0x0012
	CodeBootstrapNotSupported            uint16 = 0x0013
	CodeInvalidMailboxConfigurationPreop uint16 = 0x0016
	CodeInvalidInputConfiguration        uint16 = 0x001A
	CodeSyncManagerWatchdog              uint16 = 0x001B
	CodeInvalidOutputConfiguration       uint16 = 0x001C
)

// Context is the ESM's full observable state.
type Context struct {
	ALStatus                uint16
	ALStatusCode            uint16
	ALWatchdogProcessData   uint16
	ValidOutputData         bool
}

// State returns the state encoded in the low nibble of ALStatus.
func (c Context) State() State { return State(c.ALStatus &^ uint16(ErrorInd)) }

// ErrorPending reports whether the error-indicator bit is set.
func (c Context) ErrorPending() bool { return c.ALStatus&ErrorInd != 0 }

// SMValidator checks sync-managers against the reference configuration
// activated at the last successful PRE_OP/SAFE_OP transition. Mailbox SMs
// (0, 1) and PDO SMs (2.., slave-specific) are both checked via this
// callback.
type SMValidator func(index uint8) bool

// Activator enables/disables a sync-manager's PDI control bit and blocks
// until the change is observed; a non-nil error fails the transition. The
// ESM applies no deadline of its own around the call and does not read
// Timeout: how long an activation may block is up to the Activator.
type Activator func(index uint8, enable bool) error

// ESM drives one slave's state machine. It is not safe for concurrent
// use; callers invoke Play() cooperatively from their host application
// loop.
type ESM struct {
	esc   ethercat.ESC
	clock ethercat.Clock
	log   *logrus.Entry

	ctx     Context
	state   State
	Timeout time.Duration

	ValidateMailboxSM SMValidator
	ValidatePDOSM     SMValidator
	ActivateMailboxSM Activator
	ActivatePDOSM     Activator

	// BootstrapSupported reflects whether the SII advertised bootstrap
	// support; this implementation always rejects BOOT regardless, so the
	// field is informational only.
	BootstrapSupported bool

	lastWrittenStatus     uint16
	lastWrittenStatusCode uint16
}

// Option configures an ESM at construction.
type Option func(*ESM)

func WithLogger(log *logrus.Entry) Option { return func(e *ESM) { e.log = log } }
func WithTimeout(d time.Duration) Option  { return func(e *ESM) { e.Timeout = d } }

// New constructs an ESM starting in INIT.
func New(esc ethercat.ESC, clock ethercat.Clock, opts ...Option) *ESM {
	e := &ESM{
		esc:     esc,
		clock:   clock,
		log:     logrus.WithField("component", "esm"),
		state:   StateInit,
		ctx:     Context{ALStatus: uint16(StateInit)},
		Timeout: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Context returns a copy of the current observable state.
func (e *ESM) Context() Context { return e.ctx }

// State returns the current state id (ignoring the error-indicator bit).
func (e *ESM) State() State { return e.state }

// Play runs one ESM cycle: read AL_CONTROL/WDOG_STATUS, route to the
// current state's guarded logic, write back AL_STATUS_CODE then
// AL_STATUS if either changed.
func (e *ESM) Play() error {
	alControl, err := e.readU16(ethercat.RegALControl)
	if err != nil {
		return err
	}
	wdogStatus, err := e.readU16(ethercat.RegWatchdogPDStatus)
	if err != nil {
		return err
	}

	// WDOG_STATUS bit0 set means the process-data watchdog is still
	// being fed; clear means it expired.
	e.step(alControl, wdogStatus&0x01 == 0)
	return e.flushStatus()
}

func (e *ESM) readU16(addr uint16) (uint16, error) {
	buf := make([]byte, 2)
	if _, err := e.esc.Read(addr, buf); err != nil {
		return 0, err
	}
	return uint16(buf[0]) | uint16(buf[1])<<8, nil
}

func (e *ESM) writeU16(addr uint16, v uint16) error {
	buf := []byte{byte(v), byte(v >> 8)}
	_, err := e.esc.Write(addr, buf)
	return err
}

// flushStatus writes AL_STATUS_CODE before AL_STATUS whenever either
// changed since the last cycle; the order matters because masters may
// latch the code only on a status transition. With nothing changed it
// touches no register.
func (e *ESM) flushStatus() error {
	if e.ctx.ALStatusCode != e.lastWrittenStatusCode {
		if err := e.writeU16(ethercat.RegALStatusCode, e.ctx.ALStatusCode); err != nil {
			return err
		}
		e.lastWrittenStatusCode = e.ctx.ALStatusCode
	}
	if e.ctx.ALStatus != e.lastWrittenStatus {
		if err := e.writeU16(ethercat.RegALStatus, e.ctx.ALStatus); err != nil {
			return err
		}
		e.lastWrittenStatus = e.ctx.ALStatus
	}
	return nil
}

// requested extracts the requested state and ack bit from AL_CONTROL.
func requested(alControl uint16) (State, bool) {
	return State(alControl &^ uint16(Ack)), alControl&Ack != 0
}

// step applies the common transition guards, then routes to per-state
// logic.
func (e *ESM) step(alControl uint16, watchdogExpired bool) {
	reqState, ack := requested(alControl)

	if e.ctx.ErrorPending() {
		// Error remains latched until the master requests INIT with ack.
		if !(reqState == StateInit && ack) {
			return
		}
		e.clearError()
	}

	switch reqState {
	case StateInit, StatePreOp, StateSafeOp, StateOp, StateBoot:
	default:
		e.fail(CodeUnknownRequestedState)
		return
	}

	// Mailbox SMs are re-validated on every SAFE_OP/OP poll; an
	// invalidation falls the slave back to INIT.
	if (e.state == StateSafeOp || e.state == StateOp) && !e.validMailboxSMs() {
		e.transitionTo(StateInit, CodeInvalidMailboxConfigurationPreop)
		return
	}

	// Watchdog expiry in OP always wins over the requested transition.
	if e.state == StateOp && watchdogExpired {
		e.state = StateSafeOp
		e.fail(CodeSyncManagerWatchdog)
		return
	}

	if reqState == e.state {
		return
	}

	switch e.state {
	case StateInit:
		e.fromInit(reqState)
	case StatePreOp:
		e.fromPreOp(reqState)
	case StateSafeOp:
		e.fromSafeOp(reqState)
	case StateOp:
		e.fromOp(reqState)
	}
}

func (e *ESM) fromInit(req State) {
	switch req {
	case StatePreOp:
		if !e.validMailboxSMs() || !e.activateMailbox(true) {
			e.fail(CodeInvalidMailboxConfigurationPreop)
			return
		}
		e.transitionTo(StatePreOp, CodeNone)
	case StateBoot:
		e.fail(CodeBootstrapNotSupported)
	default:
		e.fail(CodeInvalidRequestedStateChange)
	}
}

func (e *ESM) fromPreOp(req State) {
	switch req {
	case StateInit:
		e.activateMailbox(false)
		e.transitionTo(StateInit, CodeNone)
	case StateSafeOp:
		if !e.validMailboxSMs() {
			e.fail(CodeInvalidMailboxConfigurationPreop)
			return
		}
		if !e.activatePDO(true) {
			e.fail(CodeInvalidOutputConfiguration)
			return
		}
		e.transitionTo(StateSafeOp, CodeNone)
	default:
		e.fail(CodeInvalidRequestedStateChange)
	}
}

func (e *ESM) fromSafeOp(req State) {
	switch req {
	case StateOp:
		if !e.ctx.ValidOutputData {
			// Output data is not valid yet: stay in SAFE_OP without
			// raising an error.
			return
		}
		if !e.validPDOSMs() {
			// Stay in SAFE_OP without latching an error; the master
			// keeps requesting OP and succeeds once the PDO SMs check
			// out.
			return
		}
		e.transitionTo(StateOp, CodeNone)
	case StatePreOp:
		e.activatePDO(false)
		e.transitionTo(StatePreOp, CodeNone)
	case StateInit:
		e.activatePDO(false)
		e.activateMailbox(false)
		e.transitionTo(StateInit, CodeNone)
	default:
		e.fail(CodeInvalidRequestedStateChange)
	}
}

func (e *ESM) fromOp(req State) {
	switch req {
	case StateSafeOp:
		e.transitionTo(StateSafeOp, CodeNone)
	case StatePreOp:
		e.activatePDO(false)
		e.transitionTo(StatePreOp, CodeNone)
	case StateInit:
		e.activatePDO(false)
		e.activateMailbox(false)
		e.transitionTo(StateInit, CodeNone)
	default:
		e.fail(CodeInvalidRequestedStateChange)
	}
}

func (e *ESM) validMailboxSMs() bool {
	if e.ValidateMailboxSM == nil {
		return true
	}
	return e.ValidateMailboxSM(0) && e.ValidateMailboxSM(1)
}

func (e *ESM) validPDOSMs() bool {
	if e.ValidatePDOSM == nil {
		return true
	}
	return e.ValidatePDOSM(2) && e.ValidatePDOSM(3)
}

func (e *ESM) activateMailbox(enable bool) bool {
	if e.ActivateMailboxSM == nil {
		return true
	}
	ok := true
	if err := e.ActivateMailboxSM(0, enable); err != nil {
		ok = false
	}
	if err := e.ActivateMailboxSM(1, enable); err != nil {
		ok = false
	}
	return ok
}

func (e *ESM) activatePDO(enable bool) bool {
	if e.ActivatePDOSM == nil {
		return true
	}
	ok := true
	if err := e.ActivatePDOSM(2, enable); err != nil {
		ok = false
	}
	if err := e.ActivatePDOSM(3, enable); err != nil {
		ok = false
	}
	return ok
}

func (e *ESM) transitionTo(s State, code uint16) {
	e.state = s
	e.ctx.ALStatus = uint16(s)
	e.ctx.ALStatusCode = code
	e.log.WithFields(logrus.Fields{"state": s, "code": code}).Debug("esm transition")
}

// fail latches the error-indicator bit over the current state and
// records code; both stay latched until the master acknowledges.
func (e *ESM) fail(code uint16) {
	e.ctx.ALStatus = uint16(e.state) | ErrorInd
	e.ctx.ALStatusCode = code
	e.log.WithFields(logrus.Fields{"state": e.state, "code": code}).Warn("esm transition rejected")
}

func (e *ESM) clearError() {
	e.ctx.ALStatus = uint16(e.state)
	e.ctx.ALStatusCode = CodeNone
}
