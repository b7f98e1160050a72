package ethercat

import (
	"encoding/binary"
	"fmt"
	"time"
)

// ALState is the master-side view of a slave's EtherCAT device state.
// Package esm defines the same numeric values from the slave
// side as its own State type; the two stay in lockstep intentionally but
// are kept as distinct types to avoid esm importing back into this
// package.
type ALState uint16

const (
	ALStateInit   ALState = 0x01
	ALStatePreOp  ALState = 0x02
	ALStateBoot   ALState = 0x03
	ALStateSafeOp ALState = 0x04
	ALStateOp     ALState = 0x08

	alStateMask uint16 = 0x0F
)

func (s ALState) String() string {
	switch s {
	case ALStateInit:
		return "INIT"
	case ALStatePreOp:
		return "PRE_OP"
	case ALStateBoot:
		return "BOOT"
	case ALStateSafeOp:
		return "SAFE_OP"
	case ALStateOp:
		return "OP"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", uint16(s))
	}
}

// requestStatePollInterval bounds how often RequestState re-reads
// AL_STATUS while waiting for a transition to settle.
const requestStatePollInterval = time.Millisecond

// RequestState broadcasts state to AL_CONTROL and polls every known
// slave's AL_STATUS until all report it. A slave that latches its error-indicator bit (AlStatusErrInd)
// with a nonzero AL_STATUS_CODE fails the request immediately; the bit
// alone with a zero code is treated as a transient artifact of the
// transition and filtered.
func (b *Bus) RequestState(state ALState, timeout time.Duration) error {
	ctrl := make([]byte, 2)
	binary.LittleEndian.PutUint16(ctrl, uint16(state))
	if _, err := b.BroadcastWrite(RegALControl, ctrl); err != nil {
		return err
	}

	deadline := b.clock.Now() + timeout
	for {
		allReady := true
		for _, s := range b.slaves {
			raw, _, err := b.FPRead(s.StationAddress, RegALStatus, 2)
			if err != nil {
				return err
			}
			status := binary.LittleEndian.Uint16(raw)
			s.ALStatus = status

			if status&AlStatusErrInd != 0 {
				code, _, err := b.FPRead(s.StationAddress, RegALStatusCode, 2)
				if err != nil {
					return err
				}
				s.ALStatusCode = binary.LittleEndian.Uint16(code)
				if s.ALStatusCode != 0 {
					return ALErrorf(fmt.Sprintf("request state %s on slave %d", state, s.Position), s.ALStatusCode, ErrUnknownRequestedState)
				}
			}

			if ALState(status&alStateMask) != state {
				allReady = false
			}
		}
		if allReady {
			return nil
		}
		if b.clock.Now() >= deadline {
			return TransportError("request state "+state.String(), ErrTimeout)
		}
		time.Sleep(requestStatePollInterval)
	}
}
