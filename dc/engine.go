// Package dc implements the master side of EtherCAT's Distributed Clock
// synchronization sequence: cycle-time broadcast, port timestamp latch
// and propagation-delay computation, static drift compensation, and
// SYNC0 activation.
//
// dc imports package ethercat for *ethercat.Bus and *ethercat.Slave rather
// than the reverse, so Engine wraps a Bus instead of DC operations living
// as Bus methods directly.
package dc

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethercatgo/ethercat"
)

// StaticDriftCompensationRounds is the number of FRMW round trips the
// engine sends to let each slave's drift-compensation filter converge.
// Tests override it via WithStaticDriftRounds to keep fixtures fast.
const StaticDriftCompensationRounds = 15000

// Option configures an Engine at construction.
type Option func(*Engine)

func WithLogger(log *logrus.Entry) Option {
	return func(e *Engine) { e.log = log }
}

// WithStaticDriftRounds overrides StaticDriftCompensationRounds; intended
// for tests driving a virtual Link, where 15000 round trips would be
// pointless overhead against a fixture reference slave.
func WithStaticDriftRounds(n int) Option {
	return func(e *Engine) { e.driftRounds = n }
}

// Engine drives one bus's DC enable sequence.
type Engine struct {
	bus   *ethercat.Bus
	clock ethercat.Clock
	log   *logrus.Entry

	driftRounds int

	// reference is the DC slave the engine anchors master time against
	// and replays drift-compensation frames through: the first DC-capable
	// slave in discovery order.
	reference *ethercat.Slave
}

func NewEngine(bus *ethercat.Bus, clock ethercat.Clock, opts ...Option) *Engine {
	e := &Engine{
		bus:         bus,
		clock:       clock,
		log:         logrus.WithField("component", "dc"),
		driftRounds: StaticDriftCompensationRounds,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) pickReference() *ethercat.Slave {
	for _, s := range e.bus.Slaves() {
		if s.DCSupported {
			return s
		}
	}
	return nil
}

// Enable runs the full DC sequence and returns the computed absolute
// network start time (the value written to DC_START_TIME).
func (e *Engine) Enable(cycleTime, shiftCycle, startDelay time.Duration) (time.Duration, error) {
	e.reference = e.pickReference()
	if e.reference == nil {
		return 0, fmt.Errorf("dc: no DC-capable slave found")
	}
	e.log.WithField("slave", e.reference.Position).Info("dc reference slave selected")

	if _, err := e.bus.BroadcastWrite(ethercat.RegDCSync0CycleTime, encodeUint32(uint32(cycleTime))); err != nil {
		return 0, err
	}

	if _, err := e.bus.BroadcastWrite(ethercat.RegDCReceivedTime, []byte{0}); err != nil {
		return 0, err
	}
	masterTime := e.clock.Now()

	if err := e.fetchReceivedTimes(); err != nil {
		return 0, err
	}
	ComputePropagationDelay(e.bus.Slaves(), masterTime)
	if err := e.applyPropagationDelay(); err != nil {
		return 0, err
	}
	if err := e.applyMasterTime(); err != nil {
		return 0, err
	}

	if _, err := e.bus.BroadcastWrite(ethercat.RegDCSpeedCntStart, encodeUint16(0x1000)); err != nil {
		return 0, err
	}
	if err := e.staticDriftCompensation(); err != nil {
		return 0, err
	}

	networkTime, err := e.fetchReferenceSystemTime()
	if err != nil {
		return 0, err
	}

	startTime := (networkTime/cycleTime)*cycleTime + cycleTime + shiftCycle + startDelay
	if _, err := e.bus.BroadcastWrite(ethercat.RegDCStartTime, encodeUint64(uint64(startTime))); err != nil {
		return 0, err
	}

	if _, err := e.bus.BroadcastWrite(ethercat.RegDCSyncActivation, []byte{0x03}); err != nil {
		return 0, err
	}

	return startTime, nil
}

// fetchReceivedTimes batches one FPRD per slave for DC_RECEIVED_TIME (the
// four port latches) and DC_ECAT_RECEIVED_TIME.
func (e *Engine) fetchReceivedTimes() error {
	for _, s := range e.bus.Slaves() {
		slave := s
		e.bus.AddDatagram(ethercat.FPRD, ethercat.DeviceAddress(slave.StationAddress, ethercat.RegDCReceivedTime), make([]byte, 16),
			func(h ethercat.DatagramHeader, payload []byte, wkc uint16) ethercat.DatagramState {
				if wkc != 1 {
					return ethercat.StateInvalidWKC
				}
				for i := 0; i < 4; i++ {
					slave.DCReceivedTime[i] = decodeUint32(payload[i*4 : i*4+4])
				}
				return ethercat.StateOK
			},
			func(ethercat.DatagramState) {},
		)
		e.bus.AddDatagram(ethercat.FPRD, ethercat.DeviceAddress(slave.StationAddress, ethercat.RegDCEcatReceivedTime), make([]byte, 8),
			func(h ethercat.DatagramHeader, payload []byte, wkc uint16) ethercat.DatagramState {
				if wkc != 1 {
					return ethercat.StateInvalidWKC
				}
				slave.DCEcatReceivedTime = decodeUint64(payload)
				return ethercat.StateOK
			},
			func(ethercat.DatagramState) {},
		)
	}
	e.bus.Flush()
	return nil
}

// applyPropagationDelay writes each DC slave's computed DCDelay to
// DC_SYSTEM_TIME_DELAY.
func (e *Engine) applyPropagationDelay() error {
	for _, s := range e.bus.Slaves() {
		if !s.DCSupported {
			continue
		}
		if _, err := e.bus.FPWrite(s.StationAddress, ethercat.RegDCSystemTimeDelay, encodeUint32(uint32(s.DCDelay))); err != nil {
			return err
		}
	}
	return nil
}

// applyMasterTime writes each slave's computed DCTimeOffset to
// DC_SYSTEM_TIME_OFFSET, skipping slaves whose offset is zero.
func (e *Engine) applyMasterTime() error {
	for _, s := range e.bus.Slaves() {
		if s.DCTimeOffset == 0 {
			continue
		}
		if _, err := e.bus.FPWrite(s.StationAddress, ethercat.RegDCSystemTimeOffset, encodeUint64(uint64(s.DCTimeOffset))); err != nil {
			return err
		}
	}
	return nil
}

// staticDriftCompensation replays driftRounds FPWR+FRMW round trips
// against the reference slave's DC_SYSTEM_TIME.
func (e *Engine) staticDriftCompensation() error {
	for i := 0; i < e.driftRounds; i++ {
		now := e.clock.Now()
		if _, err := e.bus.FPWrite(e.reference.StationAddress, ethercat.RegDCSystemTime, encodeUint64(uint64(now))); err != nil {
			return err
		}
		if _, _, err := e.bus.FRMWrite(e.reference.StationAddress, ethercat.RegDCSystemTime, 8); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) fetchReferenceSystemTime() (time.Duration, error) {
	data, wkc, err := e.bus.FPRead(e.reference.StationAddress, ethercat.RegDCSystemTime, 8)
	if err != nil {
		return 0, err
	}
	if wkc != 1 {
		return 0, fmt.Errorf("dc: invalid wkc %d fetching reference system time", wkc)
	}
	return time.Duration(decodeUint64(data)), nil
}
