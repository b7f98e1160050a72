package dc

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ethercatgo/ethercat"
	"github.com/ethercatgo/ethercat/link/virtual"
)

// linearSlave builds a DC-capable slave wired into a straight chain:
// position p, parented on parentPos, with port0 (and port1 when hasPort1)
// active and their DC_RECEIVED_TIME latches set from t0/t1.
func linearSlave(pos, parentPos uint16, t0, t1 uint32, hasPort1 bool) *ethercat.Slave {
	s := &ethercat.Slave{
		Position:       pos,
		ParentPosition: parentPos,
		DCSupported:    true,
	}
	s.DLStatus.PLPort0 = true
	s.DCReceivedTime[0] = t0
	if hasPort1 {
		s.DLStatus.PLPort1 = true
		s.DCReceivedTime[1] = t1
	}
	return s
}

func TestComputePropagationDelayLinearThreeSlaves(t *testing.T) {
	// Straight chain, 50 ns of wire to s1 and a further 60 ns to s2.
	// Each slave's two timestamps are on its own local clock: s0 sees
	// the frame back on port 1 after the full 220 ns round trip, s1
	// after the 120 ns round trip through s2.
	s0 := linearSlave(0, 0, 0, 220, true)
	s1 := linearSlave(1, 0, 100, 220, true)
	s2 := linearSlave(2, 1, 300, 0, false)

	ComputePropagationDelay([]*ethercat.Slave{s0, s1, s2}, time.Duration(0))

	require.EqualValues(t, 0, s0.DCDelay)
	require.EqualValues(t, 50, s1.DCDelay)
	require.EqualValues(t, 110, s2.DCDelay)
}

func TestComputePropagationDelaySkipsNonDCSlave(t *testing.T) {
	s0 := linearSlave(0, 0, 0, 140, true)
	s1 := &ethercat.Slave{Position: 1, ParentPosition: 0, DCSupported: false}
	s2 := linearSlave(2, 1, 500, 0, false)

	ComputePropagationDelay([]*ethercat.Slave{s0, s1, s2}, time.Duration(0))

	require.EqualValues(t, 0, s1.DCDelay)
	// s1 is not DC-capable, so s2's parent walk skips it and lands on
	// s0: half of s0's measured 140 ns round trip covers the whole wire
	// run between the two DC slaves.
	require.EqualValues(t, 70, s2.DCDelay)
}

func TestComputePropagationDelayBranchedSiblings(t *testing.T) {
	// Y topology: s0 hangs off the master with two branches, s1 on
	// port 3 (taken first, 0-3-1-2 order) and s2 on port 1. The frame
	// returns from branch A at 80 ns and from branch B at 200 ns on
	// s0's clock.
	s0 := linearSlave(0, 0, 0, 0, false)
	s0.DLStatus.PLPort1 = true
	s0.DLStatus.PLPort3 = true
	s0.DCReceivedTime[3] = 80
	s0.DCReceivedTime[1] = 200

	s1 := linearSlave(1, 0, 1000, 0, false)
	s2 := linearSlave(2, 0, 2000, 0, false)

	ComputePropagationDelay([]*ethercat.Slave{s0, s1, s2}, time.Duration(0))

	require.EqualValues(t, 0, s0.DCDelay)
	// Branch A: half of the 80 ns round trip.
	require.EqualValues(t, 40, s1.DCDelay)
	// Branch B: half of the 120 ns spent between the two returns, plus
	// the 80 ns the frame spent in branch A before reaching s2.
	require.EqualValues(t, 140, s2.DCDelay)
}

func TestComputePropagationDelaySetsTimeOffset(t *testing.T) {
	s0 := linearSlave(0, 0, 0, 50, true)
	s0.DCEcatReceivedTime = 1000

	ComputePropagationDelay([]*ethercat.Slave{s0}, time.Duration(5000))

	require.EqualValues(t, 4000, s0.DCTimeOffset)
}

func TestComputePropagationDelayTerminatesOnParentCycle(t *testing.T) {
	// Malformed topology: 1 and 2 parent each other. The parent walk must
	// terminate and treat the slave as having no DC ancestor.
	s0 := linearSlave(0, 0, 0, 50, true)
	s1 := &ethercat.Slave{Position: 1, ParentPosition: 2, DCSupported: false}
	s2 := &ethercat.Slave{Position: 2, ParentPosition: 1, DCSupported: true}
	s2.DLStatus.PLPort0 = true
	s2.DCReceivedTime[0] = 300

	ComputePropagationDelay([]*ethercat.Slave{s0, s1, s2}, time.Duration(0))

	require.EqualValues(t, 0, s2.DCDelay)
}

func TestEnableDCOverEmulator(t *testing.T) {
	emu := virtual.NewEmulator(2)
	clock := ethercat.NewManualClock()
	clock.Set(10 * time.Millisecond)
	link := ethercat.NewLink(emu, nil, clock, 100*time.Millisecond)
	bus := ethercat.NewBus(link, clock)
	require.NoError(t, bus.Init(time.Second))

	for _, s := range bus.Slaves() {
		s.DCSupported = true
		s.DLStatus.PLPort0 = true
	}
	bus.Slaves()[1].ParentPosition = 0
	bus.Slaves()[1].DLStatus.PLPort1 = true

	engine := NewEngine(bus, clock, WithStaticDriftRounds(1))
	cycle := time.Millisecond
	startTime, err := engine.Enable(cycle, 0, 0)
	require.NoError(t, err)
	require.NotZero(t, startTime)

	ref := emu.Slave(0)
	require.Equal(t, byte(0x03), ref.Memory[ethercat.RegDCSyncActivation])
	require.EqualValues(t, uint32(cycle), binary.LittleEndian.Uint32(ref.Memory[ethercat.RegDCSync0CycleTime:]))
	require.EqualValues(t, uint64(startTime), binary.LittleEndian.Uint64(ref.Memory[ethercat.RegDCStartTime:]))
}
