package dc

import (
	"time"

	"github.com/ethercatgo/ethercat"
)

// portTime returns the DC_RECEIVED_TIME latch for port, or zero for a
// port index outside the four physical ports.
func portTime(s *ethercat.Slave, port uint8) time.Duration {
	if port < 4 {
		return time.Duration(s.DCReceivedTime[port])
	}
	return 0
}

// prevPort returns the active port the frame traverses immediately before
// port on this slave, following the physical traversal order 0-3-1-2.
func prevPort(s *ethercat.Slave, port uint8) uint8 {
	active := s.DLStatus.ActivePorts()
	switch port {
	case 0:
		switch {
		case active&(1<<2) != 0:
			return 2
		case active&(1<<1) != 0:
			return 1
		case active&(1<<3) != 0:
			return 3
		}
	case 1:
		switch {
		case active&(1<<3) != 0:
			return 3
		case active&(1<<0) != 0:
			return 0
		case active&(1<<2) != 0:
			return 2
		}
	case 2:
		switch {
		case active&(1<<1) != 0:
			return 1
		case active&(1<<3) != 0:
			return 3
		case active&(1<<0) != 0:
			return 0
		}
	case 3:
		switch {
		case active&(1<<0) != 0:
			return 0
		case active&(1<<2) != 0:
			return 2
		case active&(1<<1) != 0:
			return 1
		}
	}
	return port
}

// parentPort pops the next unconsumed port from the bitmap, in the order
// a parent hands branches to the frame: 3, 1, 2, 0.
func parentPort(consumed *uint8) uint8 {
	b := *consumed
	var port uint8
	switch {
	case b&(1<<3) != 0:
		port = 3
		b &^= 1 << 3
	case b&(1<<1) != 0:
		port = 1
		b &^= 1 << 1
	case b&(1<<2) != 0:
		port = 2
		b &^= 1 << 2
	case b&(1<<0) != 0:
		port = 0
		b &^= 1 << 0
	}
	*consumed = b
	return port
}

// entryPort returns the active port with the lowest received-time latch,
// walking ports in the fixed traversal order 0-3-1-2 (first wins a tie).
func entryPort(s *ethercat.Slave) (uint8, bool) {
	active := s.DLStatus.ActivePorts()
	order := [4]uint8{0, 3, 1, 2}
	var best uint8
	found := false
	for _, port := range order {
		if active&(1<<port) == 0 {
			continue
		}
		if !found || portTime(s, port) < portTime(s, best) {
			best = port
			found = true
		}
	}
	return best, found
}

// findDCParent walks up the parent chain from slave, stopping at the
// nearest DC-capable ancestor. ParentPosition == Position is this repo's
// master-attachment sentinel (see Slave's doc comment); hitting it with no
// DC-capable slave found along the way means slave has no DC parent. A
// visited set guards against malformed (cyclic) parent maps.
func findDCParent(slave *ethercat.Slave, topology map[uint16]uint16, byPosition map[uint16]*ethercat.Slave) *ethercat.Slave {
	if slave.ParentPosition == slave.Position {
		return nil
	}
	pos := slave.ParentPosition
	visited := map[uint16]bool{slave.Position: true}
	for !visited[pos] {
		visited[pos] = true
		if candidate, ok := byPosition[pos]; ok && candidate.DCSupported {
			return candidate
		}
		if topology[pos] == pos {
			return nil
		}
		pos = topology[pos]
	}
	return nil
}

// ComputePropagationDelay derives each DC-capable slave's DCDelay and
// DCTimeOffset relative to masterTime.
//
// Each slave's delay accumulates down the topology from port-timestamp
// arithmetic on its nearest DC-capable ancestor: the parent's measured
// round trip through the branch (parent port minus the port traversed
// before it), minus the slave's own internal round trip when it has
// children of its own, halved on the assumption that forward and return
// propagation are equal. A slave that is not the first DC child under its
// parent additionally carries the time the frame spent in the parent's
// earlier branches. Port consumption tracks which parent port each
// discovered child attaches to; non-DC slaves that close a branch consume
// a port on the held branch root so later siblings pair up correctly.
//
// Slaves must be supplied in discovery order (parents before children);
// the master is always the implicit root.
func ComputePropagationDelay(slaves []*ethercat.Slave, masterTime time.Duration) {
	topology := make(map[uint16]uint16, len(slaves))
	byPosition := make(map[uint16]*ethercat.Slave, len(slaves))
	consumedPorts := make(map[uint16]uint8, len(slaves))
	entryPorts := make(map[uint16]uint8, len(slaves))

	for _, s := range slaves {
		topology[s.Position] = s.ParentPosition
		byPosition[s.Position] = s
		consumedPorts[s.Position] = s.DLStatus.ActivePorts()
	}

	var parentHold uint16
	holdActive := false
	for _, slave := range slaves {
		if !slave.DCSupported {
			// A non-DC slave opening a branch holds the branch root so
			// the port it occupies is consumed once the branch closes
			// (last single-open-port slave on it).
			parent := topology[slave.Position]
			if parent != slave.Position && topology[parent] != parent {
				if p := byPosition[parent]; p != nil && p.CountOpenPorts() > 2 {
					parentHold = parent
					holdActive = true
				}
			}
			if holdActive && slave.CountOpenPorts() == 1 {
				consumed := consumedPorts[parentHold]
				parentPort(&consumed)
				consumedPorts[parentHold] = consumed
				holdActive = false
			}
			continue
		}

		slave.DCTimeOffset = int64(masterTime) - int64(slave.DCEcatReceivedTime)

		entry, ok := entryPort(slave)
		if ok {
			entryPorts[slave.Position] = entry
			consumedPorts[slave.Position] &^= 1 << entry
		}

		parent := findDCParent(slave, topology, byPosition)
		if parent == nil {
			slave.DCDelay = 0
			holdActive = false
			continue
		}

		consumed := consumedPorts[parent.Position]
		pport := parentPort(&consumed)
		consumedPorts[parent.Position] = consumed
		if parent.CountOpenPorts() == 1 {
			pport = entryPorts[parent.Position]
		}

		parentPortToPrev := portTime(parent, pport) - portTime(parent, prevPort(parent, pport))

		// A slave with children of its own spends part of the parent's
		// measured round trip inside its subtree; that internal round
		// trip is taken out before halving.
		var entryToPrev time.Duration
		if slave.CountOpenPorts() > 1 {
			entryToPrev = portTime(slave, prevPort(slave, entry)) - portTime(slave, entry)
		}
		if entryToPrev > parentPortToPrev {
			entryToPrev = -entryToPrev
		}

		// A later sibling's frame arrival is offset by the time the
		// frame spent in the parent's earlier branches.
		var parentPrevToEntry time.Duration
		if !firstDCChild(slaves, slave, parent, topology) {
			parentPrevToEntry = portTime(parent, prevPort(parent, pport)) - portTime(parent, entryPorts[parent.Position])
			if parentPrevToEntry < 0 {
				parentPrevToEntry = -parentPrevToEntry
			}
		}

		slave.DCDelay = int64((parentPortToPrev-entryToPrev)/2+parentPrevToEntry) + parent.DCDelay
		holdActive = false
	}
}

// firstDCChild reports whether slave is the first DC-capable slave in
// discovery order whose direct topology parent is parent.
func firstDCChild(slaves []*ethercat.Slave, slave, parent *ethercat.Slave, topology map[uint16]uint16) bool {
	for _, check := range slaves {
		if check == slave {
			break
		}
		// The parent may be self-parented (master-attached sentinel) and
		// must not count as its own child.
		if check == parent {
			continue
		}
		if check.DCSupported && topology[check.Position] == parent.Position {
			return false
		}
	}
	return true
}
