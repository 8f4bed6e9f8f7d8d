package controller

// Map is a session's bidirectional local<->netplay port translation.
// Both arrays are fixed length and initialized to Unmapped. The mapping is
// entirely overwritten on each global reallocation (Allocate below); Insert
// exists only to apply one allocator decision at a time.
type Map struct {
	LocalToNetplay [MaxPlayers]int8
	NetplayToLocal [MaxPlayers]int8
}

// NewMap returns a Map with every entry set to Unmapped.
func NewMap() Map {
	m := Map{}
	for i := range m.LocalToNetplay {
		m.LocalToNetplay[i] = Unmapped
	}
	for i := range m.NetplayToLocal {
		m.NetplayToLocal[i] = Unmapped
	}
	return m
}

// Insert records that local port local maps to netplay port netplay. If
// netplay >= 0 the reverse entry is recorded too, preserving the invariant
// that LocalToNetplay[local] = n, n >= 0 implies NetplayToLocal[n] = local.
func (m *Map) Insert(local int, netplay int8) {
	m.LocalToNetplay[local] = netplay
	if netplay >= 0 {
		m.NetplayToLocal[netplay] = int8(local)
	}
}

// Owner is anything the allocator can read a local controller layout from:
// a participant in insertion order, contributing up to MaxPlayers local
// controllers and receiving back that session's freshly computed Map.
type Owner interface {
	LocalControllers() [MaxPlayers]Controller
	SetMap(Map)
}

// Allocate is the pure controller-slot allocator: it walks owners in
// insertion order and, for each local port in turn, assigns the next free
// netplay slot to any present local controller, leaving the rest unmapped.
// It returns the freshly packed netplay controller array and also mutates
// each owner's Map via SetMap as a side effect of the same pass.
//
// Packing invariant: the returned array is prefix-packed — no absent slot
// precedes a present one.
func Allocate(owners []Owner) [MaxPlayers]Controller {
	var netplay [MaxPlayers]Controller
	netplayPort := int8(0)

	for _, owner := range owners {
		m := NewMap()
		locals := owner.LocalControllers()
		for local := 0; local < MaxPlayers; local++ {
			c := locals[local]
			if c.Present && int(netplayPort) < MaxPlayers {
				netplay[netplayPort] = c
				m.Insert(local, netplayPort)
				netplayPort++
			} else {
				m.Insert(local, Unmapped)
			}
		}
		owner.SetMap(m)
	}

	return netplay
}
