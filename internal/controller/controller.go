// Package controller models a client's local controller layout, the
// per-session local<->netplay port translation, and the process-wide
// netplay-controller slot allocator.
package controller

// MaxPlayers is the fixed size of the netplay controller array and the
// per-session local controller array.
const MaxPlayers = 4

// Unmapped marks a controller-map entry with no corresponding slot.
const Unmapped int8 = -1

// Controller describes one of up to MaxPlayers local controllers on a
// client, or a netplay-controller slot.
type Controller struct {
	Plugin  uint8
	Present bool
	RawData uint8
}
