package restored

import "sync/atomic"

// Mode is the device's current position in the one-way mode progression
// NORMAL -> RECOVERY -> RESTORE. See spec §3.
type Mode int32

const (
	ModeUnknown Mode = iota
	ModeNormal
	ModeRecovery
	ModeRestore
	// ModeDFU is acknowledged by the protocol but never entered by this
	// core (spec §3).
	ModeDFU
)

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeRecovery:
		return "recovery"
	case ModeRestore:
		return "restore"
	case ModeDFU:
		return "dfu"
	default:
		return "unknown"
	}
}

// Event is an inbound attach/detach notification from the transport layer.
// See spec §6, "Event channel (inbound)".
type Event int

const (
	EventDeviceAdd Event = iota
	EventDeviceRemove
)

// ModeCell is the two-state edge-triggered channel described in spec §9:
// "Global mutable mode flag updated from an async event callback". The
// transport layer's observer callback calls Observe; the single-threaded
// core polls Mode/Quit. It is safe for concurrent use by exactly one
// writer (the transport callback) and any number of readers.
type ModeCell struct {
	mode atomic.Int32
	quit atomic.Bool
}

// NewModeCell creates a cell seeded at the given starting mode.
func NewModeCell(initial Mode) *ModeCell {
	c := &ModeCell{}
	c.mode.Store(int32(initial))
	return c
}

// Mode returns the current mode.
func (c *ModeCell) Mode() Mode { return Mode(c.mode.Load()) }

// SetMode sets the current mode. Used by the core after it has itself
// confirmed a transition (e.g. after a successful probe), not only by the
// transport callback.
func (c *ModeCell) SetMode(m Mode) { c.mode.Store(int32(m)) }

// Quit reports whether the quit signal has been raised.
func (c *ModeCell) Quit() bool { return c.quit.Load() }

// RequestQuit raises the quit signal. Idempotent.
func (c *ModeCell) RequestQuit() { c.quit.Store(true) }

// Observe applies a transport event to the cell, per spec §6:
// DEVICE_ADD -> RESTORE (if currently awaiting it), DEVICE_REMOVE -> quit.
// awaitingRestore lets the caller ignore spurious DEVICE_ADD events that
// occur while no mode-transition wait is outstanding.
func (c *ModeCell) Observe(event Event, awaitingRestore bool) {
	switch event {
	case EventDeviceAdd:
		if awaitingRestore {
			c.SetMode(ModeRestore)
		}
	case EventDeviceRemove:
		c.RequestQuit()
	}
}
