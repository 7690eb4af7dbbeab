// Package device specifies the device transport collaborators (spec §6)
// as Go interfaces — ManagementChannel (NORMAL mode), RecoveryTransport
// (RECOVERY mode and ECID-over-recovery), and RestoreSession (RESTORE
// mode messaging) — and implements the identity & mode probe (spec §4.5)
// against those interfaces.
package device

import (
	"context"

	"github.com/superfly/restored"
)

// Handle identifies one attached device transport for the duration of a
// single mode (spec §3 ownership: exactly one handle per mode at a time).
type Handle interface {
	// Close releases the transport-level resources backing this handle.
	Close() error
}

// ManagementChannel is the NORMAL-mode collaborator (spec §6): querying
// device properties and instructing a reboot into recovery.
type ManagementChannel interface {
	Handle
	// Lookup reads a named device property, e.g. "UniqueChipID".
	Lookup(ctx context.Context, key string) (uint64, error)
	// EnterRecovery instructs the device to reboot into recovery mode.
	// The handle is consumed: callers must not use it afterward.
	EnterRecovery(ctx context.Context) error
}

// RecoveryTransport is the RECOVERY-mode collaborator (spec §6):
// stream-oriented component upload plus direct ECID query.
type RecoveryTransport interface {
	Handle
	// ECID returns the device's chip identifier directly from recovery.
	ECID(ctx context.Context) (uint64, error)
	// SendImage transmits the raw signed-image bytes for one boot-chain
	// component.
	SendImage(ctx context.Context, componentName string, data []byte) error
}

// RestoreMessage is one framed property-list message exchanged over a
// RestoreSession (spec §3).
type RestoreMessage struct {
	MsgType  string
	DataType string
	Fields   map[string]interface{}
}

// RestoreSession is the RESTORE-mode collaborator (spec §6): a
// bidirectional framed message stream.
type RestoreSession interface {
	Handle
	// Receive blocks for the next inbound message.
	Receive(ctx context.Context) (RestoreMessage, error)
	// Send transmits a message to the device.
	Send(ctx context.Context, msg RestoreMessage) error
	// SendBytes streams raw in-memory bytes to the on-device receiver,
	// used for personalized component transfers.
	SendBytes(ctx context.Context, data []byte) error
	// SendFile is the on-device image streamer (spec §6): it streams the
	// local file at path to the device in chunks. Used only for the
	// filesystem payload, which is too large to stage fully in memory.
	SendFile(ctx context.Context, path string) error
}

// Enumerator discovers an attached device in a specific mode. Production
// wiring backs this with the real USB/HID transport; tests supply a fake.
type Enumerator interface {
	// EnumerateNormal finds a device in NORMAL mode, optionally filtered by
	// uuid (spec §6 "uuid" operating mode). It returns an error of kind
	// restored.KindDeviceNotFound when none is found.
	EnumerateNormal(ctx context.Context, uuid string) (ManagementChannel, error)
	// EnumerateRecovery finds a device already in RECOVERY mode.
	EnumerateRecovery(ctx context.Context, uuid string) (RecoveryTransport, error)
	// EnumerateRestore finds a device already in RESTORE mode and opens a
	// session against it, once awaitRestoreMode (spec §4.6) has observed
	// the transition.
	EnumerateRestore(ctx context.Context, uuid string) (RestoreSession, error)
}

// Mode mirrors restored.Mode so packages that only need device identity
// do not have to import the root package's transition-engine types.
type Mode = restored.Mode

// Probe implements spec §4.5's probe operation: tries NORMAL-mode
// enumeration first, then RECOVERY; fails DeviceNotFound only if both
// fail.
func Probe(ctx context.Context, en Enumerator, uuid string) (interface{}, restored.Mode, error) {
	if mgmt, err := en.EnumerateNormal(ctx, uuid); err == nil {
		return mgmt, restored.ModeNormal, nil
	}
	if rec, err := en.EnumerateRecovery(ctx, uuid); err == nil {
		return rec, restored.ModeRecovery, nil
	}
	return nil, restored.ModeUnknown, restored.NewError("device.probe", restored.KindDeviceNotFound, uuid, nil)
}

// ECIDFromNormal implements the NORMAL-mode half of spec §4.5's ecid
// operation: query UniqueChipID from the management channel.
func ECIDFromNormal(ctx context.Context, mgmt ManagementChannel) (uint64, error) {
	v, err := mgmt.Lookup(ctx, "UniqueChipID")
	if err != nil {
		return 0, restored.NewError("device.ecid", restored.KindDeviceIdentityUnavailable, "UniqueChipID", err)
	}
	return v, nil
}

// ECIDFromRecovery implements the RECOVERY-mode half of spec §4.5's ecid
// operation: query the transport directly.
func ECIDFromRecovery(ctx context.Context, rec RecoveryTransport) (uint64, error) {
	v, err := rec.ECID(ctx)
	if err != nil {
		return 0, restored.NewError("device.ecid", restored.KindDeviceIdentityUnavailable, "", err)
	}
	return v, nil
}
