package restored

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// handleIDNamespace is a stable, process-wide namespace used when deriving
// a log/metric-friendly handle ID from a device's ECID. The exact value is
// not externally visible but must stay stable so the same ECID always
// yields the same handle ID across a NORMAL -> RECOVERY -> RESTORE run.
const handleIDNamespace = "restored-device-handle-v1"

// DeriveDeviceHandleID deterministically derives a short, loggable
// identifier from a device's ECID (spec §3, DeviceIdentifier). Unlike the
// ECID itself, this value is namespaced so it can be safely used as a
// correlation key in logs, metric labels, and the debug-mode bbolt
// transcript without printing the raw chip identifier everywhere.
//
// # Example
//
//	id := restored.DeriveDeviceHandleID(1234567890)
//	logger.WithField("device", id).Info("probed device")
func DeriveDeviceHandleID(ecid uint64) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", handleIDNamespace, ecid)))
	return "dev_" + hex.EncodeToString(h[:8])
}
