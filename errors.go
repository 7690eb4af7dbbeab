package restored

import (
	"errors"
	"fmt"
)

// Kind classifies a restore failure so callers can branch on error class
// without parsing diagnostic strings. See spec §7.
type Kind string

const (
	KindDeviceNotFound            Kind = "device_not_found"
	KindDeviceIdentityUnavailable Kind = "device_identity_unavailable"
	KindBundleEntryMissing        Kind = "bundle_entry_missing"
	KindBundleCorrupt             Kind = "bundle_corrupt"
	KindManifestMalformed         Kind = "manifest_malformed"
	KindSigningUnavailable        Kind = "signing_unavailable"
	KindSigningRejected           Kind = "signing_rejected"
	KindTicketEntryMissing        Kind = "ticket_entry_missing"
	KindTicketMalformed           Kind = "ticket_malformed"
	KindImageMalformed            Kind = "image_malformed"
	KindTransportIO               Kind = "transport_io"
	KindDisconnected              Kind = "disconnected"
	KindRestoreUnknownDataType    Kind = "restore_unknown_data_type"
	KindRestoreTerminalStatus     Kind = "restore_terminal_status"
)

// Error is the single error shape every package in this module returns for
// a fatal condition. It carries the phase the failure occurred in (for the
// single-line diagnostic required by spec §7) and a Kind for programmatic
// dispatch, plus the underlying cause.
type Error struct {
	Phase string
	Kind  Kind
	Cause error
	// Detail is an optional free-form qualifier, e.g. the missing
	// component name or the offending DataType string.
	Detail string
}

func (e *Error) Error() string {
	if e.Detail != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s: %s(%s): %v", e.Phase, e.Kind, e.Detail, e.Cause)
		}
		return fmt.Sprintf("%s: %s(%s)", e.Phase, e.Kind, e.Detail)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Phase, e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Phase, e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, &Error{Kind: KindBundleCorrupt}) style matching
// on Kind alone, ignoring Phase/Cause/Detail.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	if t.Kind == "" {
		return true
	}
	return t.Kind == e.Kind
}

// NewError constructs a phase-tagged error of the given kind.
func NewError(phase string, kind Kind, detail string, cause error) *Error {
	return &Error{Phase: phase, Kind: kind, Detail: detail, Cause: cause}
}

// KindOf returns the Kind of err if it is (or wraps) a *Error, and ok=false
// otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Recoverable reports whether the error class permits a caller-driven
// retry at the same call site, per the recoverability column in spec §7.
func Recoverable(err error) bool {
	k, ok := KindOf(err)
	if !ok {
		return false
	}
	return k == KindSigningUnavailable || k == KindTransportIO
}
