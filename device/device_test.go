package device

import (
	"context"
	"errors"
	"testing"

	"github.com/superfly/restored"
)

type fakeManagementChannel struct {
	values map[string]uint64
	closed bool
}

func (f *fakeManagementChannel) Close() error { f.closed = true; return nil }
func (f *fakeManagementChannel) Lookup(ctx context.Context, key string) (uint64, error) {
	v, ok := f.values[key]
	if !ok {
		return 0, errors.New("no such property")
	}
	return v, nil
}
func (f *fakeManagementChannel) EnterRecovery(ctx context.Context) error { return nil }

type fakeRecoveryTransport struct {
	ecid uint64
	sent []string
}

func (f *fakeRecoveryTransport) Close() error { return nil }
func (f *fakeRecoveryTransport) ECID(ctx context.Context) (uint64, error) {
	return f.ecid, nil
}
func (f *fakeRecoveryTransport) SendImage(ctx context.Context, name string, data []byte) error {
	f.sent = append(f.sent, name)
	return nil
}

type fakeEnumerator struct {
	normal   ManagementChannel
	normalErr error
	recovery   RecoveryTransport
	recoveryErr error
	restore     RestoreSession
	restoreErr  error
}

func (f *fakeEnumerator) EnumerateNormal(ctx context.Context, uuid string) (ManagementChannel, error) {
	if f.normalErr != nil {
		return nil, f.normalErr
	}
	return f.normal, nil
}
func (f *fakeEnumerator) EnumerateRecovery(ctx context.Context, uuid string) (RecoveryTransport, error) {
	if f.recoveryErr != nil {
		return nil, f.recoveryErr
	}
	return f.recovery, nil
}
func (f *fakeEnumerator) EnumerateRestore(ctx context.Context, uuid string) (RestoreSession, error) {
	if f.restoreErr != nil {
		return nil, f.restoreErr
	}
	return f.restore, nil
}

func TestProbePrefersNormal(t *testing.T) {
	mgmt := &fakeManagementChannel{values: map[string]uint64{"UniqueChipID": 42}}
	en := &fakeEnumerator{normal: mgmt, recoveryErr: errors.New("should not be reached")}

	handle, mode, err := Probe(context.Background(), en, "")
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if mode != restored.ModeNormal {
		t.Fatalf("mode = %v, want ModeNormal", mode)
	}
	if handle != mgmt {
		t.Fatal("expected the normal-mode handle back")
	}
}

func TestProbeFallsBackToRecovery(t *testing.T) {
	rec := &fakeRecoveryTransport{ecid: 99}
	en := &fakeEnumerator{normalErr: errors.New("no normal device"), recovery: rec}

	handle, mode, err := Probe(context.Background(), en, "")
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if mode != restored.ModeRecovery {
		t.Fatalf("mode = %v, want ModeRecovery", mode)
	}
	if handle != rec {
		t.Fatal("expected the recovery-mode handle back")
	}
}

func TestProbeFailsDeviceNotFoundWhenBothFail(t *testing.T) {
	en := &fakeEnumerator{normalErr: errors.New("no normal"), recoveryErr: errors.New("no recovery")}
	_, _, err := Probe(context.Background(), en, "")
	if k, ok := restored.KindOf(err); !ok || k != restored.KindDeviceNotFound {
		t.Fatalf("expected KindDeviceNotFound, got %v (%v)", k, err)
	}
}

func TestECIDFromNormal(t *testing.T) {
	mgmt := &fakeManagementChannel{values: map[string]uint64{"UniqueChipID": 7}}
	ecid, err := ECIDFromNormal(context.Background(), mgmt)
	if err != nil {
		t.Fatalf("ECIDFromNormal: %v", err)
	}
	if ecid != 7 {
		t.Fatalf("ecid = %d", ecid)
	}
}

func TestECIDFromNormalFailsDeviceIdentityUnavailable(t *testing.T) {
	mgmt := &fakeManagementChannel{values: map[string]uint64{}}
	_, err := ECIDFromNormal(context.Background(), mgmt)
	if k, ok := restored.KindOf(err); !ok || k != restored.KindDeviceIdentityUnavailable {
		t.Fatalf("expected KindDeviceIdentityUnavailable, got %v (%v)", k, err)
	}
}

func TestECIDFromRecovery(t *testing.T) {
	rec := &fakeRecoveryTransport{ecid: 123}
	ecid, err := ECIDFromRecovery(context.Background(), rec)
	if err != nil {
		t.Fatalf("ECIDFromRecovery: %v", err)
	}
	if ecid != 123 {
		t.Fatalf("ecid = %d", ecid)
	}
}
