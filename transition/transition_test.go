package transition

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/superfly/restored"
	"github.com/superfly/restored/bundle"
	imagepkg "github.com/superfly/restored/image"
	"github.com/superfly/restored/manifest"
	"github.com/superfly/restored/plist"
)

func buildTestArchive(t *testing.T, components []string) *bundle.Bundle {
	t.Helper()
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "firmware.ipsw")
	f, err := os.Create(archivePath)
	if err != nil {
		t.Fatalf("create archive: %v", err)
	}
	zw := zip.NewWriter(f)
	for _, name := range components {
		raw := buildImg3(t, name)
		w, err := zw.Create(name + ".img3")
		if err != nil {
			t.Fatalf("zip create: %v", err)
		}
		if _, err := w.Write(raw); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	f.Close()

	b, err := bundle.Open(archivePath)
	if err != nil {
		t.Fatalf("bundle.Open: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

// buildImg3 returns minimal, well-formed IMG3 bytes carrying a DATA
// record, reparsed and reserialized once through the image package so
// every test component is a genuine round-trip-stable container.
func buildImg3(t *testing.T, name string) []byte {
	t.Helper()
	img, err := imagepkg.Parse(buildRawImg3())
	if err != nil {
		t.Fatalf("imagepkg.Parse: %v", err)
	}
	raw, err := img.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	return raw
}

func buildRawImg3() []byte {
	// Hand-assemble one DATA record inside a minimal container, matching
	// the image package's framing, so these tests don't need to reach
	// into the image package's internals.
	const hdr = 12
	payload := []byte("component-bytes")
	bodyLen := hdr + len(payload)
	total := hdr + bodyLen
	buf := make([]byte, total)
	copy(buf[0:4], []byte("3gmI"))
	putU32(buf[4:8], uint32(total))
	putU32(buf[8:12], uint32(bodyLen))
	copy(buf[12:16], []byte("DATA"))
	putU32(buf[16:20], uint32(hdr+len(payload)))
	putU32(buf[20:24], uint32(len(payload)))
	copy(buf[24:], payload)
	return buf
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func sampleTicket(t *testing.T, components []string) *manifest.Ticket {
	t.Helper()
	entries := make(map[string]plist.Value, len(components))
	for _, name := range components {
		entries[name] = plist.Dict(map[string]plist.Value{
			"Path": plist.String(name + ".img3"),
			"Blob": plist.Bytes([]byte{0x01, 0x02}),
		})
	}
	tk, err := manifest.DecodeTicket(plist.Dict(entries))
	if err != nil {
		t.Fatalf("DecodeTicket: %v", err)
	}
	return tk
}

type fakeRecovery struct {
	sent []string
}

func (f *fakeRecovery) Close() error { return nil }
func (f *fakeRecovery) ECID(ctx context.Context) (uint64, error) { return 1, nil }
func (f *fakeRecovery) SendImage(ctx context.Context, name string, data []byte) error {
	f.sent = append(f.sent, name)
	return nil
}

type countingPrompter struct{ calls int }

func (c *countingPrompter) PromptReattach(ctx context.Context) error {
	c.calls++
	return nil
}

// TestUploadBootChainOrderAndGate covers spec invariant 5: the fixed
// upload order, with exactly one operator pause before KernelCache.
func TestUploadBootChainOrderAndGate(t *testing.T) {
	components := bootChainOrder
	b := buildTestArchive(t, components)
	ticket := sampleTicket(t, components)
	prompter := &countingPrompter{}

	deps := &Dependencies{
		Bundle:   b,
		Ticket:   ticket,
		Operator: prompter,
		Mode:     restored.NewModeCell(restored.ModeRecovery),
	}

	manager := restored.NewManager(nil)
	start, err := BuildUploadBootChain(context.Background(), deps, manager)
	if err != nil {
		t.Fatalf("BuildUploadBootChain: %v", err)
	}

	rec := &fakeRecovery{}
	resp, err := start(context.Background(), &UploadRequest{Recovery: rec})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if len(resp.Uploaded) != 5 {
		t.Fatalf("uploaded %d components, want 5: %v", len(resp.Uploaded), resp.Uploaded)
	}
	want := []string{"iBEC", "AppleLogo", "DeviceTree", "RestoreRamDisk", "KernelCache"}
	for i, name := range want {
		if resp.Uploaded[i] != name {
			t.Fatalf("Uploaded[%d] = %q, want %q", i, resp.Uploaded[i], name)
		}
		if rec.sent[i] != name {
			t.Fatalf("sent[%d] = %q, want %q", i, rec.sent[i], name)
		}
	}
	if prompter.calls != 1 {
		t.Fatalf("operator prompted %d times, want exactly 1", prompter.calls)
	}
}

func TestAwaitRestoreModeReturnsOnModeChange(t *testing.T) {
	mode := restored.NewModeCell(restored.ModeRecovery)
	go func() {
		time.Sleep(20 * time.Millisecond)
		mode.SetMode(restored.ModeRestore)
	}()
	err := AwaitRestoreMode(context.Background(), mode, time.Second, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("AwaitRestoreMode: %v", err)
	}
}

func TestAwaitRestoreModeReturnsOnQuit(t *testing.T) {
	mode := restored.NewModeCell(restored.ModeRecovery)
	go func() {
		time.Sleep(10 * time.Millisecond)
		mode.RequestQuit()
	}()
	err := AwaitRestoreMode(context.Background(), mode, time.Second, 5*time.Millisecond)
	if k, ok := restored.KindOf(err); !ok || k != restored.KindDisconnected {
		t.Fatalf("expected KindDisconnected, got %v (%v)", k, err)
	}
}

func TestAwaitRestoreModeTimesOut(t *testing.T) {
	mode := restored.NewModeCell(restored.ModeRecovery)
	err := AwaitRestoreMode(context.Background(), mode, 20*time.Millisecond, 5*time.Millisecond)
	if k, ok := restored.KindOf(err); !ok || k != restored.KindTransportIO {
		t.Fatalf("expected KindTransportIO on timeout, got %v (%v)", k, err)
	}
}
