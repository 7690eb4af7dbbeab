package manifest

import (
	"bytes"
	"testing"

	"github.com/superfly/restored"
	"github.com/superfly/restored/plist"
)

func sampleManifest() plist.Value {
	return plist.Dict(map[string]plist.Value{
		"iBEC": plist.Dict(map[string]plist.Value{
			"Info": plist.Dict(map[string]plist.Value{
				"Path": plist.String("Firmware/all_flash/iBEC.img3"),
			}),
		}),
		"OS": plist.Dict(map[string]plist.Value{
			"Info": plist.Dict(map[string]plist.Value{
				"Path": plist.String("018-1234-001.dmg"),
			}),
		}),
	})
}

func sampleTicket() plist.Value {
	return plist.Dict(map[string]plist.Value{
		"iBEC": plist.Dict(map[string]plist.Value{
			"Path": plist.String("Firmware/all_flash/iBEC.img3"),
			"Blob": plist.Bytes([]byte{0xDE, 0xAD, 0xBE, 0xEF}),
		}),
		"KernelCache": plist.Dict(map[string]plist.Value{
			"Path": plist.String("kernelcache.release"),
			"Blob": plist.Bytes([]byte{0x01}),
		}),
	})
}

func TestManifestComponentPath(t *testing.T) {
	m, err := Decode(sampleManifest())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	p, err := m.ComponentPath("iBEC")
	if err != nil {
		t.Fatalf("ComponentPath: %v", err)
	}
	if p != "Firmware/all_flash/iBEC.img3" {
		t.Fatalf("got %q", p)
	}
}

func TestManifestFilesystemPath(t *testing.T) {
	m, err := Decode(sampleManifest())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	p, err := m.FilesystemPath()
	if err != nil {
		t.Fatalf("FilesystemPath: %v", err)
	}
	if p != "018-1234-001.dmg" {
		t.Fatalf("got %q", p)
	}
}

func TestManifestComponentPathMissingIsManifestMalformed(t *testing.T) {
	m, err := Decode(sampleManifest())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	_, err = m.ComponentPath("NoSuchComponent")
	if k, ok := restored.KindOf(err); !ok || k != restored.KindManifestMalformed {
		t.Fatalf("expected KindManifestMalformed, got %v (%v)", k, err)
	}
}

func TestTicketLookupByName(t *testing.T) {
	tk, err := DecodeTicket(sampleTicket())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	e, err := tk.LookupByName("iBEC")
	if err != nil {
		t.Fatalf("LookupByName: %v", err)
	}
	if e.Path != "Firmware/all_flash/iBEC.img3" || !bytes.Equal(e.Blob, []byte{0xDE, 0xAD, 0xBE, 0xEF}) {
		t.Fatalf("got %+v", e)
	}
}

func TestTicketLookupByNameMissing(t *testing.T) {
	tk, err := DecodeTicket(sampleTicket())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	_, err = tk.LookupByName("KernelCache-typo")
	if k, ok := restored.KindOf(err); !ok || k != restored.KindTicketEntryMissing {
		t.Fatalf("expected KindTicketEntryMissing, got %v (%v)", k, err)
	}
}

// TestLookupsAreInverses covers spec invariant 3: ticketLookupByName(t, n)
// and ticketLookupByPath(t, lookupByName.path) succeed and agree on blob.
func TestLookupsAreInverses(t *testing.T) {
	tk, err := DecodeTicket(sampleTicket())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	for _, name := range []string{"iBEC", "KernelCache"} {
		byName, err := tk.LookupByName(name)
		if err != nil {
			t.Fatalf("LookupByName(%s): %v", name, err)
		}
		byPath, err := tk.LookupByPath(byName.Path)
		if err != nil {
			t.Fatalf("LookupByPath(%s): %v", byName.Path, err)
		}
		if byPath.Name != name {
			t.Fatalf("LookupByPath resolved name %q, want %q", byPath.Name, name)
		}
		if !bytes.Equal(byPath.Blob, byName.Blob) {
			t.Fatalf("blob mismatch between lookups for %s", name)
		}
	}
}

func TestTicketLookupByPathMissing(t *testing.T) {
	tk, err := DecodeTicket(sampleTicket())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	_, err = tk.LookupByPath("no/such/path")
	if k, ok := restored.KindOf(err); !ok || k != restored.KindTicketEntryMissing {
		t.Fatalf("expected KindTicketEntryMissing, got %v (%v)", k, err)
	}
}

// TestTicketDecodeSkipsNonDictTopLevelEntries covers spec §4.2's
// ticketLookupByPath scanning "all top-level dict entries" — a top-level
// entry that isn't itself a dict (e.g. a "ProductVersion" string field
// alongside the component entries) is skipped rather than failing the
// whole decode, matching the ground truth's get_tss_data_by_path.
func TestTicketDecodeSkipsNonDictTopLevelEntries(t *testing.T) {
	v := plist.Dict(map[string]plist.Value{
		"ProductVersion": plist.String("17.0"),
		"iBEC": plist.Dict(map[string]plist.Value{
			"Path": plist.String("Firmware/all_flash/iBEC.img3"),
			"Blob": plist.Bytes([]byte{0xDE, 0xAD, 0xBE, 0xEF}),
		}),
	})
	tk, err := DecodeTicket(v)
	if err != nil {
		t.Fatalf("DecodeTicket: %v", err)
	}
	if tk.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", tk.Len())
	}
	e, err := tk.LookupByName("iBEC")
	if err != nil {
		t.Fatalf("LookupByName: %v", err)
	}
	if e.Path != "Firmware/all_flash/iBEC.img3" {
		t.Fatalf("got %+v", e)
	}
}

func TestTicketDecodeRejectsMalformedEntry(t *testing.T) {
	bad := plist.Dict(map[string]plist.Value{
		"iBEC": plist.Dict(map[string]plist.Value{
			"Path": plist.Int(5), // wrong type
			"Blob": plist.Bytes([]byte{0x01}),
		}),
	})
	_, err := DecodeTicket(bad)
	if k, ok := restored.KindOf(err); !ok || k != restored.KindTicketMalformed {
		t.Fatalf("expected KindTicketMalformed, got %v (%v)", k, err)
	}
}
