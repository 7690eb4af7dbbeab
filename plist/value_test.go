package plist

import (
	"bytes"
	"testing"
)

func TestValueRoundTripThroughStruct(t *testing.T) {
	v := Dict(map[string]Value{
		"Info": Dict(map[string]Value{
			"Path": String("Firmware/all_flash/iBEC.img3"),
		}),
		"Blob":    Bytes([]byte{0x01, 0x02, 0xFF, 0x00}),
		"Index":   Int(42),
		"Signed":  Bool(true),
		"Aliases": Array(String("a"), String("b")),
	})

	s, err := ToStruct(v)
	if err != nil {
		t.Fatalf("ToStruct: %v", err)
	}
	got := FromStruct(s)

	path := mustField(t, got, "Info")
	p, err := path.Field("Path")
	if err != nil {
		t.Fatalf("Field(Path): %v", err)
	}
	ps, err := p.AsString()
	if err != nil || ps != "Firmware/all_flash/iBEC.img3" {
		t.Fatalf("Path = %q, %v", ps, err)
	}

	blobField, err := got.Field("Blob")
	if err != nil {
		t.Fatalf("Field(Blob): %v", err)
	}
	blob, err := blobField.AsBytes()
	if err != nil {
		t.Fatalf("AsBytes: %v", err)
	}
	if !bytes.Equal(blob, []byte{0x01, 0x02, 0xFF, 0x00}) {
		t.Fatalf("blob round-trip mismatch: %x", blob)
	}

	idxField, err := got.Field("Index")
	if err != nil {
		t.Fatalf("Field(Index): %v", err)
	}
	idx, err := idxField.AsInt()
	if err != nil || idx != 42 {
		t.Fatalf("Index = %d, %v", idx, err)
	}

	boolField, err := got.Field("Signed")
	if err != nil {
		t.Fatalf("Field(Signed): %v", err)
	}
	b, err := boolField.AsBool()
	if err != nil || !b {
		t.Fatalf("Signed = %v, %v", b, err)
	}

	arrField, err := got.Field("Aliases")
	if err != nil {
		t.Fatalf("Field(Aliases): %v", err)
	}
	arr, err := arrField.AsArray()
	if err != nil || len(arr) != 2 {
		t.Fatalf("Aliases = %v, %v", arr, err)
	}
}

func mustField(t *testing.T, v Value, key string) Value {
	t.Helper()
	f, err := v.Field(key)
	if err != nil {
		t.Fatalf("Field(%s): %v", key, err)
	}
	return f
}

func TestAsXxxFailsOnKindMismatch(t *testing.T) {
	v := String("not a bool")
	if _, err := v.AsBool(); err == nil {
		t.Fatal("expected AsBool to fail on a String value")
	}
	if _, err := v.AsInt(); err == nil {
		t.Fatal("expected AsInt to fail on a String value")
	}
	if _, err := v.AsDict(); err == nil {
		t.Fatal("expected AsDict to fail on a String value")
	}
}

func TestFieldFailsOnMissingKey(t *testing.T) {
	v := Dict(map[string]Value{"Present": String("x")})
	if _, err := v.Field("Absent"); err == nil {
		t.Fatal("expected Field to fail for an absent key")
	}
}

func TestBytesValueIsDistinctFromString(t *testing.T) {
	raw := []byte("hello")
	bv := Bytes(raw)
	if bv.Kind() != KindBytes {
		t.Fatalf("Kind() = %v, want KindBytes", bv.Kind())
	}
	s, err := ToStruct(Dict(map[string]Value{"B": bv}))
	if err != nil {
		t.Fatalf("ToStruct: %v", err)
	}
	got := FromStruct(s)
	f, err := got.Field("B")
	if err != nil {
		t.Fatalf("Field: %v", err)
	}
	if f.Kind() != KindBytes {
		t.Fatalf("round-tripped Kind() = %v, want KindBytes", f.Kind())
	}
}

func TestFakeCodecDecode(t *testing.T) {
	want := Dict(map[string]Value{"X": Int(1)})
	c := FakeCodec{Value: want}
	got, err := c.Decode([]byte("ignored"))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Kind() != KindDict {
		t.Fatalf("Kind() = %v, want KindDict", got.Kind())
	}
}
