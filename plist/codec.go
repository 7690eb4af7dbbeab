package plist

// Codec turns the raw bytes of a property list (as extracted verbatim from
// a firmware bundle, e.g. BuildManifest.plist) into a Value tree, and back.
// The actual on-wire plist format (binary or XML) is an excluded external
// collaborator per spec §1/§6: this module only depends on the Codec
// interface, and production wiring supplies a concrete implementation.
// Tests use FakeCodec below.
type Codec interface {
	Decode(raw []byte) (Value, error)
	Encode(v Value) ([]byte, error)
}

// FakeCodec is a Codec backed directly by a Value, for use in tests that
// want to hand a manifest or ticket to the core without round-tripping
// through an actual plist byte format. Decode ignores its argument and
// returns Value unconditionally; Encode is unsupported.
type FakeCodec struct {
	Value Value
}

// Decode returns the fake's fixed Value, ignoring raw.
func (f FakeCodec) Decode(raw []byte) (Value, error) {
	return f.Value, nil
}

// Encode is unsupported by FakeCodec; callers that need to round-trip
// should use a real Codec implementation.
func (f FakeCodec) Encode(v Value) ([]byte, error) {
	return nil, errUnsupported
}

var errUnsupported = codecError("plist: FakeCodec does not support Encode")

type codecError string

func (e codecError) Error() string { return string(e) }
