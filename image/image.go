// Package image implements the signed binary container codec (spec §4.3):
// a sequence of typed, length-prefixed records — an IMG3-style framing —
// carrying at minimum a payload record, an optional signature record, and
// auxiliary records (type, version, security epoch, board ID, key bag).
// parse/replaceSignature/serialize are byte-length-agnostic: replacing a
// record's payload re-flows every length field on serialize.
package image

import (
	"encoding/binary"
	"fmt"

	"github.com/superfly/restored"
)

// Tag is a 4-byte record type tag, e.g. "DATA", "SHSH", "TYPE".
type Tag [4]byte

func (t Tag) String() string { return string(t[:]) }

// NewTag builds a Tag from a 4-character string, panicking if s is not
// exactly 4 bytes — callers only ever pass compile-time constants.
func NewTag(s string) Tag {
	if len(s) != 4 {
		panic(fmt.Sprintf("image: tag %q is not 4 bytes", s))
	}
	var t Tag
	copy(t[:], s)
	return t
}

var (
	TagData      = NewTag("DATA")
	TagSignature = NewTag("SHSH")
	TagType      = NewTag("TYPE")
	TagVersion   = NewTag("VERS")
	TagSecurityEpoch = NewTag("SEPO")
	TagBoardID   = NewTag("BORD")
	TagKeybag    = NewTag("KBAG")
)

// magic marks the start of a container.
var magic = NewTag("3gmI")

// Record is one typed, length-prefixed entry in the container.
type Record struct {
	Tag     Tag
	Payload []byte
}

// recordHeaderSize is the size of a record's tag+totalLen+dataLen header,
// mirroring IMG3's per-record framing: 4-byte tag, 4-byte total length
// (header + data + padding), 4-byte data length.
const recordHeaderSize = 12

// Image is a parsed signed binary container: an ordered list of records.
// Order is preserved across parse/serialize so records that are not the
// signature are never disturbed (spec §4.3: "does not alter other
// records").
type Image struct {
	records []Record
}

// Parse decodes raw bytes into an Image, or fails ImageMalformed.
func Parse(raw []byte) (*Image, error) {
	if len(raw) < recordHeaderSize {
		return nil, restored.NewError("image.parse", restored.KindImageMalformed, "", fmt.Errorf("container too short: %d bytes", len(raw)))
	}
	var outerTag Tag
	copy(outerTag[:], raw[0:4])
	if outerTag != magic {
		return nil, restored.NewError("image.parse", restored.KindImageMalformed, "", fmt.Errorf("bad magic %q", outerTag))
	}
	outerTotalLen := binary.BigEndian.Uint32(raw[4:8])
	if int(outerTotalLen) > len(raw) {
		return nil, restored.NewError("image.parse", restored.KindImageMalformed, "", fmt.Errorf("declared length %d exceeds buffer %d", outerTotalLen, len(raw)))
	}

	img := &Image{}
	offset := recordHeaderSize
	end := int(outerTotalLen)
	for offset < end {
		if offset+recordHeaderSize > end {
			return nil, restored.NewError("image.parse", restored.KindImageMalformed, "", fmt.Errorf("truncated record header at offset %d", offset))
		}
		var tag Tag
		copy(tag[:], raw[offset:offset+4])
		totalLen := binary.BigEndian.Uint32(raw[offset+4 : offset+8])
		dataLen := binary.BigEndian.Uint32(raw[offset+8 : offset+12])
		if totalLen < recordHeaderSize || int(totalLen) < recordHeaderSize+int(dataLen) {
			return nil, restored.NewError("image.parse", restored.KindImageMalformed, tag.String(), fmt.Errorf("inconsistent record lengths total=%d data=%d", totalLen, dataLen))
		}
		if offset+int(totalLen) > end {
			return nil, restored.NewError("image.parse", restored.KindImageMalformed, tag.String(), fmt.Errorf("record overruns container at offset %d", offset))
		}
		payload := make([]byte, dataLen)
		copy(payload, raw[offset+recordHeaderSize:offset+recordHeaderSize+int(dataLen)])
		img.records = append(img.records, Record{Tag: tag, Payload: payload})
		offset += int(totalLen)
	}
	return img, nil
}

// indexOf returns the index of the first record with the given tag, or -1.
func (img *Image) indexOf(tag Tag) int {
	for i, r := range img.records {
		if r.Tag == tag {
			return i
		}
	}
	return -1
}

// Signature returns the signature record's payload, if present.
func (img *Image) Signature() ([]byte, bool) {
	i := img.indexOf(TagSignature)
	if i < 0 {
		return nil, false
	}
	return img.records[i].Payload, true
}

// Payload returns the main data record's payload, if present.
func (img *Image) Payload() ([]byte, bool) {
	i := img.indexOf(TagData)
	if i < 0 {
		return nil, false
	}
	return img.records[i].Payload, true
}

// ReplaceSignature swaps the signature record's payload for blob,
// appending a new signature record if none exists. No other record is
// disturbed, per spec §4.3.
func (img *Image) ReplaceSignature(blob []byte) error {
	cp := make([]byte, len(blob))
	copy(cp, blob)

	i := img.indexOf(TagSignature)
	if i < 0 {
		img.records = append(img.records, Record{Tag: TagSignature, Payload: cp})
		return nil
	}
	img.records[i].Payload = cp
	return nil
}

// Serialize re-flows every length field and reproduces a valid container,
// per spec §4.3.
func (img *Image) Serialize() ([]byte, error) {
	bodyLen := 0
	for _, r := range img.records {
		bodyLen += recordLen(r)
	}
	totalLen := recordHeaderSize + bodyLen

	buf := make([]byte, totalLen)
	copy(buf[0:4], magic[:])
	binary.BigEndian.PutUint32(buf[4:8], uint32(totalLen))
	binary.BigEndian.PutUint32(buf[8:12], uint32(bodyLen))

	offset := recordHeaderSize
	for _, r := range img.records {
		rl := recordLen(r)
		copy(buf[offset:offset+4], r.Tag[:])
		binary.BigEndian.PutUint32(buf[offset+4:offset+8], uint32(rl))
		binary.BigEndian.PutUint32(buf[offset+8:offset+12], uint32(len(r.Payload)))
		copy(buf[offset+recordHeaderSize:offset+recordHeaderSize+len(r.Payload)], r.Payload)
		offset += rl
	}
	return buf, nil
}

func recordLen(r Record) int {
	return recordHeaderSize + len(r.Payload)
}
