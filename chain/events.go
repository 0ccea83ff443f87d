package chain

import (
	"bytes"
	"encoding/binary"
	"regexp"

	"github.com/nuwa-protocol/nuwa-kit/go/types"
)

// DIDInfo is the (method, identifier) pair carried inside chain events.
type DIDInfo struct {
	Method     string `json:"method"`
	Identifier string `json:"identifier"`
}

// DID assembles the full DID string.
func (d DIDInfo) DID() types.DID {
	return types.DID("did:" + d.Method + ":" + d.Identifier)
}

// DIDCreatedEvent is the payload of 0x3::did::DIDCreatedEvent.
type DIDCreatedEvent struct {
	DID            DIDInfo   `json:"did"`
	ObjectID       string    `json:"objectId"`
	Controllers    []DIDInfo `json:"controllers"`
	CreatorAddress string    `json:"creatorAddress"`
	CreationMethod string    `json:"creationMethod"`
}

// The canonical event payload layout mirrors the SubRAV codec conventions:
// utf8 strings carry a u16 big-endian length prefix, sequences a u16 count.

// EncodeDIDCreatedEvent serializes an event payload. Used by the mock client
// and by fixtures; the chain produces the same bytes.
func EncodeDIDCreatedEvent(ev *DIDCreatedEvent) []byte {
	var buf bytes.Buffer
	writeString(&buf, ev.DID.Method)
	writeString(&buf, ev.DID.Identifier)
	writeString(&buf, ev.ObjectID)
	var count [2]byte
	binary.BigEndian.PutUint16(count[:], uint16(len(ev.Controllers)))
	buf.Write(count[:])
	for _, c := range ev.Controllers {
		writeString(&buf, c.Method)
		writeString(&buf, c.Identifier)
	}
	writeString(&buf, ev.CreatorAddress)
	writeString(&buf, ev.CreationMethod)
	return buf.Bytes()
}

// ParseDIDCreatedEvent parses the canonical payload. Any structural mismatch
// fails with EVENT_SCHEMA_MISMATCH; callers fall back to the string extractor.
func ParseDIDCreatedEvent(data []byte) (*DIDCreatedEvent, error) {
	r := &eventReader{data: data}
	ev := &DIDCreatedEvent{}
	ev.DID.Method = r.readString()
	ev.DID.Identifier = r.readString()
	ev.ObjectID = r.readString()
	for i, n := 0, int(r.readUint16()); i < n && r.err == nil; i++ {
		ev.Controllers = append(ev.Controllers, DIDInfo{
			Method:     r.readString(),
			Identifier: r.readString(),
		})
	}
	ev.CreatorAddress = r.readString()
	ev.CreationMethod = r.readString()
	if r.err != nil {
		return nil, r.err
	}
	if r.pos != len(r.data) {
		return nil, types.Errorf(types.ErrCodeEventSchemaMismatch, "%d trailing bytes in event payload", len(r.data)-r.pos)
	}
	return ev, nil
}

var didPattern = regexp.MustCompile(`did:rooch:[0-9a-zA-Z]+`)

// ExtractDIDFromEventBytes is the string-pattern fallback used when the
// structured parse fails: it scans the raw payload for the first
// did:rooch:<id> occurrence.
func ExtractDIDFromEventBytes(data []byte) (types.DID, bool) {
	match := didPattern.Find(data)
	if match == nil {
		return "", false
	}
	return types.DID(match), true
}

type eventReader struct {
	data []byte
	pos  int
	err  error
}

func (r *eventReader) readUint16() uint16 {
	if r.err != nil {
		return 0
	}
	if r.pos+2 > len(r.data) {
		r.err = types.Errorf(types.ErrCodeEventSchemaMismatch, "truncated event payload at offset %d", r.pos)
		return 0
	}
	v := binary.BigEndian.Uint16(r.data[r.pos:])
	r.pos += 2
	return v
}

func (r *eventReader) readString() string {
	n := int(r.readUint16())
	if r.err != nil {
		return ""
	}
	if r.pos+n > len(r.data) {
		r.err = types.Errorf(types.ErrCodeEventSchemaMismatch, "truncated event payload at offset %d", r.pos)
		return ""
	}
	s := string(r.data[r.pos : r.pos+n])
	r.pos += n
	return s
}

func writeString(buf *bytes.Buffer, s string) {
	var prefix [2]byte
	binary.BigEndian.PutUint16(prefix[:], uint16(len(s)))
	buf.Write(prefix[:])
	buf.WriteString(s)
}
