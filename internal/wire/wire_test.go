package wire

import (
	"bytes"
	"encoding/binary"
	"math"
	"reflect"
	"strings"
	"testing"
)

func mustDecode(t *testing.T, b []byte) Entry {
	t.Helper()
	e, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	return e
}

func mustEncode(t *testing.T, e Entry) []byte {
	t.Helper()
	b, err := Encode(e)
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	return b
}

func TestRoundTrip(t *testing.T) {
	cases := []Entry{
		{},
		{ExpiresAt: 42, Payload: []byte("hello")},
		{ExpiresAt: math.MaxInt64, Version: 7, Flags: FlagCompressed, Payload: []byte{0, 1, 2, 3, 4}},
		{ExpiresAt: 1, Tags: []string{"room", "seat"}, Payload: []byte("x")},
		{ExpiresAt: 1, Tags: []string{"only"}, Payload: nil},
	}
	for _, tc := range cases {
		enc := mustEncode(t, tc)
		got := mustDecode(t, enc)
		if got.ExpiresAt != tc.ExpiresAt || got.Version != tc.Version || got.Flags != tc.Flags {
			t.Fatalf("meta mismatch: got=%+v want=%+v", got, tc)
		}
		if !bytes.Equal(got.Payload, tc.Payload) {
			t.Fatalf("payload mismatch: got %x want %x", got.Payload, tc.Payload)
		}
	}
}

func TestTagsSortedAndDeduplicated(t *testing.T) {
	enc := mustEncode(t, Entry{Tags: []string{"b", "a", "b", "c", "a"}, Payload: []byte("v")})
	got := mustDecode(t, enc)
	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(got.Tags, want) {
		t.Fatalf("tags: got %v want %v", got.Tags, want)
	}
	// input slice must stay untouched
	in := []string{"z", "a"}
	_ = mustEncode(t, Entry{Tags: in})
	if in[0] != "z" || in[1] != "a" {
		t.Fatalf("input tag slice mutated: %v", in)
	}
}

func TestRejectsTrailingBytes(t *testing.T) {
	enc := mustEncode(t, Entry{ExpiresAt: 7, Payload: []byte("x")})
	enc = append(enc, 0xDE, 0xAD) // add junk
	if _, err := Decode(enc); err == nil {
		t.Fatalf("expected error on trailing bytes")
	}
}

func TestCorruptHeadersAndLengths(t *testing.T) {
	enc := mustEncode(t, Entry{ExpiresAt: 1, Tags: []string{"t"}, Payload: []byte("abc")})

	// bad magic
	badMagic := append([]byte(nil), enc...)
	badMagic[0] = 'X'
	if _, err := Decode(badMagic); err == nil {
		t.Fatalf("expected error on bad magic")
	}

	// wrong version
	badVer := append([]byte(nil), enc...)
	badVer[4] = version + 1
	if _, err := Decode(badVer); err == nil {
		t.Fatalf("expected error on bad version")
	}

	// tag length beyond buffer
	badTag := append([]byte(nil), enc...)
	binary.BigEndian.PutUint16(badTag[hdrLen:hdrLen+2], uint16(1000))
	if _, err := Decode(badTag); err == nil {
		t.Fatalf("expected error on tag length beyond buffer")
	}

	// truncated buffer
	trunc := enc[:len(enc)-1]
	if _, err := Decode(trunc); err == nil {
		t.Fatalf("expected error on truncated buffer")
	}

	// announce more tags than present
	badN := append([]byte(nil), enc...)
	binary.BigEndian.PutUint16(badN[hdrLen-2:hdrLen], ^uint16(0))
	if _, err := Decode(badN); err == nil {
		t.Fatalf("expected error on bogus tag count")
	}
}

func TestTagLengthValidation(t *testing.T) {
	// empty tag -> error
	if _, err := Encode(Entry{Tags: []string{""}}); err == nil {
		t.Fatalf("expected error on empty tag")
	}
	// too long tag (65536) -> error
	if _, err := Encode(Entry{Tags: []string{strings.Repeat("a", 0x10000)}}); err == nil {
		t.Fatalf("expected error on tag length > 0xFFFF")
	}
	// boundary (65535) -> ok
	if _, err := Encode(Entry{Tags: []string{strings.Repeat("b", 0xFFFF)}}); err != nil {
		t.Fatalf("boundary tag length should succeed: %v", err)
	}
}

func TestExpiresAtPeek(t *testing.T) {
	enc := mustEncode(t, Entry{ExpiresAt: 12345, Tags: []string{"x", "y"}, Payload: []byte("p")})
	exp, err := ExpiresAt(enc)
	if err != nil {
		t.Fatalf("ExpiresAt: %v", err)
	}
	if exp != 12345 {
		t.Fatalf("ExpiresAt: got %d want 12345", exp)
	}
	if _, err := ExpiresAt([]byte("short")); err == nil {
		t.Fatalf("expected error on short buffer")
	}
}

func TestTagsPeekSkipsPayload(t *testing.T) {
	enc := mustEncode(t, Entry{ExpiresAt: 1, Tags: []string{"m", "n"}, Payload: []byte("big payload here")})
	tags, err := Tags(enc)
	if err != nil {
		t.Fatalf("Tags: %v", err)
	}
	if !reflect.DeepEqual(tags, []string{"m", "n"}) {
		t.Fatalf("tags: got %v", tags)
	}
	// tag-less entry decodes to nil
	enc2 := mustEncode(t, Entry{ExpiresAt: 1, Payload: []byte("v")})
	tags2, err := Tags(enc2)
	if err != nil || tags2 != nil {
		t.Fatalf("tag-less: got %v err=%v", tags2, err)
	}
}

func TestZeroCopyPayload(t *testing.T) {
	enc := mustEncode(t, Entry{ExpiresAt: 1, Payload: []byte("Z")})
	e := mustDecode(t, enc)
	if len(e.Payload) != 1 {
		t.Fatalf("unexpected payload len")
	}
	// mutate payload slice. should mutate underlying enc bytes (zero-copy)
	e.Payload[0] = 'Q'
	e2 := mustDecode(t, enc)
	if e2.Payload[0] != 'Q' {
		t.Fatalf("expected zero-copy slice into enc buffer")
	}
}
