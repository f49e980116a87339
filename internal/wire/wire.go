// Package wire defines the envelope every tier stores for a cache entry.
// The envelope carries the metadata the manager needs without decoding the
// caller payload: absolute expiry, the namespace config version the entry was
// written under, and its invalidation tags.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sort"
)

const version byte = 1

// FlagCompressed marks the payload as compressed. The flag is carried for
// diagnostics only; no tier compresses or decompresses payloads itself.
const FlagCompressed byte = 1 << 0

var (
	ErrCorrupt = errors.New("tiercache: corrupt entry")
	magic4     = [...]byte{'T', 'I', 'R', 'C'}
)

// Entry is the decoded envelope.
type Entry struct {
	ExpiresAt int64    // unix nanoseconds; 0 means no expiry
	Version   uint32   // namespace config version at write time
	Flags     byte     // FlagCompressed et al.
	Tags      []string // sorted, deduplicated
	Payload   []byte
}

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// header: magic(4) | ver(1) | flags(1) | expiresAt(i64 be) | version(u32 be) | ntags(u16 be)
const hdrLen = 4 + 1 + 1 + 8 + 4 + 2

// Encode frames an entry. Tags are sorted and deduplicated; empty tags and
// tags longer than 0xFFFF bytes are rejected.
func Encode(e Entry) ([]byte, error) {
	tags := normalizeTags(e.Tags)
	if len(tags) > 0xFFFF {
		return nil, ErrCorrupt
	}

	total := hdrLen
	for _, t := range tags {
		if l := len(t); l == 0 || l > 0xFFFF {
			return nil, ErrCorrupt
		}
		total += 2 + len(t)
	}
	total += 4 + len(e.Payload)

	var buf bytes.Buffer
	buf.Grow(total)

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(e.Flags)

	var u8 [8]byte
	var u4 [4]byte
	var u2 [2]byte

	binary.BigEndian.PutUint64(u8[:], uint64(e.ExpiresAt))
	buf.Write(u8[:])

	binary.BigEndian.PutUint32(u4[:], e.Version)
	buf.Write(u4[:])

	binary.BigEndian.PutUint16(u2[:], uint16(len(tags)))
	buf.Write(u2[:])

	for _, t := range tags {
		binary.BigEndian.PutUint16(u2[:], uint16(len(t)))
		buf.Write(u2[:])
		buf.WriteString(t)
	}

	binary.BigEndian.PutUint32(u4[:], uint32(len(e.Payload)))
	buf.Write(u4[:])
	buf.Write(e.Payload)

	return buf.Bytes(), nil
}

// Decode parses a full envelope. Framing is strict: trailing bytes beyond the
// declared payload length are treated as corruption.
func Decode(b []byte) (Entry, error) {
	e, off, err := decodeMeta(b)
	if err != nil {
		return Entry{}, err
	}

	if off+4 > len(b) {
		return Entry{}, ErrCorrupt
	}
	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen < 0 || vlen > len(b)-off { // overflow-safe bound check
		return Entry{}, ErrCorrupt
	}
	if off+vlen != len(b) {
		return Entry{}, ErrCorrupt
	}
	e.Payload = b[off : off+vlen]
	return e, nil
}

// ExpiresAt peeks the expiry without touching tags or payload. Tiers use it
// for lazy expiry and purge sweeps.
func ExpiresAt(b []byte) (int64, error) {
	if len(b) < hdrLen || !hasMagic(b) || b[4] != version {
		return 0, ErrCorrupt
	}
	return int64(binary.BigEndian.Uint64(b[6:14])), nil
}

// Tags decodes only the metadata section, skipping the payload. Scan-based
// invalidation uses it to test tag membership without a value decode.
func Tags(b []byte) ([]string, error) {
	e, _, err := decodeMeta(b)
	if err != nil {
		return nil, err
	}
	return e.Tags, nil
}

func decodeMeta(b []byte) (Entry, int, error) {
	if len(b) < hdrLen || !hasMagic(b) || b[4] != version {
		return Entry{}, 0, ErrCorrupt
	}

	e := Entry{Flags: b[5]}
	off := 6

	e.ExpiresAt = int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8

	e.Version = binary.BigEndian.Uint32(b[off : off+4])
	off += 4

	n := int(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2

	if n > 0 {
		e.Tags = make([]string, 0, n)
	}
	for i := 0; i < n; i++ {
		if off+2 > len(b) {
			return Entry{}, 0, ErrCorrupt
		}
		tlen := int(binary.BigEndian.Uint16(b[off : off+2]))
		off += 2
		if tlen <= 0 || tlen > len(b)-off {
			return Entry{}, 0, ErrCorrupt
		}
		e.Tags = append(e.Tags, string(b[off:off+tlen]))
		off += tlen
	}

	return e, off, nil
}

func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	out := make([]string, len(tags))
	copy(out, tags)
	sort.Strings(out)
	dst := out[:0]
	var prev string
	for i, t := range out {
		if i > 0 && t == prev {
			continue
		}
		dst = append(dst, t)
		prev = t
	}
	return dst
}
