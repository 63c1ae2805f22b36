// Package dagcbor implements the deterministic CBOR encoding used for
// every block in the repository (records, MST nodes, commits), per
// spec §4.2 and the RFC 8949 §4.2.1 "Core Deterministic Encoding"
// profile, plus the atproto convention of tag 42 for CID links.
//
// Supported Go value shapes mirror the atproto data model: nil, bool,
// int64/uint64, float64, string, []byte, []any, map[string]any, and
// cid.Cid (encoded/decoded as a tag-42 link). Decode always returns
// these shapes: every unsigned integer up to math.MaxInt64 decodes as
// int64 (so a small uint64 or an int comes back as int64), and a Link
// comes back as a cid.Cid.
package dagcbor

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/ipfs/go-cid"
)

// Link wraps a CID so callers can distinguish "this map value is a link"
// from "this map value happens to be a CID-shaped byte string" when
// building values by hand.
type Link struct{ Cid cid.Cid }

const (
	majShift = 5

	major0 = 0 << majShift // unsigned int
	major1 = 1 << majShift // negative int
	major2 = 2 << majShift // byte string
	major3 = 3 << majShift // text string
	major4 = 4 << majShift // array
	major5 = 5 << majShift // map
	major6 = 6 << majShift // tag
	major7 = 7 << majShift // float/simple

	tagCIDLink = 42

	simpleFalse = 20
	simpleTrue  = 21
	simpleNull  = 22
	float64Info = 27
)

// Marshal deterministically encodes v.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, v); err != nil {
		return nil, fmt.Errorf("dagcbor: marshal: %w", err)
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes deterministic CBOR bytes. Trailing bytes are an error
// (a block's value is exactly one CBOR item).
func Unmarshal(data []byte) (any, error) {
	r := &reader{buf: data}
	v, err := r.readValue()
	if err != nil {
		return nil, fmt.Errorf("dagcbor: unmarshal: %w", err)
	}
	if r.pos != len(r.buf) {
		return nil, fmt.Errorf("dagcbor: unmarshal: %d trailing bytes", len(r.buf)-r.pos)
	}
	return v, nil
}

// --- encode ---

func encodeValue(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteByte(major7 | simpleNull)
		return nil
	case bool:
		if t {
			buf.WriteByte(major7 | simpleTrue)
		} else {
			buf.WriteByte(major7 | simpleFalse)
		}
		return nil
	case int:
		return encodeInt(buf, int64(t))
	case int64:
		return encodeInt(buf, t)
	case uint64:
		writeHead(buf, major0, t)
		return nil
	case float64:
		buf.WriteByte(major7 | float64Info)
		var b [8]byte
		bits := math.Float64bits(t)
		for i := 0; i < 8; i++ {
			b[i] = byte(bits >> (56 - 8*i))
		}
		buf.Write(b[:])
		return nil
	case string:
		writeHead(buf, major3, uint64(len(t)))
		buf.WriteString(t)
		return nil
	case []byte:
		writeHead(buf, major2, uint64(len(t)))
		buf.Write(t)
		return nil
	case cid.Cid:
		return encodeLink(buf, t)
	case Link:
		return encodeLink(buf, t.Cid)
	case *cid.Cid:
		if t == nil {
			buf.WriteByte(major7 | simpleNull)
			return nil
		}
		return encodeLink(buf, *t)
	case []any:
		writeHead(buf, major4, uint64(len(t)))
		for _, item := range t {
			if err := encodeValue(buf, item); err != nil {
				return err
			}
		}
		return nil
	case map[string]any:
		return encodeMap(buf, t)
	default:
		return fmt.Errorf("dagcbor: unsupported value type %T", v)
	}
}

func encodeInt(buf *bytes.Buffer, n int64) error {
	if n >= 0 {
		writeHead(buf, major0, uint64(n))
		return nil
	}
	writeHead(buf, major1, uint64(-n-1))
	return nil
}

func encodeLink(buf *bytes.Buffer, c cid.Cid) error {
	if !c.Defined() {
		return errors.New("dagcbor: cannot encode undefined cid")
	}
	// tag 42
	writeHead(buf, major6, tagCIDLink)
	raw := c.Bytes()
	// atproto/dag-cbor wraps CID bytes in a byte string with a leading
	// 0x00 "identity multibase" marker.
	body := make([]byte, len(raw)+1)
	body[0] = 0x00
	copy(body[1:], raw)
	writeHead(buf, major2, uint64(len(body)))
	buf.Write(body)
	return nil
}

// encodeMap sorts keys by (length, lexicographic bytes) — the RFC 8949
// §4.2.1 core deterministic map-key order — then writes head+entries.
func encodeMap(buf *bytes.Buffer, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) < len(keys[j])
		}
		return keys[i] < keys[j]
	})

	writeHead(buf, major5, uint64(len(keys)))
	for _, k := range keys {
		writeHead(buf, major3, uint64(len(k)))
		buf.WriteString(k)
		if err := encodeValue(buf, m[k]); err != nil {
			return err
		}
	}
	return nil
}

// writeHead writes the shortest-form major-type+length/value header.
func writeHead(buf *bytes.Buffer, major byte, n uint64) {
	switch {
	case n < 24:
		buf.WriteByte(major | byte(n))
	case n <= 0xff:
		buf.WriteByte(major | 24)
		buf.WriteByte(byte(n))
	case n <= 0xffff:
		buf.WriteByte(major | 25)
		buf.WriteByte(byte(n >> 8))
		buf.WriteByte(byte(n))
	case n <= 0xffffffff:
		buf.WriteByte(major | 26)
		var b [4]byte
		for i := 0; i < 4; i++ {
			b[i] = byte(n >> (24 - 8*i))
		}
		buf.Write(b[:])
	default:
		buf.WriteByte(major | 27)
		var b [8]byte
		for i := 0; i < 8; i++ {
			b[i] = byte(n >> (56 - 8*i))
		}
		buf.Write(b[:])
	}
}

// --- decode ---

type reader struct {
	buf []byte
	pos int
}

func (r *reader) readByte() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, io_EOF
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

var io_EOF = errors.New("dagcbor: unexpected end of input")

func (r *reader) readN(n uint64) ([]byte, error) {
	if n > uint64(len(r.buf)-r.pos) {
		return nil, io_EOF
	}
	b := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return b, nil
}

// readHead returns the major type (top 3 bits, already shifted) and the
// decoded length/value argument.
func (r *reader) readHead() (byte, uint64, error) {
	b, err := r.readByte()
	if err != nil {
		return 0, 0, err
	}
	major := b &^ 0x1f
	info := b & 0x1f
	switch {
	case info < 24:
		return major, uint64(info), nil
	case info == 24:
		v, err := r.readByte()
		return major, uint64(v), err
	case info == 25:
		buf, err := r.readN(2)
		if err != nil {
			return major, 0, err
		}
		return major, uint64(buf[0])<<8 | uint64(buf[1]), nil
	case info == 26:
		buf, err := r.readN(4)
		if err != nil {
			return major, 0, err
		}
		var v uint64
		for _, b := range buf {
			v = v<<8 | uint64(b)
		}
		return major, v, nil
	case info == 27:
		buf, err := r.readN(8)
		if err != nil {
			return major, 0, err
		}
		var v uint64
		for _, b := range buf {
			v = v<<8 | uint64(b)
		}
		return major, v, nil
	default:
		return major, uint64(info), fmt.Errorf("dagcbor: indefinite-length items not allowed")
	}
}

func (r *reader) readValue() (any, error) {
	if r.pos >= len(r.buf) {
		return nil, io_EOF
	}
	peek := r.buf[r.pos]
	major := peek &^ 0x1f

	switch major {
	case major0:
		_, n, err := r.readHead()
		if err != nil {
			return nil, err
		}
		if n <= math.MaxInt64 {
			return int64(n), nil
		}
		return n, nil
	case major1:
		_, n, err := r.readHead()
		if err != nil {
			return nil, err
		}
		return -int64(n) - 1, nil
	case major2:
		_, n, err := r.readHead()
		if err != nil {
			return nil, err
		}
		b, err := r.readN(n)
		if err != nil {
			return nil, err
		}
		out := make([]byte, len(b))
		copy(out, b)
		return out, nil
	case major3:
		_, n, err := r.readHead()
		if err != nil {
			return nil, err
		}
		b, err := r.readN(n)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	case major4:
		_, n, err := r.readHead()
		if err != nil {
			return nil, err
		}
		out := make([]any, 0, n)
		for i := uint64(0); i < n; i++ {
			v, err := r.readValue()
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case major5:
		_, n, err := r.readHead()
		if err != nil {
			return nil, err
		}
		out := make(map[string]any, n)
		for i := uint64(0); i < n; i++ {
			kv, err := r.readValue()
			if err != nil {
				return nil, err
			}
			k, ok := kv.(string)
			if !ok {
				return nil, fmt.Errorf("dagcbor: non-string map key")
			}
			v, err := r.readValue()
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	case major6:
		_, tag, err := r.readHead()
		if err != nil {
			return nil, err
		}
		if tag != tagCIDLink {
			return nil, fmt.Errorf("dagcbor: unsupported tag %d", tag)
		}
		v, err := r.readValue()
		if err != nil {
			return nil, err
		}
		body, ok := v.([]byte)
		if !ok || len(body) < 1 || body[0] != 0x00 {
			return nil, fmt.Errorf("dagcbor: malformed cid link")
		}
		c, err := cid.Cast(body[1:])
		if err != nil {
			return nil, fmt.Errorf("dagcbor: malformed cid link: %w", err)
		}
		return c, nil
	case major7:
		b, err := r.readByte()
		if err != nil {
			return nil, err
		}
		info := b & 0x1f
		switch info {
		case simpleFalse:
			return false, nil
		case simpleTrue:
			return true, nil
		case simpleNull:
			return nil, nil
		case float64Info:
			buf, err := r.readN(8)
			if err != nil {
				return nil, err
			}
			var bits uint64
			for _, b := range buf {
				bits = bits<<8 | uint64(b)
			}
			return math.Float64frombits(bits), nil
		default:
			return nil, fmt.Errorf("dagcbor: unsupported simple/float value %d", info)
		}
	default:
		return nil, fmt.Errorf("dagcbor: unknown major type")
	}
}
