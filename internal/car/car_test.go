package car

import (
	"testing"

	"github.com/ipfs/go-cid"

	"github.com/northfork-dev/atproto-pds/internal/cidutil"
)

func TestEncodeParseRoundTrip(t *testing.T) {
	raw1 := []byte("hello-one")
	raw2 := []byte("hello-two")

	c1, err := cidutil.SumRaw(raw1)
	if err != nil {
		t.Fatalf("sum: %v", err)
	}
	c2, err := cidutil.SumRaw(raw2)
	if err != nil {
		t.Fatalf("sum: %v", err)
	}

	blocks := map[string][]byte{
		c1.KeyString(): raw1,
		c2.KeyString(): raw2,
	}

	data, err := Encode([]cid.Cid{c1}, blocks)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	roots, got, err := Parse(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(roots) != 1 || !roots[0].Equals(c1) {
		t.Errorf("roots mismatch: %+v", roots)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(got))
	}
	if string(got[c1.KeyString()]) != string(raw1) {
		t.Errorf("block 1 mismatch")
	}
	if string(got[c2.KeyString()]) != string(raw2) {
		t.Errorf("block 2 mismatch")
	}
}

func TestParseRejectsBadVersion(t *testing.T) {
	raw := []byte("x")
	c, err := cidutil.SumRaw(raw)
	if err != nil {
		t.Fatal(err)
	}
	data, err := Encode([]cid.Cid{c}, map[string][]byte{c.KeyString(): raw})
	if err != nil {
		t.Fatal(err)
	}
	// The header is small enough for a one-byte length prefix, and its
	// last byte is the value of "version" (the longest key sorts last).
	data[data[0]] = 2
	if _, _, err := Parse(data); err == nil {
		t.Fatal("expected an error for corrupted/bad version header")
	}
}

func TestParseRejectsTruncatedFrame(t *testing.T) {
	raw := []byte("x")
	c, err := cidutil.SumRaw(raw)
	if err != nil {
		t.Fatal(err)
	}
	data, err := Encode([]cid.Cid{c}, map[string][]byte{c.KeyString(): raw})
	if err != nil {
		t.Fatal(err)
	}
	truncated := data[:len(data)-1]
	if _, _, err := Parse(truncated); err == nil {
		t.Fatal("expected an error for truncated trailing frame")
	}
}
