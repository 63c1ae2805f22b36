// Package car implements the CAR v1 container format used to package
// a repo snapshot, a commit range, or a single record proof for
// transport (§4.3): a varint-length-prefixed CBOR header followed by
// varint-length-prefixed (cid ++ block) frames.
package car

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-varint"

	"github.com/northfork-dev/atproto-pds/internal/cidutil"
	"github.com/northfork-dev/atproto-pds/internal/dagcbor"
)

const carVersion = 1

// ErrBadVersion is returned by Parse when the header's version is not 1.
var ErrBadVersion = fmt.Errorf("car: unsupported version")

// ValidateBlock recomputes the CID of raw and confirms it equals c, the
// same CidMismatch check every block in the store must pass.
func ValidateBlock(c cid.Cid, raw []byte) error {
	if _, err := cidutil.Block(c, raw); err != nil {
		return fmt.Errorf("car: %w", err)
	}
	return nil
}

// Writer streams a CAR file one block at a time, holding at most one
// block's bytes in memory regardless of the archive's total size.
type Writer struct {
	w   *bufio.Writer
	out io.Writer
}

// NewWriter writes the header (version 1, the given roots) and returns
// a Writer ready to stream blocks via WriteBlock.
func NewWriter(out io.Writer, roots []cid.Cid) (*Writer, error) {
	rootVals := make([]any, len(roots))
	for i, r := range roots {
		rootVals[i] = r
	}
	header, err := dagcbor.Marshal(map[string]any{
		"version": int64(carVersion),
		"roots":   rootVals,
	})
	if err != nil {
		return nil, fmt.Errorf("car: encode header: %w", err)
	}

	bw := bufio.NewWriter(out)
	if err := writeLdFrame(bw, header); err != nil {
		return nil, fmt.Errorf("car: write header: %w", err)
	}
	return &Writer{w: bw, out: out}, nil
}

// WriteBlock appends one (cid, bytes) frame.
func (w *Writer) WriteBlock(c cid.Cid, raw []byte) error {
	frame := append(append([]byte{}, c.Bytes()...), raw...)
	if err := writeLdFrame(w.w, frame); err != nil {
		return fmt.Errorf("car: write block %s: %w", c, err)
	}
	return nil
}

// Flush must be called once all blocks are written.
func (w *Writer) Flush() error {
	return w.w.Flush()
}

func writeLdFrame(w io.Writer, payload []byte) error {
	lenBuf := varint.ToUvarint(uint64(len(payload)))
	if _, err := w.Write(lenBuf); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// Encode builds a whole CAR file in memory: a convenience wrapper
// around Writer for call sites that already hold every block (tests,
// small exports). Large exports should stream via Writer directly.
func Encode(roots []cid.Cid, blocks map[string][]byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, roots)
	if err != nil {
		return nil, err
	}
	for key, raw := range blocks {
		c, err := cid.Cast([]byte(key))
		if err != nil {
			return nil, fmt.Errorf("car: decode block key: %w", err)
		}
		if err := w.WriteBlock(c, raw); err != nil {
			return nil, err
		}
	}
	if err := w.Flush(); err != nil {
		return nil, fmt.Errorf("car: flush: %w", err)
	}
	return buf.Bytes(), nil
}

// Parse decodes a whole CAR file already held in memory, returning its
// roots and every block keyed by the CID's binary KeyString form.
func Parse(data []byte) ([]cid.Cid, map[string][]byte, error) {
	r := bytes.NewReader(data)

	headerBytes, err := readLdFrame(r)
	if err != nil {
		return nil, nil, fmt.Errorf("car: read header: %w", err)
	}
	headerVal, err := dagcbor.Unmarshal(headerBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("car: decode header: %w", err)
	}
	headerMap, ok := headerVal.(map[string]any)
	if !ok {
		return nil, nil, fmt.Errorf("car: header is not a map")
	}
	version, ok := headerMap["version"].(int64)
	if !ok || version != carVersion {
		return nil, nil, fmt.Errorf("%w: %v", ErrBadVersion, headerMap["version"])
	}
	rootVals, ok := headerMap["roots"].([]any)
	if !ok {
		return nil, nil, fmt.Errorf("car: header.roots is not an array")
	}
	roots := make([]cid.Cid, 0, len(rootVals))
	for _, rv := range rootVals {
		c, ok := rv.(cid.Cid)
		if !ok {
			return nil, nil, fmt.Errorf("car: header root is not a cid")
		}
		roots = append(roots, c)
	}

	blocks := make(map[string][]byte)
	for {
		frame, err := readLdFrame(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("car: read frame: %w", err)
		}
		c, n, err := cid.CidFromBytes(frame)
		if err != nil {
			return nil, nil, fmt.Errorf("car: decode frame cid: %w", err)
		}
		raw := frame[n:]
		if err := ValidateBlock(c, raw); err != nil {
			return nil, nil, err
		}
		blocks[c.KeyString()] = raw
	}

	return roots, blocks, nil
}

func readLdFrame(r *bytes.Reader) ([]byte, error) {
	n, err := varint.ReadUvarint(r)
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read length prefix: %w", err)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("read frame of %d bytes: %w", n, err)
	}
	return buf, nil
}
