package firehose

import (
	"fmt"

	"github.com/ipfs/go-cid"

	"github.com/northfork-dev/atproto-pds/internal/dagcbor"
	"github.com/northfork-dev/atproto-pds/internal/mst"
)

// Frame op values (§6.3).
const (
	opMessage = int64(1)
	opError   = int64(-1)
)

// CommitEvent carries everything needed to build a #commit wire frame
// (§6.3) for one committed write batch.
type CommitEvent struct {
	Seq      uint64
	Repo     string
	Commit   cid.Cid
	Prev     *cid.Cid
	Rev      string
	Since    string // prior rev; empty on a repo's first commit
	DataRoot cid.Cid
	PrevData *cid.Cid
	Ops      []mst.Op
	Blocks   []byte // CAR of the commit's new blocks
	Blobs    []cid.Cid
	Time     string // ISO-8601 / RFC3339
}

func opAction(k mst.OpKind) string {
	switch k {
	case mst.OpCreate:
		return "create"
	case mst.OpUpdate:
		return "update"
	case mst.OpDelete:
		return "delete"
	default:
		return "update"
	}
}

func encodeHeader(t string) ([]byte, error) {
	h := map[string]any{"op": opMessage, "t": t}
	raw, err := dagcbor.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("firehose: encode header: %w", err)
	}
	return raw, nil
}

// EncodeCommitFrame builds the wire frame for a #commit event: the
// concatenation of the CBOR header and the CBOR body (§6.3).
func EncodeCommitFrame(e *CommitEvent) ([]byte, error) {
	header, err := encodeHeader("#commit")
	if err != nil {
		return nil, err
	}

	ops := make([]any, len(e.Ops))
	for i, op := range e.Ops {
		m := map[string]any{
			"action": opAction(op.Kind),
			"path":   string(op.Key),
		}
		if op.NewVal.Defined() {
			m["cid"] = op.NewVal
		} else {
			m["cid"] = nil
		}
		if op.OldVal.Defined() {
			m["prev"] = op.OldVal
		}
		ops[i] = m
	}
	blobs := make([]any, len(e.Blobs))
	for i, b := range e.Blobs {
		blobs[i] = b
	}

	body := map[string]any{
		"seq":    int64(e.Seq),
		"rebase": false,
		"tooBig": false,
		"repo":   e.Repo,
		"commit": e.Commit,
		"rev":    e.Rev,
		"blocks": e.Blocks,
		"ops":    ops,
		"blobs":  blobs,
		"time":   e.Time,
	}
	if e.Prev != nil {
		body["prev"] = *e.Prev
	} else {
		body["prev"] = nil
	}
	if e.Since != "" {
		body["since"] = e.Since
	} else {
		body["since"] = nil
	}
	if e.PrevData != nil {
		body["prevData"] = *e.PrevData
	}

	bodyRaw, err := dagcbor.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("firehose: encode commit body: %w", err)
	}
	return append(header, bodyRaw...), nil
}

// EncodeInfoFrame builds an #info frame, used for welcome messages and
// the FramesDropped / OutdatedCursor notices (§4.7, §6.3).
func EncodeInfoFrame(name, message string) ([]byte, error) {
	header, err := encodeHeader("#info")
	if err != nil {
		return nil, err
	}
	body := map[string]any{"name": name}
	if message != "" {
		body["message"] = message
	}
	bodyRaw, err := dagcbor.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("firehose: encode info body: %w", err)
	}
	return append(header, bodyRaw...), nil
}

// EncodeErrorFrame builds an `op = -1` error frame (§6.3).
func EncodeErrorFrame(errName, message string) ([]byte, error) {
	header, err := dagcbor.Marshal(map[string]any{"op": opError})
	if err != nil {
		return nil, fmt.Errorf("firehose: encode error header: %w", err)
	}
	body := map[string]any{"error": errName}
	if message != "" {
		body["message"] = message
	}
	bodyRaw, err := dagcbor.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("firehose: encode error body: %w", err)
	}
	return append(header, bodyRaw...), nil
}
