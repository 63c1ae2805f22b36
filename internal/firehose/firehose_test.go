package firehose

import (
	"context"
	"testing"

	"github.com/ipfs/go-cid"

	"github.com/northfork-dev/atproto-pds/internal/cidutil"
)

type fakeLog struct {
	rows []LogRow
}

func (f *fakeLog) MaxSeq(context.Context) (uint64, error) {
	if len(f.rows) == 0 {
		return 0, nil
	}
	return f.rows[len(f.rows)-1].Seq, nil
}

func (f *fakeLog) RangeFrom(_ context.Context, from uint64) ([]LogRow, error) {
	var out []LogRow
	for _, r := range f.rows {
		if r.Seq > from {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeFrames struct{}

func (fakeFrames) Reconstitute(_ context.Context, row LogRow) ([]byte, error) {
	return EncodeInfoFrame("Reconstituted", "")
}

func testCID(t *testing.T, s string) cid.Cid {
	t.Helper()
	c, err := cidutil.SumDagCBOR([]byte(s))
	if err != nil {
		t.Fatalf("sum: %v", err)
	}
	return c
}

func TestSubscribeLiveBroadcast(t *testing.T) {
	ctx := context.Background()
	seq, err := NewSequencer(ctx, &fakeLog{}, fakeFrames{}, 8)
	if err != nil {
		t.Fatalf("new sequencer: %v", err)
	}

	sub, err := seq.Subscribe(ctx, 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	c := testCID(t, "commit-1")
	if err := seq.PublishCommit(&CommitEvent{Seq: 1, Repo: "did:plc:test", Commit: c, Rev: "a"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case frame := <-sub.Ch:
		if len(frame) == 0 {
			t.Fatal("expected non-empty frame")
		}
	default:
		t.Fatal("expected a broadcast frame to be immediately available")
	}
}

func TestSubscribeReplaysFromBuffer(t *testing.T) {
	ctx := context.Background()
	seq, err := NewSequencer(ctx, &fakeLog{}, fakeFrames{}, 8)
	if err != nil {
		t.Fatalf("new sequencer: %v", err)
	}

	for i := uint64(1); i <= 3; i++ {
		c := testCID(t, "commit")
		if err := seq.PublishCommit(&CommitEvent{Seq: i, Repo: "did:plc:test", Commit: c, Rev: "a"}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	sub, err := seq.Subscribe(ctx, 1)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	got := 0
	for {
		select {
		case <-sub.Ch:
			got++
		default:
			if got != 2 {
				t.Fatalf("expected 2 replayed frames (seq 2,3), got %d", got)
			}
			return
		}
	}
}

func TestOutdatedCursorRejected(t *testing.T) {
	ctx := context.Background()
	seq, err := NewSequencer(ctx, &fakeLog{}, fakeFrames{}, 8)
	if err != nil {
		t.Fatalf("new sequencer: %v", err)
	}
	c := testCID(t, "commit")
	if err := seq.PublishCommit(&CommitEvent{Seq: 1, Repo: "did:plc:test", Commit: c, Rev: "a"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := seq.Subscribe(ctx, 99); err != ErrOutdatedCursor {
		t.Fatalf("expected ErrOutdatedCursor, got %v", err)
	}
}

func TestRingBufferOverflowDropsAndNotifies(t *testing.T) {
	ctx := context.Background()
	seq, err := NewSequencer(ctx, &fakeLog{}, fakeFrames{}, 2)
	if err != nil {
		t.Fatalf("new sequencer: %v", err)
	}
	sub, err := seq.Subscribe(ctx, 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	for i := uint64(1); i <= 3; i++ {
		c := testCID(t, "commit")
		if err := seq.PublishCommit(&CommitEvent{Seq: i, Repo: "did:plc:test", Commit: c, Rev: "a"}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	if seq.DroppedFrames() != 1 {
		t.Fatalf("expected 1 dropped frame after 3 pushes into cap-2 ring, got %d", seq.DroppedFrames())
	}

	frames := 0
	for {
		select {
		case <-sub.Ch:
			frames++
		default:
			// 3 commits + 1 FramesDropped info frame broadcast.
			if frames != 4 {
				t.Fatalf("expected 4 frames (3 commits + 1 info), got %d", frames)
			}
			return
		}
	}
}

func TestNewSequencerRecoversNextSeqFromLog(t *testing.T) {
	ctx := context.Background()
	log := &fakeLog{rows: []LogRow{{Seq: 5, CommitCID: testCID(t, "c5"), Rev: "a"}}}
	seq, err := NewSequencer(ctx, log, fakeFrames{}, 8)
	if err != nil {
		t.Fatalf("new sequencer: %v", err)
	}
	if seq.NextSeqHint() != 6 {
		t.Fatalf("expected next_seq 6, got %d", seq.NextSeqHint())
	}
}
