// Package firehose implements the sequencer (§4.7): it assigns
// monotonic sequence numbers to repo events, buffers the most recent
// ones in a ring, and fans framed messages out to subscribers,
// replaying from a cursor on connect.
package firehose

import (
	"context"
	"fmt"
	"sync"

	"github.com/ipfs/go-cid"
)

// LogRow is one durable commit_log row (§6.1), enough to reconstitute
// a #commit frame for a subscriber replaying past the ring buffer.
type LogRow struct {
	Seq       uint64
	CommitCID cid.Cid
	Rev       string
}

// LogStore is the durable commit_log reader the sequencer consults on
// startup and during cursor replay beyond the ring buffer.
type LogStore interface {
	MaxSeq(ctx context.Context) (uint64, error)
	RangeFrom(ctx context.Context, fromSeqExclusive uint64) ([]LogRow, error)
}

// FrameSource reconstitutes the wire frame for a durable log row when
// a subscriber's cursor has fallen out of the ring buffer. The default
// reconstitution (via BlockFrameSource) only has the commit block
// itself available from the schema in §6.1 — ops and blocks-CAR from
// commits older than the ring buffer are not retained, so replayed
// frames that far back carry an empty ops list. Live subscribers never
// see degraded frames; only a reconnect past a long outage does.
type FrameSource interface {
	Reconstitute(ctx context.Context, row LogRow) ([]byte, error)
}

type subscriber struct {
	id     uint64
	cursor uint64
	ch     chan []byte
}

// Sequencer is the single in-process authority for firehose ordering
// (§4.7, §5 "the sequencer uses an internal lock").
type Sequencer struct {
	mu sync.Mutex

	nextSeq uint64
	cap     int
	buf     []Event
	subs    map[uint64]*subscriber
	subSeq  uint64
	dropped uint64

	log    LogStore
	frames FrameSource
}

// Event is one buffered firehose message: its assigned seq and the
// already-framed wire bytes, ready to replay or broadcast verbatim.
type Event struct {
	Seq   uint64
	Frame []byte
}

// ErrOutdatedCursor is returned by Subscribe when the requested cursor
// is beyond next_seq - 1 (§4.7 step 2).
var ErrOutdatedCursor = fmt.Errorf("firehose: outdated cursor")

// NewSequencer recovers next_seq from the log as commit_log's highest
// seq + 1 (1 for an empty log); no separate next_seq counter is stored.
// It builds an empty ring buffer of capacity w.
func NewSequencer(ctx context.Context, log LogStore, frames FrameSource, w int) (*Sequencer, error) {
	if w <= 0 {
		w = 512
	}
	maxSeq, err := log.MaxSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("firehose: recover next_seq: %w", err)
	}
	return &Sequencer{
		nextSeq: maxSeq + 1,
		cap:     w,
		subs:    make(map[uint64]*subscriber),
		log:     log,
		frames:  frames,
	}, nil
}

// NextSeqHint reports the sequencer's in-memory view of the next
// unassigned seq (diagnostic / getRepoStatus use only — the commit
// pipeline itself assigns the authoritative seq via a BIGSERIAL
// RETURNING on commit_log, see repo.CommitTx.AppendCommitLog).
func (s *Sequencer) NextSeqHint() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSeq
}

// DroppedFrames reports the ring-buffer overflow counter (§4.7 state).
func (s *Sequencer) DroppedFrames() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// PublishCommit frames and broadcasts a commit already durably
// assigned a seq by the repo pipeline's transaction (§4.7 event
// ingress step 1 "reuse its seq"; the "assign" branch never happens
// here because the caller always already has a seq from AppendCommitLog).
func (s *Sequencer) PublishCommit(e *CommitEvent) error {
	frame, err := EncodeCommitFrame(e)
	if err != nil {
		return err
	}
	s.publish(Event{Seq: e.Seq, Frame: frame})
	s.bumpNextSeq(e.Seq)
	return nil
}

// PublishInfo broadcasts an out-of-band #info frame (e.g. a manual
// FramesDropped notice) without consuming a seq.
func (s *Sequencer) PublishInfo(name, message string) error {
	frame, err := EncodeInfoFrame(name, message)
	if err != nil {
		return err
	}
	s.broadcastAll(frame)
	return nil
}

func (s *Sequencer) bumpNextSeq(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq >= s.nextSeq {
		s.nextSeq = seq + 1
	}
}

// publish pushes ev into the ring buffer (evicting the oldest on
// overflow) and broadcasts it to every subscriber whose cursor is
// behind it (§4.7 event ingress steps 3-4).
func (s *Sequencer) publish(ev Event) {
	var overflow bool
	var targets []*subscriber

	s.mu.Lock()
	s.buf = append(s.buf, ev)
	if len(s.buf) > s.cap {
		s.buf = s.buf[len(s.buf)-s.cap:]
		s.dropped++
		overflow = true
	}
	for _, sub := range s.subs {
		if sub.cursor < ev.Seq {
			targets = append(targets, sub)
		}
	}
	s.mu.Unlock()

	if overflow {
		if frame, err := EncodeInfoFrame("FramesDropped", ""); err == nil {
			s.broadcastAll(frame)
		}
	}

	for _, sub := range targets {
		s.sendTo(sub, ev.Seq, ev.Frame)
	}
}

func (s *Sequencer) broadcastAll(frame []byte) {
	s.mu.Lock()
	targets := make([]*subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		targets = append(targets, sub)
	}
	s.mu.Unlock()
	for _, sub := range targets {
		select {
		case sub.ch <- frame:
		default:
			s.drop(sub.id)
		}
	}
}

// sendTo enqueues frame to sub and advances its cursor on success; a
// full channel drops the subscriber rather than blocking the
// broadcaster (no global lock is held across sends, §5/§9 intent).
func (s *Sequencer) sendTo(sub *subscriber, seq uint64, frame []byte) {
	select {
	case sub.ch <- frame:
		s.mu.Lock()
		sub.cursor = seq
		s.mu.Unlock()
	default:
		s.drop(sub.id)
	}
}

func (s *Sequencer) drop(id uint64) {
	s.mu.Lock()
	sub, ok := s.subs[id]
	if ok {
		delete(s.subs, id)
	}
	s.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}

// Subscription is a live handle on a connected firehose consumer.
type Subscription struct {
	id  uint64
	seq *Sequencer
	Ch  <-chan []byte
}

// Close removes the subscriber from the broadcast set immediately
// (§4.7 cancellation semantics).
func (sub *Subscription) Close() {
	sub.seq.drop(sub.id)
}

// Subscribe registers a new subscriber at the given cursor and
// synchronously replays everything after it — from the ring buffer
// when covered, else from the durable log (§4.7 subscriber connect
// steps 1-4). The caller is responsible for sending any welcome frame
// before consuming Ch, and for closing the returned Subscription when
// the connection ends.
func (s *Sequencer) Subscribe(ctx context.Context, cursor uint64) (*Subscription, error) {
	s.mu.Lock()
	next := s.nextSeq
	var oldestBuffered uint64
	bufCopy := make([]Event, len(s.buf))
	copy(bufCopy, s.buf)
	if len(s.buf) > 0 {
		oldestBuffered = s.buf[0].Seq
	}
	s.mu.Unlock()

	if cursor > 0 && cursor > next-1 {
		return nil, ErrOutdatedCursor
	}

	s.subSeq++
	sub := &subscriber{id: s.subSeq, cursor: cursor, ch: make(chan []byte, 256)}

	s.mu.Lock()
	s.subs[sub.id] = sub
	s.mu.Unlock()

	if cursor > 0 {
		if len(bufCopy) > 0 && cursor >= oldestBuffered-1 {
			for _, ev := range bufCopy {
				if ev.Seq > cursor {
					sub.ch <- ev.Frame
				}
			}
		} else if s.log != nil && s.frames != nil {
			rows, err := s.log.RangeFrom(ctx, cursor)
			if err != nil {
				return nil, fmt.Errorf("firehose: replay from log: %w", err)
			}
			for _, row := range rows {
				frame, err := s.frames.Reconstitute(ctx, row)
				if err != nil {
					return nil, fmt.Errorf("firehose: reconstitute seq %d: %w", row.Seq, err)
				}
				sub.ch <- frame
			}
		}
	}

	return &Subscription{id: sub.id, seq: s, Ch: sub.ch}, nil
}
