package firehose

import (
	"time"

	"github.com/northfork-dev/atproto-pds/internal/repo"
)

// PublishRepoCommit adapts a repo.CommitResult (already durably
// committed and seq-assigned, §4.5 step 8) into a firehose #commit
// broadcast. Mirrors the split in the teacher's event manager between
// "commit finished" and "frame emitted": the repo package never
// imports firehose, so wiring happens here at the call site (server
// package) after ApplyWrites returns successfully.
func (s *Sequencer) PublishRepoCommit(res *repo.CommitResult) error {
	return s.PublishCommit(&CommitEvent{
		Seq:      res.Seq,
		Repo:     res.DID,
		Commit:   res.CommitCID,
		Prev:     res.PrevCID,
		Rev:      res.Rev,
		Since:    res.PrevRev,
		DataRoot: res.DataRoot,
		Ops:      res.Ops,
		Blocks:   res.Car,
		Blobs:    res.Blobs,
		Time:     time.Now().UTC().Format(time.RFC3339),
	})
}
