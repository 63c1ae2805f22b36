// Package blockstore implements the persistent, content-addressed
// block store described in spec §4.1: a map from CID to bytes with
// batch get/put, existence checks, deletion, and CID iteration.
package blockstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/ipfs/go-cid"

	"github.com/northfork-dev/atproto-pds/internal/cidutil"
)

// ErrCidMismatch is returned by Put when the supplied bytes do not hash
// to the given CID.
var ErrCidMismatch = fmt.Errorf("blockstore: cid mismatch")

// Store is the content-addressed block map contract. Implementations
// must give reads consistent with the latest completed Put and must
// treat concurrent Puts of the same CID with identical bytes as
// idempotent.
type Store interface {
	Put(ctx context.Context, c cid.Cid, raw []byte) error
	Get(ctx context.Context, c cid.Cid) ([]byte, error) // nil, nil if absent
	GetMany(ctx context.Context, cids []cid.Cid) (map[string][]byte, []cid.Cid, error)
	PutMany(ctx context.Context, blocks map[string][]byte) error
	Has(ctx context.Context, c cid.Cid) (bool, error)
	Delete(ctx context.Context, c cid.Cid) error
	IterCIDs(ctx context.Context) (<-chan cid.Cid, error)
}

// verify checks the CidMismatch invariant before a Put is accepted.
func verify(c cid.Cid, raw []byte) error {
	if !cidutil.VerifyDagCBOR(c, raw) {
		return fmt.Errorf("%w: %s", ErrCidMismatch, c)
	}
	return nil
}

// Mem is an in-memory Store, used for staging blocks during a commit
// before they are persisted, and for tests.
type Mem struct {
	mu     sync.RWMutex
	blocks map[string][]byte
}

// NewMem creates an empty in-memory store.
func NewMem() *Mem {
	return &Mem{blocks: make(map[string][]byte, 64)}
}

func (m *Mem) Put(_ context.Context, c cid.Cid, raw []byte) error {
	if err := verify(c, raw); err != nil {
		return err
	}
	key := c.KeyString()
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.blocks[key]; ok {
		if string(existing) != string(raw) {
			return fmt.Errorf("blockstore: conflicting bytes for existing cid %s", c)
		}
		return nil
	}
	m.blocks[key] = raw
	return nil
}

func (m *Mem) Get(_ context.Context, c cid.Cid) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.blocks[c.KeyString()], nil
}

func (m *Mem) GetMany(ctx context.Context, cids []cid.Cid) (map[string][]byte, []cid.Cid, error) {
	out := make(map[string][]byte, len(cids))
	var missing []cid.Cid
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range cids {
		if b, ok := m.blocks[c.KeyString()]; ok {
			out[c.String()] = b
		} else {
			missing = append(missing, c)
		}
	}
	return out, missing, nil
}

func (m *Mem) PutMany(_ context.Context, blocks map[string][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range blocks {
		m.blocks[k] = v
	}
	return nil
}

func (m *Mem) Has(_ context.Context, c cid.Cid) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blocks[c.KeyString()]
	return ok, nil
}

func (m *Mem) Delete(_ context.Context, c cid.Cid) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blocks, c.KeyString())
	return nil
}

func (m *Mem) IterCIDs(ctx context.Context) (<-chan cid.Cid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch := make(chan cid.Cid, len(m.blocks))
	for k := range m.blocks {
		c, err := cid.Cast([]byte(k))
		if err != nil {
			continue
		}
		ch <- c
	}
	close(ch)
	return ch, nil
}

// Snapshot returns a shallow copy of all (keyString -> bytes) pairs
// currently held, keyed by the CID's binary KeyString form.
func (m *Mem) Snapshot() map[string][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]byte, len(m.blocks))
	for k, v := range m.blocks {
		out[k] = v
	}
	return out
}
