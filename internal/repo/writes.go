package repo

import "fmt"

// WriteKind distinguishes the three batched write operations
// apply_writes accepts (§4.5).
type WriteKind int

const (
	WriteCreate WriteKind = iota
	WriteUpdate
	WriteDelete
)

// Write is one entry of an apply_writes batch. Rkey is optional for
// WriteCreate: when empty, a fresh TID is minted as the record key.
type Write struct {
	Kind       WriteKind
	Collection string
	Rkey       string
	Value      map[string]any
}

// InvalidRequestError reports the offending index in a batch and
// aborts the whole batch before any repo-head mutation (§4.5 step 2).
type InvalidRequestError struct {
	Index int
	Err   error
}

func (e *InvalidRequestError) Error() string {
	return fmt.Sprintf("repo: write %d invalid: %v", e.Index, e.Err)
}

func (e *InvalidRequestError) Unwrap() error { return e.Err }

func uri(did, collection, rkey string) string {
	return fmt.Sprintf("at://%s/%s/%s", did, collection, rkey)
}
