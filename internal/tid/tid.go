// Package tid implements the 13-character lexicographically sortable
// revision identifiers used for commit revs (§3 TID).
package tid

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"sync"
)

const alphabet = "234567abcdefghijklmnopqrstuvwxyz"

const length = 13

// Clock issues strictly increasing TIDs even when called faster than
// the system clock's microsecond resolution, or with a non-monotonic
// now() (as can happen around NTP adjustments).
type Clock struct {
	mu   sync.Mutex
	last uint64
}

// NewClock creates a Clock with no prior TID issued.
func NewClock() *Clock {
	return &Clock{}
}

// Next returns a TID guaranteed to be lexicographically (and
// numerically) greater than every TID previously returned by this
// Clock, seeded from the wall-clock microsecond count nowMicros.
func (c *Clock) Next(nowMicros uint64) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := nowMicros << 10
	if clk, err := randClockID(); err == nil {
		v |= clk
	}
	if v <= c.last {
		v = c.last + 1
	}
	c.last = v
	return encode(v)
}

// StrictlyGreaterThan returns a TID greater than prev, used when
// continuing an existing repo's revision sequence (§4.5 step 4).
func (c *Clock) StrictlyGreaterThan(nowMicros uint64, prev string) (string, error) {
	prevVal := uint64(0)
	if prev != "" {
		v, err := decode(prev)
		if err != nil {
			return "", fmt.Errorf("tid: decode prev: %w", err)
		}
		prevVal = v
	}
	c.mu.Lock()
	if prevVal > c.last {
		c.last = prevVal
	}
	c.mu.Unlock()
	return c.Next(nowMicros), nil
}

func randClockID() (uint64, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<10))
	if err != nil {
		return 0, err
	}
	return n.Uint64(), nil
}

func encode(v uint64) string {
	var b [length]byte
	for i := length - 1; i >= 0; i-- {
		b[i] = alphabet[v&0x1f]
		v >>= 5
	}
	return string(b[:])
}

func decode(s string) (uint64, error) {
	if len(s) != length {
		return 0, fmt.Errorf("tid: wrong length %d", len(s))
	}
	var v uint64
	for i := 0; i < length; i++ {
		idx := strings.IndexByte(alphabet, s[i])
		if idx < 0 {
			return 0, fmt.Errorf("tid: invalid character %q", s[i])
		}
		v = v<<5 | uint64(idx)
	}
	return v, nil
}

// Valid reports whether s has the correct length and alphabet.
func Valid(s string) bool {
	_, err := decode(s)
	return err == nil
}
