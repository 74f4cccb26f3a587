// Package hlc implements a hybrid logical clock: timestamps anchored to wall
// clock milliseconds with a logical counter that orders events sharing the
// same millisecond and absorbs skew observed from remote timestamps.
package hlc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
)

// CountMax bounds the logical counter. Packed timestamps reserve four decimal
// digits for it.
const CountMax = 10000

// ErrPrecisionOverflow is returned when the logical counter no longer fits in
// the packed representation.
var ErrPrecisionOverflow = errors.New("hlc: logical count exceeded precision max")

// Timestamp is a (physical millisecond, logical count) pair ordered
// lexicographically.
type Timestamp struct {
	Physical int64
	Logical  int
}

// Pack encodes t as Physical*CountMax + Logical.
func (t Timestamp) Pack() (int64, error) {
	if t.Logical < 0 || t.Logical >= CountMax {
		return 0, fmt.Errorf("%w: logical=%d", ErrPrecisionOverflow, t.Logical)
	}
	return t.Physical*CountMax + int64(t.Logical), nil
}

// Unpack is the inverse of Pack.
func Unpack(packed int64) Timestamp {
	return Timestamp{
		Physical: packed / CountMax,
		Logical:  int(packed % CountMax),
	}
}

// Compare returns -1, 0 or +1.
func (t Timestamp) Compare(o Timestamp) int {
	switch {
	case t.Physical < o.Physical:
		return -1
	case t.Physical > o.Physical:
		return 1
	case t.Logical < o.Logical:
		return -1
	case t.Logical > o.Logical:
		return 1
	}
	return 0
}

func (t Timestamp) Less(o Timestamp) bool { return t.Compare(o) < 0 }

func (t Timestamp) String() string {
	return fmt.Sprintf("%d.%04d", t.Physical, t.Logical)
}

// Clock is safe for concurrent use.
type Clock struct {
	mu    sync.Mutex
	wall  clockwork.Clock
	ts    int64
	count int
}

// New returns a clock reading wall time from wall. A nil wall uses the real
// clock.
func New(wall clockwork.Clock) *Clock {
	if wall == nil {
		wall = clockwork.NewRealClock()
	}
	return &Clock{wall: wall, ts: wall.Now().UnixMilli()}
}

// Increment issues a timestamp for a local event. Successive calls return
// strictly increasing timestamps.
func (c *Clock) Increment() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.wall.Now().UnixMilli()
	if now > c.ts {
		c.ts = now
		c.count = 0
	} else {
		c.count++
	}
	return Timestamp{Physical: c.ts, Logical: c.count}
}

// Receive merges a timestamp observed from another node so that the next
// Increment is ordered after it.
func (c *Clock) Receive(incoming Timestamp) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.wall.Now().UnixMilli()
	switch {
	case now > c.ts && now > incoming.Physical:
		c.ts = now
		c.count = 0
	case c.ts == incoming.Physical:
		c.count = max(c.count, incoming.Logical)
	case c.ts > incoming.Physical:
		c.count++
	default:
		c.ts = incoming.Physical
		c.count = incoming.Logical + 1
	}
}

// Now returns the last timestamp issued or adopted, without advancing.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Timestamp{Physical: c.ts, Logical: c.count}
}
