package systemd

import (
	"os"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Default job wait poll bounds.
const (
	DefaultPollInitial = 200 * time.Millisecond
	DefaultPollMax     = 2 * time.Second
)

// JitterSource yields the pseudo-random values used to spread poll ticks
// across concurrent waiters.
type JitterSource interface {
	Next() uint64
}

// lcg is a 64-bit linear congruential generator. It is deterministic for a
// given seed, which keeps interval sequences reproducible in tests.
type lcg struct {
	state uint64
}

// NewJitter returns a JitterSource seeded with seed.
func NewJitter(seed uint64) JitterSource {
	return &lcg{state: seed}
}

func (l *lcg) Next() uint64 {
	l.state = l.state*6364136223846793005 + 1
	return l.state
}

// jitterSeed mixes the job path hash with the wall clock and pid.
func jitterSeed(jobPath string) uint64 {
	return xxhash.Sum64String(jobPath) ^ uint64(time.Now().UnixNano()) ^ uint64(os.Getpid())
}

// poller produces the adaptive poll intervals of one wait call.
type poller struct {
	current time.Duration
	max     time.Duration
	src     JitterSource
}

func newPoller(initial, max time.Duration, src JitterSource) *poller {
	if initial <= 0 {
		initial = DefaultPollInitial
	}
	if max < initial {
		max = initial
	}
	return &poller{
		current: applyJitter(initial, max, src),
		max:     max,
		src:     src,
	}
}

// Interval returns the current interval.
func (p *poller) Interval() time.Duration {
	return p.current
}

// Next doubles the interval up to max and applies jitter.
func (p *poller) Next() time.Duration {
	base := p.current * 2
	if base > p.max || base <= 0 {
		base = p.max
	}
	p.current = applyJitter(base, p.max, p.src)
	return p.current
}

// applyJitter adds up to base/10 (in microseconds) to base, capped at max.
// base at or above max is returned unchanged.
func applyJitter(base, max time.Duration, src JitterSource) time.Duration {
	if base >= max {
		return base
	}
	baseUs := uint64(base.Microseconds())
	maxUs := uint64(max.Microseconds())

	amplitude := baseUs / 10
	if amplitude == 0 {
		return base
	}

	us := baseUs + src.Next()%(amplitude+1)
	if us > maxUs {
		us = maxUs
	}
	return time.Duration(us) * time.Microsecond
}
