// Package backoff computes the retry delays used for upstream fetches
// and lock acquisition: a doubling series from a configurable start,
// bounded by a cap, with a small random jitter so that coalesced workers
// do not retry in lockstep.
package backoff

import (
	"math/rand"
	"time"
)

const (
	// DefaultStart is the delay before the first retry. Overridable
	// through BACKOFF_START.
	DefaultStart = 500 * time.Millisecond

	// DefaultCap bounds the doubled delay.
	DefaultCap = time.Minute
)

// Policy describes a doubling backoff series. The zero value uses the
// defaults.
type Policy struct {
	// Start is the delay before the first retry.
	Start time.Duration
	// Cap is the upper bound the doubling saturates at.
	Cap time.Duration
}

// Delay returns how long to wait before retry number attempt (0-based):
// Start doubled attempt times, saturating at Cap, plus up to 10% jitter.
func (p Policy) Delay(attempt uint) time.Duration {
	start, limit := p.Start, p.Cap
	if start <= 0 {
		start = DefaultStart
	}
	if limit <= 0 {
		limit = DefaultCap
	}
	if start > limit {
		start = limit
	}

	delay := start
	for i := uint(0); i < attempt; i++ {
		delay *= 2
		if delay <= 0 || delay >= limit {
			delay = limit
			break
		}
	}

	if jitter := int64(delay / 10); jitter > 0 {
		delay += time.Duration(rand.Int63n(jitter))
	}

	return delay
}
