// Copyright 2021 Converter Systems LLC. All rights reserved.

package transport

import (
	"sync"

	"github.com/edgewire/uastack/ua"
)

// sequenceWrapLimit is the largest value a sequence number or request
// id may take before the counter wraps back to one. Wrapping this far
// below MaxUint32 keeps a wrapped counter unambiguous for a receiver
// that allows a bounded gap.
const sequenceWrapLimit uint32 = 0xFFFFFFFF - 1024

// CyclicCounter issues uint32 values starting at one, wrapping to one
// again past the wrap limit. Zero is never issued.
type CyclicCounter struct {
	mu    sync.Mutex
	value uint32
}

// Next returns the next value in sequence.
func (c *CyclicCounter) Next() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.value >= sequenceWrapLimit {
		c.value = 0
	}
	c.value++
	return c.value
}

// SequenceChecker validates that received sequence numbers are strictly
// increasing, allowing the single legal wrap back to a small value once
// the previous number is beyond the wrap limit.
type SequenceChecker struct {
	last    uint32
	started bool
}

// Check validates the next received sequence number.
func (s *SequenceChecker) Check(seq uint32) error {
	if seq == 0 {
		return NewError(KindSecurity, ua.BadSecurityChecksFailed, "sequence number zero")
	}
	if !s.started {
		s.started = true
		s.last = seq
		return nil
	}
	if seq > s.last {
		s.last = seq
		return nil
	}
	// the only legal non-increasing step is the wrap
	if s.last >= sequenceWrapLimit && seq < 1024 {
		s.last = seq
		return nil
	}
	return NewError(KindSecurity, ua.BadSecurityChecksFailed, "sequence number not monotonic")
}
