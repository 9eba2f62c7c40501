// Copyright 2021 Converter Systems LLC. All rights reserved.

package transport

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/edgewire/uastack/ua"
)

// Outcome is the terminal result of a pending request.
type Outcome struct {
	Response ua.ServiceResponse
	Err      error
}

// PendingRequest tracks one in-flight request from the moment its
// request id is assigned until a terminal outcome. Whatever the
// outcome, the correlator entry is removed exactly once.
type PendingRequest struct {
	RequestID     uint32
	RequestHandle uint32
	Request       ua.ServiceRequest
	SubmittedAt   time.Time

	c    *Correlator
	ch   chan Outcome
	once sync.Once
}

// Done delivers the terminal outcome.
func (p *PendingRequest) Done() <-chan Outcome {
	return p.ch
}

// Cancel terminates the request externally, for example on an
// upper-layer timeout. A response arriving later is dropped.
func (p *PendingRequest) Cancel(err error) {
	p.settle(Outcome{Err: err})
}

// Resolve completes the request externally with a response. Used when a
// reconnected channel replays the request and delivers the result to
// the original caller.
func (p *PendingRequest) Resolve(res ua.ServiceResponse) {
	p.settle(Outcome{Response: res})
}

func (p *PendingRequest) settle(o Outcome) {
	p.once.Do(func() {
		p.c.remove(p.RequestID)
		p.ch <- o
	})
}

// Correlator assigns request ids and resolves responses back to their
// pending requests. Request ids start at one, skip zero, and wrap well
// before MaxUint32.
type Correlator struct {
	mu      sync.Mutex
	ids     CyclicCounter
	pending map[uint32]*PendingRequest
}

// NewCorrelator returns an empty correlator.
func NewCorrelator() *Correlator {
	return &Correlator{pending: make(map[uint32]*PendingRequest)}
}

// Register assigns the next request id to req and tracks it.
func (c *Correlator) Register(req ua.ServiceRequest) *PendingRequest {
	p := &PendingRequest{
		RequestID:     c.ids.Next(),
		RequestHandle: req.Header().RequestHandle,
		Request:       req,
		SubmittedAt:   time.Now(),
		c:             c,
		ch:            make(chan Outcome, 1),
	}
	c.mu.Lock()
	c.pending[p.RequestID] = p
	c.mu.Unlock()
	return p
}

func (c *Correlator) remove(requestID uint32) {
	c.mu.Lock()
	delete(c.pending, requestID)
	c.mu.Unlock()
}

func (c *Correlator) take(requestID uint32) *PendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending[requestID]
}

// Complete resolves the pending request with a response. An unknown
// request id is logged and dropped.
func (c *Correlator) Complete(requestID uint32, res ua.ServiceResponse) bool {
	p := c.take(requestID)
	if p == nil {
		log.WithField("requestId", requestID).Warn("response for unknown request id dropped")
		return false
	}
	p.settle(Outcome{Response: res})
	return true
}

// Fail resolves the pending request with an error.
func (c *Correlator) Fail(requestID uint32, err error) bool {
	p := c.take(requestID)
	if p == nil {
		log.WithField("requestId", requestID).Warn("failure for unknown request id dropped")
		return false
	}
	p.settle(Outcome{Err: err})
	return true
}

// FailAll resolves every pending request with the same error. Used when
// the channel dies.
func (c *Correlator) FailAll(err error) {
	c.mu.Lock()
	all := make([]*PendingRequest, 0, len(c.pending))
	for _, p := range c.pending {
		all = append(all, p)
	}
	c.mu.Unlock()
	for _, p := range all {
		p.settle(Outcome{Err: err})
	}
}

// InFlight returns the pending requests in submission order. Used to
// resend after a reconnect.
func (c *Correlator) InFlight() []*PendingRequest {
	c.mu.Lock()
	all := make([]*PendingRequest, 0, len(c.pending))
	for _, p := range c.pending {
		all = append(all, p)
	}
	c.mu.Unlock()
	for i := 1; i < len(all); i++ {
		for j := i; j > 0 && all[j].SubmittedAt.Before(all[j-1].SubmittedAt); j-- {
			all[j], all[j-1] = all[j-1], all[j]
		}
	}
	return all
}

// Len returns the number of outstanding requests.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
