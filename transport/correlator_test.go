// Copyright 2021 Converter Systems LLC. All rights reserved.

package transport

import (
	"testing"
	"time"

	"gotest.tools/assert"

	"github.com/edgewire/uastack/ua"
)

func newTestRequest() *ua.TestStackRequest {
	return &ua.TestStackRequest{
		RequestHeader: ua.RequestHeader{RequestHandle: 1, Timestamp: time.Now()},
	}
}

func TestCorrelatorCompleteResolvesPending(t *testing.T) {
	c := NewCorrelator()
	p := c.Register(newTestRequest())
	assert.Equal(t, c.Len(), 1)

	res := &ua.TestStackResponse{}
	assert.Assert(t, c.Complete(p.RequestID, res))
	outcome := <-p.Done()
	assert.NilError(t, outcome.Err)
	assert.Equal(t, outcome.Response, ua.ServiceResponse(res))
	assert.Equal(t, c.Len(), 0)
}

func TestCorrelatorLateResponseDropped(t *testing.T) {
	c := NewCorrelator()
	p := c.Register(newTestRequest())
	p.Cancel(ua.BadRequestTimeout)
	outcome := <-p.Done()
	assert.Equal(t, outcome.Err, error(ua.BadRequestTimeout))

	// the response arrives after the external failure: logged, dropped,
	// never delivered
	assert.Assert(t, !c.Complete(p.RequestID, &ua.TestStackResponse{}))
	select {
	case <-p.Done():
		t.Fatal("second outcome delivered")
	default:
	}
}

func TestCorrelatorTerminalRemovesEntry(t *testing.T) {
	c := NewCorrelator()
	for i := 0; i < 100; i++ {
		p := c.Register(newTestRequest())
		switch i % 3 {
		case 0:
			c.Complete(p.RequestID, &ua.TestStackResponse{})
		case 1:
			c.Fail(p.RequestID, ua.BadTimeout)
		default:
			p.Cancel(ua.BadRequestTimeout)
		}
		<-p.Done()
	}
	// the map never outlives its outcomes
	assert.Equal(t, c.Len(), 0)
}

func TestCorrelatorFailAll(t *testing.T) {
	c := NewCorrelator()
	pendings := make([]*PendingRequest, 10)
	for i := range pendings {
		pendings[i] = c.Register(newTestRequest())
	}
	c.FailAll(ua.BadConnectionClosed)
	for _, p := range pendings {
		outcome := <-p.Done()
		assert.Equal(t, outcome.Err, error(ua.BadConnectionClosed))
	}
	assert.Equal(t, c.Len(), 0)
}

func TestCorrelatorInFlightOrder(t *testing.T) {
	c := NewCorrelator()
	first := c.Register(newTestRequest())
	time.Sleep(time.Millisecond)
	second := c.Register(newTestRequest())
	inflight := c.InFlight()
	assert.Equal(t, len(inflight), 2)
	assert.Equal(t, inflight[0].RequestID, first.RequestID)
	assert.Equal(t, inflight[1].RequestID, second.RequestID)
}

func TestCorrelatorRequestIDsUnique(t *testing.T) {
	c := NewCorrelator()
	seen := make(map[uint32]struct{})
	for i := 0; i < 100000; i++ {
		p := c.Register(newTestRequest())
		if _, dup := seen[p.RequestID]; dup {
			t.Fatalf("duplicate request id %d", p.RequestID)
		}
		seen[p.RequestID] = struct{}{}
		p.Cancel(ua.BadRequestTimeout)
	}
}
