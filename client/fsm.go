// Copyright 2021 Converter Systems LLC. All rights reserved.

package client

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gammazero/deque"
	log "github.com/sirupsen/logrus"

	"github.com/edgewire/uastack/transport"
	"github.com/edgewire/uastack/ua"
)

// connectionState is the state of the client connection machine.
type connectionState int32

// connection states
const (
	stateIdle connectionState = iota
	stateConnecting
	stateConnected
	stateReconnecting
	stateDisconnecting
	stateDisconnected
)

func (s connectionState) String() string {
	switch s {
	case stateIdle:
		return "Idle"
	case stateConnecting:
		return "Connecting"
	case stateConnected:
		return "Connected"
	case stateReconnecting:
		return "Reconnecting"
	case stateDisconnecting:
		return "Disconnecting"
	default:
		return "Disconnected"
	}
}

// awaitingRequest is a request submitted before the handshake
// completed, buffered until the machine enters Connected.
type awaitingRequest struct {
	req     ua.ServiceRequest
	outcome chan transport.Outcome
}

// fsm events
type fsmEvent interface{}

type evConnect struct{ result chan error }

type evConnectOutcome struct {
	ch        *SecureChannel
	err       error
	channelID uint32
	reconnect bool
}

type evChannelInactive struct {
	ch  *SecureChannel
	err error
}

type evDisconnect struct{ result chan error }

type evClosed struct{ result chan error }

type evSubmit struct{ ar *awaitingRequest }

// connectionFSM drives connect, reconnect and disconnect. Only the run
// goroutine mutates the state; everything else posts events.
type connectionFSM struct {
	client *Client
	events chan fsmEvent
	done   chan struct{}

	// owned by the run goroutine
	state          connectionState
	channel        *SecureChannel
	awaiting       deque.Deque[*awaitingRequest]
	awaitingLimit  int
	connectWaiters []chan error
	retried        bool
	resend         []*transport.PendingRequest
}

func newConnectionFSM(c *Client) *connectionFSM {
	limit := int(c.config.MaxChunkCount)
	if limit == 0 {
		limit = int(transport.DefaultMaxChunkCount)
	}
	f := &connectionFSM{
		client:        c,
		events:        make(chan fsmEvent, 16),
		done:          make(chan struct{}),
		awaitingLimit: limit,
	}
	go f.run()
	return f
}

// post delivers an event to the run goroutine. Returns false once the
// machine has reached Disconnected and stopped consuming events.
func (f *connectionFSM) post(ev fsmEvent) bool {
	select {
	case f.events <- ev:
		return true
	case <-f.done:
		return false
	}
}

// currentChannel returns the live channel and the current state for the
// fast path in SendRequest. The value may be stale by the time the caller acts on it; the event loop
// re-checks.
func (f *connectionFSM) currentChannel() (*SecureChannel, connectionState) {
	type answer struct {
		ch *SecureChannel
		st connectionState
	}
	reply := make(chan answer, 1)
	select {
	case f.events <- func(fm *connectionFSM) {
		reply <- answer{fm.channel, fm.state}
	}:
		a := <-reply
		return a.ch, a.st
	case <-f.done:
		return nil, stateDisconnected
	}
}

func (f *connectionFSM) run() {
	defer close(f.done)
	for ev := range f.events {
		switch ev := ev.(type) {
		case func(*connectionFSM):
			ev(f)
		case evConnect:
			f.onConnect(ev)
		case evConnectOutcome:
			f.onConnectOutcome(ev)
		case evChannelInactive:
			f.onChannelInactive(ev)
		case evDisconnect:
			f.onDisconnect(ev)
		case evClosed:
			f.onClosed(ev)
		case evSubmit:
			f.onSubmit(ev)
		}
		if f.state == stateDisconnected {
			f.failAwaiting(ua.BadServerNotConnected)
			return
		}
	}
}

func (f *connectionFSM) onConnect(ev evConnect) {
	switch f.state {
	case stateIdle:
		f.state = stateConnecting
		f.retried = false
		f.connectWaiters = append(f.connectWaiters, ev.result)
		go f.bootstrap(0, false)
	case stateConnecting, stateReconnecting:
		f.connectWaiters = append(f.connectWaiters, ev.result)
	case stateConnected:
		ev.result <- nil
	default:
		ev.result <- ua.BadServerNotConnected
	}
}

func (f *connectionFSM) onConnectOutcome(ev evConnectOutcome) {
	if f.state != stateConnecting && f.state != stateReconnecting {
		if ev.err == nil {
			ev.ch.Abort(ua.BadSecureChannelClosed)
		}
		return
	}

	if ev.err == nil {
		f.channel = ev.ch
		f.state = stateConnected
		f.retried = false
		f.replayInFlight()
		f.flushAwaiting()
		for _, w := range f.connectWaiters {
			w <- nil
		}
		f.connectWaiters = nil
		return
	}

	// a server that lost our channel answers the reconnect handshake
	// with a stale-channel status; ask for a brand new channel exactly
	// once
	if isStaleChannelError(ev.err) && !f.retried && ev.channelID != 0 {
		f.retried = true
		log.WithError(ev.err).Warn("stale secure channel, retrying with a new channel id")
		go f.bootstrap(0, ev.reconnect)
		return
	}

	reconnecting := f.state == stateReconnecting
	f.state = stateIdle
	f.channel = nil
	for _, p := range f.resend {
		p.Cancel(ua.BadConnectionClosed)
	}
	f.resend = nil
	if reconnecting {
		f.failAwaiting(ua.BadConnectionClosed)
	} else {
		f.failAwaiting(transport.StatusOf(ev.err))
	}
	for _, w := range f.connectWaiters {
		w <- ev.err
	}
	f.connectWaiters = nil
	if reconnecting {
		log.WithError(ev.err).Error("reconnect failed")
	}
}

func (f *connectionFSM) onChannelInactive(ev evChannelInactive) {
	if f.state != stateConnected || ev.ch != f.channel {
		// superseded channel; nothing to keep
		ev.ch.Abort(ua.BadConnectionClosed)
		return
	}
	prevID := ev.ch.ChannelID()
	// the pending requests survive the channel and are replayed once the
	// new one is up; pausing the encode queue keeps their encode tasks
	// from failing them first
	f.resend = ev.ch.correlator.InFlight()
	if ev.ch.encodeQueue != nil {
		ev.ch.encodeQueue.Pause()
	}
	go ev.ch.shutdownQueues()
	f.channel = nil
	f.state = stateReconnecting
	f.retried = false
	log.WithField("channel", prevID).Warn("channel inactive, reconnecting")
	go f.bootstrap(prevID, true)
}

func (f *connectionFSM) onDisconnect(ev evDisconnect) {
	switch f.state {
	case stateConnected:
		ch := f.channel
		f.state = stateDisconnecting
		f.channel = nil
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			ch.Close(ctx)
			f.post(evClosed{result: ev.result})
		}()
	case stateIdle:
		f.state = stateDisconnected
		ev.result <- nil
	default:
		ev.result <- ua.BadInvalidState
	}
}

func (f *connectionFSM) onClosed(ev evClosed) {
	f.state = stateDisconnected
	ev.result <- nil
}

func (f *connectionFSM) onSubmit(ev evSubmit) {
	switch f.state {
	case stateConnected:
		f.dispatch(ev.ar)
	case stateConnecting, stateReconnecting:
		if f.awaiting.Len() >= f.awaitingLimit {
			oldest := f.awaiting.PopFront()
			oldest.outcome <- transport.Outcome{Err: ua.BadResourceUnavailable}
		}
		f.awaiting.PushBack(ev.ar)
	default:
		ev.ar.outcome <- transport.Outcome{Err: ua.BadServerNotConnected}
	}
}

// dispatch begins the request on the live channel and pipes the result.
func (f *connectionFSM) dispatch(ar *awaitingRequest) {
	pending, err := f.channel.begin(ar.req)
	if err != nil {
		ar.outcome <- transport.Outcome{Err: err}
		return
	}
	go func() {
		ar.outcome <- <-pending.Done()
	}()
}

// flushAwaiting drains the pre-handshake buffer in submission order.
func (f *connectionFSM) flushAwaiting() {
	for f.awaiting.Len() > 0 {
		f.dispatch(f.awaiting.PopFront())
	}
}

func (f *connectionFSM) failAwaiting(code ua.StatusCode) {
	for f.awaiting.Len() > 0 {
		f.awaiting.PopFront().outcome <- transport.Outcome{Err: code}
	}
}

// replayInFlight resends the requests that were pending when the
// previous channel died, delivering the results to the original
// callers.
func (f *connectionFSM) replayInFlight() {
	pendings := f.resend
	f.resend = nil
	for _, old := range pendings {
		replay, err := f.channel.begin(old.Request)
		if err != nil {
			old.Cancel(err)
			continue
		}
		go func(old *transport.PendingRequest) {
			outcome := <-replay.Done()
			if outcome.Err != nil {
				old.Cancel(outcome.Err)
				return
			}
			old.Resolve(outcome.Response)
		}(old)
	}
}

// bootstrap dials and opens a new secure channel off the FSM goroutine,
// posting the outcome back as an event. Reconnect attempts pace the
// socket dial with exponential backoff so a restarting server is given
// a moment to come back.
func (f *connectionFSM) bootstrap(channelID uint32, reconnect bool) {
	c := f.client
	attempt := func() (*SecureChannel, error) {
		ch := newSecureChannel(
			c.endpointURL,
			c.securityPolicyURI,
			c.securityMode,
			c.localCertificate,
			c.localPrivateKey,
			c.serverCertificate,
			c.config,
			c.connectTimeout,
			c.tokenLifetime,
			c.msgCodec,
			c.executor,
			f.notifyInactive,
		)
		err := ch.Open(context.Background(), channelID)
		return ch, err
	}

	if !reconnect {
		ch, err := attempt()
		if !f.post(evConnectOutcome{ch: ch, err: err, channelID: channelID, reconnect: reconnect}) && err == nil {
			ch.Abort(ua.BadSecureChannelClosed)
		}
		return
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = time.Second
	bo.MaxElapsedTime = 10 * time.Second

	var ch *SecureChannel
	err := backoff.Retry(func() error {
		var err error
		ch, err = attempt()
		if err == nil {
			return nil
		}
		if isStaleChannelError(err) {
			// surfaced to the FSM, which owns the single retry
			return backoff.Permanent(err)
		}
		if errors.Is(err, ua.BadConnectionRejected) {
			return err
		}
		return backoff.Permanent(err)
	}, bo)
	if !f.post(evConnectOutcome{ch: ch, err: err, channelID: channelID, reconnect: reconnect}) && err == nil {
		ch.Abort(ua.BadSecureChannelClosed)
	}
}

func (f *connectionFSM) notifyInactive(ch *SecureChannel, err error) {
	if !f.post(evChannelInactive{ch: ch, err: err}) {
		ch.correlator.FailAll(ua.BadConnectionClosed)
	}
}

func isStaleChannelError(err error) bool {
	return errors.Is(err, ua.BadTCPSecureChannelUnknown) || errors.Is(err, ua.BadSecureChannelIDInvalid)
}
