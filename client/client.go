// Copyright 2021 Converter Systems LLC. All rights reserved.

package client

import (
	"context"
	"crypto/rsa"
	"errors"
	"sort"
	"time"

	"github.com/gammazero/workerpool"

	"github.com/edgewire/uastack/transport"
	"github.com/edgewire/uastack/ua"
)

// number of workers shared by a client's channel queues.
const defaultMaxWorkerThreads = 4

// Client exchanges binary encoded requests and responses with an OPC UA
// server over a secure channel, reconnecting transparently when the
// channel is lost.
type Client struct {
	endpointURL       string
	securityPolicyURI string
	securityMode      ua.MessageSecurityMode
	localCertificate  []byte
	localPrivateKey   *rsa.PrivateKey
	serverCertificate []byte
	config            transport.Config
	connectTimeout    int64
	tokenLifetime     uint32
	msgCodec          *ua.MessageCodec
	executor          *workerpool.WorkerPool

	fsm *connectionFSM
}

// Dial returns a connected client for the server at the given URL.
func Dial(ctx context.Context, endpointURL string, opts ...Option) (*Client, error) {
	c := &Client{
		endpointURL:       endpointURL,
		securityPolicyURI: ua.SecurityPolicyURIBestAvailable,
		securityMode:      ua.MessageSecurityModeInvalid,
		connectTimeout:    defaultConnectTimeout,
		tokenLifetime:     defaultTokenRequestedLifetime,
		msgCodec:          ua.NewMessageCodec(),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	if c.securityPolicyURI == ua.SecurityPolicyURIBestAvailable {
		if err := c.selectEndpoint(ctx); err != nil {
			return nil, err
		}
	}
	if c.securityMode == ua.MessageSecurityModeInvalid {
		if c.securityPolicyURI == ua.SecurityPolicyURINone {
			c.securityMode = ua.MessageSecurityModeNone
		} else {
			c.securityMode = ua.MessageSecurityModeSignAndEncrypt
		}
	}

	c.executor = workerpool.New(defaultMaxWorkerThreads)
	c.fsm = newConnectionFSM(c)
	if err := c.Connect(ctx); err != nil {
		c.executor.Stop()
		return nil, err
	}
	return c, nil
}

// selectEndpoint discovers the server's endpoints and picks the most
// secure one this client can actually use.
func (c *Client) selectEndpoint(ctx context.Context) error {
	res, err := GetEndpoints(ctx, c.endpointURL)
	if err != nil {
		return err
	}
	ordered := res.Endpoints
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].SecurityLevel > ordered[j].SecurityLevel
	})
	for i := range ordered {
		e := &ordered[i]
		if _, err := ua.SelectSecurityPolicy(e.SecurityPolicyURI); err != nil {
			continue
		}
		if e.SecurityPolicyURI != ua.SecurityPolicyURINone && len(c.localCertificate) == 0 {
			continue
		}
		c.securityPolicyURI = e.SecurityPolicyURI
		c.securityMode = e.SecurityMode
		if len(e.ServerCertificate) > 0 {
			c.serverCertificate = e.ServerCertificate
		}
		return nil
	}
	return ua.BadSecurityPolicyRejected
}

// Connect drives the connection machine to Connected. Idempotent while
// already connected.
func (c *Client) Connect(ctx context.Context) error {
	result := make(chan error, 1)
	if !c.fsm.post(evConnect{result: result}) {
		return ua.BadServerNotConnected
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ua.BadRequestTimeout
	}
}

// SendRequest sends a service request and returns its response. While a
// handshake or reconnect is in progress the request is buffered and
// flushed once the channel is up.
func (c *Client) SendRequest(ctx context.Context, req ua.ServiceRequest) (ua.ServiceResponse, error) {
	ch, state := c.fsm.currentChannel()
	if state == stateConnected && ch != nil {
		res, err := ch.Request(ctx, req)
		if err != nil && isConnectionLoss(err) {
			// the channel died under us; hand the request to the FSM,
			// which buffers it until the reconnect finishes
			return c.submitBuffered(ctx, req)
		}
		return res, err
	}
	return c.submitBuffered(ctx, req)
}

func (c *Client) submitBuffered(ctx context.Context, req ua.ServiceRequest) (ua.ServiceResponse, error) {
	header := req.Header()
	if header.Timestamp.IsZero() {
		header.Timestamp = time.Now()
	}
	if header.TimeoutHint == 0 {
		header.TimeoutHint = defaultTimeoutHint
	}
	ar := &awaitingRequest{req: req, outcome: make(chan transport.Outcome, 1)}
	if !c.fsm.post(evSubmit{ar: ar}) {
		return nil, ua.BadServerNotConnected
	}

	deadline := header.Timestamp.Add(time.Duration(header.TimeoutHint) * time.Millisecond)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	select {
	case outcome := <-ar.outcome:
		if outcome.Err != nil {
			return nil, outcome.Err
		}
		if sr := outcome.Response.Header().ServiceResult; sr.IsBad() {
			return nil, sr
		}
		return outcome.Response, nil
	case <-ctx.Done():
		return nil, ua.BadRequestTimeout
	}
}

// Disconnect closes the secure channel and releases the workers.
func (c *Client) Disconnect(ctx context.Context) error {
	result := make(chan error, 1)
	if !c.fsm.post(evDisconnect{result: result}) {
		return nil
	}
	var err error
	select {
	case err = <-result:
	case <-ctx.Done():
		err = ua.BadRequestTimeout
	}
	if c.executor != nil {
		c.executor.Stop()
	}
	return err
}

func isConnectionLoss(err error) bool {
	return errors.Is(err, ua.BadConnectionClosed) || errors.Is(err, ua.BadSecureChannelClosed)
}

// GetEndpoints asks the server at the given URL for its endpoint
// descriptions over a throwaway unsecured channel.
func GetEndpoints(ctx context.Context, endpointURL string, opts ...Option) (*ua.GetEndpointsResponse, error) {
	opts = append([]Option{WithSecurityPolicyNone()}, opts...)
	c, err := Dial(ctx, endpointURL, opts...)
	if err != nil {
		return nil, err
	}
	defer c.Disconnect(ctx)
	res, err := c.SendRequest(ctx, &ua.GetEndpointsRequest{EndpointURL: endpointURL})
	if err != nil {
		return nil, err
	}
	response, ok := res.(*ua.GetEndpointsResponse)
	if !ok {
		return nil, ua.BadUnknownResponse
	}
	return response, nil
}
