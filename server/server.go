// Copyright 2021 Converter Systems LLC. All rights reserved.

package server

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/edgewire/uastack/transport"
	"github.com/edgewire/uastack/ua"
)

// ServerState is the lifecycle state of the server.
type ServerState int32

// server states
const (
	ServerStateUnknown ServerState = iota
	ServerStateRunning
	ServerStateShutdown
	ServerStateFailed
)

const (
	// number of workers dispatching request handlers.
	defaultMaxWorkerThreads = 4
	// default lifetime granted to issued security tokens. (60 min)
	defaultTokenLifetime uint32 = 3600000
	// shortest lifetime granted to issued security tokens. (60 sec)
	minTokenLifetime uint32 = 60000
)

// RequestHandler handles one decoded service request on a channel. A
// returned *transport.MessageAborted emits an abort chunk for the
// request; any other error becomes a ServiceFault. Handlers run on the
// server's worker pool, never on the channel's decode queue.
type RequestHandler func(ch *SecureChannel, req ua.ServiceRequest) (ua.ServiceResponse, error)

// Server accepts OPC UA TCP connections and serves secure channels.
type Server struct {
	sync.RWMutex
	endpointURL      string
	localCertificate []byte
	localPrivateKey  *rsa.PrivateKey
	config           transport.Config
	msgCodec         *ua.MessageCodec
	tokenLifetime    uint32
	trace            bool

	endpoints []ua.EndpointDescription
	handlers  map[uint16]RequestHandler

	workerpool     *workerpool.WorkerPool
	channelManager *ChannelManager
	listeners      []net.Listener
	state          ServerState
	closing        chan struct{}
	closed         chan struct{}
}

// New returns a server listening at endpointURL once Startup is called.
func New(endpointURL string, opts ...Option) (*Server, error) {
	srv := &Server{
		endpointURL:   endpointURL,
		msgCodec:      ua.NewMessageCodec(),
		tokenLifetime: defaultTokenLifetime,
		handlers:      make(map[uint16]RequestHandler),
		closing:       make(chan struct{}),
		closed:        make(chan struct{}),
	}
	for _, opt := range opts {
		if err := opt(srv); err != nil {
			return nil, err
		}
	}
	srv.workerpool = workerpool.New(defaultMaxWorkerThreads)
	srv.channelManager = NewChannelManager(srv)
	srv.AddRequestHandler(ua.TypeIDGetEndpointsRequest, srv.handleGetEndpoints)
	return srv, nil
}

// EndpointURL gets the base endpoint url of the server.
func (srv *Server) EndpointURL() string {
	return srv.endpointURL
}

// LocalCertificate gets the certificate for the local application.
func (srv *Server) LocalCertificate() []byte {
	return srv.localCertificate
}

// LocalPrivateKey gets the local private key.
func (srv *Server) LocalPrivateKey() *rsa.PrivateKey {
	return srv.localPrivateKey
}

// Endpoints returns the registered endpoint descriptions.
func (srv *Server) Endpoints() []ua.EndpointDescription {
	srv.RLock()
	defer srv.RUnlock()
	return srv.endpoints
}

// WorkerPool returns the pool that runs request handlers and offloaded
// crypto work.
func (srv *Server) WorkerPool() *workerpool.WorkerPool {
	return srv.workerpool
}

// ChannelManager returns the secure channel registry.
func (srv *Server) ChannelManager() *ChannelManager {
	return srv.channelManager
}

// Closing is closed when the server begins shutting down.
func (srv *Server) Closing() <-chan struct{} {
	return srv.closing
}

// AddEndpoint registers an endpoint configuration: the security policy
// and message security mode offered at the server's url.
func (srv *Server) AddEndpoint(policyURI string, mode ua.MessageSecurityMode) error {
	if _, err := ua.SelectSecurityPolicy(policyURI); err != nil {
		return err
	}
	if policyURI == ua.SecurityPolicyURINone && mode != ua.MessageSecurityModeNone {
		return ua.BadSecurityModeRejected
	}
	var level byte
	switch mode {
	case ua.MessageSecurityModeSignAndEncrypt:
		level = 3
	case ua.MessageSecurityModeSign:
		level = 1
	}
	srv.Lock()
	srv.endpoints = append(srv.endpoints, ua.EndpointDescription{
		EndpointURL:       srv.endpointURL,
		SecurityPolicyURI: policyURI,
		SecurityMode:      mode,
		SecurityLevel:     level,
		ServerCertificate: srv.localCertificate,
	})
	srv.Unlock()
	return nil
}

// AddRequestHandler registers the handler dispatched for the given
// message type id.
func (srv *Server) AddRequestHandler(typeID uint16, handler RequestHandler) {
	srv.Lock()
	srv.handlers[typeID] = handler
	srv.Unlock()
}

func (srv *Server) handlerFor(typeID uint16) RequestHandler {
	srv.RLock()
	defer srv.RUnlock()
	return srv.handlers[typeID]
}

func (srv *Server) handleGetEndpoints(ch *SecureChannel, req ua.ServiceRequest) (ua.ServiceResponse, error) {
	return &ua.GetEndpointsResponse{
		ResponseHeader: ua.ResponseHeader{
			Timestamp:     time.Now(),
			RequestHandle: req.Header().RequestHandle,
		},
		Endpoints: srv.Endpoints(),
	}, nil
}

// endpointURLValid reports whether a HELLO's endpoint url resolves to
// this server.
func (srv *Server) endpointURLValid(endpointURL string) bool {
	u, err := url.Parse(endpointURL)
	if err != nil || u.Scheme != "opc.tcp" {
		return false
	}
	base, err := url.Parse(srv.endpointURL)
	if err != nil {
		return false
	}
	return u.Path == base.Path
}

// ListenAndServe accepts connections until the server is shut down.
func (srv *Server) ListenAndServe() error {
	srv.Lock()
	if srv.state != ServerStateUnknown {
		srv.Unlock()
		return ua.BadInternalError
	}
	baseURL, err := url.Parse(srv.endpointURL)
	if err != nil {
		srv.Unlock()
		return ua.BadTCPEndpointURLInvalid
	}
	l, err := net.Listen("tcp", ":"+baseURL.Port())
	if err != nil {
		srv.Unlock()
		return ua.BadResourceUnavailable
	}
	srv.listeners = append(srv.listeners, l)
	srv.state = ServerStateRunning
	srv.Unlock()

	log.WithField("endpoint", srv.endpointURL).Info("server listening")
	return srv.serve(l)
}

// Startup starts accepting connections on a background goroutine.
func (srv *Server) Startup() error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Shutdown stops accepting connections, closes every channel and waits
// for the workers to finish.
func (srv *Server) Shutdown() error {
	srv.Lock()
	if srv.state != ServerStateRunning {
		srv.Unlock()
		return ua.BadInternalError
	}
	srv.state = ServerStateShutdown
	srv.Unlock()

	close(srv.closing)
	for _, l := range srv.listeners {
		if err := l.Close(); err != nil {
			log.WithError(err).Error("error closing secure channel listener")
		}
	}
	// drain the channels before stopping the pool their queues run on
	srv.channelManager.closeChannels()
	srv.workerpool.StopWait()
	close(srv.closed)
	return nil
}

// Abort stops the server without waiting for the workers.
func (srv *Server) Abort() error {
	srv.Lock()
	if srv.state != ServerStateRunning {
		srv.Unlock()
		return ua.BadInternalError
	}
	srv.state = ServerStateFailed
	srv.Unlock()

	close(srv.closing)
	for _, l := range srv.listeners {
		l.Close()
	}
	srv.channelManager.closeChannels()
	srv.workerpool.Stop()
	close(srv.closed)
	return nil
}

func (srv *Server) serve(l net.Listener) error {
	var delay time.Duration
	for {
		conn, err := l.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if delay == 0 {
					delay = 5 * time.Millisecond
				} else {
					delay *= 2
				}
				if max := time.Second; delay > max {
					delay = max
				}
				time.Sleep(delay)
				continue
			}
			select {
			case <-srv.closing:
				return ua.BadServerHalted
			default:
				return ua.BadTCPInternalError
			}
		}
		delay = 0
		ch := newSecureChannel(srv, conn)
		go func(ch *SecureChannel) {
			if err := ch.Open(); err != nil {
				if reason, ok := err.(ua.StatusCode); ok {
					ch.AbortWith(reason, reason.Error())
					return
				}
				ch.AbortWith(transport.StatusOf(err), err.Error())
				return
			}
			srv.channelManager.Add(ch)
		}(ch)
	}
}

// LoadCertificateFromFiles reads a PEM certificate and RSA key pair, a
// convenience for wiring test servers.
func LoadCertificateFromFiles(certPath, keyPath string) ([]byte, *rsa.PrivateKey, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, nil, errors.Wrap(err, "read certificate")
	}
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, nil, errors.New("no certificate block")
	}
	cert := block.Bytes

	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, nil, errors.Wrap(err, "read key")
	}
	block, _ = pem.Decode(keyPEM)
	if block == nil {
		return nil, nil, errors.New("no key block")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, nil, errors.Wrap(err, "parse key")
	}
	return cert, key, nil
}
