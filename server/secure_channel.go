// Copyright 2021 Converter Systems LLC. All rights reserved.

package server

import (
	"bytes"
	"crypto/rsa"
	"io"
	"net"
	"sync"
	"time"

	"github.com/djherbis/buffer"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/edgewire/uastack/transport"
	"github.com/edgewire/uastack/ua"
)

// channelIDs allocates server channel ids, monotonic and skipping zero.
var channelIDs transport.CyclicCounter

// mailbox capacity of the per-channel serial queues.
const queueCapacity = 64

// SecureChannel is the server half of one secure channel. A connection
// moves through three phases: HELLO, OpenSecureChannel, then symmetric
// messages. Any out-of-phase message is fatal.
type SecureChannel struct {
	srv    *Server
	framer *transport.Framer
	logger *log.Entry

	channelID         uint32
	securityPolicyURI string
	securityPolicy    ua.SecurityPolicy
	securityMode      ua.MessageSecurityMode
	remoteCertificate []byte
	remotePublicKey   *rsa.PublicKey
	params            transport.ChannelParameters
	tokens            *transport.TokenStore
	codec             *transport.SymmetricCodec
	assembler         *transport.Assembler
	encodeQueue       *transport.SerialQueue
	decodeQueue       *transport.SerialQueue
	tokenIDs          transport.CyclicCounter
	localNonce        []byte
	remoteNonce       []byte

	closedLock sync.Mutex
	closed     bool
}

func newSecureChannel(srv *Server, conn net.Conn) *SecureChannel {
	cfg := srv.config.OrDefaults()
	return &SecureChannel{
		srv:    srv,
		framer: transport.NewFramer(conn, cfg.MaxChunkSize),
		tokens: &transport.TokenStore{},
		logger: log.WithFields(log.Fields{
			"conn":   uuid.New().String()[:8],
			"remote": conn.RemoteAddr().String(),
		}),
	}
}

// ChannelID gets the channel id.
func (ch *SecureChannel) ChannelID() uint32 {
	return ch.channelID
}

// SecurityMode returns the negotiated message security mode.
func (ch *SecureChannel) SecurityMode() ua.MessageSecurityMode {
	return ch.securityMode
}

// SecurityPolicyURI returns the negotiated security policy uri.
func (ch *SecureChannel) SecurityPolicyURI() string {
	return ch.securityPolicyURI
}

// Closed reports whether the channel's socket is gone.
func (ch *SecureChannel) Closed() bool {
	ch.closedLock.Lock()
	defer ch.closedLock.Unlock()
	return ch.closed
}

// Open runs the HELLO and OpenSecureChannel phases. On success the
// symmetric receive loop is running and the channel is ready to be
// registered.
func (ch *SecureChannel) Open() error {
	if err := ch.hello(); err != nil {
		return err
	}

	ch.codec = &transport.SymmetricCodec{
		Params: ch.params,
		Tokens: ch.tokens,
	}
	ch.assembler = transport.NewAssembler(ch.params.LocalMaxChunkCount, ch.params.LocalMaxMessageSize)
	ch.encodeQueue = transport.NewSerialQueue(queueCapacity, ch.srv.workerpool)
	ch.decodeQueue = transport.NewSerialQueue(queueCapacity, ch.srv.workerpool)

	if err := ch.openSecureChannel(); err != nil {
		ch.shutdownQueues()
		return err
	}

	go ch.receiveLoop()
	return nil
}

// hello expects the HEL message, validates it and answers with ACK.
func (ch *SecureChannel) hello() error {
	cfg := ch.srv.config.OrDefaults()

	buf := *(transport.BytesPool.Get().(*[]byte))
	defer transport.BytesPool.Put(&buf)

	count, msgType, err := ch.framer.ReadMessage(buf)
	if err != nil {
		return err
	}
	if msgType != ua.MessageTypeHello {
		return transport.NewError(transport.KindFraming, ua.BadTCPMessageTypeInvalid, "expected HEL")
	}
	dec := ua.NewBinaryDecoder(bytes.NewReader(buf[transport.HeaderSize:count]))
	hel, err := transport.DecodeHello(dec)
	if err != nil {
		return transport.NewError(transport.KindFraming, ua.BadDecodingError, "malformed HEL")
	}
	if hel.ProtocolVersion < transport.ProtocolVersion {
		return transport.NewError(transport.KindFraming, ua.BadProtocolVersionUnsupported, "protocol version unsupported")
	}
	if !ch.srv.endpointURLValid(hel.EndpointURL) {
		return transport.NewError(transport.KindFraming, ua.BadTCPEndpointURLInvalid, "endpoint url does not resolve here")
	}

	ch.params = transport.NegotiateFromHello(hel, cfg)
	ch.framer.SetReceiveBufferSize(ch.params.LocalReceiveBufferSize)

	ack := &transport.Acknowledge{
		ProtocolVersion:   transport.ProtocolVersion,
		ReceiveBufferSize: ch.params.LocalReceiveBufferSize,
		SendBufferSize:    ch.params.LocalSendBufferSize,
		MaxMessageSize:    ch.params.LocalMaxMessageSize,
		MaxChunkCount:     ch.params.LocalMaxChunkCount,
	}
	n, err := transport.EncodeAcknowledge(buf, ack)
	if err != nil {
		return err
	}
	if err := ch.framer.WriteMessage(buf[:n]); err != nil {
		return err
	}
	ch.logger.WithFields(log.Fields{
		"receiveBufferSize": ch.params.LocalReceiveBufferSize,
		"sendBufferSize":    ch.params.LocalSendBufferSize,
	}).Debug("negotiated channel parameters")
	return nil
}

// openSecureChannel expects the first OPN, issues the channel id and
// first security token, and answers.
func (ch *SecureChannel) openSecureChannel() error {
	buf := make([]byte, ch.params.LocalReceiveBufferSize)
	count, msgType, err := ch.framer.ReadMessage(buf)
	if err != nil {
		return err
	}
	if msgType != ua.MessageTypeOpenFinal {
		return transport.NewError(transport.KindFraming, ua.BadTCPMessageTypeInvalid, "expected OPN")
	}

	req, requestID, headerChannelID, err := ch.decodeOpenRequest(buf, count)
	if err != nil {
		return err
	}
	// a client re-establishing a lost channel names the old channel id;
	// this connection does not carry it
	if headerChannelID != 0 {
		return transport.NewError(transport.KindChannel, ua.BadTCPSecureChannelUnknown, "secure channel unknown")
	}
	if req.RequestType != ua.SecurityTokenRequestTypeIssue {
		return transport.NewError(transport.KindChannel, ua.BadSecurityChecksFailed, "expected token issue")
	}
	if !ch.endpointOffered() {
		return transport.NewError(transport.KindChannel, ua.BadSecurityPolicyRejected, "no endpoint for policy and mode")
	}

	ch.channelID = channelIDs.Next()
	ch.codec.ChannelID = ch.channelID
	ch.logger = ch.logger.WithField("channel", ch.channelID)

	token, res, err := ch.issueToken(req)
	if err != nil {
		return err
	}
	ch.tokens.Install(token)
	if err := ch.sendOpenSecureChannelResponse(res, requestID); err != nil {
		return err
	}
	ch.logger.WithFields(log.Fields{
		"token":    res.SecurityToken.TokenID,
		"lifetime": res.SecurityToken.RevisedLifetime,
	}).Debug("issued security token")
	return nil
}

// endpointOffered reports whether the negotiated policy and mode match
// a registered endpoint. An unsecured channel is always admitted for
// the discovery path.
func (ch *SecureChannel) endpointOffered() bool {
	if ch.securityPolicyURI == ua.SecurityPolicyURINone && ch.securityMode == ua.MessageSecurityModeNone {
		return true
	}
	for _, ep := range ch.srv.Endpoints() {
		if ep.SecurityPolicyURI == ch.securityPolicyURI && ep.SecurityMode == ch.securityMode {
			return true
		}
	}
	return false
}

// issueToken mints the next security token. The caller installs it: on
// renewal the rotation must happen on the encode queue, so that chunks
// already queued ahead of the OPN response still travel under the token
// the client knows.
func (ch *SecureChannel) issueToken(req *ua.OpenSecureChannelRequest) (*transport.SecurityToken, *ua.OpenSecureChannelResponse, error) {
	lifetime := req.RequestedLifetime
	if lifetime == 0 {
		lifetime = ch.srv.tokenLifetime
	}
	if lifetime < minTokenLifetime {
		lifetime = minTokenLifetime
	}

	ch.remoteNonce = req.ClientNonce
	if ch.securityMode != ua.MessageSecurityModeNone {
		ch.localNonce = getNextNonce(ch.securityPolicy.NonceSize())
	} else {
		ch.localNonce = []byte{}
	}

	localKeys, err := transport.DeriveKeySet(ch.securityPolicy, ch.remoteNonce, ch.localNonce)
	if err != nil {
		return nil, nil, err
	}
	remoteKeys, err := transport.DeriveKeySet(ch.securityPolicy, ch.localNonce, ch.remoteNonce)
	if err != nil {
		return nil, nil, err
	}
	token := &transport.SecurityToken{
		TokenID:    ch.tokenIDs.Next(),
		ChannelID:  ch.channelID,
		CreatedAt:  time.Now(),
		Lifetime:   time.Duration(lifetime) * time.Millisecond,
		LocalKeys:  localKeys,
		RemoteKeys: remoteKeys,
	}

	return token, &ua.OpenSecureChannelResponse{
		ResponseHeader: ua.ResponseHeader{
			Timestamp:     time.Now(),
			RequestHandle: req.RequestHandle,
		},
		ServerProtocolVersion: transport.ProtocolVersion,
		SecurityToken: ua.ChannelSecurityToken{
			ChannelID:       ch.channelID,
			TokenID:         token.TokenID,
			CreatedAt:       token.CreatedAt,
			RevisedLifetime: lifetime,
		},
		ServerNonce: ch.localNonce,
	}, nil
}

// receiveLoop reads whole messages off the socket and hands them to the
// decode queue in arrival order.
func (ch *SecureChannel) receiveLoop() {
	for {
		buf := *(transport.BytesPool.Get().(*[]byte))
		if uint32(len(buf)) < ch.params.LocalReceiveBufferSize {
			buf = make([]byte, ch.params.LocalReceiveBufferSize)
		}
		count, msgType, err := ch.framer.ReadMessage(buf)
		if err != nil {
			transport.BytesPool.Put(&buf)
			ch.fatal(err)
			return
		}
		if ch.srv.trace {
			ch.logger.WithField("bytes", count).Debug("chunk received")
		}
		b := buf
		err = ch.decodeQueue.Submit(func() {
			defer transport.BytesPool.Put(&b)
			if err := ch.decodeMessage(b, count, msgType); err != nil {
				if te, ok := err.(*transport.Error); ok && !te.IsFatal() {
					ch.logger.WithError(err).Warn("message dropped")
					return
				}
				ch.fatal(err)
			}
		})
		if err != nil {
			transport.BytesPool.Put(&buf)
			return
		}
	}
}

// decodeMessage runs on the decode queue.
func (ch *SecureChannel) decodeMessage(buf []byte, count int, msgType uint32) error {
	switch msgType {
	case ua.MessageTypeChunk, ua.MessageTypeFinal, ua.MessageTypeCloseFinal, ua.MessageTypeAbort:
		chunk, abort, err := ch.codec.DecodeChunk(buf, count, msgType)
		if err != nil {
			return err
		}
		if abort != nil {
			// the client abandoned this message; drop its chunks
			ch.assembler.Abort(abort.RequestID)
			ch.logger.WithFields(log.Fields{
				"requestId": abort.RequestID,
				"status":    abort.Code.Error(),
			}).Debug("message aborted by client")
			return nil
		}
		bodies, err := ch.assembler.Add(chunk.RequestID, chunk.Body, chunk.Final)
		if err != nil {
			return err
		}
		if bodies == nil {
			return nil
		}
		return ch.completeMessage(chunk.RequestID, bodies)

	case ua.MessageTypeOpenFinal:
		return ch.renewToken(buf, count)

	default:
		return transport.NewError(transport.KindFraming, ua.BadTCPMessageTypeInvalid, "unexpected message type")
	}
}

// completeMessage decodes the reassembled request and dispatches it.
func (ch *SecureChannel) completeMessage(requestID uint32, bodies [][]byte) error {
	readers := make([]io.Reader, len(bodies))
	for i, b := range bodies {
		readers[i] = bytes.NewReader(b)
	}
	msg, err := ch.srv.msgCodec.Decode(io.MultiReader(readers...))
	if err != nil {
		return err
	}
	req, ok := msg.(ua.ServiceRequest)
	if !ok {
		return transport.NewError(transport.KindFraming, ua.BadDecodingError, "not a service request")
	}

	if _, ok := req.(*ua.CloseSecureChannelRequest); ok {
		ch.logger.Debug("channel closed by client")
		ch.srv.channelManager.Delete(ch)
		ch.Close()
		return nil
	}

	ch.dispatch(requestID, req)
	return nil
}

// dispatch runs the registered handler on the server's worker pool so
// user code never blocks the channel's decode queue.
func (ch *SecureChannel) dispatch(requestID uint32, req ua.ServiceRequest) {
	handler := ch.srv.handlerFor(req.TypeID())
	if handler == nil {
		ch.Write(&ua.ServiceFault{
			ResponseHeader: ua.ResponseHeader{
				Timestamp:     time.Now(),
				RequestHandle: req.Header().RequestHandle,
				ServiceResult: ua.BadServiceUnsupported,
			},
		}, requestID)
		return
	}
	ch.srv.workerpool.Submit(func() {
		res, err := ch.runHandler(handler, req)
		if err != nil {
			if aborted, ok := err.(*transport.MessageAborted); ok {
				ch.sendAbort(requestID, aborted.Code, aborted.Reason)
				return
			}
			res = &ua.ServiceFault{
				ResponseHeader: ua.ResponseHeader{
					Timestamp:     time.Now(),
					RequestHandle: req.Header().RequestHandle,
					ServiceResult: transport.StatusOf(err),
				},
			}
		}
		ch.Write(res, requestID)
	})
}

// runHandler shields the channel from a panicking handler; the caller
// gets a fault, the channel stays up.
func (ch *SecureChannel) runHandler(handler RequestHandler, req ua.ServiceRequest) (res ua.ServiceResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			ch.logger.WithField("panic", r).Error("request handler panicked")
			res, err = nil, ua.BadInternalError
		}
	}()
	return handler(ch, req)
}

// Write encodes and emits a service response for the given request id.
func (ch *SecureChannel) Write(res ua.ServiceResponse, requestID uint32) {
	err := ch.encodeQueue.Submit(func() {
		var err error
		if opn, ok := res.(*ua.OpenSecureChannelResponse); ok {
			err = ch.sendOpenSecureChannelResponse(opn, requestID)
		} else {
			err = ch.sendServiceResponse(res, requestID)
		}
		if err != nil {
			ch.logger.WithError(err).Error("error sending service response")
		}
	})
	if err != nil {
		ch.logger.WithError(err).Error("error queueing service response")
	}
}

// sendServiceResponse encodes a response body and emits protected
// chunks.
func (ch *SecureChannel) sendServiceResponse(res ua.ServiceResponse, requestID uint32) error {
	bodyStream := buffer.NewPartitionAt(transport.BufferPool)
	defer bodyStream.Reset()

	if err := ch.srv.msgCodec.Encode(bodyStream, res); err != nil {
		return err
	}

	sendBuffer := *(transport.BytesPool.Get().(*[]byte))
	defer transport.BytesPool.Put(&sendBuffer)
	if uint32(len(sendBuffer)) < ch.params.LocalSendBufferSize {
		sendBuffer = make([]byte, ch.params.LocalSendBufferSize)
	}
	return ch.codec.EncodeMessage(ua.MessageTypeFinal, requestID, bodyStream, sendBuffer[:ch.params.LocalSendBufferSize], ch.framer.WriteMessage)
}

// sendAbort emits a single abort chunk terminating requestID.
func (ch *SecureChannel) sendAbort(requestID uint32, code ua.StatusCode, reason string) {
	err := ch.encodeQueue.Submit(func() {
		sendBuffer := *(transport.BytesPool.Get().(*[]byte))
		defer transport.BytesPool.Put(&sendBuffer)
		if err := ch.codec.EncodeAbort(requestID, code, reason, sendBuffer[:ch.params.LocalSendBufferSize], ch.framer.WriteMessage); err != nil {
			ch.logger.WithError(err).Error("error sending abort chunk")
		}
	})
	if err != nil {
		ch.logger.WithError(err).Error("error queueing abort chunk")
	}
}

// renewToken handles an OPN received on the established channel.
func (ch *SecureChannel) renewToken(buf []byte, count int) error {
	req, requestID, headerChannelID, err := ch.decodeOpenRequest(buf, count)
	if err != nil {
		return err
	}
	if headerChannelID != ch.channelID {
		return transport.NewError(transport.KindChannel, ua.BadSecureChannelIDInvalid, "channel id mismatch")
	}
	if req.RequestType != ua.SecurityTokenRequestTypeRenew {
		return transport.NewError(transport.KindChannel, ua.BadSecurityChecksFailed, "expected token renewal")
	}
	token, res, err := ch.issueToken(req)
	if err != nil {
		return err
	}
	// rotate on the encode queue so wire order and token order agree
	err = ch.encodeQueue.Submit(func() {
		ch.tokens.Install(token)
		if err := ch.sendOpenSecureChannelResponse(res, requestID); err != nil {
			ch.logger.WithError(err).Error("error sending renewal response")
		}
	})
	if err != nil {
		return err
	}
	ch.logger.WithFields(log.Fields{
		"token":    res.SecurityToken.TokenID,
		"lifetime": res.SecurityToken.RevisedLifetime,
	}).Debug("renewed security token")
	return nil
}

// Close removes the channel from the server's channel registry and closes
// its socket. The queues are paused first and torn down off this
// goroutine: Close may be called from a decode task, which must not wait
// on its own queue.
func (ch *SecureChannel) Close() error {
	ch.closedLock.Lock()
	ch.closed = true
	ch.closedLock.Unlock()
	ch.srv.channelManager.Delete(ch)
	if ch.decodeQueue != nil {
		ch.decodeQueue.Pause()
	}
	if ch.encodeQueue != nil {
		ch.encodeQueue.Pause()
	}
	err := ch.framer.Close()
	go ch.shutdownQueues()
	return err
}

// AbortWith emits ERR with the given status and reason, then closes.
func (ch *SecureChannel) AbortWith(code ua.StatusCode, reason string) {
	buf := *(transport.BytesPool.Get().(*[]byte))
	defer transport.BytesPool.Put(&buf)
	if n, err := transport.EncodeError(buf, code, reason); err == nil {
		ch.framer.WriteMessage(buf[:n])
	}
	ch.logger.WithFields(log.Fields{
		"status": code.Error(),
		"reason": reason,
	}).Warn("channel aborted")
	ch.Close()
}

// fatal handles an unrecoverable channel error.
func (ch *SecureChannel) fatal(err error) {
	if ch.Closed() {
		return
	}
	if te, ok := err.(*transport.Error); ok && te.Kind != transport.KindTransport {
		// protocol violations are answered with ERR; plain socket
		// errors close silently
		ch.AbortWith(te.Code, te.Reason)
	} else {
		ch.logger.WithError(err).Debug("channel closed")
		ch.Close()
	}
}

func (ch *SecureChannel) shutdownQueues() {
	if ch.encodeQueue != nil {
		ch.encodeQueue.Close()
	}
	if ch.decodeQueue != nil {
		ch.decodeQueue.Close()
	}
}
