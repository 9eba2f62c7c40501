// Copyright 2021 Converter Systems LLC. All rights reserved.

package client

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/binary"
	"io"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/djherbis/buffer"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/edgewire/uastack/transport"
	"github.com/edgewire/uastack/ua"
)

const (
	// defaultTimeoutHint is the default number of milliseconds before a request is cancelled. (15 sec)
	defaultTimeoutHint uint32 = 15000
	// defaultTokenRequestedLifetime is the number of milliseconds before a security token is expired. (60 min)
	defaultTokenRequestedLifetime uint32 = 3600000
	// defaultConnectTimeout sets the number of milliseconds to wait for a connection response.
	defaultConnectTimeout int64 = 5000
	// the length of nonce in bytes.
	nonceLength int = 32
	// mailbox capacity of the per-channel serial queues.
	queueCapacity int = 64
)

// SecureChannel is the client half of one secure channel: the socket,
// the negotiated parameters, the token store and the codecs. Created by
// the connection FSM on every (re)connect attempt.
type SecureChannel struct {
	endpointURL            string
	securityPolicyURI      string
	securityPolicy         ua.SecurityPolicy
	securityMode           ua.MessageSecurityMode
	localCertificate       []byte
	localPrivateKey        *rsa.PrivateKey
	remoteCertificate      []byte
	remotePublicKey        *rsa.PublicKey
	config                 transport.Config
	connectTimeout         int64
	tokenRequestedLifetime uint32
	logger                 *log.Entry

	framer      *transport.Framer
	params      transport.ChannelParameters
	tokens      *transport.TokenStore
	codec       *transport.SymmetricCodec
	correlator  *transport.Correlator
	assembler   *transport.Assembler
	msgCodec    *ua.MessageCodec
	encodeQueue *transport.SerialQueue
	decodeQueue *transport.SerialQueue
	executor    transport.Executor

	channelID      uint32
	requestHandles transport.CyclicCounter
	localNonce     []byte
	remoteNonce    []byte

	renewalLock      sync.Mutex
	tokenRenewalTime time.Time

	closingLock  sync.Mutex
	closing      bool
	inactiveOnce sync.Once
	onInactive   func(ch *SecureChannel, err error)
}

func newSecureChannel(
	endpointURL string,
	securityPolicyURI string,
	securityMode ua.MessageSecurityMode,
	localCertificate []byte,
	localPrivateKey *rsa.PrivateKey,
	remoteCertificate []byte,
	config transport.Config,
	connectTimeout int64,
	tokenRequestedLifetime uint32,
	msgCodec *ua.MessageCodec,
	executor transport.Executor,
	onInactive func(ch *SecureChannel, err error),
) *SecureChannel {
	ch := &SecureChannel{
		endpointURL:            endpointURL,
		securityPolicyURI:      securityPolicyURI,
		securityMode:           securityMode,
		localCertificate:       localCertificate,
		localPrivateKey:        localPrivateKey,
		remoteCertificate:      remoteCertificate,
		config:                 config,
		connectTimeout:         connectTimeout,
		tokenRequestedLifetime: tokenRequestedLifetime,
		msgCodec:               msgCodec,
		executor:               executor,
		onInactive:             onInactive,
		tokens:                 &transport.TokenStore{},
		correlator:             transport.NewCorrelator(),
		logger: log.WithFields(log.Fields{
			"conn":   uuid.New().String()[:8],
			"remote": endpointURL,
		}),
	}
	if len(remoteCertificate) > 0 {
		if cert, err := x509.ParseCertificate(remoteCertificate); err == nil {
			ch.remotePublicKey, _ = cert.PublicKey.(*rsa.PublicKey)
		}
	}
	return ch
}

// ChannelID returns the id assigned by the server, or zero before the
// handshake completes.
func (ch *SecureChannel) ChannelID() uint32 {
	return ch.channelID
}

// Parameters returns the negotiated channel parameters.
func (ch *SecureChannel) Parameters() transport.ChannelParameters {
	return ch.params
}

// Open dials the endpoint, exchanges HEL/ACK and completes the
// OpenSecureChannel handshake. requestedChannelID is zero for a brand
// new channel, or the previous id when re-establishing after a
// connection loss.
func (ch *SecureChannel) Open(ctx context.Context, requestedChannelID uint32) error {
	remoteURL, err := url.Parse(ch.endpointURL)
	if err != nil {
		return transport.NewError(transport.KindFraming, ua.BadTCPEndpointURLInvalid, err.Error())
	}

	policy, err := ua.SelectSecurityPolicy(ch.securityPolicyURI)
	if err != nil {
		return err
	}
	ch.securityPolicy = policy

	if ch.securityMode != ua.MessageSecurityModeNone {
		if ch.localPrivateKey == nil || ch.remotePublicKey == nil {
			return ua.BadSecurityChecksFailed
		}
	}

	conn, err := net.DialTimeout("tcp", remoteURL.Host, time.Duration(ch.connectTimeout)*time.Millisecond)
	if err != nil {
		return transport.NewError(transport.KindTransport, ua.BadConnectionRejected, errors.Wrap(err, "dial").Error())
	}
	ch.framer = transport.NewFramer(conn, transport.DefaultMaxChunkSize)
	ch.logger = ch.logger.WithField("remote", conn.RemoteAddr().String())

	if err := ch.hello(); err != nil {
		ch.framer.Close()
		return err
	}

	ch.codec = &transport.SymmetricCodec{
		ChannelID: requestedChannelID,
		Policy:    ch.securityPolicy,
		Mode:      ch.securityMode,
		Params:    ch.params,
		Tokens:    ch.tokens,
	}
	ch.assembler = transport.NewAssembler(ch.params.LocalMaxChunkCount, ch.params.LocalMaxMessageSize)
	ch.encodeQueue = transport.NewSerialQueue(queueCapacity, ch.executor)
	ch.decodeQueue = transport.NewSerialQueue(queueCapacity, ch.executor)
	ch.channelID = requestedChannelID

	if err := ch.openSecureChannel(ctx, ua.SecurityTokenRequestTypeIssue); err != nil {
		ch.shutdownQueues()
		ch.framer.Close()
		return err
	}

	go ch.receiveLoop()
	return nil
}

// hello sends HEL and negotiates the channel parameters from the ACK.
func (ch *SecureChannel) hello() error {
	cfg := ch.config
	buf := *(transport.BytesPool.Get().(*[]byte))
	defer transport.BytesPool.Put(&buf)

	hel := &transport.Hello{
		ProtocolVersion:   transport.ProtocolVersion,
		ReceiveBufferSize: cfg.MaxChunkSize,
		SendBufferSize:    cfg.MaxChunkSize,
		MaxMessageSize:    cfg.MaxMessageSize,
		MaxChunkCount:     cfg.MaxChunkCount,
		EndpointURL:       ch.endpointURL,
	}
	if hel.ReceiveBufferSize == 0 {
		hel.ReceiveBufferSize = transport.DefaultMaxChunkSize
	}
	if hel.SendBufferSize == 0 {
		hel.SendBufferSize = transport.DefaultMaxChunkSize
	}
	n, err := transport.EncodeHello(buf, hel)
	if err != nil {
		return err
	}
	if err := ch.framer.WriteMessage(buf[:n]); err != nil {
		return err
	}

	count, msgType, err := ch.framer.ReadMessage(buf)
	if err != nil {
		return err
	}
	dec := ua.NewBinaryDecoder(bytes.NewReader(buf[transport.HeaderSize:count]))
	switch msgType {
	case ua.MessageTypeAck:
		ack, err := transport.DecodeAcknowledge(dec)
		if err != nil {
			return err
		}
		if ack.ProtocolVersion < transport.ProtocolVersion {
			return ua.BadProtocolVersionUnsupported
		}
		ch.params = transport.NegotiateFromAck(ack, cfg)
		ch.framer.SetReceiveBufferSize(ch.params.LocalReceiveBufferSize)
		ch.logger.WithFields(log.Fields{
			"sendBufferSize":    ch.params.LocalSendBufferSize,
			"receiveBufferSize": ch.params.LocalReceiveBufferSize,
		}).Debug("negotiated channel parameters")
		return nil

	case ua.MessageTypeError:
		var code ua.StatusCode
		if err := dec.ReadStatusCode(&code); err != nil {
			return ua.BadDecodingError
		}
		var reason string
		if err := dec.ReadString(&reason); err != nil {
			return ua.BadDecodingError
		}
		return transport.NewError(transport.KindTransport, code, reason)

	default:
		return transport.NewError(transport.KindFraming, ua.BadTCPMessageTypeInvalid, "expected ACK")
	}
}

// openSecureChannel performs one synchronous OPN exchange on the
// socket. Used for the initial handshake, before the receive loop
// starts; renewals travel through the normal request path instead.
func (ch *SecureChannel) openSecureChannel(ctx context.Context, requestType ua.SecurityTokenRequestType) error {
	request := &ua.OpenSecureChannelRequest{
		RequestHeader: ua.RequestHeader{
			Timestamp:     time.Now(),
			RequestHandle: ch.requestHandles.Next(),
			TimeoutHint:   defaultTimeoutHint,
		},
		ClientProtocolVersion: transport.ProtocolVersion,
		RequestType:           requestType,
		SecurityMode:          ch.securityMode,
		ClientNonce:           getNextNonce(ch.securityPolicy.NonceSize()),
		RequestedLifetime:     ch.tokenRequestedLifetime,
	}
	pending := ch.correlator.Register(request)

	if err := ch.sendOpenSecureChannelRequest(request, pending.RequestID); err != nil {
		pending.Cancel(err)
		return err
	}

	buf := make([]byte, ch.params.LocalReceiveBufferSize)
	count, msgType, err := ch.framer.ReadMessage(buf)
	if err != nil {
		pending.Cancel(err)
		return err
	}
	if msgType == ua.MessageTypeError {
		dec := ua.NewBinaryDecoder(bytes.NewReader(buf[transport.HeaderSize:count]))
		var code ua.StatusCode
		var reason string
		dec.ReadStatusCode(&code)
		dec.ReadString(&reason)
		pending.Cancel(ua.StatusCode(code))
		return transport.NewError(transport.KindChannel, code, reason)
	}
	if msgType != ua.MessageTypeOpenFinal {
		pending.Cancel(ua.BadUnknownResponse)
		return transport.NewError(transport.KindFraming, ua.BadTCPMessageTypeInvalid, "expected OPN")
	}
	if err := ch.decodeOpenResponse(buf, count, request.ClientNonce); err != nil {
		pending.Cancel(err)
		return err
	}
	select {
	case outcome := <-pending.Done():
		if outcome.Err != nil {
			return outcome.Err
		}
		return nil
	case <-ctx.Done():
		pending.Cancel(ua.BadRequestTimeout)
		return ua.BadRequestTimeout
	}
}

// Request sends a service request and waits for its response.
func (ch *SecureChannel) Request(ctx context.Context, req ua.ServiceRequest) (ua.ServiceResponse, error) {
	pending, err := ch.begin(req)
	if err != nil {
		return nil, err
	}
	return ch.await(ctx, req, pending)
}

// begin stamps the request header, registers the request id and
// submits the encode work to the channel's serial encode queue.
func (ch *SecureChannel) begin(req ua.ServiceRequest) (*transport.PendingRequest, error) {
	header := req.Header()
	if header.Timestamp.IsZero() {
		header.Timestamp = time.Now()
	}
	if header.RequestHandle == 0 {
		header.RequestHandle = ch.requestHandles.Next()
	}
	if header.TimeoutHint == 0 {
		header.TimeoutHint = defaultTimeoutHint
	}

	ch.renewTokenIfNeeded()

	pending := ch.correlator.Register(req)
	err := ch.encodeQueue.Submit(func() {
		if err := ch.encodeRequest(req, pending.RequestID); err != nil {
			pending.Cancel(err)
			if te, ok := err.(*transport.Error); ok && te.IsFatal() {
				ch.fatal(err)
			}
		}
	})
	if err != nil {
		pending.Cancel(err)
		return nil, err
	}
	return pending, nil
}

// await blocks until the pending request settles, the deadline passes
// or the caller's context is cancelled.
func (ch *SecureChannel) await(ctx context.Context, req ua.ServiceRequest, pending *transport.PendingRequest) (ua.ServiceResponse, error) {
	deadline := req.Header().Timestamp.Add(time.Duration(req.Header().TimeoutHint) * time.Millisecond)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	select {
	case outcome := <-pending.Done():
		if outcome.Err != nil {
			return nil, outcome.Err
		}
		if sr := outcome.Response.Header().ServiceResult; sr.IsBad() {
			return nil, sr
		}
		return outcome.Response, nil
	case <-ctx.Done():
		pending.Cancel(ua.BadRequestTimeout)
		return nil, ua.BadRequestTimeout
	}
}

// encodeRequest runs on the encode queue.
func (ch *SecureChannel) encodeRequest(req ua.ServiceRequest, requestID uint32) error {
	switch req := req.(type) {
	case *ua.OpenSecureChannelRequest:
		return ch.sendOpenSecureChannelRequest(req, requestID)
	default:
		return ch.sendServiceRequest(req, requestID)
	}
}

// sendServiceRequest encodes a request body and emits protected chunks.
func (ch *SecureChannel) sendServiceRequest(req ua.ServiceRequest, requestID uint32) error {
	bodyStream := buffer.NewPartitionAt(transport.BufferPool)
	defer bodyStream.Reset()

	if err := ch.msgCodec.Encode(bodyStream, req); err != nil {
		return err
	}

	sendBuffer := *(transport.BytesPool.Get().(*[]byte))
	defer transport.BytesPool.Put(&sendBuffer)
	if uint32(len(sendBuffer)) < ch.params.LocalSendBufferSize {
		sendBuffer = make([]byte, ch.params.LocalSendBufferSize)
	}

	messageType := ua.MessageTypeFinal
	if _, ok := req.(*ua.CloseSecureChannelRequest); ok {
		messageType = ua.MessageTypeCloseFinal
	}
	return ch.codec.EncodeMessage(messageType, requestID, bodyStream, sendBuffer[:ch.params.LocalSendBufferSize], ch.framer.WriteMessage)
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
	case ua.MessageTypeChunk, ua.MessageTypeFinal, ua.MessageTypeAbort:
		chunk, abort, err := ch.codec.DecodeChunk(buf, count, msgType)
		if err != nil {
			return err
		}
		if abort != nil {
			ch.assembler.Abort(abort.RequestID)
			ch.correlator.Fail(abort.RequestID, &transport.MessageAborted{Code: abort.Code, Reason: abort.Reason})
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
		// a token renewal response; the nonce of the renewal request is
		// the one most recently sent
		ch.renewalLock.Lock()
		clientNonce := ch.localNonce
		ch.renewalLock.Unlock()
		return ch.decodeOpenResponse(buf, count, clientNonce)

	case ua.MessageTypeError:
		dec := ua.NewBinaryDecoder(bytes.NewReader(buf[transport.HeaderSize:count]))
		var code ua.StatusCode
		var reason string
		dec.ReadStatusCode(&code)
		dec.ReadString(&reason)
		return transport.NewError(transport.KindChannel, code, reason)

	default:
		return transport.NewError(transport.KindFraming, ua.BadTCPMessageTypeInvalid, "unexpected message type")
	}
}

// completeMessage decodes the reassembled body and resolves the pending
// request.
func (ch *SecureChannel) completeMessage(requestID uint32, bodies [][]byte) error {
	readers := make([]io.Reader, len(bodies))
	for i, b := range bodies {
		readers[i] = bytes.NewReader(b)
	}
	msg, err := ch.msgCodec.Decode(io.MultiReader(readers...))
	if err != nil {
		ch.correlator.Fail(requestID, err)
		return nil
	}
	res, ok := msg.(ua.ServiceResponse)
	if !ok {
		ch.correlator.Fail(requestID, ua.BadUnknownResponse)
		return nil
	}
	ch.correlator.Complete(requestID, res)
	return nil
}

// renewTokenIfNeeded issues a renewal OPN once 75% of the token
// lifetime has passed.
func (ch *SecureChannel) renewTokenIfNeeded() {
	ch.renewalLock.Lock()
	due := !ch.tokenRenewalTime.IsZero() && time.Now().After(ch.tokenRenewalTime)
	if due {
		// push the next attempt out so concurrent senders don't stack
		// renewals
		ch.tokenRenewalTime = ch.tokenRenewalTime.Add(60 * time.Second)
	}
	ch.renewalLock.Unlock()
	if !due {
		return
	}
	go func() {
		req := &ua.OpenSecureChannelRequest{
			RequestHeader: ua.RequestHeader{
				Timestamp:     time.Now(),
				RequestHandle: ch.requestHandles.Next(),
				TimeoutHint:   defaultTimeoutHint,
			},
			ClientProtocolVersion: transport.ProtocolVersion,
			RequestType:           ua.SecurityTokenRequestTypeRenew,
			SecurityMode:          ch.securityMode,
			ClientNonce:           getNextNonce(ch.securityPolicy.NonceSize()),
			RequestedLifetime:     ch.tokenRequestedLifetime,
		}
		pending := ch.correlator.Register(req)
		if err := ch.encodeQueue.Submit(func() {
			if err := ch.sendOpenSecureChannelRequest(req, pending.RequestID); err != nil {
				pending.Cancel(err)
			}
		}); err != nil {
			pending.Cancel(err)
			return
		}
		select {
		case outcome := <-pending.Done():
			if outcome.Err != nil {
				ch.logger.WithError(outcome.Err).Warn("token renewal failed")
			}
		case <-time.After(time.Duration(defaultTimeoutHint) * time.Millisecond):
			pending.Cancel(ua.BadRequestTimeout)
		}
	}()
}

// Close sends CLO and closes the socket. The server does not respond to
// CLO; the close completes locally.
func (ch *SecureChannel) Close(ctx context.Context) error {
	ch.closingLock.Lock()
	ch.closing = true
	ch.closingLock.Unlock()

	req := &ua.CloseSecureChannelRequest{
		RequestHeader: ua.RequestHeader{
			Timestamp:     time.Now(),
			RequestHandle: ch.requestHandles.Next(),
			TimeoutHint:   defaultTimeoutHint,
		},
	}
	pending := ch.correlator.Register(req)
	err := ch.encodeQueue.Submit(func() {
		if err := ch.sendServiceRequest(req, pending.RequestID); err != nil {
			pending.Cancel(err)
			return
		}
		// the server will just close its socket
		pending.Cancel(ua.Good)
	})
	if err == nil {
		<-pending.Done()
	}
	ch.Abort(ua.BadSecureChannelClosed)
	return nil
}

// Abort tears the channel down without the CLO exchange, failing every
// pending request with reason.
func (ch *SecureChannel) Abort(reason ua.StatusCode) {
	ch.closingLock.Lock()
	ch.closing = true
	ch.closingLock.Unlock()
	if ch.decodeQueue != nil {
		ch.decodeQueue.Pause()
	}
	if ch.framer != nil {
		ch.framer.Close()
	}
	ch.correlator.FailAll(reason)
	ch.shutdownQueues()
}

func (ch *SecureChannel) shutdownQueues() {
	if ch.encodeQueue != nil {
		ch.encodeQueue.Close()
	}
	if ch.decodeQueue != nil {
		ch.decodeQueue.Close()
	}
}

// fatal handles an unrecoverable channel error: drop trailing buffers,
// then either fail all pending requests (when the channel is closing or
// has no FSM) or notify the FSM once.
func (ch *SecureChannel) fatal(err error) {
	ch.closingLock.Lock()
	closing := ch.closing
	ch.closingLock.Unlock()

	ch.decodeQueue.Pause()
	ch.framer.Close()
	if closing || ch.onInactive == nil {
		ch.correlator.FailAll(transport.NewError(transport.KindTransport, ua.BadConnectionClosed, "secure channel lost"))
		return
	}
	// the FSM decides whether the pending requests are failed or
	// replayed on a new channel
	ch.inactiveOnce.Do(func() {
		ch.logger.WithError(err).Error("channel closed")
		ch.onInactive(ch, err)
	})
}

// getNextNonce gets next random nonce of requested length.
func getNextNonce(length int) []byte {
	nonce := make([]byte, length)
	rand.Read(nonce)
	return nonce
}

// sendOpenSecureChannelRequest encodes and emits the OPN chunk,
// asymmetrically protected under the policy's RSA primitives.
func (ch *SecureChannel) sendOpenSecureChannelRequest(request *ua.OpenSecureChannelRequest, requestID uint32) error {
	ch.renewalLock.Lock()
	ch.localNonce = request.ClientNonce
	ch.renewalLock.Unlock()

	bodyStream := buffer.NewPartitionAt(transport.BufferPool)
	defer bodyStream.Reset()
	if err := ch.msgCodec.Encode(bodyStream, request); err != nil {
		return err
	}

	sendBuffer := *(transport.BytesPool.Get().(*[]byte))
	defer transport.BytesPool.Put(&sendBuffer)
	if uint32(len(sendBuffer)) < ch.params.LocalSendBufferSize {
		sendBuffer = make([]byte, ch.params.LocalSendBufferSize)
	}

	secured := ch.securityMode != ua.MessageSecurityModeNone

	// plan
	var plainHeaderSize int
	var signatureSize int
	var paddingHeaderSize int
	var cipherTextBlockSize int
	var plainTextBlockSize int
	if secured {
		plainHeaderSize = 16 + len(ch.securityPolicyURI) + 28 + len(ch.localCertificate)
		signatureSize = ch.localPrivateKey.Size()
		cipherTextBlockSize = ch.remotePublicKey.Size()
		plainTextBlockSize = cipherTextBlockSize - ch.securityPolicy.RSAPaddingSize()
		if cipherTextBlockSize > 256 {
			paddingHeaderSize = 2
		} else {
			paddingHeaderSize = 1
		}
	} else {
		plainHeaderSize = 16 + len(ch.securityPolicyURI) + 8
		cipherTextBlockSize = 1
		plainTextBlockSize = 1
	}

	bodyCount := int(bodyStream.Len())
	var bodySize int
	var paddingSize int
	var chunkSize int
	if secured {
		maxBodySize := (((int(ch.params.LocalSendBufferSize) - plainHeaderSize) / cipherTextBlockSize) * plainTextBlockSize) - transport.SequenceHeaderSize - paddingHeaderSize - signatureSize
		if bodyCount > maxBodySize {
			// the handshake body fits in one chunk for every supported
			// policy; anything larger is a protocol violation
			return ua.BadEncodingLimitsExceeded
		}
		bodySize = bodyCount
		paddingSize = (plainTextBlockSize - ((transport.SequenceHeaderSize + bodySize + paddingHeaderSize + signatureSize) % plainTextBlockSize)) % plainTextBlockSize
		chunkSize = plainHeaderSize + (((transport.SequenceHeaderSize + bodySize + paddingSize + paddingHeaderSize + signatureSize) / plainTextBlockSize) * cipherTextBlockSize)
	} else {
		maxBodySize := int(ch.params.LocalSendBufferSize) - plainHeaderSize - transport.SequenceHeaderSize
		if bodyCount > maxBodySize {
			return ua.BadEncodingLimitsExceeded
		}
		bodySize = bodyCount
		chunkSize = plainHeaderSize + transport.SequenceHeaderSize + bodySize
	}

	stream := ua.NewWriter(sendBuffer)
	enc := ua.NewBinaryEncoder(stream)

	// header
	enc.WriteUInt32(ua.MessageTypeOpenFinal)
	enc.WriteUInt32(uint32(chunkSize))
	enc.WriteUInt32(ch.channelID)

	// asymmetric security header
	enc.WriteString(ch.securityPolicyURI)
	if secured {
		enc.WriteByteString(ch.localCertificate)
		thumbprint := sha1.Sum(ch.remoteCertificate)
		enc.WriteByteString(thumbprint[:])
	} else {
		enc.WriteByteString(nil)
		enc.WriteByteString(nil)
	}
	if plainHeaderSize != stream.Len() {
		return ua.BadEncodingError
	}

	// sequence header
	enc.WriteUInt32(ch.codec.NextSequenceNumber())
	enc.WriteUInt32(requestID)

	// body
	if _, err := io.CopyN(stream, bodyStream, int64(bodySize)); err != nil {
		return ua.BadEncodingError
	}

	if !secured {
		if stream.Len() != chunkSize {
			return ua.BadEncodingError
		}
		return ch.framer.WriteMessage(stream.Bytes())
	}

	// padding
	paddingByte := byte(paddingSize & 0xFF)
	enc.WriteByte(paddingByte)
	for i := 0; i < paddingSize; i++ {
		enc.WriteByte(paddingByte)
	}
	if paddingHeaderSize == 2 {
		enc.WriteByte(byte((paddingSize >> 8) & 0xFF))
	}

	// sign
	signature, err := ch.securityPolicy.RSASign(ch.localPrivateKey, stream.Bytes())
	if err != nil {
		return err
	}
	if len(signature) != signatureSize {
		return ua.BadEncodingError
	}
	if _, err := stream.Write(signature); err != nil {
		return ua.BadEncodingError
	}

	// encrypt
	encryptionBuffer := *(transport.BytesPool.Get().(*[]byte))
	defer transport.BytesPool.Put(&encryptionBuffer)
	if len(encryptionBuffer) < chunkSize {
		encryptionBuffer = make([]byte, chunkSize)
	}
	position := stream.Len()
	copy(encryptionBuffer, stream.Bytes()[:plainHeaderSize])
	plainText := make([]byte, plainTextBlockSize)
	jj := plainHeaderSize
	for ii := plainHeaderSize; ii < position; ii += plainTextBlockSize {
		copy(plainText, stream.Bytes()[ii:])
		cipherText, err := ch.securityPolicy.RSAEncrypt(ch.remotePublicKey, plainText)
		if err != nil {
			return err
		}
		if len(cipherText) != cipherTextBlockSize {
			return ua.BadEncodingError
		}
		copy(encryptionBuffer[jj:], cipherText)
		jj += cipherTextBlockSize
	}
	if jj != chunkSize {
		return ua.BadEncodingError
	}
	return ch.framer.WriteMessage(encryptionBuffer[:chunkSize])
}

// decodeOpenResponse unprotects an OPNF message, decodes the
// OpenSecureChannelResponse, rotates the token store and resolves the
// pending OPN request.
func (ch *SecureChannel) decodeOpenResponse(buf []byte, count int, clientNonce []byte) error {
	stream := bytes.NewReader(buf[transport.HeaderSize:count])
	dec := ua.NewBinaryDecoder(stream)

	var unusedChannelID uint32
	if err := dec.ReadUInt32(&unusedChannelID); err != nil {
		return ua.BadDecodingError
	}
	var securityPolicyURI string
	if err := dec.ReadString(&securityPolicyURI); err != nil {
		return ua.BadDecodingError
	}
	var senderCertificate, thumbprint []byte
	if err := dec.ReadByteString(&senderCertificate); err != nil {
		return ua.BadDecodingError
	}
	if err := dec.ReadByteString(&thumbprint); err != nil {
		return ua.BadDecodingError
	}
	plainHeaderSize := count - stream.Len()

	secured := ch.securityMode != ua.MessageSecurityModeNone
	messageLength := count

	if secured {
		// decrypt with the local private key
		cipherTextBlockSize := ch.localPrivateKey.Size()
		cipherText := make([]byte, cipherTextBlockSize)
		jj := plainHeaderSize
		for ii := plainHeaderSize; ii < count; ii += cipherTextBlockSize {
			if ii+cipherTextBlockSize > count {
				return transport.NewError(transport.KindSecurity, ua.BadSecurityChecksFailed, "ciphertext not block aligned")
			}
			copy(cipherText, buf[ii:])
			plainText, err := ch.securityPolicy.RSADecrypt(ch.localPrivateKey, cipherText)
			if err != nil {
				return transport.NewError(transport.KindSecurity, ua.BadSecurityChecksFailed, "handshake decryption failed")
			}
			jj += copy(buf[jj:], plainText)
		}
		// the message is shorter after decryption
		messageLength = jj

		// verify with the remote public key
		signatureSize := ch.remotePublicKey.Size()
		sigStart := messageLength - signatureSize
		if sigStart < plainHeaderSize {
			return transport.NewError(transport.KindSecurity, ua.BadSecurityChecksFailed, "handshake shorter than signature")
		}
		if err := ch.securityPolicy.RSAVerify(ch.remotePublicKey, buf[:sigStart], buf[sigStart:messageLength]); err != nil {
			return transport.NewError(transport.KindSecurity, ua.BadSecurityChecksFailed, "handshake signature mismatch")
		}
	}

	seqDec := ua.NewBinaryDecoder(bytes.NewReader(buf[plainHeaderSize:messageLength]))
	var sequenceNumber, requestID uint32
	if err := seqDec.ReadUInt32(&sequenceNumber); err != nil {
		return ua.BadDecodingError
	}
	if err := seqDec.ReadUInt32(&requestID); err != nil {
		return ua.BadDecodingError
	}
	if err := ch.codec.CheckSequenceNumber(sequenceNumber); err != nil {
		return err
	}

	var bodyStart = plainHeaderSize + transport.SequenceHeaderSize
	var bodyEnd int
	if secured {
		signatureSize := ch.remotePublicKey.Size()
		cipherTextBlockSize := ch.localPrivateKey.Size()
		var paddingHeaderSize, paddingSize int
		if cipherTextBlockSize > 256 {
			paddingHeaderSize = 2
			start := messageLength - signatureSize - paddingHeaderSize
			paddingSize = int(binary.LittleEndian.Uint16(buf[start : start+2]))
		} else {
			paddingHeaderSize = 1
			start := messageLength - signatureSize - paddingHeaderSize
			paddingSize = int(buf[start])
		}
		bodyEnd = messageLength - signatureSize - paddingHeaderSize - paddingSize
	} else {
		bodyEnd = messageLength
	}
	if bodyEnd < bodyStart {
		return transport.NewError(transport.KindSecurity, ua.BadDecodingError, "body bounds invalid")
	}

	msg, err := ch.msgCodec.Decode(bytes.NewReader(buf[bodyStart:bodyEnd]))
	if err != nil {
		return err
	}
	response, ok := msg.(*ua.OpenSecureChannelResponse)
	if !ok {
		return ua.BadUnknownResponse
	}
	if response.ServerProtocolVersion < transport.ProtocolVersion {
		ch.correlator.Fail(requestID, ua.BadProtocolVersionUnsupported)
		return ua.BadProtocolVersionUnsupported
	}

	if err := ch.installToken(response, clientNonce); err != nil {
		ch.correlator.Fail(requestID, err)
		return err
	}
	ch.correlator.Complete(requestID, response)
	return nil
}

// installToken derives both key sets from the nonces and rotates the
// token store. The superseded token keeps verifying in-flight chunks
// for its grace period.
func (ch *SecureChannel) installToken(response *ua.OpenSecureChannelResponse, clientNonce []byte) error {
	ch.renewalLock.Lock()
	ch.remoteNonce = response.ServerNonce
	ch.localNonce = clientNonce
	ch.renewalLock.Unlock()

	localKeys, err := transport.DeriveKeySet(ch.securityPolicy, ch.remoteNonce, ch.localNonce)
	if err != nil {
		return err
	}
	remoteKeys, err := transport.DeriveKeySet(ch.securityPolicy, ch.localNonce, ch.remoteNonce)
	if err != nil {
		return err
	}
	token := &transport.SecurityToken{
		TokenID:    response.SecurityToken.TokenID,
		ChannelID:  response.SecurityToken.ChannelID,
		CreatedAt:  time.Now(),
		Lifetime:   time.Duration(response.SecurityToken.RevisedLifetime) * time.Millisecond,
		LocalKeys:  localKeys,
		RemoteKeys: remoteKeys,
	}
	ch.tokens.Install(token)

	ch.channelID = response.SecurityToken.ChannelID
	ch.codec.ChannelID = ch.channelID
	ch.logger = ch.logger.WithField("channel", ch.channelID)

	ch.renewalLock.Lock()
	ch.tokenRenewalTime = time.Now().Add(time.Duration(response.SecurityToken.RevisedLifetime*75/100) * time.Millisecond)
	ch.renewalLock.Unlock()
	return nil
}
