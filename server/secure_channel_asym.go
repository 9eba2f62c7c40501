// Copyright 2021 Converter Systems LLC. All rights reserved.

package server

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/binary"
	"io"

	"github.com/djherbis/buffer"

	"github.com/edgewire/uastack/transport"
	"github.com/edgewire/uastack/ua"
)

// setSecurityPolicy resolves the policy named in the asymmetric header
// and prepares the remote public key.
func (ch *SecureChannel) setSecurityPolicy(securityPolicyURI string, remoteCertificate []byte) error {
	policy, err := ua.SelectSecurityPolicy(securityPolicyURI)
	if err != nil {
		return transport.NewError(transport.KindSecurity, ua.BadSecurityPolicyRejected, "security policy rejected")
	}
	ch.securityPolicyURI = securityPolicyURI
	ch.securityPolicy = policy
	if ch.codec != nil {
		ch.codec.Policy = policy
	}

	if securityPolicyURI == ua.SecurityPolicyURINone {
		return nil
	}
	if ch.srv.localCertificate == nil || ch.srv.localPrivateKey == nil {
		return transport.NewError(transport.KindSecurity, ua.BadSecurityChecksFailed, "server has no certificate")
	}
	if len(remoteCertificate) == 0 {
		return transport.NewError(transport.KindSecurity, ua.BadSecurityChecksFailed, "client sent no certificate")
	}
	cert, err := x509.ParseCertificate(remoteCertificate)
	if err != nil {
		return transport.NewError(transport.KindSecurity, ua.BadCertificateInvalid, "client certificate unparsable")
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return transport.NewError(transport.KindSecurity, ua.BadCertificateInvalid, "client certificate is not RSA")
	}
	ch.remoteCertificate = remoteCertificate
	ch.remotePublicKey = pub
	return nil
}

// decodeOpenRequest unprotects an OPNF message and decodes the
// OpenSecureChannelRequest. Returns the request, the request id from
// the sequence header and the channel id from the message header.
func (ch *SecureChannel) decodeOpenRequest(buf []byte, count int) (*ua.OpenSecureChannelRequest, uint32, uint32, error) {
	stream := bytes.NewReader(buf[transport.HeaderSize:count])
	dec := ua.NewBinaryDecoder(stream)

	var headerChannelID uint32
	if err := dec.ReadUInt32(&headerChannelID); err != nil {
		return nil, 0, 0, ua.BadDecodingError
	}
	var securityPolicyURI string
	if err := dec.ReadString(&securityPolicyURI); err != nil {
		return nil, 0, 0, ua.BadDecodingError
	}
	var senderCertificate, thumbprint []byte
	if err := dec.ReadByteString(&senderCertificate); err != nil {
		return nil, 0, 0, ua.BadDecodingError
	}
	if err := dec.ReadByteString(&thumbprint); err != nil {
		return nil, 0, 0, ua.BadDecodingError
	}
	plainHeaderSize := count - stream.Len()

	if err := ch.setSecurityPolicy(securityPolicyURI, senderCertificate); err != nil {
		return nil, 0, 0, err
	}

	secured := ch.securityPolicyURI != ua.SecurityPolicyURINone
	messageLength := count

	if secured {
		// decrypt with the server private key
		cipherTextBlockSize := ch.srv.localPrivateKey.Size()
		plainTextBlockSize := cipherTextBlockSize - ch.securityPolicy.RSAPaddingSize()
		cipherText := make([]byte, cipherTextBlockSize)
		jj := plainHeaderSize
		for ii := plainHeaderSize; ii < count; ii += cipherTextBlockSize {
			if ii+cipherTextBlockSize > count {
				return nil, 0, 0, transport.NewError(transport.KindSecurity, ua.BadSecurityChecksFailed, "ciphertext not block aligned")
			}
			copy(cipherText, buf[ii:])
			plainText, err := ch.securityPolicy.RSADecrypt(ch.srv.localPrivateKey, cipherText)
			if err != nil {
				return nil, 0, 0, transport.NewError(transport.KindSecurity, ua.BadSecurityChecksFailed, "handshake decryption failed")
			}
			if len(plainText) != plainTextBlockSize {
				return nil, 0, 0, transport.NewError(transport.KindSecurity, ua.BadSecurityChecksFailed, "plaintext block size mismatch")
			}
			jj += copy(buf[jj:], plainText)
		}
		// the message is shorter after decryption
		messageLength = jj

		// verify with the client public key
		signatureSize := ch.remotePublicKey.Size()
		sigStart := messageLength - signatureSize
		if sigStart < plainHeaderSize {
			return nil, 0, 0, transport.NewError(transport.KindSecurity, ua.BadSecurityChecksFailed, "handshake shorter than signature")
		}
		if err := ch.securityPolicy.RSAVerify(ch.remotePublicKey, buf[:sigStart], buf[sigStart:messageLength]); err != nil {
			return nil, 0, 0, transport.NewError(transport.KindSecurity, ua.BadSecurityChecksFailed, "handshake signature mismatch")
		}
	}

	seqDec := ua.NewBinaryDecoder(bytes.NewReader(buf[plainHeaderSize:messageLength]))
	var sequenceNumber, requestID uint32
	if err := seqDec.ReadUInt32(&sequenceNumber); err != nil {
		return nil, 0, 0, ua.BadDecodingError
	}
	if err := seqDec.ReadUInt32(&requestID); err != nil {
		return nil, 0, 0, ua.BadDecodingError
	}
	if err := ch.codec.CheckSequenceNumber(sequenceNumber); err != nil {
		return nil, 0, 0, err
	}

	bodyStart := plainHeaderSize + transport.SequenceHeaderSize
	bodyEnd := messageLength
	if secured {
		signatureSize := ch.remotePublicKey.Size()
		cipherTextBlockSize := ch.srv.localPrivateKey.Size()
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
	}
	if bodyEnd < bodyStart {
		return nil, 0, 0, transport.NewError(transport.KindSecurity, ua.BadDecodingError, "body bounds invalid")
	}

	msg, err := ch.srv.msgCodec.Decode(bytes.NewReader(buf[bodyStart:bodyEnd]))
	if err != nil {
		return nil, 0, 0, err
	}
	req, ok := msg.(*ua.OpenSecureChannelRequest)
	if !ok {
		return nil, 0, 0, transport.NewError(transport.KindFraming, ua.BadDecodingError, "expected OpenSecureChannelRequest")
	}
	ch.securityMode = req.SecurityMode
	if ch.codec != nil {
		ch.codec.Mode = req.SecurityMode
	}
	if ch.securityMode != ua.MessageSecurityModeNone && !secured {
		return nil, 0, 0, transport.NewError(transport.KindSecurity, ua.BadSecurityModeRejected, "secured mode over unsecured policy")
	}
	return req, requestID, headerChannelID, nil
}

// sendOpenSecureChannelResponse encodes and emits the OPN response,
// asymmetrically protected under the policy's RSA primitives.
func (ch *SecureChannel) sendOpenSecureChannelResponse(res *ua.OpenSecureChannelResponse, requestID uint32) error {
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

	secured := ch.securityMode != ua.MessageSecurityModeNone

	// plan
	var plainHeaderSize int
	var signatureSize int
	var paddingHeaderSize int
	var cipherTextBlockSize int
	var plainTextBlockSize int
	if secured {
		plainHeaderSize = 16 + len(ch.securityPolicyURI) + 28 + len(ch.srv.localCertificate)
		signatureSize = ch.srv.localPrivateKey.Size()
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
		enc.WriteByteString(ch.srv.localCertificate)
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
	signature, err := ch.securityPolicy.RSASign(ch.srv.localPrivateKey, stream.Bytes())
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

// getNextNonce gets next random nonce of requested length.
func getNextNonce(length int) []byte {
	nonce := make([]byte, length)
	rand.Read(nonce)
	return nonce
}
