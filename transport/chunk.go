// Copyright 2021 Converter Systems LLC. All rights reserved.

package transport

import (
	"bytes"
	"crypto/cipher"
	"crypto/hmac"
	"encoding/binary"
	"io"
	"time"

	"github.com/djherbis/buffer"

	"github.com/edgewire/uastack/ua"
)

// DecodedChunk is the plaintext yield of one verified MSG/CLO chunk.
type DecodedChunk struct {
	MessageType uint32
	RequestID   uint32
	Body        []byte
	Final       bool
}

// AbortChunk is the yield of a chunk with chunk type 'A': the request
// id it terminates and the carried status.
type AbortChunk struct {
	RequestID uint32
	Code      ua.StatusCode
	Reason    string
}

// SymmetricCodec protects and unprotects MSG/CLO chunks under the
// channel's security tokens. One instance per channel; the encode path
// and decode path each run on their channel's serial queue.
type SymmetricCodec struct {
	ChannelID uint32
	Policy    ua.SecurityPolicy
	Mode      ua.MessageSecurityMode
	Params    ChannelParameters
	Tokens    *TokenStore

	sendSeq CyclicCounter
	recvSeq SequenceChecker
}

// NextSequenceNumber exposes the outbound counter to the asymmetric
// (OPN) path, which shares the channel's sequence space.
func (c *SymmetricCodec) NextSequenceNumber() uint32 {
	return c.sendSeq.Next()
}

// CheckSequenceNumber exposes the inbound monotonicity check to the
// asymmetric path.
func (c *SymmetricCodec) CheckSequenceNumber(seq uint32) error {
	return c.recvSeq.Check(seq)
}

// EncodeMessage splits bodyStream into protected chunks written into
// sendBuffer and emitted one at a time. All chunks of one message carry
// the same request id; sequence numbers increment per chunk.
func (c *SymmetricCodec) EncodeMessage(messageType uint32, requestID uint32, bodyStream buffer.Buffer, sendBuffer []byte, emit func(p []byte) error) error {
	if i := int64(c.Params.RemoteMaxMessageSize); i > 0 && bodyStream.Len() > i {
		return NewError(KindFraming, ua.BadRequestTooLarge, "message exceeds remote max message size")
	}

	token := c.Tokens.Current()
	if token == nil {
		return NewError(KindSecurity, ua.BadSecurityChecksFailed, "no security token")
	}

	signatureSize := c.Policy.SymSignatureSize()
	blockSize := c.Policy.SymEncryptionBlockSize()
	sendBufferSize := int(c.Params.LocalSendBufferSize)

	var chunkCount int
	bodyCount := int(bodyStream.Len())

	for bodyCount > 0 {
		chunkCount++
		if i := int(c.Params.RemoteMaxChunkCount); i > 0 && chunkCount > i {
			return NewError(KindFraming, ua.BadEncodingLimitsExceeded, "chunk count exceeds remote limit")
		}

		// plan
		var paddingHeaderSize int
		var maxBodySize int
		var bodySize int
		var paddingSize int
		var chunkSize int
		switch c.Mode {
		case ua.MessageSecurityModeSignAndEncrypt:
			if blockSize > 256 {
				paddingHeaderSize = 2
			} else {
				paddingHeaderSize = 1
			}
			maxBodySize = (((sendBufferSize - symmetricHeaderSize) / blockSize) * blockSize) - sequenceHeaderSize - paddingHeaderSize - signatureSize
			if bodyCount < maxBodySize {
				bodySize = bodyCount
				paddingSize = (blockSize - ((sequenceHeaderSize + bodySize + paddingHeaderSize + signatureSize) % blockSize)) % blockSize
			} else {
				bodySize = maxBodySize
				paddingSize = 0
			}
			chunkSize = symmetricHeaderSize + sequenceHeaderSize + bodySize + paddingSize + paddingHeaderSize + signatureSize

		case ua.MessageSecurityModeSign:
			maxBodySize = sendBufferSize - symmetricHeaderSize - sequenceHeaderSize - signatureSize
			if bodyCount < maxBodySize {
				bodySize = bodyCount
			} else {
				bodySize = maxBodySize
			}
			chunkSize = symmetricHeaderSize + sequenceHeaderSize + bodySize + signatureSize

		default:
			maxBodySize = sendBufferSize - symmetricHeaderSize - sequenceHeaderSize
			if bodyCount < maxBodySize {
				bodySize = bodyCount
			} else {
				bodySize = maxBodySize
			}
			chunkSize = symmetricHeaderSize + sequenceHeaderSize + bodySize
		}

		stream := ua.NewWriter(sendBuffer)
		enc := ua.NewBinaryEncoder(stream)

		// header
		if bodyCount > bodySize {
			enc.WriteUInt32(ua.MessageTypeChunk)
		} else {
			enc.WriteUInt32(messageType)
		}
		enc.WriteUInt32(uint32(chunkSize))
		enc.WriteUInt32(c.ChannelID)

		// symmetric security header
		enc.WriteUInt32(token.TokenID)

		// sequence header
		enc.WriteUInt32(c.sendSeq.Next())
		enc.WriteUInt32(requestID)

		// body
		if _, err := io.CopyN(stream, bodyStream, int64(bodySize)); err != nil {
			return NewError(KindTransport, ua.BadEncodingError, "body copy failed")
		}
		bodyCount -= bodySize

		// padding
		if c.Mode == ua.MessageSecurityModeSignAndEncrypt {
			paddingByte := byte(paddingSize & 0xFF)
			enc.WriteByte(paddingByte)
			for i := 0; i < paddingSize; i++ {
				enc.WriteByte(paddingByte)
			}
			if paddingHeaderSize == 2 {
				enc.WriteByte(byte((paddingSize >> 8) & 0xFF))
			}
		}

		// sign
		if c.Mode != ua.MessageSecurityModeNone {
			mac := token.LocalKeys.HMAC
			mac.Reset()
			if _, err := mac.Write(stream.Bytes()); err != nil {
				return NewError(KindSecurity, ua.BadSecurityChecksFailed, "signing failed")
			}
			if _, err := stream.Write(mac.Sum(nil)); err != nil {
				return ua.BadEncodingError
			}
		}

		// encrypt
		if c.Mode == ua.MessageSecurityModeSignAndEncrypt {
			span := stream.Bytes()[symmetricHeaderSize:]
			if len(span)%token.LocalKeys.BlockCipher.BlockSize() != 0 {
				return ua.BadEncodingError
			}
			cipher.NewCBCEncrypter(token.LocalKeys.BlockCipher, token.LocalKeys.InitializationVector).CryptBlocks(span, span)
		}

		if stream.Len() != chunkSize {
			return ua.BadEncodingError
		}
		if err := emit(stream.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

// EncodeAbort emits a single abort chunk terminating requestID with the
// given status. The abort travels unprotected only in mode None; under
// Sign/SignAndEncrypt it is protected like any other chunk.
func (c *SymmetricCodec) EncodeAbort(requestID uint32, code ua.StatusCode, reason string, sendBuffer []byte, emit func(p []byte) error) error {
	body := buffer.New(int64(8 + len(reason)))
	enc := ua.NewBinaryEncoder(body)
	enc.WriteStatusCode(code)
	if err := enc.WriteString(reason); err != nil {
		return ua.BadEncodingError
	}
	return c.EncodeMessage(ua.MessageTypeAbort, requestID, body, sendBuffer, emit)
}

// DecodeChunk unprotects one received MSG/CLO/abort chunk in place. buf
// holds the whole message of length count. Returns either a
// DecodedChunk or an AbortChunk.
func (c *SymmetricCodec) DecodeChunk(buf []byte, count int, messageType uint32) (*DecodedChunk, *AbortChunk, error) {
	if count < symmetricHeaderSize+sequenceHeaderSize {
		return nil, nil, NewError(KindFraming, ua.BadDecodingError, "chunk too short")
	}

	channelID := binary.LittleEndian.Uint32(buf[8:12])
	if channelID != c.ChannelID {
		return nil, nil, NewError(KindChannel, ua.BadSecureChannelIDInvalid, "channel id mismatch")
	}
	tokenID := binary.LittleEndian.Uint32(buf[12:16])

	token, err := c.Tokens.Lookup(tokenID, time.Now())
	if err != nil {
		return nil, nil, err
	}

	signatureSize := c.Policy.SymSignatureSize()
	blockSize := c.Policy.SymEncryptionBlockSize()

	// decrypt
	if c.Mode == ua.MessageSecurityModeSignAndEncrypt {
		span := buf[symmetricHeaderSize:count]
		if len(span)%token.RemoteKeys.BlockCipher.BlockSize() != 0 {
			return nil, nil, NewError(KindSecurity, ua.BadDecodingError, "ciphertext not block aligned")
		}
		cipher.NewCBCDecrypter(token.RemoteKeys.BlockCipher, token.RemoteKeys.InitializationVector).CryptBlocks(span, span)
	}

	// verify
	if c.Mode != ua.MessageSecurityModeNone {
		sigStart := count - signatureSize
		if sigStart < symmetricHeaderSize+sequenceHeaderSize {
			return nil, nil, NewError(KindSecurity, ua.BadSecurityChecksFailed, "chunk shorter than signature")
		}
		mac := token.RemoteKeys.HMAC
		mac.Reset()
		mac.Write(buf[:sigStart])
		if !hmac.Equal(mac.Sum(nil), buf[sigStart:count]) {
			return nil, nil, NewError(KindSecurity, ua.BadSecurityChecksFailed, "signature mismatch")
		}
	}

	sequenceNumber := binary.LittleEndian.Uint32(buf[16:20])
	requestID := binary.LittleEndian.Uint32(buf[20:24])
	if err := c.recvSeq.Check(sequenceNumber); err != nil {
		return nil, nil, err
	}

	// body bounds
	var bodyStart = symmetricHeaderSize + sequenceHeaderSize
	var bodyEnd int
	switch c.Mode {
	case ua.MessageSecurityModeSignAndEncrypt:
		var paddingHeaderSize, paddingSize int
		if blockSize > 256 {
			paddingHeaderSize = 2
			start := count - signatureSize - paddingHeaderSize
			if start < bodyStart {
				return nil, nil, NewError(KindSecurity, ua.BadDecodingError, "padding header out of range")
			}
			paddingSize = int(binary.LittleEndian.Uint16(buf[start : start+2]))
		} else {
			paddingHeaderSize = 1
			start := count - signatureSize - paddingHeaderSize
			if start < bodyStart {
				return nil, nil, NewError(KindSecurity, ua.BadDecodingError, "padding header out of range")
			}
			paddingSize = int(buf[start])
		}
		bodyEnd = count - signatureSize - paddingHeaderSize - paddingSize
	case ua.MessageSecurityModeSign:
		bodyEnd = count - signatureSize
	default:
		bodyEnd = count
	}
	if bodyEnd < bodyStart {
		return nil, nil, NewError(KindSecurity, ua.BadDecodingError, "body bounds invalid")
	}

	if messageType == ua.MessageTypeAbort {
		dec := ua.NewBinaryDecoder(bytes.NewReader(buf[bodyStart:bodyEnd]))
		var code ua.StatusCode
		if err := dec.ReadStatusCode(&code); err != nil {
			return nil, nil, NewError(KindFraming, ua.BadDecodingError, "abort chunk truncated")
		}
		var reason string
		if err := dec.ReadString(&reason); err != nil {
			return nil, nil, NewError(KindFraming, ua.BadDecodingError, "abort chunk truncated")
		}
		return nil, &AbortChunk{RequestID: requestID, Code: code, Reason: reason}, nil
	}

	// the chunk buffer is reused for the next read; the body must be
	// owned by the assembler
	body := make([]byte, bodyEnd-bodyStart)
	copy(body, buf[bodyStart:bodyEnd])

	return &DecodedChunk{
		MessageType: messageType,
		RequestID:   requestID,
		Body:        body,
		Final:       messageType != ua.MessageTypeChunk,
	}, nil, nil
}
