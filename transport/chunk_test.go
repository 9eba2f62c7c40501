// Copyright 2021 Converter Systems LLC. All rights reserved.

package transport

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/djherbis/buffer"
	"gotest.tools/assert"

	"github.com/edgewire/uastack/ua"
)

// codecPair returns a sender and receiver wired with mirrored key sets,
// as the two ends of a channel would be after one OPN exchange.
func codecPair(t *testing.T, policyURI string, mode ua.MessageSecurityMode, sendBufferSize uint32) (*SymmetricCodec, *SymmetricCodec) {
	t.Helper()
	policy, err := ua.SelectSecurityPolicy(policyURI)
	assert.NilError(t, err)

	clientNonce := bytes.Repeat([]byte{0x11}, 32)
	serverNonce := bytes.Repeat([]byte{0x22}, 32)
	clientKeys, err := DeriveKeySet(policy, serverNonce, clientNonce)
	assert.NilError(t, err)
	serverKeys, err := DeriveKeySet(policy, clientNonce, serverNonce)
	assert.NilError(t, err)

	params := ChannelParameters{
		LocalSendBufferSize:    sendBufferSize,
		LocalReceiveBufferSize: sendBufferSize,
		LocalMaxChunkCount:     4096,
		LocalMaxMessageSize:    1 << 24,
		RemoteMaxChunkCount:    4096,
		RemoteMaxMessageSize:   1 << 24,
	}
	senderTokens := &TokenStore{}
	senderTokens.Install(&SecurityToken{
		TokenID: 1, ChannelID: 9, CreatedAt: time.Now(), Lifetime: time.Hour,
		LocalKeys: clientKeys, RemoteKeys: serverKeys,
	})
	receiverTokens := &TokenStore{}
	receiverTokens.Install(&SecurityToken{
		TokenID: 1, ChannelID: 9, CreatedAt: time.Now(), Lifetime: time.Hour,
		LocalKeys: serverKeys, RemoteKeys: clientKeys,
	})
	sender := &SymmetricCodec{ChannelID: 9, Policy: policy, Mode: mode, Params: params, Tokens: senderTokens}
	receiver := &SymmetricCodec{ChannelID: 9, Policy: policy, Mode: mode, Params: params, Tokens: receiverTokens}
	return sender, receiver
}

func encodeAndReassemble(t *testing.T, sender, receiver *SymmetricCodec, payload []byte) ([]byte, int) {
	t.Helper()
	body := buffer.New(int64(len(payload) + 16))
	_, err := body.Write(payload)
	assert.NilError(t, err)

	var chunks [][]byte
	sendBuffer := make([]byte, sender.Params.LocalSendBufferSize)
	err = sender.EncodeMessage(ua.MessageTypeFinal, 42, body, sendBuffer, func(p []byte) error {
		c := make([]byte, len(p))
		copy(c, p)
		chunks = append(chunks, c)
		return nil
	})
	assert.NilError(t, err)
	assert.Assert(t, len(chunks) > 0)

	a := NewAssembler(4096, 1<<24)
	var out []byte
	for i, c := range chunks {
		if uint32(len(c)) > sender.Params.LocalSendBufferSize {
			t.Fatalf("chunk %d size %d exceeds send buffer", i, len(c))
		}
		msgType := le32(c[0:4])
		chunk, abort, err := receiver.DecodeChunk(c, len(c), msgType)
		assert.NilError(t, err)
		assert.Assert(t, abort == nil)
		assert.Equal(t, chunk.RequestID, uint32(42))
		bodies, err := a.Add(chunk.RequestID, chunk.Body, chunk.Final)
		assert.NilError(t, err)
		if i < len(chunks)-1 {
			assert.Assert(t, bodies == nil)
		} else {
			for _, b := range bodies {
				out = append(out, b...)
			}
		}
	}
	return out, len(chunks)
}

func TestSymmetricRoundTripAllModes(t *testing.T) {
	payload := make([]byte, 3000)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	cases := []struct {
		name      string
		policyURI string
		mode      ua.MessageSecurityMode
	}{
		{"None", ua.SecurityPolicyURINone, ua.MessageSecurityModeNone},
		{"Basic256Sha256-Sign", ua.SecurityPolicyURIBasic256Sha256, ua.MessageSecurityModeSign},
		{"Basic256Sha256-SignAndEncrypt", ua.SecurityPolicyURIBasic256Sha256, ua.MessageSecurityModeSignAndEncrypt},
		{"Basic128Rsa15-SignAndEncrypt", ua.SecurityPolicyURIBasic128Rsa15, ua.MessageSecurityModeSignAndEncrypt},
		{"Aes256Sha256RsaPss-SignAndEncrypt", ua.SecurityPolicyURIAes256Sha256RsaPss, ua.MessageSecurityModeSignAndEncrypt},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sender, receiver := codecPair(t, tc.policyURI, tc.mode, 8192)
			out, _ := encodeAndReassemble(t, sender, receiver, payload)
			assert.DeepEqual(t, out, payload)
		})
	}
}

// Splitting at any permissible send buffer size reassembles the
// identical plaintext.
func TestChunkingLaw(t *testing.T) {
	payload := make([]byte, 5000)
	for i := range payload {
		payload[i] = byte(i)
	}
	for _, size := range []uint32{128, 256, 512, 1024, 4096, 65536} {
		sender, receiver := codecPair(t, ua.SecurityPolicyURIBasic256Sha256, ua.MessageSecurityModeSignAndEncrypt, size)
		out, chunkCount := encodeAndReassemble(t, sender, receiver, payload)
		assert.DeepEqual(t, out, payload)
		if size <= 1024 {
			assert.Assert(t, chunkCount > 1)
		}
	}
}

func TestDecodeRejectsWrongChannelID(t *testing.T) {
	sender, receiver := codecPair(t, ua.SecurityPolicyURINone, ua.MessageSecurityModeNone, 8192)
	receiver.ChannelID = 10
	body := buffer.New(16)
	body.Write([]byte("abc"))
	sendBuffer := make([]byte, 8192)
	err := sender.EncodeMessage(ua.MessageTypeFinal, 1, body, sendBuffer, func(p []byte) error {
		_, _, err := receiver.DecodeChunk(p, len(p), le32(p[0:4]))
		assert.Assert(t, errors.Is(err, ua.BadSecureChannelIDInvalid))
		return nil
	})
	assert.NilError(t, err)
}

func TestDecodeRejectsReplayedSequenceNumber(t *testing.T) {
	sender, receiver := codecPair(t, ua.SecurityPolicyURINone, ua.MessageSecurityModeNone, 8192)
	body := buffer.New(16)
	body.Write([]byte("abc"))
	sendBuffer := make([]byte, 8192)
	var raw []byte
	err := sender.EncodeMessage(ua.MessageTypeFinal, 1, body, sendBuffer, func(p []byte) error {
		raw = append([]byte{}, p...)
		return nil
	})
	assert.NilError(t, err)

	replay := append([]byte{}, raw...)
	_, _, err = receiver.DecodeChunk(raw, len(raw), le32(raw[0:4]))
	assert.NilError(t, err)
	_, _, err = receiver.DecodeChunk(replay, len(replay), le32(replay[0:4]))
	assert.Assert(t, errors.Is(err, ua.BadSecurityChecksFailed))
}

func TestDecodeRejectsTamperedChunk(t *testing.T) {
	sender, receiver := codecPair(t, ua.SecurityPolicyURIBasic256Sha256, ua.MessageSecurityModeSign, 8192)
	body := buffer.New(16)
	body.Write([]byte("abc"))
	sendBuffer := make([]byte, 8192)
	err := sender.EncodeMessage(ua.MessageTypeFinal, 1, body, sendBuffer, func(p []byte) error {
		tampered := append([]byte{}, p...)
		tampered[len(tampered)-1] ^= 0xFF
		_, _, err := receiver.DecodeChunk(tampered, len(tampered), le32(tampered[0:4]))
		assert.Assert(t, errors.Is(err, ua.BadSecurityChecksFailed))
		return nil
	})
	assert.NilError(t, err)
}

func TestAbortChunkRoundTrip(t *testing.T) {
	sender, receiver := codecPair(t, ua.SecurityPolicyURIBasic256Sha256, ua.MessageSecurityModeSignAndEncrypt, 8192)
	sendBuffer := make([]byte, 8192)
	err := sender.EncodeAbort(17, ua.BadTimeout, "deadline exceeded", sendBuffer, func(p []byte) error {
		assert.Equal(t, le32(p[0:4]), ua.MessageTypeAbort)
		chunk, abort, err := receiver.DecodeChunk(p, len(p), le32(p[0:4]))
		assert.NilError(t, err)
		assert.Assert(t, chunk == nil)
		assert.Equal(t, abort.RequestID, uint32(17))
		assert.Equal(t, abort.Code, ua.BadTimeout)
		assert.Equal(t, abort.Reason, "deadline exceeded")
		return nil
	})
	assert.NilError(t, err)
}

func TestTokenRotationAcceptsPrevious(t *testing.T) {
	sender, receiver := codecPair(t, ua.SecurityPolicyURIBasic256Sha256, ua.MessageSecurityModeSignAndEncrypt, 8192)

	// capture a chunk protected under token 1
	body := buffer.New(16)
	body.Write([]byte("old"))
	sendBuffer := make([]byte, 8192)
	var old []byte
	err := sender.EncodeMessage(ua.MessageTypeFinal, 1, body, sendBuffer, func(p []byte) error {
		old = append([]byte{}, p...)
		return nil
	})
	assert.NilError(t, err)

	// both ends rotate to token 2
	policy, _ := ua.SelectSecurityPolicy(ua.SecurityPolicyURIBasic256Sha256)
	cn := bytes.Repeat([]byte{0x33}, 32)
	sn := bytes.Repeat([]byte{0x44}, 32)
	ck, _ := DeriveKeySet(policy, sn, cn)
	sk, _ := DeriveKeySet(policy, cn, sn)
	sender.Tokens.Install(&SecurityToken{TokenID: 2, ChannelID: 9, CreatedAt: time.Now(), Lifetime: time.Hour, LocalKeys: ck, RemoteKeys: sk})
	receiver.Tokens.Install(&SecurityToken{TokenID: 2, ChannelID: 9, CreatedAt: time.Now(), Lifetime: time.Hour, LocalKeys: sk, RemoteKeys: ck})

	// the chunk under the superseded token still decodes
	chunk, _, err := receiver.DecodeChunk(old, len(old), le32(old[0:4]))
	assert.NilError(t, err)
	assert.Equal(t, string(chunk.Body), "old")
}
