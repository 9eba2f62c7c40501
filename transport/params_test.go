// Copyright 2021 Converter Systems LLC. All rights reserved.

package transport

import (
	"math"
	"math/rand"
	"testing"

	"gotest.tools/assert"
)

func TestSaturatingMul(t *testing.T) {
	assert.Equal(t, SaturatingMul(2, 3), uint32(6))
	assert.Equal(t, SaturatingMul(math.MaxUint32, 2), uint32(math.MaxUint32))
	assert.Equal(t, SaturatingMul(65536, 65536), uint32(math.MaxUint32))
	assert.Equal(t, SaturatingMul(0, math.MaxUint32), uint32(0))
}

func TestNegotiateFromHello(t *testing.T) {
	cfg := Config{MaxChunkSize: 65536, MaxMessageSize: 1 << 24, MaxChunkCount: 4096}
	hel := &Hello{
		ProtocolVersion:   0,
		ReceiveBufferSize: 8192,
		SendBufferSize:    16384,
		MaxMessageSize:    1 << 20,
		MaxChunkCount:     64,
	}
	p := NegotiateFromHello(hel, cfg)
	assert.Equal(t, p.LocalReceiveBufferSize, uint32(16384))
	assert.Equal(t, p.LocalSendBufferSize, uint32(8192))
	assert.Equal(t, p.LocalMaxChunkCount, uint32(4096))
	assert.Equal(t, p.LocalMaxMessageSize, uint32(1<<24))
	assert.Equal(t, p.RemoteReceiveBufferSize, uint32(8192))
	assert.Equal(t, p.RemoteSendBufferSize, uint32(16384))
}

func TestNegotiateZeroAdvertisements(t *testing.T) {
	// a peer advertising zero means unlimited; derived values must
	// still be non-zero
	p := NegotiateFromHello(&Hello{}, Config{})
	assert.Assert(t, p.LocalReceiveBufferSize > 0)
	assert.Assert(t, p.LocalSendBufferSize > 0)
	assert.Assert(t, p.LocalMaxChunkCount > 0)
	assert.Assert(t, p.LocalMaxMessageSize > 0)
}

func TestNegotiateSaturation(t *testing.T) {
	cfg := Config{MaxChunkSize: math.MaxUint32, MaxMessageSize: math.MaxUint32, MaxChunkCount: math.MaxUint32}
	hel := &Hello{
		ReceiveBufferSize: math.MaxUint32,
		SendBufferSize:    math.MaxUint32,
		MaxMessageSize:    math.MaxUint32,
		MaxChunkCount:     math.MaxUint32,
	}
	p := NegotiateFromHello(hel, cfg)
	assert.Equal(t, p.LocalMaxMessageSize, uint32(math.MaxUint32))
}

// The three invariants from the negotiation contract hold for any HELLO.
func TestNegotiateInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	cfg := Config{MaxChunkSize: 65536, MaxMessageSize: 1 << 24, MaxChunkCount: 4096}
	for i := 0; i < 10000; i++ {
		hel := &Hello{
			ReceiveBufferSize: rng.Uint32(),
			SendBufferSize:    rng.Uint32(),
			MaxMessageSize:    rng.Uint32(),
			MaxChunkCount:     rng.Uint32(),
		}
		p := NegotiateFromHello(hel, cfg)
		if p.LocalReceiveBufferSize > cfg.MaxChunkSize {
			t.Fatalf("receive buffer %d exceeds max chunk size", p.LocalReceiveBufferSize)
		}
		if p.LocalMaxMessageSize > SaturatingMul(p.LocalReceiveBufferSize, p.LocalMaxChunkCount) {
			t.Fatalf("max message size %d exceeds buffer*count", p.LocalMaxMessageSize)
		}
		if p.LocalReceiveBufferSize == 0 || p.LocalSendBufferSize == 0 || p.LocalMaxChunkCount == 0 || p.LocalMaxMessageSize == 0 {
			t.Fatal("derived parameter is zero")
		}
	}
}

func TestHelloRoundTrip(t *testing.T) {
	buf := make([]byte, 256)
	hel := &Hello{
		ProtocolVersion:   0,
		ReceiveBufferSize: 1,
		SendBufferSize:    2,
		MaxMessageSize:    3,
		MaxChunkCount:     4,
		EndpointURL:       "opc.tcp://localhost:12685/test",
	}
	n, err := EncodeHello(buf, hel)
	assert.NilError(t, err)
	assert.Equal(t, int(le32(buf[4:8])), n)

	dec := newDecoderOver(buf[HeaderSize:n])
	decoded, err := DecodeHello(dec)
	assert.NilError(t, err)
	assert.DeepEqual(t, decoded, hel)
}

func TestAcknowledgeRoundTrip(t *testing.T) {
	buf := make([]byte, 64)
	ack := &Acknowledge{ProtocolVersion: 0, ReceiveBufferSize: 10, SendBufferSize: 20, MaxMessageSize: 30, MaxChunkCount: 40}
	n, err := EncodeAcknowledge(buf, ack)
	assert.NilError(t, err)
	assert.Equal(t, n, HeaderSize+20)

	dec := newDecoderOver(buf[HeaderSize:n])
	decoded, err := DecodeAcknowledge(dec)
	assert.NilError(t, err)
	assert.DeepEqual(t, decoded, ack)
}
