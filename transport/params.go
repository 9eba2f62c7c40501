// Copyright 2021 Converter Systems LLC. All rights reserved.

package transport

import (
	"math"

	"github.com/edgewire/uastack/ua"
)

// documents the version of the binary protocol that this library supports.
const ProtocolVersion uint32 = 0

// Defaults for the connection limits advertised during HEL/ACK.
const (
	DefaultMaxChunkSize   uint32 = 64 * 1024
	DefaultMaxMessageSize uint32 = 16 * 1024 * 1024
	DefaultMaxChunkCount  uint32 = 4 * 1024
)

// Config holds the local connection limits an application is willing to
// accept. Zero fields fall back to the defaults.
type Config struct {
	MaxChunkSize   uint32
	MaxMessageSize uint32
	MaxChunkCount  uint32
}

// OrDefaults returns the config with zero fields replaced by the
// defaults.
func (c Config) OrDefaults() Config {
	return c.orDefaults()
}

func (c Config) orDefaults() Config {
	if c.MaxChunkSize == 0 {
		c.MaxChunkSize = DefaultMaxChunkSize
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.MaxChunkCount == 0 {
		c.MaxChunkCount = DefaultMaxChunkCount
	}
	return c
}

// Hello is the body of a HEL message.
type Hello struct {
	ProtocolVersion   uint32
	ReceiveBufferSize uint32
	SendBufferSize    uint32
	MaxMessageSize    uint32
	MaxChunkCount     uint32
	EndpointURL       string
}

// Acknowledge is the body of an ACK message.
type Acknowledge struct {
	ProtocolVersion   uint32
	ReceiveBufferSize uint32
	SendBufferSize    uint32
	MaxMessageSize    uint32
	MaxChunkCount     uint32
}

// ChannelParameters are the negotiated limits that govern every chunk
// on a connection. Immutable once derived.
type ChannelParameters struct {
	LocalMaxMessageSize     uint32
	LocalReceiveBufferSize  uint32
	LocalSendBufferSize     uint32
	LocalMaxChunkCount      uint32
	RemoteMaxMessageSize    uint32
	RemoteReceiveBufferSize uint32
	RemoteSendBufferSize    uint32
	RemoteMaxChunkCount     uint32
}

// SaturatingMul returns a×b clamped to MaxUint32.
func SaturatingMul(a, b uint32) uint32 {
	p := uint64(a) * uint64(b)
	if p > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(p)
}

func minU32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

// A peer advertising zero means "no limit stated"; substitute our own
// limit so derived values are never zero.
func orLimit(advertised, limit uint32) uint32 {
	if advertised == 0 {
		return limit
	}
	return advertised
}

// NegotiateFromHello derives the server-side ChannelParameters from the
// client's HELLO and the local configuration. Products saturate at
// MaxUint32, never wrap.
func NegotiateFromHello(hel *Hello, cfg Config) ChannelParameters {
	cfg = cfg.orDefaults()
	p := ChannelParameters{
		RemoteMaxMessageSize:    hel.MaxMessageSize,
		RemoteReceiveBufferSize: hel.ReceiveBufferSize,
		RemoteSendBufferSize:    hel.SendBufferSize,
		RemoteMaxChunkCount:     hel.MaxChunkCount,
	}
	p.LocalReceiveBufferSize = minU32(orLimit(hel.SendBufferSize, cfg.MaxChunkSize), cfg.MaxChunkSize)
	p.LocalSendBufferSize = minU32(orLimit(hel.ReceiveBufferSize, cfg.MaxChunkSize), cfg.MaxChunkSize)
	p.LocalMaxChunkCount = cfg.MaxChunkCount
	p.LocalMaxMessageSize = minU32(SaturatingMul(p.LocalReceiveBufferSize, p.LocalMaxChunkCount), cfg.MaxMessageSize)
	return p
}

// NegotiateFromAck derives the client-side ChannelParameters from the
// server's ACK. The ACK fields are stated from the server's point of
// view, so its receive buffer bounds our send buffer.
func NegotiateFromAck(ack *Acknowledge, cfg Config) ChannelParameters {
	cfg = cfg.orDefaults()
	p := ChannelParameters{
		RemoteMaxMessageSize:    ack.MaxMessageSize,
		RemoteReceiveBufferSize: ack.ReceiveBufferSize,
		RemoteSendBufferSize:    ack.SendBufferSize,
		RemoteMaxChunkCount:     ack.MaxChunkCount,
	}
	p.LocalSendBufferSize = minU32(orLimit(ack.ReceiveBufferSize, cfg.MaxChunkSize), cfg.MaxChunkSize)
	p.LocalReceiveBufferSize = minU32(orLimit(ack.SendBufferSize, cfg.MaxChunkSize), cfg.MaxChunkSize)
	p.LocalMaxChunkCount = cfg.MaxChunkCount
	p.LocalMaxMessageSize = minU32(SaturatingMul(p.LocalReceiveBufferSize, p.LocalMaxChunkCount), cfg.MaxMessageSize)
	return p
}

// EncodeHello writes the HEL message, header included, into buf and
// returns the encoded length.
func EncodeHello(buf []byte, hel *Hello) (int, error) {
	w := ua.NewWriter(buf)
	enc := ua.NewBinaryEncoder(w)
	enc.WriteUInt32(ua.MessageTypeHello)
	enc.WriteUInt32(uint32(headerSize + 24 + len(hel.EndpointURL)))
	enc.WriteUInt32(hel.ProtocolVersion)
	enc.WriteUInt32(hel.ReceiveBufferSize)
	enc.WriteUInt32(hel.SendBufferSize)
	enc.WriteUInt32(hel.MaxMessageSize)
	enc.WriteUInt32(hel.MaxChunkCount)
	if err := enc.WriteString(hel.EndpointURL); err != nil {
		return 0, ua.BadEncodingError
	}
	return w.Len(), nil
}

// DecodeHello reads the HEL body (after the 8-byte header).
func DecodeHello(dec *ua.BinaryDecoder) (*Hello, error) {
	hel := new(Hello)
	if err := dec.ReadUInt32(&hel.ProtocolVersion); err != nil {
		return nil, err
	}
	if err := dec.ReadUInt32(&hel.ReceiveBufferSize); err != nil {
		return nil, err
	}
	if err := dec.ReadUInt32(&hel.SendBufferSize); err != nil {
		return nil, err
	}
	if err := dec.ReadUInt32(&hel.MaxMessageSize); err != nil {
		return nil, err
	}
	if err := dec.ReadUInt32(&hel.MaxChunkCount); err != nil {
		return nil, err
	}
	if err := dec.ReadString(&hel.EndpointURL); err != nil {
		return nil, err
	}
	return hel, nil
}

// EncodeAcknowledge writes the ACK message, header included, into buf
// and returns the encoded length.
func EncodeAcknowledge(buf []byte, ack *Acknowledge) (int, error) {
	w := ua.NewWriter(buf)
	enc := ua.NewBinaryEncoder(w)
	enc.WriteUInt32(ua.MessageTypeAck)
	enc.WriteUInt32(uint32(headerSize + 20))
	enc.WriteUInt32(ack.ProtocolVersion)
	enc.WriteUInt32(ack.ReceiveBufferSize)
	enc.WriteUInt32(ack.SendBufferSize)
	enc.WriteUInt32(ack.MaxMessageSize)
	if err := enc.WriteUInt32(ack.MaxChunkCount); err != nil {
		return 0, ua.BadEncodingError
	}
	return w.Len(), nil
}

// DecodeAcknowledge reads the ACK body (after the 8-byte header).
func DecodeAcknowledge(dec *ua.BinaryDecoder) (*Acknowledge, error) {
	ack := new(Acknowledge)
	if err := dec.ReadUInt32(&ack.ProtocolVersion); err != nil {
		return nil, err
	}
	if err := dec.ReadUInt32(&ack.ReceiveBufferSize); err != nil {
		return nil, err
	}
	if err := dec.ReadUInt32(&ack.SendBufferSize); err != nil {
		return nil, err
	}
	if err := dec.ReadUInt32(&ack.MaxMessageSize); err != nil {
		return nil, err
	}
	if err := dec.ReadUInt32(&ack.MaxChunkCount); err != nil {
		return nil, err
	}
	return ack, nil
}

// EncodeError writes an ERR message, header included, into buf and
// returns the encoded length.
func EncodeError(buf []byte, code ua.StatusCode, reason string) (int, error) {
	w := ua.NewWriter(buf)
	enc := ua.NewBinaryEncoder(w)
	enc.WriteUInt32(ua.MessageTypeError)
	enc.WriteUInt32(uint32(headerSize + 8 + len(reason)))
	enc.WriteStatusCode(code)
	if err := enc.WriteString(reason); err != nil {
		return 0, ua.BadEncodingError
	}
	return w.Len(), nil
}
