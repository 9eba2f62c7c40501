// Copyright 2021 Converter Systems LLC. All rights reserved.

package ua

import (
	"io"
	"sync"
)

// MessageCodec turns service messages into body bytes and back. The
// body begins with the four-byte numeric node id of the message type
// followed by the encoded fields. Additional message types may be
// registered, which is how servers accept application-defined requests.
type MessageCodec struct {
	mu           sync.RWMutex
	constructors map[uint16]func() ServiceMessage
}

// NewMessageCodec returns a codec preloaded with the message types of
// this stack.
func NewMessageCodec() *MessageCodec {
	c := &MessageCodec{constructors: make(map[uint16]func() ServiceMessage)}
	c.Register(TypeIDOpenSecureChannelRequest, func() ServiceMessage { return new(OpenSecureChannelRequest) })
	c.Register(TypeIDOpenSecureChannelResponse, func() ServiceMessage { return new(OpenSecureChannelResponse) })
	c.Register(TypeIDCloseSecureChannelRequest, func() ServiceMessage { return new(CloseSecureChannelRequest) })
	c.Register(TypeIDCloseSecureChannelResponse, func() ServiceMessage { return new(CloseSecureChannelResponse) })
	c.Register(TypeIDGetEndpointsRequest, func() ServiceMessage { return new(GetEndpointsRequest) })
	c.Register(TypeIDGetEndpointsResponse, func() ServiceMessage { return new(GetEndpointsResponse) })
	c.Register(TypeIDServiceFault, func() ServiceMessage { return new(ServiceFault) })
	c.Register(TypeIDTestStackRequest, func() ServiceMessage { return new(TestStackRequest) })
	c.Register(TypeIDTestStackResponse, func() ServiceMessage { return new(TestStackResponse) })
	return c
}

// Register adds a constructor for the given type id.
func (c *MessageCodec) Register(id uint16, constructor func() ServiceMessage) {
	c.mu.Lock()
	c.constructors[id] = constructor
	c.mu.Unlock()
}

// Encode writes the type id and body of msg to w.
func (c *MessageCodec) Encode(w io.Writer, msg ServiceMessage) error {
	enc := NewBinaryEncoder(w)
	if err := enc.WriteTypeID(msg.TypeID()); err != nil {
		return BadEncodingError
	}
	if err := msg.EncodeBody(enc); err != nil {
		return BadEncodingError
	}
	return nil
}

// Decode reads one message from r. Unknown type ids fail with
// BadDecodingError.
func (c *MessageCodec) Decode(r io.Reader) (ServiceMessage, error) {
	dec := NewBinaryDecoder(r)
	var id uint16
	if err := dec.ReadTypeID(&id); err != nil {
		return nil, BadDecodingError
	}
	c.mu.RLock()
	constructor, ok := c.constructors[id]
	c.mu.RUnlock()
	if !ok {
		return nil, BadDecodingError
	}
	msg := constructor()
	if err := msg.DecodeBody(dec); err != nil {
		return nil, BadDecodingError
	}
	return msg, nil
}
