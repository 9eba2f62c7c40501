// Copyright 2021 Converter Systems LLC. All rights reserved.

package transport

import (
	"encoding/binary"
	"net"

	"github.com/pkg/errors"

	"github.com/edgewire/uastack/ua"
)

const (
	// headerSize is the size of the message header: 3 bytes ASCII
	// message type, 1 byte chunk type, 4 bytes total length.
	headerSize = 8
	// sequenceHeaderSize is the size of the sequence header.
	sequenceHeaderSize = 8
	// symmetricHeaderSize is the message header plus channel id plus
	// symmetric security header (token id).
	symmetricHeaderSize = 16
)

// HeaderSize and friends are exported for the chunk planners.
const (
	HeaderSize          = headerSize
	SequenceHeaderSize  = sequenceHeaderSize
	SymmetricHeaderSize = symmetricHeaderSize
)

// validMessageType reports whether the low three bytes spell a known
// message type with a known chunk type byte.
func validMessageType(msgType uint32) bool {
	switch msgType {
	case ua.MessageTypeHello, ua.MessageTypeAck, ua.MessageTypeError,
		ua.MessageTypeOpenFinal, ua.MessageTypeCloseFinal,
		ua.MessageTypeFinal, ua.MessageTypeChunk, ua.MessageTypeAbort:
		return true
	}
	return false
}

// Framer reads and writes whole OPC UA TCP messages on a net.Conn. It
// buffers nothing beyond the message currently in flight: ReadMessage
// blocks until the full message declared by the header has arrived.
type Framer struct {
	conn              net.Conn
	receiveBufferSize uint32
}

// NewFramer returns a framer over conn that rejects messages larger
// than receiveBufferSize before their body is read.
func NewFramer(conn net.Conn, receiveBufferSize uint32) *Framer {
	return &Framer{conn: conn, receiveBufferSize: receiveBufferSize}
}

// SetReceiveBufferSize installs the negotiated receive limit. Called
// once after HEL/ACK.
func (f *Framer) SetReceiveBufferSize(size uint32) {
	f.receiveBufferSize = size
}

// RemoteAddr returns the peer address.
func (f *Framer) RemoteAddr() net.Addr {
	return f.conn.RemoteAddr()
}

// ReadMessage reads one whole message into buf and returns its length
// and type. The message size is validated against the receive limit
// before any body byte is read.
func (f *Framer) ReadMessage(buf []byte) (int, uint32, error) {
	if err := f.readFull(buf[:headerSize]); err != nil {
		return 0, 0, err
	}
	msgType := binary.LittleEndian.Uint32(buf[0:4])
	if !validMessageType(msgType) {
		return 0, 0, NewError(KindFraming, ua.BadTCPMessageTypeInvalid, "unknown message type")
	}
	size := binary.LittleEndian.Uint32(buf[4:8])
	if size < headerSize {
		return 0, 0, NewError(KindFraming, ua.BadDecodingError, "message size below header size")
	}
	if size > f.receiveBufferSize || int(size) > len(buf) {
		return 0, 0, NewError(KindFraming, ua.BadTCPMessageTooLarge, "message size exceeds receive buffer")
	}
	if err := f.readFull(buf[headerSize:size]); err != nil {
		return 0, 0, err
	}
	return int(size), msgType, nil
}

// WriteMessage writes one whole message to the connection.
func (f *Framer) WriteMessage(p []byte) error {
	if f.conn == nil {
		return NewError(KindTransport, ua.BadSecureChannelClosed, "connection closed")
	}
	if _, err := f.conn.Write(p); err != nil {
		return NewError(KindTransport, ua.BadConnectionClosed, errors.Wrap(err, "write").Error())
	}
	return nil
}

// Close closes the underlying connection.
func (f *Framer) Close() error {
	if f.conn == nil {
		return nil
	}
	return f.conn.Close()
}

func (f *Framer) readFull(p []byte) error {
	if f.conn == nil {
		return NewError(KindTransport, ua.BadSecureChannelClosed, "connection closed")
	}
	for num := 0; num < len(p); {
		n, err := f.conn.Read(p[num:])
		if err != nil || n == 0 {
			return NewError(KindTransport, ua.BadConnectionClosed, "connection closed by peer")
		}
		num += n
	}
	return nil
}
