// Copyright 2021 Converter Systems LLC. All rights reserved.

package transport

import (
	"github.com/gammazero/deque"

	"github.com/edgewire/uastack/ua"
)

// Assembler accumulates decoded chunk bodies per request id until the
// final or abort chunk arrives. It enforces the negotiated chunk count
// and message size limits. Owned by the channel's decode task; not safe
// for concurrent use.
type Assembler struct {
	maxChunkCount  uint32
	maxMessageSize uint32
	partial        map[uint32]*partialMessage
}

type partialMessage struct {
	chunks deque.Deque[[]byte]
	size   uint32
}

// NewAssembler returns an assembler bounded by the negotiated limits.
func NewAssembler(maxChunkCount, maxMessageSize uint32) *Assembler {
	return &Assembler{
		maxChunkCount:  maxChunkCount,
		maxMessageSize: maxMessageSize,
		partial:        make(map[uint32]*partialMessage),
	}
}

// Add appends a chunk body for the given request id. When final is set,
// the accumulated bodies are returned in arrival order and the request
// id's buffers are released. Limit violations fail the channel.
func (a *Assembler) Add(requestID uint32, body []byte, final bool) ([][]byte, error) {
	pm := a.partial[requestID]
	if pm == nil {
		pm = &partialMessage{}
		a.partial[requestID] = pm
	}
	if a.maxChunkCount > 0 && uint32(pm.chunks.Len())+1 > a.maxChunkCount {
		delete(a.partial, requestID)
		return nil, NewError(KindFraming, ua.BadTCPMessageTooLarge, "chunk count exceeds limit")
	}
	pm.size += uint32(len(body))
	if a.maxMessageSize > 0 && pm.size > a.maxMessageSize {
		delete(a.partial, requestID)
		return nil, NewError(KindFraming, ua.BadTCPMessageTooLarge, "message size exceeds limit")
	}
	pm.chunks.PushBack(body)
	if !final {
		return nil, nil
	}
	delete(a.partial, requestID)
	bodies := make([][]byte, 0, pm.chunks.Len())
	for pm.chunks.Len() > 0 {
		bodies = append(bodies, pm.chunks.PopFront())
	}
	return bodies, nil
}

// Abort discards any accumulated chunks for the request id.
func (a *Assembler) Abort(requestID uint32) {
	delete(a.partial, requestID)
}

// Reset discards everything, releasing all retained chunk buffers.
func (a *Assembler) Reset() {
	a.partial = make(map[uint32]*partialMessage)
}
