// Copyright 2021 Converter Systems LLC. All rights reserved.

package transport

import (
	"sync"

	"github.com/djherbis/buffer"
)

// BytesPool is a pool of chunk-sized byte slices shared by the encode
// and decode paths.
var BytesPool = sync.Pool{New: func() interface{} {
	b := make([]byte, DefaultMaxChunkSize)
	return &b
}}

// BufferPool is a pool of capacity buffers used for message body
// streams.
var BufferPool = buffer.NewMemPoolAt(int64(DefaultMaxChunkSize))
