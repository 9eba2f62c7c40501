// Copyright 2021 Converter Systems LLC. All rights reserved.

package transport

import (
	"bytes"
	"encoding/binary"

	"github.com/edgewire/uastack/ua"
)

func le32(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b)
}

func newDecoderOver(b []byte) *ua.BinaryDecoder {
	return ua.NewBinaryDecoder(bytes.NewReader(b))
}
