// Copyright 2021 Converter Systems LLC. All rights reserved.

package ua

import (
	"encoding/binary"
	"io"
	"math"
	"time"
)

// maxArrayLength bounds length-prefixed fields so that a corrupt prefix
// cannot drive a huge allocation.
const maxArrayLength = 16 * 1024 * 1024

// BinaryDecoder reads the OPC UA binary protocol. All fields are
// little-endian.
type BinaryDecoder struct {
	r  io.Reader
	bs [8]byte
}

// NewBinaryDecoder returns a new decoder that reads from an io.Reader.
func NewBinaryDecoder(r io.Reader) *BinaryDecoder {
	return &BinaryDecoder{r: r}
}

// ReadBoolean reads a boolean.
func (dec *BinaryDecoder) ReadBoolean(value *bool) error {
	if _, err := io.ReadFull(dec.r, dec.bs[:1]); err != nil {
		return BadDecodingError
	}
	*value = dec.bs[0] != 0
	return nil
}

// ReadByte reads a byte.
func (dec *BinaryDecoder) ReadByte(value *byte) error {
	if _, err := io.ReadFull(dec.r, dec.bs[:1]); err != nil {
		return BadDecodingError
	}
	*value = dec.bs[0]
	return nil
}

// ReadUInt16 reads a uint16.
func (dec *BinaryDecoder) ReadUInt16(value *uint16) error {
	if _, err := io.ReadFull(dec.r, dec.bs[:2]); err != nil {
		return BadDecodingError
	}
	*value = binary.LittleEndian.Uint16(dec.bs[:2])
	return nil
}

// ReadUInt32 reads a uint32.
func (dec *BinaryDecoder) ReadUInt32(value *uint32) error {
	if _, err := io.ReadFull(dec.r, dec.bs[:4]); err != nil {
		return BadDecodingError
	}
	*value = binary.LittleEndian.Uint32(dec.bs[:4])
	return nil
}

// ReadInt32 reads an int32.
func (dec *BinaryDecoder) ReadInt32(value *int32) error {
	var v uint32
	if err := dec.ReadUInt32(&v); err != nil {
		return err
	}
	*value = int32(v)
	return nil
}

// ReadInt64 reads an int64.
func (dec *BinaryDecoder) ReadInt64(value *int64) error {
	if _, err := io.ReadFull(dec.r, dec.bs[:8]); err != nil {
		return BadDecodingError
	}
	*value = int64(binary.LittleEndian.Uint64(dec.bs[:8]))
	return nil
}

// ReadDouble reads a float64.
func (dec *BinaryDecoder) ReadDouble(value *float64) error {
	if _, err := io.ReadFull(dec.r, dec.bs[:8]); err != nil {
		return BadDecodingError
	}
	*value = math.Float64frombits(binary.LittleEndian.Uint64(dec.bs[:8]))
	return nil
}

// ReadStatusCode reads a StatusCode.
func (dec *BinaryDecoder) ReadStatusCode(value *StatusCode) error {
	var v uint32
	if err := dec.ReadUInt32(&v); err != nil {
		return err
	}
	*value = StatusCode(v)
	return nil
}

// ReadString reads a length-prefixed UTF-8 string. A null string is
// decoded as the empty string.
func (dec *BinaryDecoder) ReadString(value *string) error {
	var n int32
	if err := dec.ReadInt32(&n); err != nil {
		return err
	}
	if n < 0 {
		*value = ""
		return nil
	}
	if n > maxArrayLength {
		return BadEncodingLimitsExceeded
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(dec.r, b); err != nil {
		return BadDecodingError
	}
	*value = string(b)
	return nil
}

// ReadByteString reads a length-prefixed byte string. A null byte
// string is decoded as nil.
func (dec *BinaryDecoder) ReadByteString(value *[]byte) error {
	var n int32
	if err := dec.ReadInt32(&n); err != nil {
		return err
	}
	if n < 0 {
		*value = nil
		return nil
	}
	if n > maxArrayLength {
		return BadEncodingLimitsExceeded
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(dec.r, b); err != nil {
		return BadDecodingError
	}
	*value = b
	return nil
}

// ReadDateTime reads a time encoded as 100 ns ticks since January 1, 1601.
func (dec *BinaryDecoder) ReadDateTime(value *time.Time) error {
	var ticks int64
	if err := dec.ReadInt64(&ticks); err != nil {
		return err
	}
	if ticks == 0 {
		*value = time.Time{}
		return nil
	}
	*value = time.Unix(0, (ticks-epochDelta)*100).UTC()
	return nil
}

// ReadVariant reads a variant of one of the supported scalar types.
func (dec *BinaryDecoder) ReadVariant(value *Variant) error {
	var encoding byte
	if err := dec.ReadByte(&encoding); err != nil {
		return err
	}
	switch encoding {
	case VariantTypeNull:
		value.Value = nil
		return nil
	case VariantTypeBoolean:
		var v bool
		if err := dec.ReadBoolean(&v); err != nil {
			return err
		}
		value.Value = v
		return nil
	case VariantTypeInt32:
		var v int32
		if err := dec.ReadInt32(&v); err != nil {
			return err
		}
		value.Value = v
		return nil
	case VariantTypeUInt32:
		var v uint32
		if err := dec.ReadUInt32(&v); err != nil {
			return err
		}
		value.Value = v
		return nil
	case VariantTypeInt64:
		var v int64
		if err := dec.ReadInt64(&v); err != nil {
			return err
		}
		value.Value = v
		return nil
	case VariantTypeDouble:
		var v float64
		if err := dec.ReadDouble(&v); err != nil {
			return err
		}
		value.Value = v
		return nil
	case VariantTypeString:
		var v string
		if err := dec.ReadString(&v); err != nil {
			return err
		}
		value.Value = v
		return nil
	case VariantTypeByteString:
		var v []byte
		if err := dec.ReadByteString(&v); err != nil {
			return err
		}
		value.Value = v
		return nil
	default:
		return BadDecodingError
	}
}

// ReadTypeID reads a four-byte numeric node id identifying an encodable
// type.
func (dec *BinaryDecoder) ReadTypeID(id *uint16) error {
	var form, ns byte
	if err := dec.ReadByte(&form); err != nil {
		return err
	}
	if form != 0x01 {
		return BadDecodingError
	}
	if err := dec.ReadByte(&ns); err != nil {
		return err
	}
	return dec.ReadUInt16(id)
}
