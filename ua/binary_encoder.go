// Copyright 2021 Converter Systems LLC. All rights reserved.

package ua

import (
	"encoding/binary"
	"io"
	"math"
	"time"
)

// BinaryEncoder writes the OPC UA binary protocol. All fields are
// little-endian.
type BinaryEncoder struct {
	w  io.Writer
	bs [8]byte
}

// NewBinaryEncoder returns a new encoder that writes to an io.Writer.
func NewBinaryEncoder(w io.Writer) *BinaryEncoder {
	return &BinaryEncoder{w: w}
}

// WriteBoolean writes a boolean.
func (enc *BinaryEncoder) WriteBoolean(value bool) error {
	if value {
		enc.bs[0] = 1
	} else {
		enc.bs[0] = 0
	}
	_, err := enc.w.Write(enc.bs[:1])
	return err
}

// WriteByte writes a byte.
func (enc *BinaryEncoder) WriteByte(value byte) error {
	enc.bs[0] = value
	_, err := enc.w.Write(enc.bs[:1])
	return err
}

// WriteUInt16 writes a uint16.
func (enc *BinaryEncoder) WriteUInt16(value uint16) error {
	binary.LittleEndian.PutUint16(enc.bs[:2], value)
	_, err := enc.w.Write(enc.bs[:2])
	return err
}

// WriteUInt32 writes a uint32.
func (enc *BinaryEncoder) WriteUInt32(value uint32) error {
	binary.LittleEndian.PutUint32(enc.bs[:4], value)
	_, err := enc.w.Write(enc.bs[:4])
	return err
}

// WriteInt32 writes an int32.
func (enc *BinaryEncoder) WriteInt32(value int32) error {
	return enc.WriteUInt32(uint32(value))
}

// WriteInt64 writes an int64.
func (enc *BinaryEncoder) WriteInt64(value int64) error {
	binary.LittleEndian.PutUint64(enc.bs[:8], uint64(value))
	_, err := enc.w.Write(enc.bs[:8])
	return err
}

// WriteDouble writes a float64.
func (enc *BinaryEncoder) WriteDouble(value float64) error {
	binary.LittleEndian.PutUint64(enc.bs[:8], math.Float64bits(value))
	_, err := enc.w.Write(enc.bs[:8])
	return err
}

// WriteStatusCode writes a StatusCode.
func (enc *BinaryEncoder) WriteStatusCode(value StatusCode) error {
	return enc.WriteUInt32(uint32(value))
}

// WriteString writes a length-prefixed UTF-8 string. The empty string
// is written as a null string.
func (enc *BinaryEncoder) WriteString(value string) error {
	if len(value) == 0 {
		return enc.WriteInt32(-1)
	}
	if err := enc.WriteInt32(int32(len(value))); err != nil {
		return err
	}
	_, err := io.WriteString(enc.w, value)
	return err
}

// WriteByteString writes a length-prefixed byte string. Nil is written
// as a null byte string.
func (enc *BinaryEncoder) WriteByteString(value []byte) error {
	if value == nil {
		return enc.WriteInt32(-1)
	}
	if err := enc.WriteInt32(int32(len(value))); err != nil {
		return err
	}
	_, err := enc.w.Write(value)
	return err
}

// WriteDateTime writes a time as 100 ns ticks since January 1, 1601.
func (enc *BinaryEncoder) WriteDateTime(value time.Time) error {
	if value.IsZero() {
		return enc.WriteInt64(0)
	}
	return enc.WriteInt64(value.UnixNano()/100 + epochDelta)
}

// WriteVariant writes a variant of one of the supported scalar types.
func (enc *BinaryEncoder) WriteVariant(value Variant) error {
	switch v := value.Value.(type) {
	case nil:
		return enc.WriteByte(VariantTypeNull)
	case bool:
		if err := enc.WriteByte(VariantTypeBoolean); err != nil {
			return err
		}
		return enc.WriteBoolean(v)
	case int32:
		if err := enc.WriteByte(VariantTypeInt32); err != nil {
			return err
		}
		return enc.WriteInt32(v)
	case uint32:
		if err := enc.WriteByte(VariantTypeUInt32); err != nil {
			return err
		}
		return enc.WriteUInt32(v)
	case int64:
		if err := enc.WriteByte(VariantTypeInt64); err != nil {
			return err
		}
		return enc.WriteInt64(v)
	case float64:
		if err := enc.WriteByte(VariantTypeDouble); err != nil {
			return err
		}
		return enc.WriteDouble(v)
	case string:
		if err := enc.WriteByte(VariantTypeString); err != nil {
			return err
		}
		return enc.WriteString(v)
	case []byte:
		if err := enc.WriteByte(VariantTypeByteString); err != nil {
			return err
		}
		return enc.WriteByteString(v)
	default:
		return BadEncodingError
	}
}

// WriteTypeID writes a four-byte numeric node id identifying an
// encodable type.
func (enc *BinaryEncoder) WriteTypeID(id uint16) error {
	if err := enc.WriteByte(0x01); err != nil {
		return err
	}
	if err := enc.WriteByte(0x00); err != nil {
		return err
	}
	return enc.WriteUInt16(id)
}

// ticks between the OPC UA epoch (1601) and the Unix epoch (1970).
const epochDelta int64 = 116444736000000000
