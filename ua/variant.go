// Copyright 2021 Converter Systems LLC. All rights reserved.

package ua

// Variant encoding bytes for the scalar types carried by this stack.
const (
	VariantTypeNull       byte = 0
	VariantTypeBoolean    byte = 1
	VariantTypeInt32      byte = 6
	VariantTypeUInt32     byte = 7
	VariantTypeInt64      byte = 8
	VariantTypeDouble     byte = 11
	VariantTypeString     byte = 12
	VariantTypeByteString byte = 15
)

// Variant holds one scalar value of a supported type: nil, bool, int32,
// uint32, int64, float64, string or []byte.
type Variant struct {
	Value interface{}
}

// NewVariant returns a Variant holding value.
func NewVariant(value interface{}) Variant {
	return Variant{Value: value}
}
