// Copyright 2021 Converter Systems LLC. All rights reserved.

package ua_test

import (
	"bytes"
	"testing"
	"time"

	"gotest.tools/assert"

	"github.com/edgewire/uastack/ua"
)

func TestPrimitiveRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := ua.NewBinaryEncoder(&buf)
	assert.NilError(t, enc.WriteBoolean(true))
	assert.NilError(t, enc.WriteUInt32(0xDEADBEEF))
	assert.NilError(t, enc.WriteInt32(-5))
	assert.NilError(t, enc.WriteInt64(1<<40))
	assert.NilError(t, enc.WriteDouble(3.5))
	assert.NilError(t, enc.WriteString("opc.tcp://localhost:4840"))
	assert.NilError(t, enc.WriteByteString([]byte{1, 2, 3}))

	dec := ua.NewBinaryDecoder(&buf)
	var b bool
	assert.NilError(t, dec.ReadBoolean(&b))
	assert.Equal(t, b, true)
	var u uint32
	assert.NilError(t, dec.ReadUInt32(&u))
	assert.Equal(t, u, uint32(0xDEADBEEF))
	var i int32
	assert.NilError(t, dec.ReadInt32(&i))
	assert.Equal(t, i, int32(-5))
	var i64 int64
	assert.NilError(t, dec.ReadInt64(&i64))
	assert.Equal(t, i64, int64(1<<40))
	var f float64
	assert.NilError(t, dec.ReadDouble(&f))
	assert.Equal(t, f, 3.5)
	var s string
	assert.NilError(t, dec.ReadString(&s))
	assert.Equal(t, s, "opc.tcp://localhost:4840")
	var bs []byte
	assert.NilError(t, dec.ReadByteString(&bs))
	assert.DeepEqual(t, bs, []byte{1, 2, 3})
}

func TestNullStringRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := ua.NewBinaryEncoder(&buf)
	assert.NilError(t, enc.WriteString(""))
	assert.NilError(t, enc.WriteByteString(nil))
	assert.Equal(t, buf.Len(), 8)

	dec := ua.NewBinaryDecoder(&buf)
	var s string
	assert.NilError(t, dec.ReadString(&s))
	assert.Equal(t, s, "")
	var bs []byte
	assert.NilError(t, dec.ReadByteString(&bs))
	assert.Assert(t, bs == nil)
}

func TestDateTimeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := ua.NewBinaryEncoder(&buf)
	now := time.Now().UTC().Truncate(100 * time.Nanosecond)
	assert.NilError(t, enc.WriteDateTime(now))
	assert.NilError(t, enc.WriteDateTime(time.Time{}))

	dec := ua.NewBinaryDecoder(&buf)
	var decoded time.Time
	assert.NilError(t, dec.ReadDateTime(&decoded))
	assert.Equal(t, decoded, now)
	assert.NilError(t, dec.ReadDateTime(&decoded))
	assert.Assert(t, decoded.IsZero())
}

func TestVariantRoundTrip(t *testing.T) {
	values := []interface{}{
		nil,
		true,
		int32(42),
		uint32(7),
		int64(-9),
		2.25,
		"hello",
		[]byte{0xCA, 0xFE},
	}
	for _, v := range values {
		var buf bytes.Buffer
		enc := ua.NewBinaryEncoder(&buf)
		assert.NilError(t, enc.WriteVariant(ua.NewVariant(v)))
		dec := ua.NewBinaryDecoder(&buf)
		var out ua.Variant
		assert.NilError(t, dec.ReadVariant(&out))
		assert.DeepEqual(t, out.Value, v)
	}
}

func TestMessageCodecRoundTrip(t *testing.T) {
	codec := ua.NewMessageCodec()
	req := &ua.TestStackRequest{
		RequestHeader: ua.RequestHeader{RequestHandle: 9, TimeoutHint: 1500},
		TestID:        3,
		Iteration:     -1,
		Input:         ua.NewVariant(int32(42)),
	}
	var buf bytes.Buffer
	assert.NilError(t, codec.Encode(&buf, req))
	msg, err := codec.Decode(&buf)
	assert.NilError(t, err)
	decoded, ok := msg.(*ua.TestStackRequest)
	assert.Assert(t, ok)
	assert.Equal(t, decoded.RequestHandle, uint32(9))
	assert.Equal(t, decoded.TestID, uint32(3))
	assert.Equal(t, decoded.Iteration, int32(-1))
	assert.DeepEqual(t, decoded.Input.Value, int32(42))
}

func TestMessageCodecUnknownType(t *testing.T) {
	codec := ua.NewMessageCodec()
	var buf bytes.Buffer
	enc := ua.NewBinaryEncoder(&buf)
	assert.NilError(t, enc.WriteTypeID(9999))
	_, err := codec.Decode(&buf)
	assert.Equal(t, err, ua.BadDecodingError)
}
