// Copyright 2021 Converter Systems LLC. All rights reserved.

package transport

import (
	"errors"
	"testing"

	"gotest.tools/assert"

	"github.com/edgewire/uastack/ua"
)

func TestAssemblerSingleChunk(t *testing.T) {
	a := NewAssembler(16, 1024)
	bodies, err := a.Add(1, []byte("hello"), true)
	assert.NilError(t, err)
	assert.Equal(t, len(bodies), 1)
	assert.Equal(t, string(bodies[0]), "hello")
}

func TestAssemblerAccumulatesUntilFinal(t *testing.T) {
	a := NewAssembler(16, 1024)
	bodies, err := a.Add(1, []byte("ab"), false)
	assert.NilError(t, err)
	assert.Assert(t, bodies == nil)
	bodies, err = a.Add(1, []byte("cd"), false)
	assert.NilError(t, err)
	assert.Assert(t, bodies == nil)
	bodies, err = a.Add(1, []byte("ef"), true)
	assert.NilError(t, err)
	assert.Equal(t, len(bodies), 3)
	assert.Equal(t, string(bodies[0])+string(bodies[1])+string(bodies[2]), "abcdef")

	// the request id's buffers are released on completion
	bodies, err = a.Add(1, []byte("x"), true)
	assert.NilError(t, err)
	assert.Equal(t, len(bodies), 1)
}

func TestAssemblerChunkCountLimit(t *testing.T) {
	a := NewAssembler(2, 1024)
	_, err := a.Add(1, []byte("a"), false)
	assert.NilError(t, err)
	_, err = a.Add(1, []byte("b"), false)
	assert.NilError(t, err)
	_, err = a.Add(1, []byte("c"), false)
	assert.Assert(t, errors.Is(err, ua.BadTCPMessageTooLarge))
}

func TestAssemblerMessageSizeLimit(t *testing.T) {
	a := NewAssembler(16, 4)
	_, err := a.Add(1, []byte("abc"), false)
	assert.NilError(t, err)
	_, err = a.Add(1, []byte("de"), true)
	assert.Assert(t, errors.Is(err, ua.BadTCPMessageTooLarge))
}

func TestAssemblerAbortDiscards(t *testing.T) {
	a := NewAssembler(16, 1024)
	_, err := a.Add(1, []byte("partial"), false)
	assert.NilError(t, err)
	a.Abort(1)
	bodies, err := a.Add(1, []byte("fresh"), true)
	assert.NilError(t, err)
	assert.Equal(t, len(bodies), 1)
	assert.Equal(t, string(bodies[0]), "fresh")
}
