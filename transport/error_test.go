// Copyright 2021 Converter Systems LLC. All rights reserved.

package transport

import (
	"errors"
	"testing"

	"gotest.tools/assert"

	"github.com/edgewire/uastack/ua"
)

func TestErrorUnwrapsToStatusCode(t *testing.T) {
	err := NewError(KindChannel, ua.BadSecureChannelTokenUnknown, "token id matches neither token")
	assert.Assert(t, errors.Is(err, ua.BadSecureChannelTokenUnknown))
	assert.Assert(t, !errors.Is(err, ua.BadTimeout))
}

func TestErrorFatality(t *testing.T) {
	assert.Assert(t, NewError(KindFraming, ua.BadTCPMessageTypeInvalid, "").IsFatal())
	assert.Assert(t, NewError(KindChannel, ua.BadSecureChannelIDInvalid, "").IsFatal())
	assert.Assert(t, NewError(KindTransport, ua.BadConnectionClosed, "").IsFatal())
	assert.Assert(t, NewError(KindSecurity, ua.BadSecurityChecksFailed, "").IsFatal())
	assert.Assert(t, !NewError(KindApplication, ua.BadTimeout, "").IsFatal())
}

func TestMessageAborted(t *testing.T) {
	err := &MessageAborted{Code: ua.BadTimeout, Reason: "deadline exceeded"}
	assert.Assert(t, errors.Is(err, ua.BadTimeout))
	assert.Equal(t, StatusOf(err), ua.BadTimeout)
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, StatusOf(nil), ua.Good)
	assert.Equal(t, StatusOf(ua.BadDecodingError), ua.BadDecodingError)
	assert.Equal(t, StatusOf(NewError(KindFraming, ua.BadTCPMessageTooLarge, "")), ua.BadTCPMessageTooLarge)
	assert.Equal(t, StatusOf(errors.New("plain")), ua.BadUnexpectedError)
}
