// Copyright 2021 Converter Systems LLC. All rights reserved.

package client

import (
	"context"
	"errors"
	"testing"

	"github.com/edgewire/uastack/transport"
	"github.com/edgewire/uastack/ua"
)

func TestIsStaleChannelError(t *testing.T) {
	if !isStaleChannelError(ua.BadTCPSecureChannelUnknown) {
		t.Fatal("BadTCPSecureChannelUnknown not detected")
	}
	if !isStaleChannelError(ua.BadSecureChannelIDInvalid) {
		t.Fatal("BadSecureChannelIDInvalid not detected")
	}
	wrapped := transport.NewError(transport.KindChannel, ua.BadTCPSecureChannelUnknown, "secure channel unknown")
	if !isStaleChannelError(wrapped) {
		t.Fatal("wrapped stale error not detected")
	}
	if isStaleChannelError(ua.BadTimeout) {
		t.Fatal("BadTimeout misdetected")
	}
}

func TestSendRequestWhileIdleFails(t *testing.T) {
	c := &Client{
		endpointURL:   "opc.tcp://127.0.0.1:1/void",
		msgCodec:      ua.NewMessageCodec(),
		tokenLifetime: defaultTokenRequestedLifetime,
	}
	c.fsm = newConnectionFSM(c)

	_, err := c.SendRequest(context.Background(), &ua.TestStackRequest{Input: ua.NewVariant(int32(1))})
	if !errors.Is(err, ua.BadServerNotConnected) {
		t.Fatalf("got %v", err)
	}
}

func TestConnectToUnreachableServerFails(t *testing.T) {
	c := &Client{
		endpointURL:       "opc.tcp://127.0.0.1:1/void",
		securityPolicyURI: ua.SecurityPolicyURINone,
		securityMode:      ua.MessageSecurityModeNone,
		connectTimeout:    200,
		tokenLifetime:     defaultTokenRequestedLifetime,
		msgCodec:          ua.NewMessageCodec(),
	}
	c.fsm = newConnectionFSM(c)

	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("expected a connect error")
	}
	// after the failed bootstrap the machine is back in Idle
	_, state := c.fsm.currentChannel()
	if state != stateIdle {
		t.Fatalf("state %v", state)
	}
}
