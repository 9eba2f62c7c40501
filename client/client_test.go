// Copyright 2021 Converter Systems LLC. All rights reserved.

package client

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math"
	"math/big"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/edgewire/uastack/server"
	"github.com/edgewire/uastack/transport"
	"github.com/edgewire/uastack/ua"
)

// freeEndpointURL reserves a port on the loopback interface and shapes
// it into an opc.tcp url.
func freeEndpointURL(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return fmt.Sprintf("opc.tcp://127.0.0.1:%d/test", port)
}

// generateCertificate mints a self-signed certificate and key for one
// side of the handshake.
func generateCertificate(t *testing.T, commonName string) ([]byte, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	template := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageDataEncipherment,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	return der, key
}

// echoHandler answers every TestStackRequest with its own input.
func echoHandler(ch *server.SecureChannel, req ua.ServiceRequest) (ua.ServiceResponse, error) {
	r := req.(*ua.TestStackRequest)
	return &ua.TestStackResponse{
		ResponseHeader: ua.ResponseHeader{
			Timestamp:     time.Now(),
			RequestHandle: r.RequestHandle,
		},
		Output: r.Input,
	}, nil
}

func startTestServer(t *testing.T, endpointURL string, opts ...server.Option) *server.Server {
	t.Helper()
	srv, err := server.New(endpointURL, opts...)
	if err != nil {
		t.Fatal(err)
	}
	srv.AddEndpoint(ua.SecurityPolicyURINone, ua.MessageSecurityModeNone)
	srv.AddRequestHandler(ua.TypeIDTestStackRequest, echoHandler)
	if err := srv.Startup(); err != nil {
		t.Fatal(err)
	}
	return srv
}

func TestNoSecurityRoundTrip(t *testing.T) {
	endpointURL := freeEndpointURL(t)
	srv := startTestServer(t, endpointURL)
	defer srv.Shutdown()

	ctx := context.Background()
	c, err := Dial(ctx, endpointURL, WithSecurityPolicyNone())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Disconnect(ctx)

	for i := uint32(1); i <= 1000; i++ {
		res, err := c.SendRequest(ctx, &ua.TestStackRequest{
			RequestHeader: ua.RequestHeader{RequestHandle: i},
			TestID:        1,
			Input:         ua.NewVariant(int32(42)),
		})
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		response := res.(*ua.TestStackResponse)
		if got := response.Output.Value; got != int32(42) {
			t.Fatalf("request %d: got %v", i, got)
		}
		if response.RequestHandle != i {
			t.Fatalf("request %d: handle %d", i, response.RequestHandle)
		}
	}
}

func TestBasic256Sha256SignAndEncryptRoundTrip(t *testing.T) {
	endpointURL := freeEndpointURL(t)
	serverCert, serverKey := generateCertificate(t, "uastack test server")
	clientCert, clientKey := generateCertificate(t, "uastack test client")

	srv := startTestServer(t, endpointURL, server.WithServerCertificate(serverCert, serverKey))
	srv.AddEndpoint(ua.SecurityPolicyURIBasic256Sha256, ua.MessageSecurityModeSignAndEncrypt)
	defer srv.Shutdown()

	ctx := context.Background()
	c, err := Dial(ctx, endpointURL,
		WithSecurityPolicyBasic256Sha256(),
		WithClientCertificate(clientCert, clientKey),
		WithServerCertificate(serverCert),
		WithTransportConfig(transport.Config{MaxChunkSize: 4096}),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Disconnect(ctx)

	// small scalar payloads
	for i := uint32(1); i <= 100; i++ {
		res, err := c.SendRequest(ctx, &ua.TestStackRequest{
			RequestHeader: ua.RequestHeader{RequestHandle: i},
			Input:         ua.NewVariant(int32(42)),
		})
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		if got := res.(*ua.TestStackResponse).Output.Value; got != int32(42) {
			t.Fatalf("request %d: got %v", i, got)
		}
	}

	// a payload larger than one chunk
	payload := make([]byte, 10000)
	for i := range payload {
		payload[i] = byte(i * 13)
	}
	res, err := c.SendRequest(ctx, &ua.TestStackRequest{Input: ua.NewVariant(payload)})
	if err != nil {
		t.Fatal(err)
	}
	echoed := res.(*ua.TestStackResponse).Output.Value.([]byte)
	if len(echoed) != len(payload) {
		t.Fatalf("echoed %d bytes", len(echoed))
	}
	for i := range payload {
		if echoed[i] != payload[i] {
			t.Fatalf("payload differs at %d", i)
		}
	}
}

func TestReconnectOnChannelLoss(t *testing.T) {
	endpointURL := freeEndpointURL(t)
	srv := startTestServer(t, endpointURL)
	defer srv.Shutdown()

	ctx := context.Background()
	c, err := Dial(ctx, endpointURL, WithSecurityPolicyNone())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Disconnect(ctx)

	if _, err := c.SendRequest(ctx, &ua.TestStackRequest{Input: ua.NewVariant(int32(1))}); err != nil {
		t.Fatal(err)
	}

	// the server force-closes the bound socket
	for _, ch := range srv.ChannelManager().All() {
		ch.Close()
	}

	// the very next request succeeds without an error surfaced
	res, err := c.SendRequest(ctx, &ua.TestStackRequest{Input: ua.NewVariant(int32(2))})
	if err != nil {
		t.Fatal(err)
	}
	if got := res.(*ua.TestStackResponse).Output.Value; got != int32(2) {
		t.Fatalf("got %v", got)
	}
}

func TestStaleChannelRetry(t *testing.T) {
	endpointURL := freeEndpointURL(t)
	srv := startTestServer(t, endpointURL)
	defer srv.Shutdown()

	ctx := context.Background()
	c, err := Dial(ctx, endpointURL, WithSecurityPolicyNone())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Disconnect(ctx)

	if _, err := c.SendRequest(ctx, &ua.TestStackRequest{Input: ua.NewVariant(int32(1))}); err != nil {
		t.Fatal(err)
	}

	// poison the in-memory channel id, then force a reconnect; the
	// bootstrap names the stale id, the server rejects it, and exactly
	// one retry with channel id zero succeeds
	ch, state := c.fsm.currentChannel()
	if state != stateConnected {
		t.Fatalf("state %v", state)
	}
	ch.channelID = math.MaxUint32
	for _, sch := range srv.ChannelManager().All() {
		sch.Close()
	}

	res, err := c.SendRequest(ctx, &ua.TestStackRequest{Input: ua.NewVariant(int32(3))})
	if err != nil {
		t.Fatal(err)
	}
	if got := res.(*ua.TestStackResponse).Output.Value; got != int32(3) {
		t.Fatalf("got %v", got)
	}
	newCh, _ := c.fsm.currentChannel()
	if newCh == nil || newCh.ChannelID() == math.MaxUint32 || newCh.ChannelID() == 0 {
		t.Fatal("expected a fresh channel id")
	}
}

func TestDisconnectCleanup(t *testing.T) {
	endpointURL := freeEndpointURL(t)
	srv := startTestServer(t, endpointURL)
	defer srv.Shutdown()

	ctx := context.Background()
	c, err := Dial(ctx, endpointURL, WithSecurityPolicyNone())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.SendRequest(ctx, &ua.TestStackRequest{Input: ua.NewVariant(int32(1))}); err != nil {
		t.Fatal(err)
	}
	if err := c.Disconnect(ctx); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(100 * time.Millisecond)
	for srv.ChannelManager().Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("%d channel(s) still registered", srv.ChannelManager().Len())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAbortPropagation(t *testing.T) {
	endpointURL := freeEndpointURL(t)
	srv := startTestServer(t, endpointURL)
	srv.AddRequestHandler(ua.TypeIDTestStackRequest, func(ch *server.SecureChannel, req ua.ServiceRequest) (ua.ServiceResponse, error) {
		r := req.(*ua.TestStackRequest)
		if r.TestID == 99 {
			return nil, &transport.MessageAborted{Code: ua.BadTimeout, Reason: "server timeout"}
		}
		return echoHandler(ch, req)
	})
	defer srv.Shutdown()

	ctx := context.Background()
	c, err := Dial(ctx, endpointURL, WithSecurityPolicyNone())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Disconnect(ctx)

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			testID := uint32(1)
			if i == 5 {
				testID = 99
			}
			_, err := c.SendRequest(ctx, &ua.TestStackRequest{
				TestID: testID,
				Input:  ua.NewVariant(int32(i)),
			})
			errs[i] = err
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if i == 5 {
			if !errors.Is(err, ua.BadTimeout) {
				t.Fatalf("aborted request: got %v", err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
}

func TestGetEndpoints(t *testing.T) {
	endpointURL := freeEndpointURL(t)
	srv := startTestServer(t, endpointURL)
	defer srv.Shutdown()

	res, err := GetEndpoints(context.Background(), endpointURL)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Endpoints) == 0 {
		t.Fatal("no endpoints")
	}
	if res.Endpoints[0].EndpointURL != endpointURL {
		t.Fatalf("endpoint url %q", res.Endpoints[0].EndpointURL)
	}
}

func TestTokenRenewalUnderLoad(t *testing.T) {
	endpointURL := freeEndpointURL(t)
	serverCert, serverKey := generateCertificate(t, "uastack test server")
	clientCert, clientKey := generateCertificate(t, "uastack test client")

	srv := startTestServer(t, endpointURL, server.WithServerCertificate(serverCert, serverKey))
	srv.AddEndpoint(ua.SecurityPolicyURIBasic256Sha256, ua.MessageSecurityModeSignAndEncrypt)
	defer srv.Shutdown()

	ctx := context.Background()
	// the shortest lifetime the server grants; the renewal window is
	// forced below rather than waited for
	c, err := Dial(ctx, endpointURL,
		WithSecurityPolicyBasic256Sha256(),
		WithClientCertificate(clientCert, clientKey),
		WithServerCertificate(serverCert),
		WithTokenLifetime(60000),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Disconnect(ctx)

	ch, _ := c.fsm.currentChannel()
	// pretend the renewal window has arrived
	ch.renewalLock.Lock()
	ch.tokenRenewalTime = time.Now().Add(-time.Second)
	ch.renewalLock.Unlock()

	for i := 0; i < 50; i++ {
		if _, err := c.SendRequest(ctx, &ua.TestStackRequest{Input: ua.NewVariant(int32(i))}); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
}
