// Copyright 2021 Converter Systems LLC. All rights reserved.

package server

import (
	"crypto/rsa"

	"github.com/edgewire/uastack/transport"
	"github.com/edgewire/uastack/ua"
)

// Option is a functional option to be applied to a server during
// initialization.
type Option func(*Server) error

// WithServerCertificate sets the certificate and private key used for
// the asymmetric handshake on secured endpoints.
func WithServerCertificate(certificate []byte, privateKey *rsa.PrivateKey) Option {
	return func(srv *Server) error {
		srv.localCertificate = certificate
		srv.localPrivateKey = privateKey
		return nil
	}
}

// WithTransportConfig sets the local connection limits. (default: 64 KiB chunks, 16 MiB messages, 4096 chunks)
func WithTransportConfig(cfg transport.Config) Option {
	return func(srv *Server) error {
		srv.config = cfg
		return nil
	}
}

// WithTokenLifetime sets the lifetime granted to issued security
// tokens in milliseconds. (default: 60 min)
func WithTokenLifetime(milliseconds uint32) Option {
	return func(srv *Server) error {
		srv.tokenLifetime = milliseconds
		return nil
	}
}

// WithMessageCodec replaces the message codec, allowing additional
// message types to travel through the server's channels.
func WithMessageCodec(codec *ua.MessageCodec) Option {
	return func(srv *Server) error {
		srv.msgCodec = codec
		return nil
	}
}

// WithTrace enables per-chunk debug logging.
func WithTrace() Option {
	return func(srv *Server) error {
		srv.trace = true
		return nil
	}
}
