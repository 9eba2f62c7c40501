// Copyright 2021 Converter Systems LLC. All rights reserved.

package client

import (
	"crypto/rsa"

	"github.com/edgewire/uastack/transport"
	"github.com/edgewire/uastack/ua"
)

// Option is a functional option to be applied to a client during
// initialization.
type Option func(*Client) error

// WithSecurityPolicyNone selects an unsecured channel. (default: select most secure endpoint)
func WithSecurityPolicyNone() Option {
	return func(c *Client) error {
		c.securityPolicyURI = ua.SecurityPolicyURINone
		c.securityMode = ua.MessageSecurityModeNone
		return nil
	}
}

// WithSecurityPolicyBasic128Rsa15 selects security policy Basic128Rsa15. (default: select most secure endpoint)
func WithSecurityPolicyBasic128Rsa15() Option {
	return func(c *Client) error {
		c.securityPolicyURI = ua.SecurityPolicyURIBasic128Rsa15
		return nil
	}
}

// WithSecurityPolicyBasic256 selects security policy Basic256. (default: select most secure endpoint)
func WithSecurityPolicyBasic256() Option {
	return func(c *Client) error {
		c.securityPolicyURI = ua.SecurityPolicyURIBasic256
		return nil
	}
}

// WithSecurityPolicyBasic256Sha256 selects security policy Basic256Sha256. (default: select most secure endpoint)
func WithSecurityPolicyBasic256Sha256() Option {
	return func(c *Client) error {
		c.securityPolicyURI = ua.SecurityPolicyURIBasic256Sha256
		return nil
	}
}

// WithSecurityPolicyAes128Sha256RsaOaep selects security policy Aes128Sha256RsaOaep. (default: select most secure endpoint)
func WithSecurityPolicyAes128Sha256RsaOaep() Option {
	return func(c *Client) error {
		c.securityPolicyURI = ua.SecurityPolicyURIAes128Sha256RsaOaep
		return nil
	}
}

// WithSecurityPolicyAes256Sha256RsaPss selects security policy Aes256Sha256RsaPss. (default: select most secure endpoint)
func WithSecurityPolicyAes256Sha256RsaPss() Option {
	return func(c *Client) error {
		c.securityPolicyURI = ua.SecurityPolicyURIAes256Sha256RsaPss
		return nil
	}
}

// WithSecurityMode overrides the message security mode. (default: SignAndEncrypt for secured policies)
func WithSecurityMode(mode ua.MessageSecurityMode) Option {
	return func(c *Client) error {
		c.securityMode = mode
		return nil
	}
}

// WithClientCertificate sets the certificate and private key used for
// the asymmetric handshake.
func WithClientCertificate(certificate []byte, privateKey *rsa.PrivateKey) Option {
	return func(c *Client) error {
		c.localCertificate = certificate
		c.localPrivateKey = privateKey
		return nil
	}
}

// WithServerCertificate pins the server certificate used to encrypt the
// handshake. (default: taken from the selected endpoint)
func WithServerCertificate(certificate []byte) Option {
	return func(c *Client) error {
		c.serverCertificate = certificate
		return nil
	}
}

// WithTransportConfig sets the local connection limits. (default: 64 KiB chunks, 16 MiB messages, 4096 chunks)
func WithTransportConfig(cfg transport.Config) Option {
	return func(c *Client) error {
		c.config = cfg
		return nil
	}
}

// WithConnectTimeout sets the number of milliseconds to wait for the
// connection response. (default: 5000)
func WithConnectTimeout(milliseconds int64) Option {
	return func(c *Client) error {
		c.connectTimeout = milliseconds
		return nil
	}
}

// WithTokenLifetime sets the requested security token lifetime in
// milliseconds. (default: 60 min)
func WithTokenLifetime(milliseconds uint32) Option {
	return func(c *Client) error {
		c.tokenLifetime = milliseconds
		return nil
	}
}

// WithMessageCodec replaces the message codec, allowing additional
// message types to travel through the channel.
func WithMessageCodec(codec *ua.MessageCodec) Option {
	return func(c *Client) error {
		c.msgCodec = codec
		return nil
	}
}
