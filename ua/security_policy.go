// Copyright 2021 Converter Systems LLC. All rights reserved.

package ua

import (
	"crypto"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"hash"
)

// SecurityPolicyURIs
const (
	SecurityPolicyURINone                = "http://opcfoundation.org/UA/SecurityPolicy#None"
	SecurityPolicyURIBasic128Rsa15       = "http://opcfoundation.org/UA/SecurityPolicy#Basic128Rsa15"
	SecurityPolicyURIBasic256            = "http://opcfoundation.org/UA/SecurityPolicy#Basic256"
	SecurityPolicyURIBasic256Sha256      = "http://opcfoundation.org/UA/SecurityPolicy#Basic256Sha256"
	SecurityPolicyURIAes128Sha256RsaOaep = "http://opcfoundation.org/UA/SecurityPolicy#Aes128_Sha256_RsaOaep"
	SecurityPolicyURIAes256Sha256RsaPss  = "http://opcfoundation.org/UA/SecurityPolicy#Aes256_Sha256_RsaPss"
	SecurityPolicyURIBestAvailable       = ""
)

// SecurityPolicy maps a PolicyURI to the cryptographic primitives and
// sizes used to protect chunks.
type SecurityPolicy interface {
	PolicyURI() string
	RSASign(priv *rsa.PrivateKey, plainText []byte) ([]byte, error)
	RSAVerify(pub *rsa.PublicKey, plainText, signature []byte) error
	RSAEncrypt(pub *rsa.PublicKey, plainText []byte) ([]byte, error)
	RSADecrypt(priv *rsa.PrivateKey, cipherText []byte) ([]byte, error)
	SymHMACFactory(key []byte) hash.Hash
	RSAPaddingSize() int
	SymSignatureSize() int
	SymSignatureKeySize() int
	SymEncryptionBlockSize() int
	SymEncryptionKeySize() int
	NonceSize() int
}

// policyProfile implements SecurityPolicy as a table of primitives.
type policyProfile struct {
	policyURI       string
	rsaSign         func(priv *rsa.PrivateKey, plainText []byte) ([]byte, error)
	rsaVerify       func(pub *rsa.PublicKey, plainText, signature []byte) error
	rsaEncrypt      func(pub *rsa.PublicKey, plainText []byte) ([]byte, error)
	rsaDecrypt      func(priv *rsa.PrivateKey, cipherText []byte) ([]byte, error)
	hmacFactory     func(key []byte) hash.Hash
	rsaPaddingSize  int
	symSigSize      int
	symSigKeySize   int
	symBlockSize    int
	symEncKeySize   int
	nonceSize       int
}

func (p *policyProfile) PolicyURI() string { return p.policyURI }

func (p *policyProfile) RSASign(priv *rsa.PrivateKey, plainText []byte) ([]byte, error) {
	if p.rsaSign == nil {
		return nil, BadSecurityPolicyRejected
	}
	return p.rsaSign(priv, plainText)
}

func (p *policyProfile) RSAVerify(pub *rsa.PublicKey, plainText, signature []byte) error {
	if p.rsaVerify == nil {
		return BadSecurityPolicyRejected
	}
	return p.rsaVerify(pub, plainText, signature)
}

func (p *policyProfile) RSAEncrypt(pub *rsa.PublicKey, plainText []byte) ([]byte, error) {
	if p.rsaEncrypt == nil {
		return nil, BadSecurityPolicyRejected
	}
	return p.rsaEncrypt(pub, plainText)
}

func (p *policyProfile) RSADecrypt(priv *rsa.PrivateKey, cipherText []byte) ([]byte, error) {
	if p.rsaDecrypt == nil {
		return nil, BadSecurityPolicyRejected
	}
	return p.rsaDecrypt(priv, cipherText)
}

func (p *policyProfile) SymHMACFactory(key []byte) hash.Hash {
	if p.hmacFactory == nil {
		return nil
	}
	return p.hmacFactory(key)
}

func (p *policyProfile) RSAPaddingSize() int         { return p.rsaPaddingSize }
func (p *policyProfile) SymSignatureSize() int       { return p.symSigSize }
func (p *policyProfile) SymSignatureKeySize() int    { return p.symSigKeySize }
func (p *policyProfile) SymEncryptionBlockSize() int { return p.symBlockSize }
func (p *policyProfile) SymEncryptionKeySize() int   { return p.symEncKeySize }
func (p *policyProfile) NonceSize() int              { return p.nonceSize }

func rsaSignSHA1(priv *rsa.PrivateKey, plainText []byte) ([]byte, error) {
	hashed := sha1.Sum(plainText)
	return rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA1, hashed[:])
}

func rsaVerifySHA1(pub *rsa.PublicKey, plainText, signature []byte) error {
	hashed := sha1.Sum(plainText)
	return rsa.VerifyPKCS1v15(pub, crypto.SHA1, hashed[:], signature)
}

func rsaSignSHA256(priv *rsa.PrivateKey, plainText []byte) ([]byte, error) {
	hashed := sha256.Sum256(plainText)
	return rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, hashed[:])
}

func rsaVerifySHA256(pub *rsa.PublicKey, plainText, signature []byte) error {
	hashed := sha256.Sum256(plainText)
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, hashed[:], signature)
}

func rsaSignPSSSHA256(priv *rsa.PrivateKey, plainText []byte) ([]byte, error) {
	hashed := sha256.Sum256(plainText)
	return rsa.SignPSS(rand.Reader, priv, crypto.SHA256, hashed[:], &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
}

func rsaVerifyPSSSHA256(pub *rsa.PublicKey, plainText, signature []byte) error {
	hashed := sha256.Sum256(plainText)
	return rsa.VerifyPSS(pub, crypto.SHA256, hashed[:], signature, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
}

func rsaEncryptPKCS1v15(pub *rsa.PublicKey, plainText []byte) ([]byte, error) {
	return rsa.EncryptPKCS1v15(rand.Reader, pub, plainText)
}

func rsaDecryptPKCS1v15(priv *rsa.PrivateKey, cipherText []byte) ([]byte, error) {
	return rsa.DecryptPKCS1v15(rand.Reader, priv, cipherText)
}

func rsaEncryptOAEPSHA1(pub *rsa.PublicKey, plainText []byte) ([]byte, error) {
	return rsa.EncryptOAEP(sha1.New(), rand.Reader, pub, plainText, []byte{})
}

func rsaDecryptOAEPSHA1(priv *rsa.PrivateKey, cipherText []byte) ([]byte, error) {
	return rsa.DecryptOAEP(sha1.New(), rand.Reader, priv, cipherText, []byte{})
}

func rsaEncryptOAEPSHA256(pub *rsa.PublicKey, plainText []byte) ([]byte, error) {
	return rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, plainText, []byte{})
}

func rsaDecryptOAEPSHA256(priv *rsa.PrivateKey, cipherText []byte) ([]byte, error) {
	return rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, cipherText, []byte{})
}

func hmacSHA1(key []byte) hash.Hash   { return hmac.New(sha1.New, key) }
func hmacSHA256(key []byte) hash.Hash { return hmac.New(sha256.New, key) }

var (
	policyNone = &policyProfile{
		policyURI:    SecurityPolicyURINone,
		symBlockSize: 1,
	}
	policyBasic128Rsa15 = &policyProfile{
		policyURI:      SecurityPolicyURIBasic128Rsa15,
		rsaSign:        rsaSignSHA1,
		rsaVerify:      rsaVerifySHA1,
		rsaEncrypt:     rsaEncryptPKCS1v15,
		rsaDecrypt:     rsaDecryptPKCS1v15,
		hmacFactory:    hmacSHA1,
		rsaPaddingSize: 11,
		symSigSize:     20,
		symSigKeySize:  16,
		symBlockSize:   16,
		symEncKeySize:  16,
		nonceSize:      16,
	}
	policyBasic256 = &policyProfile{
		policyURI:      SecurityPolicyURIBasic256,
		rsaSign:        rsaSignSHA1,
		rsaVerify:      rsaVerifySHA1,
		rsaEncrypt:     rsaEncryptOAEPSHA1,
		rsaDecrypt:     rsaDecryptOAEPSHA1,
		hmacFactory:    hmacSHA1,
		rsaPaddingSize: 42,
		symSigSize:     20,
		symSigKeySize:  24,
		symBlockSize:   16,
		symEncKeySize:  32,
		nonceSize:      32,
	}
	policyBasic256Sha256 = &policyProfile{
		policyURI:      SecurityPolicyURIBasic256Sha256,
		rsaSign:        rsaSignSHA256,
		rsaVerify:      rsaVerifySHA256,
		rsaEncrypt:     rsaEncryptOAEPSHA1,
		rsaDecrypt:     rsaDecryptOAEPSHA1,
		hmacFactory:    hmacSHA256,
		rsaPaddingSize: 42,
		symSigSize:     32,
		symSigKeySize:  32,
		symBlockSize:   16,
		symEncKeySize:  32,
		nonceSize:      32,
	}
	policyAes128Sha256RsaOaep = &policyProfile{
		policyURI:      SecurityPolicyURIAes128Sha256RsaOaep,
		rsaSign:        rsaSignSHA256,
		rsaVerify:      rsaVerifySHA256,
		rsaEncrypt:     rsaEncryptOAEPSHA1,
		rsaDecrypt:     rsaDecryptOAEPSHA1,
		hmacFactory:    hmacSHA256,
		rsaPaddingSize: 42,
		symSigSize:     32,
		symSigKeySize:  32,
		symBlockSize:   16,
		symEncKeySize:  16,
		nonceSize:      32,
	}
	policyAes256Sha256RsaPss = &policyProfile{
		policyURI:      SecurityPolicyURIAes256Sha256RsaPss,
		rsaSign:        rsaSignPSSSHA256,
		rsaVerify:      rsaVerifyPSSSHA256,
		rsaEncrypt:     rsaEncryptOAEPSHA256,
		rsaDecrypt:     rsaDecryptOAEPSHA256,
		hmacFactory:    hmacSHA256,
		rsaPaddingSize: 66,
		symSigSize:     32,
		symSigKeySize:  32,
		symBlockSize:   16,
		symEncKeySize:  32,
		nonceSize:      32,
	}
)

// SelectSecurityPolicy returns the SecurityPolicy for the given URI.
func SelectSecurityPolicy(policyURI string) (SecurityPolicy, error) {
	switch policyURI {
	case SecurityPolicyURINone:
		return policyNone, nil
	case SecurityPolicyURIBasic128Rsa15:
		return policyBasic128Rsa15, nil
	case SecurityPolicyURIBasic256:
		return policyBasic256, nil
	case SecurityPolicyURIBasic256Sha256:
		return policyBasic256Sha256, nil
	case SecurityPolicyURIAes128Sha256RsaOaep:
		return policyAes128Sha256RsaOaep, nil
	case SecurityPolicyURIAes256Sha256RsaPss:
		return policyAes256Sha256RsaPss, nil
	default:
		return nil, BadSecurityPolicyRejected
	}
}

// CalculatePSHA derives sizeBytes of keying material from secret and
// seed using the pseudo random function of the given policy.
func CalculatePSHA(secret, seed []byte, sizeBytes int, securityPolicyURI string) []byte {
	var mac hash.Hash
	switch securityPolicyURI {
	case SecurityPolicyURIBasic128Rsa15, SecurityPolicyURIBasic256:
		mac = hmac.New(sha1.New, secret)
	default:
		mac = hmac.New(sha256.New, secret)
	}
	size := mac.Size()
	output := make([]byte, sizeBytes)
	a := seed
	iterations := (sizeBytes + size - 1) / size
	for i := 0; i < iterations; i++ {
		mac.Reset()
		mac.Write(a)
		a = mac.Sum(nil)
		mac.Reset()
		mac.Write(a)
		mac.Write(seed)
		buf := mac.Sum(nil)
		m := size * i
		n := sizeBytes - m
		if n > size {
			n = size
		}
		copy(output[m:m+n], buf)
	}
	return output
}
