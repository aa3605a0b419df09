// Package tlsconf helps with configuring TLS on the server side. It
// owns the process-wide base configuration and the loading of the
// certificate and of the private key from PEM files.
package tlsconf

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/youmark/pkcs8"
)

// PassphraseEnv is the environment variable holding the passphrase
// used to decrypt an encrypted PKCS#8 private key.
const PassphraseEnv = "TLSPROXY_KEY_PASSPHRASE"

var (
	// ErrNoCertificate indicates that the certificate file does not
	// contain any PEM encoded certificate.
	ErrNoCertificate = errors.New("tlsconf: no certificate in PEM file")

	// ErrNoPrivateKey indicates that the key file does not contain
	// any PEM encoded private key.
	ErrNoPrivateKey = errors.New("tlsconf: no private key in PEM file")

	// ErrPassphraseRequired indicates that the private key is encrypted
	// and PassphraseEnv is not set.
	ErrPassphraseRequired = errors.New("tlsconf: passphrase required for encrypted private key")

	// ErrKeyMismatch indicates that the private key does not match
	// the public key contained in the certificate.
	ErrKeyMismatch = errors.New("tlsconf: private key does not match certificate public key")

	// ErrEmptyPath indicates that no path has been configured.
	ErrEmptyPath = errors.New("tlsconf: empty path")
)

var (
	initOnce   sync.Once
	baseConfig *tls.Config
)

// Init performs the process-wide TLS initialization. It is safe to
// call Init more than once and from several goroutines: only the first
// call has any effect.
func Init() {
	initOnce.Do(func() {
		baseConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	})
}

// NewContext returns a fresh copy of the process-wide configuration,
// initializing it if needed.
func NewContext() *tls.Config {
	Init()
	return baseConfig.Clone()
}

// Chain is a parsed certificate chain.
type Chain struct {
	// Certificates contains the DER encoded certificates, leaf first.
	Certificates [][]byte

	// Leaf is the parsed leaf certificate.
	Leaf *x509.Certificate
}

// LoadCertificate reads a PEM encoded certificate chain from path.
func LoadCertificate(path string) (*Chain, error) {
	if path == "" {
		return nil, ErrEmptyPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	chain := new(Chain)
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			chain.Certificates = append(chain.Certificates, block.Bytes)
		}
	}
	if len(chain.Certificates) == 0 {
		return nil, ErrNoCertificate
	}
	chain.Leaf, err = x509.ParseCertificate(chain.Certificates[0])
	if err != nil {
		return nil, err
	}
	return chain, nil
}

// LoadPrivateKey reads a PEM encoded private key from path and checks
// that it matches the public key of chain's leaf. The passphrase is
// only used for encrypted PKCS#8 keys.
func LoadPrivateKey(path string, passphrase []byte, chain *Chain) (crypto.PrivateKey, error) {
	if path == "" {
		return nil, ErrEmptyPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var block *pem.Block
	for {
		block, data = pem.Decode(data)
		if block == nil {
			return nil, ErrNoPrivateKey
		}
		if block.Type == "PRIVATE KEY" || strings.HasSuffix(block.Type, " PRIVATE KEY") {
			break
		}
	}
	key, err := parsePrivateKey(block, passphrase)
	if err != nil {
		return nil, err
	}
	if err := matches(chain.Leaf, key); err != nil {
		return nil, err
	}
	return key, nil
}

func parsePrivateKey(block *pem.Block, passphrase []byte) (crypto.PrivateKey, error) {
	switch block.Type {
	case "ENCRYPTED PRIVATE KEY":
		if len(passphrase) == 0 {
			return nil, ErrPassphraseRequired
		}
		key, _, err := pkcs8.ParsePrivateKey(block.Bytes, passphrase)
		return key, err
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		return x509.ParsePKCS8PrivateKey(block.Bytes)
	}
	return nil, fmt.Errorf("tlsconf: unsupported private key type %q", block.Type)
}

func matches(leaf *x509.Certificate, key crypto.PrivateKey) error {
	signer, ok := key.(crypto.Signer)
	if !ok {
		return fmt.Errorf("tlsconf: unsupported private key %T", key)
	}
	pub, ok := leaf.PublicKey.(interface{ Equal(crypto.PublicKey) bool })
	if !ok {
		return fmt.Errorf("tlsconf: unsupported public key %T", leaf.PublicKey)
	}
	if !pub.Equal(signer.Public()) {
		return ErrKeyMismatch
	}
	return nil
}

// UseCertificate installs the chain and the key into config.
func UseCertificate(config *tls.Config, chain *Chain, key crypto.PrivateKey) {
	config.Certificates = []tls.Certificate{{
		Certificate: chain.Certificates,
		Leaf:        chain.Leaf,
		PrivateKey:  key,
	}}
}

// Passphrase returns the passphrase from the environment, if any.
func Passphrase() []byte {
	if value, ok := os.LookupEnv(PassphraseEnv); ok {
		return []byte(value)
	}
	return nil
}
