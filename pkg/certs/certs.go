// Package certs supplies the broker's X.509 signing material: a cached
// default keypair plus per-connection keypairs used to sign outbound SAML
// requests.
package certs

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// KeyPair is a PEM-encoded self-signed certificate and its private key.
// The JSON shape matches the connection record's certs field.
type KeyPair struct {
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey"`
}

// DefaultValidity is how long generated certificates stay valid. Outbound
// SAML signing certs are long-lived; rotation happens on expiry checks, not
// on a schedule.
const DefaultValidity = 30 * 365 * 24 * time.Hour

// Generate creates a self-signed RSA certificate for the given common name.
func Generate(commonName string, validity time.Duration) (KeyPair, error) {
	if validity == 0 {
		validity = DefaultValidity
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return KeyPair{}, fmt.Errorf("failed to generate RSA key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return KeyPair{}, fmt.Errorf("failed to generate serial number: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             now.Add(-5 * time.Minute),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return KeyPair{}, fmt.Errorf("failed to create certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	return KeyPair{PublicKey: string(certPEM), PrivateKey: string(keyPEM)}, nil
}

// ParseCertificate decodes the certificate half of a KeyPair.
func ParseCertificate(publicKeyPEM string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to decode certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, nil
}

// ParsePrivateKey decodes an RSA private key in PKCS#1 or PKCS#8 form.
func ParsePrivateKey(privateKeyPEM string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(privateKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to decode private key PEM")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err == nil {
		return key, nil
	}
	pkcs8, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	rsaKey, ok := pkcs8.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}
	return rsaKey, nil
}

// Expired reports whether the certificate half of the pair is past its
// NotAfter, or cannot be parsed at all.
func Expired(pair KeyPair) bool {
	cert, err := ParseCertificate(pair.PublicKey)
	if err != nil {
		return true
	}
	return time.Now().After(cert.NotAfter)
}

// Provider hands out the broker's default signing keypair, regenerating it
// when it has expired. Concurrent regeneration attempts are collapsed into
// one via singleflight; a duplicate write would be harmless but wasted work.
type Provider struct {
	commonName string
	validity   time.Duration

	mu     sync.RWMutex
	cached *KeyPair
	group  singleflight.Group
}

// NewProvider creates a certificate provider for the given common name.
func NewProvider(commonName string) *Provider {
	return &Provider{commonName: commonName, validity: DefaultValidity}
}

// DefaultCertificate returns the cached keypair, generating a fresh one on
// first use or after expiry.
func (p *Provider) DefaultCertificate() (KeyPair, error) {
	p.mu.RLock()
	cached := p.cached
	p.mu.RUnlock()

	if cached != nil && !Expired(*cached) {
		return *cached, nil
	}

	result, err, _ := p.group.Do("default", func() (interface{}, error) {
		pair, err := Generate(p.commonName, p.validity)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.cached = &pair
		p.mu.Unlock()
		return pair, nil
	})
	if err != nil {
		return KeyPair{}, err
	}
	return result.(KeyPair), nil
}
