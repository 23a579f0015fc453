package certs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	pair, err := Generate("broker.example.com", 0)
	require.NoError(t, err)

	cert, err := ParseCertificate(pair.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, "broker.example.com", cert.Subject.CommonName)
	assert.True(t, cert.NotAfter.After(time.Now().Add(365*24*time.Hour)))

	key, err := ParsePrivateKey(pair.PrivateKey)
	require.NoError(t, err)
	assert.NotNil(t, key)

	assert.False(t, Expired(pair))
}

func TestGenerateShortValidity(t *testing.T) {
	pair, err := Generate("broker.example.com", time.Minute)
	require.NoError(t, err)

	cert, err := ParseCertificate(pair.PublicKey)
	require.NoError(t, err)
	assert.True(t, cert.NotAfter.Before(time.Now().Add(2*time.Minute)))
}

func TestExpiredMalformed(t *testing.T) {
	assert.True(t, Expired(KeyPair{PublicKey: "not a pem"}))
}

func TestProviderCachesKeypair(t *testing.T) {
	p := NewProvider("broker.example.com")

	first, err := p.DefaultCertificate()
	require.NoError(t, err)

	second, err := p.DefaultCertificate()
	require.NoError(t, err)
	assert.Equal(t, first.PublicKey, second.PublicKey, "expected cached keypair to be reused")
}

func TestProviderRegeneratesExpired(t *testing.T) {
	p := NewProvider("broker.example.com")
	p.validity = -time.Hour // generated cert is already past NotAfter

	first, err := p.DefaultCertificate()
	require.NoError(t, err)

	p.validity = DefaultValidity
	second, err := p.DefaultCertificate()
	require.NoError(t, err)
	assert.NotEqual(t, first.PublicKey, second.PublicKey, "expected expired keypair to be replaced")
}
