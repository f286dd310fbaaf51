package cryptoutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func makeCSR(t *testing.T, commonName string) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: commonName},
		DNSNames: []string{commonName},
	}, key)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}))
}

func TestAuthorityCreatedLazily(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, "https://cm.example.com/", testLogger())

	certPEM, err := c.AuthorityCertPEM()
	require.NoError(t, err)
	assert.Contains(t, certPEM, "BEGIN CERTIFICATE")

	// Files exist and a second instance reuses them byte for byte.
	_, err = os.Stat(filepath.Join(dir, "authority.pem"))
	require.NoError(t, err)
	again, err := New(dir, "https://cm.example.com/", testLogger()).AuthorityCertPEM()
	require.NoError(t, err)
	assert.Equal(t, certPEM, again)
}

func TestSignAndInspect(t *testing.T) {
	c := New(t.TempDir(), "https://cm.example.com/", testLogger())
	csrPEM := makeCSR(t, "oss01.example.com")

	cn, err := c.GetCommonName(csrPEM)
	require.NoError(t, err)
	assert.Equal(t, "oss01.example.com", cn)

	certPEM, err := c.Sign(csrPEM)
	require.NoError(t, err)

	serial, err := c.GetSerial(certPEM)
	require.NoError(t, err)
	assert.NotEmpty(t, serial)

	// The issued certificate chains to the local authority.
	caPool, err := c.ClientCAPool()
	require.NoError(t, err)
	block, _ := pem.Decode([]byte(certPEM))
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	_, err = cert.Verify(x509.VerifyOptions{
		Roots:     caPool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	assert.NoError(t, err)
	assert.Equal(t, "oss01.example.com", cert.Subject.CommonName)
}

func TestSignDistinctSerials(t *testing.T) {
	c := New(t.TempDir(), "https://cm.example.com/", testLogger())
	csrPEM := makeCSR(t, "mds01.example.com")

	first, err := c.Sign(csrPEM)
	require.NoError(t, err)
	second, err := c.Sign(csrPEM)
	require.NoError(t, err)

	s1, err := c.GetSerial(first)
	require.NoError(t, err)
	s2, err := c.GetSerial(second)
	require.NoError(t, err)
	assert.NotEqual(t, s1, s2)
}

func TestSignRejectsGarbage(t *testing.T) {
	c := New(t.TempDir(), "https://cm.example.com/", testLogger())
	_, err := c.Sign("not a csr")
	assert.Error(t, err)
	_, err = c.GetSerial("not a cert")
	assert.Error(t, err)
}

func TestServerTLSCertificate(t *testing.T) {
	c := New(t.TempDir(), "https://cm.example.com/", testLogger())
	cert, err := c.ServerTLSCertificate()
	require.NoError(t, err)
	require.NotEmpty(t, cert.Certificate)

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, "cm.example.com", leaf.Subject.CommonName)
	assert.Contains(t, leaf.DNSNames, "cm.example.com")
}
