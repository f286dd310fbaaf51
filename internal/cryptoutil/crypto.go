package cryptoutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	authorityKeyFile  = "authority.pem"
	authorityCertFile = "authority.crt"
	managerKeyFile    = "privkey.pem"
	managerCertFile   = "manager.crt"

	authorityCommonName = "x_local_authority"

	rsaKeyBits = 2048

	// Agent certificates are effectively permanent: the broker is the
	// sole issuer and revocation, not rotation, is the security lever.
	agentCertValidity = 100 * 365 * 24 * time.Hour

	authorityCertValidity = 100 * 365 * 24 * time.Hour
	managerCertValidity   = 10 * 365 * 24 * time.Hour
)

// Crypto maintains the broker's local certificate authority and the
// manager's own key pair under a single folder. All material is created
// lazily on first use.
type Crypto struct {
	folder        string
	serverHTTPURL string
	logger        *slog.Logger
	mu            sync.Mutex
}

// New returns a Crypto rooted at folder. serverHTTPURL supplies the
// hostname baked into the manager certificate.
func New(folder, serverHTTPURL string, logger *slog.Logger) *Crypto {
	return &Crypto{folder: folder, serverHTTPURL: serverHTTPURL, logger: logger}
}

// AuthorityCertPEM returns the CA certificate, creating the CA if needed.
func (c *Crypto) AuthorityCertPEM() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, certPEM, err := c.authority()
	return certPEM, err
}

// Sign issues a certificate for the given PEM-encoded CSR, signed by the
// local CA. The returned certificate carries a random 128-bit serial.
func (c *Crypto) Sign(csrPEM string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	csr, err := parseCSR(csrPEM)
	if err != nil {
		return "", err
	}
	if err := csr.CheckSignature(); err != nil {
		return "", fmt.Errorf("CSR signature invalid: %w", err)
	}

	caKey, caCert, err := c.authorityPair()
	if err != nil {
		return "", err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return "", fmt.Errorf("failed to generate serial: %w", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      csr.Subject,
		DNSNames:     csr.DNSNames,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(agentCertValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, caCert, csr.PublicKey, caKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign CSR: %w", err)
	}

	c.logger.Info("signed agent certificate",
		"common_name", csr.Subject.CommonName,
		"serial", serial.Text(16))
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})), nil
}

// GetCommonName extracts the commonName from a PEM-encoded CSR.
func (c *Crypto) GetCommonName(csrPEM string) (string, error) {
	csr, err := parseCSR(csrPEM)
	if err != nil {
		return "", err
	}
	return csr.Subject.CommonName, nil
}

// GetSerial extracts the serial, in lowercase hex, from a PEM-encoded
// certificate.
func (c *Crypto) GetSerial(certPEM string) (string, error) {
	cert, err := parseCert(certPEM)
	if err != nil {
		return "", err
	}
	return cert.SerialNumber.Text(16), nil
}

// ServerTLSCertificate returns the manager's key pair for the HTTPS
// listener, creating it on first use.
func (c *Crypto) ServerTLSCertificate() (tls.Certificate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	keyPEM, certPEM, err := c.managerPair()
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.X509KeyPair([]byte(certPEM), []byte(keyPEM))
}

// ClientCAPool returns a pool holding only the local CA, for verifying
// agent client certificates.
func (c *Crypto) ClientCAPool() (*x509.CertPool, error) {
	certPEM, err := c.AuthorityCertPEM()
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM([]byte(certPEM)) {
		return nil, fmt.Errorf("failed to load authority certificate into pool")
	}
	return pool, nil
}

// authority returns the CA key and certificate PEM, creating them if
// absent. Caller holds c.mu.
func (c *Crypto) authority() (keyPEM, certPEM string, err error) {
	keyPEM, err = c.privateKey(authorityKeyFile)
	if err != nil {
		return "", "", err
	}

	certPath := filepath.Join(c.folder, authorityCertFile)
	data, err := os.ReadFile(certPath)
	if err == nil {
		return keyPEM, string(data), nil
	}
	if !os.IsNotExist(err) {
		return "", "", fmt.Errorf("failed to read %s: %w", certPath, err)
	}

	c.logger.Info("generating local authority certificate")
	key, err := parseKey(keyPEM)
	if err != nil {
		return "", "", err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return "", "", fmt.Errorf("failed to generate serial: %w", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: authorityCommonName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(authorityCertValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return "", "", fmt.Errorf("failed to self-sign authority: %w", err)
	}
	certPEM = string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
	if err := os.WriteFile(certPath, []byte(certPEM), 0o644); err != nil {
		return "", "", fmt.Errorf("failed to write %s: %w", certPath, err)
	}
	return keyPEM, certPEM, nil
}

// authorityPair returns the parsed CA key and certificate. Caller holds c.mu.
func (c *Crypto) authorityPair() (*rsa.PrivateKey, *x509.Certificate, error) {
	keyPEM, certPEM, err := c.authority()
	if err != nil {
		return nil, nil, err
	}
	key, err := parseKey(keyPEM)
	if err != nil {
		return nil, nil, err
	}
	cert, err := parseCert(certPEM)
	if err != nil {
		return nil, nil, err
	}
	return key, cert, nil
}

// managerPair returns the manager key and certificate PEM, creating them
// (signed by the CA) if absent. Caller holds c.mu.
func (c *Crypto) managerPair() (keyPEM, certPEM string, err error) {
	keyPEM, err = c.privateKey(managerKeyFile)
	if err != nil {
		return "", "", err
	}

	certPath := filepath.Join(c.folder, managerCertFile)
	data, err := os.ReadFile(certPath)
	if err == nil {
		return keyPEM, string(data), nil
	}
	if !os.IsNotExist(err) {
		return "", "", fmt.Errorf("failed to read %s: %w", certPath, err)
	}

	hostname := "localhost"
	if u, err := url.Parse(c.serverHTTPURL); err == nil && u.Hostname() != "" {
		hostname = u.Hostname()
	}
	c.logger.Info("generating manager certificate", "hostname", hostname)

	key, err := parseKey(keyPEM)
	if err != nil {
		return "", "", err
	}
	caKey, caCert, err := c.authorityPair()
	if err != nil {
		return "", "", err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return "", "", fmt.Errorf("failed to generate serial: %w", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: hostname},
		DNSNames:     []string{hostname},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(managerCertValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, caCert, &key.PublicKey, caKey)
	if err != nil {
		return "", "", fmt.Errorf("failed to sign manager certificate: %w", err)
	}
	certPEM = string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
	if err := os.WriteFile(certPath, []byte(certPEM), 0o644); err != nil {
		return "", "", fmt.Errorf("failed to write %s: %w", certPath, err)
	}
	return keyPEM, certPEM, nil
}

// privateKey loads or creates an RSA private key file. Caller holds c.mu.
func (c *Crypto) privateKey(name string) (string, error) {
	path := filepath.Join(c.folder, name)
	data, err := os.ReadFile(path)
	if err == nil {
		return string(data), nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}

	c.logger.Info("generating private key", "file", name)
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	keyPEM := string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}))
	if err := os.WriteFile(path, []byte(keyPEM), 0o600); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return keyPEM, nil
}

func parseCSR(csrPEM string) (*x509.CertificateRequest, error) {
	block, _ := pem.Decode([]byte(csrPEM))
	if block == nil {
		return nil, fmt.Errorf("no PEM block in CSR")
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CSR: %w", err)
	}
	return csr, nil
}

func parseCert(certPEM string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(certPEM))
	if block == nil {
		return nil, fmt.Errorf("no PEM block in certificate")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, nil
}

func parseKey(keyPEM string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(keyPEM))
	if block == nil {
		return nil, fmt.Errorf("no PEM block in private key")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return key, nil
}
