package inspector

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// DefaultCertCacheSize bounds the number of leaf certificates kept in
// memory.
const DefaultCertCacheSize = 1024

// DefaultCertOrganization is the subject organization of generated leaf
// certificates.
const DefaultCertOrganization = "Inspector Proxy"

// CertManager signs per-host leaf certificates with a local CA for TLS
// interception.
type CertManager struct {
	// Organization is written into leaf certificate subjects.
	Organization string

	// Metrics, if set, records cache hits, misses and size.
	Metrics *Metrics

	caCert *x509.Certificate
	caKey  *rsa.PrivateKey

	cache *lru.Cache[string, *tls.Certificate]
	group singleflight.Group
}

// NewCertManager creates a CertManager from CA certificate and key files.
func NewCertManager(caCertPath, caKeyPath string) (*CertManager, error) {
	caCertPEM, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("read CA cert: %w", err)
	}

	caKeyPEM, err := os.ReadFile(caKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read CA key: %w", err)
	}

	return NewCertManagerFromPEM(caCertPEM, caKeyPEM)
}

// NewCertManagerFromPEM creates a CertManager from PEM-encoded CA cert and key.
func NewCertManagerFromPEM(caCertPEM, caKeyPEM []byte) (*CertManager, error) {
	certBlock, _ := pem.Decode(caCertPEM)
	if certBlock == nil {
		return nil, errors.New("failed to decode CA certificate PEM")
	}

	caCert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse CA cert: %w", err)
	}
	if !caCert.IsCA {
		return nil, errors.New("certificate is not a CA")
	}

	keyBlock, _ := pem.Decode(caKeyPEM)
	if keyBlock == nil {
		return nil, errors.New("failed to decode CA key PEM")
	}

	caKey, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		key, err2 := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
		if err2 != nil {
			return nil, fmt.Errorf("parse CA key: %w (also tried PKCS8: %v)", err, err2)
		}
		var ok bool
		caKey, ok = key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("CA key is not RSA")
		}
	}

	cm := &CertManager{
		Organization: DefaultCertOrganization,
		caCert:       caCert,
		caKey:        caKey,
	}
	if err := cm.SetCacheSize(DefaultCertCacheSize); err != nil {
		return nil, err
	}
	return cm, nil
}

// SetCacheSize replaces the certificate cache with an empty one of the
// given size. Call it before serving traffic.
func (cm *CertManager) SetCacheSize(size int) error {
	cache, err := lru.New[string, *tls.Certificate](size)
	if err != nil {
		return fmt.Errorf("create cert cache: %w", err)
	}
	cm.cache = cache
	return nil
}

// CacheLen returns the number of cached certificates.
func (cm *CertManager) CacheLen() int {
	return cm.cache.Len()
}

// CACertificate returns the CA certificate.
func (cm *CertManager) CACertificate() *x509.Certificate {
	return cm.caCert
}

// GetCertificate returns a certificate for the ClientHello's SNI. It is
// suitable for use as tls.Config.GetCertificate.
func (cm *CertManager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if hello.ServerName == "" {
		return nil, errors.New("no SNI provided")
	}
	return cm.GetCertificateForHost(hello.ServerName)
}

// GetCertificateForHost returns a certificate for host, generating and
// caching one if needed. Concurrent requests for the same host share one
// generation.
func (cm *CertManager) GetCertificateForHost(host string) (*tls.Certificate, error) {
	host = strings.ToLower(host)

	if cert, ok := cm.cache.Get(host); ok {
		if cm.Metrics != nil {
			cm.Metrics.RecordCertCacheHit()
		}
		return cert, nil
	}
	if cm.Metrics != nil {
		cm.Metrics.RecordCertCacheMiss()
	}

	v, err, _ := cm.group.Do(host, func() (any, error) {
		if cert, ok := cm.cache.Get(host); ok {
			return cert, nil
		}
		cert, err := cm.generateCert(host)
		if err != nil {
			return nil, err
		}
		cm.cache.Add(host, cert)
		if cm.Metrics != nil {
			cm.Metrics.SetCertCacheSize(cm.cache.Len())
		}
		return cert, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*tls.Certificate), nil
}

func (cm *CertManager) generateCert(host string) (*tls.Certificate, error) {
	privKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	org := cm.Organization
	if org == "" {
		org = DefaultCertOrganization
	}

	notAfter := time.Now().Add(365 * 24 * time.Hour)
	if notAfter.After(cm.caCert.NotAfter) {
		notAfter = cm.caCert.NotAfter
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   host,
			Organization: []string{org},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, cm.caCert, &privKey.PublicKey, cm.caKey)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}

	leaf, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{certDER, cm.caCert.Raw},
		PrivateKey:  privKey,
		Leaf:        leaf,
	}, nil
}

// GenerateCA generates a new CA certificate and private key.
// Returns PEM-encoded certificate and key.
func GenerateCA(org string, validYears int) (certPEM, keyPEM []byte, err error) {
	if validYears <= 0 {
		return nil, nil, fmt.Errorf("validity must be positive, got %d years", validYears)
	}

	privKey, err := rsa.GenerateKey(rand.Reader, 4096)
	if err != nil {
		return nil, nil, fmt.Errorf("generate CA key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("generate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   org + " Root CA",
			Organization: []string{org},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(validYears, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &privKey.PublicKey, privKey)
	if err != nil {
		return nil, nil, fmt.Errorf("create CA certificate: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(privKey)})

	return certPEM, keyPEM, nil
}
