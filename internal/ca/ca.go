// Package ca provides the embedded issuing authority and the policy checks
// applied to certificate requests before signing.
package ca

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/certrelay/certrelay/internal/config"
	"github.com/certrelay/certrelay/internal/storage"
)

var logger *zap.Logger

func init() {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize zap logger: %v", err))
	}
	logger = l.With(zap.String("package", "ca"))
}

// Service is the embedded issuer. Key material is persisted in storage so
// every instance of the server signs with the same CA.
type Service struct {
	cfg    *config.Config
	store  storage.Storage
	caCert *x509.Certificate
	caKey  *ecdsa.PrivateKey
}

// NewService loads the CA key and certificate from storage, generating and
// persisting a fresh self-signed CA on first run.
func NewService(ctx context.Context, cfg *config.Config, store storage.Storage) (*Service, error) {
	s := &Service{cfg: cfg, store: store}

	keyBytes, err := store.GetCAPrivateKey(ctx)
	if err != nil {
		return nil, err
	}
	certBytes, err := store.GetCACertificate(ctx)
	if err != nil {
		return nil, err
	}

	if keyBytes != nil && certBytes != nil {
		key, err := x509.ParseECPrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("ca: failed to parse stored CA private key: %w", err)
		}
		cert, err := x509.ParseCertificate(certBytes)
		if err != nil {
			return nil, fmt.Errorf("ca: failed to parse stored CA certificate: %w", err)
		}
		s.caKey = key
		s.caCert = cert
		logger.Info("Loaded CA from storage", zap.String("subject", cert.Subject.String()), zap.Time("notAfter", cert.NotAfter))
		return s, nil
	}

	if err := s.bootstrap(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// bootstrap generates the CA key pair and self-signed certificate and
// persists both.
func (s *Service) bootstrap(ctx context.Context) error {
	logger.Info("No CA found in storage, generating a new one")

	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return fmt.Errorf("ca: failed to generate CA key: %w", err)
	}
	serial, err := newSerialNumber()
	if err != nil {
		return err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   s.cfg.CommonName,
			Organization: []string{s.cfg.Organization},
			Country:      []string{s.cfg.Country},
		},
		NotBefore:             now,
		NotAfter:              now.AddDate(s.cfg.CACertValidityYears, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("ca: failed to create CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("ca: failed to parse generated CA certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("ca: failed to marshal CA private key: %w", err)
	}

	err = s.store.WithinTransaction(ctx, func(ctx context.Context, tx storage.Storage) error {
		if err := tx.SaveCAPrivateKey(ctx, keyDER); err != nil {
			return err
		}
		return tx.SaveCACertificate(ctx, certDER)
	})
	if err != nil {
		return err
	}

	s.caKey = key
	s.caCert = cert
	logger.Info("Generated new CA", zap.String("subject", cert.Subject.String()), zap.Time("notAfter", cert.NotAfter))
	return nil
}

// Issue signs a certificate for an already-validated request. Identifier
// authorization has been enforced upstream; only key policy is checked here.
func (s *Service) Issue(ctx context.Context, csr *x509.CertificateRequest) (string, string, error) {
	if err := s.checkPublicKey(csr.PublicKey); err != nil {
		return "", "", err
	}

	serial, err := newSerialNumber()
	if err != nil {
		return "", "", err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               csr.Subject,
		DNSNames:              csr.DNSNames,
		NotBefore:             now.Add(-5 * time.Minute),
		NotAfter:              now.AddDate(0, 0, s.cfg.DefaultCertValidityDays),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	if len(template.DNSNames) == 0 && csr.Subject.CommonName != "" {
		template.DNSNames = []string{csr.Subject.CommonName}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, s.caCert, csr.PublicKey, s.caKey)
	if err != nil {
		return "", "", fmt.Errorf("ca: failed to sign certificate: %w", err)
	}

	certPEM := encodePEM("CERTIFICATE", certDER)
	chainPEM := encodePEM("CERTIFICATE", s.caCert.Raw)

	select {
	case <-ctx.Done():
		return "", "", ctx.Err()
	default:
	}

	logger.Info("Certificate signed", zap.String("serial", fmt.Sprintf("%x", serial)), zap.Strings("dnsNames", template.DNSNames))
	return certPEM, chainPEM, nil
}

// CACertificatePEM returns the issuing certificate in PEM form.
func (s *Service) CACertificatePEM() string {
	return encodePEM("CERTIFICATE", s.caCert.Raw)
}

// checkPublicKey enforces the subscriber key policy: RSA keys at or above
// the configured minimum size, ECDSA keys on an allowed curve.
func (s *Service) checkPublicKey(pub interface{}) error {
	switch key := pub.(type) {
	case *rsa.PublicKey:
		if key.N.BitLen() < s.cfg.MinRSASize {
			return fmt.Errorf("ca: RSA key size %d is below the minimum %d", key.N.BitLen(), s.cfg.MinRSASize)
		}
		return nil
	case *ecdsa.PublicKey:
		name := key.Curve.Params().Name
		for _, allowed := range s.cfg.AllowedECDSACurves {
			if name == allowed {
				return nil
			}
		}
		return fmt.Errorf("ca: ECDSA curve %q is not allowed", name)
	default:
		return fmt.Errorf("ca: unsupported public key type %T", pub)
	}
}

// EnsureHTTPSCertificates writes a server key pair for the front door when
// the configured files do not exist yet, signed by the embedded CA. The
// certificate covers localhost and the loopback addresses so a fresh
// deployment can start serving TLS before real certificates are installed.
func (s *Service) EnsureHTTPSCertificates(certFile, keyFile string) error {
	if fileExists(certFile) && fileExists(keyFile) {
		return nil
	}
	logger.Info("Generating HTTPS certificate for the front door", zap.String("certFile", certFile))

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("ca: failed to generate HTTPS key: %w", err)
	}
	serial, err := newSerialNumber()
	if err != nil {
		return err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "localhost", Organization: []string{s.cfg.Organization}},
		NotBefore:    now,
		NotAfter:     now.AddDate(1, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, s.caCert, &key.PublicKey, s.caKey)
	if err != nil {
		return fmt.Errorf("ca: failed to sign HTTPS certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("ca: failed to marshal HTTPS key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(certFile), 0o755); err != nil {
		return fmt.Errorf("ca: failed to create directory for HTTPS certificate: %w", err)
	}
	if err := os.WriteFile(certFile, []byte(encodePEM("CERTIFICATE", certDER)), 0o644); err != nil {
		return fmt.Errorf("ca: failed to write HTTPS certificate: %w", err)
	}
	if err := os.WriteFile(keyFile, []byte(encodePEM("EC PRIVATE KEY", keyDER)), 0o600); err != nil {
		return fmt.Errorf("ca: failed to write HTTPS key: %w", err)
	}
	return nil
}

// newSerialNumber generates a 128-bit random serial.
func newSerialNumber() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("ca: failed to generate serial number: %w", err)
	}
	return serial, nil
}

func encodePEM(blockType string, der []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der}))
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
