// Package ca implements the Certificate Authority (component B): a single
// self-signed root that issues, validates and revokes per-device leaf
// certificates (§4.2). Unlike the rest of the core, this package has no
// teacher precedent to adapt from — the reference pack's only certificate
// handling is TLS client config, not issuance — so it is built directly on
// crypto/x509 and crypto/rsa, justified in the project's design notes.
package ca

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/meridian-iot/policycore/internal/core/domain"
	"github.com/meridian-iot/policycore/internal/core/ports"
)

const (
	rootKeyBits = 2048
	leafKeyBits = 2048
	leafLifetime = 365 * 24 * time.Hour
)

// Authority issues device certificates under a self-signed root persisted
// as PEM files in dir. It implements ports.CertificateAuthority.
type Authority struct {
	dir   string
	store ports.IdentityStore

	mu         sync.Mutex
	rootCert   *x509.Certificate
	rootKey    *rsa.PrivateKey
	nextSerial int64
}

// New builds an Authority that persists its root under dir.
func New(dir string, store ports.IdentityStore) *Authority {
	return &Authority{dir: dir, store: store, nextSerial: 1}
}

// InitOrLoadRoot loads an existing root from disk, or generates and
// persists a new self-signed one if none is present.
func (a *Authority) InitOrLoadRoot(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	certPath := filepath.Join(a.dir, "root.crt")
	keyPath := filepath.Join(a.dir, "root.key")

	if certBytes, err := os.ReadFile(certPath); err == nil {
		keyBytes, err := os.ReadFile(keyPath)
		if err != nil {
			return &domain.ConfigError{Key: "ca_dir", Reason: fmt.Sprintf("root cert present without key: %v", err)}
		}
		cert, key, err := decodeRoot(certBytes, keyBytes)
		if err != nil {
			return &domain.ConfigError{Key: "ca_dir", Reason: err.Error()}
		}
		a.rootCert = cert
		a.rootKey = key
		return nil
	}

	if err := os.MkdirAll(a.dir, 0o700); err != nil {
		return &domain.ConfigError{Key: "ca_dir", Reason: err.Error()}
	}
	key, err := rsa.GenerateKey(rand.Reader, rootKeyBits)
	if err != nil {
		return fmt.Errorf("generate root key: %w", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "policycore root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("create root cert: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("parse root cert: %w", err)
	}
	if err := writeRoot(certPath, keyPath, der, key); err != nil {
		return fmt.Errorf("persist root: %w", err)
	}
	a.rootCert = cert
	a.rootKey = key
	return nil
}

// Issue generates a fresh leaf key pair and certificate for a device,
// signed by the root (§4.2, onboarding approval).
func (a *Authority) Issue(ctx context.Context, deviceID, mac string) (domain.Certificate, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.rootCert == nil {
		return domain.Certificate{}, fmt.Errorf("ca: root not initialized")
	}

	key, err := rsa.GenerateKey(rand.Reader, leafKeyBits)
	if err != nil {
		return domain.Certificate{}, fmt.Errorf("generate leaf key: %w", err)
	}

	serial := a.nextSerial
	a.nextSerial++
	notBefore := time.Now().Add(-time.Minute)
	notAfter := notBefore.Add(leafLifetime)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: deviceID},
		DNSNames:     []string{deviceID},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, a.rootCert, &key.PublicKey, a.rootKey)
	if err != nil {
		return domain.Certificate{}, fmt.Errorf("create leaf cert: %w", err)
	}
	if err := a.persistLeaf(deviceID, der, key); err != nil {
		return domain.Certificate{}, fmt.Errorf("persist leaf cert: %w", err)
	}

	cert := domain.Certificate{
		SerialNumber: serial2hex(serial),
		DeviceID:     deviceID,
		MAC:          mac,
		NotBefore:    notBefore,
		NotAfter:     notAfter,
	}
	if err := a.store.PutCertificate(ctx, cert); err != nil {
		return domain.Certificate{}, err
	}
	return cert, nil
}

// Validate checks a device's current certificate against the root and
// against the Identity Store's revocation state (§4.2).
func (a *Authority) Validate(ctx context.Context, deviceID string) domain.ValidationResult {
	cert, err := a.store.GetCertificate(ctx, deviceID)
	if err != nil {
		return domain.ValidationResult{Valid: false, Reason: domain.ReasonUnknownIssuer}
	}
	leafPEM, err := os.ReadFile(filepath.Join(a.dir, "leaves", deviceID+".crt"))
	if err != nil {
		return domain.ValidationResult{Valid: false, Reason: domain.ReasonUnknownIssuer}
	}
	block, _ := pem.Decode(leafPEM)
	if block == nil {
		return domain.ValidationResult{Valid: false, Reason: domain.ReasonUnknownIssuer}
	}
	leaf, err := x509.ParseCertificate(block.Bytes)
	a.mu.Lock()
	root := a.rootCert
	a.mu.Unlock()
	if err != nil || root == nil || leaf.CheckSignatureFrom(root) != nil {
		return domain.ValidationResult{Valid: false, Reason: domain.ReasonUnknownIssuer}
	}
	if cert.Revoked {
		return domain.ValidationResult{Valid: false, Reason: domain.ReasonRevoked}
	}
	now := time.Now()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return domain.ValidationResult{Valid: false, Reason: domain.ReasonExpiredCert}
	}
	if device, err := a.store.GetDevice(ctx, deviceID); err == nil && device.MAC != cert.MAC {
		return domain.ValidationResult{Valid: false, Reason: domain.ReasonSubjectMismatch}
	}
	return domain.ValidationResult{Valid: true}
}

// Revoke marks a device's certificate as revoked (§4.2); the certificate
// remains on disk for audit but Validate will reject it from this point on.
func (a *Authority) Revoke(ctx context.Context, deviceID, reason string) error {
	return a.store.RevokeCertificate(ctx, deviceID, reason)
}

func (a *Authority) persistLeaf(deviceID string, der []byte, key *rsa.PrivateKey) error {
	leafDir := filepath.Join(a.dir, "leaves")
	if err := os.MkdirAll(leafDir, 0o700); err != nil {
		return err
	}
	certOut := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyOut := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(filepath.Join(leafDir, deviceID+".crt"), certOut, 0o600); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(leafDir, deviceID+".key"), keyOut, 0o600)
}

func writeRoot(certPath, keyPath string, der []byte, key *rsa.PrivateKey) error {
	certOut := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyOut := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(certPath, certOut, 0o600); err != nil {
		return err
	}
	return os.WriteFile(keyPath, keyOut, 0o600)
}

func decodeRoot(certBytes, keyBytes []byte) (*x509.Certificate, *rsa.PrivateKey, error) {
	certBlock, _ := pem.Decode(certBytes)
	if certBlock == nil {
		return nil, nil, fmt.Errorf("invalid root certificate PEM")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, nil, err
	}
	keyBlock, _ := pem.Decode(keyBytes)
	if keyBlock == nil {
		return nil, nil, fmt.Errorf("invalid root key PEM")
	}
	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, nil, err
	}
	return cert, key, nil
}

func serial2hex(serial int64) string {
	return fmt.Sprintf("%016x", serial)
}
