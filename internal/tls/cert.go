// Package tls manages the self-signed certificate of the dispctl API and
// the fingerprint pinning its clients use instead of a CA.
package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	apperrors "github.com/dispctl/host/internal/errors"
)

// CertConfig says where the certificate lives and what it covers.
type CertConfig struct {
	// CertPath and KeyPath default to ~/.dispctl/certs/dispctl.{crt,key}.
	CertPath string
	KeyPath  string
	// Hosts are DNS names or IPs for the SAN list. Default: localhost and
	// 127.0.0.1.
	Hosts []string
	// ValidFor defaults to one year.
	ValidFor time.Duration
}

// Cert describes a certificate on disk.
type Cert struct {
	CertPath    string
	KeyPath     string
	Fingerprint string
	NotAfter    time.Time
	// Generated is true when Ensure created the files.
	Generated bool
}

// DefaultPaths returns ~/.dispctl/certs/dispctl.crt and its key.
func DefaultPaths() (certPath, keyPath string, err error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("failed to get home directory: %w", err)
	}
	dir := filepath.Join(home, ".dispctl", "certs")
	return filepath.Join(dir, "dispctl.crt"), filepath.Join(dir, "dispctl.key"), nil
}

// Ensure loads the certificate pair, generating a new one when either
// file is missing or the certificate has expired.
func Ensure(cfg CertConfig) (*Cert, error) {
	if cfg.CertPath == "" || cfg.KeyPath == "" {
		certPath, keyPath, err := DefaultPaths()
		if err != nil {
			return nil, err
		}
		if cfg.CertPath == "" {
			cfg.CertPath = certPath
		}
		if cfg.KeyPath == "" {
			cfg.KeyPath = keyPath
		}
	}

	if fileExists(cfg.CertPath) && fileExists(cfg.KeyPath) {
		c, err := Load(cfg.CertPath, cfg.KeyPath)
		if err != nil {
			return nil, err
		}
		if time.Now().Before(c.NotAfter) {
			return c, nil
		}
	}
	return Generate(cfg)
}

// Load reads an existing pair.
func Load(certPath, keyPath string) (*Cert, error) {
	pair, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeConfigLoadFailed, "failed to load certificate pair", err)
	}
	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeConfigLoadFailed, "failed to parse certificate", err)
	}
	return &Cert{
		CertPath:    certPath,
		KeyPath:     keyPath,
		Fingerprint: Fingerprint(leaf.Raw),
		NotAfter:    leaf.NotAfter,
	}, nil
}

// Generate writes a fresh P-256 self-signed pair. The key file is 0600.
func Generate(cfg CertConfig) (*Cert, error) {
	hosts := cfg.Hosts
	if len(hosts) == 0 {
		hosts = []string{"localhost", "127.0.0.1"}
	}
	validFor := cfg.ValidFor
	if validFor <= 0 {
		validFor = 365 * 24 * time.Hour
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	notBefore := time.Now().Add(-time.Minute)
	tmpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"dispctl"}, CommonName: "dispctl daemon"},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(validFor),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.CertPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create certificate directory: %w", err)
	}
	if err := writePEM(cfg.CertPath, "CERTIFICATE", der, 0644); err != nil {
		return nil, err
	}
	if err := writePEM(cfg.KeyPath, "PRIVATE KEY", keyDER, 0600); err != nil {
		return nil, err
	}

	return &Cert{
		CertPath:    cfg.CertPath,
		KeyPath:     cfg.KeyPath,
		Fingerprint: Fingerprint(der),
		NotAfter:    tmpl.NotAfter,
		Generated:   true,
	}, nil
}

func writePEM(path, blockType string, der []byte, mode os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}

// Fingerprint is the SHA-256 of a DER certificate as colon separated
// uppercase hex pairs.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	h := strings.ToUpper(hex.EncodeToString(sum[:]))
	parts := make([]string, 0, len(sum))
	for i := 0; i < len(h); i += 2 {
		parts = append(parts, h[i:i+2])
	}
	return strings.Join(parts, ":")
}

// ServerConfig loads the pair for serving.
func ServerConfig(c *Cert) (*tls.Config, error) {
	pair, err := tls.LoadX509KeyPair(c.CertPath, c.KeyPath)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeConfigLoadFailed, "failed to load certificate pair", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{pair},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// PinnedClientConfig trusts exactly the certificate with the given
// fingerprint, whatever its chain or host names.
func PinnedClientConfig(fingerprint string) *tls.Config {
	want := strings.ToUpper(strings.TrimSpace(fingerprint))
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		// Chain verification is replaced by the pin below.
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return fmt.Errorf("server presented no certificate")
			}
			if got := Fingerprint(rawCerts[0]); got != want {
				return fmt.Errorf("certificate fingerprint %s does not match pinned %s", got, want)
			}
			return nil
		},
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
