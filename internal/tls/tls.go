// Package tls builds the server-side TLS configuration of the status server,
// optionally generating a self-signed certificate on first use.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	caCrtName = "tls_ca.crt"
	crtName   = "tls.crt"
	keyName   = "tls.key"
)

// Config selects where the certificate comes from. CertFile and KeyFile win
// over Dir; Dir holds tls.crt and tls.key, generated when AutoGenerate is set
// and they are missing.
type Config struct {
	Enabled      bool
	CertFile     string
	KeyFile      string
	Dir          string
	AutoGenerate bool
	// Hosts are the DNS names and IP addresses of a generated certificate.
	Hosts      []string
	ValidDays  int
	MinVersion string
}

// parseVersion maps "1.2" or "1.3" to the crypto/tls constant.
func parseVersion(ver string) (uint16, error) {
	switch strings.TrimPrefix(strings.ToLower(ver), "tls") {
	case "", "default", "1.3":
		return tls.VersionTLS13, nil
	case "1.2":
		return tls.VersionTLS12, nil
	}
	return 0, fmt.Errorf("unsupported TLS version %q", ver)
}

// Setup returns the server TLS config, or nil when TLS is disabled.
func Setup(c Config) (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	minVer, err := parseVersion(c.MinVersion)
	if err != nil {
		return nil, err
	}

	certPath, keyPath := c.CertFile, c.KeyFile
	switch {
	case certPath != "" && keyPath != "":
	case c.Dir != "":
		certPath, keyPath = filepath.Join(c.Dir, crtName), filepath.Join(c.Dir, keyName)
		if c.AutoGenerate && !exists(certPath, keyPath) {
			if err := generate(c); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
	default:
		return nil, errors.New("TLS enabled but no certificate configured")
	}
	if !exists(certPath, keyPath) {
		return nil, fmt.Errorf("certificate %s or key %s not found", certPath, keyPath)
	}

	// #nosec G402 min version is configurable down to 1.2 only
	return &tls.Config{
		GetCertificate: loader(certPath, keyPath),
		MinVersion:     minVer,
	}, nil
}

// loader rereads the pair on every handshake so renewed files apply without a
// restart.
func loader(certPath, keyPath string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		crt, err := os.ReadFile(filepath.Clean(certPath))
		if err != nil {
			return nil, err
		}
		key, err := os.ReadFile(filepath.Clean(keyPath))
		if err != nil {
			return nil, err
		}
		pair, err := tls.X509KeyPair(crt, key)
		if err != nil {
			return nil, err
		}
		return &pair, nil
	}
}

func exists(paths ...string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

func generate(c Config) error {
	hosts := c.Hosts
	if len(hosts) == 0 {
		hosts = []string{"localhost", "127.0.0.1"}
	}
	days := c.ValidDays
	if days <= 0 {
		days = 365
	}
	return GenerateSelfSignedCert(CertConfig{
		CommonName:   hosts[0],
		Organization: "barnr",
		Hosts:        hosts,
		NotAfter:     time.Now().AddDate(0, 0, days),
		CertPath:     filepath.Join(c.Dir, crtName),
		KeyPath:      filepath.Join(c.Dir, keyName),
		CACertPath:   filepath.Join(c.Dir, caCrtName),
	})
}
