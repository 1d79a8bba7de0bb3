package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Config contains the listener TLS settings.
type Config struct {
	CertFile string
	KeyFile  string
	// ClientCAFile, when set, requires clients to present a certificate
	// signed by one of the bundled CAs.
	ClientCAFile string
}

// Enabled reports whether a certificate was configured.
func (c Config) Enabled() bool {
	return c.CertFile != "" || c.KeyFile != ""
}

// Validate checks that the settings are complete without touching the files.
func (c Config) Validate() error {
	if !c.Enabled() {
		if c.ClientCAFile != "" {
			return errors.New("client_ca_file requires cert_file and key_file")
		}
		return nil
	}
	if c.CertFile == "" || c.KeyFile == "" {
		return errors.New("both cert_file and key_file are required")
	}
	if c.ClientCAFile != "" && !filepath.IsAbs(filepath.Clean(c.ClientCAFile)) {
		return fmt.Errorf("client_ca_file must be absolute: %q", c.ClientCAFile)
	}
	return nil
}

// BuildServer constructs a TLS configuration for the HTTP listener.
func BuildServer(cfg Config) (*tls.Config, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	certificate, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}

	serverConfig := &tls.Config{
		Certificates: []tls.Certificate{certificate},
		MinVersion:   tls.VersionTLS12,
	}

	if cfg.ClientCAFile != "" {
		caPool, err := loadCertPool(cfg.ClientCAFile)
		if err != nil {
			return nil, err
		}
		serverConfig.ClientCAs = caPool
		serverConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return serverConfig, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	cleanPath := filepath.Clean(path)

	//nolint:gosec // CA bundle path is controlled by the operator
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("read CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates found in %s", cleanPath)
	}
	return pool, nil
}
