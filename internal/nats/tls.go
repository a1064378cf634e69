package nats

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/stone-age-io/svcstart/internal/config"
	"go.uber.org/zap"
)

// newTLSConfig builds the client TLS settings. A CA file pins the server
// roots; a cert/key pair enables mutual TLS.
func newTLSConfig(cfg *config.TLSConfig, logger *zap.Logger) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	if cfg.InsecureSkipVerify {
		logger.Warn("TLS certificate verification is DISABLED - this is insecure and should only be used in development")
	}

	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("failed to parse CA certificate %s", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	logger.Info("TLS enabled for NATS connection",
		zap.Bool("client_cert", len(tlsConfig.Certificates) > 0),
		zap.Bool("ca_cert", tlsConfig.RootCAs != nil),
		zap.Bool("skip_verify", cfg.InsecureSkipVerify))

	return tlsConfig, nil
}
