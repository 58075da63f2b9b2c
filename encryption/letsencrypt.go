package encryption

import (
	"crypto/tls"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/acme"
	"golang.org/x/crypto/acme/autocert"
)

// CreateCertManager prepares a Let's Encrypt certificate manager that solves the TLS-ALPN challenge on the
// relay listener itself
func CreateCertManager(dataDir string, domains ...string) (*autocert.Manager, error) {
	if len(domains) == 0 {
		return nil, fmt.Errorf("no domains provided")
	}

	certDir := filepath.Join(dataDir, "letsencrypt")
	if err := os.MkdirAll(certDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed creating Let's encrypt certdir %s: %w", certDir, err)
	}

	log.Infof("running with Let's encrypt for domains %v. Cert will be stored in %s", domains, certDir)

	return &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		Cache:      autocert.DirCache(certDir),
		HostPolicy: autocert.HostWhitelist(domains...),
	}, nil
}

// LetsEncryptTLSConfig returns a TLS config serving the certificates of m
func LetsEncryptTLSConfig(m *autocert.Manager) *tls.Config {
	return &tls.Config{
		GetCertificate: m.GetCertificate,
		MinVersion:     tls.VersionTLS12,
		NextProtos:     []string{"http/1.1", acme.ALPNProto},
	}
}
