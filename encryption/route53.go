//go:build !js

package encryption

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"strings"

	"github.com/caddyserver/certmagic"
	"github.com/libdns/route53"
	log "github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/crypto/acme"
)

// Route53TLS issues certificates with the DNS-01 challenge on Route 53. The AWS configuration is read from the
// environment: AWS_REGION, AWS_PROFILE, AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY, AWS_SESSION_TOKEN.
type Route53TLS struct {
	DataDir string
	Email   string
	Domains []string
	CA      string
}

func (r *Route53TLS) GetCertificate(ctx context.Context) (*tls.Config, error) {
	if len(r.Domains) == 0 {
		return nil, fmt.Errorf("no domains provided")
	}

	cfg := certmagic.NewDefault()
	cfg.Logger = certmagicLogger()
	cfg.Storage = &certmagic.FileStorage{Path: r.DataDir}

	issuer := certmagic.NewACMEIssuer(cfg, certmagic.ACMEIssuer{
		CA:     r.ca(),
		Email:  r.email(),
		Agreed: true,
		DNS01Solver: &certmagic.DNS01Solver{
			DNSManager: certmagic.DNSManager{
				DNSProvider: &route53.Provider{},
			},
		},
	})
	cfg.Issuers = []certmagic.Issuer{issuer}

	if err := cfg.ManageSync(ctx, r.Domains); err != nil {
		log.Errorf("failed to manage certificate: %v", err)
		return nil, err
	}

	return &tls.Config{
		GetCertificate: cfg.GetCertificate,
		MinVersion:     tls.VersionTLS12,
		NextProtos:     []string{"http/1.1", acme.ALPNProto},
	}, nil
}

func (r *Route53TLS) ca() string {
	if r.CA == "" {
		return certmagic.LetsEncryptProductionCA
	}
	return r.CA
}

func (r *Route53TLS) email() string {
	if r.Email != "" {
		return r.Email
	}
	return emailFromDomain(r.Domains[0])
}

func emailFromDomain(domain string) string {
	parts := strings.Split(domain, ".")
	if len(parts) < 2 || parts[0] == "" {
		return ""
	}
	return fmt.Sprintf("admin@%s.%s", parts[len(parts)-2], parts[len(parts)-1])
}

func certmagicLogger() *zap.Logger {
	return zap.New(zapcore.NewCore(
		zapcore.NewConsoleEncoder(zap.NewProductionEncoderConfig()),
		os.Stderr,
		zap.ErrorLevel,
	))
}
