package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/netbirdio/rope/encryption"
	"github.com/netbirdio/rope/relay/healthcheck"
	"github.com/netbirdio/rope/relay/server"
	"github.com/netbirdio/rope/shared/metrics"
	"github.com/netbirdio/rope/util"
	"github.com/netbirdio/rope/version"
)

const shutdownTimeout = 30 * time.Second

type Config struct {
	ListenAddress string
	// QUICListenAddress enables the QUIC listener, participants on QUIC speak msgpack
	QUICListenAddress        string
	MetricsPort              int
	HealthcheckListenAddress string
	LetsencryptEmail         string
	LetsencryptDataDir       string
	LetsencryptDomains       []string
	// in case of using Route 53 for DNS challenge the credentials should be provided in the environment variables or
	// in the AWS credentials file
	LetsencryptAWSRoute53 bool
	TlsCertFile           string
	TlsKeyFile            string
	AllowedOrigins        []string
	DisableRoster         bool
	PeerQueueSize         int
	MessageRate           float64
	MessageBurst          int
	LogLevel              string
	LogFile               string
}

func (c Config) Validate() error {
	var errs error
	if c.ListenAddress == "" {
		errs = multierror.Append(errs, errors.New("listen address is required"))
	}

	if (c.TlsCertFile == "") != (c.TlsKeyFile == "") {
		errs = multierror.Append(errs, errors.New("both --tls-cert-file and --tls-key-file are required for TLS"))
	}

	if c.HasCertConfig() {
		if !util.FileExists(c.TlsCertFile) {
			errs = multierror.Append(errs, fmt.Errorf("TLS certificate file %s does not exist", c.TlsCertFile))
		}
		if !util.FileExists(c.TlsKeyFile) {
			errs = multierror.Append(errs, fmt.Errorf("TLS key file %s does not exist", c.TlsKeyFile))
		}
	}

	if c.LetsencryptAWSRoute53 && len(c.LetsencryptDomains) == 0 {
		errs = multierror.Append(errs, errors.New("--letsencrypt-domains is required with --letsencrypt-aws-route53"))
	}

	if c.PeerQueueSize < 0 {
		errs = multierror.Append(errs, fmt.Errorf("invalid peer queue size %d", c.PeerQueueSize))
	}

	if c.MessageRate < 0 {
		errs = multierror.Append(errs, fmt.Errorf("invalid message rate %v", c.MessageRate))
	}

	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		errs = multierror.Append(errs, fmt.Errorf("invalid metrics port %d", c.MetricsPort))
	}

	return errs
}

func (c Config) HasCertConfig() bool {
	return c.TlsCertFile != "" && c.TlsKeyFile != ""
}

func (c Config) HasLetsEncrypt() bool {
	return c.LetsencryptDataDir != "" && len(c.LetsencryptDomains) > 0
}

var (
	cobraConfig *Config
	rootCmd     = &cobra.Command{
		Use:           "rope-relay",
		Short:         "Rope relay service",
		Long:          "Relay routing identifier addressed envelopes between participants",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version.RopeVersion(),
		RunE:          execute,
	}
)

func init() {
	_ = util.InitLog("trace", util.LogConsole)
	cobraConfig = &Config{}
	rootCmd.PersistentFlags().StringVarP(&cobraConfig.ListenAddress, "listen-address", "l", ":443", "listen address of the WebSocket listener")
	rootCmd.PersistentFlags().StringVarP(&cobraConfig.QUICListenAddress, "quic-listen-address", "q", "", "listen address of the QUIC listener, QUIC is disabled when empty")
	rootCmd.PersistentFlags().IntVar(&cobraConfig.MetricsPort, "metrics-port", 9090, "metrics endpoint http port. Metrics are accessible under host:metrics-port/metrics")
	rootCmd.PersistentFlags().StringVarP(&cobraConfig.HealthcheckListenAddress, "health-listen-address", "H", ":9000", "listen address of healthcheck server")
	rootCmd.PersistentFlags().StringVarP(&cobraConfig.LetsencryptDataDir, "letsencrypt-data-dir", "d", "", "a directory to store Let's Encrypt data. Required if Let's Encrypt is enabled.")
	rootCmd.PersistentFlags().StringSliceVarP(&cobraConfig.LetsencryptDomains, "letsencrypt-domains", "a", nil, "list of domains to issue Let's Encrypt certificate for. Enables TLS using Let's Encrypt. Will fetch and renew certificate, and run the server with TLS")
	rootCmd.PersistentFlags().StringVar(&cobraConfig.LetsencryptEmail, "letsencrypt-email", "", "email address to use for Let's Encrypt certificate registration")
	rootCmd.PersistentFlags().BoolVar(&cobraConfig.LetsencryptAWSRoute53, "letsencrypt-aws-route53", false, "use AWS Route 53 for Let's Encrypt DNS challenge")
	rootCmd.PersistentFlags().StringVarP(&cobraConfig.TlsCertFile, "tls-cert-file", "c", "", "path of the TLS certificate")
	rootCmd.PersistentFlags().StringVarP(&cobraConfig.TlsKeyFile, "tls-key-file", "k", "", "path of the TLS key")
	rootCmd.PersistentFlags().StringSliceVar(&cobraConfig.AllowedOrigins, "allowed-origins", nil, "host patterns browser participants may connect from besides the relay's own host")
	rootCmd.PersistentFlags().BoolVar(&cobraConfig.DisableRoster, "disable-roster", false, "disable roster queries")
	rootCmd.PersistentFlags().IntVar(&cobraConfig.PeerQueueSize, "peer-queue-size", 64, "envelopes queued for one participant before new ones are dropped")
	rootCmd.PersistentFlags().Float64Var(&cobraConfig.MessageRate, "message-rate", 0, "envelopes per second accepted from one connection, 0 disables the limit")
	rootCmd.PersistentFlags().IntVar(&cobraConfig.MessageBurst, "message-burst", 50, "envelopes accepted above message-rate in a burst")
	rootCmd.PersistentFlags().StringVar(&cobraConfig.LogLevel, "log-level", "info", "log level")
	rootCmd.PersistentFlags().StringVar(&cobraConfig.LogFile, "log-file", util.LogConsole, "log file")

	util.SetFlagsFromEnvVars(rootCmd)
}

func Execute() error {
	return rootCmd.Execute()
}

func waitForExitSignal() {
	osSigs := make(chan os.Signal, 1)
	signal.Notify(osSigs, syscall.SIGINT, syscall.SIGTERM)
	<-osSigs
}

func execute(cmd *cobra.Command, args []string) error {
	wg := sync.WaitGroup{}
	err := cobraConfig.Validate()
	if err != nil {
		log.Debugf("invalid config: %s", err)
		return fmt.Errorf("invalid config: %s", err)
	}

	err = util.InitLog(cobraConfig.LogLevel, cobraConfig.LogFile)
	if err != nil {
		log.Debugf("failed to initialize log: %s", err)
		return fmt.Errorf("failed to initialize log: %s", err)
	}

	log.Infof("starting rope relay %s", version.RopeVersion())
	if !version.IsRelease() {
		log.Warnf("running a development build")
	}

	// Resource creation phase (fail fast before starting any goroutines)

	metricsServer, err := metrics.NewServer(cobraConfig.MetricsPort, "")
	if err != nil {
		log.Debugf("setup metrics: %v", err)
		return fmt.Errorf("setup metrics: %v", err)
	}

	tlsConfig, err := handleTLSConfig(cmd.Context(), cobraConfig)
	if err != nil {
		log.Debugf("failed to setup TLS config: %s", err)
		return fmt.Errorf("failed to setup TLS config: %s", err)
	}

	srvListenerCfg := server.ListenerConfig{
		Address:        cobraConfig.ListenAddress,
		QUICAddress:    cobraConfig.QUICListenAddress,
		TLSConfig:      tlsConfig,
		OriginPatterns: cobraConfig.AllowedOrigins,
	}

	cfg := server.Config{
		Meter:         metricsServer.Meter,
		DisableRoster: cobraConfig.DisableRoster,
		PeerQueueSize: cobraConfig.PeerQueueSize,
		MessageRate:   cobraConfig.MessageRate,
		MessageBurst:  cobraConfig.MessageBurst,
	}

	srv, err := createRelayServer(cfg)
	if err != nil {
		return err
	}

	hCfg := healthcheck.Config{
		ListenAddress:  cobraConfig.HealthcheckListenAddress,
		ServiceChecker: srv,
	}
	httpHealthcheck, err := createHealthCheck(hCfg)
	if err != nil {
		return err
	}

	// Start all servers (only after all resources are successfully created)
	startServers(&wg, metricsServer, srv, srvListenerCfg, httpHealthcheck)

	waitForExitSignal()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err = shutdownServers(ctx, metricsServer, srv, httpHealthcheck)
	wg.Wait()
	return err
}

func startServers(wg *sync.WaitGroup, metricsServer *metrics.Metrics, srv *server.Server, srvListenerCfg server.ListenerConfig, httpHealthcheck *healthcheck.Server) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Infof("running metrics server: %s%s", metricsServer.Addr, metricsServer.Endpoint)
		if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("failed to start metrics server: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Listen(srvListenerCfg); err != nil {
			log.Fatalf("failed to bind relay server: %s", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpHealthcheck.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("failed to start healthcheck server: %v", err)
		}
	}()
}

func shutdownServers(ctx context.Context, metricsServer *metrics.Metrics, srv *server.Server, httpHealthcheck *healthcheck.Server) error {
	var errs error

	if err := httpHealthcheck.Shutdown(ctx); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("failed to close healthcheck server: %w", err))
	}

	if err := srv.Shutdown(ctx); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("failed to close relay server: %w", err))
	}

	log.Infof("shutting down metrics server")
	if err := metricsServer.Shutdown(ctx); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("failed to close metrics server: %w", err))
	}

	return errs
}

func createHealthCheck(hCfg healthcheck.Config) (*healthcheck.Server, error) {
	httpHealthcheck, err := healthcheck.NewServer(hCfg)
	if err != nil {
		log.Debugf("failed to create healthcheck server: %v", err)
		return nil, fmt.Errorf("failed to create healthcheck server: %v", err)
	}
	return httpHealthcheck, nil
}

func createRelayServer(cfg server.Config) (*server.Server, error) {
	srv, err := server.NewServer(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create relay server: %v", err)
	}
	return srv, nil
}

func handleTLSConfig(ctx context.Context, cfg *Config) (*tls.Config, error) {
	if cfg.LetsencryptAWSRoute53 {
		log.Debugf("using Let's Encrypt DNS resolver with Route 53 support")
		r53 := encryption.Route53TLS{
			DataDir: cfg.LetsencryptDataDir,
			Email:   cfg.LetsencryptEmail,
			Domains: cfg.LetsencryptDomains,
		}
		return r53.GetCertificate(ctx)
	}

	if cfg.HasLetsEncrypt() {
		log.Infof("setting up TLS with Let's Encrypt.")
		certManager, err := encryption.CreateCertManager(cfg.LetsencryptDataDir, cfg.LetsencryptDomains...)
		if err != nil {
			return nil, fmt.Errorf("failed creating LetsEncrypt cert manager: %v", err)
		}
		return encryption.LetsEncryptTLSConfig(certManager), nil
	}

	if cfg.HasCertConfig() {
		log.Debugf("using file based TLS config")
		return encryption.LoadTLSConfig(cfg.TlsCertFile, cfg.TlsKeyFile)
	}
	return nil, nil
}
