package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/migadu/maildrop/backend"
	"github.com/migadu/maildrop/config"
	"github.com/migadu/maildrop/db"
	"github.com/migadu/maildrop/logger"
	"github.com/migadu/maildrop/pkg/errors"
	"github.com/migadu/maildrop/pkg/metrics"
	"github.com/migadu/maildrop/server/httpapi"
	"github.com/migadu/maildrop/server/lmtp"
	"github.com/migadu/maildrop/server/pop3"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigPath = "config.toml"

func main() {
	errorHandler := errors.NewErrorHandler()
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", defaultConfigPath, "Path to TOML configuration file")
	port := flag.Int("port", cfg.Servers.POP3.Port, "POP3 listening port (overrides config)")
	timeout := flag.Int("timeout", 600, "POP3 inactivity timeout in seconds (overrides config)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("maildrop version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(errors.ExitOK)
	}

	if err := loadConfig(*configPath, &cfg); err != nil {
		errorHandler.ConfigError(*configPath, err)
		os.Exit(errorHandler.WaitForExit())
	}
	applyFlagOverrides(&cfg, *port, *timeout)
	if err := cfg.Validate(); err != nil {
		errorHandler.ValidationError("configuration", err)
		os.Exit(errorHandler.WaitForExit())
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "MAILDROP: Warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	logger.Info("maildrop starting", "version", version, "commit", commit, "built", date, "backend", cfg.Store.Backend)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		errorHandler.FatalError("maildrop", err)
		os.Exit(errorHandler.WaitForExit())
	}
	errorHandler.Shutdown(ctx)
}

// loadConfig reads path over the defaults. A missing default file is not an error.
func loadConfig(path string, cfg *config.Config) error {
	err := config.LoadConfigFromFile(path, cfg)
	if os.IsNotExist(err) && path == defaultConfigPath {
		fmt.Fprintf(os.Stderr, "MAILDROP: configuration file '%s' not found, using defaults\n", path)
		return nil
	}
	return err
}

// applyFlagOverrides copies the flags given on the command line into cfg.
func applyFlagOverrides(cfg *config.Config, port, timeout int) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Servers.POP3.Port = port
		case "timeout":
			cfg.Servers.POP3.IdleTimeout = fmt.Sprintf("%ds", timeout)
		}
	})
}

// run starts every configured server and blocks until ctx is done or one of
// them fails. The store is opened here and closed by the POP3 listener.
func run(ctx context.Context, cfg config.Config) error {
	store, err := backend.Open(ctx, &cfg)
	if err != nil {
		return fmt.Errorf("store unavailable: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if database, ok := store.(*db.Database); ok {
		database.StartPoolMetrics(ctx)
	}

	idleTimeout, _ := cfg.Servers.POP3.GetIdleTimeout()
	pop3Server, err := pop3.New(ctx, "pop3", cfg.Servers.POP3.Addr(), store, pop3.POP3ServerOptions{
		IdleTimeout:         idleTimeout,
		MaxConnections:      cfg.Servers.POP3.MaxConnections,
		MaxConnectionsPerIP: cfg.Servers.POP3.MaxConnectionsPerIP,
		Debug:               cfg.Servers.POP3.Debug,
	})
	if err != nil {
		store.Close()
		return err
	}
	// Closing the POP3 listener closes the store, so it goes last.
	defer pop3Server.Close()

	errChan := make(chan error, 4)
	var wg sync.WaitGroup

	if cfg.Servers.Metrics.Start {
		interval, _ := cfg.Servers.Metrics.GetCollectInterval()
		collector := metrics.NewCollector(store, interval)
		wg.Add(2)
		go func() {
			defer wg.Done()
			collector.Start(ctx)
		}()
		go func() {
			defer wg.Done()
			startMetricsServer(ctx, cfg.Servers.Metrics, errChan)
		}()
	}

	if cfg.Servers.LMTP.Start {
		lmtpServer, err := newLMTPServer(ctx, cfg.Servers.LMTP, store)
		if err != nil {
			return err
		}
		defer lmtpServer.Close()
		go lmtpServer.Start(errChan)
	}

	if cfg.Servers.HTTPAPI.Start {
		wg.Add(1)
		go func() {
			defer wg.Done()
			httpapi.Start(ctx, store, httpapi.ServerOptions{
				Addr:         cfg.Servers.HTTPAPI.Addr,
				APIKey:       cfg.Servers.HTTPAPI.APIKey,
				AllowedHosts: cfg.Servers.HTTPAPI.AllowedHosts,
			}, errChan)
		}()
	}

	go pop3Server.Start(errChan)

	select {
	case <-ctx.Done():
		logger.Info("Shutdown requested, stopping servers")
		cancel()
		wg.Wait()
		return nil
	case err := <-errChan:
		cancel()
		wg.Wait()
		return err
	}
}

func newLMTPServer(ctx context.Context, cfg config.LMTPServerConfig, store backend.Store) (*lmtp.LMTPServerBackend, error) {
	hostname := cfg.Hostname
	if hostname == "" {
		hostname, _ = os.Hostname()
	}
	readTimeout, _ := cfg.GetReadTimeout()
	return lmtp.New(ctx, "lmtp", hostname, cfg.Addr, store, lmtp.LMTPServerOptions{
		Debug:           cfg.Debug,
		MaxConnections:  cfg.MaxConnections,
		MaxMessageSize:  cfg.MaxMessageSize,
		TrustedNetworks: cfg.TrustedNetworks,
		ReadTimeout:     readTimeout,
	})
}

func startMetricsServer(ctx context.Context, cfg config.MetricsConfig, errChan chan error) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error shutting down metrics server", "error", err)
		}
	}()

	logger.Info("Metrics server listening", "addr", cfg.Addr, "path", cfg.Path)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errChan <- fmt.Errorf("metrics server failed: %w", err)
	}
}
