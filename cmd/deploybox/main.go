// Command deploybox runs the deployment platform's control plane: the
// repository watcher, the build/run manager, and the TLS routing data
// plane, wired together from a single configuration file.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"deploybox/internal/build"
	"deploybox/internal/certs"
	"deploybox/internal/config"
	"deploybox/internal/containerhost"
	"deploybox/internal/logging"
	"deploybox/internal/manager"
	"deploybox/internal/metrics"
	"deploybox/internal/proxy"
	"deploybox/internal/sourcehost"
	"deploybox/internal/store"
	"deploybox/internal/watcher"
)

var (
	cfgFile    string
	passphrase string
	version    = "0.1.0"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "deploybox",
		Short: "deploybox is a self-hosted deployment platform",
		Long: `deploybox watches declared repositories, builds each new commit into an
isolated container, and routes live HTTPS traffic to the right container by
hostname.`,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/deploybox/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&passphrase, "passphrase", "", "decryption passphrase for encrypted config secrets")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("deploybox " + version)
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane: watcher, manager, and routing data plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
}

func loadConfig() (*config.Config, error) {
	if cfgFile != "" {
		return config.Load(cfgFile, passphrase)
	}
	return config.LoadDefault()
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logging.NewApplicationLogger(logging.Config{
		Level:      cfg.Logging.Level,
		FilePath:   cfg.Logging.FilePath,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	})
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		log.WithError(err).Fatal("open store")
	}
	defer st.Close()

	if cfg.Docker.Host != "" {
		os.Setenv("DOCKER_HOST", cfg.Docker.Host)
	}
	dockerHost, err := containerhost.NewDockerHost()
	if err != nil {
		log.WithError(err).Fatal("connect to docker")
	}
	defer dockerHost.Close()

	sourceHost := sourcehost.NewGitHubHost(cfg.GitHub.Token)
	fetcher := build.NewFetcher(sourceHost)

	var certProvider certs.Provider
	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		certProvider, err = certs.NewStatic(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			log.WithError(err).Fatal("load TLS certificate")
		}
	}

	reg := metrics.New()

	mgr := manager.New(st, dockerHost, fetcher, manager.Config{
		BoxDomain:        cfg.BoxDomain,
		BuildConcurrency: cfg.BuildConcurrency,
		IdleTimeout:      cfg.IdleTimeout,
	}, log).WithMetrics(reg)

	watch := watcher.New(st, sourceHost, cfg.PollInterval, log).WithMetrics(reg)

	requestLogger := logging.NewRequestLogger(log)
	defer requestLogger.Close()

	p := proxy.New(proxy.Config{
		ManagementHostname: cfg.ManagementHostname,
		AuthToken:          cfg.AuthToken,
		CoordinatorURL:     cfg.CoordinatorURL,
		APIAddr:            "127.0.0.1:5045",
	}, mgr, certProvider, requestLogger).WithMetrics(reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.WithField("signal", sig.String()).Info("received shutdown signal")
		cancel()
	}()

	var wg sync.WaitGroup
	wg.Add(4)

	go func() {
		defer wg.Done()
		mgr.Start(ctx)
	}()
	go func() {
		defer wg.Done()
		watch.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		metricsServer := &http.Server{Addr: "127.0.0.1:5046", Handler: reg.Handler()}
		go func() {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}()
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics server")
		}
	}()
	go func() {
		defer wg.Done()
		if certProvider == nil {
			log.Warn("no TLS certificate configured; skipping HTTPS listener")
			<-ctx.Done()
			return
		}
		go func() {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer shutdownCancel()
			_ = p.Shutdown(shutdownCtx)
		}()
		go func() {
			if err := p.ListenAndServeHTTP(":80"); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("http redirect listener")
			}
		}()
		if err := p.ListenAndServeTLS(":443"); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("https listener")
		}
	}()

	log.Info("deploybox control plane started")
	wg.Wait()
	log.Info("deploybox control plane stopped")
	return nil
}
