package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/TimurManjosov/flagship-go/internal/devserver"
	"github.com/TimurManjosov/flagship-go/internal/logging"
	"github.com/TimurManjosov/flagship-go/internal/transport"
	"github.com/TimurManjosov/flagship-go/internal/version"
)

var (
	addr      string
	file      string
	keys      string
	adminKey  string
	rateLimit int
	heartbeat time.Duration
	tokenTTL  time.Duration
	logLevel  string
)

var rootCmd = &cobra.Command{
	Use:   "devserver",
	Short: "Local flag server speaking the SDK protocol",
	Long: `devserver serves feature flags from a YAML file over the SDK protocol:
init, updates, evaluate, event batches and an SSE stream.

Examples:
  devserver --file flags.yaml
  devserver --file flags.yaml --admin-key secret --rate-limit 120`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	rootCmd.Flags().StringVar(&addr, "addr", ":8080", "Listen address")
	rootCmd.Flags().StringVar(&file, "file", "", "YAML flag file")
	rootCmd.Flags().StringVar(&keys, "api-keys", "", "Comma-separated accepted API keys (empty accepts any)")
	rootCmd.Flags().StringVar(&adminKey, "admin-key", "", "Bearer token for /admin routes (empty disables them)")
	rootCmd.Flags().IntVar(&rateLimit, "rate-limit", 0, "Requests per minute per API key (0 disables)")
	rootCmd.Flags().DurationVar(&heartbeat, "heartbeat", 15*time.Second, "SSE heartbeat interval")
	rootCmd.Flags().DurationVar(&tokenTTL, "token-ttl", 5*time.Minute, "Stream token lifetime")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := logging.Component(logging.New(logLevel, logging.FormatConsole, os.Stderr), "devserver")

	cfg := devserver.Config{
		AdminKey:          adminKey,
		RateLimit:         rateLimit,
		HeartbeatInterval: heartbeat,
		TokenTTL:          tokenTTL,
		Metadata:          transport.Metadata{SDKVersionLatest: version.SDK},
	}
	if keys != "" {
		cfg.APIKeys = strings.Split(keys, ",")
	}

	store := devserver.NewStore(nil)
	if file != "" {
		f, err := devserver.LoadFile(file)
		if err != nil {
			return fmt.Errorf("load flags: %w", err)
		}
		cfg.Environment = f.Environment
		store = devserver.NewStore(f.States())
	}
	logger.Info().Int("flags", store.Len()).Str("file", file).Msg("[devserver] flags loaded")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	dev := devserver.New(cfg, store, devserver.WithLogger(logger), devserver.WithRegistry(reg))

	srv := &http.Server{
		Addr:         addr,
		Handler:      dev.Router(),
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 0, // SSE streams stay open
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", addr).Msg("[devserver] listening")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("[devserver] server")
		}
	}()

	// graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	dev.Close()
	ctxShut, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctxShut); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info().Msg("[devserver] stopped")
	return nil
}
