package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/avandersteldt/regionwatch/internal/api"
	"github.com/avandersteldt/regionwatch/internal/capture"
	"github.com/avandersteldt/regionwatch/internal/config"
	"github.com/avandersteldt/regionwatch/internal/events"
	"github.com/avandersteldt/regionwatch/internal/logger"
	"github.com/avandersteldt/regionwatch/internal/monitor"
	"github.com/avandersteldt/regionwatch/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the regionwatch server",
	Long: `Start the HTTP server exposing the monitor control API and the
WebSocket event stream. Change frames are persisted to the configured
storage directory.`,
	Example: `  # Start on the default port (8080)
  regionwatch serve

  # Custom port, debug logging
  regionwatch serve --port 9090 --log-level debug`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	configMgr, err := config.NewManager(cfgFile)
	if err != nil {
		return fmt.Errorf("initialize config: %w", err)
	}
	if viper.IsSet("server_port") {
		if port := viper.GetInt("server_port"); port > 0 {
			configMgr.SetPort(port)
		}
	}
	if viper.IsSet("log_level") {
		if level := viper.GetString("log_level"); level != "" {
			configMgr.SetLogLevel(level)
		}
	}

	cfg := configMgr.Get()
	logger.Init(cfg.LogLevel, true)
	log := logger.WithComponent("serve")
	log.Info().Str("config", configMgr.Path()).Msg("configuration loaded")

	caps := capture.DetectCapabilities(cfg.Capture.BridgeCommand)
	chain := capture.NewChain(caps, cfg.Capture.Timeout())
	log.Info().Strs("strategies", chain.Strategies()).Msg("capture chain ready")

	bus := events.NewBus()
	mon := monitor.New(chain, bus)

	var frameStore *store.Store
	if cfg.Storage.Enabled {
		frameStore, err = store.New(store.Options{
			Dir:            cfg.Storage.Dir,
			MaxFrames:      cfg.Storage.MaxFrames,
			ThumbnailWidth: cfg.Storage.ThumbnailWidth,
		})
		if err != nil {
			return fmt.Errorf("initialize frame store: %w", err)
		}
		detach := frameStore.Attach(bus)
		defer detach()
		defer frameStore.Close()
		log.Info().Str("dir", cfg.Storage.Dir).Msg("frame store attached")
	}

	server := api.NewServer(mon, bus)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(cfg.ServerPort)
	}()
	log.Info().Int("port", cfg.ServerPort).Msg("regionwatch serving")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		mon.Stop("shutdown")
		return nil
	case err := <-errCh:
		mon.Stop("server_error")
		return fmt.Errorf("server: %w", err)
	}
}
