package commands

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dispatch-run/dispatch/internal/adapter"
	"github.com/dispatch-run/dispatch/internal/config"
	"github.com/dispatch-run/dispatch/internal/gateway"
	"github.com/dispatch-run/dispatch/internal/logging"
	"github.com/dispatch-run/dispatch/internal/registry"
	"github.com/dispatch-run/dispatch/internal/store"
)

var (
	serveAddr string
	serveDir  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Dispatch server",
	Long: `Start Dispatch as a server exposing the Attachment Gateway and
control plane over HTTP and websockets.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Address to listen on (overrides config)")
	serveCmd.Flags().StringVar(&serveDir, "directory", "", "Working directory for project-local config")
}

func runServe(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(serveDir)
	if err != nil {
		return err
	}

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return err
	}

	cfg, err := config.Load(workDir)
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.ListenAddr = serveAddr
	}

	logging.Info().Str("version", Version).Msg("starting dispatchd")
	logging.Info().Str("dbPath", cfg.DBPath).Msg("opening event store")

	st, err := store.Open(cfg.DBPath, cfg.MaxPayloadBytes)
	if err != nil {
		return err
	}
	defer st.Close()

	adapters := adapter.NewRegistry()
	adapters.Register("pty", adapter.NewPTY)
	adapters.Register("ai-agent", adapter.NewAIAgent)
	adapters.Register("file-editor", adapter.NewFileEditor)

	reg := registry.New(st, adapters, cfg.SubscriberBufferSize)

	gw := gateway.New(reg, st, gateway.Config{
		EnableCORS:       true,
		SubscriberBuffer: cfg.SubscriberBufferSize,
	})

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: gw.Router(),
	}

	go func() {
		logging.Info().Str("addr", cfg.ListenAddr).Msg("gateway listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.Info().Msg("shutting down dispatchd")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("server shutdown error")
	}

	logging.Info().Msg("dispatchd stopped")
	return nil
}
