package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/quatton/runbookgen/pkg/qapi"
	"github.com/quatton/runbookgen/pkg/qapi/config"
	"github.com/quatton/runbookgen/pkg/qapi/services"
	"github.com/quatton/runbookgen/pkg/qlog"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the gateway server",
	Long: `Start the HTTP gateway. Configuration comes from the environment
(and .env in development): BACKEND selects local, k8s or databricks.`,
	RunE: run,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func run(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.ValidateEnv()
	if err != nil {
		log.Fatalf("❌ %v\n", err)
	}
	cfg.Print(log.Printf)

	level, err := qlog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := qlog.NewLogger(level, os.Stderr)

	svcs, err := services.NewServices(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}
	defer svcs.Close()

	api := qapi.NewServer(svcs, logger)
	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("🚀 Gateway starting on %s (backend %s)\n", addr, svcs.Runbooks.Backend())
	log.Printf("📚 OpenAPI docs: http://localhost%s/docs\n", addr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
