package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/authcore/internal/authmw"
	"github.com/telhawk-systems/authcore/internal/handlers"
	"github.com/telhawk-systems/authcore/internal/logging"
	"github.com/telhawk-systems/authcore/internal/middleware"
	"github.com/telhawk-systems/authcore/internal/server"
	"github.com/telhawk-systems/authcore/migrations"
)

var serveMigrate bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveMigrate, "migrate", true, "apply pending migrations before serving (postgres only)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Database.Type == "postgres" && serveMigrate {
		version, dirty, err := migrations.Up(cfg.Database.Postgres.ConnString(), cfg.Database.MigrationsDir)
		if err != nil {
			return err
		}
		slog.Info("Database schema ready", slog.Uint64("version", uint64(version)), slog.Bool("dirty", dirty))
	}

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	if cfg.Session.ReapInterval > 0 {
		go a.service.RunReaper(ctx, cfg.Session.ReapInterval)
	}
	if cfg.Server.ServiceToken == "" {
		slog.Warn("server.service_token is empty; internal endpoints will reject every call")
	}

	trusted, err := middleware.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		return err
	}

	h := handlers.NewAuthHandler(a.service, a.broker())
	mw := authmw.NewAuthMiddleware(a.service, cfg.Server.ServiceToken)
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.NewRouter(h, mw, slog.Default(), trusted),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Auth service listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", logging.Error(err))
		return err
	}
	slog.Info("Server stopped")
	return nil
}
