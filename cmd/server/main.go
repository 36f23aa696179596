package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kamikazebr/luna-auth/internal/server/api"
	"github.com/kamikazebr/luna-auth/internal/server/jobs"
	"github.com/kamikazebr/luna-auth/internal/server/storage"
	"github.com/kamikazebr/luna-auth/pkg/version"
	"github.com/spf13/cobra"
)

const appName = "luna-auth"

var rootCmd = &cobra.Command{
	Use:   appName,
	Short: "Luna auth server - accounts, device trust and sessions",
	Long:  "Identity and session server: registration, email and device verification, token rotation and Google sign-in",
	// Default to serve command if no subcommand provided
	RunE: runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE:  runMigrate,
}

var sweepCodesCmd = &cobra.Command{
	Use:   "sweep-codes",
	Short: "Delete one-time codes older than CODE_RETENTION",
	RunE:  runSweepCodes,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		verbose, _ := cmd.Flags().GetBool("verbose")
		if verbose {
			fmt.Println(version.GetVersionInfo())
			return
		}
		fmt.Println(version.GetVersion(appName))
	},
}

func init() {
	versionCmd.Flags().BoolP("verbose", "v", false, "Show build details")
	rootCmd.AddCommand(serveCmd, migrateCmd, sweepCodesCmd, adminCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info(ctx, "starting", "version", version.GetVersion(appName))

	srv, err := newServer(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer srv.Close()

	proxies, err := api.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return err
	}

	router := api.NewRouter(api.RouterConfig{
		Auth:           api.NewAuthHandler(srv.auth, log),
		Devices:        api.NewDeviceHandler(srv.auth.Devices(), log),
		Admin:          api.NewAdminHandler(srv.auth, srv.auditLister, cfg.CodeRetention, log),
		Authn:          srv.auth,
		AdminEmails:    cfg.AdminEmails,
		TrustedProxies: proxies,
		RequestLogging: true,
	})

	httpServer := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	cleanup := jobs.NewCodeCleanup(srv.auth, cfg.CleanupInterval, cfg.CodeRetention, log)
	go cleanup.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		log.Info(ctx, "server listening", "addr", cfg.Addr())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info(context.Background(), "server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	log.Info(shutdownCtx, "server stopped")
	return nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	db, err := openDatabase(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer db.Close()

	v, err := storage.MigrationVersion(db)
	if err != nil {
		return err
	}
	fmt.Printf("Database schema at version %d\n", v)
	return nil
}

func runSweepCodes(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	srv, err := newServer(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer srv.Close()

	n := jobs.NewCodeCleanup(srv.auth, 0, cfg.CodeRetention, log).RunOnce(ctx)
	fmt.Printf("Deleted %d one-time code(s) older than %s\n", n, cfg.CodeRetention)
	return nil
}
