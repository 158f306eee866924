package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/taskmap/mapd/internal/auth"
	"github.com/taskmap/mapd/internal/config"
	"github.com/taskmap/mapd/internal/server"
	"github.com/taskmap/mapd/internal/taskstore"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the collaborative map server",
	Long: `Start the WebSocket server that hosts live project maps.

Clients connect to ws://<listen_addr>/ws?token=<jwt> and send a join message
naming their project. A project map is cold-loaded from the database when its
first session joins and evicted after the last session leaves plus a grace
period.

Configuration comes from flags, MAPD_* environment variables, and an optional
mapd.yaml, in that precedence order.

Example usage:
  mapd serve                                # defaults, in-memory store
  mapd serve --db ./maps.db --addr :9000    # durable maps on a custom port
  MAPD_JWT_SECRET=s3cret mapd serve --db ./maps.db`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.ListenAddr = addr
		}
		if db, _ := cmd.Flags().GetString("db"); db != "" {
			cfg.DatabasePath = db
		}
		if secret, _ := cmd.Flags().GetString("jwt-secret"); secret != "" {
			cfg.JWTSecret = secret
		}
		if cfg.JWTSecret == "" {
			return fmt.Errorf("a JWT secret is required (--jwt-secret, MAPD_JWT_SECRET, or jwt_secret in mapd.yaml)")
		}

		logger := log.New(os.Stderr, "[mapd] ", log.LstdFlags)
		if cfg.LogFile != "" {
			logger.SetOutput(&lumberjack.Logger{
				Filename:   cfg.LogFile,
				MaxSize:    cfg.LogMaxSizeMB,
				MaxBackups: cfg.LogMaxBackups,
				Compress:   true,
			})
		}

		verifier, err := auth.NewVerifier(cfg.JWTSecret)
		if err != nil {
			return err
		}

		var tasks taskstore.Store
		if cfg.DatabasePath != "" {
			tasks, err = taskstore.OpenSQLite(cfg.DatabasePath)
			if err != nil {
				return fmt.Errorf("failed to open map database: %w", err)
			}
		} else {
			logger.Println("Warning: no database_path configured, maps will not survive restarts")
			tasks = taskstore.NewMemory()
		}
		defer tasks.Close()

		srv := server.NewServer(&server.Config{
			ListenAddr:          cfg.ListenAddr,
			GracePeriod:         cfg.GracePeriod,
			CursorFlushInterval: cfg.CursorFlushInterval,
			PresenceTimeout:     cfg.PresenceTimeout,
			Logger:              logger,
		}, verifier, tasks)

		if err := srv.Start(); err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}

		fmt.Printf("Map server started on %s\n", srv.Addr())
		fmt.Printf("WebSocket endpoint: ws://%s/ws\n", srv.Addr())
		fmt.Printf("Health check: http://%s/health\n", srv.Addr())
		fmt.Println("\nPress Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		<-ctx.Done()

		fmt.Println("\nShutting down map server...")
		if err := srv.Stop(); err != nil {
			return fmt.Errorf("error during shutdown: %w", err)
		}
		fmt.Println("Map server stopped")
		return nil
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to config file (default: ./mapd.yaml if present)")
	serveCmd.Flags().String("addr", "", "Listen address (overrides config)")
	serveCmd.Flags().String("db", "", "SQLite database path (overrides config)")
	serveCmd.Flags().String("jwt-secret", "", "JWT HMAC secret (overrides config)")
	rootCmd.AddCommand(serveCmd)
}
