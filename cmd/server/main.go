// Command server runs the lattice-board collaboration server.
//
//	server serve --config lattice.yaml
//	server migrate
//	server room-name
//	server pseudonym <uuid> <room>
//	server token --subject <uuid> --staff
//
// Every config key can be overridden with a LATTICE_* environment variable.
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

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/lattice-board/internal/api"
	"github.com/manpreetbhatti/lattice-board/internal/auth"
	"github.com/manpreetbhatti/lattice-board/internal/bus"
	"github.com/manpreetbhatti/lattice-board/internal/config"
	"github.com/manpreetbhatti/lattice-board/internal/db"
	"github.com/manpreetbhatti/lattice-board/internal/logging"
	"github.com/manpreetbhatti/lattice-board/internal/metrics"
	"github.com/manpreetbhatti/lattice-board/internal/pseudonym"
	"github.com/manpreetbhatti/lattice-board/internal/ratelimit"
	"github.com/manpreetbhatti/lattice-board/internal/room"
	"github.com/manpreetbhatti/lattice-board/internal/store"
	"github.com/manpreetbhatti/lattice-board/internal/tasks"
	"github.com/manpreetbhatti/lattice-board/internal/ws"
)

var configPath string

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "server",
		Short:        "Real-time whiteboard collaboration server",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("LATTICE_CONFIG"),
		"Path to YAML configuration file")

	root.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
		buildRoomNameCmd(),
		buildPseudonymCmd(),
		buildTokenCmd(),
	)
	return root
}

func buildServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and websocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx)
		},
	}
}

func buildMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			st, err := openStore(cmd.Context(), cfg.Store, logger)
			if err != nil {
				return err
			}
			defer st.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "%s schema is up to date\n", cfg.Store.Driver)
			return nil
		},
	}
}

func buildRoomNameCmd() *cobra.Command {
	var length int
	cmd := &cobra.Command{
		Use:   "room-name",
		Short: "Print a random room name",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := room.NewRoomName(length)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), name)
			return nil
		},
	}
	cmd.Flags().IntVarP(&length, "length", "n", room.DefaultNameLength, "Name length")
	return cmd
}

func buildPseudonymCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pseudonym <uuid> <room>",
		Short: "Print the pseudonym a user has in a room",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid uuid: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), pseudonym.Derive(id, args[1]))
			return nil
		},
	}
}

func buildTokenCmd() *cobra.Command {
	var (
		subject string
		staff   bool
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed access token for testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			id := uuid.New()
			if subject != "" {
				if id, err = uuid.Parse(subject); err != nil {
					return fmt.Errorf("invalid subject: %w", err)
				}
			}
			token, err := auth.NewJWTAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer).
				Issue(auth.Identity{ID: id, Staff: staff}, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "User uuid (random when empty)")
	cmd.Flags().BoolVar(&staff, "staff", false, "Grant staff access")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime, 0 for no expiry")
	return cmd
}

func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Environment)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.Store, error) {
	switch cfg.Driver {
	case "postgres":
		return db.NewPostgres(ctx, cfg.DSN, logger)
	case "memory":
		return store.NewMemoryStore(), nil
	default:
		return db.New(cfg.Path, logger)
	}
}

func openBus(ctx context.Context, cfg config.BusConfig, logger *zap.Logger) (bus.Bus, error) {
	if cfg.Driver == "redis" {
		return bus.NewRedis(ctx, cfg.RedisURL, logger)
	}
	return bus.NewLocal(logger), nil
}

func runServe(ctx context.Context) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	st, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	b, err := openBus(ctx, cfg.Bus, logger)
	if err != nil {
		return fmt.Errorf("open bus: %w", err)
	}
	defer b.Close()

	m := metrics.New()
	supervisor := tasks.NewSupervisor(logger)
	policy := auth.Policy{AllowAnonymous: cfg.Rooms.AllowAnonymous, PublicRooms: cfg.Rooms.Public}
	authn := auth.NewJWTAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if cfg.Auth.JWTSecret == "" {
		logger.Warn("no jwt secret configured, every connection is anonymous")
	}

	hub := room.NewHub(room.Options{
		Store:             st,
		Access:            policy,
		Bus:               b,
		Tasks:             supervisor,
		Metrics:           m,
		Logger:            logger,
		AutoCreate:        cfg.Rooms.AutoCreate,
		TrackingByDefault: cfg.Rooms.TrackingByDefault,
	})
	sockets := ws.NewServer(ws.Options{
		Hub:           hub,
		Authenticator: authn,
		Access:        policy,
		Log:           st,
		ReplayCeiling: cfg.Replay.ThrottleCeiling,
		Limits: ws.Limits{
			MessagesPerSecond: cfg.Limits.MessagesPerSecond,
			Burst:             cfg.Limits.Burst,
			MaxMessageSize:    cfg.Limits.MaxMessageSize,
		},
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Metrics:        m,
		Logger:         logger,
	})

	var limiter *ratelimit.Registry
	if cfg.Limits.HTTPRequestsPerSecond > 0 {
		limiter = ratelimit.NewRegistry(cfg.Limits.HTTPRequestsPerSecond, cfg.Limits.HTTPBurst, 5*time.Minute)
		defer limiter.Stop()
	}

	handler := api.New(hub, st, authn, policy, store.RoomDefaults{TrackingEnabled: cfg.Rooms.TrackingByDefault}, logger).
		Router(api.RouterOptions{
			AllowedOrigins: cfg.Server.AllowedOrigins,
			Sockets:        sockets,
			Limiter:        limiter,
		})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("lattice-board server starting",
			zap.String("addr", cfg.Server.Addr),
			zap.String("store", cfg.Store.Driver),
			zap.String("bus", cfg.Bus.Driver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := hub.Shutdown(shutdownCtx); err != nil {
		logger.Warn("background tasks did not drain", zap.Error(err))
	}
	return nil
}
