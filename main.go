package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nicebartender/chat-relay/admincache"
	"github.com/nicebartender/chat-relay/brain"
	"github.com/nicebartender/chat-relay/bridge"
	"github.com/nicebartender/chat-relay/connmgr"
	"github.com/nicebartender/chat-relay/db"
	"github.com/nicebartender/chat-relay/dispatch"
	"github.com/nicebartender/chat-relay/pipeline"
	"github.com/nicebartender/chat-relay/protocol"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := newViper()
	var configFile string

	rootCmd := &cobra.Command{
		Use:          "relay",
		Short:        "Relay chat messages to a decision service and execute its actions",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadConfig(v, configFile)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (yaml, toml or json)")
	if err := bindFlags(v, rootCmd.PersistentFlags()); err != nil {
		rootCmd.RunE = func(_ *cobra.Command, _ []string) error {
			return err
		}
		return rootCmd
	}

	rootCmd.AddCommand(newLogoutCmd(v, &configFile))
	return rootCmd
}

func newLogoutCmd(v *viper.Viper, configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Delete stored credentials so the next start pairs again",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadConfig(v, *configFile)
			if err != nil {
				return err
			}
			database, err := db.Open(cfg.DBPath)
			if err != nil {
				return err
			}
			defer database.Close()

			if err := database.DeleteCredentials(cmd.Context()); err != nil {
				return fmt.Errorf("delete credentials: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "credentials deleted; restart the relay and scan the pairing code")
			return nil
		},
	}
}

func run(ctx context.Context, cfg Config) error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})))

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open database", "err", err)
		return err
	}
	defer database.Close()

	switch updated, ok, err := database.CredentialsUpdatedAt(ctx); {
	case err != nil:
		slog.Warn("could not read credentials", "err", err)
	case ok:
		slog.Info("resuming stored session", "credentials_updated", updated)
	default:
		slog.Info("no stored credentials, a pairing code will be shown")
	}

	clock := clockwork.NewRealClock()
	admins := admincache.New(cfg.AdminTTL, clock)

	var mgr *connmgr.Manager
	dispatcher := dispatch.New(dispatch.SourceFunc(func() protocol.Session {
		return mgr.Current()
	}), dispatch.Options{
		Interval: cfg.DispatchInterval,
		Limit:    cfg.DispatchCap,
		Clock:    clock,
	})
	pipe := pipeline.New(admins, brain.NewClient(cfg.BrainURL, cfg.BrainTimeout), dispatcher, clock)

	mgr = connmgr.New(connmgr.Config{
		Dialer:        bridge.NewDialer(cfg.BridgeURL, cfg.BridgeToken),
		Credentials:   database,
		Admins:        admins,
		Messages:      pipe,
		Clock:         clock,
		PairingOutput: os.Stdout,
	})

	mux := http.NewServeMux()
	mux.Handle("/health", healthHandler(mgr, dispatcher))
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return dispatcher.Run(gctx)
	})
	g.Go(func() error {
		return mgr.Run(gctx)
	})
	g.Go(func() error {
		slog.Info("relay starting", "addr", cfg.ListenAddr, "bridge", cfg.BridgeURL, "brain", cfg.BrainURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		slog.Info("relay stopped")
		return nil
	}
	if err != nil {
		slog.Error("relay failed", "err", err)
	}
	return err
}

type statusSource interface {
	Status() connmgr.Status
}

type queueSource interface {
	Len() int
}

func healthHandler(conn statusSource, queue queueSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := conn.Status()
		status := "ok"
		if st.State != connmgr.StateOpen {
			status = "degraded"
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":     status,
			"connection": st.State,
			"attempts":   st.Attempts,
			"queued":     queue.Len(),
		})
	}
}
