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

	"github.com/spf13/cobra"

	"github.com/kimhsiao/catalogsync/cmd/syncd/handlers"
	"github.com/kimhsiao/catalogsync/internal/config"
	"github.com/kimhsiao/catalogsync/internal/logging"
	"github.com/kimhsiao/catalogsync/internal/sync/scheduler"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "daemon",
	Short:   "Run the sync daemon",
	Long: `Run the sync daemon in the foreground.

The daemon runs a full sync batch on the configured interval, drains the
operation queue as soon as work is enqueued, and serves:

  GET  /api/health                           liveness
  GET  /api/sync/status                      engine and scheduler status
  POST /api/sync/run[?wait=true]             start a batch
  POST /api/sync/stop                        stop the running batch
  GET  /api/sync/queue/failed                terminally failed operations
  POST /api/sync/queue/{id}/retry            re-arm a failed operation
  GET  /api/sync/conflicts                   mappings awaiting resolution
  POST /api/sync/conflicts/{id}/resolve      resolve a conflict
  GET  /api/sync/audit                       query the audit log
  POST /api/webhooks/remote                  remote change notifications
  GET  /ws                                   WebSocket sync events

Configuration file edits to sync settings and log level apply without a
restart.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()
		if addr == "" {
			addr = a.cfg.Server.Addr
		}
		return serve(ctx, a, addr)
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "Listen address (default: server.addr from config)")
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context, a *app, addr string) error {
	hub := NewWSHub()
	defer hub.Close()
	a.engine.SetEventHandler(hub)

	sched := scheduler.NewScheduler(a.engine, a.queue, &scheduler.SchedulerConfig{
		SyncInterval:  a.cfg.Sync.Interval,
		QueueInterval: a.cfg.Sync.QueueInterval,
	})
	sched.Start(ctx)
	defer sched.Stop()

	stopArchiver := startArchiveScheduler(ctx, a)
	defer stopArchiver()

	mux := http.NewServeMux()
	handlers.NewSyncHandler(a.engine, sched, a.queue, a.audit).Register(mux)
	handlers.NewWebhookHandler(a.engine, a.cfg.Server.WebhookSecret).Register(mux)
	mux.HandleFunc("GET /ws", HandleWebSocket(hub))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logging.Info("Sync daemon listening", map[string]interface{}{
		"addr":       addr,
		"configured": a.configErr == nil,
	})
	if a.loader.ConfigFile() != "" {
		a.loader.Watch(func(cfg *config.Config, err error) {
			if err != nil {
				logging.Error("Failed to reload configuration", err, nil)
				return
			}
			a.reload(ctx, cfg)
		})
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	if !jsonOutput {
		fmt.Printf("syncd listening on http://%s (Ctrl+C to stop)\n", addr)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logging.Info("Shutting down sync daemon", nil)
	a.engine.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}

// reload applies a changed configuration file to the running daemon.
// Remote credentials and storage location take effect on restart only,
// except that a previously unconfigured remote is picked up.
func (a *app) reload(ctx context.Context, cfg *config.Config) {
	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()

	if err := logging.SetLevel(cfg.Log.Level); err != nil {
		logging.Warn("Ignoring invalid log level", map[string]interface{}{"level": cfg.Log.Level})
	}

	settings, err := engineSettings(cfg)
	if err != nil {
		logging.Error("Ignoring invalid sync settings", err, nil)
		return
	}
	a.engine.UpdateSettings(settings)

	if a.configErr != nil {
		cfg.DataDir = a.cfg.DataDir
		a.cfg = cfg
		client, err := a.remoteClient(ctx)
		if err != nil {
			a.configErr = err
			logging.Warn("Remote sync is still not configured", map[string]interface{}{"reason": err.Error()})
		} else {
			a.configErr = nil
			a.engine.SetRemote(client)
			logging.Info("Remote sync configured", nil)
		}
	}

	logging.Info("Configuration reloaded", map[string]interface{}{
		"enabled": settings.Enabled,
		"workers": settings.Workers,
		"kinds":   settings.Kinds,
	})
}
