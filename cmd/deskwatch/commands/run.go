package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bryanchriswhite/deskwatch/internal/api"
	"github.com/bryanchriswhite/deskwatch/internal/config"
	"github.com/bryanchriswhite/deskwatch/internal/logger"
	"github.com/bryanchriswhite/deskwatch/internal/models"
	"github.com/bryanchriswhite/deskwatch/internal/probe"
	"github.com/bryanchriswhite/deskwatch/internal/reporter"
	"github.com/bryanchriswhite/deskwatch/internal/scheduler"
	"github.com/bryanchriswhite/deskwatch/internal/watcher"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Watch desktop activity and report it",
	Long: `Start the idle and active window watchers and report heartbeats to the
ActivityWatch server until interrupted.

Events are queued while the server is unreachable and delivered in order
once it comes back.`,
	Example: `  # Watch with the detected backend
  deskwatch run

  # Force the GNOME backend and report to a remote server
  deskwatch run --backend gnome --server-url http://10.0.0.2:5600/api/0

  # Expose status, event stream and metrics locally
  deskwatch run --status-addr 127.0.0.1:5700 --log-level debug`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	configMgr, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logger.WithComponent("main")

	host := cfg.ResolvedHostname()
	log.Info().
		Str("config", configMgr.GetConfigPath()).
		Str("server", cfg.ServerURL).
		Str("hostname", host).
		Msg("Configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, kind := openProbe(cfg)
	if p != nil {
		defer p.Close()
	}

	client := reporter.NewClient(cfg.ServerURL, cfg.RequestTimeout)
	rep := reporter.New(client, []models.Bucket{models.AFKBucket(host), models.WindowBucket(host)}, reporter.Options{
		Pulsetime:       cfg.Pulsetime,
		InitialInterval: cfg.Retry.InitialInterval,
		MaxInterval:     cfg.Retry.MaxInterval,
		MaxQueue:        cfg.MaxQueue,
	})

	opts := scheduler.Options{
		Pulsetime:       cfg.Pulsetime,
		ProbeTimeout:    cfg.ProbeTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}

	var hub *api.Hub
	if cfg.StatusAddr != "" {
		hub = api.NewHub()
		opts.Publisher = hub
	}

	sched := scheduler.New(buildWatchers(p, cfg, host), rep, opts)

	if hub != nil {
		server := api.NewServer(api.Info{
			Version:   Version,
			Backend:   string(kind),
			Hostname:  host,
			ServerURL: cfg.ServerURL,
		}, sched, rep, hub)

		go func() {
			if err := server.Start(cfg.StatusAddr); err != nil {
				log.Error().Err(err).Msg("Status server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			server.Shutdown(shutdownCtx)
		}()
	}

	log.Info().Str("backend", string(kind)).Msg("deskwatch is running, press Ctrl+C to stop")

	if err := sched.Run(ctx); err != nil {
		return err
	}
	log.Info().Msg("Shut down gracefully")
	return nil
}

// openProbe detects and opens the desktop backend. A nil probe means the
// reporter runs without activity data.
func openProbe(cfg *config.Config) (probe.Probe, probe.Kind) {
	log := logger.WithComponent("main")

	kind, err := probe.Detect(os.Getenv, cfg.Backend)
	if err != nil {
		log.Warn().Err(err).Msg("No desktop backend detected, reporting without activity data")
		return nil, "none"
	}

	p, err := probe.Open(kind)
	if err != nil {
		log.Warn().Err(err).Str("backend", string(kind)).Msg("Desktop backend unavailable, reporting without activity data")
		return nil, kind
	}
	log.Info().Str("backend", p.Name()).Msg("Desktop backend opened")
	return p, kind
}

func buildWatchers(p probe.Probe, cfg *config.Config, host string) []watcher.Watcher {
	if p == nil {
		return nil
	}
	return []watcher.Watcher{
		watcher.NewIdleWatcher(p, models.AFKBucket(host), cfg.Idle.PollInterval, cfg.Idle.Threshold),
		watcher.NewWindowWatcher(p, models.WindowBucket(host), cfg.Window.PollInterval),
	}
}
