package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/bryanchriswhite/deskwatch/internal/config"
	"github.com/bryanchriswhite/deskwatch/internal/probe"
	"github.com/bryanchriswhite/deskwatch/internal/reporter"
	"github.com/spf13/cobra"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Query the desktop and the server once",
	Long: `Detect the desktop backend, print the current idle time and focused
window, and check that the ActivityWatch server is reachable.`,
	Example: `  # Check what deskwatch would see
  deskwatch probe

  # Try a specific backend
  deskwatch probe --backend kwin`,
	RunE: runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)
}

func runProbe(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	probeDesktop(out, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	defer cancel()

	client := reporter.NewClient(cfg.ServerURL, cfg.RequestTimeout)
	info, err := client.Info(ctx)
	if err != nil {
		fmt.Fprintf(out, "Server:        %s unreachable (%v)\n", client.BaseURL(), err)
		return nil
	}
	fmt.Fprintf(out, "Server:        %s (%s, version %s)\n", client.BaseURL(), info.Hostname, info.Version)
	return nil
}

func probeDesktop(out io.Writer, cfg *config.Config) {
	kind, err := probe.Detect(os.Getenv, cfg.Backend)
	if err != nil {
		fmt.Fprintf(out, "Backend:       none (%v)\n", err)
		return
	}

	p, err := probe.Open(kind)
	if err != nil {
		fmt.Fprintf(out, "Backend:       %s unavailable (%v)\n", kind, err)
		return
	}
	defer p.Close()
	fmt.Fprintf(out, "Backend:       %s\n", p.Name())

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ProbeTimeout)
	defer cancel()

	if idle, err := p.QueryIdle(ctx); err != nil {
		fmt.Fprintf(out, "Idle:          error: %v\n", err)
	} else {
		fmt.Fprintf(out, "Idle:          %s\n", idle.Round(time.Millisecond))
	}

	win, err := queryWindow(ctx, p)
	switch {
	case errors.Is(err, probe.ErrNoFocusedWindow):
		fmt.Fprintln(out, "Active window: none")
	case err != nil:
		fmt.Fprintf(out, "Active window: error: %v\n", err)
	default:
		fmt.Fprintf(out, "Active window: %s - %s\n", win.App, win.Title)
	}
}

// queryWindow retries while a push-based backend has not reported yet
func queryWindow(ctx context.Context, p probe.Probe) (probe.Window, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		win, err := p.QueryActiveWindow(ctx)
		if !errors.Is(err, probe.ErrNoFocusedWindow) || p.Name() != string(probe.KindKWin) {
			return win, err
		}
		select {
		case <-ctx.Done():
			return win, err
		case <-ticker.C:
		}
	}
}
