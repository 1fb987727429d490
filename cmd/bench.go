package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/smazurov/visionlink/internal/logging"
	"github.com/smazurov/visionlink/internal/pipeline"
	"github.com/smazurov/visionlink/internal/stats"
)

// BenchOptions configures a bench run.
type BenchOptions struct {
	Duration     time.Duration
	SharedMemory bool
	DrainTimeout time.Duration
	JSON         bool
}

// CreateBenchCmd creates the bench command.
func CreateBenchCmd() *cobra.Command {
	var opts BenchOptions
	var logJSON bool
	var logLevel string

	cmd := &cobra.Command{
		Use:   "bench [pipeline-file]",
		Short: "Run a pipeline for a fixed time and report statistics",
		Long: `Brings up the pipeline, lets it run for --duration (or until interrupted), ` +
			`writes every link's statistics to the log and prints a per-link summary.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			loggingConfig := logging.Config{Level: logLevel, Format: "text"}
			if logJSON {
				loggingConfig.Format = "json"
			}
			logging.Initialize(loggingConfig)

			desc, err := pipeline.LoadFile(args[0])
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			snaps, err := RunBench(ctx, desc, opts)
			if err != nil {
				return err
			}
			if opts.JSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(snaps)
			}
			writeSummary(cmd.OutOrStdout(), snaps)
			return nil
		},
	}

	cmd.Flags().DurationVar(&opts.Duration, "duration", 5*time.Second, "How long to run the pipeline")
	cmd.Flags().BoolVar(&opts.SharedMemory, "shared-memory", false, "Place ipc channels in shared mappings")
	cmd.Flags().DurationVar(&opts.DrainTimeout, "drain-timeout", 0, "How long ipcout waits for outstanding buffers on delete")
	cmd.Flags().BoolVar(&opts.JSON, "json", false, "Print statistics as JSON")
	cmd.Flags().BoolVar(&logJSON, "log-json", false, "Use JSON log format")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Logging level (debug, info, warn, error)")

	return cmd
}

// RunBench runs desc until opts.Duration elapses or ctx is done and returns
// the statistics of every link in description order.
func RunBench(ctx context.Context, desc *pipeline.Description, opts BenchOptions) ([]stats.Snapshot, error) {
	logger := logging.GetLogger(logging.ModuleMain)

	p, err := pipeline.New(desc, pipeline.Options{
		Logger:       logging.GetLogger(logging.ModulePipeline),
		LinkLogger:   logging.GetLogger(logging.ModuleLink),
		SharedMemory: opts.SharedMemory,
		DrainTimeout: opts.DrainTimeout,
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := p.Close(context.Background()); closeErr != nil {
			logger.Warn("Failed to close pipeline", "error", closeErr)
		}
	}()

	if err := p.Start(ctx); err != nil {
		return nil, err
	}
	logger.Info("Bench running", "pipeline", desc.Name, "run_id", p.RunID(), "duration", opts.Duration)

	timer := time.NewTimer(opts.Duration)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		logger.Info("Bench interrupted")
	}

	// Snapshot before STOP so rates reflect the running pipeline.
	snaps := make([]stats.Snapshot, 0, len(desc.Links))
	for _, s := range desc.Links {
		st, ok := p.Stats().Get(s.Name)
		if !ok {
			continue
		}
		snap := st.Snapshot()
		stats.Print(logger, snap)
		snaps = append(snaps, snap)
	}

	if err := p.Stop(context.Background()); err != nil {
		return snaps, err
	}
	sent, coalesced := p.Doorbells()
	logger.Info("Bench finished", "doorbells_sent", sent, "doorbells_coalesced", coalesced)
	return snaps, nil
}

func writeSummary(w io.Writer, snaps []stats.Snapshot) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "LINK\tRECV\tIN FPS\tOUT\tOUT FPS\tDROP BP\tDROP GATE\tLOCAL AVG us\tIPC AVG us")
	for _, s := range snaps {
		t := s.Totals()
		fmt.Fprintf(tw, "%s\t%d\t%.1f\t%d\t%.1f\t%d\t%d\t%d\t%d\n",
			s.Link, t.InRecv, t.InFPS, t.OutCount, t.OutFPS,
			t.InDropBackpressure, t.InDropRateGate, s.LocalLatency.Avg, s.IPCLatency.Avg)
	}
	_ = tw.Flush()
}
