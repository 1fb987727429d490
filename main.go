package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/danielgtaylor/huma/v2/humacli"

	"github.com/smazurov/visionlink/cmd"
	"github.com/smazurov/visionlink/internal/api"
	"github.com/smazurov/visionlink/internal/config"
	"github.com/smazurov/visionlink/internal/events"
	"github.com/smazurov/visionlink/internal/logging"
	"github.com/smazurov/visionlink/internal/metrics"
	"github.com/smazurov/visionlink/internal/pipeline"
	"github.com/smazurov/visionlink/internal/systemd"
	"github.com/smazurov/visionlink/internal/version"
)

// Options for the CLI - flat structure with toml mapping.
type Options struct {
	Config string `help:"Path to configuration file" short:"c" default:"config.toml"`

	// Server settings
	Port string `help:"Port to listen on" short:"p" default:":8090" toml:"server.port" env:"SERVER_PORT"`

	// Pipeline settings
	PipelineFile   string `help:"Pipeline description file" default:"pipeline.toml" toml:"pipeline.file" env:"PIPELINE_FILE"`
	DrainTimeoutMs int    `help:"How long ipcout waits for outstanding buffers on delete" default:"500" toml:"pipeline.drain_timeout_ms" env:"PIPELINE_DRAIN_TIMEOUT_MS"`
	MailboxSize    int    `help:"Control commands a link can queue" default:"32" toml:"pipeline.mailbox_size" env:"PIPELINE_MAILBOX_SIZE"`
	SharedMemory   bool   `help:"Place ipc channels in OS shared mappings" default:"true" toml:"pipeline.shared_memory" env:"PIPELINE_SHARED_MEMORY"`
	WatchPipeline  bool   `help:"Re-apply frame rates when the pipeline file changes" default:"true" toml:"pipeline.watch" env:"PIPELINE_WATCH"`

	// Auth settings
	AuthUsername string `help:"Basic auth username" default:"admin" toml:"auth.username" env:"AUTH_USERNAME"`
	AuthPassword string `help:"Basic auth password" default:"password" toml:"auth.password" env:"AUTH_PASSWORD"`

	// Metrics settings
	MetricsEnabled bool `help:"Serve Prometheus metrics on /metrics" default:"true" toml:"metrics.enabled" env:"METRICS_ENABLED"`
	MetricsRuntime bool `help:"Include Go runtime and process metrics" default:"false" toml:"metrics.runtime" env:"METRICS_RUNTIME"`

	// Logging settings
	LoggingLevel    string `help:"Global logging level (debug, info, warn, error)" default:"info" toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat   string `help:"Logging format (text, json)" default:"text" toml:"logging.format" env:"LOGGING_FORMAT"`
	LoggingSystem   string `help:"Registry and doorbell logging level" default:"info" toml:"logging.system" env:"LOGGING_SYSTEM"`
	LoggingLink     string `help:"Link task logging level" default:"info" toml:"logging.link" env:"LOGGING_LINK"`
	LoggingIPC      string `help:"IPC transport logging level" default:"info" toml:"logging.ipc" env:"LOGGING_IPC"`
	LoggingPipeline string `help:"Pipeline logging level" default:"info" toml:"logging.pipeline" env:"LOGGING_PIPELINE"`
	LoggingAPI      string `help:"API logging level" default:"info" toml:"logging.api" env:"LOGGING_API"`
	LoggingHTTP     string `help:"HTTP access logging level" default:"info" toml:"logging.http" env:"LOGGING_HTTP"`
}

func main() {
	var cli humacli.CLI
	cli = humacli.New(func(hooks humacli.Hooks, opts *Options) {
		if loadErr := config.LoadConfig(opts, cli.Root()); loadErr != nil {
			slog.Warn("Failed to load config", "error", loadErr)
		}

		logging.Initialize(logging.Config{
			Level:  opts.LoggingLevel,
			Format: opts.LoggingFormat,
			Modules: map[string]string{
				logging.ModuleSystem:   opts.LoggingSystem,
				logging.ModuleLink:     opts.LoggingLink,
				logging.ModuleIPC:      opts.LoggingIPC,
				logging.ModulePipeline: opts.LoggingPipeline,
				logging.ModuleAPI:      opts.LoggingAPI,
				logging.ModuleHTTP:     opts.LoggingHTTP,
			},
		})
		logger := logging.GetLogger(logging.ModuleMain)

		eventBus := events.New()

		// Forward buffered log entries to SSE subscribers.
		logging.SetLogCallback(func(entry logging.LogEntry) {
			eventBus.Publish(api.LogEvent(entry))
		})

		desc, err := pipeline.LoadFile(opts.PipelineFile)
		if err != nil {
			logger.Error("Failed to load pipeline", "file", opts.PipelineFile, "error", err)
			os.Exit(1)
		}

		p, err := pipeline.New(desc, pipeline.Options{
			Logger:       logging.GetLogger(logging.ModulePipeline),
			LinkLogger:   logging.GetLogger(logging.ModuleLink),
			Bus:          eventBus,
			SharedMemory: opts.SharedMemory,
			MailboxSize:  opts.MailboxSize,
			DrainTimeout: time.Duration(opts.DrainTimeoutMs) * time.Millisecond,
		})
		if err != nil {
			logger.Error("Failed to build pipeline", "error", err)
			os.Exit(1)
		}

		apiOpts := &api.Options{
			AuthUsername: opts.AuthUsername,
			AuthPassword: opts.AuthPassword,
			Pipeline:     p,
			EventBus:     eventBus,
		}
		if opts.MetricsEnabled {
			reg := metrics.NewRegistry(metrics.Options{
				Stats:       p.Stats(),
				Doorbells:   p.Doorbells,
				IPCChannels: p.Area().Channels,
				Runtime:     opts.MetricsRuntime,
			})
			apiOpts.MetricsHandler = metrics.Handler(reg)
		}
		server := api.NewServer(apiOpts)
		notifier := systemd.NewNotifier(logger)
		watchdogCtx, stopWatchdog := context.WithCancel(context.Background())

		hooks.OnStart(func() {
			if startErr := p.Start(context.Background()); startErr != nil {
				logger.Error("Failed to start pipeline", "error", startErr)
				_ = p.Close(context.Background())
				os.Exit(1)
			}

			if opts.WatchPipeline {
				if watchErr := p.Watch(opts.PipelineFile); watchErr != nil {
					logger.Warn("Failed to watch pipeline file, hot-reload disabled", "error", watchErr)
				}
			}

			notifier.Status(fmt.Sprintf("%s running, %d links", p.Name(), len(p.Links())))
			notifier.Ready()
			go notifier.Watchdog(watchdogCtx, func() bool { return p.State() == pipeline.StateRunning })

			logger.Info("Starting HTTP server", "port", opts.Port)
			if startErr := server.Start(opts.Port); startErr != nil && !errors.Is(startErr, http.ErrServerClosed) {
				logger.Error("Failed to start HTTP server", "error", startErr)
				_ = p.Close(context.Background())
				os.Exit(1)
			}
		})

		hooks.OnStop(func() {
			logger.Info("Shutting down")
			notifier.Stopping()
			stopWatchdog()
			if stopErr := server.Stop(); stopErr != nil {
				logger.Error("Error stopping HTTP server", "error", stopErr)
			}

			// The pipeline closes once the API stops taking requests.
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if closeErr := p.Close(ctx); closeErr != nil {
				logger.Error("Error closing pipeline", "error", closeErr)
			}
		})
	})

	root := cli.Root()
	root.Use = "visionlink"
	root.Short = "Run a link pipeline across emulated processors"
	root.Version = version.String()

	root.AddCommand(
		cmd.CreateValidateCmd(),
		cmd.CreateGraphCmd(),
		cmd.CreateBenchCmd(),
		cmd.CreateUpdateCmd(),
	)

	cli.Run()
}
