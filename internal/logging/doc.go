// Package logging provides structured logging with per-module log levels.
//
// Output is routed to every destination that is present: stdout when a
// terminal, pipe or file is connected, the systemd journal when journald is
// running, and an in-memory ring buffer that backs the logs API.
//
// Initialize once at startup:
//
//	logging.Initialize(logging.Config{
//		Level:  "info",
//		Format: "text",
//		Modules: map[string]string{
//			logging.ModuleIPC: "debug",
//		},
//	})
//
// and get a logger per module:
//
//	logger := logging.GetLogger(logging.ModuleLink).With("link", name)
//	logger.Info("State changed", "state", "running")
//
// Loggers handed out before Initialize keep working; their level follows the
// configuration once it is applied.
//
// # Viewing Logs
//
//	journalctl -t visionlink -f
//	journalctl -t visionlink MODULE=ipc -p warning
//
// # Configuration
//
//	[logging]
//	level = "info"
//	format = "text"
//
//	[logging.modules]
//	ipc = "debug"
//	http = "warn"
package logging
