package link

import (
	"log/slog"

	"github.com/smazurov/visionlink/internal/stats"
	"github.com/smazurov/visionlink/internal/system"
)

// Context is handed to a Driver at CREATE. It stays valid until DELETE.
type Context struct {
	ID       system.LinkID
	Name     string
	Registry *system.Registry
	Logger   *slog.Logger
	Drops    *DropLogger
	Stats    *stats.Registry
}

// NotifyNext sends NEW_DATA to the downstream link.
func (c *Context) NotifyNext(next system.LinkID) {
	if next == system.InvalidLinkID {
		return
	}
	if err := c.Registry.SendCommand(next, system.CmdNewData); err != nil {
		c.Logger.Debug("Failed to notify downstream", "next", next.String(), "error", err)
	}
}

// Driver is the stage-specific part of a link. All methods run on the link
// task goroutine, one at a time.
type Driver interface {
	// Create validates inputs, resolves upstream link info and allocates
	// buffers. On error the link stays idle.
	Create(ctx *Context) error
	Start() error
	Stop() error
	// Delete releases everything Create allocated.
	Delete() error
	// ProcessData handles one NEW_DATA batch. It must not block on buffer
	// availability.
	ProcessData() error
	// Statistics returns the statistics block, nil before Create.
	Statistics() *stats.Link
}

// Releaser is implemented by drivers that act on RELEASE notifications.
type Releaser interface {
	ProcessRelease() error
}

// RateShaper is implemented by drivers that own frame-rate gates.
type RateShaper interface {
	SetFrameRate(p system.FrameRateParams) error
}

// Controller handles link specific commands (codes from system.CmdCustomBase).
type Controller interface {
	Control(cmd system.Cmd, params any) (any, error)
}

// DoorbellHandler selects the command a notifier ring turns into.
// Drivers that do not implement it receive NEW_DATA.
type DoorbellHandler interface {
	DoorbellCmd() system.Cmd
}
