// Package pipeline builds a chain of links from a description file and
// drives it through its lifecycle.
//
// Bring-up sends CREATE to every link upstream first, since each link reads
// the format its upstream publishes, then START downstream first so no link
// is notified before its consumer runs. Teardown sends STOP upstream first
// and DELETE downstream first. A failed bring-up unwinds what was done.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smazurov/visionlink/internal/config"
	"github.com/smazurov/visionlink/internal/events"
	"github.com/smazurov/visionlink/internal/ipc"
	"github.com/smazurov/visionlink/internal/link"
	"github.com/smazurov/visionlink/internal/links/algorithm"
	"github.com/smazurov/visionlink/internal/rategate"
	"github.com/smazurov/visionlink/internal/stats"
	"github.com/smazurov/visionlink/internal/system"
)

// DefaultControlTimeout bounds one lifecycle command when the caller's
// context has no deadline.
const DefaultControlTimeout = 5 * time.Second

// State is the state of the whole pipeline.
type State string

// Pipeline states.
const (
	StateStopped State = "stopped"
	StateRunning State = "running"
	StateClosed  State = "closed"
)

var (
	// ErrTopologyChanged is returned by Reload when links were added,
	// removed or rewired. Such changes need a restart.
	ErrTopologyChanged = errors.New("pipeline topology changed")
	// ErrClosed is returned once Close has run.
	ErrClosed = errors.New("pipeline closed")
)

// Options configures a Pipeline.
type Options struct {
	Logger *slog.Logger
	// LinkLogger is handed to link tasks, defaults to Logger.
	LinkLogger *slog.Logger
	Stats      *stats.Registry
	Bus        *events.Bus
	Plugins    *algorithm.PluginRegistry
	// SharedMemory places ipc channels in OS shared mappings.
	SharedMemory   bool
	MailboxSize    int
	DrainTimeout   time.Duration
	ControlTimeout time.Duration
}

// LinkStatus describes one link of a running pipeline.
type LinkStatus struct {
	Spec LinkSpec
	Info link.Info
	Next string
}

// Pipeline owns the registry, the ipc area and one task per link.
type Pipeline struct {
	opts   Options
	logger *slog.Logger
	runID  string
	reg    *system.Registry
	area   *ipc.Area
	ids    map[string]system.LinkID
	tasks  []*link.Task
	byName map[string]*link.Task

	mu      sync.Mutex
	desc    *Description
	state   State
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	watcher *config.Watcher[*Description]
}

// New validates desc and registers a task per link. Nothing runs until Start.
func New(desc *Description, opts Options) (*Pipeline, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.LinkLogger == nil {
		opts.LinkLogger = opts.Logger
	}
	if opts.Stats == nil {
		opts.Stats = stats.NewRegistry()
	}
	if opts.Plugins == nil {
		opts.Plugins = algorithm.DefaultPlugins()
	}
	if opts.ControlTimeout <= 0 {
		opts.ControlTimeout = DefaultControlTimeout
	}

	runID := uuid.NewString()
	logger := opts.Logger.With("pipeline", desc.Name, "run_id", runID)
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		opts:   opts,
		logger: logger,
		runID:  runID,
		reg:    system.NewRegistry(logger),
		area:   ipc.NewArea(opts.SharedMemory, logger),
		ids:    AssignIDs(desc),
		byName: make(map[string]*link.Task, len(desc.Links)),
		desc:   desc,
		state:  StateStopped,
		ctx:    ctx,
		cancel: cancel,
	}

	f := &factory{
		desc:         desc,
		ids:          p.ids,
		area:         p.area,
		plugins:      opts.Plugins,
		drainTimeout: opts.DrainTimeout,
	}
	for _, s := range desc.Links {
		driver, err := f.driver(s)
		if err == nil {
			err = p.addTask(s, driver)
		}
		if err != nil {
			p.release()
			return nil, err
		}
	}
	return p, nil
}

func (p *Pipeline) addTask(s LinkSpec, driver link.Driver) error {
	opts := link.Options{
		MailboxSize:   p.opts.MailboxSize,
		Logger:        p.opts.LinkLogger,
		Stats:         p.opts.Stats,
		OnStateChange: p.onStateChange(s.Type),
		OnDrop:        p.onDrop,
	}
	if s.CPU != nil {
		opts.Pin = true
		opts.CPU = *s.CPU
	}

	entry := system.Entry{ID: p.ids[s.Name], Name: s.Name, Type: s.Type}
	task, err := link.New(p.reg, entry, driver, opts)
	if err != nil {
		return fmt.Errorf("failed to register link %q: %w", s.Name, err)
	}
	p.tasks = append(p.tasks, task)
	p.byName[s.Name] = task
	return nil
}

func (p *Pipeline) onStateChange(typ string) link.StateChangeFunc {
	return func(info link.Info, from link.State) {
		if p.opts.Bus == nil {
			return
		}
		p.opts.Bus.Publish(events.LinkStateChangedEvent{
			RunID:     p.runID,
			LinkID:    info.ID.String(),
			Link:      info.Name,
			LinkType:  typ,
			From:      string(from),
			To:        string(info.State),
			Timestamp: time.Now().Format(time.RFC3339),
		})
	}
}

func (p *Pipeline) onDrop(name string, channel uint32, reason string, suppressed uint64) {
	if p.opts.Bus == nil {
		return
	}
	p.opts.Bus.Publish(events.LinkDropEvent{
		Link:       name,
		Channel:    channel,
		Reason:     reason,
		Suppressed: suppressed,
		Timestamp:  time.Now().Format(time.RFC3339),
	})
}

func (p *Pipeline) publishState(state State, cause error) {
	if p.opts.Bus == nil {
		return
	}
	ev := events.PipelineStateEvent{
		RunID:     p.runID,
		Name:      p.desc.Name,
		State:     string(state),
		Timestamp: time.Now().Format(time.RFC3339),
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	p.opts.Bus.Publish(ev)
}

func (p *Pipeline) control(ctx context.Context, task *link.Task, cmd system.Cmd, params any) (any, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.ControlTimeout)
		defer cancel()
	}
	return task.Control(ctx, cmd, params)
}

// Start creates and starts every link, then applies the configured frame
// rates. On failure the links already brought up are stopped and deleted and
// the pipeline stays stopped.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case StateClosed:
		return ErrClosed
	case StateRunning:
		return nil
	}

	if !p.started {
		for _, task := range p.tasks {
			task.Run(p.ctx)
		}
		p.started = true
	}

	var created []*link.Task
	for _, task := range p.tasks {
		if _, err := p.control(ctx, task, system.CmdCreate, nil); err != nil {
			p.logger.Error("Failed to create link", "link", task.Name(), "error", err)
			p.unwind(ctx, nil, created)
			p.publishState(StateStopped, err)
			return fmt.Errorf("create %s: %w", task.Name(), err)
		}
		created = append(created, task)
	}

	var started []*link.Task
	for i := len(p.tasks) - 1; i >= 0; i-- {
		task := p.tasks[i]
		if _, err := p.control(ctx, task, system.CmdStart, nil); err != nil {
			p.logger.Error("Failed to start link", "link", task.Name(), "error", err)
			p.unwind(ctx, started, created)
			p.publishState(StateStopped, err)
			return fmt.Errorf("start %s: %w", task.Name(), err)
		}
		started = append(started, task)
	}

	p.state = StateRunning
	p.applyFrameRates(ctx, p.desc, nil)
	p.logger.Info("Pipeline started", "links", len(p.tasks))
	p.publishState(StateRunning, nil)
	return nil
}

// unwind stops started (collected downstream first) upstream first, then
// deletes created (collected upstream first) in reverse.
func (p *Pipeline) unwind(ctx context.Context, started, created []*link.Task) {
	for i := len(started) - 1; i >= 0; i-- {
		if _, err := p.control(ctx, started[i], system.CmdStop, nil); err != nil {
			p.logger.Warn("Failed to stop link during unwind", "link", started[i].Name(), "error", err)
		}
	}
	for i := len(created) - 1; i >= 0; i-- {
		if _, err := p.control(ctx, created[i], system.CmdDelete, nil); err != nil {
			p.logger.Warn("Failed to delete link during unwind", "link", created[i].Name(), "error", err)
		}
	}
}

// Stop stops every link upstream first and deletes them downstream first.
// The pipeline can be started again afterwards.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopLocked(ctx)
}

func (p *Pipeline) stopLocked(ctx context.Context) error {
	if p.state != StateRunning {
		return nil
	}

	var errs []error
	for _, task := range p.tasks {
		if task.State() != link.StateRunning {
			continue
		}
		if _, err := p.control(ctx, task, system.CmdStop, nil); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", task.Name(), err))
		}
	}
	for i := len(p.tasks) - 1; i >= 0; i-- {
		task := p.tasks[i]
		if task.State() == link.StateIdle {
			continue
		}
		if _, err := p.control(ctx, task, system.CmdDelete, nil); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", task.Name(), err))
		}
	}

	p.state = StateStopped
	err := errors.Join(errs...)
	if err != nil {
		p.logger.Error("Pipeline stopped with errors", "error", err)
	} else {
		p.logger.Info("Pipeline stopped")
	}
	p.publishState(StateStopped, err)
	return err
}

// Close stops the pipeline, ends the link tasks and frees the ipc area.
func (p *Pipeline) Close(ctx context.Context) error {
	// The watcher is stopped without the lock: Stop waits for a reload in
	// progress, and reloads take the lock.
	p.mu.Lock()
	w := p.watcher
	p.watcher = nil
	p.mu.Unlock()
	p.stopWatcher(w)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateClosed {
		return nil
	}
	err := p.stopLocked(ctx)
	p.release()
	p.state = StateClosed
	p.publishState(StateClosed, nil)
	return err
}

func (p *Pipeline) release() {
	for i := len(p.tasks) - 1; i >= 0; i-- {
		p.tasks[i].Close()
	}
	p.cancel()
	p.area.Close()
	p.reg.Close()
}

// applyFrameRates sends the frame rates of d. Links listed in old but not in
// d get their gates reset to pass-through.
func (p *Pipeline) applyFrameRates(ctx context.Context, d, old *Description) {
	for _, s := range d.Links {
		task := p.byName[s.Name]
		if task == nil || !supportsFrameRate(s.Type) {
			continue
		}

		rates := s.FrameRates
		if len(rates) == 0 {
			if old == nil {
				continue
			}
			if prev, ok := old.Link(s.Name); !ok || len(prev.FrameRates) == 0 {
				continue
			}
			rates = []FrameRate{{InRate: rategate.DefaultRate, OutRate: rategate.DefaultRate}}
		}
		for _, fr := range rates {
			if _, err := p.control(ctx, task, system.CmdSetFrameRate, fr.Params()); err != nil {
				p.logger.Warn("Failed to apply frame rate", "link", s.Name, "error", err)
			}
		}
	}
}

// Reload applies the frame rates of d to the running links. Other changes
// are rejected with ErrTopologyChanged.
func (p *Pipeline) Reload(ctx context.Context, d *Description) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateClosed {
		return ErrClosed
	}
	if !p.desc.SameTopology(d) {
		p.logger.Warn("Pipeline topology changed, restart required to apply it")
		return ErrTopologyChanged
	}

	old := p.desc
	p.desc = d
	if p.state == StateRunning {
		p.applyFrameRates(ctx, d, old)
	}
	p.logger.Info("Pipeline frame rates reloaded")
	return nil
}

// Watch reloads frame rates whenever the description file at path changes.
func (p *Pipeline) Watch(path string, opts ...config.WatcherOption[*Description]) error {
	w := config.NewConfigWatcher(path, LoadFile, p.logger, opts...)
	w.OnReload(func(d *Description) {
		if err := p.Reload(context.Background(), d); err != nil && !errors.Is(err, ErrTopologyChanged) {
			p.logger.Warn("Failed to reload pipeline", "error", err)
		}
	})
	if err := w.Start(); err != nil {
		return fmt.Errorf("failed to watch pipeline file: %w", err)
	}

	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		p.stopWatcher(w)
		return ErrClosed
	}
	prev := p.watcher
	p.watcher = w
	p.mu.Unlock()
	p.stopWatcher(prev)
	return nil
}

func (p *Pipeline) stopWatcher(w *config.Watcher[*Description]) {
	if w == nil {
		return
	}
	if err := w.Stop(); err != nil {
		p.logger.Warn("Failed to stop pipeline watcher", "error", err)
	}
}

// Control sends cmd to the named link and waits for its answer.
func (p *Pipeline) Control(ctx context.Context, name string, cmd system.Cmd, params any) (any, error) {
	task, ok := p.byName[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, system.ErrLinkNotFound)
	}
	return p.control(ctx, task, cmd, params)
}

// SetFrameRate changes the frame rate of one link.
func (p *Pipeline) SetFrameRate(ctx context.Context, name string, fr system.FrameRateParams) error {
	if fr.InRate == 0 || fr.OutRate == 0 {
		return fmt.Errorf("frame rates must be positive: %w", system.ErrInvalidParams)
	}
	_, err := p.Control(ctx, name, system.CmdSetFrameRate, fr)
	return err
}

// Links returns the status of every link in description order.
func (p *Pipeline) Links() []LinkStatus {
	p.mu.Lock()
	d := p.desc
	p.mu.Unlock()

	out := make([]LinkStatus, 0, len(d.Links))
	for _, s := range d.Links {
		out = append(out, LinkStatus{Spec: s, Info: p.byName[s.Name].Info(), Next: strings.Join(d.Consumers(s.Name), ",")})
	}
	return out
}

// Link returns the status of the named link.
func (p *Pipeline) Link(name string) (LinkStatus, bool) {
	links := p.Links()
	i := slices.IndexFunc(links, func(l LinkStatus) bool { return l.Spec.Name == name })
	if i < 0 {
		return LinkStatus{}, false
	}
	return links[i], true
}

// Task returns the task of the named link.
func (p *Pipeline) Task(name string) (*link.Task, bool) {
	task, ok := p.byName[name]
	return task, ok
}

// Description returns the description in effect.
func (p *Pipeline) Description() *Description {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.desc
}

// State returns the pipeline state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// RunID identifies this pipeline instance in logs and events.
func (p *Pipeline) RunID() string {
	return p.runID
}

// Name returns the pipeline name.
func (p *Pipeline) Name() string {
	return p.Description().Name
}

// Stats returns the statistics registry of the links.
func (p *Pipeline) Stats() *stats.Registry {
	return p.opts.Stats
}

// Area returns the ipc area shared by the ipc links.
func (p *Pipeline) Area() *ipc.Area {
	return p.area
}

// Doorbells reports how many notifications were sent between links and how
// many of those were absorbed by one already pending.
func (p *Pipeline) Doorbells() (sent, coalesced uint64) {
	return p.reg.Notifier().Sent()
}
