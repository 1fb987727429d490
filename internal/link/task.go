package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smazurov/visionlink/internal/affinity"
	"github.com/smazurov/visionlink/internal/stats"
	"github.com/smazurov/visionlink/internal/system"
)

// DefaultMailboxSize is the number of control commands a task can queue.
const DefaultMailboxSize = 32

const (
	pendingNewData uint32 = 1 << iota
	pendingRelease
)

// StateChangeFunc is called from the task goroutine after every transition.
type StateChangeFunc func(info Info, from State)

// Options configures a Task.
type Options struct {
	MailboxSize int
	// Pin locks the task goroutine to CPU.
	Pin           bool
	CPU           int
	Logger        *slog.Logger
	Stats         *stats.Registry
	OnStateChange StateChangeFunc
	OnDrop        DropFunc
	// DropLogInterval and DropLogBurst throttle drop warnings.
	DropLogInterval time.Duration
	DropLogBurst    int
}

type result struct {
	value any
	err   error
}

type request struct {
	cmd    system.Cmd
	params any
	reply  chan result
}

// Task runs one link.
type Task struct {
	entry   system.Entry
	driver  Driver
	reg     *system.Registry
	opts    Options
	logger  *slog.Logger
	ctx     *Context
	mailbox chan request
	wake    chan struct{}
	pending atomic.Uint32
	state   atomic.Value
	ignored atomic.Uint64
	rung    atomic.Uint64

	runOnce  sync.Once
	stopOnce sync.Once
	quit     chan struct{}
	done     chan struct{}
}

// New registers a link and its doorbell in reg. The task does not process
// commands until Run is called.
func New(reg *system.Registry, entry system.Entry, driver Driver, opts Options) (*Task, error) {
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = DefaultMailboxSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.DropLogInterval <= 0 {
		opts.DropLogInterval = time.Second
	}
	if opts.DropLogBurst <= 0 {
		opts.DropLogBurst = 5
	}
	if opts.Stats == nil {
		opts.Stats = stats.NewRegistry()
	}

	logger := opts.Logger.With("link", entry.Name, "link_id", entry.ID.String())
	t := &Task{
		entry:   entry,
		driver:  driver,
		reg:     reg,
		opts:    opts,
		logger:  logger,
		mailbox: make(chan request, opts.MailboxSize),
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	t.state.Store(StateIdle)
	t.ctx = &Context{
		ID:       entry.ID,
		Name:     entry.Name,
		Registry: reg,
		Logger:   logger,
		Drops:    NewDropLogger(entry.Name, logger, opts.DropLogInterval, opts.DropLogBurst, opts.OnDrop),
		Stats:    opts.Stats,
	}

	var producer system.Link
	if l, ok := driver.(system.Link); ok {
		producer = l
	}
	if err := reg.Register(entry, producer, t); err != nil {
		return nil, err
	}
	if err := reg.Notifier().Register(entry.ID, t.doorbell); err != nil {
		reg.Unregister(entry.ID)
		return nil, err
	}
	return t, nil
}

// ID returns the link id.
func (t *Task) ID() system.LinkID {
	return t.entry.ID
}

// Name returns the link name.
func (t *Task) Name() string {
	return t.entry.Name
}

// Driver returns the stage implementation.
func (t *Task) Driver() Driver {
	return t.driver
}

// State returns the current lifecycle state.
func (t *Task) State() State {
	return t.state.Load().(State)
}

// Info returns a diagnostic snapshot.
func (t *Task) Info() Info {
	return Info{
		ID:      t.entry.ID,
		Name:    t.entry.Name,
		Type:    t.entry.Type,
		State:   t.State(),
		Mailbox: len(t.mailbox),
		Ignored: t.ignored.Load(),
	}
}

// Run starts the task goroutine. It returns immediately. The goroutine exits
// when ctx is cancelled or Close is called.
func (t *Task) Run(ctx context.Context) {
	t.runOnce.Do(func() {
		go t.loop(ctx)
	})
}

// Close stops the task goroutine and removes the link from the registry.
// The link should be deleted first.
func (t *Task) Close() {
	t.stopOnce.Do(func() {
		close(t.quit)
	})
	t.runOnce.Do(func() { close(t.done) })
	<-t.done
	t.reg.Unregister(t.entry.ID)
	t.opts.Stats.Remove(t.entry.Name)
}

// Post queues cmd without waiting for it to be handled.
func (t *Task) Post(cmd system.Cmd) error {
	switch cmd {
	case system.CmdNewData:
		t.raise(pendingNewData)
		return nil
	case system.CmdRelease:
		t.raise(pendingRelease)
		return nil
	}

	select {
	case <-t.done:
		return system.ErrStopped
	default:
	}
	select {
	case t.mailbox <- request{cmd: cmd}:
		return nil
	default:
		return fmt.Errorf("%s to %s: %w", cmd, t.entry.Name, system.ErrMailboxFull)
	}
}

// Control sends cmd and waits until the task has handled it.
func (t *Task) Control(ctx context.Context, cmd system.Cmd, params any) (any, error) {
	req := request{cmd: cmd, params: params, reply: make(chan result, 1)}

	select {
	case t.mailbox <- req:
	case <-t.done:
		return nil, system.ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-req.reply:
		return res.value, res.err
	case <-t.done:
		return nil, system.ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Task) raise(bit uint32) {
	t.pending.Or(bit)
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// doorbell runs on the notifier goroutine and must not touch driver state.
func (t *Task) doorbell() {
	t.rung.Add(1)
	cmd := system.CmdNewData
	if h, ok := t.driver.(DoorbellHandler); ok {
		cmd = h.DoorbellCmd()
	}
	_ = t.Post(cmd)
}

func (t *Task) loop(ctx context.Context) {
	defer close(t.done)

	if t.opts.Pin {
		if err := affinity.LockAndPin(t.opts.CPU); err != nil {
			t.logger.Warn("Failed to pin link task", "cpu", t.opts.CPU, "error", err)
		} else {
			t.logger.Debug("Link task pinned", "cpu", t.opts.CPU)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.quit:
			return
		case req := <-t.mailbox:
			value, err := t.dispatch(req.cmd, req.params)
			if req.reply != nil {
				req.reply <- result{value: value, err: err}
			} else if err != nil {
				t.logger.Warn("Command failed", "cmd", req.cmd.String(), "error", err)
			}
		case <-t.wake:
			bits := t.pending.Swap(0)
			if st := t.driver.Statistics(); st != nil {
				st.NotifyEvents.Add(t.rung.Swap(0))
			}
			if bits&pendingRelease != 0 {
				t.runBatch(system.CmdRelease)
			}
			if bits&pendingNewData != 0 {
				t.runBatch(system.CmdNewData)
			}
		}
	}
}

func (t *Task) runBatch(cmd system.Cmd) {
	if _, err := t.dispatch(cmd, nil); err != nil {
		if errors.Is(err, system.ErrInvalidState) {
			t.ignored.Add(1)
			t.logger.Debug("Notification ignored", "cmd", cmd.String(), "state", string(t.State()))
			return
		}
		t.logger.Warn("Batch failed", "cmd", cmd.String(), "error", err)
	}
}

func (t *Task) setState(to State) {
	from := t.State()
	if from == to {
		return
	}
	t.state.Store(to)
	t.logger.Info("Link state changed", "from", string(from), "to", string(to))
	if t.opts.OnStateChange != nil {
		t.opts.OnStateChange(t.Info(), from)
	}
}

func (t *Task) invalid(cmd system.Cmd) error {
	return fmt.Errorf("%s in state %s: %w", cmd, t.State(), system.ErrInvalidState)
}

// dispatch runs on the task goroutine only.
func (t *Task) dispatch(cmd system.Cmd, params any) (any, error) {
	state := t.State()

	switch cmd {
	case system.CmdCreate:
		if state != StateIdle {
			return nil, t.invalid(cmd)
		}
		if err := t.driver.Create(t.ctx); err != nil {
			return nil, system.NewLinkError(system.ErrCodeCreateFailed, t.entry.Name, "create failed", err)
		}
		if st := t.driver.Statistics(); st != nil {
			st.Arm()
			t.opts.Stats.Add(st)
		}
		t.setState(StateReady)
		return nil, nil

	case system.CmdStart:
		if state != StateReady {
			return nil, t.invalid(cmd)
		}
		if err := t.driver.Start(); err != nil {
			return nil, system.NewLinkError(system.ErrCodeStartFailed, t.entry.Name, "start failed", err)
		}
		if st := t.driver.Statistics(); st != nil {
			st.Arm()
		}
		t.setState(StateRunning)
		// Input may have arrived while the link was not running.
		t.raise(pendingNewData)
		return nil, nil

	case system.CmdStop:
		if state != StateRunning {
			return nil, t.invalid(cmd)
		}
		return nil, t.stop()

	case system.CmdDelete:
		if state == StateIdle {
			return nil, t.invalid(cmd)
		}
		if state == StateRunning {
			if err := t.stop(); err != nil {
				return nil, err
			}
		}
		if err := t.driver.Delete(); err != nil {
			return nil, system.NewLinkError(system.ErrCodeDeleteFailed, t.entry.Name, "delete failed", err)
		}
		t.opts.Stats.Remove(t.entry.Name)
		t.setState(StateIdle)
		return nil, nil

	case system.CmdNewData:
		if state != StateRunning {
			return nil, t.invalid(cmd)
		}
		if st := t.driver.Statistics(); st != nil {
			st.NewDataCmds.Add(1)
		}
		return nil, t.driver.ProcessData()

	case system.CmdRelease:
		if state == StateIdle {
			return nil, t.invalid(cmd)
		}
		r, ok := t.driver.(Releaser)
		if !ok {
			return nil, fmt.Errorf("%s on %s: %w", cmd, t.entry.Name, system.ErrUnsupported)
		}
		if st := t.driver.Statistics(); st != nil {
			st.ReleaseCmds.Add(1)
		}
		return nil, r.ProcessRelease()
	}

	if state == StateIdle {
		return nil, t.invalid(cmd)
	}

	switch cmd {
	case system.CmdPrintStatistics:
		if st := t.driver.Statistics(); st != nil {
			stats.Print(t.logger, st.Snapshot())
		}
		return nil, nil

	case system.CmdResetStatistics:
		if st := t.driver.Statistics(); st != nil {
			st.Reset()
		}
		return nil, nil

	case system.CmdSetFrameRate:
		p, ok := params.(system.FrameRateParams)
		if !ok {
			return nil, fmt.Errorf("%s expects FrameRateParams: %w", cmd, system.ErrInvalidParams)
		}
		shaper, ok := t.driver.(RateShaper)
		if !ok {
			return nil, fmt.Errorf("%s on %s: %w", cmd, t.entry.Name, system.ErrUnsupported)
		}
		if err := shaper.SetFrameRate(p); err != nil {
			return nil, err
		}
		t.logger.Info("Frame rate changed", "channel", p.Channel, "in_rate", p.InRate, "out_rate", p.OutRate)
		return nil, nil
	}

	ctrl, ok := t.driver.(Controller)
	if !ok {
		return nil, fmt.Errorf("%s (%d) on %s: %w", cmd, uint32(cmd), t.entry.Name, system.ErrUnsupported)
	}
	value, err := ctrl.Control(cmd, params)
	if err != nil {
		return nil, system.NewLinkError(system.ErrCodeCommandFailed, t.entry.Name, cmd.String(), err)
	}
	return value, nil
}

func (t *Task) stop() error {
	if err := t.driver.Stop(); err != nil {
		return system.NewLinkError(system.ErrCodeStopFailed, t.entry.Name, "stop failed", err)
	}
	t.setState(StateReady)
	return nil
}
