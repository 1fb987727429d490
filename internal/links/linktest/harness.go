// Package linktest runs link drivers on real tasks for tests.
package linktest

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/smazurov/visionlink/internal/link"
	"github.com/smazurov/visionlink/internal/stats"
	"github.com/smazurov/visionlink/internal/system"
	"github.com/stretchr/testify/require"
)

// Harness owns a registry and the tasks added to it.
type Harness struct {
	t        testing.TB
	Registry *system.Registry
	Stats    *stats.Registry
	Logger   *slog.Logger
	tasks    []*link.Task
	next     uint32
	ctx      context.Context

	mu    sync.Mutex
	drops map[string]map[string]int
}

// New creates a harness. Tasks are closed when the test ends.
func New(t testing.TB) *Harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithCancel(context.Background())
	h := &Harness{
		t:        t,
		Registry: system.NewRegistry(logger),
		Stats:    stats.NewRegistry(),
		Logger:   logger,
		ctx:      ctx,
		drops:    make(map[string]map[string]int),
	}
	t.Cleanup(func() {
		for i := len(h.tasks) - 1; i >= 0; i-- {
			if h.tasks[i].State() != link.StateIdle {
				_, _ = h.Control(h.tasks[i], system.CmdDelete, nil)
			}
		}
		for i := len(h.tasks) - 1; i >= 0; i-- {
			h.tasks[i].Close()
		}
		cancel()
		h.Registry.Close()
	})
	return h
}

// NextID returns the id the next Add call will use.
func (h *Harness) NextID() system.LinkID {
	return system.MakeLinkID(0, h.next)
}

// Add registers and runs a task for driver.
func (h *Harness) Add(name string, driver link.Driver) *link.Task {
	h.t.Helper()
	return h.AddOn(0, name, driver)
}

// AddOn registers driver on processor proc.
func (h *Harness) AddOn(proc system.ProcID, name string, driver link.Driver) *link.Task {
	h.t.Helper()
	id := system.MakeLinkID(proc, h.next)
	h.next++
	task, err := link.New(h.Registry, system.Entry{ID: id, Name: name, Type: name}, driver, link.Options{
		Logger: h.Logger,
		Stats:  h.Stats,
		OnDrop: h.recordDrop,
	})
	require.NoError(h.t, err)
	task.Run(h.ctx)
	h.tasks = append(h.tasks, task)
	return task
}

// Control sends cmd to task and waits for the acknowledgement.
func (h *Harness) Control(task *link.Task, cmd system.Cmd, params any) (any, error) {
	ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
	defer cancel()
	return task.Control(ctx, cmd, params)
}

// Must sends cmd to every task in order and fails the test on error.
func (h *Harness) Must(cmd system.Cmd, tasks ...*link.Task) {
	h.t.Helper()
	for _, task := range tasks {
		_, err := h.Control(task, cmd, nil)
		require.NoError(h.t, err, "%s %s", cmd, task.Name())
	}
}

// Eventually waits for cond with the timing used by link tests.
func (h *Harness) Eventually(cond func() bool, msg string) {
	h.t.Helper()
	require.Eventually(h.t, cond, 3*time.Second, 2*time.Millisecond, msg)
}

func (h *Harness) recordDrop(name string, _ uint32, reason string, _ uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.drops[name] == nil {
		h.drops[name] = make(map[string]int)
	}
	h.drops[name][reason]++
}

// Drops returns how many drop warnings link name reported for reason.
// Throttled reports are not counted.
func (h *Harness) Drops(name, reason string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.drops[name][reason]
}
