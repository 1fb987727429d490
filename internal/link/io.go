package link

import (
	"fmt"
	"sync/atomic"

	"github.com/smazurov/visionlink/internal/bufqueue"
	"github.com/smazurov/visionlink/internal/stats"
	"github.com/smazurov/visionlink/internal/system"
)

type outputSet struct {
	info  system.LinkInfo
	pools []*bufqueue.Pool
	st    *stats.Link
}

// Output implements the producer side of system.Link over one pool per
// output queue. Drivers embed it, publish their pools at CREATE and withdraw
// them at DELETE. Neighbors may call it from any goroutine.
type Output struct {
	cur atomic.Pointer[outputSet]
}

// Publish makes pools visible to consumers.
func (o *Output) Publish(info system.LinkInfo, pools []*bufqueue.Pool, st *stats.Link) {
	o.cur.Store(&outputSet{info: info.Clone(), pools: pools, st: st})
}

// Withdraw hides the pools again and returns them.
func (o *Output) Withdraw() []*bufqueue.Pool {
	set := o.cur.Swap(nil)
	if set == nil {
		return nil
	}
	return set.pools
}

// Pool returns the pool of output queue q, or nil.
func (o *Output) Pool(q uint16) *bufqueue.Pool {
	set := o.cur.Load()
	if set == nil || int(q) >= len(set.pools) {
		return nil
	}
	return set.pools[q]
}

// GetFullBuffers implements system.Link.
func (o *Output) GetFullBuffers(q uint16) system.BufferList {
	set := o.cur.Load()
	if set == nil || int(q) >= len(set.pools) {
		return nil
	}
	if set.st != nil {
		set.st.GetFullCalls.Add(1)
	}
	return set.pools[q].GetFull(0)
}

// PutEmptyBuffers implements system.Link.
func (o *Output) PutEmptyBuffers(q uint16, list system.BufferList) error {
	set := o.cur.Load()
	if set == nil {
		system.Violationf("%d buffers returned to a link that has no buffers", len(list))
	}
	if int(q) >= len(set.pools) {
		return fmt.Errorf("queue %d: %w", q, system.ErrQueueNotFound)
	}
	if set.st != nil {
		set.st.PutEmptyCalls.Add(1)
	}
	set.pools[q].PutEmpty(list)
	return nil
}

// LinkInfo implements system.Link.
func (o *Output) LinkInfo() (system.LinkInfo, error) {
	set := o.cur.Load()
	if set == nil {
		return system.LinkInfo{}, fmt.Errorf("link info before create: %w", system.ErrInvalidState)
	}
	return set.info.Clone(), nil
}

// Input is a resolved binding to an upstream output queue.
type Input struct {
	Params system.InQueueParams
	Info   system.QueueInfo
}

// ResolveInput looks up the upstream queue once, at CREATE.
func ResolveInput(ctx *Context, p system.InQueueParams) (Input, error) {
	info, err := ctx.Registry.GetLinkInfo(p.PrevLinkID)
	if err != nil {
		return Input{}, fmt.Errorf("resolve input %s: %w", p.PrevLinkID, err)
	}
	q, err := info.Queue(p.PrevQueueID)
	if err != nil {
		return Input{}, fmt.Errorf("resolve input %s: %w", p.PrevLinkID, err)
	}
	if q.NumChannels() == 0 {
		return Input{}, fmt.Errorf("input %s queue %d has no channels: %w", p.PrevLinkID, p.PrevQueueID, system.ErrInvalidParams)
	}
	return Input{Params: p, Info: q}, nil
}

// Pull takes every ready buffer from upstream.
func (in Input) Pull(ctx *Context) system.BufferList {
	return ctx.Registry.GetFullBuffers(in.Params.PrevLinkID, in.Params.PrevQueueID)
}

// Release hands buffers back to upstream.
func (in Input) Release(ctx *Context, list system.BufferList) {
	if len(list) == 0 {
		return
	}
	if err := ctx.Registry.PutEmptyBuffers(in.Params.PrevLinkID, in.Params.PrevQueueID, list); err != nil {
		ctx.Logger.Error("Failed to release buffers upstream", "prev", in.Params.PrevLinkID.String(), "count", len(list), "error", err)
	}
}

// Drain pulls batch after batch until upstream has nothing left and hands
// each batch to fn. A single NEW_DATA may stand for more than one batch, so
// consumers drain here rather than pull once. It returns the number of
// buffers seen.
func (in Input) Drain(ctx *Context, fn func(system.BufferList)) int {
	total := 0
	for {
		list := in.Pull(ctx)
		if len(list) == 0 {
			return total
		}
		total += len(list)
		fn(list)
		if len(list) < system.MaxBuffersInList {
			return total
		}
	}
}
