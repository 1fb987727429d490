package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smazurov/visionlink/internal/config"
	"github.com/smazurov/visionlink/internal/events"
	"github.com/smazurov/visionlink/internal/link"
	"github.com/smazurov/visionlink/internal/links/algorithm"
	"github.com/smazurov/visionlink/internal/links/rtpout"
	"github.com/smazurov/visionlink/internal/system"
)

const crossCore = `
name = "cross-core"

[[links]]
name = "src"
type = "nullsrc"
channels = 2
buffers_per_channel = 4
interval_ms = 1

[[links]]
name = "alg"
type = "algorithm"
input = "src"
plugin = "crc"

[[links]]
name = "out"
type = "ipcout"
input = "alg"

[[links]]
name = "in"
type = "ipcin"
proc = 1
input = "out"

[[links]]
name = "sink"
type = "null"
proc = 1
input = "in"
`

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newPipeline(t *testing.T, text string, opts Options) *Pipeline {
	t.Helper()
	desc, err := Parse([]byte(text))
	require.NoError(t, err)

	opts.Logger = quietLogger()
	p, err := New(desc, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, p.Close(context.Background()))
	})
	return p
}

func received(p *Pipeline, name string) uint64 {
	st, ok := p.Stats().Get(name)
	if !ok {
		return 0
	}
	return st.Snapshot().Totals().InRecv
}

func TestStartStopAcrossCores(t *testing.T) {
	p := newPipeline(t, crossCore, Options{})
	ctx := context.Background()

	require.NoError(t, p.Start(ctx))
	assert.Equal(t, StateRunning, p.State())
	for _, l := range p.Links() {
		assert.Equal(t, link.StateRunning, l.Info.State, l.Spec.Name)
	}
	assert.Equal(t, 1, p.Area().Channels())

	require.Eventually(t, func() bool { return received(p, "sink") >= 20 },
		3*time.Second, 2*time.Millisecond, "sink received nothing")

	require.NoError(t, p.Stop(ctx))
	assert.Equal(t, StateStopped, p.State())
	for _, l := range p.Links() {
		assert.Equal(t, link.StateIdle, l.Info.State, l.Spec.Name)
	}
	assert.Equal(t, 0, p.Area().Channels())

	// A stopped pipeline comes back up with fresh statistics.
	require.NoError(t, p.Start(ctx))
	require.Eventually(t, func() bool { return received(p, "sink") > 0 },
		3*time.Second, 2*time.Millisecond)
}

func TestLinkIDsFollowProcessors(t *testing.T) {
	p := newPipeline(t, crossCore, Options{})

	in, ok := p.Link("in")
	require.True(t, ok)
	assert.Equal(t, system.ProcID(1), in.Info.ID.Proc())
	assert.Equal(t, uint32(0), in.Info.ID.Instance())
	assert.Equal(t, "sink", in.Next)

	out, ok := p.Link("out")
	require.True(t, ok)
	assert.Equal(t, system.MakeLinkID(0, 2), out.Info.ID)

	_, ok = p.Link("missing")
	assert.False(t, ok)
}

type failingPlugin struct{}

func (failingPlugin) Name() string { return "failing" }
func (failingPlugin) Create(system.LinkInfo) (system.LinkInfo, error) {
	return system.LinkInfo{}, errors.New("no accelerator")
}
func (failingPlugin) Process(_, _ *system.Buffer) error { return nil }
func (failingPlugin) Delete() error                     { return nil }

func TestStartUnwindsOnCreateFailure(t *testing.T) {
	plugins := algorithm.DefaultPlugins()
	plugins.Register("failing", func() algorithm.Plugin { return failingPlugin{} })

	text := strings.Replace(crossCore, `plugin = "crc"`, `plugin = "failing"`, 1)
	p := newPipeline(t, text, Options{Plugins: plugins})

	err := p.Start(context.Background())
	require.Error(t, err)
	var le *system.LinkError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, system.ErrCodeCreateFailed, le.Code)
	assert.Equal(t, "alg", le.Link)

	assert.Equal(t, StateStopped, p.State())
	for _, l := range p.Links() {
		assert.Equal(t, link.StateIdle, l.Info.State, l.Spec.Name)
	}
	_, ok := p.Stats().Get("src")
	assert.False(t, ok, "unwound link keeps statistics")
}

func TestUnknownPluginRejected(t *testing.T) {
	desc, err := Parse([]byte(strings.Replace(crossCore, `plugin = "crc"`, `plugin = "fft"`, 1)))
	require.NoError(t, err)

	_, err = New(desc, Options{Logger: quietLogger()})
	assert.ErrorIs(t, err, ErrInvalidDescription)
}

func TestEventsPublished(t *testing.T) {
	bus := events.New()
	var mu sync.Mutex
	running := map[string]bool{}
	unsub := bus.Subscribe(func(e events.LinkStateChangedEvent) {
		mu.Lock()
		defer mu.Unlock()
		if e.To == string(link.StateRunning) {
			running[e.Link] = true
		}
	})
	defer unsub()

	states := make(chan events.PipelineStateEvent, 4)
	unsubState := bus.Subscribe(func(e events.PipelineStateEvent) { states <- e })
	defer unsubState()

	p := newPipeline(t, crossCore, Options{Bus: bus})
	require.NoError(t, p.Start(context.Background()))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(running) == 5
	}, 3*time.Second, 2*time.Millisecond)

	select {
	case e := <-states:
		assert.Equal(t, "running", e.State)
		assert.Equal(t, p.RunID(), e.RunID)
		assert.Equal(t, "cross-core", e.Name)
	case <-time.After(3 * time.Second):
		t.Fatal("no pipeline state event")
	}
}

func TestControlAndFrameRate(t *testing.T) {
	p := newPipeline(t, crossCore, Options{})
	ctx := context.Background()
	require.NoError(t, p.Start(ctx))

	require.NoError(t, p.SetFrameRate(ctx, "src", system.FrameRateParams{Channel: 1, InRate: 30, OutRate: 15}))
	err := p.SetFrameRate(ctx, "src", system.FrameRateParams{Channel: 9, InRate: 30, OutRate: 15})
	assert.ErrorIs(t, err, system.ErrInvalidParams)
	err = p.SetFrameRate(ctx, "src", system.FrameRateParams{Channel: 0, InRate: 0, OutRate: 15})
	assert.ErrorIs(t, err, system.ErrInvalidParams)
	err = p.SetFrameRate(ctx, "sink", system.FrameRateParams{Channel: 0, InRate: 30, OutRate: 15})
	assert.ErrorIs(t, err, system.ErrUnsupported)

	_, err = p.Control(ctx, "nope", system.CmdPrintStatistics, nil)
	assert.ErrorIs(t, err, system.ErrLinkNotFound)
	_, err = p.Control(ctx, "sink", system.CmdResetStatistics, nil)
	assert.NoError(t, err)
}

func withSourceRate(out int) string {
	rate := "frame_rate = [{ channel = 0, in_rate = 30, out_rate = " + strconv.Itoa(out) + " }]\n"
	return strings.Replace(crossCore, "interval_ms = 1\n", "interval_ms = 1\n"+rate, 1)
}

func TestReload(t *testing.T) {
	p := newPipeline(t, crossCore, Options{})
	ctx := context.Background()
	require.NoError(t, p.Start(ctx))

	withRate, err := Parse([]byte(withSourceRate(10)))
	require.NoError(t, err)
	require.NoError(t, p.Reload(ctx, withRate))
	src, _ := p.Description().Link("src")
	require.Len(t, src.FrameRates, 1)
	assert.Equal(t, system.FrameRateParams{Channel: 0, InRate: 30, OutRate: 10}, src.FrameRates[0].Params())

	// Dropping the entry resets the gates.
	plain, err := Parse([]byte(crossCore))
	require.NoError(t, err)
	require.NoError(t, p.Reload(ctx, plain))

	rewired, err := Parse([]byte(strings.Replace(crossCore, `plugin = "crc"`, `plugin = "copy"`, 1)))
	require.NoError(t, err)
	assert.ErrorIs(t, p.Reload(ctx, rewired), ErrTopologyChanged)
	assert.Same(t, plain, p.Description())
}

func TestWatchReloadsFrameRates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.toml")
	require.NoError(t, os.WriteFile(path, []byte(crossCore), 0o644))

	desc, err := LoadFile(path)
	require.NoError(t, err)
	p, err := New(desc, Options{Logger: quietLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, p.Close(context.Background())) })

	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Watch(path, config.WithDebounce[*Description](10*time.Millisecond)))

	require.NoError(t, os.WriteFile(path, []byte(withSourceRate(5)), 0o644))

	require.Eventually(t, func() bool {
		src, _ := p.Description().Link("src")
		return len(src.FrameRates) == 1
	}, 3*time.Second, 5*time.Millisecond)
}

func TestCloseIsFinal(t *testing.T) {
	desc, err := Parse([]byte(crossCore))
	require.NoError(t, err)
	p, err := New(desc, Options{Logger: quietLogger()})
	require.NoError(t, err)

	require.NoError(t, p.Close(context.Background()))
	assert.Equal(t, StateClosed, p.State())
	assert.ErrorIs(t, p.Start(context.Background()), ErrClosed)
	assert.NoError(t, p.Close(context.Background()))
}

func TestRTPOutSink(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()

	text := strings.Replace(crossCore, "type = \"null\"\nproc = 1\n",
		"type = \"rtpout\"\nproc = 1\naddr = \""+conn.LocalAddr().String()+"\"\nssrc = 42\n", 1)
	p := newPipeline(t, text, Options{})
	require.NoError(t, p.Start(context.Background()))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	buf := make([]byte, 2048)
	n, _, err := conn.ReadFrom(buf)
	require.NoError(t, err)

	var pkt rtp.Packet
	require.NoError(t, pkt.Unmarshal(buf[:n]))
	assert.Equal(t, uint8(rtpout.DefaultPayloadType), pkt.PayloadType)
	assert.Contains(t, []uint32{42, 43}, pkt.SSRC)
}

func TestSplitJoinPipeline(t *testing.T) {
	p := newPipeline(t, splitJoin, Options{})
	require.NoError(t, p.Start(context.Background()))

	require.Eventually(t, func() bool { return received(p, "sink") >= 60 }, 3*time.Second, 5*time.Millisecond)

	st, ok := p.Stats().Get("sink")
	require.True(t, ok)
	assert.Equal(t, 3, st.NumChannels(), "merge republishes every selected channel")

	status, ok := p.Link("sel")
	require.True(t, ok)
	assert.Equal(t, "merge", status.Next)
	status, ok = p.Link("merge")
	require.True(t, ok)
	assert.Equal(t, []string{"sel", "sel"}, status.Spec.Upstream())

	require.NoError(t, p.Stop(context.Background()))
}
