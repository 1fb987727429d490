package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smazurov/visionlink/internal/stats"
	"github.com/smazurov/visionlink/internal/system"
)

func sampleRegistry() *stats.Registry {
	reg := stats.NewRegistry()

	src := stats.NewLink("src", 2)
	src.Channel(0).OutCount.Add(5)
	src.Channel(1).OutCount.Add(3)
	src.Channel(1).OutDrop.Add(1)
	src.NewDataCmds.Add(8)
	reg.Add(src)

	in := stats.NewLink("ipc_in", 1)
	in.Observe(&system.Buffer{Channel: 0, SrcTimestamp: 100, LocalTimestamp: 150}, 200)
	in.IPCLatency.Update(40)
	in.ForcedReclaims.Add(2)
	reg.Add(in)
	return reg
}

func TestLinkCollector(t *testing.T) {
	c := NewLinkCollector(sampleRegistry())

	// 7 link counters, 6 channel counters per channel, 3 span sample
	// counters and 1 elapsed gauge per link, 3 latency stats per non-empty span.
	want := 2*(7+3+1) + 3*6 + 3*3
	assert.Equal(t, want, testutil.CollectAndCount(c))

	assert.Equal(t, 3, testutil.CollectAndCount(c, "visionlink_channel_out_total"))
	assert.Equal(t, 9, testutil.CollectAndCount(c, "visionlink_link_latency_microseconds"))
}

func TestRegistryExposition(t *testing.T) {
	reg := NewRegistry(Options{
		Stats:       sampleRegistry(),
		Doorbells:   func() (uint64, uint64) { return 10, 4 },
		IPCChannels: func() int { return 1 },
	})

	expected := `
# HELP visionlink_channel_out_drop_total Output buffers dropped
# TYPE visionlink_channel_out_drop_total counter
visionlink_channel_out_drop_total{channel="0",link="ipc_in"} 0
visionlink_channel_out_drop_total{channel="0",link="src"} 0
visionlink_channel_out_drop_total{channel="1",link="src"} 1
# HELP visionlink_doorbell_coalesced_total Doorbell notifications merged into a pending one
# TYPE visionlink_doorbell_coalesced_total counter
visionlink_doorbell_coalesced_total 4
# HELP visionlink_ipc_channels Allocated ipc channels
# TYPE visionlink_ipc_channels gauge
visionlink_ipc_channels 1
# HELP visionlink_link_forced_reclaims_total IPC indices reclaimed without a release
# TYPE visionlink_link_forced_reclaims_total counter
visionlink_link_forced_reclaims_total{link="ipc_in"} 2
visionlink_link_forced_reclaims_total{link="src"} 0
# HELP visionlink_link_latency_microseconds Latency aggregate since the last statistics reset
# TYPE visionlink_link_latency_microseconds gauge
visionlink_link_latency_microseconds{link="ipc_in",span="ipc",stat="avg"} 40
visionlink_link_latency_microseconds{link="ipc_in",span="ipc",stat="max"} 40
visionlink_link_latency_microseconds{link="ipc_in",span="ipc",stat="min"} 40
visionlink_link_latency_microseconds{link="ipc_in",span="local",stat="avg"} 50
visionlink_link_latency_microseconds{link="ipc_in",span="local",stat="max"} 50
visionlink_link_latency_microseconds{link="ipc_in",span="local",stat="min"} 50
visionlink_link_latency_microseconds{link="ipc_in",span="src_to_link",stat="avg"} 100
visionlink_link_latency_microseconds{link="ipc_in",span="src_to_link",stat="max"} 100
visionlink_link_latency_microseconds{link="ipc_in",span="src_to_link",stat="min"} 100
`
	err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"visionlink_channel_out_drop_total",
		"visionlink_doorbell_coalesced_total",
		"visionlink_ipc_channels",
		"visionlink_link_forced_reclaims_total",
		"visionlink_link_latency_microseconds",
	)
	require.NoError(t, err)
}

func TestHandler(t *testing.T) {
	reg := NewRegistry(Options{Stats: sampleRegistry(), Runtime: true})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	Handler(reg).ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `visionlink_channel_out_total{channel="0",link="src"} 5`)
	assert.Contains(t, body, "go_goroutines")
}

func TestEmptySource(t *testing.T) {
	c := NewLinkCollector(stats.NewRegistry())
	assert.Equal(t, 0, testutil.CollectAndCount(c))
}
