package hlsmon

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureEmitter records emitted events for assertions.
type captureEmitter struct {
	mu     sync.Mutex
	events []capturedEvent
}

type capturedEvent struct {
	name string
	data any
}

func (c *captureEmitter) Emit(name string, data any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, capturedEvent{name: name, data: data})
}

func (c *captureEmitter) byName(name string) []capturedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []capturedEvent
	for _, e := range c.events {
		if e.name == name {
			out = append(out, e)
		}
	}
	return out
}

func (c *captureEmitter) count(name string) int {
	return len(c.byName(name))
}

// hlsOrigin is a fake live HLS source. The low variant's window advances
// by one segment per fetch, the high variant numbers from zero.
type hlsOrigin struct {
	srv        *httptest.Server
	lowSeq     atomic.Int64
	lowDelay   atomic.Int64 // nanoseconds to stall low-variant responses
	faillow    atomic.Int32 // pending 500s on the low variant
	masterCode atomic.Int32
}

func newHLSOrigin() *hlsOrigin {
	o := &hlsOrigin{}
	o.lowSeq.Store(10)
	o.masterCode.Store(http.StatusOK)
	mux := http.NewServeMux()
	mux.HandleFunc("/master.m3u8", func(w http.ResponseWriter, r *http.Request) {
		if code := int(o.masterCode.Load()); code != http.StatusOK {
			http.Error(w, "unavailable", code)
			return
		}
		fmt.Fprint(w, "#EXTM3U\n"+
			"#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=640x360\nlow.m3u8\n"+
			"#EXT-X-STREAM-INF:BANDWIDTH=3000000,RESOLUTION=1920x1080\nhigh.m3u8\n")
	})
	mux.HandleFunc("/low.m3u8", func(w http.ResponseWriter, r *http.Request) {
		if d := o.lowDelay.Load(); d > 0 {
			time.Sleep(time.Duration(d))
		}
		if o.shouldFailLow() {
			http.Error(w, "upstream error", http.StatusInternalServerError)
			return
		}
		seq := o.lowSeq.Add(1) - 1
		fmt.Fprint(w, mediaWindow(seq, 3, "seg"))
	})
	mux.HandleFunc("/high.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, mediaWindow(0, 3, "hseg"))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, ".ts") {
			w.Write([]byte("segmentdata"))
			return
		}
		http.NotFound(w, r)
	})
	o.srv = httptest.NewServer(mux)
	return o
}

// failLowOnce makes the next low-variant fetch return a 500.
func (o *hlsOrigin) failLowOnce() {
	o.faillow.Add(1)
}

func (o *hlsOrigin) shouldFailLow() bool {
	for {
		n := o.faillow.Load()
		if n <= 0 {
			return false
		}
		if o.faillow.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

func mediaWindow(seq int64, n int, prefix string) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:0\n")
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", seq)
	for i := 0; i < n; i++ {
		b.WriteString("#EXTINF:0.5,\n")
		fmt.Fprintf(&b, "%s%d.ts\n", prefix, seq+int64(i))
	}
	return b.String()
}

func testMonitorConfig() MonitorConfig {
	cfg := DefaultMonitorConfig()
	cfg.PollFloor = 10 * time.Millisecond
	cfg.ErrorBackoff = 10 * time.Millisecond
	cfg.MaxBackoff = 50 * time.Millisecond
	// Local fetches are fast, keep timing alarms out of these tests
	cfg.Alarms.SegmentDownloadTime = time.Minute
	cfg.Alarms.ManifestDownloadTime = time.Minute
	return cfg
}

func newTestMonitor(t *testing.T, origin *hlsOrigin) (*StreamMonitor, *captureEmitter) {
	t.Helper()
	emitter := &captureEmitter{}
	m := NewStreamMonitor("test-client", origin.srv.URL+"/master.m3u8", "test",
		emitter, testFetcher(), testMonitorConfig(), zerolog.Nop())
	t.Cleanup(m.Stop)
	return m, emitter
}

func TestStartEmitsProfilesInOrder(t *testing.T) {
	origin := newHLSOrigin()
	defer origin.srv.Close()
	m, emitter := newTestMonitor(t, origin)

	require.NoError(t, m.Start())
	assert.Equal(t, StateAwaitingSelection, m.State())

	events := emitter.byName(EventProfilesAvailable)
	require.Len(t, events, 1)
	profiles := events[0].data.([]Profile)
	require.Len(t, profiles, 2)
	assert.Equal(t, "low.m3u8", profiles[0].URI)
	assert.Equal(t, "high.m3u8", profiles[1].URI)

	// The master fetch itself is reported as a manifest observation
	manifests := emitter.byName(EventManifestUpdate)
	require.Len(t, manifests, 1)
	obs := manifests[0].data.(ManifestObservation)
	assert.Equal(t, KindMaster, obs.Kind)
	assert.True(t, obs.IsFirstSeen)
	assert.Nil(t, obs.MediaSequence)
}

func TestStartMasterErrorIsFatal(t *testing.T) {
	origin := newHLSOrigin()
	defer origin.srv.Close()
	origin.masterCode.Store(http.StatusInternalServerError)
	m, emitter := newTestMonitor(t, origin)

	err := m.Start()
	var herr *HTTPError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, http.StatusInternalServerError, herr.Status)
	assert.Equal(t, StateStopped, m.State())
	assert.Equal(t, 1, emitter.count(EventError))
	assert.Equal(t, 1, emitter.count(EventMonitorStopped))
}

func TestSelectUnknownProfile(t *testing.T) {
	origin := newHLSOrigin()
	defer origin.srv.Close()
	m, emitter := newTestMonitor(t, origin)
	require.NoError(t, m.Start())

	err := m.SelectProfile("missing.m3u8")
	assert.ErrorIs(t, err, ErrProfileNotFound)
	assert.Equal(t, StateAwaitingSelection, m.State())
	assert.Zero(t, emitter.count(EventProfileSelected))
	// No poll loop started: still only the master observation
	assert.Equal(t, 1, emitter.count(EventManifestUpdate))
}

func TestPollingEmitsContinuouslyAndDedupsSegments(t *testing.T) {
	origin := newHLSOrigin()
	defer origin.srv.Close()
	m, emitter := newTestMonitor(t, origin)
	require.NoError(t, m.Start())
	require.NoError(t, m.SelectProfile("low.m3u8"))
	assert.Equal(t, StatePolling, m.State())

	// Wait for several poll iterations (master + variants)
	assert.Eventually(t, func() bool {
		return emitter.count(EventManifestUpdate) >= 4
	}, 5*time.Second, 10*time.Millisecond)
	m.Stop()

	// Every successful iteration emitted exactly one manifest observation
	variants := 0
	for _, e := range emitter.byName(EventManifestUpdate) {
		obs := e.data.(ManifestObservation)
		if obs.Kind == KindVariant {
			variants++
			require.NotNil(t, obs.MediaSequence)
		}
	}
	assert.GreaterOrEqual(t, variants, 3)

	// Overlapping windows never produce a duplicate segment report
	seen := make(map[int64]bool)
	for _, e := range emitter.byName(EventSegmentUpdate) {
		obs := e.data.(SegmentObservation)
		assert.False(t, seen[obs.SequenceNumber], "segment %d reported twice", obs.SequenceNumber)
		seen[obs.SequenceNumber] = true
	}
	assert.NotEmpty(t, seen)

	// Windows advance by one, no jump alarms expected
	for _, e := range emitter.byName(EventAlarm) {
		assert.NotEqual(t, "Media Sequence Jump", e.data.(Alarm).Title)
	}
}

func TestPollingSurvivesServerError(t *testing.T) {
	origin := newHLSOrigin()
	defer origin.srv.Close()
	m, emitter := newTestMonitor(t, origin)
	require.NoError(t, m.Start())
	require.NoError(t, m.SelectProfile("low.m3u8"))

	// Let it poll, then fail one fetch
	assert.Eventually(t, func() bool {
		return emitter.count(EventManifestUpdate) >= 2
	}, 5*time.Second, 10*time.Millisecond)
	origin.failLowOnce()

	// The failed poll raises an HTTP 500 alarm and the loop keeps going
	assert.Eventually(t, func() bool {
		for _, e := range emitter.byName(EventAlarm) {
			if strings.Contains(e.data.(Alarm).Title, "500") {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	before := emitter.count(EventManifestUpdate)
	assert.Eventually(t, func() bool {
		return emitter.count(EventManifestUpdate) > before
	}, 5*time.Second, 10*time.Millisecond)
	assert.NotEqual(t, StateStopped, m.State())
}

func TestProfileSwitchResetsSequenceState(t *testing.T) {
	origin := newHLSOrigin()
	defer origin.srv.Close()
	m, emitter := newTestMonitor(t, origin)
	require.NoError(t, m.Start())
	require.NoError(t, m.SelectProfile("low.m3u8"))

	assert.Eventually(t, func() bool {
		return emitter.count(EventSegmentUpdate) >= 3
	}, 5*time.Second, 10*time.Millisecond)

	// Switch to the variant numbered from zero, far below low's window
	require.NoError(t, m.SwitchProfile("high.m3u8"))
	assert.Equal(t, StatePolling, m.State())

	assert.Eventually(t, func() bool {
		for _, e := range emitter.byName(EventSegmentUpdate) {
			if obs := e.data.(SegmentObservation); obs.SequenceNumber == 0 {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
	m.Stop()

	// The old variant's numbering must not leak into jump detection
	for _, e := range emitter.byName(EventAlarm) {
		assert.NotEqual(t, "Media Sequence Jump", e.data.(Alarm).Title)
	}
}

func TestSwitchDuringInflightPollUsesNewNumbering(t *testing.T) {
	origin := newHLSOrigin()
	defer origin.srv.Close()
	m, emitter := newTestMonitor(t, origin)
	require.NoError(t, m.Start())

	// Stall the first low poll long enough for the switch to land while
	// the fetch is still in flight
	origin.lowDelay.Store(int64(300 * time.Millisecond))
	require.NoError(t, m.SelectProfile("low.m3u8"))
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, m.SwitchProfile("high.m3u8"))

	// The superseded iteration carries the old variant's numbering
	// (window starts at 10); it must not raise the high-water mark, so
	// the new variant's low-numbered segments still get reported
	assert.Eventually(t, func() bool {
		for _, e := range emitter.byName(EventSegmentUpdate) {
			if e.data.(SegmentObservation).SequenceNumber < 10 {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
	m.Stop()

	// And its sequence state must not leak into jump detection
	for _, e := range emitter.byName(EventAlarm) {
		assert.NotEqual(t, "Media Sequence Jump", e.data.(Alarm).Title)
	}
}

func TestProbeFailureKeepsWindowContiguous(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()
	serveOK := func(w http.ResponseWriter, r *http.Request) {}
	mux.HandleFunc("/a10.ts", serveOK)
	mux.HandleFunc("/a12.ts", serveOK)
	// The middle segment's probe dies on the wire, not with a status
	mux.HandleFunc("/a11.ts", func(w http.ResponseWriter, r *http.Request) {
		hj, ok := w.(http.Hijacker)
		require.True(t, ok)
		conn, _, err := hj.Hijack()
		require.NoError(t, err)
		conn.Close()
	})

	emitter := &captureEmitter{}
	m := NewStreamMonitor("test-client", srv.URL+"/master.m3u8", "test",
		emitter, testFetcher(), testMonitorConfig(), zerolog.Nop())
	t.Cleanup(m.Stop)

	playlist := &MediaPlaylist{
		MediaSequence: 10,
		Segments: []SegmentDescriptor{
			{URI: "a10.ts", Duration: 0.5},
			{URI: "a11.ts", Duration: 0.5},
			{URI: "a12.ts", Duration: 0.5},
		},
	}
	m.probeNewSegments(playlist, srv.URL+"/low.m3u8", 0)

	// Both reachable segments are reported
	var seqs []int64
	for _, e := range emitter.byName(EventSegmentUpdate) {
		seqs = append(seqs, e.data.(SegmentObservation).SequenceNumber)
	}
	assert.ElementsMatch(t, []int64{10, 12}, seqs)

	// The failed probe gets its own alarm and error event, the hole it
	// leaves is not a sequence gap
	probeAlarms := 0
	for _, e := range emitter.byName(EventAlarm) {
		a := e.data.(Alarm)
		assert.NotEqual(t, "Discontinuity Issue", a.Title)
		if a.Title == "Segment Probe Failed" {
			probeAlarms++
		}
	}
	assert.Equal(t, 1, probeAlarms)
	assert.Equal(t, 1, emitter.count(EventError))
}

func TestStopIsIdempotent(t *testing.T) {
	origin := newHLSOrigin()
	defer origin.srv.Close()
	m, emitter := newTestMonitor(t, origin)
	require.NoError(t, m.Start())

	m.Stop()
	m.Stop()
	assert.Equal(t, StateStopped, m.State())
	assert.Equal(t, 1, emitter.count(EventMonitorStopped))

	// A selection against a stopped session is rejected
	assert.ErrorIs(t, m.SelectProfile("low.m3u8"), ErrNoActiveSession)
}
