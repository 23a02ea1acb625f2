package hlsmon

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
)

// MonitorConfig carries all per-session tunables.
type MonitorConfig struct {
	ManifestTimeout  time.Duration
	SegmentTimeout   time.Duration
	MaxRedirects     int
	PollFloor        time.Duration // lower bound on the poll interval
	ErrorBackoff     time.Duration // first wait after a failed iteration
	MaxBackoff       time.Duration // backoff cap under repeated failures
	ProbeConcurrency int           // parallel segment HEAD probes
	ManifestHistory  int
	SegmentHistory   int
	Alarms           AlarmConfig
}

func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		ManifestTimeout:  DefaultManifestTimeout,
		SegmentTimeout:   DefaultSegmentTimeout,
		MaxRedirects:     DefaultMaxRedirects,
		PollFloor:        2 * time.Second,
		ErrorBackoff:     time.Second,
		MaxBackoff:       30 * time.Second,
		ProbeConcurrency: 3,
		ManifestHistory:  DefaultManifestHistory,
		SegmentHistory:   DefaultSegmentHistory,
		Alarms:           DefaultAlarmConfig(),
	}
}

// State of one monitoring session.
type State int

const (
	StateIdle State = iota
	StateMasterFetching
	StateAwaitingSelection
	StatePolling
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateMasterFetching:
		return "master-fetching"
	case StateAwaitingSelection:
		return "awaiting-selection"
	case StatePolling:
		return "polling"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// StreamMonitor is one client's monitoring session: master fetch, profile
// selection, then a sequential poll loop in its own goroutine. All fetch,
// decode and emission of one iteration completes before the next delay.
type StreamMonitor struct {
	id        string
	sourceURL string
	cfg       MonitorConfig
	fetcher   *Fetcher
	emitter   Emitter
	ledger    *Ledger
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	onStop func(*StreamMonitor)

	mu                sync.Mutex
	state             State
	profiles          []Profile
	currentProfileURL string
	generation        uint64
	lastMediaSequence *int64
	lastManifestAt    time.Time
}

func NewStreamMonitor(id, sourceURL, channel string, emitter Emitter, fetcher *Fetcher, cfg MonitorConfig, logger zerolog.Logger) *StreamMonitor {
	if channel == "" {
		channel = id
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &StreamMonitor{
		id:        id,
		sourceURL: sourceURL,
		cfg:       cfg,
		fetcher:   fetcher,
		emitter:   emitter,
		ledger:    NewLedger(cfg.ManifestHistory, cfg.SegmentHistory),
		logger:    logger.With().Str("channel", channel).Logger(),
		ctx:       ctx,
		cancel:    cancel,
		state:     StateIdle,
	}
}

func (m *StreamMonitor) ID() string        { return m.id }
func (m *StreamMonitor) SourceURL() string { return m.sourceURL }

func (m *StreamMonitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Profiles returns the last known profile list.
func (m *StreamMonitor) Profiles() []Profile {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Profile, len(m.profiles))
	copy(out, m.profiles)
	return out
}

// Ledger exposes the session's bounded histories.
func (m *StreamMonitor) Ledger() *Ledger { return m.ledger }

// Start fetches and decodes the master manifest once, emits the profile
// list and leaves the session awaiting a selection. Any failure here is
// fatal to the session: error event, monitor-stopped, state Stopped.
func (m *StreamMonitor) Start() error {
	m.setState(StateMasterFetching)
	m.logger.Info().Str("url", m.sourceURL).Msg("Fetching master manifest")

	res, err := m.fetcher.Fetch(m.ctx, m.sourceURL, FetchOptions{
		Timeout:      m.cfg.ManifestTimeout,
		MaxRedirects: m.cfg.MaxRedirects,
	})
	if err != nil {
		m.fail(fmt.Sprintf("fetch master manifest: %v", err))
		return err
	}
	if res.Status >= 400 {
		err := &HTTPError{URL: m.sourceURL, Status: res.Status}
		m.fail(err.Error())
		return err
	}
	profiles, err := ParseMaster(res.Body)
	if err != nil {
		m.fail(fmt.Sprintf("parse master manifest: %v", err))
		return err
	}

	obs := m.manifestObservation(m.sourceURL, KindMaster, res, nil, 0)
	m.ledger.AddManifest(obs)
	m.emitter.Emit(EventManifestUpdate, obs)
	for _, a := range EvaluateManifest(obs, AlarmContext{}, m.cfg.Alarms) {
		m.emitAlarm(a)
	}
	ManifestsFetched.Inc()

	m.mu.Lock()
	m.profiles = profiles
	m.state = StateAwaitingSelection
	m.mu.Unlock()

	m.emitter.Emit(EventProfilesAvailable, profiles)
	m.logger.Info().Int("profiles", len(profiles)).Msg("Master manifest parsed, awaiting selection")
	return nil
}

// SelectProfile validates the URI against the last known profile list,
// resolves the variant URL, resets sequence and dedup state, and starts
// (or redirects) the poll loop. Selecting while already polling is a
// profile switch and resets state the same way.
func (m *StreamMonitor) SelectProfile(uri string) error {
	m.mu.Lock()
	if m.state == StateStopped {
		m.mu.Unlock()
		return ErrNoActiveSession
	}
	found := false
	for _, p := range m.profiles {
		if p.URI == uri {
			found = true
			break
		}
	}
	if !found {
		m.mu.Unlock()
		return ErrProfileNotFound
	}
	resolved, err := ResolveURL(m.sourceURL, uri)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	wasPolling := m.state == StatePolling
	m.currentProfileURL = resolved
	m.lastMediaSequence = nil
	m.lastManifestAt = time.Time{}
	m.state = StatePolling
	// Bump the generation and reset dedup state under the same lock, so
	// an iteration still in flight against the old variant cannot write
	// its sequence state or re-raise the high-water mark after the reset
	m.generation++
	m.ledger.ResetSegments()
	m.mu.Unlock()

	m.emitter.Emit(EventProfileSelected, map[string]string{"profileUri": uri})
	m.logger.Info().Str("profile", uri).Str("url", resolved).Msg("Profile selected")

	if !wasPolling {
		go m.pollLoop()
	}
	return nil
}

// SwitchProfile accepts either the raw URI or the resolved URL of a
// profile still present in the last known list.
func (m *StreamMonitor) SwitchProfile(profileURL string) error {
	m.mu.Lock()
	uri := ""
	for _, p := range m.profiles {
		if p.URI == profileURL {
			uri = p.URI
			break
		}
		if resolved, err := ResolveURL(m.sourceURL, p.URI); err == nil && resolved == profileURL {
			uri = p.URI
			break
		}
	}
	m.mu.Unlock()
	if uri == "" {
		return ErrProfileNotFound
	}
	return m.SelectProfile(uri)
}

// Stop terminates the session. Idempotent; the poll loop observes the
// cancellation at the top of its next iteration at the latest.
func (m *StreamMonitor) Stop() {
	m.mu.Lock()
	if m.state == StateStopped {
		m.mu.Unlock()
		return
	}
	m.state = StateStopped
	m.mu.Unlock()

	m.cancel()
	m.emitter.Emit(EventMonitorStopped, struct{}{})
	if m.onStop != nil {
		m.onStop(m)
	}
	m.logger.Info().Msg("Monitor stopped")
}

// fail emits an error event and tears the session down. Master-fetch
// failures only; poll loop failures are recovered in place.
func (m *StreamMonitor) fail(msg string) {
	m.logger.Error().Msg(msg)
	m.emitter.Emit(EventError, ErrorEvent{Message: msg})
	m.Stop()
}

func (m *StreamMonitor) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *StreamMonitor) stopped() bool {
	select {
	case <-m.ctx.Done():
		return true
	default:
		return m.State() == StateStopped
	}
}

// pollLoop runs until Stop. Failed iterations emit an error event and
// back off with doubling up to the cap; success resets the backoff.
func (m *StreamMonitor) pollLoop() {
	backoff := m.cfg.ErrorBackoff
	for {
		if m.stopped() {
			return
		}
		delay, err := m.pollOnce()
		if err != nil {
			m.logger.Warn().Err(err).Msg("Poll iteration failed")
			m.emitter.Emit(EventError, ErrorEvent{Message: err.Error()})
			if !m.sleep(backoff) {
				return
			}
			backoff *= 2
			if backoff > m.cfg.MaxBackoff {
				backoff = m.cfg.MaxBackoff
			}
			continue
		}
		backoff = m.cfg.ErrorBackoff
		if !m.sleep(delay) {
			return
		}
	}
}

// sleep waits for d or until the session is cancelled.
func (m *StreamMonitor) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-m.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// pollOnce runs one iteration: fetch the variant manifest, always emit
// its observation, alarm on it, probe unseen segments, and return the
// next poll delay derived from the playlist target duration. The
// generation captured at the top ties the iteration to the selection it
// started under; a profile switch landing mid-flight supersedes the
// iteration, and everything it fetched is discarded.
func (m *StreamMonitor) pollOnce() (time.Duration, error) {
	m.mu.Lock()
	target := m.currentProfileURL
	gen := m.generation
	m.mu.Unlock()

	res, err := m.fetcher.Fetch(m.ctx, target, FetchOptions{
		Timeout:      m.cfg.ManifestTimeout,
		MaxRedirects: m.cfg.MaxRedirects,
	})
	if m.staleGen(gen) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	ManifestsFetched.Inc()

	// A non-2xx poll is still an observation: report it, alarm on it,
	// then back off and retry
	if res.Status >= 400 {
		obs := m.manifestObservation(target, KindVariant, res, nil, 0)
		m.ledger.AddManifest(obs)
		m.emitter.Emit(EventManifestUpdate, obs)
		for _, a := range EvaluateManifest(obs, m.alarmContext(), m.cfg.Alarms) {
			m.emitAlarm(a)
		}
		return 0, &HTTPError{URL: target, Status: res.Status}
	}

	playlist, err := ParseMedia(res.Body)
	if err != nil {
		return 0, err
	}

	// Re-check and update sequence state atomically against selection
	seq := playlist.MediaSequence
	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		return 0, nil
	}
	actx := AlarmContext{
		LastMediaSequence:      m.lastMediaSequence,
		LastManifestObservedAt: m.lastManifestAt,
	}
	m.lastMediaSequence = &seq
	m.lastManifestAt = time.Now().UTC()
	m.mu.Unlock()

	obs := m.manifestObservation(target, KindVariant, res, &seq, playlist.DiscontinuityCount())
	m.ledger.AddManifest(obs)
	m.emitter.Emit(EventManifestUpdate, obs)
	for _, a := range EvaluateManifest(obs, actx, m.cfg.Alarms) {
		m.emitAlarm(a)
	}

	m.probeNewSegments(playlist, target, gen)

	delay := playlist.TargetDuration
	if delay < m.cfg.PollFloor {
		delay = m.cfg.PollFloor
	}
	return delay, nil
}

func (m *StreamMonitor) alarmContext() AlarmContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	return AlarmContext{
		LastMediaSequence:      m.lastMediaSequence,
		LastManifestObservedAt: m.lastManifestAt,
	}
}

// staleGen reports whether a profile selection superseded the iteration
// that captured gen.
func (m *StreamMonitor) staleGen(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation != gen
}

type pendingProbe struct {
	url      string
	seq      int64
	disco    bool
	duration float64
}

// probeNewSegments HEAD-probes every unseen (url, sequence) pair of the
// window with bounded concurrency. The batch settles fully before the
// loop proceeds; a failed probe alarms its own segment and nothing else.
// Results are emitted in playlist order so contiguity checks see the
// segments sequentially. Marking happens under the monitor lock with a
// generation check, so a concurrent profile switch either resets after
// this batch or discards it entirely.
func (m *StreamMonitor) probeNewSegments(playlist *MediaPlaylist, baseURL string, gen uint64) {
	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		return
	}
	var targets []pendingProbe
	for i, seg := range playlist.Segments {
		seqNum := playlist.MediaSequence + int64(i)
		resolved, err := ResolveURL(baseURL, seg.URI)
		if err != nil {
			m.logger.Warn().Err(err).Str("uri", seg.URI).Msg("Resolve segment URL")
			continue
		}
		if !m.ledger.MarkSegmentSeen(resolved, seqNum) {
			continue
		}
		targets = append(targets, pendingProbe{
			url:      resolved,
			seq:      seqNum,
			disco:    seg.Discontinuity,
			duration: seg.Duration,
		})
	}
	m.mu.Unlock()
	if len(targets) == 0 {
		return
	}

	results := make([]*SegmentObservation, len(targets))
	workers := m.cfg.ProbeConcurrency
	if workers <= 0 {
		workers = 1
	}
	p := pool.New().WithMaxGoroutines(workers)
	for i := range targets {
		i, t := i, targets[i]
		p.Go(func() {
			res, err := m.fetcher.Fetch(m.ctx, t.url, FetchOptions{
				Method:       http.MethodHead,
				Timeout:      m.cfg.SegmentTimeout,
				MaxRedirects: m.cfg.MaxRedirects,
			})
			if err != nil {
				m.logger.Warn().Err(err).Str("segment", t.url).Msg("Segment probe failed")
				m.emitter.Emit(EventError, ErrorEvent{Message: fmt.Sprintf("segment probe %s: %v", t.url, err)})
				m.emitAlarm(Alarm{
					Severity: SeverityError,
					Title:    "Segment Probe Failed",
					Message:  fmt.Sprintf("segment %d (%s) could not be probed: %v", t.seq, t.url, err),
					RaisedAt: time.Now().UTC(),
				})
				return
			}
			SegmentsProbed.Inc()
			results[i] = &SegmentObservation{
				URL:            t.url,
				FinalURL:       res.FinalURL,
				SequenceNumber: t.seq,
				Discontinuity:  t.disco,
				Duration:       t.duration,
				ContentLength:  res.ContentLength(),
				ElapsedMs:      res.Elapsed.Milliseconds(),
				HTTPStatus:     res.Status,
				Headers:        res.HeaderMap(),
				ObservedAt:     time.Now().UTC(),
			}
		})
	}
	p.Wait()

	if m.staleGen(gen) {
		return
	}
	var prev *int64
	for i, r := range results {
		if r == nil {
			// The playlist window itself was contiguous; a probe failure
			// is not a sequence gap, so the hole still advances the
			// expected number
			v := targets[i].seq
			prev = &v
			continue
		}
		m.ledger.AddSegment(*r)
		m.emitter.Emit(EventSegmentUpdate, *r)
		for _, a := range EvaluateSegment(*r, AlarmContext{PrevSegmentSequence: prev}, m.cfg.Alarms) {
			m.emitAlarm(a)
		}
		v := r.SequenceNumber
		prev = &v
	}
}

func (m *StreamMonitor) emitAlarm(a Alarm) {
	AlarmsRaised.WithLabelValues(a.Severity).Inc()
	m.logger.Warn().Str("severity", a.Severity).Str("title", a.Title).Msg(a.Message)
	m.emitter.Emit(EventAlarm, a)
}

func (m *StreamMonitor) manifestObservation(url, kind string, res *FetchResult, mediaSequence *int64, discoCount int) ManifestObservation {
	return ManifestObservation{
		URL:                url,
		FinalURL:           res.FinalURL,
		Kind:               kind,
		HTTPStatus:         res.Status,
		ContentLength:      res.ContentLength(),
		ElapsedMs:          res.Elapsed.Milliseconds(),
		MediaSequence:      mediaSequence,
		DiscontinuityCount: discoCount,
		Headers:            res.HeaderMap(),
		Body:               string(res.Body),
		ObservedAt:         time.Now().UTC(),
		IsFirstSeen:        m.ledger.MarkManifestSeen(url),
	}
}
