package hlsmon

import "sync"

// History capacities, matching the dashboard's table sizes
const (
	DefaultManifestHistory = 50
	DefaultSegmentHistory  = 200
)

// Ledger tracks what one session has already reported. Manifests are
// recorded for novelty highlighting only, every poll re-emits. Segments
// are reported at most once per session: sequence numbers never
// legitimately rewind in a live window, so a high-water mark replaces
// an unbounded seen set.
type Ledger struct {
	mu sync.Mutex

	manifests       map[string]bool
	manifestHistory []ManifestObservation
	manifestCap     int

	segmentHistory []SegmentObservation
	segmentCap     int

	highWater    int64
	hasHighWater bool
}

func NewLedger(manifestCap, segmentCap int) *Ledger {
	if manifestCap <= 0 {
		manifestCap = DefaultManifestHistory
	}
	if segmentCap <= 0 {
		segmentCap = DefaultSegmentHistory
	}
	return &Ledger{
		manifests:   make(map[string]bool),
		manifestCap: manifestCap,
		segmentCap:  segmentCap,
	}
}

// MarkManifestSeen records the URL and reports whether it was new.
// It never suppresses emission.
func (l *Ledger) MarkManifestSeen(url string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.manifests[url] {
		return false
	}
	l.manifests[url] = true
	return true
}

// MarkSegmentSeen reports whether the (url, seq) pair is new and records
// it. A false return means the caller must skip emission entirely.
func (l *Ledger) MarkSegmentSeen(url string, seq int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.hasHighWater && seq <= l.highWater {
		return false
	}
	l.highWater = seq
	l.hasHighWater = true
	return true
}

// ResetSegments clears segment dedup state. Called on profile selection
// and switch so the new variant's numbering starts fresh.
func (l *Ledger) ResetSegments() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.highWater = 0
	l.hasHighWater = false
}

// AddManifest appends to the bounded manifest history, oldest evicted first.
func (l *Ledger) AddManifest(obs ManifestObservation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.manifestHistory = append(l.manifestHistory, obs)
	if len(l.manifestHistory) > l.manifestCap {
		l.manifestHistory = l.manifestHistory[len(l.manifestHistory)-l.manifestCap:]
	}
}

// AddSegment appends to the bounded segment history, oldest evicted first.
func (l *Ledger) AddSegment(obs SegmentObservation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.segmentHistory = append(l.segmentHistory, obs)
	if len(l.segmentHistory) > l.segmentCap {
		l.segmentHistory = l.segmentHistory[len(l.segmentHistory)-l.segmentCap:]
	}
}

// ManifestHistory returns a copy of the retained manifests, newest last.
func (l *Ledger) ManifestHistory() []ManifestObservation {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ManifestObservation, len(l.manifestHistory))
	copy(out, l.manifestHistory)
	return out
}

// SegmentHistory returns a copy of the retained segments, newest last.
func (l *Ledger) SegmentHistory() []SegmentObservation {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]SegmentObservation, len(l.segmentHistory))
	copy(out, l.segmentHistory)
	return out
}
