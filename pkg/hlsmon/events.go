package hlsmon

import "time"

// Event names on the client channel. Inbound commands are dispatched in
// socket.go, outbound events are emitted by the monitor and registry.
const (
	// outbound
	EventConnectionStatus  = "connection-status"
	EventProfilesAvailable = "profiles-available"
	EventMonitorStarted    = "monitor-started"
	EventMonitorStopped    = "monitor-stopped"
	EventProfileSelected   = "profile-selected"
	EventManifestUpdate    = "manifest-update"
	EventSegmentUpdate     = "segment-update"
	EventAlarm             = "alarm"
	EventError             = "error"

	// inbound
	CmdStartMonitor  = "start-monitor"
	CmdSelectProfile = "select-profile"
	CmdSwitchProfile = "switch-profile"
	CmdStopMonitor   = "stop-monitor"
)

// Manifest kinds
const (
	KindMaster  = "master"
	KindVariant = "variant"
)

// Alarm severities
const (
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// Profile is one variant stream declared in the master manifest.
// Recreated on every master fetch, never merged.
type Profile struct {
	URI                 string  `json:"uri"`
	Bandwidth           uint32  `json:"bandwidth,omitempty"`
	Resolution          string  `json:"resolution,omitempty"`
	Codecs              string  `json:"codecs,omitempty"`
	FrameRate           float64 `json:"frameRate,omitempty"`
	AudioGroup          string  `json:"audioGroup,omitempty"`
	VideoGroup          string  `json:"videoGroup,omitempty"`
	SubtitleGroup       string  `json:"subtitleGroup,omitempty"`
	ClosedCaptionsGroup string  `json:"closedCaptionsGroup,omitempty"`
}

// SegmentDescriptor is one entry of a decoded media playlist.
type SegmentDescriptor struct {
	URI           string  `json:"uri"`
	Duration      float64 `json:"duration"`
	Discontinuity bool    `json:"discontinuity"`
	ByteRange     string  `json:"byteRange,omitempty"`
	Key           string  `json:"key,omitempty"`
	Map           string  `json:"map,omitempty"`
}

// MediaPlaylist is the decoded form of a variant manifest.
type MediaPlaylist struct {
	MediaSequence  int64
	TargetDuration time.Duration
	PlaylistType   string
	Segments       []SegmentDescriptor
}

// ManifestObservation is a manifest fetch elevated to a reportable event.
// Built once per fetch and never mutated after emission.
type ManifestObservation struct {
	URL                string            `json:"url"`
	FinalURL           string            `json:"finalUrl"`
	Kind               string            `json:"kind"`
	HTTPStatus         int               `json:"httpStatus"`
	ContentLength      int64             `json:"contentLength"`
	ElapsedMs          int64             `json:"elapsedMs"`
	MediaSequence      *int64            `json:"mediaSequence"`
	DiscontinuityCount int               `json:"discontinuityCount"`
	Headers            map[string]string `json:"headers"`
	Body               string            `json:"body"`
	ObservedAt         time.Time         `json:"observedAt"`
	IsFirstSeen        bool              `json:"isFirstSeen"`
}

// SegmentObservation is emitted once per newly seen (url, sequence) pair.
type SegmentObservation struct {
	URL            string            `json:"url"`
	FinalURL       string            `json:"finalUrl"`
	SequenceNumber int64             `json:"sequenceNumber"`
	Discontinuity  bool              `json:"discontinuity"`
	Duration       float64           `json:"duration"`
	ContentLength  int64             `json:"contentLength"`
	ElapsedMs      int64             `json:"elapsedMs"`
	HTTPStatus     int               `json:"httpStatus"`
	Headers        map[string]string `json:"headers"`
	ObservedAt     time.Time         `json:"observedAt"`
}

// Alarm is computed by the evaluator, not stored beyond the bounded history.
type Alarm struct {
	Severity string    `json:"severity"`
	Title    string    `json:"title"`
	Message  string    `json:"message"`
	Context  any       `json:"context,omitempty"`
	RaisedAt time.Time `json:"raisedAt"`
}

// ErrorEvent carries a human readable message to the client.
type ErrorEvent struct {
	Message string `json:"message"`
}

// Emitter delivers typed events to one client session.
type Emitter interface {
	Emit(event string, data any)
}
