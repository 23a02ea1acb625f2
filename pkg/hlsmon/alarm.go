package hlsmon

import (
	"fmt"
	"time"
)

// AlarmConfig carries the operator tunable thresholds. Passed into the
// evaluator so tests and per-session overrides stay deterministic.
type AlarmConfig struct {
	// Warn when a segment probe takes longer than this
	SegmentDownloadTime time.Duration
	// Warn when a manifest fetch takes longer than this
	ManifestDownloadTime time.Duration
	// Alarm when the media sequence advances by more than this between polls
	SequenceJumpTolerance int64
}

func DefaultAlarmConfig() AlarmConfig {
	return AlarmConfig{
		SegmentDownloadTime:   time.Second,
		ManifestDownloadTime:  2 * time.Second,
		SequenceJumpTolerance: 1,
	}
}

// AlarmContext is the rolling session state the evaluator needs.
type AlarmContext struct {
	LastMediaSequence      *int64
	PrevSegmentSequence    *int64
	LastManifestObservedAt time.Time
}

// EvaluateManifest scores one manifest observation. Rules are independent
// and all evaluated; a missing field skips its rule, never fails.
func EvaluateManifest(obs ManifestObservation, actx AlarmContext, cfg AlarmConfig) []Alarm {
	now := time.Now().UTC()
	var alarms []Alarm

	if obs.HTTPStatus >= 400 {
		alarms = append(alarms, Alarm{
			Severity: SeverityError,
			Title:    fmt.Sprintf("HTTP Error %d", obs.HTTPStatus),
			Message:  fmt.Sprintf("manifest %s returned status %d", obs.URL, obs.HTTPStatus),
			Context:  obs,
			RaisedAt: now,
		})
	}
	if _, ok := obs.Headers["Content-Length"]; !ok {
		alarms = append(alarms, Alarm{
			Severity: SeverityWarning,
			Title:    "Missing Content-Length",
			Message:  fmt.Sprintf("manifest %s response has no Content-Length header", obs.URL),
			Context:  obs,
			RaisedAt: now,
		})
	}
	if cfg.ManifestDownloadTime > 0 && obs.ElapsedMs > cfg.ManifestDownloadTime.Milliseconds() {
		alarms = append(alarms, Alarm{
			Severity: SeverityWarning,
			Title:    "High Download Time",
			Message:  fmt.Sprintf("manifest fetch took %dms, threshold %dms", obs.ElapsedMs, cfg.ManifestDownloadTime.Milliseconds()),
			Context:  obs,
			RaisedAt: now,
		})
	}
	// A delta of 1 is normal advance, 0 a re-poll of the same window
	if obs.MediaSequence != nil && actx.LastMediaSequence != nil {
		if delta := *obs.MediaSequence - *actx.LastMediaSequence; delta > cfg.SequenceJumpTolerance {
			alarms = append(alarms, Alarm{
				Severity: SeverityError,
				Title:    "Media Sequence Jump",
				Message:  fmt.Sprintf("media sequence jumped from %d to %d, %d segments dropped upstream", *actx.LastMediaSequence, *obs.MediaSequence, delta-1),
				Context:  obs,
				RaisedAt: now,
			})
		}
	}
	return alarms
}

// EvaluateSegment scores one segment observation against the previously
// emitted segment of the same playlist fetch.
func EvaluateSegment(obs SegmentObservation, actx AlarmContext, cfg AlarmConfig) []Alarm {
	now := time.Now().UTC()
	var alarms []Alarm

	if obs.HTTPStatus >= 400 {
		alarms = append(alarms, Alarm{
			Severity: SeverityError,
			Title:    fmt.Sprintf("HTTP Error %d", obs.HTTPStatus),
			Message:  fmt.Sprintf("segment %s returned status %d", obs.URL, obs.HTTPStatus),
			Context:  obs,
			RaisedAt: now,
		})
	}
	if _, ok := obs.Headers["Content-Length"]; !ok {
		alarms = append(alarms, Alarm{
			Severity: SeverityWarning,
			Title:    "Missing Content-Length",
			Message:  fmt.Sprintf("segment %s response has no Content-Length header", obs.URL),
			Context:  obs,
			RaisedAt: now,
		})
	}
	if cfg.SegmentDownloadTime > 0 && obs.ElapsedMs > cfg.SegmentDownloadTime.Milliseconds() {
		alarms = append(alarms, Alarm{
			Severity: SeverityWarning,
			Title:    "High Download Time",
			Message:  fmt.Sprintf("segment probe took %dms, threshold %dms", obs.ElapsedMs, cfg.SegmentDownloadTime.Milliseconds()),
			Context:  obs,
			RaisedAt: now,
		})
	}
	// A sequence gap without a discontinuity marker is a data quality
	// problem, distinct from a properly flagged discontinuity
	if actx.PrevSegmentSequence != nil && obs.SequenceNumber != *actx.PrevSegmentSequence+1 && !obs.Discontinuity {
		alarms = append(alarms, Alarm{
			Severity: SeverityWarning,
			Title:    "Discontinuity Issue",
			Message:  fmt.Sprintf("segment sequence %d follows %d without a discontinuity marker", obs.SequenceNumber, *actx.PrevSegmentSequence),
			Context:  obs,
			RaisedAt: now,
		})
	}
	return alarms
}
