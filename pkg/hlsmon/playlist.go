package hlsmon

import (
	"bytes"
	"fmt"
	"net/url"
	"time"

	"github.com/grafov/m3u8"
)

// ParseMaster decodes a master manifest into its variant profiles,
// preserving declaration order.
func ParseMaster(body []byte) ([]Profile, error) {
	pl, kind, err := m3u8.DecodeFrom(bytes.NewReader(body), false)
	if err != nil {
		return nil, &ParseError{Reason: err.Error()}
	}
	master, ok := pl.(*m3u8.MasterPlaylist)
	if !ok || kind != m3u8.MASTER {
		return nil, &ParseError{Reason: "not a master playlist"}
	}
	if len(master.Variants) == 0 {
		return nil, &ParseError{Reason: "no variants found in master manifest"}
	}
	profiles := make([]Profile, 0, len(master.Variants))
	for _, v := range master.Variants {
		if v == nil {
			continue
		}
		profiles = append(profiles, Profile{
			URI:                 v.URI,
			Bandwidth:           v.Bandwidth,
			Resolution:          v.Resolution,
			Codecs:              v.Codecs,
			FrameRate:           v.FrameRate,
			AudioGroup:          v.Audio,
			VideoGroup:          v.Video,
			SubtitleGroup:       v.Subtitles,
			ClosedCaptionsGroup: v.Captions,
		})
	}
	if len(profiles) == 0 {
		return nil, &ParseError{Reason: "no variants found in master manifest"}
	}
	return profiles, nil
}

// ParseMedia decodes a variant manifest into its segment window.
func ParseMedia(body []byte) (*MediaPlaylist, error) {
	pl, kind, err := m3u8.DecodeFrom(bytes.NewReader(body), false)
	if err != nil {
		return nil, &ParseError{Reason: err.Error()}
	}
	media, ok := pl.(*m3u8.MediaPlaylist)
	if !ok || kind != m3u8.MEDIA {
		return nil, &ParseError{Reason: "not a media playlist"}
	}
	out := &MediaPlaylist{
		MediaSequence:  int64(media.SeqNo),
		TargetDuration: time.Duration(media.TargetDuration * float64(time.Second)),
		PlaylistType:   mediaTypeString(media.MediaType),
	}
	// The decoder keeps a fixed-size window, unused slots are nil
	for _, seg := range media.Segments {
		if seg == nil {
			continue
		}
		sd := SegmentDescriptor{
			URI:           seg.URI,
			Duration:      seg.Duration,
			Discontinuity: seg.Discontinuity,
		}
		if seg.Limit > 0 {
			sd.ByteRange = fmt.Sprintf("%d@%d", seg.Limit, seg.Offset)
		}
		if seg.Key != nil {
			sd.Key = seg.Key.Method
		}
		if seg.Map != nil {
			sd.Map = seg.Map.URI
		}
		out.Segments = append(out.Segments, sd)
	}
	if len(out.Segments) == 0 {
		return nil, &ParseError{Reason: "no segments found in media playlist"}
	}
	return out, nil
}

// DiscontinuityCount returns the number of flagged segments in the window.
func (p *MediaPlaylist) DiscontinuityCount() int {
	n := 0
	for _, s := range p.Segments {
		if s.Discontinuity {
			n++
		}
	}
	return n
}

func mediaTypeString(t m3u8.MediaType) string {
	switch t {
	case m3u8.EVENT:
		return "EVENT"
	case m3u8.VOD:
		return "VOD"
	default:
		return ""
	}
}

// ResolveURL resolves a playlist URI against its manifest's URL. Handles
// absolute, scheme-relative, root-relative and relative forms.
func ResolveURL(base, uri string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(uri)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(ref).String(), nil
}
