package hlsmon

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMarkManifestSeen(t *testing.T) {
	l := NewLedger(0, 0)

	assert.True(t, l.MarkManifestSeen("https://example.com/variant.m3u8"))
	assert.False(t, l.MarkManifestSeen("https://example.com/variant.m3u8"))
	assert.True(t, l.MarkManifestSeen("https://example.com/other.m3u8"))
}

func TestMarkSegmentSeenOverlappingWindows(t *testing.T) {
	l := NewLedger(0, 0)

	// First window 10..14
	for seq := int64(10); seq <= 14; seq++ {
		assert.True(t, l.MarkSegmentSeen(segURL(seq), seq), "seq %d", seq)
	}
	// Overlapping window 12..16: only 15 and 16 are new
	for seq := int64(12); seq <= 14; seq++ {
		assert.False(t, l.MarkSegmentSeen(segURL(seq), seq), "seq %d", seq)
	}
	assert.True(t, l.MarkSegmentSeen(segURL(15), 15))
	assert.True(t, l.MarkSegmentSeen(segURL(16), 16))
	// Re-poll of the full window reports nothing
	for seq := int64(10); seq <= 16; seq++ {
		assert.False(t, l.MarkSegmentSeen(segURL(seq), seq), "seq %d", seq)
	}
}

func TestResetSegments(t *testing.T) {
	l := NewLedger(0, 0)

	assert.True(t, l.MarkSegmentSeen(segURL(100), 100))
	assert.False(t, l.MarkSegmentSeen(segURL(50), 50))

	// After a profile switch the new variant's numbering starts fresh
	l.ResetSegments()
	assert.True(t, l.MarkSegmentSeen(segURL(50), 50))
}

func TestManifestHistoryBounded(t *testing.T) {
	l := NewLedger(3, 3)

	for i := 0; i < 5; i++ {
		l.AddManifest(ManifestObservation{URL: fmt.Sprintf("m%d", i), ObservedAt: time.Now()})
	}
	hist := l.ManifestHistory()
	assert.Len(t, hist, 3)
	assert.Equal(t, "m2", hist[0].URL)
	assert.Equal(t, "m4", hist[2].URL)
}

func TestSegmentHistoryBounded(t *testing.T) {
	l := NewLedger(3, 4)

	for i := 0; i < 10; i++ {
		l.AddSegment(SegmentObservation{SequenceNumber: int64(i)})
	}
	hist := l.SegmentHistory()
	assert.Len(t, hist, 4)
	assert.Equal(t, int64(6), hist[0].SequenceNumber)
	assert.Equal(t, int64(9), hist[3].SequenceNumber)
}

func segURL(seq int64) string {
	return fmt.Sprintf("https://example.com/seg%d.ts", seq)
}
