// Package playlist builds variant and master HLS playlists from completed
// rendition metadata. Output is a pure function of its inputs: re-running
// assembly for the same rendition set produces byte-identical text, which the
// at-least-once retry model depends on.
package playlist

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"vodworks/internal/models"
)

// VariantInput describes one rendition's segments for variant assembly.
type VariantInput struct {
	SegmentDurations []float64
}

// Variant renders a single resolution's playlist. Segment URIs are relative
// (segment-{n}.ts) so the playlist is servable from any mount point; sequence
// numbers start at zero and increase monotonically.
func Variant(input VariantInput) string {
	var b strings.Builder

	var maxDuration float64
	for _, duration := range input.SegmentDurations {
		if duration > maxDuration {
			maxDuration = duration
		}
	}

	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", int(math.Ceil(maxDuration)))
	b.WriteString("#EXT-X-PLAYLIST-TYPE:VOD\n")
	b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
	for index, duration := range input.SegmentDurations {
		fmt.Fprintf(&b, "#EXTINF:%.6f,\n", duration)
		fmt.Fprintf(&b, "segment-%d.ts\n", index)
	}
	b.WriteString("#EXT-X-ENDLIST\n")

	return b.String()
}

// Master renders the top-level playlist enumerating every completed variant,
// ordered ascending by resolution height so adaptive clients see the ladder
// from cheapest to most capable. Variant URIs are relative
// ({resolution}/playlist.m3u8).
func Master(renditions []models.Rendition) string {
	ordered := make([]models.Rendition, len(renditions))
	copy(ordered, renditions)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Height == ordered[j].Height {
			return ordered[i].Bandwidth < ordered[j].Bandwidth
		}
		return ordered[i].Height < ordered[j].Height
	})

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	b.WriteString("\n")
	for _, rendition := range ordered {
		fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d,CODECS=\"%s,%s\"\n",
			rendition.Bandwidth, rendition.Width, rendition.Height,
			videoCodecString(rendition.Height), audioCodecString())
		fmt.Fprintf(&b, "%s/playlist.m3u8\n", rendition.Resolution)
	}
	return b.String()
}

func videoCodecString(height int) string {
	switch {
	case height >= 2160:
		return "avc1.640033"
	case height >= 1080:
		return "avc1.640028"
	case height >= 720:
		return "avc1.64001f"
	case height >= 480:
		return "avc1.64001e"
	default:
		return "avc1.640015"
	}
}

func audioCodecString() string {
	return "mp4a.40.2"
}
