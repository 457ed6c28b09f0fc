package store

import (
	"fmt"
	"math"
	"strings"
)

const hlsVersion = 3

// GenerateVariantPlaylist renders the media playlist for one variant from
// the most recent segments in the window. The output is deterministic for a
// given store state.
func (s *Store) GenerateVariantPlaylist(variant int) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var window []*Segment
	if variant >= 0 && variant < s.numVariants {
		window = s.variants[variant]
		if len(window) > s.listSize {
			window = window[len(window)-s.listSize:]
		}
	}

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	fmt.Fprintf(&b, "#EXT-X-VERSION:%d\n", hlsVersion)

	if len(window) == 0 {
		fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", s.segmentTime+1)
		b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
		return b.String()
	}

	maxDuration := 0.0
	for _, seg := range window {
		if seg.Duration > maxDuration {
			maxDuration = seg.Duration
		}
	}

	first := window[0]
	discontinuitySeq := first.DiscontinuitySeq
	if first.Discontinuity {
		// The marker sits at this segment, not before the window.
		discontinuitySeq--
	}

	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", int(math.Ceil(maxDuration))+1)
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", first.Sequence)
	fmt.Fprintf(&b, "#EXT-X-DISCONTINUITY-SEQUENCE:%d\n", discontinuitySeq)

	for _, seg := range window {
		if seg.Discontinuity {
			b.WriteString("#EXT-X-DISCONTINUITY\n")
		}
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n", seg.Duration)
		b.WriteString(seg.Filename)
		b.WriteString("\n")
	}

	return b.String()
}

// GenerateMasterPlaylist renders the ABR master playlist. Variant 0 uses the
// detected source properties; transcoded variants derive bandwidth from their
// configured bitrates and width from the source aspect ratio.
func (s *Store) GenerateMasterPlaylist() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	fmt.Fprintf(&b, "#EXT-X-VERSION:%d\n", hlsVersion)

	srcWidth, srcHeight, srcBitrate := s.source.Width, s.source.Height, s.source.Bitrate
	if srcWidth <= 0 || srcHeight <= 0 {
		srcWidth, srcHeight = 1920, 1080
	}
	if srcBitrate <= 0 {
		srcBitrate = 6_000_000
	}

	for i := 0; i < s.numVariants; i++ {
		bandwidth := srcBitrate
		width, height := srcWidth, srcHeight
		if i > 0 {
			v := s.abrVariants[i-1]
			bandwidth = (v.VideoBitrate + v.AudioBitrate) * 1000
			height = v.Height
			width = scaledWidth(srcWidth, srcHeight, height)
		}
		fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d\n", bandwidth, width, height)
		fmt.Fprintf(&b, "stream_%d/playlist.m3u8\n", i)
	}

	return b.String()
}

// scaledWidth preserves the source aspect ratio at the target height,
// rounded down to an even value as the encoder requires.
func scaledWidth(srcWidth, srcHeight, height int) int {
	width := srcWidth * height / srcHeight
	return width &^ 1
}
