package streaming

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/deflax/television-sub000/internal/config"
)

const (
	segmentFilenameTemplate = "segment_%05d.ts"
	encodingPreset          = "veryfast"
)

// BuildMuxCommand builds the ffmpeg argument vector for the configured mux
// mode. The transcoder copies the source in copy mode; in ABR mode variant 0
// is the passthrough and variants 1..N are scaled x264/aac renditions.
func BuildMuxCommand(cfg *config.Config, inputURL string, startNumber int) []string {
	if cfg.Mode == config.ModeABR {
		return buildABRArgs(cfg, inputURL, startNumber)
	}
	return buildCopyArgs(cfg, inputURL, startNumber)
}

// buildCopyArgs builds the single-output passthrough invocation
func buildCopyArgs(cfg *config.Config, inputURL string, startNumber int) []string {
	args := []string{
		"-re",
		"-i", inputURL,
		"-c:v", "copy",
		"-c:a", "copy",
	}
	args = append(args, buildHLSArgs(cfg, startNumber, "append_list+omit_endlist")...)
	args = append(args,
		"-hls_segment_filename", filepath.Join(cfg.OutputDir, segmentFilenameTemplate),
		filepath.Join(cfg.OutputDir, "stream.m3u8"),
	)
	return args
}

// buildABRArgs builds the multi-variant invocation: split + scale filter
// graph, per-variant stream mapping, and a %v segment template. The master
// playlist ffmpeg writes is ignored; the segment store renders its own.
func buildABRArgs(cfg *config.Config, inputURL string, startNumber int) []string {
	args := []string{
		"-re",
		"-i", inputURL,
		"-filter_complex", buildFilterGraph(cfg.ABRVariants),
	}

	// Variant 0: source passthrough
	args = append(args,
		"-map", "0:v", "-map", "0:a",
		"-c:v:0", "copy",
		"-c:a:0", "copy",
	)

	// Variants 1..N: transcoded renditions
	streamMap := make([]string, 0, 1+len(cfg.ABRVariants))
	streamMap = append(streamMap, "v:0,a:0")
	for i, v := range cfg.ABRVariants {
		idx := i + 1
		args = append(args,
			"-map", fmt.Sprintf("[v%dout]", idx), "-map", "0:a",
			fmt.Sprintf("-c:v:%d", idx), "libx264",
			fmt.Sprintf("-b:v:%d", idx), strconv.Itoa(v.VideoBitrate)+"k",
			"-preset", encodingPreset,
			fmt.Sprintf("-c:a:%d", idx), "aac",
			fmt.Sprintf("-b:a:%d", idx), strconv.Itoa(v.AudioBitrate)+"k",
		)
		streamMap = append(streamMap, fmt.Sprintf("v:%d,a:%d", idx, idx))
	}

	args = append(args, buildHLSArgs(cfg, startNumber, "independent_segments+append_list+omit_endlist")...)
	args = append(args,
		"-var_stream_map", strings.Join(streamMap, " "),
		"-master_pl_name", "master.m3u8",
		"-hls_segment_filename", filepath.Join(cfg.OutputDir, "stream_%v", segmentFilenameTemplate),
		filepath.Join(cfg.OutputDir, "stream_%v", "playlist.m3u8"),
	)
	return args
}

// buildHLSArgs builds the HLS muxer arguments shared by both modes
func buildHLSArgs(cfg *config.Config, startNumber int, flags string) []string {
	return []string{
		"-f", "hls",
		"-hls_time", strconv.Itoa(cfg.SegmentTime),
		"-hls_list_size", strconv.Itoa(cfg.ListSize),
		"-hls_flags", flags,
		"-hls_segment_type", "mpegts",
		"-start_number", strconv.Itoa(startNumber),
	}
}

// buildFilterGraph splits the decoded video and scales one branch per
// transcoded variant, preserving aspect ratio at an even width.
func buildFilterGraph(variants []config.ABRVariant) string {
	var b strings.Builder
	b.WriteString("[0:v]split=")
	b.WriteString(strconv.Itoa(len(variants)))
	for i := range variants {
		fmt.Fprintf(&b, "[v%d]", i+1)
	}
	for i, v := range variants {
		fmt.Fprintf(&b, ";[v%d]scale=-2:%d[v%dout]", i+1, v.Height, i+1)
	}
	return b.String()
}
