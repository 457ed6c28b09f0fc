package streaming

import (
	"context"
	"encoding/json"
	"os/exec"
	"strconv"
	"time"

	"github.com/deflax/television-sub000/internal/logger"
)

const probeTimeout = 10 * time.Second

// probeResult is the subset of ffprobe's JSON output the mux needs
type probeResult struct {
	Streams []probeStream `json:"streams"`
	Format  probeFormat   `json:"format"`
}

type probeStream struct {
	CodecType string `json:"codec_type"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
	BitRate   string `json:"bit_rate,omitempty"`
}

type probeFormat struct {
	BitRate string `json:"bit_rate"`
}

// probeSource is a variable so tests can stub out the ffprobe invocation.
var probeSource = runProbe

// runProbe runs ffprobe against the input URL and returns the detected
// video width, height, and overall bitrate in bps. Any failure returns ok
// false; source detection is best effort and never blocks a launch.
func runProbe(ctx context.Context, inputURL string) (width, height, bitrate int, ok bool) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx,
		"ffprobe",
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		inputURL,
	)

	output, err := cmd.Output()
	if err != nil {
		logger.Log.Debug().
			Err(err).
			Str("input_url", inputURL).
			Msg("Source probe failed")
		return 0, 0, 0, false
	}

	var result probeResult
	if err := json.Unmarshal(output, &result); err != nil {
		logger.Log.Debug().
			Err(err).
			Str("input_url", inputURL).
			Msg("Failed to parse probe output")
		return 0, 0, 0, false
	}

	for _, stream := range result.Streams {
		if stream.CodecType == "video" && stream.Width > 0 {
			width = stream.Width
			height = stream.Height
			if br, err := strconv.Atoi(stream.BitRate); err == nil {
				bitrate = br
			}
			break
		}
	}
	if bitrate == 0 {
		if br, err := strconv.Atoi(result.Format.BitRate); err == nil {
			bitrate = br
		}
	}

	if width == 0 || height == 0 {
		return 0, 0, 0, false
	}
	return width, height, bitrate, true
}
