package streaming

import (
	"os"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deflax/television-sub000/internal/config"
	"github.com/deflax/television-sub000/internal/logger"
)

func TestMain(m *testing.M) {
	logger.Init("error", false)
	os.Exit(m.Run())
}

func copyConfig(dir string) *config.Config {
	return &config.Config{
		OutputDir:   dir,
		SegmentTime: 4,
		ListSize:    20,
		Mode:        config.ModeCopy,
	}
}

func abrConfig(dir string) *config.Config {
	return &config.Config{
		OutputDir:   dir,
		SegmentTime: 4,
		ListSize:    20,
		Mode:        config.ModeABR,
		ABRVariants: []config.ABRVariant{
			{Height: 720, VideoBitrate: 2500, AudioBitrate: 128},
			{Height: 480, VideoBitrate: 1200, AudioBitrate: 96},
		},
	}
}

func TestBuildMuxCommand_Copy(t *testing.T) {
	cfg := copyConfig("/tmp/out")

	args := BuildMuxCommand(cfg, "http://source/stream", 7)

	expected := []string{
		"-re",
		"-i", "http://source/stream",
		"-c:v", "copy",
		"-c:a", "copy",
		"-f", "hls",
		"-hls_time", "4",
		"-hls_list_size", "20",
		"-hls_flags", "append_list+omit_endlist",
		"-hls_segment_type", "mpegts",
		"-start_number", "7",
		"-hls_segment_filename", "/tmp/out/segment_%05d.ts",
		"/tmp/out/stream.m3u8",
	}
	assert.Equal(t, expected, args)
}

func TestBuildMuxCommand_ABR(t *testing.T) {
	cfg := abrConfig("/tmp/out")

	args := BuildMuxCommand(cfg, "rtmp://source/live", 3)

	assert.Contains(t, args, "-filter_complex")
	assert.Contains(t, args, "[0:v]split=2[v1][v2];[v1]scale=-2:720[v1out];[v2]scale=-2:480[v2out]")

	assert.Contains(t, args, "-c:v:0")
	assert.Contains(t, args, "-c:v:1")
	assert.Contains(t, args, "libx264")
	assert.Contains(t, args, "-b:v:1")
	assert.Contains(t, args, "2500k")
	assert.Contains(t, args, "-b:a:2")
	assert.Contains(t, args, "96k")

	assert.Contains(t, args, "independent_segments+append_list+omit_endlist")
	assert.Contains(t, args, "-var_stream_map")
	assert.Contains(t, args, "v:0,a:0 v:1,a:1 v:2,a:2")
	assert.Contains(t, args, "-start_number")
	assert.Contains(t, args, "3")
	assert.Contains(t, args, "/tmp/out/stream_%v/segment_%05d.ts")

	require.NotEmpty(t, args)
	assert.Equal(t, "/tmp/out/stream_%v/playlist.m3u8", args[len(args)-1])
}

func TestBuildMuxCommand_StartNumberThreadsThrough(t *testing.T) {
	cfg := copyConfig("/tmp/out")

	for _, start := range []int{0, 1, 42, 100000} {
		args := BuildMuxCommand(cfg, "http://src", start)
		found := false
		for i, a := range args {
			if a == "-start_number" {
				require.Less(t, i+1, len(args))
				assert.Equal(t, strconv.Itoa(start), args[i+1])
				found = true
			}
		}
		assert.True(t, found)
	}
}

func TestBuildFilterGraph_SingleVariant(t *testing.T) {
	graph := buildFilterGraph([]config.ABRVariant{{Height: 360, VideoBitrate: 800, AudioBitrate: 64}})
	assert.Equal(t, "[0:v]split=1[v1];[v1]scale=-2:360[v1out]", graph)
}

func TestContainsErrorKeyword(t *testing.T) {
	assert.True(t, containsErrorKeyword("Error opening input"))
	assert.True(t, containsErrorKeyword("connection FAILED"))
	assert.True(t, containsErrorKeyword("fatal: cannot allocate"))
	assert.False(t, containsErrorKeyword("frame= 1234 fps= 25"))
}
