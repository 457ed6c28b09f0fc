// Package config provides configuration management using Viper.
// It loads configuration from environment variables and an optional .env file.
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Mux mode constants
const (
	ModeCopy = "copy"
	ModeABR  = "abr"
)

const (
	defaultAPIURL            = "http://api:8080"
	defaultOutputDir         = "/tmp/hls"
	defaultSegmentTime       = 4
	defaultListSize          = 20
	defaultMode              = ModeCopy
	defaultTransitionTimeout = 15.0
	defaultStabilityDelay    = 0.1
	defaultServerPort        = 8091
	defaultLogLevel          = "info"

	// defaultABRVariants matches the transcoded renditions the service ships with;
	// variant 0 is always the source passthrough and is not listed here.
	defaultABRVariants = `[{"height":720,"video_bitrate":2500,"audio_bitrate":128},{"height":480,"video_bitrate":1200,"audio_bitrate":96}]`
)

// ABRVariant describes one transcoded rendition in adaptive-bitrate mode.
type ABRVariant struct {
	Height       int `json:"height"`
	VideoBitrate int `json:"video_bitrate"` // kbps
	AudioBitrate int `json:"audio_bitrate"` // kbps
}

// Config holds all application configuration
type Config struct {
	APIURL            string        // Playhead event-source base URL
	OutputDir         string        // HLS output root directory
	SegmentTime       int           // Target segment duration in seconds
	ListSize          int           // Playlist window in segments
	Mode              string        // "copy" or "abr"
	ABRVariants       []ABRVariant  // Transcoded renditions (abr mode)
	TransitionTimeout time.Duration // First-segment wait after a launch
	StabilityDelay    time.Duration // Segment size-stability check delay
	ServerPort        int           // HTTP listen port
	InternalURL       string        // Internal prefix substituted for PublicHost
	PublicHost        string        // Public prefix to rewrite in playhead URLs
	LogLevel          string
	LogPretty         bool
}

// Load reads configuration from the environment (and an optional .env file),
// applies defaults, and validates the result.
func Load() (*Config, error) {
	// .env files are optional in production and CI where env vars are set directly
	_ = godotenv.Load() // nolint:errcheck

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	cfg := &Config{
		APIURL:            v.GetString("api_url"),
		OutputDir:         v.GetString("hls_output_dir"),
		SegmentTime:       v.GetInt("hls_segment_time"),
		ListSize:          v.GetInt("hls_list_size"),
		Mode:              v.GetString("mux_mode"),
		TransitionTimeout: secondsToDuration(v.GetFloat64("transition_timeout")),
		StabilityDelay:    secondsToDuration(v.GetFloat64("segment_stability_delay")),
		ServerPort:        v.GetInt("server_port"),
		InternalURL:       v.GetString("restreamer_internal_url"),
		PublicHost:        v.GetString("restreamer_public_host"),
		LogLevel:          v.GetString("log_level"),
		LogPretty:         v.GetBool("log_pretty"),
	}

	variants, err := parseABRVariants(v.GetString("abr_variants"))
	if err != nil {
		return nil, fmt.Errorf("invalid ABR_VARIANTS: %w", err)
	}
	cfg.ABRVariants = variants

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	v.SetDefault("api_url", defaultAPIURL)
	v.SetDefault("hls_output_dir", defaultOutputDir)
	v.SetDefault("hls_segment_time", defaultSegmentTime)
	v.SetDefault("hls_list_size", defaultListSize)
	v.SetDefault("mux_mode", defaultMode)
	v.SetDefault("abr_variants", defaultABRVariants)
	v.SetDefault("transition_timeout", defaultTransitionTimeout)
	v.SetDefault("segment_stability_delay", defaultStabilityDelay)
	v.SetDefault("server_port", defaultServerPort)
	v.SetDefault("restreamer_internal_url", "")
	v.SetDefault("restreamer_public_host", "")
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("log_pretty", false)
}

// parseABRVariants decodes the ABR_VARIANTS JSON list
func parseABRVariants(raw string) ([]ABRVariant, error) {
	var variants []ABRVariant
	if err := json.Unmarshal([]byte(raw), &variants); err != nil {
		return nil, err
	}
	return variants, nil
}

// Validate checks that configuration values are valid
func (c *Config) Validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("API_URL cannot be empty")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("HLS_OUTPUT_DIR cannot be empty")
	}
	if c.SegmentTime < 1 || c.SegmentTime > 60 {
		return fmt.Errorf("invalid segment time: %d (must be between 1 and 60)", c.SegmentTime)
	}
	if c.ListSize < 3 || c.ListSize > 100 {
		return fmt.Errorf("invalid playlist size: %d (must be between 3 and 100)", c.ListSize)
	}
	if c.Mode != ModeCopy && c.Mode != ModeABR {
		return fmt.Errorf("invalid mux mode: %s (must be %q or %q)", c.Mode, ModeCopy, ModeABR)
	}
	if c.TransitionTimeout < time.Second || c.TransitionTimeout > 120*time.Second {
		return fmt.Errorf("invalid transition timeout: %v (must be between 1s and 120s)", c.TransitionTimeout)
	}
	if c.StabilityDelay <= 0 {
		return fmt.Errorf("invalid stability delay: %v (must be > 0)", c.StabilityDelay)
	}
	if c.ServerPort < 1 || c.ServerPort > 65535 {
		return fmt.Errorf("invalid server port: %d (must be between 1 and 65535)", c.ServerPort)
	}
	if c.Mode == ModeABR && len(c.ABRVariants) == 0 {
		return fmt.Errorf("abr mode requires at least one variant in ABR_VARIANTS")
	}
	for i, variant := range c.ABRVariants {
		if variant.Height <= 0 {
			return fmt.Errorf("variant %d: height must be positive", i)
		}
		if variant.VideoBitrate <= 0 || variant.AudioBitrate <= 0 {
			return fmt.Errorf("variant %d: bitrates must be positive", i)
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	return nil
}

// NumVariants returns the total number of output variants including the
// source passthrough (variant 0).
func (c *Config) NumVariants() int {
	if c.Mode == ModeABR {
		return 1 + len(c.ABRVariants)
	}
	return 1
}

// SegmentDuration returns the target segment duration as a time.Duration.
func (c *Config) SegmentDuration() time.Duration {
	return time.Duration(c.SegmentTime) * time.Second
}

// MaxSegmentAge returns how long a segment is retained before eviction.
func (c *Config) MaxSegmentAge() time.Duration {
	return time.Duration(c.ListSize*c.SegmentTime*3) * time.Second
}

// MaxSegmentsInMemory returns the per-variant cap on the in-memory segment list.
func (c *Config) MaxSegmentsInMemory() int {
	return c.ListSize * 3
}

// secondsToDuration converts a fractional seconds value to a time.Duration
func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
