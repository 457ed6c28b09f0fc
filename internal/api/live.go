// Package api provides the HTTP handlers that expose the HLS output.
package api

import (
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/deflax/television-sub000/internal/config"
	"github.com/deflax/television-sub000/internal/logger"
	"github.com/deflax/television-sub000/internal/store"
	"github.com/deflax/television-sub000/internal/streaming"
)

const (
	playlistContentType = "application/vnd.apple.mpegurl"
	segmentContentType  = "video/mp2t"

	playlistCacheControl = "no-cache, no-store, must-revalidate"
	segmentCacheControl  = "public, max-age=3600, immutable"

	// defaultSegmentRetryDelay covers the race between a player polling the
	// playlist and the segment file stabilizing on disk.
	defaultSegmentRetryDelay = 500 * time.Millisecond
)

// variantPlaylistPattern matches per-variant playlist paths like
// "stream_1/playlist.m3u8"
var variantPlaylistPattern = regexp.MustCompile(`^stream_(\d+)/playlist\.m3u8$`)

// ErrorResponse is the JSON error body
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// LiveHandler serves generated playlists and on-disk segment files
type LiveHandler struct {
	cfg        *config.Config
	store      *store.Store
	manager    *streaming.Manager
	retryDelay time.Duration
}

// NewLiveHandler creates a live stream handler
func NewLiveHandler(cfg *config.Config, st *store.Store, manager *streaming.Manager) *LiveHandler {
	return &LiveHandler{
		cfg:        cfg,
		store:      st,
		manager:    manager,
		retryDelay: defaultSegmentRetryDelay,
	}
}

// ServeLive handles GET /live/*path: the top-level playlist, per-variant
// playlists, and segment files.
func (h *LiveHandler) ServeLive(c *gin.Context) {
	rel := strings.TrimPrefix(c.Param("path"), "/")

	// Reject traversal before touching the filesystem.
	if rel == "" || strings.HasPrefix(rel, "/") || strings.Contains(rel, "..") {
		c.JSON(http.StatusForbidden, ErrorResponse{
			Error:   "invalid_path",
			Message: "Invalid stream path",
		})
		return
	}

	if rel == "stream.m3u8" {
		h.servePlaylist(c, h.topPlaylist())
		return
	}

	if matches := variantPlaylistPattern.FindStringSubmatch(rel); matches != nil {
		variant, err := strconv.Atoi(matches[1])
		if err != nil || variant >= h.cfg.NumVariants() {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error:   "variant_not_found",
				Message: "Unknown variant",
			})
			return
		}
		h.servePlaylist(c, h.store.GenerateVariantPlaylist(variant))
		return
	}

	if strings.HasSuffix(rel, ".ts") {
		h.serveSegment(c, rel)
		return
	}

	c.JSON(http.StatusNotFound, ErrorResponse{
		Error:   "not_found",
		Message: "Not found",
	})
}

// topPlaylist returns the playlist served at /live/stream.m3u8: the master
// in ABR mode, the single variant playlist in copy mode.
func (h *LiveHandler) topPlaylist() string {
	if h.cfg.Mode == config.ModeABR {
		return h.store.GenerateMasterPlaylist()
	}
	return h.store.GenerateVariantPlaylist(0)
}

func (h *LiveHandler) servePlaylist(c *gin.Context, content string) {
	c.Header("Cache-Control", playlistCacheControl)
	c.Data(http.StatusOK, playlistContentType, []byte(content))
}

// serveSegment serves an on-disk segment file, waiting one short beat before
// a 404 in case the file is still stabilizing.
func (h *LiveHandler) serveSegment(c *gin.Context, rel string) {
	full := filepath.Join(h.cfg.OutputDir, rel)

	// Belt and braces: the join must stay inside the output root.
	absRoot, err := filepath.Abs(h.cfg.OutputDir)
	if err == nil {
		absFull, err := filepath.Abs(full)
		if err != nil || !strings.HasPrefix(absFull, absRoot+string(filepath.Separator)) {
			c.JSON(http.StatusForbidden, ErrorResponse{
				Error:   "invalid_path",
				Message: "Invalid segment path",
			})
			return
		}
	}

	if _, err := os.Stat(full); os.IsNotExist(err) {
		time.Sleep(h.retryDelay)
		if _, err := os.Stat(full); os.IsNotExist(err) {
			logger.Log.Debug().
				Str("segment", rel).
				Msg("Segment not found")
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error:   "segment_not_found",
				Message: "Segment not found",
			})
			return
		}
	}

	c.Header("Content-Type", segmentContentType)
	c.Header("Cache-Control", segmentCacheControl)
	c.File(full)
}

// Health handles GET /healthz with a read-only view of the mux state
func (h *LiveHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"state":       h.manager.State().String(),
		"current_url": h.manager.CurrentURL(),
		"segments":    h.store.SegmentCount(0),
	})
}

// SetupLiveRoutes registers the live streaming routes
func SetupLiveRoutes(router *gin.Engine, cfg *config.Config, st *store.Store, manager *streaming.Manager) {
	handler := NewLiveHandler(cfg, st, manager)
	router.GET("/live/*path", handler.ServeLive)
	router.GET("/healthz", handler.Health)
}
