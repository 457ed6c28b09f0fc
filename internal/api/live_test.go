package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deflax/television-sub000/internal/config"
	"github.com/deflax/television-sub000/internal/logger"
	"github.com/deflax/television-sub000/internal/store"
	"github.com/deflax/television-sub000/internal/streaming"
)

func TestMain(m *testing.M) {
	logger.Init("error", false)
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type liveFixture struct {
	cfg     *config.Config
	store   *store.Store
	handler *LiveHandler
	router  *gin.Engine
}

func newLiveFixture(t *testing.T, mode string) *liveFixture {
	t.Helper()

	cfg := &config.Config{
		OutputDir:   t.TempDir(),
		SegmentTime: 4,
		ListSize:    20,
		Mode:        mode,
	}
	if mode == config.ModeABR {
		cfg.ABRVariants = []config.ABRVariant{
			{Height: 720, VideoBitrate: 2500, AudioBitrate: 128},
		}
	}

	st := store.New(cfg)
	manager := streaming.NewManager(cfg, st)

	handler := NewLiveHandler(cfg, st, manager)
	handler.retryDelay = 10 * time.Millisecond

	router := gin.New()
	router.Use(cors.Default())
	router.GET("/live/*path", handler.ServeLive)
	router.GET("/healthz", handler.Health)

	return &liveFixture{cfg: cfg, store: st, handler: handler, router: router}
}

func (f *liveFixture) get(path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Origin", "http://player.example.com")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestServeTopPlaylistCopyMode(t *testing.T) {
	f := newLiveFixture(t, config.ModeCopy)
	f.store.AddSegment(0, "segment_00000.ts", 4.0)
	f.store.AddSegment(0, "segment_00001.ts", 4.0)

	w := f.get("/live/stream.m3u8")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/vnd.apple.mpegurl")
	assert.Equal(t, "no-cache, no-store, must-revalidate", w.Header().Get("Cache-Control"))
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	body := w.Body.String()
	assert.Contains(t, body, "#EXTM3U")
	assert.Contains(t, body, "segment_00000.ts")
	assert.Contains(t, body, "segment_00001.ts")
}

func TestServeTopPlaylistABRModeIsMaster(t *testing.T) {
	f := newLiveFixture(t, config.ModeABR)

	w := f.get("/live/stream.m3u8")

	assert.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "#EXT-X-STREAM-INF")
	assert.Contains(t, body, "stream_0/playlist.m3u8")
	assert.Contains(t, body, "stream_1/playlist.m3u8")
}

func TestServeVariantPlaylist(t *testing.T) {
	f := newLiveFixture(t, config.ModeABR)
	f.store.AddSegment(1, "segment_00000.ts", 4.0)

	w := f.get("/live/stream_1/playlist.m3u8")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "segment_00000.ts")

	w = f.get("/live/stream_9/playlist.m3u8")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServeVariantPlaylistCopyModeVariantZeroOnly(t *testing.T) {
	f := newLiveFixture(t, config.ModeCopy)

	w := f.get("/live/stream_0/playlist.m3u8")
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.get("/live/stream_1/playlist.m3u8")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServeSegment(t *testing.T) {
	f := newLiveFixture(t, config.ModeCopy)
	content := []byte("mpegts-payload")
	require.NoError(t, os.WriteFile(filepath.Join(f.cfg.OutputDir, "segment_00000.ts"), content, 0644))

	w := f.get("/live/segment_00000.ts")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "video/mp2t", w.Header().Get("Content-Type"))
	assert.Equal(t, "public, max-age=3600, immutable", w.Header().Get("Cache-Control"))
	assert.Equal(t, content, w.Body.Bytes())
}

func TestServeMissingSegment(t *testing.T) {
	f := newLiveFixture(t, config.ModeCopy)

	start := time.Now()
	w := f.get("/live/segment_00042.ts")

	assert.Equal(t, http.StatusNotFound, w.Code)
	// One retry beat is expected before giving up.
	assert.GreaterOrEqual(t, time.Since(start), f.handler.retryDelay)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "segment_not_found", resp.Error)
}

func TestServeSegmentAppearsDuringRetry(t *testing.T) {
	f := newLiveFixture(t, config.ModeCopy)
	f.handler.retryDelay = 200 * time.Millisecond

	path := filepath.Join(f.cfg.OutputDir, "segment_00000.ts")
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = os.WriteFile(path, []byte("late"), 0644)
	}()

	w := f.get("/live/segment_00000.ts")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "late", w.Body.String())
}

func TestRejectsPathTraversal(t *testing.T) {
	f := newLiveFixture(t, config.ModeCopy)

	for _, path := range []string{
		"/live/../etc/passwd",
		"/live/a/../../etc/passwd",
		"/live/..%2Fsecrets.ts",
	} {
		w := f.get(path)
		assert.Equal(t, http.StatusForbidden, w.Code, path)
	}
}

func TestUnknownPathIs404(t *testing.T) {
	f := newLiveFixture(t, config.ModeCopy)

	w := f.get("/live/whatever.txt")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthz(t *testing.T) {
	f := newLiveFixture(t, config.ModeCopy)
	f.store.AddSegment(0, "segment_00000.ts", 4.0)

	w := f.get("/healthz")
	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "idle", body["state"])
	assert.Equal(t, float64(1), body["segments"])
}
