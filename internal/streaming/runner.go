package streaming

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/deflax/television-sub000/internal/config"
	"github.com/deflax/television-sub000/internal/logger"
	"github.com/deflax/television-sub000/internal/store"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	waitPollInterval    = 500 * time.Millisecond
	killTimeout         = 2 * time.Second
)

// SegmentCallback is invoked by the runner's watcher goroutine for every new
// segment file whose size has stabilized on disk.
type SegmentCallback func(variant int, filename string, duration float64)

// TranscoderRunner is the manager-facing contract of a transcoder process
// wrapper. One runner wraps at most one child process for its lifetime.
type TranscoderRunner interface {
	Start(inputURL string, startNumber int) error
	Stop(graceTimeout time.Duration)
	WaitForSegment(timeout time.Duration) bool
	WaitForBoundary(timeout time.Duration) bool
	IsRunning() bool
}

// Runner wraps one ffmpeg child process: it launches the transcoder, watches
// its output directories for new segments, pushes stabilized segments to the
// callback, and drains stderr.
type Runner struct {
	cfg       *config.Config
	onSegment SegmentCallback
	runID     string

	pollInterval   time.Duration
	stabilityDelay time.Duration

	cmd       *exec.Cmd
	stopChan  chan struct{}
	watchDone chan struct{}
	exited    chan struct{}
	exitErr   error

	mu       sync.Mutex
	started  bool
	stopping bool
	seen     map[string]struct{}
	observed int
}

// NewRunner creates a runner for one transcoder launch. The run ID tags
// every log line so interleaved restarts stay distinguishable.
func NewRunner(cfg *config.Config, onSegment SegmentCallback) *Runner {
	return &Runner{
		cfg:            cfg,
		onSegment:      onSegment,
		runID:          uuid.NewString(),
		pollInterval:   defaultPollInterval,
		stabilityDelay: cfg.StabilityDelay,
		stopChan:       make(chan struct{}),
		watchDone:      make(chan struct{}),
		exited:         make(chan struct{}),
		seen:           make(map[string]struct{}),
	}
}

// Start launches the transcoder and begins watching for segments. Existing
// segment files are recorded first so only new ones trigger the callback.
func (r *Runner) Start(inputURL string, startNumber int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return fmt.Errorf("runner already started")
	}

	dirs := r.variantDirs()
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	// Seed the seen-set from disk so leftovers from a previous run are ignored.
	for variant, dir := range dirs {
		for _, name := range listSegmentFiles(dir) {
			r.seen[seenKey(variant, name)] = struct{}{}
		}
	}

	args := BuildMuxCommand(r.cfg, inputURL, startNumber)
	cmd := exec.Command("ffmpeg", args...)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	r.cmd = cmd
	r.started = true

	go r.drainStderr(stderr)
	go func() {
		r.exitErr = cmd.Wait()
		close(r.exited)
	}()
	go r.watch(dirs)

	logger.Log.Info().
		Str("run_id", r.runID).
		Int("pid", cmd.Process.Pid).
		Str("input_url", inputURL).
		Int("start_number", startNumber).
		Str("mode", r.cfg.Mode).
		Msg("Transcoder launched")

	return nil
}

// Stop cancels the watcher and terminates the child: SIGTERM first, SIGKILL
// after the graceful window expires.
func (r *Runner) Stop(graceTimeout time.Duration) {
	r.mu.Lock()
	if r.stopping {
		r.mu.Unlock()
		return
	}
	r.stopping = true
	started := r.started
	r.mu.Unlock()

	close(r.stopChan)

	if !started {
		close(r.watchDone)
		return
	}
	<-r.watchDone

	select {
	case <-r.exited:
		r.logExit()
		return
	default:
	}

	logger.Log.Debug().
		Str("run_id", r.runID).
		Int("pid", r.cmd.Process.Pid).
		Msg("Sending SIGTERM to transcoder")

	if err := terminate(r.cmd.Process); err != nil {
		logger.Log.Warn().
			Err(err).
			Str("run_id", r.runID).
			Msg("Failed to signal transcoder")
	}

	select {
	case <-r.exited:
	case <-time.After(graceTimeout):
		logger.Log.Warn().
			Str("run_id", r.runID).
			Dur("grace", graceTimeout).
			Msg("Transcoder did not exit gracefully, sending SIGKILL")
		_ = r.cmd.Process.Kill()
		select {
		case <-r.exited:
		case <-time.After(killTimeout):
			logger.Log.Error().
				Str("run_id", r.runID).
				Msg("Transcoder did not die after SIGKILL")
			return
		}
	}
	r.logExit()
}

// IsRunning reports whether the child process is alive.
func (r *Runner) IsRunning() bool {
	r.mu.Lock()
	started := r.started
	r.mu.Unlock()
	if !started {
		return false
	}
	select {
	case <-r.exited:
		return false
	default:
		return true
	}
}

// WaitForSegment polls until at least one new segment has been observed
// since Start, or the timeout expires.
func (r *Runner) WaitForSegment(timeout time.Duration) bool {
	return r.waitObserved(0, timeout)
}

// WaitForBoundary polls until one more segment is observed beyond the count
// at call time. A new segment file opening means the previous one is closed,
// which is the safe moment to terminate the transcoder.
func (r *Runner) WaitForBoundary(timeout time.Duration) bool {
	r.mu.Lock()
	snapshot := r.observed
	r.mu.Unlock()
	return r.waitObserved(snapshot, timeout)
}

func (r *Runner) waitObserved(above int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		r.mu.Lock()
		observed := r.observed
		r.mu.Unlock()
		if observed > above {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-r.stopChan:
			return false
		case <-time.After(waitPollInterval):
		}
	}
}

// watch runs the segment detection loop. fsnotify events short-circuit the
// wait when available; the periodic poll remains the correctness backstop.
func (r *Runner) watch(dirs []string) {
	defer close(r.watchDone)

	var events chan fsnotify.Event
	var errs chan error

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Log.Warn().
			Err(err).
			Str("run_id", r.runID).
			Msg("Failed to create fsnotify watcher, polling only")
	} else {
		defer watcher.Close() // nolint:errcheck
		for _, dir := range dirs {
			if err := watcher.Add(dir); err != nil {
				logger.Log.Warn().
					Err(err).
					Str("dir", dir).
					Msg("Failed to watch output directory, polling only")
			}
		}
		events = watcher.Events
		errs = watcher.Errors
	}

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				r.scanOnce(dirs)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			logger.Log.Warn().
				Err(err).
				Str("run_id", r.runID).
				Msg("fsnotify error, continuing")
		case <-ticker.C:
			r.scanOnce(dirs)
		}
	}
}

// scanOnce enumerates unseen segment files in every variant directory and
// publishes those whose size has stabilized.
func (r *Runner) scanOnce(dirs []string) {
	duration := float64(r.cfg.SegmentTime)
	for variant, dir := range dirs {
		for _, name := range listSegmentFiles(dir) {
			key := seenKey(variant, name)

			r.mu.Lock()
			_, known := r.seen[key]
			r.mu.Unlock()
			if known {
				continue
			}

			if !r.isStable(filepath.Join(dir, name)) {
				// Still being written; the next pass retries.
				continue
			}

			r.mu.Lock()
			r.seen[key] = struct{}{}
			r.observed++
			r.mu.Unlock()

			logger.Log.Debug().
				Str("run_id", r.runID).
				Int("variant", variant).
				Str("filename", name).
				Msg("New segment stabilized")

			if r.onSegment != nil {
				r.onSegment(variant, name, duration)
			}
		}
	}
}

// isStable requires the file size to be non-zero and unchanged across the
// stability delay, so a half-written segment is never published.
func (r *Runner) isStable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		return false
	}
	first := info.Size()

	time.Sleep(r.stabilityDelay)

	info, err = os.Stat(path)
	if err != nil {
		return false
	}
	return info.Size() == first
}

// variantDirs returns the output directory per variant index. Single-output
// mode writes to the output root; ABR mode uses stream_<i> subdirectories.
func (r *Runner) variantDirs() []string {
	n := r.cfg.NumVariants()
	if n == 1 {
		return []string{r.cfg.OutputDir}
	}
	dirs := make([]string, n)
	for i := 0; i < n; i++ {
		dirs[i] = filepath.Join(r.cfg.OutputDir, fmt.Sprintf("stream_%d", i))
	}
	return dirs
}

func (r *Runner) logExit() {
	logger.Log.Info().
		Str("run_id", r.runID).
		AnErr("exit_err", r.exitErr).
		Msg("Transcoder exited")
}

func seenKey(variant int, filename string) string {
	return fmt.Sprintf("%d/%s", variant, filename)
}

// listSegmentFiles returns the segment filenames in a directory, ignoring
// anything that does not match the transcoder's naming pattern.
func listSegmentFiles(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, ok := store.ParseSequence(entry.Name()); ok {
			names = append(names, entry.Name())
		}
	}
	return names
}

// ScanNextSequence scans the on-disk output tree once at startup and returns
// the sequence number the next transcoder launch should start from.
func ScanNextSequence(outputDir string, numVariants int) int {
	dirs := []string{outputDir}
	if numVariants > 1 {
		dirs = dirs[:0]
		for i := 0; i < numVariants; i++ {
			dirs = append(dirs, filepath.Join(outputDir, fmt.Sprintf("stream_%d", i)))
		}
	}

	next := 0
	for _, dir := range dirs {
		for _, name := range listSegmentFiles(dir) {
			if seq, ok := store.ParseSequence(name); ok && seq+1 > next {
				next = seq + 1
			}
		}
	}
	return next
}
