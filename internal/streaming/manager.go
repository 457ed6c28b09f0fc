package streaming

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/deflax/television-sub000/internal/config"
	"github.com/deflax/television-sub000/internal/logger"
	"github.com/deflax/television-sub000/internal/store"
)

const (
	// RecoveryBackoffBase is the first restart delay after a transcoder crash
	RecoveryBackoffBase = 2 * time.Second
	// RecoveryBackoffMax caps the exponential restart backoff
	RecoveryBackoffMax = 60 * time.Second

	graceTimeout         = 5 * time.Second
	drainMargin          = 2 * time.Second
	recoveryPollInterval = 1 * time.Second
)

// Manager owns the lifecycle of the transcoder: it serializes Start, Switch,
// and Stop under one mutex and runs the background crash-recovery loop.
type Manager struct {
	cfg       *config.Config
	store     *store.Store
	newRunner func() TranscoderRunner

	mu         sync.Mutex
	state      State
	currentURL string
	runner     TranscoderRunner
	attempts   int

	stopChan     chan struct{}
	recoveryDone chan struct{}
	loopStarted  bool
	stopOnce     sync.Once
}

// NewManager creates a stream manager. Segments observed by runners it
// launches are pushed into the segment store.
func NewManager(cfg *config.Config, st *store.Store) *Manager {
	m := &Manager{
		cfg:          cfg,
		store:        st,
		state:        StateIdle,
		stopChan:     make(chan struct{}),
		recoveryDone: make(chan struct{}),
	}
	m.newRunner = func() TranscoderRunner {
		return NewRunner(cfg, func(variant int, filename string, duration float64) {
			st.AddSegment(variant, filename, duration)
		})
	}
	return m
}

// Run starts the background recovery loop. Stop shuts it down.
func (m *Manager) Run() {
	m.mu.Lock()
	if m.loopStarted {
		m.mu.Unlock()
		return
	}
	m.loopStarted = true
	m.mu.Unlock()

	go m.runRecoveryLoop()
}

// State returns the manager's current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CurrentURL returns the source URL currently being muxed, if any.
func (m *Manager) CurrentURL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentURL
}

// RecoveryAttempts returns the current crash-recovery attempt counter.
func (m *Manager) RecoveryAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Start launches the transcoder for a source URL. Equivalent to Switch.
func (m *Manager) Start(url string) error {
	return m.Switch(url)
}

// Switch moves the output to a new source URL. From IDLE it starts the
// transcoder; from RUNNING it performs the transition protocol; switching to
// the current URL is a no-op. Calls are serialized by the manager mutex.
func (m *Manager) Switch(url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateIdle:
		return m.startLocked(url)

	case StateRunning:
		if url == m.currentURL {
			logger.Log.Debug().
				Str("url", url).
				Msg("Switch to current source ignored")
			return nil
		}
		return m.switchLocked(url)

	default:
		logger.Log.Warn().
			Str("url", url).
			Str("state", m.state.String()).
			Msg("Switch rejected")
		return fmt.Errorf("%w: switch requested in state %s", ErrInvalidState, m.state)
	}
}

// Stop terminates the transcoder and the recovery loop and clears state.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.setStateLocked(StateStopping)
	runner := m.runner
	m.runner = nil
	m.currentURL = ""
	m.attempts = 0
	loopStarted := m.loopStarted
	m.mu.Unlock()

	if runner != nil {
		runner.Stop(graceTimeout)
	}

	m.stopOnce.Do(func() { close(m.stopChan) })
	if loopStarted {
		<-m.recoveryDone
	}

	m.mu.Lock()
	m.setStateLocked(StateIdle)
	m.mu.Unlock()

	logger.Log.Info().Msg("Stream manager stopped")
}

// startLocked implements IDLE -> STARTING -> RUNNING
func (m *Manager) startLocked(url string) error {
	m.setStateLocked(StateStarting)

	if err := m.launchLocked(url); err != nil {
		m.setStateLocked(StateIdle)
		return err
	}

	m.currentURL = url
	m.attempts = 0
	m.setStateLocked(StateRunning)

	logger.Log.Info().
		Str("url", url).
		Msg("Stream started")
	return nil
}

// switchLocked implements the transition protocol from RUNNING:
// drain the current segment, stop the transcoder, mark a discontinuity,
// then launch against the new URL from the store's next sequence.
func (m *Manager) switchLocked(url string) error {
	m.setStateLocked(StateSwitching)

	previous := m.currentURL
	drainTimeout := m.cfg.SegmentDuration() + drainMargin
	if !m.runner.WaitForBoundary(drainTimeout) {
		// Terminating mid-segment risks a truncated chunk at the seam.
		logger.Log.Warn().
			Dur("drain_timeout", drainTimeout).
			Msg("Segment drain timed out, proceeding with switch")
	}

	m.runner.Stop(graceTimeout)
	m.runner = nil

	m.store.MarkDiscontinuity()

	if err := m.launchLocked(url); err != nil {
		m.currentURL = ""
		m.setStateLocked(StateIdle)
		return err
	}

	m.currentURL = url
	m.attempts = 0
	m.setStateLocked(StateRunning)

	logger.Log.Info().
		Str("from", previous).
		Str("to", url).
		Msg("Source switched")
	return nil
}

// launchLocked probes the source, spawns a runner at the store's next
// sequence, and waits for its first segment. On failure the runner is torn
// down and no manager state is touched beyond the runner field.
func (m *Manager) launchLocked(url string) error {
	if width, height, bitrate, ok := probeSource(context.Background(), url); ok {
		m.store.SetSourceInfo(width, height, bitrate)
	}

	startNumber := m.store.NextSequence()
	runner := m.newRunner()

	if err := runner.Start(url, startNumber); err != nil {
		logger.Log.Error().
			Err(err).
			Str("url", url).
			Msg("Failed to spawn transcoder")
		return err
	}

	if !runner.WaitForSegment(m.cfg.TransitionTimeout) {
		logger.Log.Error().
			Str("url", url).
			Dur("timeout", m.cfg.TransitionTimeout).
			Msg("No segment within transition timeout, stopping transcoder")
		runner.Stop(graceTimeout)
		return ErrNoFirstSegment
	}

	m.runner = runner
	return nil
}

// runRecoveryLoop polls every second for an unexpected transcoder exit while
// the manager is RUNNING, and restarts with exponential backoff and a
// discontinuity so sequence continuity survives the crash.
func (m *Manager) runRecoveryLoop() {
	defer close(m.recoveryDone)

	ticker := time.NewTicker(recoveryPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.checkTranscoder()
		}
	}
}

// checkTranscoder performs one recovery-loop pass
func (m *Manager) checkTranscoder() {
	m.mu.Lock()
	if m.state != StateRunning || (m.runner != nil && m.runner.IsRunning()) {
		m.mu.Unlock()
		return
	}

	if m.runner != nil {
		// Reap the dead process and its watcher.
		m.runner.Stop(graceTimeout)
		m.runner = nil
	}

	m.attempts++
	attempts := m.attempts
	url := m.currentURL
	m.mu.Unlock()

	backoff := RecoveryBackoff(attempts)
	logger.Log.Error().
		Str("url", url).
		Int("attempt", attempts).
		Dur("backoff", backoff).
		Msg("Transcoder exited unexpectedly, scheduling restart")

	select {
	case <-m.stopChan:
		return
	case <-time.After(backoff):
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// A Switch or Stop may have raced the backoff sleep.
	if m.state != StateRunning || m.runner != nil || m.currentURL != url {
		return
	}

	m.store.MarkDiscontinuity()

	if err := m.launchLocked(url); err != nil {
		logger.Log.Warn().
			Err(err).
			Str("url", url).
			Int("attempt", attempts).
			Msg("Restart attempt failed")
		return
	}

	m.attempts = 0
	logger.Log.Info().
		Str("url", url).
		Int("attempt", attempts).
		Msg("Transcoder restarted after crash")
}

// setStateLocked records a state change, logging invalid transitions
func (m *Manager) setStateLocked(newState State) {
	if m.state == newState {
		return
	}
	if !m.state.CanTransitionTo(newState) {
		logger.Log.Warn().
			Str("from", m.state.String()).
			Str("to", newState.String()).
			Msg("Unexpected state transition")
	}
	logger.Log.Debug().
		Str("from", m.state.String()).
		Str("to", newState.String()).
		Msg("State transition")
	m.state = newState
}

// RecoveryBackoff returns the restart delay for the given attempt count:
// base * 2^(attempt-1), capped at RecoveryBackoffMax.
func RecoveryBackoff(attempt int) time.Duration {
	if attempt <= 1 {
		return RecoveryBackoffBase
	}
	backoff := RecoveryBackoffBase
	for i := 1; i < attempt && backoff < RecoveryBackoffMax; i++ {
		backoff *= 2
	}
	if backoff > RecoveryBackoffMax {
		backoff = RecoveryBackoffMax
	}
	return backoff
}
