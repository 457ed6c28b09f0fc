package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deflax/television-sub000/internal/store"
)

// fakeRunner stands in for a transcoder process in manager tests.
type fakeRunner struct {
	mu          sync.Mutex
	startedURL  string
	startNumber int
	startErr    error
	segment     bool
	boundary    bool
	running     bool
	stopped     bool
}

func (f *fakeRunner) Start(url string, startNumber int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.startedURL = url
	f.startNumber = startNumber
	f.running = true
	return nil
}

func (f *fakeRunner) Stop(graceTimeout time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	f.stopped = true
}

func (f *fakeRunner) WaitForSegment(timeout time.Duration) bool  { return f.segment }
func (f *fakeRunner) WaitForBoundary(timeout time.Duration) bool { return f.boundary }

func (f *fakeRunner) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeRunner) setRunning(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = v
}

func stubProbe(t *testing.T) {
	t.Helper()
	orig := probeSource
	probeSource = func(ctx context.Context, inputURL string) (int, int, int, bool) {
		return 1920, 1080, 5_000_000, true
	}
	t.Cleanup(func() { probeSource = orig })
}

// newTestManager wires a manager to fake runners and returns the list of
// runners it created, one per launch.
func newTestManager(t *testing.T, st *store.Store, configure func(*fakeRunner)) (*Manager, *[]*fakeRunner) {
	t.Helper()
	stubProbe(t)

	cfg := copyConfig(t.TempDir())
	cfg.TransitionTimeout = time.Second

	m := NewManager(cfg, st)
	runners := &[]*fakeRunner{}
	m.newRunner = func() TranscoderRunner {
		f := &fakeRunner{segment: true, boundary: true}
		if configure != nil {
			configure(f)
		}
		*runners = append(*runners, f)
		return f
	}
	return m, runners
}

func TestManagerStartFromIdle(t *testing.T) {
	st := store.New(copyConfig(t.TempDir()))
	m, runners := newTestManager(t, st, nil)

	require.NoError(t, m.Start("http://source/a"))

	assert.Equal(t, StateRunning, m.State())
	assert.Equal(t, "http://source/a", m.CurrentURL())
	require.Len(t, *runners, 1)
	assert.Equal(t, "http://source/a", (*runners)[0].startedURL)
	assert.Equal(t, 0, (*runners)[0].startNumber)
}

func TestManagerSwitchSameURLIsNoOp(t *testing.T) {
	st := store.New(copyConfig(t.TempDir()))
	m, runners := newTestManager(t, st, nil)

	require.NoError(t, m.Start("http://source/a"))
	require.NoError(t, m.Switch("http://source/a"))

	assert.Len(t, *runners, 1)
	assert.False(t, (*runners)[0].stopped)
	assert.Equal(t, 0, st.DiscontinuityCount())
	assert.Equal(t, StateRunning, m.State())
}

func TestManagerSwitchTransition(t *testing.T) {
	st := store.New(copyConfig(t.TempDir()))
	m, runners := newTestManager(t, st, nil)

	require.NoError(t, m.Start("http://source/a"))

	// The first run produced segments 0..2.
	for _, name := range []string{"segment_00000.ts", "segment_00001.ts", "segment_00002.ts"} {
		st.AddSegment(0, name, 4.0)
	}

	require.NoError(t, m.Switch("http://source/b"))

	require.Len(t, *runners, 2)
	old, fresh := (*runners)[0], (*runners)[1]

	assert.True(t, old.stopped)
	assert.Equal(t, "http://source/b", fresh.startedURL)
	assert.Equal(t, 3, fresh.startNumber)
	assert.Equal(t, 1, st.DiscontinuityCount())
	assert.Equal(t, StateRunning, m.State())
	assert.Equal(t, "http://source/b", m.CurrentURL())
}

func TestManagerSwitchChainMarksEachSeam(t *testing.T) {
	st := store.New(copyConfig(t.TempDir()))
	m, _ := newTestManager(t, st, nil)

	require.NoError(t, m.Start("http://source/a"))
	require.NoError(t, m.Switch("http://source/b"))
	require.NoError(t, m.Switch("http://source/c"))

	assert.Equal(t, 2, st.DiscontinuityCount())
	assert.Equal(t, "http://source/c", m.CurrentURL())
}

func TestManagerSwitchRejectedWhileStopping(t *testing.T) {
	st := store.New(copyConfig(t.TempDir()))
	m, _ := newTestManager(t, st, nil)

	m.mu.Lock()
	m.state = StateStopping
	m.mu.Unlock()

	err := m.Switch("http://source/a")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestManagerStartNoFirstSegment(t *testing.T) {
	st := store.New(copyConfig(t.TempDir()))
	m, runners := newTestManager(t, st, func(f *fakeRunner) {
		f.segment = false
	})

	err := m.Start("http://source/a")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoFirstSegment)

	assert.Equal(t, StateIdle, m.State())
	assert.Empty(t, m.CurrentURL())
	require.Len(t, *runners, 1)
	assert.True(t, (*runners)[0].stopped)
}

func TestManagerSwitchLaunchFailureFallsIdle(t *testing.T) {
	st := store.New(copyConfig(t.TempDir()))
	launches := 0
	m, _ := newTestManager(t, st, func(f *fakeRunner) {
		launches++
		if launches > 1 {
			f.startErr = ErrSpawnFailed
		}
	})

	require.NoError(t, m.Start("http://source/a"))

	err := m.Switch("http://source/b")
	require.Error(t, err)

	// The seam marker is already recorded; whichever source comes next
	// starts a new continuity group.
	assert.Equal(t, 1, st.DiscontinuityCount())
	assert.Equal(t, StateIdle, m.State())
	assert.Empty(t, m.CurrentURL())
}

func TestManagerStop(t *testing.T) {
	st := store.New(copyConfig(t.TempDir()))
	m, runners := newTestManager(t, st, nil)

	require.NoError(t, m.Start("http://source/a"))
	m.Stop()

	assert.Equal(t, StateIdle, m.State())
	assert.Empty(t, m.CurrentURL())
	assert.True(t, (*runners)[0].stopped)
}

func TestManagerStopIsIdempotent(t *testing.T) {
	st := store.New(copyConfig(t.TempDir()))
	m, _ := newTestManager(t, st, nil)
	m.Run()

	require.NoError(t, m.Start("http://source/a"))
	m.Stop()
	m.Stop()

	assert.Equal(t, StateIdle, m.State())
}

func TestManagerCrashRecovery(t *testing.T) {
	st := store.New(copyConfig(t.TempDir()))
	m, runners := newTestManager(t, st, nil)

	require.NoError(t, m.Start("http://source/a"))
	st.AddSegment(0, "segment_00000.ts", 4.0)

	// Simulate an unexpected exit.
	(*runners)[0].setRunning(false)

	m.checkTranscoder() // sleeps one backoff period (2s)

	require.Len(t, *runners, 2)
	fresh := (*runners)[1]
	assert.Equal(t, "http://source/a", fresh.startedURL)
	assert.Equal(t, 1, fresh.startNumber)
	assert.Equal(t, 1, st.DiscontinuityCount())
	assert.Equal(t, StateRunning, m.State())
	assert.Equal(t, 0, m.RecoveryAttempts())
}

func TestManagerRecoverySkipsWhenHealthy(t *testing.T) {
	st := store.New(copyConfig(t.TempDir()))
	m, runners := newTestManager(t, st, nil)

	require.NoError(t, m.Start("http://source/a"))
	m.checkTranscoder()

	assert.Len(t, *runners, 1)
	assert.Equal(t, 0, m.RecoveryAttempts())
	assert.Equal(t, 0, st.DiscontinuityCount())
}

func TestRecoveryBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 32 * time.Second},
		{6, 60 * time.Second},
		{10, 60 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, RecoveryBackoff(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from    State
		to      State
		allowed bool
	}{
		{StateIdle, StateStarting, true},
		{StateIdle, StateRunning, false},
		{StateStarting, StateRunning, true},
		{StateStarting, StateIdle, true},
		{StateRunning, StateSwitching, true},
		{StateRunning, StateStarting, false},
		{StateSwitching, StateRunning, true},
		{StateSwitching, StateIdle, true},
		{StateStopping, StateIdle, true},
		{StateStopping, StateRunning, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to), "%s -> %s", tt.from, tt.to)
	}
}
