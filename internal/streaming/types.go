// Package streaming owns the transcoder lifecycle: the stream manager state
// machine, source transitions, crash recovery, and the ffmpeg runner with its
// segment watcher.
package streaming

import "errors"

// State represents the current state of the stream manager
type State string

// Stream manager states
const (
	StateIdle      State = "idle"      // no active transcoder
	StateStarting  State = "starting"  // transcoder launching, waiting for first segment
	StateRunning   State = "running"   // transcoder producing segments
	StateSwitching State = "switching" // transition to a new source in progress
	StateStopping  State = "stopping"  // shutdown in progress
)

// Common errors
var (
	ErrInvalidState   = errors.New("operation not valid in current state")
	ErrSpawnFailed    = errors.New("failed to spawn transcoder")
	ErrNoFirstSegment = errors.New("no segment produced within transition timeout")
)

// String returns the string representation of the state
func (s State) String() string {
	return string(s)
}

// CanTransitionTo checks if a transition from the current state to newState is valid
func (s State) CanTransitionTo(newState State) bool {
	switch s {
	case StateIdle:
		return newState == StateStarting || newState == StateStopping
	case StateStarting:
		return newState == StateRunning || newState == StateIdle || newState == StateStopping
	case StateRunning:
		return newState == StateSwitching || newState == StateStopping
	case StateSwitching:
		return newState == StateRunning || newState == StateIdle || newState == StateStopping
	case StateStopping:
		return newState == StateIdle
	default:
		return false
	}
}
