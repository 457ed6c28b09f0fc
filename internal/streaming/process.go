package streaming

import (
	"bufio"
	"errors"
	"io"
	"os"
	"strings"
	"syscall"

	"github.com/deflax/television-sub000/internal/logger"
)

// terminate sends SIGTERM to the child. An already-dead process is not an
// error.
func terminate(process *os.Process) error {
	if err := process.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, syscall.ESRCH) || errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return err
	}
	return nil
}

// drainStderr consumes the transcoder's stderr line by line. ffmpeg reports
// progress on stderr, so ordinary lines log at debug; lines carrying error
// indicators log at error level.
func (r *Runner) drainStderr(reader io.Reader) {
	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		line := scanner.Text()
		if containsErrorKeyword(line) {
			logger.Log.Error().
				Str("run_id", r.runID).
				Str("output", line).
				Msg("Transcoder error")
		} else {
			logger.Log.Debug().
				Str("run_id", r.runID).
				Str("output", line).
				Msg("Transcoder output")
		}
	}

	if err := scanner.Err(); err != nil {
		logger.Log.Warn().
			Err(err).
			Str("run_id", r.runID).
			Msg("Error reading transcoder stderr")
	}
}

// containsErrorKeyword checks if a stderr line carries an error indicator
func containsErrorKeyword(line string) bool {
	lower := strings.ToLower(line)
	return strings.Contains(lower, "error") ||
		strings.Contains(lower, "failed") ||
		strings.Contains(lower, "fatal")
}
