package zeroserver

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Logger owns the coordinator's append-only log files: Worker.log for
// connection events and Training.log for iteration progress. Every entry is
// timestamped and, unless quiet, echoed to stderr so a tail of the process
// shows the same view as the files.
type Logger struct {
	mu       sync.Mutex
	worker   *os.File
	training *os.File
	quiet    bool
}

// NewLogger opens (creating if needed) the log files under trainingDir and
// writes the session separator.
func NewLogger(trainingDir string, quiet bool) (*Logger, error) {
	if err := os.MkdirAll(trainingDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create training directory %s", trainingDir)
	}
	l := &Logger{quiet: quiet}
	var err error
	l.worker, err = openAppend(filepath.Join(trainingDir, "Worker.log"))
	if err != nil {
		return nil, err
	}
	l.training, err = openAppend(filepath.Join(trainingDir, "Training.log"))
	if err != nil {
		return nil, err
	}
	separator := strings.Repeat("=", 100)
	fmt.Fprintln(l.worker, separator)
	fmt.Fprintln(l.training, separator)
	return l, nil
}

func openAppend(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open log file %s", path)
	}
	return f, nil
}

func (l *Logger) log(f *os.File, message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	line := time.Now().Format("[2006/01/02_15:04:05.000] ") + message
	fmt.Fprintln(f, line)
	if !l.quiet {
		fmt.Fprintln(os.Stderr, line)
	}
}

// Worker logs a connection event.
func (l *Logger) Worker(message string) { l.log(l.worker, message) }

// Training logs iteration progress.
func (l *Logger) Training(message string) { l.log(l.training, message) }

// Close closes both files.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.worker.Close()
	l.training.Close()
}
