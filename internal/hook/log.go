package hook

import (
	"context"
	"fmt"
	"os"
	"time"
)

// Logger appends timestamped lines to the hook log file. Hooks never log
// to stderr except for the deliberate user-facing warnings; everything
// else goes here so assistant output stays clean. A nil or unopenable
// log swallows writes.
type Logger struct {
	path string
}

// NewLogger creates a logger for the given path. An empty path disables
// logging entirely.
func NewLogger(path string) *Logger {
	return &Logger{path: path}
}

// Printf appends one formatted line. Open-per-write keeps concurrent
// hook processes from clobbering each other's handles; O_APPEND makes
// the writes atomic enough for line-oriented logs.
func (l *Logger) Printf(format string, args ...any) {
	if l == nil || l.path == "" {
		return
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "%s [%d] %s\n",
		time.Now().Format(time.RFC3339), os.Getpid(), fmt.Sprintf(format, args...))
}

func contextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}
