// Package lock provides the single-daemon PID lock: a per-user file whose
// content is the owning process id, guarded by an advisory flock so that
// concurrent acquisitions from separate processes serialize.
package lock

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/gofrs/flock"
)

// ErrAlreadyRunning is returned when a live process holds the lock.
// Use AlreadyRunningPID to recover the owner's PID from a wrapped error.
var ErrAlreadyRunning = errors.New("daemon already running")

// alreadyRunningError carries the PID of the live lock holder.
type alreadyRunningError struct {
	pid int
}

func (e *alreadyRunningError) Error() string {
	return fmt.Sprintf("daemon already running (PID %d)", e.pid)
}

func (e *alreadyRunningError) Unwrap() error { return ErrAlreadyRunning }

// AlreadyRunningPID extracts the live holder's PID from an ErrAlreadyRunning
// error. Returns 0 if err is not an already-running error.
func AlreadyRunningPID(err error) int {
	var are *alreadyRunningError
	if errors.As(err, &are) {
		return are.pid
	}
	return 0
}

// Acquire takes the PID lock at path for pid. If a previous holder is dead
// its stale lock file is cleaned up and acquisition proceeds. If the holder
// is alive, returns ErrAlreadyRunning.
//
// The read-check-write sequence is serialized across processes with an
// advisory flock on a sibling file, so two daemons racing at startup cannot
// both win.
func Acquire(path string, pid int) error {
	release, err := flockAcquire(path + ".flock")
	if err != nil {
		return err
	}
	defer release()

	if holder, ok := readLockPID(path); ok {
		if processAlive(holder) {
			return &alreadyRunningError{pid: holder}
		}
		// Stale lock from a dead process.
		_ = os.Remove(path)
	}

	content := strconv.Itoa(pid) + "\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("writing pid lock: %w", err)
	}
	return nil
}

// Release removes the lock file, but only if it still records pid. A lock
// taken over by another process (e.g. after this one was declared stale) is
// left alone.
func Release(path string, pid int) error {
	release, err := flockAcquire(path + ".flock")
	if err != nil {
		return err
	}
	defer release()

	holder, ok := readLockPID(path)
	if !ok || holder != pid {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing pid lock: %w", err)
	}
	return nil
}

// HolderPID returns the PID recorded in the lock file and whether that
// process is alive. A missing or corrupt file reports (0, false).
func HolderPID(path string) (pid int, alive bool) {
	holder, ok := readLockPID(path)
	if !ok {
		return 0, false
	}
	return holder, processAlive(holder)
}

// readLockPID parses the lock file. Corrupt content reports absent, which
// lets acquisition overwrite it.
func readLockPID(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	// The first line is the PID; later lines may carry validation metadata.
	line, _, _ := strings.Cut(strings.TrimSpace(string(data)), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// processAlive reports whether pid exists, via the zero signal.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// flockAcquire takes an exclusive advisory lock and returns its release
// function. The flock file is separate from the PID file so that removing
// the PID file never races the lock itself.
func flockAcquire(path string) (func(), error) {
	fl := flock.New(path)
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("acquiring flock: %w", err)
	}
	return func() {
		_ = fl.Unlock()
	}, nil
}
