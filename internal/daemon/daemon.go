package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"fundwatch/internal/logger"
)

// ErrAlreadyRunning means the lock is held by a live process.
var ErrAlreadyRunning = errors.New("scheduler already running")

// ErrNotRunning means no live daemon holds the lock.
var ErrNotRunning = errors.New("scheduler not running")

// Liveness answers whether a recorded process identifier refers to a live
// process. Abstracted so tests can fake process existence.
type Liveness interface {
	Alive(pid int) bool
}

// OSLiveness checks liveness with signal 0.
type OSLiveness struct{}

func (OSLiveness) Alive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// Lock is the per-workspace single-daemon guard: a PID file whose record is
// meaningful only while the process it names is alive. A stale record is
// treated as absent and cleared.
type Lock struct {
	path string
	live Liveness
}

func NewLock(dataDir string, live Liveness) *Lock {
	return &Lock{
		path: filepath.Join(dataDir, "fundwatch.pid"),
		live: live,
	}
}

// Acquire records pid as the running daemon. Fails with ErrAlreadyRunning if
// another live process holds the lock.
func (l *Lock) Acquire(pid int) error {
	if existing, err := l.readPID(); err == nil {
		if l.live.Alive(existing) {
			return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, existing)
		}
		logger.Warnf("clearing stale lock for dead pid %d", existing)
		if err := os.Remove(l.path); err != nil {
			return fmt.Errorf("clear stale lock: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	if err := os.WriteFile(l.path, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return fmt.Errorf("write lock: %w", err)
	}
	return nil
}

// Release clears the lock. Safe to call when no lock exists.
func (l *Lock) Release() error {
	err := os.Remove(l.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Status returns the recorded pid and whether that process is alive.
func (l *Lock) Status() (pid int, alive bool, err error) {
	pid, err = l.readPID()
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return pid, l.live.Alive(pid), nil
}

// Stop signals the recorded daemon with SIGTERM and clears the lock. A stale
// record is cleared and reported as not running.
func (l *Lock) Stop() error {
	pid, alive, err := l.Status()
	if err != nil {
		return err
	}
	if pid == 0 {
		return ErrNotRunning
	}
	if !alive {
		_ = l.Release()
		return fmt.Errorf("%w (cleared stale lock for pid %d)", ErrNotRunning, pid)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}
	return l.Release()
}

func (l *Lock) readPID() (int, error) {
	b, err := os.ReadFile(l.path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, fmt.Errorf("malformed lock file %s: %w", l.path, err)
	}
	return pid, nil
}
