// Package lockfile keeps two DealerPipe processes from sharing one state
// directory, and with it one SQLite database.
//
// The lock is an flock on a file in the state directory, so the kernel
// releases it when the process exits, cleanly or not.
package lockfile

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// LockFileName is the name of the lock file created in the state directory.
const LockFileName = "dealerpipe.lock"

// Info describes the process holding the lock.
type Info struct {
	PID     int
	Addr    string
	Started time.Time
}

func (i Info) encode() string {
	return fmt.Sprintf("pid=%d\naddr=%s\nstarted=%s\n", i.PID, i.Addr, i.Started.UTC().Format(time.RFC3339))
}

// parseInfo reads the key=value lines written by encode. ok is false when no
// pid could be read.
func parseInfo(content string) (Info, bool) {
	var info Info
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		key, value, found := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !found {
			continue
		}
		switch key {
		case "pid":
			if pid, err := strconv.Atoi(value); err == nil && pid > 0 {
				info.PID = pid
			}
		case "addr":
			info.Addr = value
		case "started":
			if ts, err := time.Parse(time.RFC3339, value); err == nil {
				info.Started = ts
			}
		}
	}
	return info, info.PID > 0
}

// Lock is a held state directory lock.
type Lock struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// AcquireLock takes the lock on stateDir, creating the directory if needed.
// addr is recorded for the error shown to a second instance. When another
// process holds the lock the error is a *LockError.
func AcquireLock(stateDir, addr string) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		lockErr := &LockError{Path: lockPath, Cause: err}
		if data, readErr := os.ReadFile(lockPath); readErr == nil {
			if holder, ok := parseInfo(string(data)); ok {
				lockErr.Holder = &holder
			}
		}
		slog.Error("lockfile.AcquireLock: state directory is locked by another instance", "lock_path", lockPath, "error", err)
		return nil, lockErr
	}

	info := Info{PID: os.Getpid(), Addr: addr, Started: time.Now()}
	if err := writeInfo(file, info); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock file %s: %w", lockPath, err)
	}

	slog.Info("lockfile.AcquireLock: state directory locked", "lock_path", lockPath, "pid", info.PID)
	return &Lock{file: file, path: lockPath}, nil
}

// writeInfo replaces the file content only after the flock is held, so a
// refused instance never truncates the holder's information.
func writeInfo(file *os.File, info Info) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.WriteAt([]byte(info.encode()), 0); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		slog.Warn("lockfile.writeInfo: failed to sync lock file", "error", err)
	}
	return nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release unlocks and removes the lock file. It is safe to call more than once.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}

	var errs []error
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, fmt.Errorf("remove lock file: %w", err))
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		errs = append(errs, fmt.Errorf("unlock: %w", err))
	}
	if err := l.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close lock file: %w", err))
	}
	l.file = nil

	slog.Info("Lock.Release: state directory unlocked", "lock_path", l.path)
	return errors.Join(errs...)
}

// LockError is returned when another process holds the lock.
type LockError struct {
	Path   string
	Holder *Info
	Cause  error
}

func (e *LockError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "another DealerPipe instance is using this state directory (lock file %s)", e.Path)
	if e.Holder != nil {
		state := "running"
		if !processRunning(e.Holder.PID) {
			state = "not running, the lock may be stale"
		}
		fmt.Fprintf(&b, "; held by pid %d (%s)", e.Holder.PID, state)
		if e.Holder.Addr != "" {
			fmt.Fprintf(&b, " serving %s", e.Holder.Addr)
		}
		if !e.Holder.Started.IsZero() {
			fmt.Fprintf(&b, " since %s", e.Holder.Started.Format(time.RFC3339))
		}
	}
	b.WriteString(". Stop the other instance or point DEALERPIPE_STATE_DIR elsewhere")
	return b.String()
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

// processRunning sends signal 0, which checks for existence without
// delivering anything.
func processRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
