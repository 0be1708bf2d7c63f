// Package lockfile implements the daemon's PID/lock file lifecycle
// (spec.md §6): refuse to start a second daemon while a live one holds
// the file, clean up stale files left by a crashed process.
package lockfile

import (
	"encoding/json"
	"fmt"
	"os"
	"syscall"
	"time"
)

// Record is the JSON body written to the lock file.
type Record struct {
	PID             int       `json:"pid"`
	Port            int       `json:"port"`
	ServerID        string    `json:"serverId"`
	ProtocolVersion int       `json:"protocolVersion"`
	StartedAt       time.Time `json:"startedAt"`
}

// Lock holds an acquired lock file; Release removes it.
type Lock struct {
	path string
}

// Acquire writes rec to path, refusing if an existing file names a live
// PID. A file naming a dead PID is treated as stale and overwritten.
// The protocol version recorded in an existing file is read but never
// used to refuse a start — spec.md treats version mismatches as purely
// advisory.
func Acquire(path string, rec Record) (*Lock, error) {
	if existing, err := read(path); err == nil {
		if processAlive(existing.PID) {
			return nil, fmt.Errorf("lockfile: daemon already running (pid %d, port %d)", existing.PID, existing.Port)
		}
		// Stale: the named process is gone, fall through and overwrite.
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("lockfile: marshal record: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return nil, fmt.Errorf("lockfile: write %s: %w", path, err)
	}
	return &Lock{path: path}, nil
}

// Release removes the lock file. Safe to call if the file no longer exists.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("lockfile: remove %s: %w", l.path, err)
	}
	return nil
}

func read(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// processAlive reports whether pid names a running process, using the
// standard Unix idiom of sending the null signal.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
