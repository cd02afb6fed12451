package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Audit trail retention defaults. The trail is the source of truth for
// settlement disputes, so backups are kept for a month by default.
const (
	defaultAuditMaxSizeMB  = 100
	defaultAuditBackups    = 7
	defaultAuditMaxAgeDays = 30
)

// backupTimeLayout names rotated files after the moment of rotation, so a
// directory listing reads chronologically.
const backupTimeLayout = "20060102T150405.000"

// auditFile is a size-capped append writer. When the active file would
// exceed the cap it is renamed with a UTC timestamp suffix and a fresh file
// is opened; backups beyond the retention count or age are pruned.
type auditFile struct {
	mu     sync.Mutex
	file   *os.File
	path   string
	limit  int64
	retain int
	maxAge time.Duration
}

func newAuditFile(path string, maxSizeMB, maxBackups, maxAgeDays int) (*auditFile, error) {
	if path == "" {
		return nil, errors.New("audit log path is required")
	}
	if maxSizeMB <= 0 {
		maxSizeMB = defaultAuditMaxSizeMB
	}
	if maxBackups <= 0 {
		maxBackups = defaultAuditBackups
	}
	if maxAgeDays <= 0 {
		maxAgeDays = defaultAuditMaxAgeDays
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	return &auditFile{
		path:   path,
		limit:  int64(maxSizeMB) * 1024 * 1024,
		retain: maxBackups,
		maxAge: time.Duration(maxAgeDays) * 24 * time.Hour,
	}, nil
}

func (w *auditFile) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.ensureFile(); err != nil {
		return 0, err
	}
	info, err := w.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat audit log: %w", err)
	}
	if info.Size()+int64(len(p)) > w.limit {
		if err := w.rotate(); err != nil {
			return 0, err
		}
		if err := w.ensureFile(); err != nil {
			return 0, err
		}
	}
	return w.file.Write(p)
}

func (w *auditFile) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

func (w *auditFile) ensureFile() error {
	if w.file != nil {
		return nil
	}
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	w.file = file
	return nil
}

func (w *auditFile) rotate() error {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
	backup := fmt.Sprintf("%s.%s", w.path, time.Now().UTC().Format(backupTimeLayout))
	if err := os.Rename(w.path, backup); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rotate audit log: %w", err)
	}
	w.prune()
	return nil
}

// prune drops the oldest backups beyond the retention count and any backup
// older than the retention age. The active file is never touched.
func (w *auditFile) prune() {
	backups, err := filepath.Glob(w.path + ".*")
	if err != nil {
		return
	}
	sort.Strings(backups)

	if w.retain > 0 && len(backups) > w.retain {
		for _, path := range backups[:len(backups)-w.retain] {
			_ = os.Remove(path)
		}
		backups = backups[len(backups)-w.retain:]
	}
	if w.maxAge <= 0 {
		return
	}
	cutoff := time.Now().Add(-w.maxAge)
	for _, path := range backups {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(path)
		}
	}
}
