package updater

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	backupFilename     = "visionlink.backup"
	backupInfoFilename = "backup.json"
)

type backupInfo struct {
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	ExecPath  string    `json:"exec_path"`
}

// backupManager keeps a single copy of a previous binary.
type backupManager struct {
	mu     sync.RWMutex
	dir    string
	exe    string
	info   *backupInfo
	logger *slog.Logger
}

func newBackupManager(dir, exe string, logger *slog.Logger) (*backupManager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}
	m := &backupManager{dir: dir, exe: exe, logger: logger}
	m.load()
	return m, nil
}

func (m *backupManager) path() string {
	return filepath.Join(m.dir, backupFilename)
}

func (m *backupManager) load() {
	data, err := os.ReadFile(filepath.Join(m.dir, backupInfoFilename))
	if err != nil {
		return
	}

	var info backupInfo
	if err := json.Unmarshal(data, &info); err != nil {
		m.logger.Warn("Failed to parse backup info", "error", err)
		return
	}
	if _, err := os.Stat(m.path()); err != nil {
		m.logger.Warn("Backup file missing", "path", m.path())
		return
	}

	m.mu.Lock()
	m.info = &info
	m.mu.Unlock()
}

func copyFile(dst, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// create copies the executable into the backup directory.
func (m *backupManager) create(ver string) error {
	if err := copyFile(m.path(), m.exe); err != nil {
		return fmt.Errorf("failed to copy executable: %w", err)
	}

	info := backupInfo{Version: ver, CreatedAt: time.Now(), ExecPath: m.exe}
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal backup info: %w", err)
	}
	if err := os.WriteFile(filepath.Join(m.dir, backupInfoFilename), data, 0o644); err != nil {
		return fmt.Errorf("failed to write backup info: %w", err)
	}

	m.mu.Lock()
	m.info = &info
	m.mu.Unlock()

	m.logger.Info("Backup created", "version", ver, "path", m.path())
	return nil
}

// restore copies the backup over the executable it was taken from.
func (m *backupManager) restore() error {
	m.mu.RLock()
	info := m.info
	m.mu.RUnlock()
	if info == nil {
		return newError(ErrCodeNoBackup, "no backup available", nil)
	}

	if err := copyFile(info.ExecPath, m.path()); err != nil {
		return fmt.Errorf("failed to restore backup: %w", err)
	}
	m.logger.Info("Backup restored", "version", info.Version)
	return nil
}

func (m *backupManager) rollback() (string, error) {
	if err := m.restore(); err != nil {
		var e *Error
		if errors.As(err, &e) {
			return "", e
		}
		return "", newError(ErrCodeRollbackFailed, "failed to restore backup", err)
	}
	return m.version(), nil
}

func (m *backupManager) version() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.info == nil {
		return ""
	}
	return m.info.Version
}
