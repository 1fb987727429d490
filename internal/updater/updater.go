// Package updater replaces the running visionlink binary with a release
// published on GitHub, keeping one backup for rollback.
package updater

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/creativeprojects/go-selfupdate"

	"github.com/smazurov/visionlink/internal/version"
)

// DefaultRepository is the GitHub slug releases are fetched from.
const DefaultRepository = "smazurov/visionlink"

// Options configures an Updater.
type Options struct {
	Repository string
	Prerelease bool
	// BackupDir defaults to ~/.cache/visionlink/backup.
	BackupDir string
	Logger    *slog.Logger
}

// UpdateInfo describes the latest release relative to the running binary.
type UpdateInfo struct {
	CurrentVersion  string    `json:"current_version"`
	LatestVersion   string    `json:"latest_version"`
	ReleaseNotes    string    `json:"release_notes,omitempty"`
	ReleaseURL      string    `json:"release_url,omitempty"`
	PublishedAt     time.Time `json:"published_at"`
	AssetSize       int       `json:"asset_size"`
	UpdateAvailable bool      `json:"update_available"`
}

// Updater checks for and applies releases.
type Updater struct {
	updater *selfupdate.Updater
	repo    selfupdate.Repository
	exe     string
	backups *backupManager
	logger  *slog.Logger
}

// New creates an Updater for the running executable. It fails with
// ErrCodeDisabled when the executable's directory is not writable.
func New(opts Options) (*Updater, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Repository == "" {
		opts.Repository = DefaultRepository
	}

	exe, err := selfupdate.ExecutablePath()
	if err != nil {
		return nil, newError(ErrCodeDisabled, "failed to get executable path", err)
	}
	if ok, reason := checkWritePermission(filepath.Dir(exe)); !ok {
		return nil, newError(ErrCodeDisabled, reason, nil)
	}

	source, err := selfupdate.NewGitHubSource(selfupdate.GitHubConfig{})
	if err != nil {
		return nil, fmt.Errorf("failed to create GitHub source: %w", err)
	}
	u, err := selfupdate.NewUpdater(selfupdate.Config{
		Source:     source,
		Prerelease: opts.Prerelease,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create updater: %w", err)
	}

	dir := opts.BackupDir
	if dir == "" {
		home, homeErr := os.UserHomeDir()
		if homeErr != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", homeErr)
		}
		dir = filepath.Join(home, ".cache", "visionlink", "backup")
	}
	backups, err := newBackupManager(dir, exe, logger)
	if err != nil {
		return nil, err
	}

	return &Updater{
		updater: u,
		repo:    selfupdate.ParseSlug(opts.Repository),
		exe:     exe,
		backups: backups,
		logger:  logger,
	}, nil
}

// checkWritePermission reports whether a file can be created in dir.
func checkWritePermission(dir string) (bool, string) {
	tmp := filepath.Join(dir, ".visionlink.update.test")
	f, err := os.Create(tmp)
	if err != nil {
		return false, fmt.Sprintf("no write permission to %s: %v", dir, err)
	}
	f.Close()
	os.Remove(tmp)
	return true, ""
}

func (u *Updater) detect(ctx context.Context) (*selfupdate.Release, *UpdateInfo, error) {
	release, found, err := u.updater.DetectLatest(ctx, u.repo)
	if err != nil {
		return nil, nil, newError(ErrCodeCheckFailed, "failed to check for updates", err)
	}
	if !found {
		return nil, nil, newError(ErrCodeNotFound, "repository not found or has no releases", nil)
	}

	current := version.Version
	info := &UpdateInfo{
		CurrentVersion: current,
		LatestVersion:  release.Version(),
		ReleaseNotes:   release.ReleaseNotes,
		ReleaseURL:     release.URL,
		PublishedAt:    release.PublishedAt,
		AssetSize:      release.AssetByteSize,
		// dev builds are always outdated
		UpdateAvailable: current == "dev" || release.GreaterThan(current),
	}
	return release, info, nil
}

// Check queries GitHub for the latest release without downloading it.
func (u *Updater) Check(ctx context.Context) (*UpdateInfo, error) {
	_, info, err := u.detect(ctx)
	return info, err
}

// Apply backs up the running binary and replaces it with the latest
// release. The new binary runs after the service restarts. A failed
// replacement restores the backup.
func (u *Updater) Apply(ctx context.Context) (*UpdateInfo, error) {
	release, info, err := u.detect(ctx)
	if err != nil {
		return nil, err
	}
	if !info.UpdateAvailable {
		return info, newError(ErrCodeNoUpdate, "already at "+info.LatestVersion, nil)
	}

	if err := u.backups.create(version.Version); err != nil {
		return info, newError(ErrCodeBackupFailed, "failed to create backup", err)
	}

	u.logger.Info("Applying update", "from", info.CurrentVersion, "to", info.LatestVersion)
	if err := u.updater.UpdateTo(ctx, release, u.exe); err != nil {
		if restoreErr := u.backups.restore(); restoreErr != nil {
			u.logger.Error("Failed to restore backup", "error", restoreErr)
		}
		return info, newError(ErrCodeApplyFailed, "failed to apply update", err)
	}
	u.logger.Info("Update applied, restart the service to run it", "version", info.LatestVersion)
	return info, nil
}

// Rollback restores the binary saved by the last Apply and returns its
// version.
func (u *Updater) Rollback() (string, error) {
	return u.backups.rollback()
}
