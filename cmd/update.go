package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/smazurov/visionlink/internal/logging"
	"github.com/smazurov/visionlink/internal/updater"
)

// CreateUpdateCmd creates the update command.
func CreateUpdateCmd() *cobra.Command {
	var opts updater.Options
	var check, rollback, asJSON bool

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update the visionlink binary from GitHub releases",
		Long: `Replaces the running binary with the latest release, keeping a backup of the current one. ` +
			`Use --check to only report whether an update exists and --rollback to restore the backup.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logging.Initialize(logging.Config{Level: "info", Format: "text"})
			opts.Logger = logging.GetLogger(logging.ModuleMain)

			u, err := updater.New(opts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if rollback {
				ver, rbErr := u.Rollback()
				if rbErr != nil {
					return rbErr
				}
				fmt.Fprintf(out, "restored %s, restart the service to run it\n", ver)
				return nil
			}

			var info *updater.UpdateInfo
			if check {
				info, err = u.Check(cmd.Context())
			} else {
				info, err = u.Apply(cmd.Context())
				if errors.Is(err, &updater.Error{Code: updater.ErrCodeNoUpdate}) {
					err = nil
				}
			}
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}
			switch {
			case !info.UpdateAvailable:
				fmt.Fprintf(out, "visionlink %s is up to date\n", info.CurrentVersion)
			case check:
				fmt.Fprintf(out, "update available: %s -> %s\n%s\n", info.CurrentVersion, info.LatestVersion, info.ReleaseURL)
			default:
				fmt.Fprintf(out, "updated %s -> %s, restart the service to run it\n", info.CurrentVersion, info.LatestVersion)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Repository, "repo", updater.DefaultRepository, "GitHub repository to fetch releases from")
	cmd.Flags().BoolVar(&opts.Prerelease, "prerelease", false, "Include prereleases")
	cmd.Flags().StringVar(&opts.BackupDir, "backup-dir", "", "Where the previous binary is kept")
	cmd.Flags().BoolVar(&check, "check", false, "Only check for an update")
	cmd.Flags().BoolVar(&rollback, "rollback", false, "Restore the previous binary")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the release information as JSON")
	return cmd
}
