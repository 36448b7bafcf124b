package cmd

import (
	"fmt"
	"os"

	"github.com/creativeprojects/go-selfupdate"
	"github.com/spf13/cobra"
)

const updateSlug = "stencilworks/capctl"

// newSelfUpdateCmd creates the selfupdate command.
func newSelfUpdateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "selfupdate",
		Short: "Update capctl to the latest released version",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			latest, found, err := selfupdate.DetectLatest(ctx, selfupdate.ParseSlug(updateSlug))
			if err != nil {
				return fmt.Errorf("error occurred while detecting version: %w", err)
			}
			if !found {
				return fmt.Errorf("latest version for %s could not be found", updateSlug)
			}

			if latest.LessOrEqual(version) {
				fmt.Printf("Current version (%s) is the latest\n", version)
				return nil
			}

			exe, err := os.Executable()
			if err != nil {
				return fmt.Errorf("could not locate executable path: %w", err)
			}

			fmt.Printf("Updating to version %s...\n", latest.Version())
			if err := selfupdate.UpdateTo(ctx, latest.AssetURL, latest.AssetName, exe); err != nil {
				return fmt.Errorf("error occurred while updating binary: %w", err)
			}
			fmt.Printf("Successfully updated to version %s\n", latest.Version())
			return nil
		},
	}
}
