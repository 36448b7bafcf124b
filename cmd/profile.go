package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stencilworks/capctl/internal/capability"
	"github.com/stencilworks/capctl/internal/profilestore"
)

// openStore opens the per-user profile database.
func openStore() (*profilestore.Store, error) {
	path, err := profilestore.DefaultPath()
	if err != nil {
		return nil, err
	}
	return profilestore.Open(path)
}

// newProfileCmd creates the profile management command tree.
func newProfileCmd() *cobra.Command {
	profileCmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage stored connection profiles",
		Long: `Manage stored connection profiles.

Profiles are kept in a local database and can be used with the root
command's --profile flag instead of repeating connection flags.`,
	}

	profileCmd.AddCommand(newProfileListCmd())
	profileCmd.AddCommand(newProfileAddCmd())
	profileCmd.AddCommand(newProfileRemoveCmd())
	return profileCmd
}

func newProfileListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			profiles, err := store.List()
			if err != nil {
				return err
			}
			if len(profiles) == 0 {
				fmt.Println("No profiles stored")
				return nil
			}

			for _, p := range profiles {
				relay := ""
				if p.UseRelay {
					relay = " (via relay)"
				}
				fmt.Printf("%-20s %s%s  auth=%s\n", p.Name, p.URL, relay, p.Auth.Type)
			}
			return nil
		},
	}
}

func newProfileAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add or update a profile from the connection flags",
		Long: `Add or update a stored profile.

The profile is assembled from the same connection flags the root command
accepts (--url, --relay-url, --header, --auth-type, ...). An existing
profile with the same name is replaced.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := capability.NewLogger(verbose, !noColor, false)

			profile, err := buildProfile(cmd, logger)
			if err != nil {
				return err
			}
			profile.Name = args[0]

			store, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			// Replace in place when the name is already taken.
			if existing, err := store.Get(profile.Name); err == nil {
				profile.ID = existing.ID
			}

			if err := store.Save(profile); err != nil {
				return err
			}
			logger.Success("Profile %q saved", profile.Name)
			return nil
		},
	}

	addConnectionFlags(cmd.Flags())
	return cmd
}

func newProfileRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a stored profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			removed, err := store.Delete(args[0])
			if err != nil {
				return err
			}
			if !removed {
				return fmt.Errorf("no profile named %q", args[0])
			}
			fmt.Printf("Profile %q removed\n", args[0])
			return nil
		},
	}
}
