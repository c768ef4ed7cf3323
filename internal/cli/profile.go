package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kestrel-search/scripting/internal/cli/output"
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage connection profiles",
	Long:  "Save and switch between scripting service endpoints",
}

var profileSetCmd = &cobra.Command{
	Use:   "set [name]",
	Short: "Save a profile and make it current",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		server, _ := cmd.Flags().GetString("server")
		token, _ := cmd.Flags().GetString("token")
		if server == "" {
			return fmt.Errorf("a server URL is required (--server)")
		}

		if err := cfg.SetProfile(args[0], server, token); err != nil {
			return fmt.Errorf("failed to save profile: %w", err)
		}
		output.Success("Profile '%s' saved and selected", args[0])
		return nil
	},
}

var profileLsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List saved profiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(cfg.Profiles) == 0 {
			output.Info("No profiles saved")
			return nil
		}

		table := output.NewTable("Name", "Server", "Token", "Current")
		for name, p := range cfg.Profiles {
			token := ""
			if p.Token != "" {
				token = "set"
			}
			current := ""
			if name == cfg.CurrentProfile {
				current = "*"
			}
			table.AddRow(name, p.ServerURL, token, current)
		}
		table.Render()
		return nil
	},
}

var profileRmCmd = &cobra.Command{
	Use:   "rm [name]",
	Short: "Remove a saved profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.RemoveProfile(args[0]); err != nil {
			return err
		}
		output.Success("Profile '%s' removed", args[0])
		return nil
	},
}

func init() {
	profileSetCmd.Flags().String("server", "", "scripting service URL")
	profileSetCmd.Flags().String("token", "", "bearer token for authenticated deployments")

	profileCmd.AddCommand(profileSetCmd, profileLsCmd, profileRmCmd)
	rootCmd.AddCommand(profileCmd)
}
