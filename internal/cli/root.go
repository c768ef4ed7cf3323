// Package cli implements the kscript command tree.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kestrel-search/scripting/internal/cli/client"
	"github.com/kestrel-search/scripting/internal/cli/cliconfig"
)

var (
	cfgFile string
	cfg     *cliconfig.Config
)

var rootCmd = &cobra.Command{
	Use:   "kscript",
	Short: "Kestrel scripting CLI",
	Long: `kscript is the command-line interface for the Kestrel scripting service.

Manage stored scripts and ingest pipelines, run scripts against documents,
simulate pipelines, and seed sample data through the document update API.`,
	Version: "0.1.0",
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.kscript/config.yaml)")
	rootCmd.PersistentFlags().String("profile", "", "profile to use")
	rootCmd.PersistentFlags().String("server", "", "scripting service URL (overrides profile)")
	rootCmd.PersistentFlags().String("output", "table", "output format: table, json")
}

func initConfig() {
	var err error
	cfg, err = cliconfig.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not load config: %v\n", err)
		cfg = cliconfig.Default()
	}
}

// apiClient resolves the server URL and token from flags and the active
// profile. The --server flag works without any saved profile.
func apiClient(cmd *cobra.Command) (*client.Client, error) {
	server, _ := cmd.Flags().GetString("server")
	token := ""

	name, _ := cmd.Flags().GetString("profile")
	if p, err := cfg.GetProfile(name); err == nil {
		if server == "" {
			server = p.ServerURL
		}
		token = p.Token
	}
	if server == "" {
		return nil, fmt.Errorf("no server configured: use --server or 'kscript profile set'")
	}
	return client.New(server, token), nil
}

func outputJSON(cmd *cobra.Command) bool {
	format, _ := cmd.Flags().GetString("output")
	return format == "json"
}
