package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kestrel-search/scripting/internal/cli/client"
	"github.com/kestrel-search/scripting/internal/cli/output"
	"github.com/kestrel-search/scripting/internal/script"
)

var scriptCmd = &cobra.Command{
	Use:   "script",
	Short: "Stored script management",
	Long:  "Create, list, run and delete stored scripts on the scripting service",
}

var scriptPutCmd = &cobra.Command{
	Use:   "put [id]",
	Short: "Create or replace a stored script",
	Long: `Create or replace a stored script. The source comes from --file or --source.

Examples:
  kscript script put double-it --source 'return params.value * 2'
  kscript script put trim-fields --file trim.lua --params '{"fields":["a","b"]}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		api, err := apiClient(cmd)
		if err != nil {
			return err
		}

		source, _ := cmd.Flags().GetString("source")
		file, _ := cmd.Flags().GetString("file")
		switch {
		case source != "" && file != "":
			return fmt.Errorf("use either --source or --file, not both")
		case file != "":
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("failed to read script file: %w", err)
			}
			source = string(data)
		case source == "":
			return fmt.Errorf("script source is required (--source or --file)")
		}

		sc := script.Script{Lang: script.LangLua, Source: source}
		if raw, _ := cmd.Flags().GetString("params"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &sc.Params); err != nil {
				return fmt.Errorf("invalid --params JSON: %w", err)
			}
		}

		stored, err := api.PutScript(args[0], sc)
		if err != nil {
			return fmt.Errorf("failed to store script: %w", err)
		}

		if outputJSON(cmd) {
			return output.JSON(stored)
		}
		output.Success("Stored script '%s' (version %d)", stored.ID, stored.Version)
		return nil
	},
}

var scriptGetCmd = &cobra.Command{
	Use:   "get [id]",
	Short: "Get a stored script by ID",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		api, err := apiClient(cmd)
		if err != nil {
			return err
		}

		stored, err := api.GetScript(args[0])
		if err != nil {
			return fmt.Errorf("failed to get script: %w", err)
		}

		if outputJSON(cmd) {
			return output.JSON(stored)
		}
		output.Info("ID:      %s", stored.ID)
		output.Info("Lang:    %s", stored.Script.Lang)
		output.Info("Version: %d", stored.Version)
		if stored.CreatedBy != "" {
			output.Info("Author:  %s", stored.CreatedBy)
		}
		fmt.Println()
		fmt.Println(stored.Script.Source)
		return nil
	},
}

var scriptRmCmd = &cobra.Command{
	Use:     "rm [id]",
	Aliases: []string{"delete"},
	Short:   "Delete a stored script",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		api, err := apiClient(cmd)
		if err != nil {
			return err
		}
		if err := api.DeleteScript(args[0]); err != nil {
			return fmt.Errorf("failed to delete script: %w", err)
		}
		output.Success("Deleted script '%s'", args[0])
		return nil
	},
}

var scriptLsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List stored scripts",
	RunE: func(cmd *cobra.Command, args []string) error {
		api, err := apiClient(cmd)
		if err != nil {
			return err
		}

		scripts, err := api.ListScripts()
		if err != nil {
			return fmt.Errorf("failed to list scripts: %w", err)
		}

		if outputJSON(cmd) {
			return output.JSON(scripts)
		}
		if len(scripts) == 0 {
			output.Info("No stored scripts found")
			return nil
		}

		table := output.NewTable("ID", "Lang", "Version", "Author", "Created")
		for _, s := range scripts {
			table.AddRow(s.ID, s.Script.Lang, fmt.Sprintf("%d", s.Version), s.CreatedBy, s.CreatedAt.Format("2006-01-02"))
		}
		table.Render()
		return nil
	},
}

var scriptExecCmd = &cobra.Command{
	Use:   "exec [id]",
	Short: "Execute a stored or inline script",
	Long: `Execute a script. With an ID argument the stored script runs; with
--source an inline script runs instead.

Examples:
  kscript script exec double-it --params '{"value":21}'
  kscript script exec --source 'return doc.level == "error"' --context filter --doc '{"level":"error"}'`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		api, err := apiClient(cmd)
		if err != nil {
			return err
		}

		req := &client.ExecuteRequest{}
		if len(args) == 1 {
			req.ID = args[0]
		}
		if source, _ := cmd.Flags().GetString("source"); source != "" {
			req.Script = &script.Script{Lang: script.LangLua, Source: source}
		}
		req.Context, _ = cmd.Flags().GetString("context")

		if raw, _ := cmd.Flags().GetString("params"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &req.Params); err != nil {
				return fmt.Errorf("invalid --params JSON: %w", err)
			}
		}
		if raw, _ := cmd.Flags().GetString("doc"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &req.Document); err != nil {
				return fmt.Errorf("invalid --doc JSON: %w", err)
			}
		}

		resp, err := api.Execute(req)
		if err != nil {
			return fmt.Errorf("execution failed: %w", err)
		}
		return output.JSON(resp)
	},
}

func init() {
	scriptPutCmd.Flags().String("source", "", "inline script source")
	scriptPutCmd.Flags().String("file", "", "read script source from file")
	scriptPutCmd.Flags().String("params", "", "default params as JSON")

	scriptExecCmd.Flags().String("source", "", "inline script source")
	scriptExecCmd.Flags().String("context", "", "script context: execute, filter, update, ingest")
	scriptExecCmd.Flags().String("params", "", "params as JSON")
	scriptExecCmd.Flags().String("doc", "", "input document as JSON")

	scriptCmd.AddCommand(scriptPutCmd, scriptGetCmd, scriptRmCmd, scriptLsCmd, scriptExecCmd)
	rootCmd.AddCommand(scriptCmd)
}
