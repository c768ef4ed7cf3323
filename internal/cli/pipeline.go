package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kestrel-search/scripting/internal/cli/output"
	"github.com/kestrel-search/scripting/internal/pipeline"
)

var pipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Ingest pipeline management",
	Long:  "Create, list, simulate and delete ingest pipelines on the scripting service",
}

var pipelinePutCmd = &cobra.Command{
	Use:   "put [id]",
	Short: "Create or replace a pipeline",
	Long: `Create or replace a pipeline from a JSON definition file.

The file holds the definition body, e.g.:
  {"description": "tag errors", "processors": [{"set": {"field": "tagged", "value": true}}]}`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		api, err := apiClient(cmd)
		if err != nil {
			return err
		}

		file, _ := cmd.Flags().GetString("file")
		if file == "" {
			return fmt.Errorf("a definition file is required (--file)")
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read definition: %w", err)
		}

		var def pipeline.Definition
		if err := json.Unmarshal(data, &def); err != nil {
			return fmt.Errorf("invalid definition JSON: %w", err)
		}
		def.ID = args[0]

		stored, err := api.PutPipeline(&def)
		if err != nil {
			return fmt.Errorf("failed to store pipeline: %w", err)
		}

		if outputJSON(cmd) {
			return output.JSON(stored)
		}
		output.Success("Stored pipeline '%s' (version %d, %d processors)", stored.ID, stored.Version, len(stored.Processors))
		return nil
	},
}

var pipelineGetCmd = &cobra.Command{
	Use:   "get [id]",
	Short: "Get a pipeline by ID",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		api, err := apiClient(cmd)
		if err != nil {
			return err
		}
		def, err := api.GetPipeline(args[0])
		if err != nil {
			return fmt.Errorf("failed to get pipeline: %w", err)
		}
		return output.JSON(def)
	},
}

var pipelineRmCmd = &cobra.Command{
	Use:     "rm [id]",
	Aliases: []string{"delete"},
	Short:   "Delete a pipeline",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		api, err := apiClient(cmd)
		if err != nil {
			return err
		}
		if err := api.DeletePipeline(args[0]); err != nil {
			return fmt.Errorf("failed to delete pipeline: %w", err)
		}
		output.Success("Deleted pipeline '%s'", args[0])
		return nil
	},
}

var pipelineLsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List pipelines",
	RunE: func(cmd *cobra.Command, args []string) error {
		api, err := apiClient(cmd)
		if err != nil {
			return err
		}

		pipelines, err := api.ListPipelines()
		if err != nil {
			return fmt.Errorf("failed to list pipelines: %w", err)
		}

		if outputJSON(cmd) {
			return output.JSON(pipelines)
		}
		if len(pipelines) == 0 {
			output.Info("No pipelines found")
			return nil
		}

		table := output.NewTable("ID", "Description", "Processors", "Version", "Updated")
		for _, p := range pipelines {
			table.AddRow(p.ID, p.Description, fmt.Sprintf("%d", len(p.Processors)), fmt.Sprintf("%d", p.Version), p.UpdatedAt.Format("2006-01-02"))
		}
		table.Render()
		return nil
	},
}

var pipelineSimulateCmd = &cobra.Command{
	Use:   "simulate [id]",
	Short: "Run sample documents through a pipeline",
	Long: `Simulate a pipeline against sample documents without indexing anything.

With an ID argument the stored pipeline runs; with --file an inline
definition runs instead. Documents come from --docs as a JSON array.

Examples:
  kscript pipeline simulate normalize --docs '[{"level":"ERROR"}]'
  kscript pipeline simulate --file def.json --docs '[{"a":1}]' --verbose`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		api, err := apiClient(cmd)
		if err != nil {
			return err
		}

		var id string
		var def *pipeline.Definition
		if len(args) == 1 {
			id = args[0]
		} else {
			file, _ := cmd.Flags().GetString("file")
			if file == "" {
				return fmt.Errorf("a stored pipeline id or --file is required")
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("failed to read definition: %w", err)
			}
			def = &pipeline.Definition{}
			if err := json.Unmarshal(data, def); err != nil {
				return fmt.Errorf("invalid definition JSON: %w", err)
			}
		}

		raw, _ := cmd.Flags().GetString("docs")
		if raw == "" {
			return fmt.Errorf("sample documents are required (--docs)")
		}
		var docs []map[string]interface{}
		if err := json.Unmarshal([]byte(raw), &docs); err != nil {
			return fmt.Errorf("invalid --docs JSON: %w", err)
		}

		verbose, _ := cmd.Flags().GetBool("verbose")
		results, err := api.Simulate(id, def, docs, verbose)
		if err != nil {
			return fmt.Errorf("simulation failed: %w", err)
		}
		return output.JSON(results)
	},
}

func init() {
	pipelinePutCmd.Flags().String("file", "", "pipeline definition JSON file")

	pipelineSimulateCmd.Flags().String("file", "", "inline pipeline definition JSON file")
	pipelineSimulateCmd.Flags().String("docs", "", "sample documents as a JSON array")
	pipelineSimulateCmd.Flags().Bool("verbose", false, "include per-processor results")

	pipelineCmd.AddCommand(pipelinePutCmd, pipelineGetCmd, pipelineRmCmd, pipelineLsCmd, pipelineSimulateCmd)
	rootCmd.AddCommand(pipelineCmd)
}
