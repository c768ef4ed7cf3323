package cli

import (
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/spf13/cobra"

	"github.com/kestrel-search/scripting/internal/cli/client"
	"github.com/kestrel-search/scripting/internal/cli/output"
	"github.com/kestrel-search/scripting/internal/script"
)

// seedSource counts upserts so repeated seeding is visible in the docs.
const seedSource = `ctx._source.seed_count = (ctx._source.seed_count or 0) + 1
ctx._source.seeded_at = ctx._now`

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed sample documents",
	Long: `Generate fake documents and push them through the scripted update API
with an upsert body. Re-running against the same index exercises the
update path instead of the create path.

Examples:
  kscript seed --index kestrel-docs --count 100`,
	RunE: func(cmd *cobra.Command, args []string) error {
		api, err := apiClient(cmd)
		if err != nil {
			return err
		}

		index, _ := cmd.Flags().GetString("index")
		count, _ := cmd.Flags().GetInt("count")
		if index == "" {
			return fmt.Errorf("an index is required (--index)")
		}
		if count <= 0 {
			return fmt.Errorf("count must be positive")
		}

		created, updated := 0, 0
		start := time.Now()
		for i := 0; i < count; i++ {
			id := fmt.Sprintf("seed-%04d", i)
			resp, err := api.UpdateDoc(index, id, &client.UpdateRequest{
				Script: &script.Script{Lang: script.LangLua, Source: seedSource},
				Upsert: sampleDoc(),
			})
			if err != nil {
				return fmt.Errorf("failed to seed %s/%s: %w", index, id, err)
			}
			switch resp.Result {
			case "created":
				created++
			default:
				updated++
			}
		}

		output.Success("Seeded %d documents into '%s' (%d created, %d updated) in %s",
			count, index, created, updated, time.Since(start).Round(time.Millisecond))
		return nil
	},
}

func sampleDoc() map[string]interface{} {
	return map[string]interface{}{
		"user":      gofakeit.Username(),
		"email":     gofakeit.Email(),
		"source_ip": gofakeit.IPv4Address(),
		"host":      gofakeit.DomainName(),
		"message":   gofakeit.HackerPhrase(),
		"level":     gofakeit.RandomString([]string{"debug", "info", "warn", "error"}),
		"bytes":     gofakeit.Number(100, 1_000_000),
		"timestamp": gofakeit.DateRange(time.Now().Add(-24*time.Hour), time.Now()).Format(time.RFC3339),
	}
}

func init() {
	seedCmd.Flags().String("index", "", "target index")
	seedCmd.Flags().Int("count", 50, "number of documents to seed")
	rootCmd.AddCommand(seedCmd)
}
