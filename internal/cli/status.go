package cli

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store counts and index health",
	Long: `Load both vector indices (rebuilding stale ones) and compare their size
with the rows in the store.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output as JSON")
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	engine, err := NewEngine(ctx, GetConfig(), GetRootDir(), GetLogger(), nil)
	if err != nil {
		return err
	}
	defer engine.Close()

	report, err := engine.Writer.Verify(ctx)
	if err != nil {
		return fmt.Errorf("verify failed: %w", err)
	}

	if statusJSON {
		output, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(output))
		return nil
	}

	fmt.Printf("Store: %s\n", engine.Store.Path())
	fmt.Printf("  Keywords:   %d\n", report.Stats.Keywords)
	fmt.Printf("  Viewpoints: %d\n", report.Stats.Viewpoints)
	fmt.Printf("  Evidence:   %d\n", report.Stats.Evidence)

	fmt.Println("\nIndices:")
	for _, idx := range report.Indices {
		sync := "in sync"
		if !idx.InSync() {
			sync = "DRIFT, run 'evcache rebuild " + string(idx.Name) + "'"
		}
		fmt.Printf("  %-10s %-8s dim=%-5s model=%s rows=%d/%d %s\n",
			idx.Name, idx.State, strconv.Itoa(idx.Dimension), idx.Model, idx.IndexRows, idx.StoreRows, sync)
	}
	return nil
}
