package cli

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var reacquireJSON bool

var reacquireCmd = &cobra.Command{
	Use:   "reacquire <viewpoint-id>",
	Short: "Search and score evidence again for a stored viewpoint",
	Long: `Rerun evidence acquisition for a viewpoint and replace its evidence.
Use it after an acquisition timed out or returned nothing. When the new
attempt finds nothing, the stored evidence is kept.`,
	Args: cobra.ExactArgs(1),
	RunE: runReacquire,
}

func init() {
	rootCmd.AddCommand(reacquireCmd)
	reacquireCmd.Flags().BoolVar(&reacquireJSON, "json", false, "output as JSON")
}

func runReacquire(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid viewpoint id %q: %w", args[0], err)
	}

	ctx := commandContext(cmd)
	engine, err := NewEngine(ctx, GetConfig(), GetRootDir(), GetLogger(), nil)
	if err != nil {
		return err
	}
	defer engine.Close()

	evidence, err := engine.Match.ReacquireEvidence(ctx, id)
	if err != nil {
		return fmt.Errorf("reacquire failed: %w", err)
	}

	if reacquireJSON {
		output, _ := json.MarshalIndent(evidence, "", "  ")
		fmt.Println(string(output))
		return nil
	}

	if len(evidence) == 0 {
		fmt.Println("No evidence found.")
		return nil
	}
	for _, ev := range evidence {
		fmt.Printf("[%d] %.2f %s\n", ev.Rank, ev.Score, ev.Source)
	}
	return nil
}
