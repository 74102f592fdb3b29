package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"evcache/internal/domain"
)

var (
	processText  string
	processCount int
	processJSON  bool
)

var processCmd = &cobra.Command{
	Use:   "process [opinion]",
	Short: "Match an opinion and return its evidence",
	Long: `Classify an opinion, match it against the cache and print the evidence
for the matched or newly created viewpoint.

Examples:
  evcache process -q "AI improves medical diagnostics"
  evcache process -q "Solar is cheaper than coal" -n 3 --json`,
	RunE: runProcess,
}

func init() {
	rootCmd.AddCommand(processCmd)
	processCmd.Flags().StringVarP(&processText, "query", "q", "", "opinion text (or pass it as arguments)")
	processCmd.Flags().IntVarP(&processCount, "count", "n", 0, "number of evidence passages (default from config)")
	processCmd.Flags().BoolVar(&processJSON, "json", false, "output as JSON")
}

type processOutput struct {
	*domain.Result
	Keyword     string `json:"keyword"`
	KeywordID   int64  `json:"keyword_id"`
	Viewpoint   string `json:"viewpoint"`
	ViewpointID int64  `json:"viewpoint_id"`
}

func runProcess(cmd *cobra.Command, args []string) error {
	opinion := processText
	if opinion == "" {
		opinion = strings.Join(args, " ")
	}
	if strings.TrimSpace(opinion) == "" {
		return fmt.Errorf("an opinion is required: pass -q or arguments")
	}

	ctx := commandContext(cmd)
	engine, err := NewEngine(ctx, GetConfig(), GetRootDir(), GetLogger(), nil)
	if err != nil {
		return err
	}
	defer engine.Close()

	result, err := engine.Match.Process(ctx, opinion, processCount)
	if err != nil {
		return fmt.Errorf("processing failed: %w", err)
	}

	if processJSON {
		output, _ := json.MarshalIndent(processOutput{
			Result:      result,
			Keyword:     result.Keyword.Text,
			KeywordID:   result.Keyword.ID,
			Viewpoint:   result.Viewpoint.Text,
			ViewpointID: result.Viewpoint.ID,
		}, "", "  ")
		fmt.Println(string(output))
		return nil
	}

	fmt.Printf("Status:    %s\n", result.Status)
	fmt.Printf("Topic:     %s\n", result.Topic)
	fmt.Printf("Keyword:   %s (id %d, similarity %.2f)\n", result.Keyword.Text, result.Keyword.ID, result.KeywordSimilarity)
	fmt.Printf("Viewpoint: %s (id %d, similarity %.2f)\n", result.Viewpoint.Text, result.Viewpoint.ID, result.ViewpointSimilarity)

	if len(result.Evidence) == 0 {
		fmt.Println("\nNo evidence found.")
		return nil
	}
	fmt.Printf("\nEvidence (%d):\n\n", len(result.Evidence))
	for _, ev := range result.Evidence {
		fmt.Printf("--- [%d] %s (score: %.2f) ---\n", ev.Rank, ev.Source, ev.Score)
		text := ev.Text
		if len(text) > 500 {
			text = text[:500] + "..."
		}
		fmt.Println(text)
		fmt.Println()
	}
	return nil
}
