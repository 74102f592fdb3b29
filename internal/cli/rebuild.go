package cli

import (
	"fmt"
	"sync"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"evcache/internal/domain"
)

var rebuildCmd = &cobra.Command{
	Use:   "rebuild [keyword|viewpoint|all]",
	Short: "Rebuild vector indices from the store",
	Long: `Re-embed every stored keyword or viewpoint with the configured model and
replace the on-disk index. Needed after bulk edits to the store; a model
or dimension change is detected and rebuilt automatically.

Examples:
  evcache rebuild             # Rebuild both indices
  evcache rebuild viewpoint   # Rebuild the viewpoint index only`,
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"keyword", "viewpoint", "all"},
	RunE:      runRebuild,
}

func init() {
	rootCmd.AddCommand(rebuildCmd)
}

func runRebuild(cmd *cobra.Command, args []string) error {
	names := domain.IndexNames()
	if len(args) > 0 && args[0] != "all" {
		name := domain.IndexName(args[0])
		if name != domain.IndexKeyword && name != domain.IndexViewpoint {
			return fmt.Errorf("unknown index %q: want keyword, viewpoint or all", args[0])
		}
		names = []domain.IndexName{name}
	}

	var (
		barsMu sync.Mutex
		bars   = make(map[domain.IndexName]*progressbar.ProgressBar)
	)
	progress := func(name domain.IndexName, done int) {
		barsMu.Lock()
		defer barsMu.Unlock()
		bar, ok := bars[name]
		if !ok {
			bar = progressbar.NewOptions(-1,
				progressbar.OptionSetDescription(fmt.Sprintf("[cyan]Rebuilding %s[reset]", name)),
				progressbar.OptionEnableColorCodes(true),
				progressbar.OptionShowCount(),
				progressbar.OptionOnCompletion(func() {
					fmt.Println()
				}),
			)
			bars[name] = bar
		}
		_ = bar.Set(done)
	}

	ctx := commandContext(cmd)
	engine, err := NewEngine(ctx, GetConfig(), GetRootDir(), GetLogger(), progress)
	if err != nil {
		return err
	}
	defer engine.Close()

	for _, name := range names {
		meta, err := engine.Writer.RebuildIndexFromStore(ctx, name)
		barsMu.Lock()
		if bar, ok := bars[name]; ok {
			_ = bar.Finish()
		}
		barsMu.Unlock()
		if err != nil {
			return fmt.Errorf("rebuilding %s index: %w", name, err)
		}
		fmt.Printf("Rebuilt %s index: %d vectors, dimension %d, model %s\n",
			name, meta.Count, meta.Dimension, meta.Model)
	}
	return nil
}
