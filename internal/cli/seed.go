package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"evcache/internal/adapter/fs"
	"evcache/internal/domain"
	"evcache/internal/logging"
)

var seedWorkers int

var seedCmd = &cobra.Command{
	Use:   "seed [path]",
	Short: "Process every opinion found in files under a directory",
	Long: `Walk a directory for opinion files (one opinion per line, '#' starts a
comment) and process each opinion, warming the cache.

Examples:
  evcache seed ./opinions
  evcache seed ./opinions --workers 4`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSeed,
}

func init() {
	rootCmd.AddCommand(seedCmd)
	seedCmd.Flags().IntVarP(&seedWorkers, "workers", "w", 0, "concurrent opinions (default from config)")
}

type seedSummary struct {
	mu       sync.Mutex
	statuses map[domain.MatchStatus]int
	failed   []string
}

func (s *seedSummary) record(status domain.MatchStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[status]++
}

func (s *seedSummary) fail(op fs.Opinion, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, fmt.Sprintf("%s:%d: %v", op.Path, op.Line, err))
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg := GetConfig()

	path := GetRootDir()
	if len(args) > 0 {
		var err error
		path, err = filepath.Abs(args[0])
		if err != nil {
			return fmt.Errorf("invalid path: %w", err)
		}
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("path does not exist: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", path)
	}

	files, err := fs.NewWalker(cfg.Seed.Includes, cfg.Seed.Excludes).Walk(path)
	if err != nil {
		return fmt.Errorf("failed to scan %s: %w", path, err)
	}

	var opinions []fs.Opinion
	for _, file := range files {
		ops, err := fs.ReadOpinions(file)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", file, err)
		}
		opinions = append(opinions, ops...)
	}
	fmt.Printf("Found %d opinions in %d files\n", len(opinions), len(files))
	if len(opinions) == 0 {
		return nil
	}

	ctx := commandContext(cmd)
	engine, err := NewEngine(ctx, cfg, GetRootDir(), GetLogger(), nil)
	if err != nil {
		return err
	}
	defer engine.Close()

	workers := cfg.Seed.Workers
	if seedWorkers > 0 {
		workers = seedWorkers
	}
	if workers <= 0 {
		workers = 1
	}

	bar := progressbar.NewOptions(len(opinions),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowBytes(false),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionSetDescription("[cyan]Seeding[reset]"),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionOnCompletion(func() {
			fmt.Println()
		}),
	)

	summary := &seedSummary{statuses: make(map[domain.MatchStatus]int)}
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, op := range opinions {
		g.Go(func() error {
			defer bar.Add(1)
			result, err := engine.Match.Process(gctx, op.Text, 0)
			if err != nil {
				// one bad opinion does not stop the run
				logging.FromContext(gctx).Warn("opinion failed",
					append(logging.ErrorFields(err), zap.String("path", op.Path), zap.Int("line", op.Line))...)
				summary.fail(op, err)
				return nil
			}
			summary.record(result.Status)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	fmt.Printf("\nSeeding complete in %s:\n", formatDuration(time.Since(start)))
	fmt.Printf("  %-32s %d\n", domain.StatusExistingMatch, summary.statuses[domain.StatusExistingMatch])
	fmt.Printf("  %-32s %d\n", domain.StatusNewViewpoint, summary.statuses[domain.StatusNewViewpoint])
	fmt.Printf("  %-32s %d\n", domain.StatusCompletelyNew, summary.statuses[domain.StatusCompletelyNew])

	if len(summary.failed) > 0 {
		fmt.Printf("\nFailed (%d):\n", len(summary.failed))
		for _, f := range summary.failed {
			fmt.Printf("  - %s\n", f)
		}
	}
	return nil
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "<1s"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh%dm", h, m)
}
