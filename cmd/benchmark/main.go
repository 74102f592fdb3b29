package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"evcache/config"
	"evcache/internal/adapter/fs"
	"evcache/internal/cli"
	"evcache/internal/domain"
	"evcache/internal/logging"
)

type sample struct {
	status   domain.MatchStatus
	elapsed  time.Duration
	kwSim    float64
	vpSim    float64
	evidence int
}

func main() {
	rootDir := flag.String("dir", ".", "Directory holding the config and data dir")
	file := flag.String("f", "", "Opinion file, one opinion per line")
	count := flag.Int("n", 0, "Evidence per opinion (default from config)")
	flag.Parse()

	if *file == "" {
		fmt.Println("Usage: go run cmd/benchmark/main.go -dir ./tmp -f opinions.txt")
		fmt.Println("\nReports:")
		fmt.Println("  1. Match status distribution (reuse rate)")
		fmt.Println("  2. Latency per status")
		fmt.Println("  3. Keyword and viewpoint similarity of every opinion")
		os.Exit(1)
	}

	cfg, err := config.LoadFromDir(*rootDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	cfg.Logging.Level = "warn"
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building logger: %v\n", err)
		os.Exit(1)
	}

	opinions, err := fs.ReadOpinions(*file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading opinions: %v\n", err)
		os.Exit(1)
	}
	if len(opinions) == 0 {
		fmt.Fprintln(os.Stderr, "No opinions in file")
		os.Exit(1)
	}

	ctx := logging.WithContext(context.Background(), logger)
	engine, err := cli.NewEngine(ctx, cfg, *rootDir, logger, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening engine: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	fmt.Println("EVIDENCE CACHE BENCHMARK")
	fmt.Println(strings.Repeat("=", 70))
	fmt.Printf("Opinions:   %d\n", len(opinions))
	fmt.Printf("Embedding:  %s (%s, dim %d)\n", engine.Gateway.ModelName(), cfg.Embedding.Provider, engine.Gateway.Dimension())
	fmt.Printf("Thresholds: keyword %.2f, viewpoint %.2f\n", cfg.Matching.KeywordThreshold, cfg.Matching.ViewpointThreshold)
	fmt.Println(strings.Repeat("-", 70))

	var samples []sample
	failed := 0
	for i, op := range opinions {
		start := time.Now()
		result, err := engine.Match.Process(ctx, op.Text, *count)
		elapsed := time.Since(start)
		if err != nil {
			failed++
			fmt.Printf("%3d. [FAILED] %s: %v\n", i+1, preview(op.Text), err)
			continue
		}

		s := sample{
			status:   result.Status,
			elapsed:  elapsed,
			kwSim:    result.KeywordSimilarity,
			vpSim:    result.ViewpointSimilarity,
			evidence: len(result.Evidence),
		}
		samples = append(samples, s)

		fmt.Printf("%3d. [%-31s kw %.3f vp %.3f ev %d %6s] %s\n",
			i+1, s.status, s.kwSim, s.vpSim, s.evidence, shortDuration(elapsed), preview(op.Text))
	}

	fmt.Println(strings.Repeat("=", 70))
	fmt.Println("QUALITY METRICS:")
	byStatus := make(map[domain.MatchStatus][]time.Duration)
	for _, s := range samples {
		byStatus[s.status] = append(byStatus[s.status], s.elapsed)
	}
	for _, status := range []domain.MatchStatus{domain.StatusExistingMatch, domain.StatusNewViewpoint, domain.StatusCompletelyNew} {
		durations := byStatus[status]
		fmt.Printf("  %-32s %4d  p50 %6s  max %6s\n", status, len(durations),
			shortDuration(percentile(durations, 0.5)), shortDuration(percentile(durations, 1)))
	}
	if failed > 0 {
		fmt.Printf("  %-32s %4d\n", "failed", failed)
	}

	if len(samples) > 0 {
		reuse := float64(len(byStatus[domain.StatusExistingMatch])) / float64(len(samples))
		fmt.Printf("  Reuse rate: %.1f%%\n", reuse*100)
	}
}

func percentile(durations []time.Duration, p float64) time.Duration {
	if len(durations) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), durations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

func shortDuration(d time.Duration) string {
	if d < time.Millisecond {
		return "<1ms"
	}
	return d.Round(time.Millisecond).String()
}

func preview(text string) string {
	if len(text) > 60 {
		return text[:60] + "..."
	}
	return text
}
