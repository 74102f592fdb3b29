// Package metrics declares the prometheus collectors of the evidence cache.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MatchTotal counts processed opinions by match status.
	MatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evcache_match_total",
		Help: "Processed opinions by match status",
	}, []string{"status"})

	// IndexRebuildTotal counts index rebuilds by index and result.
	IndexRebuildTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evcache_index_rebuild_total",
		Help: "Vector index rebuilds by index and result",
	}, []string{"index", "result"})

	IndexRebuildDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "evcache_index_rebuild_duration_seconds",
		Help:    "Vector index rebuild duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
	}, []string{"index"})

	// AcquisitionTotal counts evidence acquisitions by result
	// (ok, empty, partial, failed).
	AcquisitionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evcache_acquisition_total",
		Help: "Evidence acquisitions by result",
	}, []string{"result"})

	EvidenceRetained = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "evcache_evidence_retained",
		Help:    "Evidence rows retained per acquisition",
		Buckets: []float64{0, 1, 2, 3, 4, 5, 10},
	})

	// EmbeddingCacheTotal counts gateway cache lookups by result (hit, miss).
	EmbeddingCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evcache_embedding_cache_total",
		Help: "Embedding cache lookups by result",
	}, []string{"result"})
)

// Serve exposes /metrics on listen until ctx is cancelled.
func Serve(ctx context.Context, listen string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
