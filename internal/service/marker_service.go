package service

import (
	"context"
	"fmt"
	"log"
	"path"
	"time"

	"github.com/atlasmap-sc/markers/internal/export"
	"github.com/atlasmap-sc/markers/internal/markers"
	"github.com/atlasmap-sc/markers/internal/metrics"
	"github.com/atlasmap-sc/markers/internal/store"
)

// Job phases reported through store progress.
const (
	PhaseLoading     = "loading_population"
	PhaseResampling  = "resampling"
	PhaseSummarizing = "summarizing"
	PhaseExporting   = "exporting"
	PhaseSaving      = "saving_results"
)

// MarkerServiceConfig contains marker service configuration.
type MarkerServiceConfig struct {
	Registry interface {
		Get(datasetID string) *DatasetService
	}
	// Sink receives exported tables; nil disables exports.
	Sink    export.Sink
	Gzip    bool
	Metrics *metrics.Metrics
}

// MarkerService executes marker discovery jobs.
type MarkerService struct {
	registry interface {
		Get(datasetID string) *DatasetService
	}
	sink    export.Sink
	gzip    bool
	metrics *metrics.Metrics
}

// NewMarkerService creates a new marker service.
func NewMarkerService(cfg MarkerServiceConfig) *MarkerService {
	return &MarkerService{
		registry: cfg.Registry,
		sink:     cfg.Sink,
		gzip:     cfg.Gzip,
		metrics:  cfg.Metrics,
	}
}

// ExecuteMarkerJob runs marker discovery for a job (called by JobManager worker).
// Rows are saved only after every other phase succeeded.
func (s *MarkerService) ExecuteMarkerJob(ctx context.Context, st *store.Store, jobID string) error {
	job, err := st.GetJob(jobID)
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}
	if job == nil {
		return fmt.Errorf("job not found: %s", jobID)
	}
	p := job.Params

	svc := s.registry.Get(p.DatasetID)
	if svc == nil {
		return fmt.Errorf("dataset not found: %s", p.DatasetID)
	}
	if err := p.Selection.Validate(); err != nil {
		return err
	}

	// Phase 1: load the population
	st.UpdateJobProgress(jobID, PhaseLoading, 0, 1)
	start := time.Now()
	pop, err := svc.Population(ctx, p.ClusterKey, p.NormalizeTarget)
	if err != nil {
		return fmt.Errorf("failed to load population: %w", err)
	}
	s.metrics.ObservePhase(PhaseLoading, time.Since(start))

	clusters := p.Clusters
	if len(clusters) == 0 {
		clusters = pop.ClusterLabels()
	}
	ix, err := markers.NewIndex(pop, clusters)
	if err != nil {
		return err
	}
	st.UpdateJobCounts(jobID, pop.NumCells(), len(ix.Labels()))

	if ctx.Err() != nil {
		return ctx.Err()
	}

	// Phase 2: bootstrap replicates
	st.UpdateJobProgress(jobID, PhaseResampling, 0, p.Replicates)
	start = time.Now()
	dist, err := ix.BuildDistribution(ctx, markers.DistributionOptions{
		Replicates: p.Replicates,
		Seed:       p.Seed,
		Workers:    p.Workers,
		Progress: func(done, total int) {
			s.metrics.ReplicateDone()
			st.UpdateJobProgress(jobID, PhaseResampling, done, total)
		},
	})
	if err != nil {
		return err
	}
	s.metrics.ObservePhase(PhaseResampling, time.Since(start))

	// Phase 3: ranks, gini and selection
	st.UpdateJobProgress(jobID, PhaseSummarizing, 0, 1)
	start = time.Now()
	summary, err := markers.Summarize(dist, ix.Labels(), pop.Genes)
	if err != nil {
		return err
	}
	res := &markers.Result{
		Summary:  summary,
		Filtered: markers.FilterMarkers(summary.Rows, p.Selection),
		Top:      markers.TopMarkers(summary.Rows, p.Selection),
	}
	s.metrics.ObservePhase(PhaseSummarizing, time.Since(start))

	if ctx.Err() != nil {
		return ctx.Err()
	}

	// Phase 4: export tables
	if s.sink != nil {
		st.UpdateJobProgress(jobID, PhaseExporting, 0, 3)
		start = time.Now()
		written, err := export.WriteResult(ctx, s.sink, res, export.Options{
			Prefix: path.Join(p.DatasetID, jobID),
			Gzip:   s.gzip,
		})
		if err != nil {
			return err
		}
		for _, w := range written {
			s.metrics.RowsExported(path.Base(w.Key), w.Rows)
			log.Printf("[MarkerService] job %s: wrote %s (%d rows)", jobID, w.Location, w.Rows)
		}
		s.metrics.ObservePhase(PhaseExporting, time.Since(start))
	}

	// Phase 5: persist
	st.UpdateJobProgress(jobID, PhaseSaving, 0, 1)
	start = time.Now()
	if err := st.SaveResult(jobID, res); err != nil {
		return fmt.Errorf("failed to save results: %w", err)
	}
	s.metrics.ObservePhase(PhaseSaving, time.Since(start))
	st.UpdateJobProgress(jobID, PhaseSaving, 1, 1)

	log.Printf("[MarkerService] job %s: %d clusters, %d genes, %d filtered rows",
		jobID, len(summary.Clusters), len(summary.Genes), len(res.Filtered))
	return nil
}
