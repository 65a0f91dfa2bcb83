// Package service provides business logic for the marker server.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"

	"golang.org/x/sync/singleflight"

	"github.com/atlasmap-sc/markers/internal/cache"
	"github.com/atlasmap-sc/markers/internal/config"
	"github.com/atlasmap-sc/markers/internal/data/soma"
	"github.com/atlasmap-sc/markers/internal/data/zarr"
	"github.com/atlasmap-sc/markers/internal/expression"
)

// ErrNoSource is returned when a dataset has neither a Zarr store nor a SOMA
// experiment behind it.
var ErrNoSource = errors.New("dataset has no data source")

// DatasetServiceConfig contains dataset service configuration.
type DatasetServiceConfig struct {
	DatasetID  string
	Keys       expression.ObsKeys
	ZarrReader *zarr.Reader
	SomaReader *soma.Reader
	// Provider overrides both readers when set.
	Provider expression.Provider
	Cache    *cache.Manager
}

// DatasetService loads cell populations for one configured dataset.
type DatasetService struct {
	datasetID string
	keys      expression.ObsKeys
	zarr      *zarr.Reader
	soma      *soma.Reader
	provider  expression.Provider
	cache     *cache.Manager
	loads     singleflight.Group
}

// NewDatasetService creates a new dataset service. The Zarr store is preferred
// over SOMA when both are configured.
func NewDatasetService(cfg DatasetServiceConfig) *DatasetService {
	datasetID := cfg.DatasetID
	if datasetID == "" {
		datasetID = "default"
	}

	provider := cfg.Provider
	if provider == nil {
		switch {
		case cfg.ZarrReader != nil:
			provider = cfg.ZarrReader
		case cfg.SomaReader != nil && cfg.SomaReader.Supported():
			provider = cfg.SomaReader
		}
	}

	return &DatasetService{
		datasetID: datasetID,
		keys:      cfg.Keys.WithDefaults(),
		zarr:      cfg.ZarrReader,
		soma:      cfg.SomaReader,
		provider:  provider,
		cache:     cfg.Cache,
	}
}

// OpenDatasetService opens the readers configured for a dataset. A SOMA
// experiment that fails to open is logged and skipped when a Zarr store is
// also configured.
func OpenDatasetService(datasetID string, ds config.DatasetConfig, cm *cache.Manager) (*DatasetService, error) {
	var zarrReader *zarr.Reader
	if ds.ZarrPath != "" {
		r, err := zarr.NewReader(ds.ZarrPath)
		if err != nil {
			return nil, fmt.Errorf("dataset %s: %w", datasetID, err)
		}
		zarrReader = r
		md := r.Metadata()
		log.Printf("  [%s] Zarr store: %s (%d cells, %d genes)", datasetID, ds.ZarrPath, md.NCells, len(md.Genes))
	}

	var somaReader *soma.Reader
	if ds.SomaPath != "" {
		r, err := soma.NewReader(ds.SomaPath)
		switch {
		case err != nil && zarrReader == nil:
			return nil, fmt.Errorf("dataset %s: %w", datasetID, err)
		case err != nil:
			log.Printf("  [%s] SOMA not initialized: %v", datasetID, err)
		default:
			somaReader = r
			log.Printf("  [%s] SOMA experiment: %s (supported=%v)", datasetID, r.ExperimentURI(), r.Supported())
		}
	}

	return NewDatasetService(DatasetServiceConfig{
		DatasetID:  datasetID,
		Keys:       ds.Obs,
		ZarrReader: zarrReader,
		SomaReader: somaReader,
		Cache:      cm,
	}), nil
}

// ID returns the dataset id.
func (s *DatasetService) ID() string { return s.datasetID }

// Keys returns the configured obs column names.
func (s *DatasetService) Keys() expression.ObsKeys { return s.keys }

// Soma returns the SOMA reader, if any.
func (s *DatasetService) Soma() *soma.Reader { return s.soma }

// Source names the backend serving populations.
func (s *DatasetService) Source() string {
	switch {
	case s.provider == nil:
		return "none"
	case s.zarr != nil && s.provider == expression.Provider(s.zarr):
		return "zarr"
	case s.soma != nil && s.provider == expression.Provider(s.soma):
		return "soma"
	default:
		return "custom"
	}
}

// ObsColumns lists the obs columns usable as a cluster key.
func (s *DatasetService) ObsColumns() ([]string, error) {
	switch {
	case s.zarr != nil:
		return s.zarr.ObsColumns(), nil
	case s.soma != nil:
		return s.soma.ObsColumns()
	default:
		return []string{s.keys.Dataset, s.keys.Patient, s.keys.Cluster}, nil
	}
}

// Population loads the cells of the dataset labelled by clusterKey, or by the
// configured cluster column when clusterKey is empty. A non-zero
// normalizeTarget rescales cell totals; loads are cached per key and target.
func (s *DatasetService) Population(ctx context.Context, clusterKey string, normalizeTarget float64) (*expression.Population, error) {
	if s.provider == nil {
		if s.soma != nil && !s.soma.Supported() {
			return nil, soma.ErrUnsupported
		}
		return nil, fmt.Errorf("%w: %s", ErrNoSource, s.datasetID)
	}

	keys := s.keys
	if clusterKey != "" {
		keys.Cluster = clusterKey
	}
	key := cache.PopulationKey(s.datasetID, keys, normalizeTarget)
	if s.cache != nil {
		if pop, ok := s.cache.GetPopulation(key); ok {
			return pop, nil
		}
	}

	// The shared load outlives any single caller; each caller stops waiting
	// on its own cancellation.
	loadCtx := context.WithoutCancel(ctx)
	ch := s.loads.DoChan(key, func() (interface{}, error) {
		pop, err := s.provider.Population(loadCtx, keys)
		if err != nil {
			return nil, err
		}
		if normalizeTarget != 0 {
			if err := pop.NormalizeTotal(normalizeTarget); err != nil {
				return nil, err
			}
		}
		log.Printf("[DatasetService] %s: loaded %d cells x %d genes (cluster key %s)",
			s.datasetID, pop.NumCells(), pop.NumGenes(), keys.Cluster)
		if s.cache != nil {
			s.cache.SetPopulation(key, pop)
		}
		return pop, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*expression.Population), nil
	}
}

// Close releases the underlying readers.
func (s *DatasetService) Close() {
	if s.zarr != nil {
		s.zarr.Close()
	}
}
