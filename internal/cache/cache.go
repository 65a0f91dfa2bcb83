// Package cache provides caching for loaded populations, result pages and
// rendered exports.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/atlasmap-sc/markers/internal/expression"
)

// Config contains cache configuration.
type Config struct {
	ExportCacheSizeMB   int
	ExportTTL           time.Duration
	QueryCacheSize      int
	PopulationCacheSize int
}

// Manager manages export, query and population caches.
type Manager struct {
	exportCache     *bigcache.BigCache
	queryCache      *lru.Cache[string, []byte]
	populationCache *lru.Cache[string, *expression.Population]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.ExportTTL <= 0 {
		cfg.ExportTTL = 30 * time.Minute
	}
	exportCacheConfig := bigcache.Config{
		Shards:             256,
		LifeWindow:         cfg.ExportTTL,
		CleanWindow:        cfg.ExportTTL / 2,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       512 * 1024,
		HardMaxCacheSize:   cfg.ExportCacheSizeMB,
		Verbose:            false,
	}

	exportCache, err := bigcache.New(context.Background(), exportCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create export cache: %w", err)
	}

	queryCache, err := lru.New[string, []byte](max(cfg.QueryCacheSize, 1))
	if err != nil {
		exportCache.Close()
		return nil, fmt.Errorf("failed to create query cache: %w", err)
	}

	populationCache, err := lru.New[string, *expression.Population](max(cfg.PopulationCacheSize, 1))
	if err != nil {
		exportCache.Close()
		return nil, fmt.Errorf("failed to create population cache: %w", err)
	}

	return &Manager{
		exportCache:     exportCache,
		queryCache:      queryCache,
		populationCache: populationCache,
	}, nil
}

// GetExport retrieves a rendered export from cache.
func (m *Manager) GetExport(key string) ([]byte, bool) {
	data, err := m.exportCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetExport stores a rendered export in cache.
func (m *Manager) SetExport(key string, data []byte) error {
	return m.exportCache.Set(key, data)
}

// GetQuery retrieves a query result from cache.
func (m *Manager) GetQuery(key string) ([]byte, bool) {
	return m.queryCache.Get(key)
}

// SetQuery stores a query result in cache.
func (m *Manager) SetQuery(key string, data []byte) {
	m.queryCache.Add(key, data)
}

// GetPopulation returns a loaded population.
func (m *Manager) GetPopulation(key string) (*expression.Population, bool) {
	return m.populationCache.Get(key)
}

// SetPopulation stores a loaded population, evicting the least recently used.
func (m *Manager) SetPopulation(key string, p *expression.Population) {
	m.populationCache.Add(key, p)
}

// InvalidateJob drops every cached page and export of a job.
func (m *Manager) InvalidateJob(jobID string) {
	prefix := jobPrefix(jobID)
	for _, k := range m.queryCache.Keys() {
		if strings.HasPrefix(k, prefix) {
			m.queryCache.Remove(k)
		}
	}

	var stale []string
	it := m.exportCache.Iterator()
	for it.SetNext() {
		e, err := it.Value()
		if err != nil {
			continue
		}
		if strings.HasPrefix(e.Key(), prefix) {
			stale = append(stale, e.Key())
		}
	}
	for _, k := range stale {
		_ = m.exportCache.Delete(k)
	}
}

func jobPrefix(jobID string) string { return "job:" + jobID + ":" }

// QueryKey generates a cache key for one page of a result view.
func QueryKey(jobID, view, cluster string, offset, limit int) string {
	return fmt.Sprintf("%sq:%s:%s:%d:%d", jobPrefix(jobID), view, cluster, offset, limit)
}

// ExportKey generates a cache key for a rendered CSV export.
func ExportKey(jobID, view, cluster string, gzip bool) string {
	key := fmt.Sprintf("%scsv:%s:%s", jobPrefix(jobID), view, cluster)
	if gzip {
		key += ":gz"
	}
	return key
}

// PopulationKey generates a cache key for a loaded population.
func PopulationKey(datasetID string, keys expression.ObsKeys, normalizeTarget float64) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%g", keys.Dataset, keys.Patient, keys.Cluster, normalizeTarget)
	return "pop:" + datasetID + ":" + hex.EncodeToString(h.Sum(nil))[:16]
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"export_cache_len":     m.exportCache.Len(),
		"export_cache_cap":     m.exportCache.Capacity(),
		"query_cache_len":      m.queryCache.Len(),
		"population_cache_len": m.populationCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.exportCache.Close()
}
