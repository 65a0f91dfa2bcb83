package api

import (
	"github.com/atlasmap-sc/markers/internal/expression"
	"github.com/atlasmap-sc/markers/internal/service"
)

// DatasetInfo contains information about a dataset for the API response.
type DatasetInfo struct {
	ID     string             `json:"id"`
	Name   string             `json:"name"`
	Source string             `json:"source"`
	Obs    expression.ObsKeys `json:"obs"`
}

// DatasetRegistry holds dataset services for all configured datasets.
type DatasetRegistry struct {
	services       map[string]*service.DatasetService
	defaultDataset string
	datasetOrder   []string
	title          string
}

// NewDatasetRegistry creates a new dataset registry.
func NewDatasetRegistry(defaultDataset string, order []string, title string) *DatasetRegistry {
	return &DatasetRegistry{
		services:       make(map[string]*service.DatasetService),
		defaultDataset: defaultDataset,
		datasetOrder:   order,
		title:          title,
	}
}

// Register adds a dataset service. Ids missing from the configured order are
// appended to it.
func (r *DatasetRegistry) Register(datasetID string, svc *service.DatasetService) {
	if _, ok := r.services[datasetID]; !ok {
		found := false
		for _, id := range r.datasetOrder {
			if id == datasetID {
				found = true
				break
			}
		}
		if !found {
			r.datasetOrder = append(r.datasetOrder, datasetID)
		}
	}
	r.services[datasetID] = svc
}

// Get returns the dataset service, or nil if not found.
func (r *DatasetRegistry) Get(datasetID string) *service.DatasetService {
	return r.services[datasetID]
}

// DefaultDatasetID returns the default dataset ID.
func (r *DatasetRegistry) DefaultDatasetID() string {
	return r.defaultDataset
}

// Title returns the configured site title.
func (r *DatasetRegistry) Title() string {
	if r.title != "" {
		return r.title
	}
	return "Marker Discovery"
}

// Datasets returns dataset info for all registered datasets in config order.
func (r *DatasetRegistry) Datasets() []DatasetInfo {
	infos := make([]DatasetInfo, 0, len(r.datasetOrder))
	for _, id := range r.datasetOrder {
		svc := r.services[id]
		if svc == nil {
			continue
		}
		infos = append(infos, DatasetInfo{
			ID:     id,
			Name:   id,
			Source: svc.Source(),
			Obs:    svc.Keys(),
		})
	}
	return infos
}

// Close releases every dataset's readers.
func (r *DatasetRegistry) Close() {
	for _, svc := range r.services {
		svc.Close()
	}
}
