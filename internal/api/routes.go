package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/atlasmap-sc/markers/internal/cache"
	"github.com/atlasmap-sc/markers/internal/config"
	"github.com/atlasmap-sc/markers/internal/export"
	"github.com/atlasmap-sc/markers/internal/metrics"
	"github.com/atlasmap-sc/markers/internal/service"
	"github.com/atlasmap-sc/markers/internal/store"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
	maxReplicates   = 1000
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *DatasetRegistry
	CORSOrigins []string
	JobManager  *JobManager
	Cache       *cache.Manager
	Metrics     *metrics.Metrics
	// Defaults fills fields a job submission leaves out.
	Defaults config.MarkersConfig
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link", "Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", cfg.Metrics.Handler())

	r.Get("/api/datasets", datasetsHandler(cfg.Registry))
	r.Get("/api/cache/stats", cacheStatsHandler(cfg.Cache))

	// Dataset-scoped routes: /d/{dataset}/...
	r.Route("/d/{dataset}", func(r chi.Router) {
		r.Use(datasetMiddleware(cfg.Registry))

		r.Route("/api", func(r chi.Router) {
			r.Get("/obs/columns", obsColumnsHandler)

			r.Route("/markers/jobs", func(r chi.Router) {
				r.Post("/", markerJobSubmitHandler(cfg.JobManager, cfg.Defaults))
				r.Get("/", markerJobListHandler(cfg.JobManager))
				r.Get("/{job_id}", markerJobStatusHandler(cfg.JobManager))
				r.Get("/{job_id}/result", markerJobResultHandler(cfg.JobManager, cfg.Cache))
				r.Get("/{job_id}/export", markerJobExportHandler(cfg.JobManager, cfg.Cache))
				r.Delete("/{job_id}", markerJobDeleteHandler(cfg.JobManager, cfg.Cache))
			})
		})
	})

	return r
}

// Context key for dataset service
type ctxKey string

const datasetServiceKey ctxKey = "datasetService"

// datasetMiddleware resolves the dataset from URL and injects its service into context.
func datasetMiddleware(registry *DatasetRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			datasetID := chi.URLParam(r, "dataset")
			svc := registry.Get(datasetID)
			if svc == nil {
				http.Error(w, "dataset not found: "+datasetID, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), datasetServiceKey, svc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getDatasetService(r *http.Request) *service.DatasetService {
	if svc, ok := r.Context().Value(datasetServiceKey).(*service.DatasetService); ok {
		return svc
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// datasetsHandler returns the list of available datasets.
func datasetsHandler(registry *DatasetRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"default":  registry.DefaultDatasetID(),
			"datasets": registry.Datasets(),
			"title":    registry.Title(),
		})
	}
}

func cacheStatsHandler(cm *cache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cm == nil {
			http.Error(w, "cache not configured", http.StatusNotImplemented)
			return
		}
		writeJSON(w, http.StatusOK, cm.Stats())
	}
}

func obsColumnsHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	cols, err := svc.ObsColumns()
	if err != nil {
		http.Error(w, "failed to list obs columns: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"columns": cols,
		"obs":     svc.Keys(),
	})
}

// Marker job handlers

type markerJobSubmitRequest struct {
	ClusterKey      string   `json:"cluster_key"`
	Clusters        []string `json:"clusters"`
	Replicates      *int     `json:"replicates"`
	Seed            *uint64  `json:"seed"`
	Workers         *int     `json:"workers"`
	NormalizeTarget *float64 `json:"normalize_target"`
	MinExpr         *float64 `json:"min_expr"`
	MaxRank         *int     `json:"max_rank"`
	MinGini         *float64 `json:"min_gini"`
	TopN            *int     `json:"top_n"`
}

// params merges the request over the configured defaults.
func (req markerJobSubmitRequest) params(datasetID string, d config.MarkersConfig) (store.JobParams, error) {
	p := store.JobParams{
		DatasetID:       datasetID,
		ClusterKey:      strings.TrimSpace(req.ClusterKey),
		Clusters:        req.Clusters,
		Replicates:      d.Replicates,
		Seed:            d.Seed,
		Workers:         d.Workers,
		NormalizeTarget: d.NormalizeTarget,
		Selection:       d.Selection,
	}
	if req.Replicates != nil {
		p.Replicates = *req.Replicates
	}
	if req.Seed != nil {
		p.Seed = *req.Seed
	}
	if req.Workers != nil {
		p.Workers = *req.Workers
	}
	if req.NormalizeTarget != nil {
		p.NormalizeTarget = *req.NormalizeTarget
	}
	if req.MinExpr != nil {
		p.Selection.MinExpr = *req.MinExpr
	}
	if req.MaxRank != nil {
		p.Selection.MaxRank = *req.MaxRank
	}
	if req.MinGini != nil {
		p.Selection.MinGini = *req.MinGini
	}
	if req.TopN != nil {
		p.Selection.TopN = *req.TopN
	}

	if p.Replicates < 1 || p.Replicates > maxReplicates {
		return p, fmt.Errorf("replicates must be between 1 and %d", maxReplicates)
	}
	seen := make(map[string]bool, len(p.Clusters))
	for _, c := range p.Clusters {
		if c == "" || seen[c] {
			return p, fmt.Errorf("clusters must be distinct and non-empty")
		}
		seen[c] = true
	}
	if err := p.Selection.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

func markerJobSubmitHandler(jm *JobManager, defaults config.MarkersConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		var req markerJobSubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}

		datasetID := chi.URLParam(r, "dataset")
		params, err := req.params(datasetID, defaults)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		job, err := jm.Submit(params)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, ErrQueueClosed) {
				status = http.StatusServiceUnavailable
			}
			http.Error(w, "failed to submit job: "+err.Error(), status)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"job_id": job.ID,
			"status": job.Status,
		})
	}
}

// lookupJob returns the job named in the URL when it belongs to the dataset.
func lookupJob(jm *JobManager, w http.ResponseWriter, r *http.Request) *store.Job {
	if jm == nil {
		http.Error(w, "job manager not configured", http.StatusNotImplemented)
		return nil
	}
	job := jm.Get(chi.URLParam(r, "job_id"))
	if job == nil || job.Params.DatasetID != chi.URLParam(r, "dataset") {
		http.Error(w, "job not found", http.StatusNotFound)
		return nil
	}
	return job
}

func markerJobListHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}
		jobs, err := jm.List(chi.URLParam(r, "dataset"))
		if err != nil {
			http.Error(w, "failed to list jobs: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if jobs == nil {
			jobs = []*store.Job{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
	}
}

func markerJobStatusHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job := lookupJob(jm, w, r)
		if job == nil {
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

func queryInt(r *http.Request, name string, def, lo, hi int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < lo {
		return def
	}
	if v > hi {
		return hi
	}
	return v
}

func markerJobResultHandler(jm *JobManager, cm *cache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job := lookupJob(jm, w, r)
		if job == nil {
			return
		}
		if job.Status != store.JobStatusCompleted {
			http.Error(w, "job not completed (status: "+string(job.Status)+")", http.StatusBadRequest)
			return
		}

		q := r.URL.Query()
		view := q.Get("view")
		if view == "" {
			view = store.ViewFiltered
		}
		cluster := q.Get("cluster")
		offset := queryInt(r, "offset", 0, 0, int(^uint(0)>>1))
		limit := queryInt(r, "limit", defaultPageSize, 1, maxPageSize)

		key := cache.QueryKey(job.ID, view, cluster, offset, limit)
		if cm != nil {
			if data, ok := cm.GetQuery(key); ok {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("X-Cache", "HIT")
				w.Write(data)
				return
			}
		}

		resp := map[string]interface{}{
			"job_id":  job.ID,
			"view":    view,
			"cluster": cluster,
		}
		switch view {
		case store.ViewAll, store.ViewFiltered:
			items, total, err := jm.Store().QueryRows(job.ID, view, cluster, offset, limit)
			if err != nil {
				http.Error(w, "failed to query results: "+err.Error(), http.StatusInternalServerError)
				return
			}
			resp["total"] = total
			resp["offset"] = offset
			resp["limit"] = limit
			resp["items"] = items
		case store.ViewTop:
			items, err := jm.Store().QueryTop(job.ID, cluster)
			if err != nil {
				http.Error(w, "failed to query results: "+err.Error(), http.StatusInternalServerError)
				return
			}
			resp["total"] = len(items)
			resp["items"] = items
		default:
			http.Error(w, "unknown view: "+view, http.StatusBadRequest)
			return
		}

		data, err := json.Marshal(resp)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		data = append(data, '\n')
		if cm != nil {
			cm.SetQuery(key, data)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	}
}

// renderExport produces the download body of one view.
func renderExport(st *store.Store, jobID, view, cluster string, gzip bool) ([]byte, error) {
	var buf bytes.Buffer
	switch view {
	case store.ViewAll, store.ViewFiltered:
		rows, _, err := st.QueryRows(jobID, view, cluster, 0, -1)
		if err != nil {
			return nil, err
		}
		if gzip {
			err = export.WriteCSVGzip(&buf, rows)
		} else {
			err = export.WriteCSV(&buf, rows)
		}
		if err != nil {
			return nil, err
		}
	case store.ViewTop:
		top, err := st.QueryTop(jobID, cluster)
		if err != nil {
			return nil, err
		}
		if err := export.WriteTop(&buf, top); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown view: %s", view)
	}
	return buf.Bytes(), nil
}

func exportFilename(view string, gzip bool) string {
	switch view {
	case store.ViewTop:
		return export.TopFile
	case store.ViewAll:
		if gzip {
			return export.AllFile + ".gz"
		}
		return export.AllFile
	default:
		if gzip {
			return export.FilteredFile + ".gz"
		}
		return export.FilteredFile
	}
}

func markerJobExportHandler(jm *JobManager, cm *cache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job := lookupJob(jm, w, r)
		if job == nil {
			return
		}
		if job.Status != store.JobStatusCompleted {
			http.Error(w, "job not completed (status: "+string(job.Status)+")", http.StatusBadRequest)
			return
		}

		q := r.URL.Query()
		view := q.Get("view")
		if view == "" {
			view = store.ViewFiltered
		}
		if view != store.ViewAll && view != store.ViewFiltered && view != store.ViewTop {
			http.Error(w, "unknown view: "+view, http.StatusBadRequest)
			return
		}
		cluster := q.Get("cluster")
		gzip := (q.Get("gzip") == "1" || q.Get("gzip") == "true") && view != store.ViewTop

		key := cache.ExportKey(job.ID, view, cluster, gzip)
		data, hit := []byte(nil), false
		if cm != nil {
			data, hit = cm.GetExport(key)
		}
		if !hit {
			var err error
			data, err = renderExport(jm.Store(), job.ID, view, cluster, gzip)
			if err != nil {
				http.Error(w, "failed to export results: "+err.Error(), http.StatusInternalServerError)
				return
			}
			if cm != nil {
				if err := cm.SetExport(key, data); err != nil {
					log.Printf("[API] export cache set failed for %s: %v", key, err)
				}
			}
		}

		contentType := "text/csv"
		switch {
		case view == store.ViewTop:
			contentType = "application/json"
		case gzip:
			contentType = "application/gzip"
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", job.ID+"_"+exportFilename(view, gzip)))
		if hit {
			w.Header().Set("X-Cache", "HIT")
		} else {
			w.Header().Set("X-Cache", "MISS")
		}
		w.Write(data)
	}
}

// markerJobDeleteHandler cancels a queued or running job and deletes a
// finished one together with its cached pages.
func markerJobDeleteHandler(jm *JobManager, cm *cache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job := lookupJob(jm, w, r)
		if job == nil {
			return
		}

		if !job.Status.Terminal() {
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"job_id":    job.ID,
				"cancelled": jm.Cancel(job.ID),
			})
			return
		}

		if err := jm.Delete(job.ID); err != nil {
			http.Error(w, "failed to delete job: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if cm != nil {
			cm.InvalidateJob(job.ID)
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"job_id":  job.ID,
			"deleted": true,
		})
	}
}
