// Command markers runs one bootstrap marker discovery over a configured
// dataset and writes the marker tables to the export sink.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/atlasmap-sc/markers/internal/config"
	"github.com/atlasmap-sc/markers/internal/export"
	"github.com/atlasmap-sc/markers/internal/markers"
	"github.com/atlasmap-sc/markers/internal/service"
)

type cliFlags struct {
	configPath string
	dataset    string
	clusterKey string
	clusters   string
	replicates int
	seed       uint64
	workers    int
	normalize  float64
	minExpr    float64
	maxRank    int
	minGini    float64
	topN       int
	out        string
	prefix     string
	gzip       bool
}

func parseFlags(fs *flag.FlagSet, args []string) (*cliFlags, map[string]bool, error) {
	d := config.DefaultConfig().Markers
	f := &cliFlags{}
	fs.StringVar(&f.configPath, "config", "config/server.yaml", "Path to configuration file")
	fs.StringVar(&f.dataset, "dataset", "", "Dataset id (default: the configured default dataset)")
	fs.StringVar(&f.clusterKey, "cluster-key", "", "Obs column holding cluster labels (default: the dataset's obs.cluster)")
	fs.StringVar(&f.clusters, "clusters", "", "Comma-separated cluster labels, in output order (default: all, by first appearance)")
	fs.IntVar(&f.replicates, "replicates", d.Replicates, "Number of bootstrap replicates")
	fs.Uint64Var(&f.seed, "seed", d.Seed, "Random seed")
	fs.IntVar(&f.workers, "workers", d.Workers, "Replicates computed concurrently")
	fs.Float64Var(&f.normalize, "normalize", 0, "Rescale cell totals to this value before resampling; 0 disables, <0 uses the median total")
	fs.Float64Var(&f.minExpr, "min-expr", d.MinExpr, "Minimum median expression for filtered and top markers")
	fs.IntVar(&f.maxRank, "max-rank", d.MaxRank, "Maximum rank for filtered markers")
	fs.Float64Var(&f.minGini, "min-gini", d.MinGini, "Gini threshold for filtered markers (exclusive)")
	fs.IntVar(&f.topN, "top-n", d.TopN, "Top markers kept per cluster")
	fs.StringVar(&f.out, "out", "", "Write tables to this directory instead of the configured export sink")
	fs.StringVar(&f.prefix, "prefix", "", "Key prefix for exported files (default: the dataset id)")
	fs.BoolVar(&f.gzip, "gzip", false, "Gzip the CSV tables")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	set := make(map[string]bool)
	fs.Visit(func(fl *flag.Flag) { set[fl.Name] = true })
	return f, set, nil
}

// applyFlags overrides configuration with the flags given on the command line.
func applyFlags(cfg *config.Config, f *cliFlags, set map[string]bool) {
	m := &cfg.Markers
	if set["replicates"] {
		m.Replicates = f.replicates
	}
	if set["seed"] {
		m.Seed = f.seed
	}
	if set["workers"] {
		m.Workers = f.workers
	}
	if set["normalize"] {
		m.NormalizeTarget = f.normalize
	}
	if set["min-expr"] {
		m.MinExpr = f.minExpr
	}
	if set["max-rank"] {
		m.MaxRank = f.maxRank
	}
	if set["min-gini"] {
		m.MinGini = f.minGini
	}
	if set["top-n"] {
		m.TopN = f.topN
	}
	if set["gzip"] {
		cfg.Export.Gzip = f.gzip
	}
	if f.out != "" {
		cfg.Export.Driver = "fs"
		cfg.Export.Dir = f.out
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func run(ctx context.Context, args []string) error {
	f, set, err := parseFlags(flag.NewFlagSet("markers", flag.ContinueOnError), args)
	if err != nil {
		return err
	}
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	applyFlags(cfg, f, set)
	if err := cfg.Validate(); err != nil {
		return err
	}

	datasetID := f.dataset
	if datasetID == "" {
		datasetID = cfg.Data.DefaultDataset
	}
	ds, ok := cfg.Data.Datasets[datasetID]
	if !ok {
		return fmt.Errorf("dataset not configured: %s", datasetID)
	}

	svc, err := service.OpenDatasetService(datasetID, ds, nil)
	if err != nil {
		return err
	}
	defer svc.Close()

	start := time.Now()
	pop, err := svc.Population(ctx, f.clusterKey, cfg.Markers.NormalizeTarget)
	if err != nil {
		return fmt.Errorf("failed to load population: %w", err)
	}

	opts := cfg.Markers.Options()
	opts.Clusters = splitList(f.clusters)
	opts.Progress = func(done, total int) {
		log.Printf("[markers] replicate %d/%d", done, total)
	}
	res, err := markers.Run(ctx, pop, opts)
	if err != nil {
		return err
	}
	log.Printf("[markers] %d cells, %d clusters, %d genes in %s",
		pop.NumCells(), len(res.Summary.Clusters), len(res.Summary.Genes), time.Since(start).Round(time.Millisecond))

	sink, err := export.Open(ctx, cfg.Export)
	if err != nil {
		return err
	}
	if sink == nil {
		log.Printf("[markers] exports disabled; %d filtered markers", len(res.Filtered))
		return nil
	}
	prefix := f.prefix
	if prefix == "" {
		prefix = datasetID
	}
	written, err := export.WriteResult(ctx, sink, res, export.Options{Prefix: prefix, Gzip: cfg.Export.Gzip})
	if err != nil {
		return err
	}
	for _, w := range written {
		fmt.Printf("%s\t%d rows\t%d bytes\n", w.Location, w.Rows, w.Bytes)
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		log.Fatalf("markers: %v", err)
	}
}
