package export

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/atlasmap-sc/markers/internal/markers"
)

// Options controls how a result is exported.
type Options struct {
	// Prefix is prepended to every key, e.g. "<dataset>/<job>".
	Prefix string
	// Gzip compresses the CSV tables and appends ".gz" to their names.
	Gzip bool
}

// Written describes one exported file.
type Written struct {
	Key      string `json:"key"`
	Location string `json:"location"`
	Bytes    int    `json:"bytes"`
	Rows     int    `json:"rows"`
}

// WriteResult exports the full table, the filtered table and the top marker
// lists of a run to sink.
func WriteResult(ctx context.Context, sink Sink, res *markers.Result, opts Options) ([]Written, error) {
	if res == nil || res.Summary == nil {
		return nil, fmt.Errorf("export: empty result")
	}
	var out []Written

	tables := []struct {
		name string
		rows []markers.Row
	}{
		{AllFile, res.Summary.Rows},
		{FilteredFile, res.Filtered},
	}
	for _, t := range tables {
		var buf bytes.Buffer
		name, contentType := t.name, "text/csv"
		var err error
		if opts.Gzip {
			name += ".gz"
			contentType = "application/gzip"
			err = WriteCSVGzip(&buf, t.rows)
		} else {
			err = WriteCSV(&buf, t.rows)
		}
		if err != nil {
			return out, fmt.Errorf("export %s: %w", t.name, err)
		}
		w, err := put(ctx, sink, path.Join(opts.Prefix, name), &buf, contentType)
		if err != nil {
			return out, err
		}
		w.Rows = len(t.rows)
		out = append(out, w)
	}

	var buf bytes.Buffer
	if err := WriteTop(&buf, res.Top); err != nil {
		return out, fmt.Errorf("export %s: %w", TopFile, err)
	}
	w, err := put(ctx, sink, path.Join(opts.Prefix, TopFile), &buf, "application/json")
	if err != nil {
		return out, err
	}
	w.Rows = len(res.Top)
	return append(out, w), nil
}

func put(ctx context.Context, sink Sink, key string, buf *bytes.Buffer, contentType string) (Written, error) {
	n := buf.Len()
	loc, err := sink.Put(ctx, key, buf, contentType)
	if err != nil {
		return Written{}, fmt.Errorf("export %s: %w", key, err)
	}
	return Written{Key: key, Location: loc, Bytes: n}, nil
}
