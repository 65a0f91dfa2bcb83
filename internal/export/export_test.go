package export

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/gzip"

	"github.com/atlasmap-sc/markers/internal/config"
	"github.com/atlasmap-sc/markers/internal/markers"
)

func testResult() *markers.Result {
	rows := []markers.Row{
		{Cluster: "A", GeneID: "g0", Rank: 1, Gini: 0.75, Expr: 4},
		{Cluster: "A", GeneID: "g1", Rank: 2, Gini: 0.75, Expr: 0},
		{Cluster: "B", GeneID: "g1", Rank: 1, Gini: 0.75, Expr: 2.5},
		{Cluster: "B", GeneID: "g0", Rank: 2, Gini: 0.75, Expr: 0},
	}
	sel := markers.DefaultSelection()
	return &markers.Result{
		Summary:  &markers.Summary{Rows: rows},
		Filtered: markers.FilterMarkers(rows, sel),
		Top:      markers.TopMarkers(rows, sel),
	}
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, testResult().Filtered); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	want := "leiden,gene_id,rank,gini,expr\nA,g0,1,0.75,4\nB,g1,1,0.75,2.5\n"
	if buf.String() != want {
		t.Fatalf("csv = %q, expected %q", buf.String(), want)
	}
}

func TestWriteCSV_QuotesLabels(t *testing.T) {
	var buf bytes.Buffer
	rows := []markers.Row{{Cluster: "Club, secretory", GeneID: "SCGB1A1", Rank: 1, Gini: 0.5, Expr: 1}}
	if err := WriteCSV(&buf, rows); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	if !strings.Contains(buf.String(), `"Club, secretory",SCGB1A1`) {
		t.Fatalf("label not quoted: %q", buf.String())
	}
}

func TestWriteTop(t *testing.T) {
	var buf bytes.Buffer
	top := []markers.ClusterMarkers{
		{Cluster: "B", Genes: []string{"x", "y"}},
		{Cluster: "A", Genes: nil},
	}
	if err := WriteTop(&buf, top); err != nil {
		t.Fatalf("WriteTop: %v", err)
	}
	if got := buf.String(); got != "{\"B\":[\"x\",\"y\"],\"A\":[]}\n" {
		t.Fatalf("json = %q", got)
	}
}

func TestWriteResult_Memory(t *testing.T) {
	sink := NewMemorySink()
	written, err := WriteResult(context.Background(), sink, testResult(), Options{Prefix: "epi/job1"})
	if err != nil {
		t.Fatalf("WriteResult: %v", err)
	}
	if len(written) != 3 {
		t.Fatalf("expected 3 files, got %+v", written)
	}
	want := []string{"epi/job1/marker_genes.json", "epi/job1/markers_all.csv", "epi/job1/markers_filtered.csv"}
	keys := sink.Keys()
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("keys = %v, expected %v", keys, want)
		}
	}
	if written[0].Rows != 4 || written[1].Rows != 2 || written[2].Rows != 2 {
		t.Fatalf("unexpected row counts %+v", written)
	}
	top, _ := sink.Get("epi/job1/marker_genes.json")
	if string(top) != "{\"A\":[\"g0\"],\"B\":[\"g1\"]}\n" {
		t.Fatalf("top json = %q", top)
	}
}

func TestWriteResult_GzipFS(t *testing.T) {
	dir := t.TempDir()
	sink, err := Open(context.Background(), config.ExportConfig{Driver: "fs", Dir: dir})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := WriteResult(context.Background(), sink, testResult(), Options{Prefix: "run", Gzip: true}); err != nil {
		t.Fatalf("WriteResult: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "run", "markers_all.csv.gz"))
	if err != nil {
		t.Fatalf("open export: %v", err)
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	data, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("read gzip: %v", err)
	}
	if lines := strings.Count(string(data), "\n"); lines != 5 {
		t.Fatalf("expected header plus 4 rows, got %d lines", lines)
	}

	entries, _ := os.ReadDir(filepath.Join(dir, "run"))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".export-") {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
}

func TestSink_RejectsEscapingKeys(t *testing.T) {
	sink := NewMemorySink()
	for _, key := range []string{"", "../x.csv", "a/../../x.csv"} {
		if _, err := sink.Put(context.Background(), key, strings.NewReader("x"), ""); err == nil {
			t.Errorf("expected an error for key %q", key)
		}
	}
}

type fakeS3 struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
	err    error
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, _ := io.ReadAll(in.Body)
	f.inputs = append(f.inputs, in)
	f.bodies = append(f.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

func TestS3Sink(t *testing.T) {
	fake := &fakeS3{}
	sink := &S3Sink{client: fake, bucket: "markers", prefix: "exports"}

	loc, err := sink.Put(context.Background(), "epi/markers_all.csv", strings.NewReader("a,b\n"), "text/csv")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if loc != "s3://markers/exports/epi/markers_all.csv" {
		t.Fatalf("location = %q", loc)
	}
	in := fake.inputs[0]
	if aws.ToString(in.Bucket) != "markers" || aws.ToString(in.Key) != "exports/epi/markers_all.csv" || aws.ToString(in.ContentType) != "text/csv" {
		t.Fatalf("unexpected input bucket=%s key=%s type=%s", aws.ToString(in.Bucket), aws.ToString(in.Key), aws.ToString(in.ContentType))
	}
	if string(fake.bodies[0]) != "a,b\n" {
		t.Fatalf("body = %q", fake.bodies[0])
	}

	fake.err = errors.New("denied")
	if _, err := sink.Put(context.Background(), "x.csv", strings.NewReader(""), ""); err == nil {
		t.Fatal("expected put error")
	}
}

func TestOpen(t *testing.T) {
	sink, err := Open(context.Background(), config.ExportConfig{Driver: "none"})
	if err != nil || sink != nil {
		t.Fatalf("expected nil sink for driver none, got %v %v", sink, err)
	}
	if _, err := Open(context.Background(), config.ExportConfig{Driver: "ftp"}); err == nil {
		t.Fatal("expected an error for an unknown driver")
	}
	if _, err := Open(context.Background(), config.ExportConfig{Driver: "s3"}); err == nil {
		t.Fatal("expected an error for s3 without bucket")
	}
}
