package export

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/atlasmap-sc/markers/internal/config"
)

// Sink stores exported files under slash-separated keys.
type Sink interface {
	// Put stores r under key and returns the location written.
	Put(ctx context.Context, key string, r io.Reader, contentType string) (string, error)
}

// Open selects a Sink for the export section. Driver "none" returns a nil
// sink, which disables exports.
func Open(ctx context.Context, cfg config.ExportConfig) (Sink, error) {
	switch cfg.Driver {
	case "", "fs":
		return NewFSSink(cfg.Dir)
	case "s3":
		return NewS3Sink(ctx, cfg.S3)
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown export driver %s", cfg.Driver)
	}
}

// cleanKey rejects keys that could escape the sink root.
func cleanKey(key string) (string, error) {
	k := path.Clean("/" + strings.TrimSpace(key))[1:]
	if k == "" || k != strings.TrimPrefix(key, "/") {
		return "", fmt.Errorf("invalid export key %q", key)
	}
	return k, nil
}

// FSSink writes files below a root directory.
type FSSink struct {
	root string
}

// NewFSSink creates the root directory if needed.
func NewFSSink(root string) (*FSSink, error) {
	if root == "" {
		root = "./data/exports"
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create export dir: %w", err)
	}
	return &FSSink{root: root}, nil
}

func (s *FSSink) Put(ctx context.Context, key string, r io.Reader, contentType string) (string, error) {
	k, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	dst := filepath.Join(s.root, filepath.FromSlash(k))
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", err
	}
	// Write to a temp file and rename so readers never see a partial table.
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".export-*")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return dst, nil
}

// putObjectAPI is the subset of the S3 client used by S3Sink.
type putObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink writes files to an S3-compatible bucket (AWS S3 or MinIO).
type S3Sink struct {
	client putObjectAPI
	bucket string
	prefix string
}

// NewS3Sink builds an S3 client from the default credential chain.
func NewS3Sink(ctx context.Context, cfg config.S3Config) (*S3Sink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &S3Sink{client: client, bucket: cfg.Bucket, prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

func (s *S3Sink) Put(ctx context.Context, key string, r io.Reader, contentType string) (string, error) {
	k, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	if s.prefix != "" {
		k = s.prefix + "/" + k
	}
	// PutObject needs a seekable body to compute the payload hash.
	body, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	in := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(k),
		Body:   bytes.NewReader(body),
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return "", fmt.Errorf("s3 put %s: %w", k, err)
	}
	return "s3://" + s.bucket + "/" + k, nil
}

// MemorySink keeps files in memory.
type MemorySink struct {
	mu    sync.Mutex
	files map[string][]byte
}

// NewMemorySink returns an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{files: make(map[string][]byte)}
}

func (m *MemorySink) Put(ctx context.Context, key string, r io.Reader, contentType string) (string, error) {
	k, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[k] = data
	return "mem://" + k, nil
}

// Get returns a stored file.
func (m *MemorySink) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.files[key]
	return b, ok
}

// Keys returns the stored keys in order.
func (m *MemorySink) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.files))
	for k := range m.files {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
