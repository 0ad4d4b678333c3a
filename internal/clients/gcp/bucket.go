package gcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/yungbote/dialectic-backend/internal/pkg/logger"
)

// ErrObjectNotFound is returned by Download for a missing key.
var ErrObjectNotFound = errors.New("object not found")

type BucketConfig struct {
	Name string
	// EmulatorHost points the client at a fake-gcs-server style emulator.
	EmulatorHost string
	Credentials  string
}

// Bucket stores dialectic artifacts in one GCS bucket.
type Bucket struct {
	log    *logger.Logger
	client *storage.Client
	name   string
}

func NewBucket(ctx context.Context, log *logger.Logger, cfg BucketConfig) (*Bucket, error) {
	if strings.TrimSpace(cfg.Name) == "" {
		return nil, fmt.Errorf("missing STORAGE_BUCKET")
	}
	client, err := storage.NewClient(ctx, clientOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &Bucket{
		log:    log.With("service", "BucketService", "bucket", cfg.Name),
		client: client,
		name:   cfg.Name,
	}, nil
}

// clientOptions points the client at the emulator without auth, or at GCS
// with Credentials (inline JSON or a file path). Empty credentials fall back
// to application default credentials.
func clientOptions(cfg BucketConfig) []option.ClientOption {
	if host := strings.TrimRight(strings.TrimSpace(cfg.EmulatorHost), "/"); host != "" {
		if !strings.HasPrefix(host, "http") {
			host = "http://" + host
		}
		return []option.ClientOption{option.WithEndpoint(host + "/storage/v1/"), option.WithoutAuthentication()}
	}
	opts := []option.ClientOption{option.WithScopes(storage.ScopeReadWrite)}
	switch creds := strings.TrimSpace(cfg.Credentials); {
	case creds == "":
	case strings.HasPrefix(creds, "{"):
		opts = append(opts, option.WithCredentialsJSON([]byte(creds)))
	default:
		opts = append(opts, option.WithCredentialsFile(creds))
	}
	return opts
}

func (b *Bucket) Close() error { return b.client.Close() }

func (b *Bucket) Upload(ctx context.Context, key string, data []byte, mimeType string) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	w := b.client.Bucket(b.name).Object(key).NewWriter(ctx)
	w.ContentType = mimeType
	if w.ContentType == "" {
		w.ContentType = ContentTypeForKey(key)
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close writer for %s: %w", key, err)
	}
	return nil
}

func (b *Bucket) Download(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	r, err := b.client.Bucket(b.name).Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%s: %w", key, ErrObjectNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open reader for %s: %w", key, err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (b *Bucket) List(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	it := b.client.Bucket(b.name).Objects(ctx, &storage.Query{Prefix: prefix})
	out := []string{}
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, attrs.Name)
	}
	return out, nil
}

func (b *Bucket) Copy(ctx context.Context, srcKey, dstKey string) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	src := b.client.Bucket(b.name).Object(srcKey)
	dst := b.client.Bucket(b.name).Object(dstKey)
	if _, err := dst.CopierFrom(src).Run(ctx); err != nil {
		return fmt.Errorf("copy %s->%s: %w", srcKey, dstKey, err)
	}
	return nil
}

func (b *Bucket) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	err := b.client.Bucket(b.name).Object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func ContentTypeForKey(key string) string {
	s := strings.ToLower(strings.TrimSpace(key))
	switch {
	case strings.HasSuffix(s, ".json"):
		return "application/json"
	case strings.HasSuffix(s, ".md"):
		return "text/markdown"
	case strings.HasSuffix(s, ".txt"):
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}
