// Package gcs implements the durable slow tier as JSON objects in a Cloud
// Storage bucket. Object names embed the serialized cache key so the bucket
// can be inspected directly.
package gcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/scrapecache/internal/search"
)

// Config captures the bucket layout.
type Config struct {
	Bucket string
	Prefix string
}

// Store reads and writes entries as objects named "<prefix>/<key>.json".
type Store struct {
	client *storage.Client
	bucket string
	prefix string
}

// New creates a GCS-backed slow tier.
func New(client *storage.Client, cfg Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// ObjectName returns the object path used for key.
func (s *Store) ObjectName(key search.Key) string {
	name := key.String() + ".json"
	if s.prefix == "" {
		return name
	}
	return s.prefix + "/" + name
}

// Get downloads and decodes the entry for key.
func (s *Store) Get(ctx context.Context, key search.Key) (search.Entry, bool, error) {
	r, err := s.client.Bucket(s.bucket).Object(s.ObjectName(key)).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return search.Entry{}, false, nil
	}
	if err != nil {
		return search.Entry{}, false, fmt.Errorf("open object: %w", err)
	}
	defer func() { _ = r.Close() }()

	body, err := io.ReadAll(r)
	if err != nil {
		return search.Entry{}, false, fmt.Errorf("read object: %w", err)
	}
	var entry search.Entry
	if err := json.Unmarshal(body, &entry); err != nil {
		return search.Entry{}, false, fmt.Errorf("decode object: %w", err)
	}
	return entry, true, nil
}

// Put uploads entry, replacing any previous object for key.
func (s *Store) Put(ctx context.Context, key search.Key, entry search.Entry) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	writer := s.client.Bucket(s.bucket).Object(s.ObjectName(key)).NewWriter(ctx)
	writer.ContentType = "application/json"
	writer.Metadata = map[string]string{
		"query":      key.Query,
		"expires_at": entry.ExpiresAt.UTC().Format(time.RFC3339),
	}
	if _, err := writer.Write(body); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return fmt.Errorf("write object: %w (close writer: %v)", err, closeErr)
		}
		return fmt.Errorf("write object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}

// Delete removes the object for key. A missing object is not an error.
func (s *Store) Delete(ctx context.Context, key search.Key) error {
	err := s.client.Bucket(s.bucket).Object(s.ObjectName(key)).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}
