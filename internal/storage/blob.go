package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // local filesystem driver
	_ "gocloud.dev/blob/gcsblob"  // GCS driver
	_ "gocloud.dev/blob/memblob"  // in-memory driver
	_ "gocloud.dev/blob/s3blob"   // S3 driver
	"gocloud.dev/gcerrors"
)

// BlobCAS keeps content-addressed blocks in a gocloud bucket.
//
// Layout:
//
//	<prefix>blocks/<leaf cid>    file bytes
//	<prefix>dirs/<dir cid>.json  directory manifest
type BlobCAS struct {
	bucket *blob.Bucket
	prefix string
	log    *slog.Logger
}

// OpenBlobCAS opens the bucket at bucketURL.
func OpenBlobCAS(ctx context.Context, bucketURL, prefix string) (*BlobCAS, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucketURL, err)
	}
	return NewBlobCAS(bucket, prefix), nil
}

// NewBlobCAS wraps an already-open bucket.
func NewBlobCAS(bucket *blob.Bucket, prefix string) *BlobCAS {
	return &BlobCAS{
		bucket: bucket,
		prefix: prefix,
		log:    slog.With("component", "storage", "backend", "blob"),
	}
}

func (s *BlobCAS) blockKey(id string) string { return s.prefix + "blocks/" + id }
func (s *BlobCAS) dirKey(id string) string   { return s.prefix + "dirs/" + id + ".json" }

func (s *BlobCAS) Pin(ctx context.Context, dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("read batch dir %s: %w", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var m Manifest
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return "", fmt.Errorf("read %s: %w", e.Name(), err)
		}
		leaf, err := LeafCID(data)
		if err != nil {
			return "", err
		}
		if err := s.putIfAbsent(ctx, s.blockKey(leaf.String()), data); err != nil {
			return "", err
		}
		m.Links = append(m.Links, Link{Name: e.Name(), CID: leaf.String(), Size: int64(len(data))})
	}
	if len(m.Links) == 0 {
		return "", fmt.Errorf("%w: %s", ErrEmptyBatch, dir)
	}

	encoded, err := m.encode()
	if err != nil {
		return "", fmt.Errorf("encode manifest: %w", err)
	}
	root, err := DirCID(encoded)
	if err != nil {
		return "", err
	}
	if err := s.putIfAbsent(ctx, s.dirKey(root.String()), encoded); err != nil {
		return "", err
	}

	s.log.Debug("pinned batch", "dir", dir, "cid", root.String(), "files", len(m.Links))
	return root.String(), nil
}

// putIfAbsent writes data unless key already exists; content addressing makes
// the existing object identical.
func (s *BlobCAS) putIfAbsent(ctx context.Context, key string, data []byte) error {
	exists, err := s.bucket.Exists(ctx, key)
	if err != nil {
		return fmt.Errorf("check %s: %w", key, err)
	}
	if exists {
		return nil
	}

	w, err := s.bucket.NewWriter(ctx, key, nil)
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", key, err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", key, err)
	}
	return nil
}

func (s *BlobCAS) Stat(ctx context.Context, id string) (int64, error) {
	encoded, m, err := s.readManifest(ctx, id)
	if err == nil {
		return m.CumulativeSize(encoded), nil
	}
	if gcerrors.Code(err) != gcerrors.NotFound {
		return 0, err
	}

	attrs, err := s.bucket.Attributes(ctx, s.blockKey(id))
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return 0, fmt.Errorf("stat block %s: %w", id, err)
	}
	return attrs.Size, nil
}

func (s *BlobCAS) Ls(ctx context.Context, id string) ([]Link, error) {
	_, m, err := s.readManifest(ctx, id)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	return m.Links, nil
}

func (s *BlobCAS) readManifest(ctx context.Context, id string) ([]byte, Manifest, error) {
	r, err := s.bucket.NewReader(ctx, s.dirKey(id), nil)
	if err != nil {
		return nil, Manifest{}, err
	}
	defer r.Close()

	encoded, err := io.ReadAll(r)
	if err != nil {
		return nil, Manifest{}, fmt.Errorf("read manifest %s: %w", id, err)
	}
	var m Manifest
	if err := json.Unmarshal(encoded, &m); err != nil {
		return nil, Manifest{}, fmt.Errorf("parse manifest %s: %w", id, err)
	}
	return encoded, m, nil
}

// Close releases the bucket connection.
func (s *BlobCAS) Close() error {
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}
