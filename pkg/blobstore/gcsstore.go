package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/forgekit/mosaic/pkg/hashing"
)

// GCSConfig configures a Google Cloud Storage-backed Store.
type GCSConfig struct {
	Bucket string
}

// GCSStore persists blobs in a GCS bucket under the same
// <movieID>/blobs/<prefix>/<hash>[.ext] layout as the local and S3 backends.
type GCSStore struct {
	client *storage.Client
	bucket string
}

// NewGCSStore builds a GCS-backed Store.
func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("blobstore: gcs client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket}, nil
}

func (s *GCSStore) objectKey(movieID, hash, mimeType string) string {
	prefix := hash
	if len(prefix) > 2 {
		prefix = hash[:2]
	}
	return path.Join(movieID, "blobs", prefix, hash+extensionFor(mimeType))
}

func (s *GCSStore) Put(ctx context.Context, movieID string, payload []byte, mimeType string) (Ref, error) {
	hash := hashing.Sum256Hex(payload)
	ref := Ref{Hash: hash, Size: len(payload), MimeType: mimeType}
	obj := s.client.Bucket(s.bucket).Object(s.objectKey(movieID, hash, mimeType))

	if _, err := obj.Attrs(ctx); err == nil {
		return ref, nil
	} else if !errors.Is(err, storage.ErrObjectNotExist) {
		return Ref{}, fmt.Errorf("blobstore: gcs stat %s: %w", hash, err)
	}

	w := obj.NewWriter(ctx)
	w.ContentType = mimeType
	if _, err := w.Write(payload); err != nil {
		return Ref{}, fmt.Errorf("blobstore: gcs write %s: %w", hash, err)
	}
	if err := w.Close(); err != nil {
		return Ref{}, fmt.Errorf("blobstore: gcs commit %s: %w", hash, err)
	}
	return ref, nil
}

func (s *GCSStore) Get(ctx context.Context, movieID string, ref Ref) ([]byte, error) {
	obj := s.client.Bucket(s.bucket).Object(s.objectKey(movieID, ref.Hash, ref.MimeType))
	r, err := obj.NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("blobstore: gcs read %s: %w", ref.Hash, err)
	}
	defer func() { _ = r.Close() }()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("blobstore: gcs read body %s: %w", ref.Hash, err)
	}
	return data, nil
}

func (s *GCSStore) Exists(ctx context.Context, movieID string, hash string) (bool, error) {
	for _, ext := range append([]string{""}, extensionValues()...) {
		prefix := hash
		if len(prefix) > 2 {
			prefix = hash[:2]
		}
		key := path.Join(movieID, "blobs", prefix, hash+ext)
		_, err := s.client.Bucket(s.bucket).Object(key).Attrs(ctx)
		if err == nil {
			return true, nil
		}
	}
	return false, nil
}

// listPrefix enumerates the object names under a movie's blob prefix.
// Nothing in this module calls it.
func (s *GCSStore) listPrefix(ctx context.Context, movieID string) ([]string, error) {
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: path.Join(movieID, "blobs") + "/"})
	var names []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("blobstore: gcs list %s: %w", movieID, err)
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}
