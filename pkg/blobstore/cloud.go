package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"cloud.google.com/go/storage"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/forgekit/mosaic/pkg/hashing"
)

// S3StoreConfig configures an S3-backed Store, grounded on the teacher's
// pkg/artifacts/s3_store.go.
type S3StoreConfig struct {
	Bucket   string
	Region   string
	Endpoint string // custom endpoint, for MinIO/LocalStack
	Prefix   string
}

// S3Store implements Store and PathResolver against an S3 bucket, keyed by
// the same blobs/<prefix>/<hash>[.ext] layout FileStore uses on disk, so a
// movie's blob layout is identical across backends.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Store builds an S3-backed Store.
func NewS3Store(ctx context.Context, cfg S3StoreConfig) (*S3Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("blobstore: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Store{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *S3Store) objectKey(movieID, hash, mimeType string) string {
	return path.Join(s.prefix, movieID, key(hash, mimeType))
}

func (s *S3Store) Put(ctx context.Context, movieID string, payload []byte, mimeType string) (Ref, error) {
	hash := hashing.Sum256Hex(payload)
	ref := Ref{Hash: hash, Size: len(payload), MimeType: mimeType}
	objKey := s.objectKey(movieID, hash, mimeType)

	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(objKey)}); err == nil {
		return ref, nil
	}

	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(objKey),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String(mimeType),
	}); err != nil {
		return Ref{}, fmt.Errorf("blobstore: s3 put %s: %w", objKey, err)
	}
	return ref, nil
}

func (s *S3Store) Get(ctx context.Context, movieID string, ref Ref) ([]byte, error) {
	objKey := s.objectKey(movieID, ref.Hash, ref.MimeType)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(objKey)})
	if err != nil {
		return nil, fmt.Errorf("blobstore: s3 get %s: %w", objKey, err)
	}
	defer func() { _ = out.Body.Close() }()
	return io.ReadAll(out.Body)
}

func (s *S3Store) Exists(ctx context.Context, movieID string, hash string) (bool, error) {
	for _, objKey := range s.candidateKeys(movieID, hash) {
		if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(objKey)}); err == nil {
			return true, nil
		}
	}
	return false, nil
}

// Path implements PathResolver so the Runner can attach binary artifacts'
// storage locations without an extra round trip, per spec §4.L.
func (s *S3Store) Path(movieID string, ref Ref) string {
	return s.objectKey(movieID, ref.Hash, ref.MimeType)
}

func (s *S3Store) candidateKeys(movieID, hash string) []string {
	prefix := hash
	if len(prefix) > 2 {
		prefix = hash[:2]
	}
	out := make([]string, 0, len(extensionValues())+1)
	for _, ext := range append([]string{""}, extensionValues()...) {
		out = append(out, path.Join(s.prefix, movieID, "blobs", prefix, hash+ext))
	}
	return out
}

// GCSStoreConfig configures a GCS-backed Store, grounded on the teacher's
// pkg/artifacts/gcs_store.go.
type GCSStoreConfig struct {
	Bucket string
	Prefix string
}

// GCSStore implements Store and PathResolver against a GCS bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSStore builds a GCS-backed Store using application default credentials.
func NewGCSStore(ctx context.Context, cfg GCSStoreConfig) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("blobstore: gcs client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSStore) objectKey(movieID, hash, mimeType string) string {
	return path.Join(s.prefix, movieID, key(hash, mimeType))
}

func (s *GCSStore) Put(ctx context.Context, movieID string, payload []byte, mimeType string) (Ref, error) {
	hash := hashing.Sum256Hex(payload)
	ref := Ref{Hash: hash, Size: len(payload), MimeType: mimeType}
	obj := s.client.Bucket(s.bucket).Object(s.objectKey(movieID, hash, mimeType))

	if _, err := obj.Attrs(ctx); err == nil {
		return ref, nil
	}

	w := obj.NewWriter(ctx)
	w.ContentType = mimeType
	if _, err := w.Write(payload); err != nil {
		_ = w.Close()
		return Ref{}, fmt.Errorf("blobstore: gcs write: %w", err)
	}
	if err := w.Close(); err != nil {
		return Ref{}, fmt.Errorf("blobstore: gcs close: %w", err)
	}
	return ref, nil
}

func (s *GCSStore) Get(ctx context.Context, movieID string, ref Ref) ([]byte, error) {
	obj := s.client.Bucket(s.bucket).Object(s.objectKey(movieID, ref.Hash, ref.MimeType))
	r, err := obj.NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("blobstore: gcs read: %w", err)
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

func (s *GCSStore) Exists(ctx context.Context, movieID string, hash string) (bool, error) {
	prefix := hash
	if len(prefix) > 2 {
		prefix = hash[:2]
	}
	for _, ext := range append([]string{""}, extensionValues()...) {
		objKey := path.Join(s.prefix, movieID, "blobs", prefix, hash+ext)
		_, err := s.client.Bucket(s.bucket).Object(objKey).Attrs(ctx)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, storage.ErrObjectNotExist) {
			return false, fmt.Errorf("blobstore: gcs attrs %s: %w", objKey, err)
		}
	}
	return false, nil
}

// Path implements PathResolver for the GCS backend.
func (s *GCSStore) Path(movieID string, ref Ref) string {
	return s.objectKey(movieID, ref.Hash, ref.MimeType)
}
