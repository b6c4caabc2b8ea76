package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/forgekit/mosaic/pkg/hashing"
)

// S3Config configures an S3-backed Store, grounded on the teacher's
// artifacts.S3StoreConfig.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string // custom endpoint for MinIO/LocalStack-style testing
}

// S3Store persists blobs in an S3 bucket under
// <movieID>/blobs/<prefix>/<hash>[.ext].
type S3Store struct {
	client *s3.Client
	bucket string
}

// NewS3Store builds an S3-backed Store.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
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

	return &S3Store{client: client, bucket: cfg.Bucket}, nil
}

func (s *S3Store) objectKey(movieID, hash, mimeType string) string {
	prefix := hash
	if len(prefix) > 2 {
		prefix = hash[:2]
	}
	return path.Join(movieID, "blobs", prefix, hash+extensionFor(mimeType))
}

func (s *S3Store) Put(ctx context.Context, movieID string, payload []byte, mimeType string) (Ref, error) {
	hash := hashing.Sum256Hex(payload)
	ref := Ref{Hash: hash, Size: len(payload), MimeType: mimeType}
	key := s.objectKey(movieID, hash, mimeType)

	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err == nil {
		return ref, nil
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String(mimeType),
	})
	if err != nil {
		return Ref{}, fmt.Errorf("blobstore: s3 put %s: %w", hash, err)
	}
	return ref, nil
}

func (s *S3Store) Get(ctx context.Context, movieID string, ref Ref) ([]byte, error) {
	key := s.objectKey(movieID, ref.Hash, ref.MimeType)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		return nil, fmt.Errorf("blobstore: s3 get %s: %w", ref.Hash, err)
	}
	defer func() { _ = out.Body.Close() }()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("blobstore: s3 read body %s: %w", ref.Hash, err)
	}
	return data, nil
}

func (s *S3Store) Exists(ctx context.Context, movieID string, hash string) (bool, error) {
	for _, ext := range append([]string{""}, extensionValues()...) {
		prefix := hash
		if len(prefix) > 2 {
			prefix = hash[:2]
		}
		key := path.Join(movieID, "blobs", prefix, hash+ext)
		_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
		if err == nil {
			return true, nil
		}
	}
	return false, nil
}
