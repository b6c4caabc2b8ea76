// Package blobstore implements the content-addressed Blob Store of spec
// §4.C: payloads are written once under blobs/<prefix>/<hash>[.ext] keyed by
// their SHA-256 digest, and re-writing identical content is a no-op.
package blobstore

import (
	"context"
	"fmt"
	"path"

	"github.com/forgekit/mosaic/pkg/hashing"
	"github.com/forgekit/mosaic/pkg/storagectx"
)

// Ref identifies one stored blob, per spec §3 ("Blob").
type Ref struct {
	Hash     string `json:"hash"`
	Size     int    `json:"size"`
	MimeType string `json:"mime_type,omitempty"`
}

// Store is the content-addressed blob persistence contract.
type Store interface {
	Put(ctx context.Context, movieID string, payload []byte, mimeType string) (Ref, error)
	Get(ctx context.Context, movieID string, ref Ref) ([]byte, error)
	Exists(ctx context.Context, movieID string, hash string) (bool, error)
}

// PathResolver is implemented by Store backends that can expose a blob's
// storage-relative path without reading its bytes, per spec §4.L.
type PathResolver interface {
	Path(movieID string, ref Ref) string
}

// extensionByMime maps well-known mime types to the file extension used in
// the blob's storage key, per spec §4.C's "extension inferred from mime
// type" note.
var extensionByMime = map[string]string{
	"application/json": ".json",
	"text/plain":        ".txt",
	"image/png":         ".png",
	"image/jpeg":        ".jpg",
	"audio/mpeg":        ".mp3",
	"audio/wav":         ".wav",
	"video/mp4":         ".mp4",
}

func extensionFor(mimeType string) string {
	if ext, ok := extensionByMime[mimeType]; ok {
		return ext
	}
	return ""
}

// key builds the blobs/<prefix>/<hash>[.ext] path relative to a movie root.
func key(hash, mimeType string) string {
	prefix := hash
	if len(prefix) > 2 {
		prefix = hash[:2]
	}
	return path.Join("blobs", prefix, hash+extensionFor(mimeType))
}

// FileStore is a storagectx.Backend-backed Store (local disk or in-memory
// staging, per spec §4.A), grounded on the teacher's FileStore atomic-write
// discipline in pkg/artifacts/store.go.
type FileStore struct {
	ctx *storagectx.Context
}

// NewFileStore builds a Store over an existing storage Context.
func NewFileStore(ctx *storagectx.Context) *FileStore {
	return &FileStore{ctx: ctx}
}

func (s *FileStore) Put(ctx context.Context, movieID string, payload []byte, mimeType string) (Ref, error) {
	hash := hashing.Sum256Hex(payload)
	ref := Ref{Hash: hash, Size: len(payload), MimeType: mimeType}

	p := s.ctx.MoviePath(movieID, key(hash, mimeType))
	exists, err := s.ctx.Backend().Exists(ctx, p)
	if err != nil {
		return Ref{}, fmt.Errorf("blobstore: check existing blob: %w", err)
	}
	if exists {
		return ref, nil
	}

	if err := s.ctx.Backend().Write(ctx, p, payload, storagectx.WriteOptions{MimeType: mimeType}); err != nil {
		return Ref{}, fmt.Errorf("blobstore: write blob %s: %w", hash, err)
	}
	return ref, nil
}

func (s *FileStore) Get(ctx context.Context, movieID string, ref Ref) ([]byte, error) {
	p := s.ctx.MoviePath(movieID, key(ref.Hash, ref.MimeType))
	data, err := s.ctx.Backend().ReadBytes(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("blobstore: read blob %s: %w", ref.Hash, err)
	}
	return data, nil
}

// Path returns the storage-relative path for ref within movieID, for
// callers that stream a blob directly to an external renderer rather than
// reading it through Get, per spec §4.L's resolveArtifactBlobPaths.
func (s *FileStore) Path(movieID string, ref Ref) string {
	return s.ctx.MoviePath(movieID, key(ref.Hash, ref.MimeType))
}

func (s *FileStore) Exists(ctx context.Context, movieID string, hash string) (bool, error) {
	// Extension is unknown from hash alone; probe every known extension plus
	// the extensionless form, matching how the resolver only ever has a hash
	// on hand when checking recovery state (spec §4.M).
	candidates := append([]string{""}, extensionValues()...)
	for _, ext := range candidates {
		prefix := hash
		if len(prefix) > 2 {
			prefix = hash[:2]
		}
		p := s.ctx.MoviePath(movieID, path.Join("blobs", prefix, hash+ext))
		ok, err := s.ctx.Backend().Exists(ctx, p)
		if err != nil {
			return false, fmt.Errorf("blobstore: exists check for %s: %w", hash, err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func extensionValues() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, ext := range extensionByMime {
		if _, ok := seen[ext]; ok {
			continue
		}
		seen[ext] = struct{}{}
		out = append(out, ext)
	}
	return out
}
