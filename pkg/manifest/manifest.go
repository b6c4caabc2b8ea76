// Package manifest implements the Manifest Service of spec §4.E: folding
// the append-only event log into an immutable per-revision snapshot and
// advancing the current.json commit pointer.
package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/forgekit/mosaic/pkg/blobstore"
	"github.com/forgekit/mosaic/pkg/eventlog"
	"github.com/forgekit/mosaic/pkg/forgeerr"
	"github.com/forgekit/mosaic/pkg/revision"
	"github.com/forgekit/mosaic/pkg/storagectx"
)

// InputEntry is the manifest-folded view of the latest InputEvent for one
// input ID.
type InputEntry struct {
	PayloadDigest string         `json:"payload_digest"`
	Blob          *blobstore.Ref `json:"blob,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// ArtefactEntry is the manifest-folded view of the latest ArtifactEvent for
// one artifact ID, per spec §3.
type ArtefactEntry struct {
	Hash        string                  `json:"hash,omitempty"`
	Blob        *blobstore.Ref          `json:"blob,omitempty"`
	ProducedBy  string                  `json:"produced_by"`
	Status      eventlog.ArtifactStatus `json:"status"`
	InputsHash  string                  `json:"inputs_hash"`
	CreatedAt   time.Time               `json:"created_at"`
	Diagnostics map[string]any          `json:"diagnostics,omitempty"`
}

// Manifest is the folded, immutable state of inputs and artifacts at one
// revision, per spec §3.
type Manifest struct {
	Revision  revision.Revision        `json:"revision"`
	Inputs    map[string]InputEntry    `json:"inputs"`
	Artefacts map[string]ArtefactEntry `json:"artefacts"`
	CreatedAt time.Time                `json:"created_at"`
}

// Pointer is the current.json contents: the single commit point per spec
// invariant 4.
type Pointer struct {
	Revision     revision.Revision `json:"revision"`
	ManifestPath string            `json:"manifestPath"`
}

// Clock supplies manifest timestamps; injectable for deterministic tests.
type Clock func() time.Time

// Service builds and persists manifests from a storage context and event log.
type Service struct {
	storage *storagectx.Context
	log     *eventlog.Log
	clock   Clock
	index   *SQLIndex
}

// New builds a manifest Service.
func New(storage *storagectx.Context, log *eventlog.Log) *Service {
	return &Service{storage: storage, log: log, clock: time.Now}
}

// WithClock returns a copy of s using clock for manifest timestamps.
func (s *Service) WithClock(clock Clock) *Service {
	return &Service{storage: s.storage, log: s.log, clock: clock, index: s.index}
}

// WithSQLIndex returns a copy of s that additionally maintains an optional
// sqlite-backed secondary index of every folded manifest, per SPEC_FULL.md's
// SQL-backed manifest index supplement. The index is additive: a write
// failure is swallowed, never propagated, since the JSON manifest remains
// the sole source of truth (spec invariant 3).
func (s *Service) WithSQLIndex(index *SQLIndex) *Service {
	return &Service{storage: s.storage, log: s.log, clock: s.clock, index: index}
}

// BuildOptions parameterizes BuildFromEvents per spec §4.E.
type BuildOptions struct {
	MovieID        string
	TargetRevision revision.Revision
}

// BuildFromEvents reads every input/artifact event for the movie, folds by
// taking the latest event per ID, writes revisions/<rev>.json, and advances
// current.json atomically. Fails with CodeManifestBuildFailed if two events
// in the target revision claim the same artifact with conflicting
// ProducedBy, per spec §4.E.
func (s *Service) BuildFromEvents(ctx context.Context, opts BuildOptions) (Manifest, error) {
	inputEvents, err := s.log.ReadInputEvents(ctx, opts.MovieID)
	if err != nil {
		return Manifest{}, fmt.Errorf("manifest: read input events: %w", err)
	}
	artifactEvents, err := s.log.ReadArtifactEvents(ctx, opts.MovieID)
	if err != nil {
		return Manifest{}, fmt.Errorf("manifest: read artifact events: %w", err)
	}

	m := Manifest{
		Revision:  opts.TargetRevision,
		Inputs:    make(map[string]InputEntry),
		Artefacts: make(map[string]ArtefactEntry),
		CreatedAt: s.clock(),
	}

	for _, ev := range inputEvents {
		m.Inputs[ev.InputID] = InputEntry{
			PayloadDigest: ev.PayloadDigest,
			Blob:          ev.Blob,
			CreatedAt:     ev.CreatedAt,
		}
	}

	producedBy := make(map[string]string)
	for _, ev := range artifactEvents {
		if ev.Revision == opts.TargetRevision {
			if prior, ok := producedBy[ev.ArtifactID]; ok && prior != ev.ProducedBy {
				return Manifest{}, forgeerr.Runtime(forgeerr.CodeManifestBuildFailed,
					fmt.Sprintf("conflicting producers for %s in %s: %s vs %s", ev.ArtifactID, opts.TargetRevision, prior, ev.ProducedBy))
			}
			producedBy[ev.ArtifactID] = ev.ProducedBy
		}

		hash := ""
		var blob *blobstore.Ref
		if ev.Output.Blob != nil {
			hash = ev.Output.Blob.Hash
			blob = ev.Output.Blob
		}
		m.Artefacts[ev.ArtifactID] = ArtefactEntry{
			Hash:        hash,
			Blob:        blob,
			ProducedBy:  ev.ProducedBy,
			Status:      ev.Status,
			InputsHash:  ev.InputsHash,
			CreatedAt:   ev.CreatedAt,
			Diagnostics: ev.Diagnostics,
		}
	}

	if err := s.persist(ctx, opts.MovieID, m); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

func (s *Service) revisionPath(movieID string, rev revision.Revision) string {
	return s.storage.MoviePath(movieID, "revisions", rev.String()+".json")
}

func (s *Service) currentPath(movieID string) string {
	return s.storage.MoviePath(movieID, "current.json")
}

func (s *Service) persist(ctx context.Context, movieID string, m Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("manifest: marshal: %w", err)
	}
	if err := s.storage.Backend().Write(ctx, s.revisionPath(movieID, m.Revision), data, storagectx.WriteOptions{MimeType: "application/json"}); err != nil {
		return fmt.Errorf("manifest: write revision: %w", err)
	}

	ptr := Pointer{Revision: m.Revision, ManifestPath: s.revisionPath(movieID, m.Revision)}
	ptrData, err := json.MarshalIndent(ptr, "", "  ")
	if err != nil {
		return fmt.Errorf("manifest: marshal pointer: %w", err)
	}
	// Write-then-rename semantics live inside storagectx.Local.Write; this
	// single call is the commit point for invariant 4.
	if err := s.storage.Backend().Write(ctx, s.currentPath(movieID), ptrData, storagectx.WriteOptions{MimeType: "application/json"}); err != nil {
		return fmt.Errorf("manifest: advance current.json: %w", err)
	}

	if s.index != nil {
		// Best-effort secondary index: never roll back a durable build over
		// this failing, per the Open Question decision in DESIGN.md.
		_ = s.index.Record(ctx, movieID, m)
	}
	return nil
}

// LoadRevision reads a previously-persisted manifest by revision.
func (s *Service) LoadRevision(ctx context.Context, movieID string, rev revision.Revision) (Manifest, error) {
	data, err := s.storage.Backend().ReadBytes(ctx, s.revisionPath(movieID, rev))
	if err != nil {
		return Manifest{}, fmt.Errorf("manifest: read revision %s: %w", rev, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("manifest: decode revision %s: %w", rev, err)
	}
	return m, nil
}

// Current reads current.json and loads the manifest it points to. Returns
// forgeerr.CodeMissingManifest if no run has ever committed for this movie.
func (s *Service) Current(ctx context.Context, movieID string) (Manifest, error) {
	data, err := s.storage.Backend().ReadBytes(ctx, s.currentPath(movieID))
	if err != nil {
		return Manifest{}, forgeerr.Runtime(forgeerr.CodeMissingManifest, fmt.Sprintf("no current manifest for movie %s", movieID))
	}
	var ptr Pointer
	if err := json.Unmarshal(data, &ptr); err != nil {
		return Manifest{}, fmt.Errorf("manifest: decode current.json: %w", err)
	}
	return s.LoadRevision(ctx, movieID, ptr.Revision)
}
