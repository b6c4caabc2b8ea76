// Package resolve implements the Artifact Resolver of spec §4.L: given a
// set of artifact IDs, it walks the artifact event log to find each one's
// most recent succeeded event, streams its blob, and decodes it into a
// tagged payload the runner and condition engine can dispatch on without
// resorting to structural duck typing (spec §9).
package resolve

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/forgekit/mosaic/pkg/blobstore"
	"github.com/forgekit/mosaic/pkg/eventlog"
	"github.com/forgekit/mosaic/pkg/forgeerr"
)

// Kind tags the decoded shape of a resolved artifact payload.
type Kind string

const (
	KindJSON   Kind = "json"
	KindText   Kind = "text"
	KindBinary Kind = "binary"
)

// Payload is the resolver's tagged union over one artifact's decoded blob.
type Payload struct {
	Kind     Kind
	JSON     any
	Text     string
	Bytes    []byte
	MimeType string
	Blob     blobstore.Ref
}

// Resolver resolves artifact IDs against the event log and blob store of
// one movie.
type Resolver struct {
	log   *eventlog.Log
	blobs blobstore.Store
}

// New builds a Resolver over log and blobs.
func New(log *eventlog.Log, blobs blobstore.Store) *Resolver {
	return &Resolver{log: log, blobs: blobs}
}

// latestByArtifact folds the artifact event log, keeping the most recent
// event per artifact ID (later events in append order win, matching the
// manifest-fold rule of spec §3).
func (r *Resolver) latestByArtifact(ctx context.Context, movieID string) (map[string]eventlog.ArtifactEvent, error) {
	events, err := r.log.ReadArtifactEvents(ctx, movieID)
	if err != nil {
		return nil, fmt.Errorf("resolve: read artifact events: %w", err)
	}
	latest := make(map[string]eventlog.ArtifactEvent, len(events))
	for _, ev := range events {
		latest[ev.ArtifactID] = ev
	}
	return latest, nil
}

// ResolveArtifacts fetches and decodes the most recent succeeded payload
// for each of artifactIDs. An artifact that was never produced, or whose
// latest event is not succeeded, is simply absent from the returned map —
// callers distinguish "absent" from "failed" via FindFailedArtifacts, per
// spec §4.L and the Open Question decision in DESIGN.md.
func (r *Resolver) ResolveArtifacts(ctx context.Context, movieID string, artifactIDs []string) (map[string]Payload, error) {
	latest, err := r.latestByArtifact(ctx, movieID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Payload, len(artifactIDs))
	for _, id := range artifactIDs {
		ev, ok := latest[id]
		if !ok || ev.Status != eventlog.StatusSucceeded || ev.Output.Blob == nil {
			continue
		}
		data, err := r.blobs.Get(ctx, movieID, *ev.Output.Blob)
		if err != nil {
			return nil, forgeerr.Resolution(forgeerr.CodeArtifactResolutionFailed,
				fmt.Sprintf("read blob for %s: %v", id, err))
		}
		out[id] = decode(data, *ev.Output.Blob)
	}
	return out, nil
}

// FindFailedArtifacts returns the subset of artifactIDs whose most recent
// event is status failed, per spec §4.L.
func (r *Resolver) FindFailedArtifacts(ctx context.Context, movieID string, artifactIDs []string) ([]string, error) {
	latest, err := r.latestByArtifact(ctx, movieID)
	if err != nil {
		return nil, err
	}
	var failed []string
	for _, id := range artifactIDs {
		if ev, ok := latest[id]; ok && ev.Status == eventlog.StatusFailed {
			failed = append(failed, id)
		}
	}
	return failed, nil
}

// ResolveArtifactBlobPaths returns artifactID -> storage-relative blob path
// for direct streaming to external renderers, per spec §4.L. resolver is
// typically the blobstore.FileStore backing this movie.
func (r *Resolver) ResolveArtifactBlobPaths(ctx context.Context, movieID string, artifactIDs []string, resolver blobstore.PathResolver) (map[string]string, error) {
	latest, err := r.latestByArtifact(ctx, movieID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(artifactIDs))
	for _, id := range artifactIDs {
		ev, ok := latest[id]
		if !ok || ev.Output.Blob == nil {
			continue
		}
		out[id] = resolver.Path(movieID, *ev.Output.Blob)
	}
	return out, nil
}

func decode(data []byte, ref blobstore.Ref) Payload {
	switch {
	case ref.MimeType == "application/json":
		var v any
		if err := json.Unmarshal(data, &v); err == nil {
			return Payload{Kind: KindJSON, JSON: v, MimeType: ref.MimeType, Blob: ref}
		}
		return Payload{Kind: KindBinary, Bytes: data, MimeType: ref.MimeType, Blob: ref}
	case strings.HasPrefix(ref.MimeType, "text/"):
		return Payload{Kind: KindText, Text: string(data), MimeType: ref.MimeType, Blob: ref}
	default:
		return Payload{Kind: KindBinary, Bytes: data, MimeType: ref.MimeType, Blob: ref}
	}
}
