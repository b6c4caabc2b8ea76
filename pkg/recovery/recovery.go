// Package recovery implements the Recovery Pre-Pass of spec §4.M: before a
// run starts, it reconciles the prior manifest's succeeded artifacts with
// on-disk blob reality, rewriting any artifact whose blob vanished
// out-of-band as failed so the planner re-marks it dirty.
package recovery

import (
	"context"
	"fmt"
	"sort"

	"github.com/forgekit/mosaic/pkg/blobstore"
	"github.com/forgekit/mosaic/pkg/eventlog"
	"github.com/forgekit/mosaic/pkg/manifest"
)

// Summary is the RecoveryPrepassSummary of spec §4.M, joined into the Plan
// Explanation shown to the caller.
type Summary struct {
	CheckedArtifactIDs   []string `json:"checkedArtifactIds"`
	RecoveredArtifactIDs []string `json:"recoveredArtifactIds"`
	PendingArtifactIDs   []string `json:"pendingArtifactIds"`
	FailedArtifactIDs    []string `json:"failedArtifactIds"`
	FailedRecoveries     []string `json:"failedRecoveries"`
}

// Prepass reconciles a manifest against the blob store of one movie.
type Prepass struct {
	log   *eventlog.Log
	blobs blobstore.Store
}

// New builds a Prepass over log and blobs.
func New(log *eventlog.Log, blobs blobstore.Store) *Prepass {
	return &Prepass{log: log, blobs: blobs}
}

// Run walks prior's artefacts, verifying every succeeded entry's blob
// exists. A missing blob is marked pending and rewritten as a failed
// artifact event with diagnostic "recovery_missing_blob", per spec §4.M.
func (p *Prepass) Run(ctx context.Context, movieID string, prior manifest.Manifest) (Summary, error) {
	var summary Summary

	ids := make([]string, 0, len(prior.Artefacts))
	for id := range prior.Artefacts {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		entry := prior.Artefacts[id]

		if entry.Status == eventlog.StatusFailed {
			summary.FailedArtifactIDs = append(summary.FailedArtifactIDs, id)
			continue
		}
		if entry.Status != eventlog.StatusSucceeded || entry.Blob == nil {
			summary.PendingArtifactIDs = append(summary.PendingArtifactIDs, id)
			continue
		}

		summary.CheckedArtifactIDs = append(summary.CheckedArtifactIDs, id)

		exists, err := p.blobs.Exists(ctx, movieID, entry.Blob.Hash)
		if err != nil {
			return summary, fmt.Errorf("recovery: check blob for %s: %w", id, err)
		}
		if exists {
			continue
		}

		summary.PendingArtifactIDs = append(summary.PendingArtifactIDs, id)
		err = p.log.AppendArtifact(ctx, movieID, eventlog.ArtifactEvent{
			ArtifactID: id,
			Revision:   prior.Revision,
			InputsHash: entry.InputsHash,
			Status:     eventlog.StatusFailed,
			ProducedBy: entry.ProducedBy,
			Diagnostics: map[string]any{
				"reason": "recovery_missing_blob",
				"hash":   entry.Blob.Hash,
			},
		})
		if err != nil {
			// Per spec §7, a write failure while recording a failure is
			// fatal — without a durable failure record the manifest can't
			// be rebuilt coherently — so this escapes Run rather than
			// being folded into FailedRecoveries silently.
			summary.FailedRecoveries = append(summary.FailedRecoveries, id)
			return summary, fmt.Errorf("recovery: append failed event for %s: %w", id, err)
		}
		summary.RecoveredArtifactIDs = append(summary.RecoveredArtifactIDs, id)
	}

	return summary, nil
}
