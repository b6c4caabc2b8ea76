package manifest

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLIndex is an optional, additive secondary index of
// (movie_id, revision, artifact_id) -> blob hash, kept alongside the
// authoritative JSON manifest for fast point lookups (e.g. "has this
// artifact ever succeeded, at which hash") without re-reading and decoding
// a full revisions/<rev>.json file. It is never the source of truth: per
// spec invariant 3, folding the event log must still reproduce the JSON
// manifest byte-for-byte, and a failed index write never fails a build.
type SQLIndex struct {
	db *sql.DB
}

// OpenSQLIndex opens (creating if absent) a sqlite database at path and
// ensures its schema exists.
func OpenSQLIndex(path string) (*SQLIndex, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("manifest: open sqlite index: %w", err)
	}
	idx := &SQLIndex{db: db}
	if err := idx.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *SQLIndex) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS artefact_index (
	movie_id    TEXT NOT NULL,
	revision    TEXT NOT NULL,
	artifact_id TEXT NOT NULL,
	status      TEXT NOT NULL,
	blob_hash   TEXT NOT NULL DEFAULT '',
	inputs_hash TEXT NOT NULL DEFAULT '',
	produced_by TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (movie_id, revision, artifact_id)
);
CREATE INDEX IF NOT EXISTS idx_artefact_index_artifact ON artefact_index (movie_id, artifact_id);
`
	_, err := idx.db.ExecContext(context.Background(), schema)
	if err != nil {
		return fmt.Errorf("manifest: migrate sqlite index: %w", err)
	}
	return nil
}

// Record upserts one row per artefact in m, keyed by (movieID, m.Revision,
// artifactID). The caller (Service.persist) discards a non-nil error
// without logging it, so a failed index write never fails the build.
func (idx *SQLIndex) Record(ctx context.Context, movieID string, m Manifest) error {
	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("manifest: begin sqlite index tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO artefact_index (movie_id, revision, artifact_id, status, blob_hash, inputs_hash, produced_by)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (movie_id, revision, artifact_id) DO UPDATE SET
			status = excluded.status,
			blob_hash = excluded.blob_hash,
			inputs_hash = excluded.inputs_hash,
			produced_by = excluded.produced_by
	`)
	if err != nil {
		return fmt.Errorf("manifest: prepare sqlite index upsert: %w", err)
	}
	defer stmt.Close()

	for artifactID, entry := range m.Artefacts {
		if _, err := stmt.ExecContext(ctx, movieID, m.Revision.String(), artifactID,
			string(entry.Status), entry.Hash, entry.InputsHash, entry.ProducedBy); err != nil {
			return fmt.Errorf("manifest: upsert sqlite index row %s: %w", artifactID, err)
		}
	}
	return tx.Commit()
}

// LastHash returns the blob hash most recently indexed for artifactID in
// movieID, across any revision, or ("", false) if never indexed.
func (idx *SQLIndex) LastHash(ctx context.Context, movieID, artifactID string) (string, bool, error) {
	row := idx.db.QueryRowContext(ctx, `
		SELECT blob_hash FROM artefact_index
		WHERE movie_id = ? AND artifact_id = ?
		ORDER BY revision DESC LIMIT 1
	`, movieID, artifactID)
	var hash string
	if err := row.Scan(&hash); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("manifest: query sqlite index: %w", err)
	}
	return hash, true, nil
}

// Close releases the underlying database handle.
func (idx *SQLIndex) Close() error {
	return idx.db.Close()
}
