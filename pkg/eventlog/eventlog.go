// Package eventlog implements the append-only JSONL event logs of spec
// §4.D: events/inputs.log and events/artefacts.log. Writers append one
// newline-terminated JSON line per event; readers tolerate a trailing
// partial line (the recovery pre-pass truncates it).
package eventlog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgekit/mosaic/pkg/blobstore"
	"github.com/forgekit/mosaic/pkg/revision"
	"github.com/forgekit/mosaic/pkg/storagectx"
)

// ArtifactStatus mirrors spec §3's Artifact Event status enum.
type ArtifactStatus string

const (
	StatusSucceeded ArtifactStatus = "succeeded"
	StatusFailed    ArtifactStatus = "failed"
	StatusSkipped   ArtifactStatus = "skipped"
)

// InputEvent records one blueprint-input binding for a revision, per spec §3.
type InputEvent struct {
	EventID       string            `json:"event_id"`
	InputID       string            `json:"input_id"`
	Revision      revision.Revision `json:"revision"`
	PayloadDigest string            `json:"payload_digest"`
	Blob          *blobstore.Ref    `json:"blob,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// ArtifactEvent records one producer output attempt, per spec §3.
type ArtifactEvent struct {
	EventID     string            `json:"event_id"`
	ArtifactID  string            `json:"artifact_id"`
	Revision    revision.Revision `json:"revision"`
	InputsHash  string            `json:"inputs_hash"`
	Output      ArtifactOutput    `json:"output"`
	Status      ArtifactStatus    `json:"status"`
	ProducedBy  string            `json:"produced_by"`
	Diagnostics map[string]any    `json:"diagnostics,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// ArtifactOutput carries the optional blob produced by a job.
type ArtifactOutput struct {
	Blob *blobstore.Ref `json:"blob,omitempty"`
}

// Clock supplies event timestamps; injectable for deterministic tests.
type Clock func() time.Time

// Log is the append-only event log for one storage context.
type Log struct {
	ctx   *storagectx.Context
	clock Clock
	mu    sync.Mutex
}

// New builds a Log over an existing storage Context.
func New(ctx *storagectx.Context) *Log {
	return &Log{ctx: ctx, clock: time.Now}
}

// WithClock returns a copy of l using clock for timestamps.
func (l *Log) WithClock(clock Clock) *Log {
	return &Log{ctx: l.ctx, clock: clock}
}

func (l *Log) inputsPath(movieID string) string {
	return l.ctx.MoviePath(movieID, "events", "inputs.log")
}

func (l *Log) artifactsPath(movieID string) string {
	return l.ctx.MoviePath(movieID, "events", "artefacts.log")
}

// AppendInput appends one InputEvent, assigning EventID/CreatedAt if unset.
func (l *Log) AppendInput(ctx context.Context, movieID string, ev InputEvent) error {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = l.clock()
	}
	return l.appendLine(ctx, l.inputsPath(movieID), ev)
}

// AppendArtifact appends one ArtifactEvent, assigning EventID/CreatedAt if unset.
func (l *Log) AppendArtifact(ctx context.Context, movieID string, ev ArtifactEvent) error {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = l.clock()
	}
	return l.appendLine(ctx, l.artifactsPath(movieID), ev)
}

// appendLine performs one serialized read-modify-write append. The backend
// contract (storagectx.Backend) offers no native append primitive, so the
// log reads the current bytes, appends a line, and writes back under a
// mutex — mirroring the load/save-on-write durability discipline of the
// teacher's file-backed ledger, adapted from whole-file JSON to JSONL.
func (l *Log) appendLine(ctx context.Context, path string, event any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("eventlog: marshal event: %w", err)
	}

	existing, err := l.ctx.Backend().ReadBytes(ctx, path)
	if err != nil {
		existing = nil // treat missing file as empty log
	}

	var buf bytes.Buffer
	buf.Write(existing)
	buf.Write(line)
	buf.WriteByte('\n')

	if err := l.ctx.Backend().Write(ctx, path, buf.Bytes(), storagectx.WriteOptions{MimeType: "application/x-ndjson"}); err != nil {
		return fmt.Errorf("eventlog: append to %s: %w", path, err)
	}
	return nil
}

// ReadInputEvents reads every InputEvent in append order, tolerating a
// trailing partial (unterminated) line.
func (l *Log) ReadInputEvents(ctx context.Context, movieID string) ([]InputEvent, error) {
	lines, err := l.readLines(ctx, l.inputsPath(movieID))
	if err != nil {
		return nil, err
	}
	events := make([]InputEvent, 0, len(lines))
	for _, line := range lines {
		var ev InputEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("eventlog: decode input event: %w", err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// ReadArtifactEvents reads every ArtifactEvent in append order, per spec
// §4.D's readArtefactEvents.
func (l *Log) ReadArtifactEvents(ctx context.Context, movieID string) ([]ArtifactEvent, error) {
	lines, err := l.readLines(ctx, l.artifactsPath(movieID))
	if err != nil {
		return nil, err
	}
	events := make([]ArtifactEvent, 0, len(lines))
	for _, line := range lines {
		var ev ArtifactEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("eventlog: decode artifact event: %w", err)
		}
		events = append(events, ev)
	}
	return events, nil
}

func (l *Log) readLines(ctx context.Context, path string) ([][]byte, error) {
	data, err := l.ctx.Backend().ReadBytes(ctx, path)
	if err != nil {
		return nil, nil // log doesn't exist yet: empty
	}

	var lines [][]byte
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if !json.Valid(line) {
			// Trailing partial line from an interrupted write; stop here
			// rather than erroring, per spec §4.D.
			break
		}
		lines = append(lines, line)
	}
	return lines, nil
}
