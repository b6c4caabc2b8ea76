// Package planstore implements the Plan Store of spec §4.N: persisting and
// loading one ExecutionPlan per revision as stable-key-order, human-diffable
// JSON under runs/<rev>-plan.json.
package planstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/forgekit/mosaic/pkg/planner"
	"github.com/forgekit/mosaic/pkg/revision"
	"github.com/forgekit/mosaic/pkg/storagectx"
)

// Store persists ExecutionPlans for one storage context.
type Store struct {
	storage *storagectx.Context
}

// New builds a Store over an existing storage Context.
func New(storage *storagectx.Context) *Store {
	return &Store{storage: storage}
}

func (s *Store) path(movieID string, rev revision.Revision) string {
	return s.storage.MoviePath(movieID, "runs", rev.String()+"-plan.json")
}

// Save writes plan to runs/<rev>-plan.json, per spec §4.N.
func (s *Store) Save(ctx context.Context, movieID string, plan planner.ExecutionPlan) error {
	data, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return fmt.Errorf("planstore: marshal plan %s: %w", plan.Revision, err)
	}
	if err := s.storage.Backend().Write(ctx, s.path(movieID, plan.Revision), data, storagectx.WriteOptions{MimeType: "application/json"}); err != nil {
		return fmt.Errorf("planstore: write plan %s: %w", plan.Revision, err)
	}
	return nil
}

// Load reads and parses the ExecutionPlan persisted for rev.
func (s *Store) Load(ctx context.Context, movieID string, rev revision.Revision) (planner.ExecutionPlan, error) {
	data, err := s.storage.Backend().ReadBytes(ctx, s.path(movieID, rev))
	if err != nil {
		return planner.ExecutionPlan{}, fmt.Errorf("planstore: read plan %s: %w", rev, err)
	}
	var plan planner.ExecutionPlan
	if err := json.Unmarshal(data, &plan); err != nil {
		return planner.ExecutionPlan{}, fmt.Errorf("planstore: decode plan %s: %w", rev, err)
	}
	return plan, nil
}
