// Package workspace implements the Workspace façade of spec §6: the single
// entry point that wires storage, the event log, manifests, blueprint
// parsing, planning, recovery, and execution together behind the five
// library operations a CLI wrapper needs — plan, execute, list, explain,
// and clean.
package workspace

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/forgekit/mosaic/pkg/blobstore"
	"github.com/forgekit/mosaic/pkg/blueprint"
	"github.com/forgekit/mosaic/pkg/eventlog"
	"github.com/forgekit/mosaic/pkg/expand"
	"github.com/forgekit/mosaic/pkg/forgeerr"
	"github.com/forgekit/mosaic/pkg/graph"
	"github.com/forgekit/mosaic/pkg/manifest"
	"github.com/forgekit/mosaic/pkg/planner"
	"github.com/forgekit/mosaic/pkg/planstore"
	"github.com/forgekit/mosaic/pkg/provider"
	"github.com/forgekit/mosaic/pkg/recovery"
	"github.com/forgekit/mosaic/pkg/resolve"
	"github.com/forgekit/mosaic/pkg/revision"
	"github.com/forgekit/mosaic/pkg/runner"
	"github.com/forgekit/mosaic/pkg/storagectx"
)

// Config carries the root-level settings every movie in this workspace
// shares, grounded on the teacher's layered-YAML pkg/config profile loader
// and adapted to this engine's narrower settings surface.
type Config struct {
	Root               string
	BasePath           string
	DefaultConcurrency int
	DefaultEnvironment string
	Catalog            blueprint.Catalog

	// Blobs overrides the default local/memory FileStore with another
	// blobstore.Store implementation (e.g. an S3Store or GCSStore), letting
	// one movie's blobs live in cloud storage while events/manifests stay
	// on the storagectx backend, per spec §4.C's backend-agnostic Store
	// contract.
	Blobs blobstore.Store

	// ManifestIndexPath, if set, opens a sqlite-backed secondary index of
	// folded manifests at this path (or ":memory:") and wires it into the
	// manifest Service per SPEC_FULL.md's SQL-backed manifest index
	// supplement. Left empty, the workspace runs on plain manifest files
	// only, exactly as spec.md requires.
	ManifestIndexPath string
}

// Workspace ties together every component named in spec.md §2 behind the
// five operations of spec §6's CLI surface.
type Workspace struct {
	cfg       Config
	storage   *storagectx.Context
	log       *eventlog.Log
	blobs     blobstore.Store
	manifests *manifest.Service
	resolver  *resolve.Resolver
	prepass   *recovery.Prepass
	plans     *planstore.Store
	providers *provider.Registry
	planr     *planner.Planner
	run       *runner.Runner
	index     *manifest.SQLIndex
}

// New builds a Workspace over backend, using providers to resolve producer
// invocations at execute time. If cfg.ManifestIndexPath is set, New also
// opens the sqlite-backed secondary index; callers should defer Close to
// release it.
func New(backend storagectx.Backend, cfg Config, providers *provider.Registry) (*Workspace, error) {
	if cfg.DefaultConcurrency < 1 {
		cfg.DefaultConcurrency = 4
	}
	if cfg.DefaultEnvironment == "" {
		cfg.DefaultEnvironment = "simulated"
	}

	storage := storagectx.New(backend, cfg.Root, cfg.BasePath)
	log := eventlog.New(storage)

	blobs := cfg.Blobs
	if blobs == nil {
		blobs = blobstore.NewFileStore(storage)
	}
	var pathResolver blobstore.PathResolver
	if pr, ok := blobs.(blobstore.PathResolver); ok {
		pathResolver = pr
	}

	manifests := manifest.New(storage, log)
	var index *manifest.SQLIndex
	if cfg.ManifestIndexPath != "" {
		var err error
		index, err = manifest.OpenSQLIndex(cfg.ManifestIndexPath)
		if err != nil {
			return nil, fmt.Errorf("workspace: open manifest index: %w", err)
		}
		manifests = manifests.WithSQLIndex(index)
	}
	resolver := resolve.New(log, blobs)
	prepass := recovery.New(log, blobs)
	plans := planstore.New(storage)
	planr := planner.New(log, cfg.Catalog)
	run := runner.New(log, blobs, pathResolver, resolver, providers, manifests)

	return &Workspace{
		cfg: cfg, storage: storage, log: log, blobs: blobs, manifests: manifests,
		resolver: resolver, prepass: prepass, plans: plans, providers: providers,
		planr: planr, run: run, index: index,
	}, nil
}

// Close releases the workspace's sqlite manifest index, if one was opened.
func (w *Workspace) Close() error {
	if w.index == nil {
		return nil
	}
	return w.index.Close()
}

// PlanOptions parameterizes Plan, per spec §4.J / §6.
type PlanOptions struct {
	MovieID            string
	BlueprintPath      string
	ResolvedInputs     map[string]any
	ReRunFromLayer     *int
	TargetArtifactIDs  []string
	ArtifactOverrides  map[string]struct{}
	CollectExplanation bool
}

// PlanResult is the plan(options) return shape of spec §6.
type PlanResult struct {
	Plan        planner.ExecutionPlan
	Manifest    manifest.Manifest
	Explanation *planner.PlanExplanation
	Recovery    recovery.Summary
}

// Plan parses the blueprint, runs the recovery pre-pass against the
// movie's current manifest (if any), and produces + persists an
// ExecutionPlan for the next revision.
func (w *Workspace) Plan(ctx context.Context, opts PlanOptions) (PlanResult, error) {
	tree, err := blueprint.New(w.cfg.Catalog).Parse(opts.BlueprintPath)
	if err != nil {
		return PlanResult{}, err
	}

	prior, err := w.currentOrZero(ctx, opts.MovieID)
	if err != nil {
		return PlanResult{}, err
	}

	var recSummary recovery.Summary
	if !prior.Revision.IsZero() {
		recSummary, err = w.prepass.Run(ctx, opts.MovieID, prior)
		if err != nil {
			return PlanResult{}, err
		}
		if len(recSummary.RecoveredArtifactIDs) > 0 {
			prior, err = w.manifests.BuildFromEvents(ctx, manifest.BuildOptions{MovieID: opts.MovieID, TargetRevision: prior.Revision})
			if err != nil {
				return PlanResult{}, err
			}
		}
	}

	planOpts := planner.Options{
		MovieID:            opts.MovieID,
		TargetRevision:     prior.Revision.Next(),
		ResolvedInputs:     opts.ResolvedInputs,
		ReRunFromLayer:     opts.ReRunFromLayer,
		TargetArtifactIDs:  opts.TargetArtifactIDs,
		ArtifactOverrides:  opts.ArtifactOverrides,
		CollectExplanation: opts.CollectExplanation,
	}
	plan, explanation, err := w.planr.Plan(ctx, tree, prior, planOpts)
	if err != nil {
		return PlanResult{}, err
	}

	if err := w.plans.Save(ctx, opts.MovieID, plan); err != nil {
		return PlanResult{}, err
	}

	return PlanResult{Plan: plan, Manifest: prior, Explanation: explanation, Recovery: recSummary}, nil
}

// ExecuteOptions parameterizes Execute, per spec §4.K / §6.
type ExecuteOptions struct {
	MovieID         string
	BlueprintPath   string
	ResolvedInputs  map[string]any
	ProviderOptions map[string]runner.ProviderSelection
	Concurrency     int
	Environment     string
	Signal          <-chan struct{}
}

// Execute re-derives the producer graph for the blueprint under the same
// resolved inputs the plan was computed against (expansion is deterministic,
// per spec §8 property 5) and runs plan against it, folding results into a
// new committed manifest.
func (w *Workspace) Execute(ctx context.Context, plan planner.ExecutionPlan, opts ExecuteOptions) (runner.RunResult, error) {
	tree, err := blueprint.New(w.cfg.Catalog).Parse(opts.BlueprintPath)
	if err != nil {
		return runner.RunResult{}, err
	}
	exp, err := expand.Expand(tree, opts.ResolvedInputs)
	if err != nil {
		return runner.RunResult{}, err
	}
	g, err := graph.Build(exp)
	if err != nil {
		return runner.RunResult{}, err
	}

	base, err := w.currentOrZero(ctx, opts.MovieID)
	if err != nil {
		return runner.RunResult{}, err
	}

	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = w.cfg.DefaultConcurrency
	}
	environment := opts.Environment
	if environment == "" {
		environment = w.cfg.DefaultEnvironment
	}

	return w.run.Run(ctx, plan, g, base, runner.Options{
		MovieID:         opts.MovieID,
		Concurrency:     concurrency,
		Environment:     environment,
		ProviderOptions: opts.ProviderOptions,
		ResolvedInputs:  opts.ResolvedInputs,
		Signal:          opts.Signal,
	})
}

// BuildInfo summarizes one movie's build state for ListBuilds, per spec §6.
type BuildInfo struct {
	MovieID     string
	HasManifest bool
	Revision    revision.Revision
}

// ListBuilds enumerates every movie directory under the workspace's base
// path and reports its current revision, per spec §6's list(movie_id).
func (w *Workspace) ListBuilds(ctx context.Context) ([]BuildInfo, error) {
	root := filepath.Join(w.cfg.Root, w.cfg.BasePath)
	entries, err := w.storage.Backend().List(ctx, root, storagectx.ListOptions{Deep: false})
	if err != nil {
		return nil, fmt.Errorf("workspace: list movies: %w", err)
	}

	infos := make([]BuildInfo, 0, len(entries))
	for _, movieID := range entries {
		info := BuildInfo{MovieID: movieID}
		m, err := w.manifests.Current(ctx, movieID)
		if err == nil {
			info.HasManifest = true
			info.Revision = m.Revision
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].MovieID < infos[j].MovieID })
	return infos, nil
}

// ExplainResult is the explain(movie_id) return shape of spec §6: the last
// persisted plan's explanation joined with a fresh recovery pre-pass
// summary against the current manifest.
type ExplainResult struct {
	Plan        planner.ExecutionPlan
	Recovery    recovery.Summary
	HasManifest bool
}

// Explain loads the most recently persisted plan for the movie's current
// revision and re-runs the recovery pre-pass (read-only from the caller's
// perspective; missing blobs are still recorded, matching Plan's own
// behavior) so a caller can inspect why a run would or wouldn't be a no-op.
func (w *Workspace) Explain(ctx context.Context, movieID string) (ExplainResult, error) {
	current, err := w.currentOrZero(ctx, movieID)
	if err != nil {
		return ExplainResult{}, err
	}
	if current.Revision.IsZero() {
		return ExplainResult{}, forgeerr.Runtime(forgeerr.CodeMissingManifest,
			fmt.Sprintf("no current manifest for movie %s", movieID))
	}

	recSummary, err := w.prepass.Run(ctx, movieID, current)
	if err != nil {
		return ExplainResult{}, err
	}

	plan, err := w.plans.Load(ctx, movieID, current.Revision.Next())
	if err != nil {
		plan, err = w.plans.Load(ctx, movieID, current.Revision)
		if err != nil {
			return ExplainResult{}, err
		}
	}

	return ExplainResult{Plan: plan, Recovery: recSummary, HasManifest: true}, nil
}

// CleanOptions parameterizes Clean, per spec §4 SUPPLEMENTED FEATURES.
type CleanOptions struct {
	All         bool
	DryRun      bool
	RemoveBlobs bool
}

// Clean removes a movie's revisions/, runs/, and events/ directories (and
// optionally blobs/), or does so for every movie under the workspace when
// opts.All is set. DryRun lists what would be removed without touching
// storage, per the SUPPLEMENTED FEATURES section of SPEC_FULL.md.
func (w *Workspace) Clean(ctx context.Context, movieID string, opts CleanOptions) ([]string, error) {
	var movieIDs []string
	if opts.All {
		infos, err := w.ListBuilds(ctx)
		if err != nil {
			return nil, err
		}
		for _, info := range infos {
			movieIDs = append(movieIDs, info.MovieID)
		}
	} else {
		if movieID == "" {
			return nil, forgeerr.Validation(forgeerr.CodeInvalidConfig, "clean requires a movieID unless All is set")
		}
		movieIDs = []string{movieID}
	}

	dirNames := []string{"revisions", "runs", "events"}
	if opts.RemoveBlobs {
		dirNames = append(dirNames, "blobs")
	}

	var removed []string
	for _, id := range movieIDs {
		for _, dir := range dirNames {
			path := w.storage.MoviePath(id, dir)
			exists, err := w.storage.Backend().DirectoryExists(ctx, path)
			if err != nil {
				return removed, fmt.Errorf("workspace: check %s: %w", path, err)
			}
			if !exists {
				continue
			}
			removed = append(removed, path)
			if opts.DryRun {
				continue
			}
			if err := w.storage.Backend().RemoveAll(ctx, path); err != nil {
				return removed, fmt.Errorf("workspace: remove %s: %w", path, err)
			}
		}
		currentPath := w.storage.MoviePath(id, "current.json")
		if exists, _ := w.storage.Backend().Exists(ctx, currentPath); exists {
			removed = append(removed, currentPath)
			if !opts.DryRun {
				if err := w.storage.Backend().Remove(ctx, currentPath); err != nil {
					return removed, fmt.Errorf("workspace: remove %s: %w", currentPath, err)
				}
			}
		}
	}
	return removed, nil
}

// currentOrZero loads a movie's current manifest, treating "no manifest
// yet" as the zero Manifest rather than an error.
func (w *Workspace) currentOrZero(ctx context.Context, movieID string) (manifest.Manifest, error) {
	m, err := w.manifests.Current(ctx, movieID)
	if err != nil {
		if code, ok := forgeerr.CodeOf(err); ok && code == forgeerr.CodeMissingManifest {
			return manifest.Manifest{}, nil
		}
		return manifest.Manifest{}, err
	}
	return m, nil
}
