// Package runner implements the Runner of spec §4.K: it executes an
// ExecutionPlan layer by layer, bounding in-flight jobs by a concurrency
// semaphore, short-circuiting on upstream failure, evaluating per-input
// conditions, invoking the Provider Boundary, and folding each job's
// artifact events into a running manifest so later layers see correct
// upstream content hashes.
package runner

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/forgekit/mosaic/pkg/blobstore"
	"github.com/forgekit/mosaic/pkg/eventlog"
	"github.com/forgekit/mosaic/pkg/forgeerr"
	"github.com/forgekit/mosaic/pkg/graph"
	"github.com/forgekit/mosaic/pkg/manifest"
	"github.com/forgekit/mosaic/pkg/planner"
	"github.com/forgekit/mosaic/pkg/provider"
	"github.com/forgekit/mosaic/pkg/resolve"
	"github.com/forgekit/mosaic/pkg/revision"
)

// tracer emits one span per Run and per executed layer. With no SDK/exporter
// configured the global otel tracer is a no-op, so a caller that wants real
// traces wires its own TracerProvider via otel.SetTracerProvider before
// building a Runner.
var tracer = otel.Tracer("github.com/forgekit/mosaic/pkg/runner")

// ProviderSelection is one producer's resolved (provider, model) pair, read
// from the inputs file's providerOptions per spec §6.
type ProviderSelection struct {
	Provider string
	Model    string
}

// Options parameterizes one Run, per spec §4.K / §5.
type Options struct {
	MovieID         string
	Concurrency     int
	Environment     string // "simulated" unless set, per spec §4.O
	ProviderOptions map[string]ProviderSelection // producer qname -> selection
	ResolvedInputs  map[string]any               // scalar input values, for Inputs.* condition paths
	Signal          <-chan struct{}
}

// JobResult is one job's terminal outcome for a Run.
type JobResult struct {
	JobID       string
	Status      eventlog.ArtifactStatus
	Diagnostics map[string]any
}

// RunResult is the outcome of one complete Run.
type RunResult struct {
	Revision revision.Revision
	Jobs     []JobResult
	Manifest manifest.Manifest
}

// Runner executes plans against one movie's event log, blob store, and
// provider registry.
type Runner struct {
	log          *eventlog.Log
	blobs        blobstore.Store
	pathResolver blobstore.PathResolver
	resolver     *resolve.Resolver
	providers    *provider.Registry
	manifests    *manifest.Service
}

// New builds a Runner. pathResolver may be nil; when absent, asset blob
// paths are not attached to context.extras (spec §4.K step 6 becomes a
// no-op rather than an error).
func New(log *eventlog.Log, blobs blobstore.Store, pathResolver blobstore.PathResolver, resolver *resolve.Resolver, providers *provider.Registry, manifests *manifest.Service) *Runner {
	return &Runner{
		log:          log,
		blobs:        blobs,
		pathResolver: pathResolver,
		resolver:     resolver,
		providers:    providers,
		manifests:    manifests,
	}
}

// Run executes every layer of plan in order, barrier-synchronized between
// layers, against g. base is the manifest the plan was computed against;
// Run folds each completed job's succeeded artifacts into it before moving
// to the next layer, per spec §4.K step 10.
func (r *Runner) Run(ctx context.Context, plan planner.ExecutionPlan, g *graph.Graph, base manifest.Manifest, opts Options) (RunResult, error) {
	ctx, span := tracer.Start(ctx, "runner.Run", trace.WithAttributes(
		attribute.String("forge.movie_id", opts.MovieID),
		attribute.String("forge.revision", plan.Revision.String()),
		attribute.Int("forge.layer_count", len(plan.Layers)),
	))
	defer span.End()

	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	environment := opts.Environment
	if environment == "" {
		environment = "simulated"
	}

	running := cloneManifest(base)
	var allResults []JobResult

	for layerIdx, layer := range plan.Layers {
		if cancelled(opts.Signal) {
			span.RecordError(fmt.Errorf("run cancelled before layer %d", layerIdx))
			return RunResult{Jobs: allResults}, forgeerr.Runtime(forgeerr.CodeCancelled, "run cancelled before layer start")
		}

		_, layerSpan := tracer.Start(ctx, "runner.layer", trace.WithAttributes(
			attribute.Int("forge.layer_index", layerIdx),
			attribute.Int("forge.layer_job_count", len(layer.Jobs)),
		))

		results := make([]JobResult, len(layer.Jobs))
		events := make([][]eventlog.ArtifactEvent, len(layer.Jobs))
		sem := semaphore.NewWeighted(int64(concurrency))
		var wg sync.WaitGroup

		for i, jobID := range layer.Jobs {
			job, ok := g.JobByID(jobID)
			if !ok {
				continue
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				results[i] = JobResult{JobID: jobID.String(), Status: eventlog.StatusFailed, Diagnostics: map[string]any{"reason": "cancelled"}}
				continue
			}
			wg.Add(1)
			go func(i int, job graph.Job) {
				defer wg.Done()
				defer sem.Release(1)
				res, evs := r.executeJob(ctx, opts, plan.Revision, layerIdx, running, environment, job)
				results[i] = res
				events[i] = evs
			}(i, job)
		}
		wg.Wait()

		for i := range results {
			if results[i].JobID == "" {
				continue
			}
			for _, ev := range events[i] {
				if err := r.log.AppendArtifact(ctx, opts.MovieID, ev); err != nil {
					// Per spec §7, a failed write while recording an
					// artifact event is fatal: without a durable record
					// the manifest cannot be rebuilt coherently.
					layerSpan.RecordError(err)
					layerSpan.End()
					span.RecordError(err)
					return RunResult{Jobs: allResults}, forgeerr.Runtimef(forgeerr.CodeMissingManifest, err,
						"append artifact event for %s", ev.ArtifactID)
				}
				if ev.Status == eventlog.StatusSucceeded {
					running.Artefacts[ev.ArtifactID] = manifest.ArtefactEntry{
						Hash:        refHash(ev.Output.Blob),
						Blob:        ev.Output.Blob,
						ProducedBy:  ev.ProducedBy,
						Status:      ev.Status,
						InputsHash:  ev.InputsHash,
						CreatedAt:   ev.CreatedAt,
						Diagnostics: ev.Diagnostics,
					}
				}
			}
			allResults = append(allResults, results[i])
		}
		layerSpan.End()
	}

	m, err := r.manifests.BuildFromEvents(ctx, manifest.BuildOptions{MovieID: opts.MovieID, TargetRevision: plan.Revision})
	if err != nil {
		span.RecordError(err)
		return RunResult{Jobs: allResults}, err
	}
	return RunResult{Revision: plan.Revision, Jobs: allResults, Manifest: m}, nil
}

func cancelled(signal <-chan struct{}) bool {
	if signal == nil {
		return false
	}
	select {
	case <-signal:
		return true
	default:
		return false
	}
}

func cloneManifest(m manifest.Manifest) manifest.Manifest {
	cp := manifest.Manifest{
		Revision:  m.Revision,
		Inputs:    make(map[string]manifest.InputEntry, len(m.Inputs)),
		Artefacts: make(map[string]manifest.ArtefactEntry, len(m.Artefacts)),
		CreatedAt: m.CreatedAt,
	}
	for k, v := range m.Inputs {
		cp.Inputs[k] = v
	}
	for k, v := range m.Artefacts {
		cp.Artefacts[k] = v
	}
	return cp
}

func refHash(ref *blobstore.Ref) string {
	if ref == nil {
		return ""
	}
	return ref.Hash
}

func sortStrings(s []string) []string {
	sort.Strings(s)
	return s
}
