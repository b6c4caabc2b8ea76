// Package planner implements the Planner of spec §4.J: it marks jobs dirty
// against the prior manifest, propagates dirtiness forward through the
// producer graph, layers the dirty subgraph with Kahn's algorithm, and
// emits an ExecutionPlan with an optional human-readable explanation.
package planner

import (
	"context"
	"fmt"
	"sort"

	"github.com/forgekit/mosaic/pkg/blueprint"
	"github.com/forgekit/mosaic/pkg/eventlog"
	"github.com/forgekit/mosaic/pkg/expand"
	"github.com/forgekit/mosaic/pkg/forgeerr"
	"github.com/forgekit/mosaic/pkg/graph"
	"github.com/forgekit/mosaic/pkg/hashing"
	"github.com/forgekit/mosaic/pkg/ids"
	"github.com/forgekit/mosaic/pkg/manifest"
	"github.com/forgekit/mosaic/pkg/revision"
)

// DirtyReason names why a job entered the dirty set, per spec §4.J step 7.
type DirtyReason string

const (
	ReasonInputsChanged       DirtyReason = "inputsChanged"
	ReasonUpstreamDirty       DirtyReason = "upstreamDirty"
	ReasonLatestAttemptFailed DirtyReason = "latestAttemptFailed"
	ReasonReRunFromLayer      DirtyReason = "reRunFromLayer"
	ReasonSurgicalTarget      DirtyReason = "surgicalTarget"
	ReasonArtifactOverride    DirtyReason = "artifactOverride"
)

// JobReason explains why one job was marked dirty.
type JobReason struct {
	JobID          string      `json:"jobId"`
	Reason         DirtyReason `json:"reason"`
	UpstreamJobs   []string    `json:"upstreamJobs,omitempty"`
	FailedArtifacts []string   `json:"failedArtifacts,omitempty"`
}

// Layer is one barrier-separated batch of jobs, per spec §4.K's scheduling model.
type Layer struct {
	Jobs []ids.ID `json:"jobs"`
}

// ExecutionPlan is the Planner's output, persisted by pkg/planstore.
type ExecutionPlan struct {
	Revision        revision.Revision `json:"revision"`
	ManifestBaseHash string           `json:"manifest_base_hash"`
	Layers          []Layer           `json:"layers"`
}

// PlanExplanation is the optional human-facing trace of planning decisions.
type PlanExplanation struct {
	DirtyInputs     []string    `json:"dirtyInputs"`
	DirtyArtefacts  []string    `json:"dirtyArtefacts"`
	JobReasons      []JobReason `json:"jobReasons"`
	InitialDirtyJobs []string   `json:"initialDirtyJobs"`
	PropagatedJobs  []string    `json:"propagatedJobs"`
}

// Options parameterizes Plan per spec §4.J.
type Options struct {
	MovieID            string
	TargetRevision      revision.Revision
	ResolvedInputs      map[string]any
	ReRunFromLayer      *int
	TargetArtifactIDs   []string
	ArtifactOverrides   map[string]struct{} // artifact ID -> override supplied
	CollectExplanation  bool
}

// Planner ties together expansion, graph building, and the prior manifest.
type Planner struct {
	log     *eventlog.Log
	catalog blueprint.Catalog
}

// New builds a Planner reading events through log.
func New(log *eventlog.Log, catalog blueprint.Catalog) *Planner {
	return &Planner{log: log, catalog: catalog}
}

// Plan runs steps 1-7 of spec §4.J. priorManifest is the movie's current
// manifest, or the zero Manifest if none exists yet.
func (p *Planner) Plan(ctx context.Context, tree *blueprint.Node, priorManifest manifest.Manifest, opts Options) (ExecutionPlan, *PlanExplanation, error) {
	if opts.ReRunFromLayer != nil && priorManifest.Revision.IsZero() {
		return ExecutionPlan{}, nil, forgeerr.Runtime(forgeerr.CodeStageStartRequiresPredecessor,
			"reRunFrom was requested but no prior manifest exists for this movie")
	}

	exp, err := expand.Expand(tree, opts.ResolvedInputs)
	if err != nil {
		return ExecutionPlan{}, nil, err
	}
	g, err := graph.Build(exp)
	if err != nil {
		return ExecutionPlan{}, nil, err
	}

	existingInputs, err := p.log.ReadInputEvents(ctx, opts.MovieID)
	if err != nil {
		return ExecutionPlan{}, nil, fmt.Errorf("planner: read input events: %w", err)
	}
	seenInput := make(map[string]string) // resolved-input name -> last payload_digest seen
	for _, ev := range existingInputs {
		id, err := ids.Parse(ev.InputID)
		if err != nil {
			continue
		}
		seenInput[id.QName] = ev.PayloadDigest
	}

	dirtyInputIDs, err := computeDirtyInputs(opts.ResolvedInputs, seenInput)
	if err != nil {
		return ExecutionPlan{}, nil, err
	}

	// Step 3: append an InputEvent for every new-or-changed resolved input,
	// so the next plan() call sees it in existingInputs above and a
	// no-op replan (spec §8 property 6) stays empty.
	for _, name := range dirtyInputIDs {
		digest, err := hashing.PayloadDigest(opts.ResolvedInputs[name])
		if err != nil {
			return ExecutionPlan{}, nil, fmt.Errorf("planner: hash input %q: %w", name, err)
		}
		if err := p.log.AppendInput(ctx, opts.MovieID, eventlog.InputEvent{
			InputID:       ids.Input(name).String(),
			Revision:      opts.TargetRevision,
			PayloadDigest: digest,
		}); err != nil {
			return ExecutionPlan{}, nil, fmt.Errorf("planner: append input event %q: %w", name, err)
		}
	}

	layerOf := make(map[string]int, len(g.Jobs))
	reasons := make(map[string]JobReason, len(g.Jobs))
	dirty := make(map[string]struct{})

	// fullLayerOf gives every job's topological depth across the whole
	// producer graph, independent of dirtiness, so reRunFrom's "layer or
	// above" criterion has a stable reference frame.
	fullLayerOf := computeFullGraphLayers(g)

	// Step 4: per-job inputs_hash against prior manifest, initial dirtiness.
	for _, job := range g.Jobs {
		jobID := job.ID.String()
		reason, isDirty, err := classifyJob(job, priorManifest, dirtyInputIDs, fullLayerOf, opts)
		if err != nil {
			return ExecutionPlan{}, nil, err
		}
		if isDirty {
			dirty[jobID] = struct{}{}
			reasons[jobID] = reason
		}
	}
	initialDirty := sortedKeys(dirty)

	// Step 5: propagate dirtiness forward through dependency edges.
	changed := true
	for changed {
		changed = false
		for _, job := range g.Jobs {
			jobID := job.ID.String()
			if _, ok := dirty[jobID]; ok {
				continue
			}
			var upstreamDirty []string
			for _, dep := range job.Dependencies {
				if _, ok := dirty[dep.String()]; ok {
					upstreamDirty = append(upstreamDirty, dep.String())
				}
			}
			if len(upstreamDirty) > 0 {
				dirty[jobID] = struct{}{}
				sort.Strings(upstreamDirty)
				reasons[jobID] = JobReason{JobID: jobID, Reason: ReasonUpstreamDirty, UpstreamJobs: upstreamDirty}
				changed = true
			}
		}
	}
	propagated := diffSorted(sortedKeys(dirty), initialDirty)

	// Step 6: Kahn's algorithm over the dirty subgraph only.
	for jobID := range dirty {
		layerOf[jobID] = 0
	}
	changed = true
	for changed {
		changed = false
		for _, job := range g.Jobs {
			jobID := job.ID.String()
			if _, ok := dirty[jobID]; !ok {
				continue
			}
			for _, dep := range job.Dependencies {
				depID := dep.String()
				if _, ok := dirty[depID]; !ok {
					continue
				}
				if layerOf[depID]+1 > layerOf[jobID] {
					layerOf[jobID] = layerOf[depID] + 1
					changed = true
				}
			}
		}
	}

	maxLayer := -1
	for _, l := range layerOf {
		if l > maxLayer {
			maxLayer = l
		}
	}
	layers := make([]Layer, maxLayer+1)
	for _, job := range g.Jobs {
		jobID := job.ID.String()
		l, ok := layerOf[jobID]
		if !ok {
			continue
		}
		layers[l].Jobs = append(layers[l].Jobs, job.ID)
	}
	for i := range layers {
		sort.Slice(layers[i].Jobs, func(a, b int) bool {
			return lessProducerID(layers[i].Jobs[a], layers[i].Jobs[b])
		})
	}

	plan := ExecutionPlan{
		Revision:         opts.TargetRevision,
		ManifestBaseHash: manifestBaseHash(priorManifest),
		Layers:           layers,
	}

	if !opts.CollectExplanation {
		return plan, nil, nil
	}

	var dirtyArtefacts []string
	for jobID := range dirty {
		job, ok := g.JobByID(mustParse(jobID))
		if !ok {
			continue
		}
		for _, a := range job.Produces {
			dirtyArtefacts = append(dirtyArtefacts, a.String())
		}
	}
	sort.Strings(dirtyArtefacts)

	var jobReasons []JobReason
	for _, jobID := range sortedKeys(dirty) {
		jobReasons = append(jobReasons, reasons[jobID])
	}

	explanation := &PlanExplanation{
		DirtyInputs:      dirtyInputIDs,
		DirtyArtefacts:   dirtyArtefacts,
		JobReasons:       jobReasons,
		InitialDirtyJobs: initialDirty,
		PropagatedJobs:   propagated,
	}
	return plan, explanation, nil
}

// classifyJob implements five of spec §4.J step 4's six dirtiness criteria
// for one job, in priority order (first matching reason wins, since any
// single reason is sufficient to mark the job dirty). The sixth criterion,
// upstream artifact dirtiness, is not this function's job: it is handled by
// step 5's forward propagation over already-dirty jobs.
func classifyJob(job graph.Job, prior manifest.Manifest, dirtyInputIDs []string, fullLayerOf map[string]int, opts Options) (JobReason, bool, error) {
	jobID := job.ID.String()
	dirtySet := make(map[string]struct{}, len(dirtyInputIDs))
	for _, id := range dirtyInputIDs {
		dirtySet[id] = struct{}{}
	}

	// A job's scalar inputs are bound via InputBindings[field] = source,
	// where source is the free-standing "Input:<name>" the resolved-input
	// map is keyed by (job.Inputs itself holds only the target-side
	// "Input:<producer>.<field>" form, which never appears in dirtySet).
	for _, source := range job.Context.InputBindings {
		if source.Prefix != ids.PrefixInput {
			continue // Artifact: sources are covered by dirty propagation, not scalar digest comparison
		}
		if _, ok := dirtySet[source.QName]; ok {
			return JobReason{JobID: jobID, Reason: ReasonInputsChanged}, true, nil
		}
	}

	for _, artifactID := range job.Produces {
		entry, ok := prior.Artefacts[artifactID.String()]
		if !ok {
			// no prior record: this output was never produced, so the job is
			// newly needed against the prior manifest
			return JobReason{JobID: jobID, Reason: ReasonInputsChanged}, true, nil
		}
		if entry.Status == eventlog.StatusFailed {
			return JobReason{JobID: jobID, Reason: ReasonLatestAttemptFailed, FailedArtifacts: []string{artifactID.String()}}, true, nil
		}
	}

	if opts.ReRunFromLayer != nil {
		if l, ok := fullLayerOf[jobID]; ok && l >= *opts.ReRunFromLayer {
			return JobReason{JobID: jobID, Reason: ReasonReRunFromLayer}, true, nil
		}
	}

	for _, artifactID := range job.Produces {
		if _, ok := targetSetFrom(opts)[artifactID.String()]; ok {
			return JobReason{JobID: jobID, Reason: ReasonSurgicalTarget}, true, nil
		}
		if _, ok := opts.ArtifactOverrides[artifactID.String()]; ok {
			return JobReason{JobID: jobID, Reason: ReasonArtifactOverride}, true, nil
		}
	}

	return JobReason{}, false, nil
}

// computeFullGraphLayers assigns every job in g its topological depth across
// the whole producer graph via Kahn's algorithm, independent of which jobs
// are currently dirty. This is a structural property of the graph shape
// alone, so a job's reRunFrom layer number stays stable from plan to plan —
// unlike the dirty-subgraph layering used for ExecutionPlan.Layers, which
// only covers whatever happens to be dirty this time.
func computeFullGraphLayers(g *graph.Graph) map[string]int {
	layerOf := make(map[string]int, len(g.Jobs))
	for _, job := range g.Jobs {
		layerOf[job.ID.String()] = 0
	}
	changed := true
	for changed {
		changed = false
		for _, job := range g.Jobs {
			jobID := job.ID.String()
			for _, dep := range job.Dependencies {
				depID := dep.String()
				if layerOf[depID]+1 > layerOf[jobID] {
					layerOf[jobID] = layerOf[depID] + 1
					changed = true
				}
			}
		}
	}
	return layerOf
}

func targetSetFrom(opts Options) map[string]struct{} {
	set := make(map[string]struct{}, len(opts.TargetArtifactIDs))
	for _, t := range opts.TargetArtifactIDs {
		set[t] = struct{}{}
	}
	return set
}

// computeDirtyInputs compares each resolved input's payload digest against
// the last one recorded in the event log, returning the sorted IDs of
// those that are new or changed.
func computeDirtyInputs(resolved map[string]any, seen map[string]string) ([]string, error) {
	var dirty []string
	for name, value := range resolved {
		digest, err := hashing.PayloadDigest(value)
		if err != nil {
			return nil, fmt.Errorf("planner: hash input %q: %w", name, err)
		}
		if prior, ok := seen[name]; !ok || prior != digest {
			dirty = append(dirty, name)
		}
	}
	sort.Strings(dirty)
	return dirty, nil
}

func manifestBaseHash(m manifest.Manifest) string {
	h, err := hashing.PayloadDigest(m)
	if err != nil {
		return ""
	}
	return h
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func diffSorted(all, exclude []string) []string {
	excl := make(map[string]struct{}, len(exclude))
	for _, e := range exclude {
		excl[e] = struct{}{}
	}
	var out []string
	for _, a := range all {
		if _, ok := excl[a]; !ok {
			out = append(out, a)
		}
	}
	return out
}

func lessProducerID(a, b ids.ID) bool {
	if a.QName != b.QName {
		return a.QName < b.QName
	}
	da, _ := a.ConcreteDims()
	db, _ := b.ConcreteDims()
	for i := 0; i < len(da) && i < len(db); i++ {
		if da[i] != db[i] {
			return da[i] < db[i]
		}
	}
	return len(da) < len(db)
}

func mustParse(s string) ids.ID {
	id, err := ids.Parse(s)
	if err != nil {
		return ids.ID{}
	}
	return id
}
