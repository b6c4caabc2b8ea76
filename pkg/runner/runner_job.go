package runner

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/forgekit/mosaic/pkg/blobstore"
	"github.com/forgekit/mosaic/pkg/condition"
	"github.com/forgekit/mosaic/pkg/eventlog"
	"github.com/forgekit/mosaic/pkg/forgeerr"
	"github.com/forgekit/mosaic/pkg/graph"
	"github.com/forgekit/mosaic/pkg/hashing"
	"github.com/forgekit/mosaic/pkg/ids"
	"github.com/forgekit/mosaic/pkg/manifest"
	"github.com/forgekit/mosaic/pkg/provider"
	"github.com/forgekit/mosaic/pkg/resolve"
	"github.com/forgekit/mosaic/pkg/revision"
)

// executeJob runs the ten steps of spec §4.K for one job: gather required
// upstream artifacts, short-circuit on upstream failure, resolve payloads,
// evaluate per-input conditions, compute the job's inputs_hash, invoke the
// provider, and persist the resulting blobs and artifact events.
func (r *Runner) executeJob(ctx context.Context, opts Options, rev revision.Revision, layerIdx int, running manifest.Manifest, environment string, job graph.Job) (JobResult, []eventlog.ArtifactEvent) {
	required := requiredArtifactIDs(job, running)

	failed, err := r.resolver.FindFailedArtifacts(ctx, opts.MovieID, required)
	if err != nil {
		return r.terminal(job, rev, "", eventlog.StatusFailed, map[string]any{"reason": "artifact_resolution_failed", "error": err.Error()})
	}
	if len(failed) > 0 {
		return r.terminal(job, rev, "", eventlog.StatusFailed, map[string]any{
			"reason":                  "upstream_failure",
			"failedUpstreamArtifacts": sortStrings(failed),
		})
	}

	resolvedArtifacts, err := r.resolver.ResolveArtifacts(ctx, opts.MovieID, required)
	if err != nil {
		return r.terminal(job, rev, "", eventlog.StatusFailed, map[string]any{"reason": "artifact_resolution_failed", "error": err.Error()})
	}

	satisfied, anyUnconditional, err := evaluateJobConditions(job, opts.ResolvedInputs, resolvedArtifacts)
	if err != nil {
		return r.terminal(job, rev, "", eventlog.StatusFailed, map[string]any{"reason": "condition_evaluation_failed", "error": err.Error()})
	}
	if len(job.Context.InputConditions) > 0 && len(satisfied) == 0 && !anyUnconditional {
		return r.terminal(job, rev, "", eventlog.StatusSkipped, map[string]any{"reason": "conditions_not_met"})
	}

	inputsHash, err := computeInputsHash(job, running, opts.ResolvedInputs)
	if err != nil {
		return r.terminal(job, rev, "", eventlog.StatusFailed, map[string]any{"reason": "hash_failed", "error": err.Error()})
	}

	selection := opts.ProviderOptions[job.ID.QName]
	handler, err := r.providers.Resolve(selection.Provider, selection.Model, environment)
	if err != nil {
		return r.terminal(job, rev, inputsHash, eventlog.StatusFailed, map[string]any{"reason": "no_producer_options", "error": err.Error()})
	}

	invReq := r.buildInvokeRequest(ctx, opts, job, rev, layerIdx, selection, satisfied, resolvedArtifacts)

	result, err := handler.Invoke(ctx, invReq)
	if err != nil {
		return r.jobError(job, rev, inputsHash, err)
	}

	return r.persistResult(ctx, opts, job, rev, inputsHash, result)
}

// requiredArtifactIDs collects every Artifact: ID this job's bindings,
// fan-ins, and conditions may read, so they can be resolved and
// failure-checked in one pass before invocation.
func requiredArtifactIDs(job graph.Job, running manifest.Manifest) []string {
	set := make(map[string]struct{})
	for _, source := range job.Context.InputBindings {
		if source.Prefix == ids.PrefixArtifact {
			set[source.String()] = struct{}{}
		}
	}
	for _, fi := range job.Context.FanIn {
		for _, m := range fi.Members {
			if m.ID.Prefix == ids.PrefixArtifact {
				set[m.ID.String()] = struct{}{}
			}
		}
	}
	for _, ic := range job.Context.InputConditions {
		for _, when := range condition.CollectWhenPaths(ic.Condition) {
			if strings.HasPrefix(when, "Inputs.") {
				continue
			}
			for artifactID := range running.Artefacts {
				key := strings.TrimPrefix(artifactID, "Artifact:")
				if when == key || strings.HasPrefix(when, key+".") {
					set[artifactID] = struct{}{}
				}
			}
		}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return sortStrings(out)
}

// evaluateJobConditions evaluates every guarded input binding's condition
// tree against resolved artifact payloads and scalar inputs. satisfied maps
// a guarded Input: ID string to whether its condition passed; anyUnconditional
// reports whether at least one unguarded binding is present, so a job with
// a mix of guarded and plain inputs still runs when the plain ones resolve.
func evaluateJobConditions(job graph.Job, resolvedInputs map[string]any, resolvedArtifacts map[string]resolve.Payload) (satisfied map[string]bool, anyUnconditional bool, err error) {
	satisfied = make(map[string]bool, len(job.Context.InputConditions))
	conditioned := make(map[string]bool, len(job.Context.InputConditions))
	resolver := whenResolver{inputs: resolvedInputs, artefacts: resolvedArtifacts}

	for _, ic := range job.Context.InputConditions {
		conditioned[ic.InputID.String()] = true
		ok, evalErr := condition.Evaluate(ic.Condition, resolver)
		if evalErr != nil {
			return nil, false, evalErr
		}
		if ok {
			satisfied[ic.InputID.String()] = true
		}
	}

	for name, source := range job.Context.InputBindings {
		inputID := ids.Input(job.ID.QName+"."+name, job.Context.Dims...)
		if conditioned[inputID.String()] {
			continue
		}
		if source.Prefix == ids.PrefixArtifact {
			if _, ok := resolvedArtifacts[source.String()]; ok {
				anyUnconditional = true
			}
		} else {
			anyUnconditional = true
		}
	}
	for _, fi := range job.Context.FanIn {
		if !conditioned[fi.TargetInput.String()] {
			anyUnconditional = true
		}
	}
	return satisfied, anyUnconditional, nil
}

// computeInputsHash implements spec §4.B for one job: one InputRecord per
// bound scalar input, artifact input, and fan-in member, hashed against the
// running manifest so a layer sees its own predecessors' fresh content.
func computeInputsHash(job graph.Job, running manifest.Manifest, resolvedInputs map[string]any) (string, error) {
	var records []hashing.InputRecord
	for name, source := range job.Context.InputBindings {
		if source.Prefix == ids.PrefixArtifact {
			entry := running.Artefacts[source.String()]
			records = append(records, hashing.InputRecord{ID: source.String(), Kind: hashing.KindArtifact, ContentHash: entry.Hash})
			continue
		}
		digest, err := hashing.PayloadDigest(resolvedInputs[name])
		if err != nil {
			return "", err
		}
		records = append(records, hashing.InputRecord{ID: source.String(), Kind: hashing.KindScalar, ContentHash: digest})
	}
	for _, fi := range job.Context.FanIn {
		for _, m := range fi.Members {
			entry := running.Artefacts[m.ID.String()]
			records = append(records, hashing.InputRecord{ID: m.ID.String(), Kind: hashing.KindFanIn, ContentHash: entry.Hash})
		}
	}
	return hashing.InputsHash(records)
}

// buildInvokeRequest assembles the provider request's Inputs map, filtering
// out any guarded binding whose condition did not pass, and attaches
// storage-relative paths for binary artifacts via Extras["assetBlobPaths"]
// when the Runner has a PathResolver (spec §4.K step 6).
func (r *Runner) buildInvokeRequest(ctx context.Context, opts Options, job graph.Job, rev revision.Revision, layerIdx int, selection ProviderSelection, satisfied map[string]bool, resolvedArtifacts map[string]resolve.Payload) provider.InvokeRequest {
	conditioned := make(map[string]bool, len(job.Context.InputConditions))
	for _, ic := range job.Context.InputConditions {
		conditioned[ic.InputID.String()] = true
	}

	inputs := make(map[string]any, len(job.Context.InputBindings))
	var binaryArtifactIDs []string

	for name, source := range job.Context.InputBindings {
		inputID := ids.Input(job.ID.QName+"."+name, job.Context.Dims...)
		if conditioned[inputID.String()] && !satisfied[inputID.String()] {
			continue
		}
		if source.Prefix == ids.PrefixArtifact {
			payload, ok := resolvedArtifacts[source.String()]
			if !ok {
				continue
			}
			inputs[name] = payloadValue(payload)
			if payload.Kind == resolve.KindBinary {
				binaryArtifactIDs = append(binaryArtifactIDs, source.String())
			}
		} else {
			inputs[name] = opts.ResolvedInputs[source.QName]
		}
	}

	for _, fi := range job.Context.FanIn {
		if conditioned[fi.TargetInput.String()] && !satisfied[fi.TargetInput.String()] {
			continue
		}
		members := make([]any, 0, len(fi.Members))
		for _, m := range fi.Members {
			payload, ok := resolvedArtifacts[m.ID.String()]
			if !ok {
				continue
			}
			members = append(members, payloadValue(payload))
			if payload.Kind == resolve.KindBinary {
				binaryArtifactIDs = append(binaryArtifactIDs, m.ID.String())
			}
		}
		inputs[fieldNameOf(fi.TargetInput)] = members
	}

	extras := map[string]any{}
	if len(binaryArtifactIDs) > 0 {
		if pathResolver, ok := r.pathResolverOrNil(); ok {
			paths, err := r.resolver.ResolveArtifactBlobPaths(ctx, opts.MovieID, sortStrings(binaryArtifactIDs), pathResolver)
			if err == nil {
				extras["assetBlobPaths"] = paths
			}
		}
	}

	return provider.InvokeRequest{
		JobID:         job.ID.String(),
		ProducerAlias: job.ID.QName,
		Provider:      selection.Provider,
		Model:         selection.Model,
		Revision:      rev.String(),
		LayerIndex:    layerIdx,
		Attempt:       1,
		Inputs:        inputs,
		Produces:      idsToStrings(job.Produces),
		Extras:        extras,
		Signal:        opts.Signal,
	}
}

// terminal synthesizes the same status and diagnostics for every declared
// output of job, used for failure/skip outcomes reached before a provider
// is ever invoked.
func (r *Runner) terminal(job graph.Job, rev revision.Revision, inputsHash string, status eventlog.ArtifactStatus, diagnostics map[string]any) (JobResult, []eventlog.ArtifactEvent) {
	events := make([]eventlog.ArtifactEvent, len(job.Produces))
	for i, a := range job.Produces {
		events[i] = eventlog.ArtifactEvent{
			ArtifactID:  a.String(),
			Revision:    rev,
			InputsHash:  inputsHash,
			Status:      status,
			ProducedBy:  job.ID.String(),
			Diagnostics: diagnostics,
		}
	}
	return JobResult{JobID: job.ID.String(), Status: status, Diagnostics: diagnostics}, events
}

// jobError implements spec §4.K step 9: a thrown provider error produces a
// failed event per declared output, carrying provider/model/request-id/
// recoverable diagnostics when the error is a forgeerr.Provider error.
func (r *Runner) jobError(job graph.Job, rev revision.Revision, inputsHash string, err error) (JobResult, []eventlog.ArtifactEvent) {
	diagnostics := map[string]any{"reason": "provider_error", "error": err.Error()}
	var fe *forgeerr.Error
	if errors.As(err, &fe) && fe.Category == forgeerr.CategoryProvider {
		diagnostics["provider"] = fe.Provider
		diagnostics["model"] = fe.Model
		if fe.ProviderRequestID != "" {
			diagnostics["providerRequestId"] = fe.ProviderRequestID
		}
		diagnostics["recoverable"] = fe.Recoverable
	}
	return r.terminal(job, rev, inputsHash, eventlog.StatusFailed, diagnostics)
}

// persistResult implements spec §4.K step 8: materialize each produced
// blob to content-addressed storage, append one artifact event per
// declared output, and fold per-output statuses into the job's overall
// status (failed if any output failed, skipped if every output skipped,
// else succeeded).
func (r *Runner) persistResult(ctx context.Context, opts Options, job graph.Job, rev revision.Revision, inputsHash string, result provider.InvokeResult) (JobResult, []eventlog.ArtifactEvent) {
	byID := make(map[string]provider.ArtifactResult, len(result.Artefacts))
	for _, a := range result.Artefacts {
		byID[a.ArtifactID] = a
	}

	events := make([]eventlog.ArtifactEvent, len(job.Produces))
	anyFailed := result.Status == eventlog.StatusFailed
	allSkipped := true

	for i, a := range job.Produces {
		id := a.String()
		ar, ok := byID[id]
		if !ok {
			events[i] = eventlog.ArtifactEvent{
				ArtifactID: id, Revision: rev, InputsHash: inputsHash,
				Status: eventlog.StatusFailed, ProducedBy: job.ID.String(),
				Diagnostics: map[string]any{"reason": "provider_did_not_address_output"},
			}
			anyFailed = true
			allSkipped = false
			continue
		}
		if ar.Status != eventlog.StatusSkipped {
			allSkipped = false
		}
		if ar.Status == eventlog.StatusFailed {
			anyFailed = true
		}

		var blobRef *blobstore.Ref
		if ar.Status == eventlog.StatusSucceeded && ar.Blob != nil {
			data, err := ar.Blob.Read()
			if err != nil {
				events[i] = eventlog.ArtifactEvent{
					ArtifactID: id, Revision: rev, InputsHash: inputsHash,
					Status: eventlog.StatusFailed, ProducedBy: job.ID.String(),
					Diagnostics: map[string]any{"reason": "blob_materialize_failed", "error": err.Error()},
				}
				anyFailed = true
				allSkipped = false
				continue
			}
			ref, err := r.blobs.Put(ctx, opts.MovieID, data, ar.Blob.MimeType)
			if err != nil {
				events[i] = eventlog.ArtifactEvent{
					ArtifactID: id, Revision: rev, InputsHash: inputsHash,
					Status: eventlog.StatusFailed, ProducedBy: job.ID.String(),
					Diagnostics: map[string]any{"reason": "blob_write_failed", "error": err.Error()},
				}
				anyFailed = true
				allSkipped = false
				continue
			}
			blobRef = &ref
		}

		events[i] = eventlog.ArtifactEvent{
			ArtifactID:  id,
			Revision:    rev,
			InputsHash:  inputsHash,
			Status:      ar.Status,
			ProducedBy:  job.ID.String(),
			Output:      eventlog.ArtifactOutput{Blob: blobRef},
			Diagnostics: ar.Diagnostics,
		}
	}

	status := eventlog.StatusSucceeded
	switch {
	case anyFailed:
		status = eventlog.StatusFailed
	case allSkipped:
		status = eventlog.StatusSkipped
	}

	return JobResult{JobID: job.ID.String(), Status: status, Diagnostics: result.Diagnostics}, events
}

func (r *Runner) pathResolverOrNil() (blobstore.PathResolver, bool) {
	if r.pathResolver == nil {
		return nil, false
	}
	return r.pathResolver, true
}

func idsToStrings(list []ids.ID) []string {
	out := make([]string, len(list))
	for i, id := range list {
		out[i] = id.String()
	}
	return out
}

func fieldNameOf(id ids.ID) string {
	segs := strings.Split(id.QName, ".")
	return segs[len(segs)-1]
}

// whenResolver implements condition.Resolver over resolved scalar inputs
// (under an "Inputs." prefix, per spec §8's condition examples) and
// resolved artifact payloads addressed by their canonical ID with the
// "Artifact:" prefix stripped, supporting dotted/bracketed descent into
// decoded JSON payloads.
type whenResolver struct {
	inputs    map[string]any
	artefacts map[string]resolve.Payload
}

func (w whenResolver) Resolve(path string) (any, bool) {
	if rest, ok := strings.CutPrefix(path, "Inputs."); ok {
		v, ok := w.inputs[rest]
		return v, ok
	}
	for id, payload := range w.artefacts {
		key := strings.TrimPrefix(id, "Artifact:")
		if path == key {
			return payloadValue(payload), true
		}
		if rest, ok := strings.CutPrefix(path, key+"."); ok {
			return descend(payloadValue(payload), rest)
		}
	}
	return nil, false
}

func descend(v any, path string) (any, bool) {
	cur := v
	for _, seg := range strings.Split(path, ".") {
		name, idx, hasIdx := splitIndex(seg)
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		next, ok := m[name]
		if !ok {
			return nil, false
		}
		if hasIdx {
			arr, ok := next.([]any)
			if !ok || idx < 0 || idx >= len(arr) {
				return nil, false
			}
			next = arr[idx]
		}
		cur = next
	}
	return cur, true
}

func splitIndex(seg string) (name string, idx int, hasIdx bool) {
	start := strings.IndexByte(seg, '[')
	if start < 0 {
		return seg, 0, false
	}
	end := strings.IndexByte(seg, ']')
	if end < 0 {
		return seg, 0, false
	}
	n, err := strconv.Atoi(seg[start+1 : end])
	if err != nil {
		return seg, 0, false
	}
	return seg[:start], n, true
}

func payloadValue(p resolve.Payload) any {
	switch p.Kind {
	case resolve.KindJSON:
		return p.JSON
	case resolve.KindText:
		return p.Text
	default:
		return map[string]any{"mimeType": p.MimeType, "bytes": p.Bytes}
	}
}
