package planner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forgekit/mosaic/pkg/blueprint"
	"github.com/forgekit/mosaic/pkg/eventlog"
	"github.com/forgekit/mosaic/pkg/forgeerr"
	"github.com/forgekit/mosaic/pkg/manifest"
	"github.com/forgekit/mosaic/pkg/revision"
	"github.com/forgekit/mosaic/pkg/storagectx"
)

// scriptAudioTree builds the two-producer pipeline of spec §8 scenario S1:
// a free-standing "Prompt" input feeds ScriptProducer, whose
// NarrationScript artifact feeds AudioProducer.
func scriptAudioTree() *blueprint.Node {
	return &blueprint.Node{
		Document: blueprint.Document{
			Meta: blueprint.Meta{Name: "Root"},
			Connections: []blueprint.Connection{
				{From: "Input:Prompt", To: "Input:ScriptProducer.Prompt"},
				{From: "Artifact:ScriptProducer.NarrationScript", To: "Input:AudioProducer.Script"},
			},
		},
		Children: []*blueprint.Node{
			{NamespacePath: []string{"ScriptProducer"}, Document: blueprint.Document{
				Meta:      blueprint.Meta{Name: "ScriptProducer"},
				Artifacts: []blueprint.ArtifactDecl{{Name: "NarrationScript", Type: "text"}},
			}},
			{NamespacePath: []string{"AudioProducer"}, Document: blueprint.Document{
				Meta:      blueprint.Meta{Name: "AudioProducer"},
				Artifacts: []blueprint.ArtifactDecl{{Name: "GeneratedAudio", Type: "audio"}},
			}},
		},
	}
}

func newFixture(t *testing.T) (*Planner, *eventlog.Log, *manifest.Service) {
	t.Helper()
	storage := storagectx.New(storagectx.NewMemory(), "", "movies")
	log := eventlog.New(storage)
	manifests := manifest.New(storage, log)
	return New(log, blueprint.Catalog{}), log, manifests
}

// succeedBoth appends succeeded artifact events for both producers at rev
// and folds them into a committed manifest, simulating a prior run.
func succeedBoth(t *testing.T, ctx context.Context, log *eventlog.Log, manifests *manifest.Service, movieID string, rev revision.Revision) manifest.Manifest {
	t.Helper()
	require.NoError(t, log.AppendArtifact(ctx, movieID, eventlog.ArtifactEvent{
		ArtifactID: "Artifact:ScriptProducer.NarrationScript",
		Revision:   rev,
		InputsHash: "script-hash-1",
		Status:     eventlog.StatusSucceeded,
		ProducedBy: "job-script",
		Output:     eventlog.ArtifactOutput{},
	}))
	require.NoError(t, log.AppendArtifact(ctx, movieID, eventlog.ArtifactEvent{
		ArtifactID: "Artifact:AudioProducer.GeneratedAudio",
		Revision:   rev,
		InputsHash: "audio-hash-1",
		Status:     eventlog.StatusSucceeded,
		ProducedBy: "job-audio",
		Output:     eventlog.ArtifactOutput{},
	}))
	m, err := manifests.BuildFromEvents(ctx, manifest.BuildOptions{MovieID: movieID, TargetRevision: rev})
	require.NoError(t, err)
	return m
}

func TestPlanFromEmptyManifestSchedulesBothJobs(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newFixture(t)
	tree := scriptAudioTree()

	plan, _, err := p.Plan(ctx, tree, manifest.Manifest{}, Options{
		MovieID:        "movie1",
		TargetRevision: revision.Revision{Number: 1},
		ResolvedInputs: map[string]any{"Prompt": "Hello"},
	})
	require.NoError(t, err)
	require.Len(t, plan.Layers, 2)
	require.Equal(t, "Producer:ScriptProducer", plan.Layers[0].Jobs[0].String())
	require.Equal(t, "Producer:AudioProducer", plan.Layers[1].Jobs[0].String())
}

func TestPlanPersistsInputEventsForNoOpReplan(t *testing.T) {
	ctx := context.Background()
	p, log, manifests := newFixture(t)
	tree := scriptAudioTree()
	inputs := map[string]any{"Prompt": "Hello"}

	_, _, err := p.Plan(ctx, tree, manifest.Manifest{}, Options{
		MovieID: "movie1", TargetRevision: revision.Revision{Number: 1}, ResolvedInputs: inputs,
	})
	require.NoError(t, err)

	events, err := log.ReadInputEvents(ctx, "movie1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "Input:Prompt", events[0].InputID)

	prior := succeedBoth(t, ctx, log, manifests, "movie1", revision.Revision{Number: 1})

	// Invariant 6: replanning from the same manifest with the same inputs
	// yields empty layers.
	plan, _, err := p.Plan(ctx, tree, prior, Options{
		MovieID: "movie1", TargetRevision: revision.Revision{Number: 2}, ResolvedInputs: inputs,
	})
	require.NoError(t, err)
	require.Empty(t, plan.Layers)

	// A second identical plan call must not duplicate the input event.
	events, err = log.ReadInputEvents(ctx, "movie1")
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestPlanInputChangePropagatesToDownstream(t *testing.T) {
	ctx := context.Background()
	p, log, manifests := newFixture(t)
	tree := scriptAudioTree()

	_, _, err := p.Plan(ctx, tree, manifest.Manifest{}, Options{
		MovieID: "movie1", TargetRevision: revision.Revision{Number: 1}, ResolvedInputs: map[string]any{"Prompt": "Hello"},
	})
	require.NoError(t, err)
	prior := succeedBoth(t, ctx, log, manifests, "movie1", revision.Revision{Number: 1})

	plan, explanation, err := p.Plan(ctx, tree, prior, Options{
		MovieID: "movie1", TargetRevision: revision.Revision{Number: 2},
		ResolvedInputs:     map[string]any{"Prompt": "Hi"},
		CollectExplanation: true,
	})
	require.NoError(t, err)
	require.Len(t, plan.Layers, 2)
	require.Equal(t, "Producer:ScriptProducer", plan.Layers[0].Jobs[0].String())
	require.Equal(t, "Producer:AudioProducer", plan.Layers[1].Jobs[0].String())
	require.Contains(t, explanation.DirtyInputs, "Prompt")
	require.Contains(t, explanation.InitialDirtyJobs, "Producer:ScriptProducer")
	require.Contains(t, explanation.PropagatedJobs, "Producer:AudioProducer")
}

func TestPlanSurgicalTargetSkipsUpstream(t *testing.T) {
	ctx := context.Background()
	p, log, manifests := newFixture(t)
	tree := scriptAudioTree()
	inputs := map[string]any{"Prompt": "Hello"}

	_, _, err := p.Plan(ctx, tree, manifest.Manifest{}, Options{
		MovieID: "movie1", TargetRevision: revision.Revision{Number: 1}, ResolvedInputs: inputs,
	})
	require.NoError(t, err)
	prior := succeedBoth(t, ctx, log, manifests, "movie1", revision.Revision{Number: 1})

	plan, _, err := p.Plan(ctx, tree, prior, Options{
		MovieID: "movie1", TargetRevision: revision.Revision{Number: 2},
		ResolvedInputs:    inputs,
		TargetArtifactIDs: []string{"Artifact:AudioProducer.GeneratedAudio"},
	})
	require.NoError(t, err)
	require.Len(t, plan.Layers, 1)
	require.Equal(t, "Producer:AudioProducer", plan.Layers[0].Jobs[0].String())
}

func TestPlanLatestAttemptFailedIsDirty(t *testing.T) {
	ctx := context.Background()
	p, log, manifests := newFixture(t)
	tree := scriptAudioTree()
	inputs := map[string]any{"Prompt": "Hello"}

	_, _, err := p.Plan(ctx, tree, manifest.Manifest{}, Options{
		MovieID: "movie1", TargetRevision: revision.Revision{Number: 1}, ResolvedInputs: inputs,
	})
	require.NoError(t, err)

	require.NoError(t, log.AppendArtifact(ctx, "movie1", eventlog.ArtifactEvent{
		ArtifactID: "Artifact:ScriptProducer.NarrationScript",
		Revision:   revision.Revision{Number: 1},
		Status:     eventlog.StatusFailed,
		ProducedBy: "job-script",
		CreatedAt:  time.Now(),
	}))
	require.NoError(t, log.AppendArtifact(ctx, "movie1", eventlog.ArtifactEvent{
		ArtifactID: "Artifact:AudioProducer.GeneratedAudio",
		Revision:   revision.Revision{Number: 1},
		Status:     eventlog.StatusFailed,
		ProducedBy: "job-audio",
		CreatedAt:  time.Now(),
	}))
	prior, err := manifests.BuildFromEvents(ctx, manifest.BuildOptions{MovieID: "movie1", TargetRevision: revision.Revision{Number: 1}})
	require.NoError(t, err)

	plan, _, err := p.Plan(ctx, tree, prior, Options{
		MovieID: "movie1", TargetRevision: revision.Revision{Number: 2}, ResolvedInputs: inputs,
	})
	require.NoError(t, err)
	require.Len(t, plan.Layers, 2) // both re-scheduled: Script failed, Audio propagates
}

func TestPlanReRunFromLayerMarksJobsAtOrAboveLayerDirty(t *testing.T) {
	ctx := context.Background()
	p, log, manifests := newFixture(t)
	tree := scriptAudioTree()
	inputs := map[string]any{"Prompt": "Hello"}

	_, _, err := p.Plan(ctx, tree, manifest.Manifest{}, Options{
		MovieID: "movie1", TargetRevision: revision.Revision{Number: 1}, ResolvedInputs: inputs,
	})
	require.NoError(t, err)
	prior := succeedBoth(t, ctx, log, manifests, "movie1", revision.Revision{Number: 1})

	// ScriptProducer sits at full-graph layer 0, AudioProducer at layer 1.
	// reRunFrom=1 should force only AudioProducer dirty even though nothing
	// about its inputs or prior status changed.
	layer := 1
	plan, explanation, err := p.Plan(ctx, tree, prior, Options{
		MovieID: "movie1", TargetRevision: revision.Revision{Number: 2},
		ResolvedInputs:     inputs,
		ReRunFromLayer:     &layer,
		CollectExplanation: true,
	})
	require.NoError(t, err)
	require.Len(t, plan.Layers, 1)
	require.Equal(t, "Producer:AudioProducer", plan.Layers[0].Jobs[0].String())

	var audioReason *JobReason
	for i := range explanation.JobReasons {
		if explanation.JobReasons[i].JobID == "Producer:AudioProducer" {
			audioReason = &explanation.JobReasons[i]
		}
	}
	require.NotNil(t, audioReason)
	require.Equal(t, ReasonReRunFromLayer, audioReason.Reason)
}

func TestPlanReRunFromLayerZeroMarksEntireGraphDirty(t *testing.T) {
	ctx := context.Background()
	p, log, manifests := newFixture(t)
	tree := scriptAudioTree()
	inputs := map[string]any{"Prompt": "Hello"}

	_, _, err := p.Plan(ctx, tree, manifest.Manifest{}, Options{
		MovieID: "movie1", TargetRevision: revision.Revision{Number: 1}, ResolvedInputs: inputs,
	})
	require.NoError(t, err)
	prior := succeedBoth(t, ctx, log, manifests, "movie1", revision.Revision{Number: 1})

	layer := 0
	plan, _, err := p.Plan(ctx, tree, prior, Options{
		MovieID: "movie1", TargetRevision: revision.Revision{Number: 2},
		ResolvedInputs: inputs,
		ReRunFromLayer: &layer,
	})
	require.NoError(t, err)
	require.Len(t, plan.Layers, 2)
	require.Equal(t, "Producer:ScriptProducer", plan.Layers[0].Jobs[0].String())
	require.Equal(t, "Producer:AudioProducer", plan.Layers[1].Jobs[0].String())
}

func TestPlanReRunFromRequiresPriorManifest(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newFixture(t)
	tree := scriptAudioTree()
	layer := 0

	_, _, err := p.Plan(ctx, tree, manifest.Manifest{}, Options{
		MovieID: "movie1", TargetRevision: revision.Revision{Number: 1},
		ResolvedInputs: map[string]any{"Prompt": "Hello"},
		ReRunFromLayer: &layer,
	})
	require.Error(t, err)
	code, ok := forgeerr.CodeOf(err)
	require.True(t, ok)
	require.Equal(t, forgeerr.CodeStageStartRequiresPredecessor, code)
}
