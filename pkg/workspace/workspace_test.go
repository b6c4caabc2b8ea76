package workspace_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forgekit/mosaic/pkg/blueprint"
	"github.com/forgekit/mosaic/pkg/forgeerr"
	"github.com/forgekit/mosaic/pkg/planner"
	"github.com/forgekit/mosaic/pkg/provider"
	"github.com/forgekit/mosaic/pkg/storagectx"
	"github.com/forgekit/mosaic/pkg/workspace"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// newFixture writes a two-producer blueprint (ScriptProducer feeding
// AudioProducer's Script input) and a Workspace wired over an in-memory
// backend with no registered providers, so every producer invocation falls
// back to the simulated stub per the provider Registry's fallback chain.
func newFixture(t *testing.T) (*workspace.Workspace, string) {
	t.Helper()
	dir := t.TempDir()

	writeFile(t, filepath.Join(dir, "script.yaml"), `
meta:
  name: ScriptProducer
artifacts:
  - name: NarrationScript
    type: text
`)
	writeFile(t, filepath.Join(dir, "audio.yaml"), `
meta:
  name: AudioProducer
artifacts:
  - name: Narration
    type: audio
`)
	root := filepath.Join(dir, "root.yaml")
	writeFile(t, root, `
meta:
  name: Root
producers:
  - alias: ScriptProducer
    path: script.yaml
  - alias: AudioProducer
    path: audio.yaml
connections:
  - from: Artifact:ScriptProducer.NarrationScript
    to: Input:AudioProducer.Script
`)

	ws, err := workspace.New(storagectx.NewMemory(), workspace.Config{
		BasePath: "movies",
		Catalog:  blueprint.Catalog{Root: dir},
	}, provider.NewRegistry())
	require.NoError(t, err)

	return ws, root
}

func TestPlanThenExecuteProducesManifestAndAdvancesRevision(t *testing.T) {
	ctx := context.Background()
	ws, blueprintPath := newFixture(t)

	planResult, err := ws.Plan(ctx, workspace.PlanOptions{
		MovieID:       "movie-1",
		BlueprintPath: blueprintPath,
	})
	require.NoError(t, err)
	require.Equal(t, 2, totalJobs(planResult.Plan.Layers))

	runResult, err := ws.Execute(ctx, planResult.Plan, workspace.ExecuteOptions{
		MovieID:       "movie-1",
		BlueprintPath: blueprintPath,
	})
	require.NoError(t, err)
	require.Len(t, runResult.Jobs, 2)
	require.Contains(t, runResult.Manifest.Artefacts, "Artifact:ScriptProducer.NarrationScript")
	require.Contains(t, runResult.Manifest.Artefacts, "Artifact:AudioProducer.Narration")

	builds, err := ws.ListBuilds(ctx)
	require.NoError(t, err)
	require.Len(t, builds, 1)
	require.Equal(t, "movie-1", builds[0].MovieID)
	require.True(t, builds[0].HasManifest)
	require.Equal(t, runResult.Revision, builds[0].Revision)

	explain, err := ws.Explain(ctx, "movie-1")
	require.NoError(t, err)
	require.True(t, explain.HasManifest)
	require.Equal(t, runResult.Revision, explain.Plan.Revision)

	secondPlan, err := ws.Plan(ctx, workspace.PlanOptions{
		MovieID:       "movie-1",
		BlueprintPath: blueprintPath,
	})
	require.NoError(t, err)
	require.Equal(t, runResult.Revision.Next(), secondPlan.Plan.Revision)
	require.Zero(t, totalJobs(secondPlan.Plan.Layers)) // invariant 6: no-op replan
}

func totalJobs(layers []planner.Layer) int {
	n := 0
	for _, l := range layers {
		n += len(l.Jobs)
	}
	return n
}

func TestExplainOnUnknownMovieErrorsMissingManifest(t *testing.T) {
	ctx := context.Background()
	ws, _ := newFixture(t)

	_, err := ws.Explain(ctx, "never-built")
	require.Error(t, err)
	code, ok := forgeerr.CodeOf(err)
	require.True(t, ok)
	require.Equal(t, forgeerr.CodeMissingManifest, code)
}

func TestPlanThenExecuteWithManifestIndexPopulatesSQLIndex(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	writeFile(t, filepath.Join(dir, "script.yaml"), `
meta:
  name: ScriptProducer
artifacts:
  - name: NarrationScript
    type: text
`)
	root := filepath.Join(dir, "root.yaml")
	writeFile(t, root, `
meta:
  name: Root
producers:
  - alias: ScriptProducer
    path: script.yaml
`)

	ws, err := workspace.New(storagectx.NewMemory(), workspace.Config{
		BasePath:          "movies",
		Catalog:           blueprint.Catalog{Root: dir},
		ManifestIndexPath: ":memory:",
	}, provider.NewRegistry())
	require.NoError(t, err)
	defer func() { _ = ws.Close() }()

	planResult, err := ws.Plan(ctx, workspace.PlanOptions{MovieID: "m1", BlueprintPath: root})
	require.NoError(t, err)

	_, err = ws.Execute(ctx, planResult.Plan, workspace.ExecuteOptions{MovieID: "m1", BlueprintPath: root})
	require.NoError(t, err)
}

func TestCleanDryRunListsWithoutRemoving(t *testing.T) {
	ctx := context.Background()
	ws, blueprintPath := newFixture(t)

	planResult, err := ws.Plan(ctx, workspace.PlanOptions{MovieID: "movie-1", BlueprintPath: blueprintPath})
	require.NoError(t, err)
	_, err = ws.Execute(ctx, planResult.Plan, workspace.ExecuteOptions{MovieID: "movie-1", BlueprintPath: blueprintPath})
	require.NoError(t, err)

	removed, err := ws.Clean(ctx, "movie-1", workspace.CleanOptions{DryRun: true})
	require.NoError(t, err)
	require.NotEmpty(t, removed)

	// Nothing was actually removed: the movie is still listed with a manifest.
	builds, err := ws.ListBuilds(ctx)
	require.NoError(t, err)
	require.Len(t, builds, 1)
	require.True(t, builds[0].HasManifest)

	removedForReal, err := ws.Clean(ctx, "movie-1", workspace.CleanOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, removedForReal)

	_, err = ws.Explain(ctx, "movie-1")
	require.Error(t, err)
}

func TestCleanRequiresMovieIDUnlessAll(t *testing.T) {
	ctx := context.Background()
	ws, _ := newFixture(t)

	_, err := ws.Clean(ctx, "", workspace.CleanOptions{})
	require.Error(t, err)
	code, ok := forgeerr.CodeOf(err)
	require.True(t, ok)
	require.Equal(t, forgeerr.CodeInvalidConfig, code)
}
