package expand

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forgekit/mosaic/pkg/blueprint"
	"github.com/forgekit/mosaic/pkg/ids"
)

func TestExpandTrivialTwoProducerPipeline(t *testing.T) {
	tree := &blueprint.Node{
		NamespacePath: nil,
		Document: blueprint.Document{
			Meta: blueprint.Meta{Name: "Root"},
			Connections: []blueprint.Connection{
				{From: "Artifact:ScriptProducer.NarrationScript", To: "Input:AudioProducer.Script"},
			},
		},
		Children: []*blueprint.Node{
			{NamespacePath: []string{"ScriptProducer"}, Document: blueprint.Document{
				Meta:      blueprint.Meta{Name: "ScriptProducer"},
				Artifacts: []blueprint.ArtifactDecl{{Name: "NarrationScript", Type: "text"}},
			}},
			{NamespacePath: []string{"AudioProducer"}, Document: blueprint.Document{
				Meta: blueprint.Meta{Name: "AudioProducer"},
			}},
		},
	}

	exp, err := Expand(tree, map[string]any{})
	require.NoError(t, err)
	require.Contains(t, idStrings(exp.Producers), "Producer:ScriptProducer")
	require.Contains(t, idStrings(exp.Producers), "Producer:AudioProducer")
	require.Contains(t, idStrings(exp.Artifacts), "Artifact:ScriptProducer.NarrationScript")
	require.Len(t, exp.Edges, 1)
}

func TestExpandCartesianProductOverLoop(t *testing.T) {
	tree := &blueprint.Node{
		Document: blueprint.Document{
			Meta:  blueprint.Meta{Name: "Root"},
			Loops: []blueprint.LoopDecl{{Name: "segment", CountInput: "SegmentCount"}},
		},
		Children: []*blueprint.Node{
			{NamespacePath: []string{"SegmentProducer"}, Document: blueprint.Document{
				Meta:      blueprint.Meta{Name: "SegmentProducer"},
				Artifacts: []blueprint.ArtifactDecl{{Name: "Clip", Type: "video"}},
			}},
		},
	}

	exp, err := Expand(tree, map[string]any{"SegmentCount": 3})
	require.NoError(t, err)
	require.Len(t, exp.Producers, 3)
	require.Contains(t, idStrings(exp.Producers), "Producer:SegmentProducer[0]")
	require.Contains(t, idStrings(exp.Producers), "Producer:SegmentProducer[2]")
	require.Contains(t, idStrings(exp.Artifacts), "Artifact:SegmentProducer.Clip[1]")
}

func TestExpandEdgeSubstitutionWithOffset(t *testing.T) {
	tree := &blueprint.Node{
		Document: blueprint.Document{
			Meta:  blueprint.Meta{Name: "Root"},
			Loops: []blueprint.LoopDecl{{Name: "segment", CountInput: "SegmentCount"}},
			Connections: []blueprint.Connection{
				{From: "Artifact:SegmentProducer.Clip[segment-1]", To: "Input:SegmentProducer.PreviousClip[segment]"},
			},
		},
	}

	exp, err := Expand(tree, map[string]any{"SegmentCount": 3})
	require.NoError(t, err)
	// segment=0 has no segment-1 predecessor: pruned. segment=1,2 produce edges.
	require.Len(t, exp.Edges, 2)
	require.Equal(t, "Artifact:SegmentProducer.Clip[0]", exp.Edges[0].From.String())
	require.Equal(t, "Input:SegmentProducer.PreviousClip[1]", exp.Edges[0].To.String())
}

func TestExpandFanInCollector(t *testing.T) {
	tree := &blueprint.Node{
		Document: blueprint.Document{
			Meta:  blueprint.Meta{Name: "Root"},
			Loops: []blueprint.LoopDecl{{Name: "segment", CountInput: "SegmentCount"}},
			Collectors: []blueprint.Collector{
				{Name: "AllClips", GroupBy: "segment", Sources: []string{"Artifact:SegmentProducer.Clip[segment]"}, Target: "Input:TimelineProducer.Clips"},
			},
		},
	}

	exp, err := Expand(tree, map[string]any{"SegmentCount": 2})
	require.NoError(t, err)
	require.Len(t, exp.FanIns, 1)
	require.Equal(t, "Input:TimelineProducer.Clips", exp.FanIns[0].TargetInput.String())
	require.Len(t, exp.FanIns[0].Members, 2)
}

func TestExpandDeterministicOrdering(t *testing.T) {
	tree := &blueprint.Node{
		Document: blueprint.Document{
			Meta:  blueprint.Meta{Name: "Root"},
			Loops: []blueprint.LoopDecl{{Name: "segment", CountInput: "SegmentCount"}},
		},
		Children: []*blueprint.Node{
			{NamespacePath: []string{"B"}, Document: blueprint.Document{Meta: blueprint.Meta{Name: "B"}}},
			{NamespacePath: []string{"A"}, Document: blueprint.Document{Meta: blueprint.Meta{Name: "A"}}},
		},
	}

	exp1, err := Expand(tree, map[string]any{"SegmentCount": 2})
	require.NoError(t, err)
	exp2, err := Expand(tree, map[string]any{"SegmentCount": 2})
	require.NoError(t, err)
	require.Equal(t, idStrings(exp1.Producers), idStrings(exp2.Producers))
}

func TestExpandDecomposesSchemaMappedArtifactIntoLeaves(t *testing.T) {
	tree := &blueprint.Node{
		Document: blueprint.Document{
			Meta: blueprint.Meta{Name: "Root"},
		},
		Children: []*blueprint.Node{
			{NamespacePath: []string{"SceneProducer"}, Document: blueprint.Document{
				Meta:      blueprint.Meta{Name: "SceneProducer"},
				Artifacts: []blueprint.ArtifactDecl{{Name: "Breakdown", Type: "json", Schema: "breakdown"}},
				Mappings: map[string]blueprint.ArrayMapping{
					"breakdown": {Path: "shots", ItemsCount: "ShotCount"},
				},
				Schemas: map[string]string{
					"breakdown": `{"type":"object","properties":{"shots":{"type":"array"}}}`,
				},
			}},
		},
	}

	exp, err := Expand(tree, map[string]any{"ShotCount": 2})
	require.NoError(t, err)
	require.Len(t, exp.Artifacts, 2)
	require.Contains(t, idStrings(exp.Artifacts), "Artifact:SceneProducer.Breakdown.shots[0]")
	require.Contains(t, idStrings(exp.Artifacts), "Artifact:SceneProducer.Breakdown.shots[1]")
}

func TestExpandSchemaArtifactWithoutMappingStaysBare(t *testing.T) {
	tree := &blueprint.Node{
		Document: blueprint.Document{
			Meta: blueprint.Meta{Name: "Root"},
		},
		Children: []*blueprint.Node{
			{NamespacePath: []string{"SceneProducer"}, Document: blueprint.Document{
				Meta:      blueprint.Meta{Name: "SceneProducer"},
				Artifacts: []blueprint.ArtifactDecl{{Name: "Summary", Type: "json", Schema: "summary"}},
			}},
		},
	}

	exp, err := Expand(tree, map[string]any{})
	require.NoError(t, err)
	require.Equal(t, []string{"Artifact:SceneProducer.Summary"}, idStrings(exp.Artifacts))
}

func TestExpandSchemaDecompositionRejectsInvalidSchema(t *testing.T) {
	tree := &blueprint.Node{
		Document: blueprint.Document{
			Meta: blueprint.Meta{Name: "Root"},
		},
		Children: []*blueprint.Node{
			{NamespacePath: []string{"SceneProducer"}, Document: blueprint.Document{
				Meta:      blueprint.Meta{Name: "SceneProducer"},
				Artifacts: []blueprint.ArtifactDecl{{Name: "Breakdown", Type: "json", Schema: "broken"}},
				Mappings: map[string]blueprint.ArrayMapping{
					"broken": {Path: "shots", ItemsCount: "ShotCount"},
				},
				Schemas: map[string]string{
					"broken": `not valid json`,
				},
			}},
		},
	}

	_, err := Expand(tree, map[string]any{"ShotCount": 1})
	require.Error(t, err)
}

func idStrings(list []ids.ID) []string {
	out := make([]string, len(list))
	for i, id := range list {
		out[i] = id.String()
	}
	return out
}
