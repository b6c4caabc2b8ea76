package ids

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseConcrete(t *testing.T) {
	id, err := Parse("Artifact:ns.Producer.Output[0][2]")
	require.NoError(t, err)
	require.Equal(t, PrefixArtifact, id.Prefix)
	require.Equal(t, "ns.Producer.Output", id.QName)
	require.True(t, id.IsConcrete())
	dims, ok := id.ConcreteDims()
	require.True(t, ok)
	require.Equal(t, []int{0, 2}, dims)
}

func TestParseSymbolicWithOffset(t *testing.T) {
	id, err := Parse("Producer:Narration[segment-1]")
	require.NoError(t, err)
	require.False(t, id.IsConcrete())
	require.Equal(t, "segment", id.Dims[0].Symbol)
	require.Equal(t, -1, id.Dims[0].Offset)
}

func TestRoundTrip(t *testing.T) {
	for _, s := range []string{
		"Input:Prompt",
		"Artifact:ScriptProducer.NarrationScript",
		"Producer:AudioProducer[0]",
		"Artifact:ns.Producer.Output[0][2]",
	} {
		id, err := Parse(s)
		require.NoError(t, err)
		require.Equal(t, s, id.String())
	}
}

func TestParseRejectsBadPrefix(t *testing.T) {
	_, err := Parse("Bogus:Thing")
	require.Error(t, err)
}

func TestWithDims(t *testing.T) {
	base, err := Parse("Artifact:A.B[segment]")
	require.NoError(t, err)
	concrete := base.WithDims([]int{3})
	require.Equal(t, "Artifact:A.B[3]", concrete.String())
}
