package hashing

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanonicalSortsKeys(t *testing.T) {
	a, err := Canonical(map[string]any{"b": 1, "a": 2})
	require.NoError(t, err)
	require.Equal(t, `{"a":2,"b":1}`, string(a))
}

func TestCanonicalPreservesIntegers(t *testing.T) {
	out, err := Canonical(map[string]any{"n": 7})
	require.NoError(t, err)
	require.Equal(t, `{"n":7}`, string(out))
}

func TestCanonicalNoHTMLEscaping(t *testing.T) {
	out, err := Canonical("a<b>&c")
	require.NoError(t, err)
	require.Equal(t, `"a<b>&c"`, string(out))
}

func TestPayloadDigestDeterministic(t *testing.T) {
	d1, err := PayloadDigest(map[string]any{"x": 1, "y": []any{1, 2, 3}})
	require.NoError(t, err)
	d2, err := PayloadDigest(map[string]any{"y": []any{1, 2, 3}, "x": 1})
	require.NoError(t, err)
	require.Equal(t, d1, d2)
}

func TestInputsHashOrderIndependent(t *testing.T) {
	r1 := []InputRecord{
		{ID: "Input:Prompt", Kind: KindScalar, ContentHash: "abc"},
		{ID: "Artifact:A.Out", Kind: KindArtifact, ContentHash: "def"},
	}
	r2 := []InputRecord{r1[1], r1[0]}

	h1, err := InputsHash(r1)
	require.NoError(t, err)
	h2, err := InputsHash(r2)
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}

func TestInputsHashChangesWithContent(t *testing.T) {
	h1, err := InputsHash([]InputRecord{{ID: "a", Kind: KindScalar, ContentHash: "x"}})
	require.NoError(t, err)
	h2, err := InputsHash([]InputRecord{{ID: "a", Kind: KindScalar, ContentHash: "y"}})
	require.NoError(t, err)
	require.NotEqual(t, h1, h2)
}
