package revision

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStringAndParseRoundTrip(t *testing.T) {
	r := Revision{Number: 7}
	require.Equal(t, "rev-0007", r.String())

	parsed, err := Parse("rev-0007")
	require.NoError(t, err)
	require.Equal(t, r, parsed)
}

func TestNextAndCompare(t *testing.T) {
	r := Revision{Number: 1}
	n := r.Next()
	require.Equal(t, 2, n.Number)
	require.Equal(t, -1, r.Compare(n))
	require.Equal(t, 1, n.Compare(r))
	require.Equal(t, 0, r.Compare(r))
}

func TestZero(t *testing.T) {
	require.True(t, Zero.IsZero())
	require.False(t, Zero.Next().IsZero())
}

func TestJSONRoundTrip(t *testing.T) {
	r := Revision{Number: 42}
	b, err := json.Marshal(r)
	require.NoError(t, err)
	require.Equal(t, `"rev-0042"`, string(b))

	var out Revision
	require.NoError(t, json.Unmarshal(b, &out))
	require.Equal(t, r, out)
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse("not-a-revision")
	require.Error(t, err)
}
