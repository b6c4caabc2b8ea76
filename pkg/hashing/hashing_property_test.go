//go:build property
// +build property

package hashing_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/forgekit/mosaic/pkg/hashing"
)

// TestCanonicalIsDeterministic verifies Canonical(v) == Canonical(v) for any
// JSON-shaped map, per spec §8 property 5.
func TestCanonicalIsDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("Canonical encoding is deterministic", prop.ForAll(
		func(keys []string, values []string) bool {
			obj := make(map[string]any)
			for i := 0; i < len(keys) && i < len(values); i++ {
				if keys[i] != "" {
					obj[keys[i]] = values[i]
				}
			}

			c1, err1 := hashing.Canonical(obj)
			c2, err2 := hashing.Canonical(obj)
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return string(c1) == string(c2)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestInputsHashIsOrderIndependent verifies InputsHash is insensitive to the
// order records are supplied in, since it sorts records before hashing.
func TestInputsHashIsOrderIndependent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("InputsHash is independent of record order", prop.ForAll(
		func(ids []string, hashes []string, perm []int) bool {
			n := len(ids)
			if len(hashes) < n {
				return true
			}
			records := make([]hashing.InputRecord, n)
			for i := 0; i < n; i++ {
				records[i] = hashing.InputRecord{ID: ids[i], Kind: hashing.KindScalar, ContentHash: hashes[i]}
			}

			shuffled := make([]hashing.InputRecord, n)
			copy(shuffled, records)
			for i := n - 1; i > 0; i-- {
				j := perm[i%len(perm)] % (i + 1)
				shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
			}

			h1, err1 := hashing.InputsHash(records)
			h2, err2 := hashing.InputsHash(shuffled)
			if err1 != nil || err2 != nil {
				return false
			}
			return h1 == h2
		},
		gen.SliceOfN(5, gen.AlphaString()),
		gen.SliceOfN(5, gen.AlphaString()),
		gen.SliceOfN(5, gen.IntRange(0, 100)),
	))

	properties.TestingRun(t)
}

// TestPayloadDigestStableAcrossKeyOrder verifies two structurally-equal maps
// built by inserting keys in different orders hash to the same digest, since
// Go map iteration order is randomized and Canonical must not leak it.
func TestPayloadDigestStableAcrossKeyOrder(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("PayloadDigest is stable regardless of map construction order", prop.ForAll(
		func(a, b, c string) bool {
			forward := map[string]any{"a": a, "b": b, "c": c}
			reverse := map[string]any{"c": c, "b": b, "a": a}

			d1, err1 := hashing.PayloadDigest(forward)
			d2, err2 := hashing.PayloadDigest(reverse)
			if err1 != nil || err2 != nil {
				return false
			}
			return d1 == d2
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
