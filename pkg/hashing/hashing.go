// Package hashing implements the engine's deterministic content-hashing
// contract: canonical JSON serialization and the derived payload/inputs
// digests that every other component hashes values against.
package hashing

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Canonical returns the canonical JSON encoding of v: object keys sorted
// lexicographically by UTF-8 bytes, no HTML escaping, numbers preserved
// exactly rather than reformatted through float64.
func Canonical(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("hashing: marshal: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(intermediate))
	dec.UseNumber()

	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("hashing: decode: %w", err)
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case json.Number:
		s := t.String()
		buf.WriteString(s)
		return nil
	case string:
		return writeJSONString(buf, t)
	case []any:
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeJSONString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("hashing: unsupported value %T: %w", v, err)
		}
		buf.Write(raw)
		return nil
	}
}

func writeJSONString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("hashing: encode string: %w", err)
	}
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte{'\n'}))
	return nil
}

// Sum256Hex returns the lowercase hex SHA-256 digest of data.
func Sum256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// PayloadDigest implements spec §4.B: sha256(canonical_json(value)) as
// lowercase hex.
func PayloadDigest(v any) (string, error) {
	c, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return Sum256Hex(c), nil
}

// InputKind tags an entry in an InputsHash computation.
type InputKind string

const (
	KindScalar   InputKind = "scalar"
	KindArtifact InputKind = "artifact"
	KindFanIn    InputKind = "fanin"
)

// InputRecord is one entry folded into a job's inputs_hash, per spec §4.B.
// ContentHash is the upstream blob hash for artifact/fanin inputs (taken
// from the in-progress running manifest, not a canonical ID), or the
// scalar's payload digest.
type InputRecord struct {
	ID          string    `json:"id"`
	Kind        InputKind `json:"kind"`
	ContentHash string    `json:"content_hash"`
}

// InputsHash computes sha256(canonical_json(records)) after sorting records
// by ID, then kind, then content hash, so the hash is independent of
// iteration order, matching the determinism invariant in spec §8.
func InputsHash(records []InputRecord) (string, error) {
	sorted := make([]InputRecord, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].ID != sorted[j].ID {
			return sorted[i].ID < sorted[j].ID
		}
		if sorted[i].Kind != sorted[j].Kind {
			return sorted[i].Kind < sorted[j].Kind
		}
		return sorted[i].ContentHash < sorted[j].ContentHash
	})

	generic := make([]any, len(sorted))
	for i, r := range sorted {
		generic[i] = map[string]any{
			"id":           r.ID,
			"kind":         string(r.Kind),
			"content_hash": r.ContentHash,
		}
	}
	return PayloadDigest(generic)
}
