// Package ids implements the canonical ID grammar of spec §3/§6: bit-exact
// Input:/Artifact:/Producer: identifiers carrying a qualified name plus zero
// or more bracketed dimension indices.
package ids

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Prefix distinguishes the three canonical ID forms.
type Prefix string

const (
	PrefixInput    Prefix = "Input"
	PrefixArtifact Prefix = "Artifact"
	PrefixProducer Prefix = "Producer"
)

// ID is a parsed canonical identifier. Each entry of Dims is either a
// concrete integer index or a symbolic loop reference (see Dim); IsConcrete
// reports whether every dimension is concrete, and ConcreteDims returns the
// integer indices of a fully-concrete ID.
type ID struct {
	Prefix Prefix
	QName  string // dot-separated qualified name, no dims
	Dims   []Dim
}

// Dim is one bracketed dimension: either a concrete integer literal or a
// symbolic loop reference with an optional +/- offset, used only during
// parsing before canonical expansion resolves it.
type Dim struct {
	Literal bool
	Index   int    // valid when Literal
	Symbol  string // valid when !Literal
	Offset  int    // signed offset applied to the symbol's resolved index
}

func (d Dim) String() string {
	if d.Literal {
		return strconv.Itoa(d.Index)
	}
	if d.Offset == 0 {
		return d.Symbol
	}
	if d.Offset > 0 {
		return fmt.Sprintf("%s+%d", d.Symbol, d.Offset)
	}
	return fmt.Sprintf("%s%d", d.Symbol, d.Offset)
}

// String renders the ID back to its canonical textual form.
func (id ID) String() string {
	var b strings.Builder
	b.WriteString(string(id.Prefix))
	b.WriteByte(':')
	b.WriteString(id.QName)
	for _, d := range id.Dims {
		b.WriteByte('[')
		b.WriteString(d.String())
		b.WriteByte(']')
	}
	return b.String()
}

// IsConcrete reports whether every dimension is an integer literal.
func (id ID) IsConcrete() bool {
	for _, d := range id.Dims {
		if !d.Literal {
			return false
		}
	}
	return true
}

// ConcreteDims returns the integer indices of a fully-concrete ID. It
// returns nil and ok=false if any dimension is still symbolic.
func (id ID) ConcreteDims() (dims []int, ok bool) {
	dims = make([]int, len(id.Dims))
	for i, d := range id.Dims {
		if !d.Literal {
			return nil, false
		}
		dims[i] = d.Index
	}
	return dims, true
}

// WithDims returns a copy of id with its dims replaced by concrete indices.
func (id ID) WithDims(dims []int) ID {
	newDims := make([]Dim, len(dims))
	for i, idx := range dims {
		newDims[i] = Dim{Literal: true, Index: idx}
	}
	return ID{Prefix: id.Prefix, QName: id.QName, Dims: newDims}
}

// Input constructs a concrete Input: ID.
func Input(qname string, dims ...int) ID { return concrete(PrefixInput, qname, dims) }

// Artifact constructs a concrete Artifact: ID.
func Artifact(qname string, dims ...int) ID { return concrete(PrefixArtifact, qname, dims) }

// Producer constructs a concrete Producer: ID.
func Producer(qname string, dims ...int) ID { return concrete(PrefixProducer, qname, dims) }

func concrete(p Prefix, qname string, dims []int) ID {
	return ID{Prefix: p, QName: qname}.WithDims(dims)
}

// MarshalJSON renders the ID as its canonical string form, so persisted
// plans and manifests stay human-diffable (spec §4.N).
func (id ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

// UnmarshalJSON parses a canonical ID string back into its struct form.
func (id *ID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("ids: %w", err)
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Parse parses a canonical ID string, accepting symbolic dimensions (for
// use while a blueprint is still being expanded).
func Parse(s string) (ID, error) {
	colon := strings.IndexByte(s, ':')
	if colon < 0 {
		return ID{}, fmt.Errorf("ids: missing prefix separator in %q", s)
	}
	prefix := Prefix(s[:colon])
	switch prefix {
	case PrefixInput, PrefixArtifact, PrefixProducer:
	default:
		return ID{}, fmt.Errorf("ids: unknown prefix %q in %q", prefix, s)
	}

	rest := s[colon+1:]
	bracket := strings.IndexByte(rest, '[')
	qname := rest
	dimStr := ""
	if bracket >= 0 {
		qname = rest[:bracket]
		dimStr = rest[bracket:]
	}
	if qname == "" {
		return ID{}, fmt.Errorf("ids: empty qualified name in %q", s)
	}

	dims, err := parseDims(dimStr)
	if err != nil {
		return ID{}, fmt.Errorf("ids: %w (in %q)", err, s)
	}
	return ID{Prefix: prefix, QName: qname, Dims: dims}, nil
}

func parseDims(s string) ([]Dim, error) {
	var dims []Dim
	for len(s) > 0 {
		if s[0] != '[' {
			return nil, fmt.Errorf("expected '[' at %q", s)
		}
		end := strings.IndexByte(s, ']')
		if end < 0 {
			return nil, fmt.Errorf("unterminated dimension in %q", s)
		}
		inner := s[1:end]
		d, err := parseDim(inner)
		if err != nil {
			return nil, err
		}
		dims = append(dims, d)
		s = s[end+1:]
	}
	return dims, nil
}

func parseDim(inner string) (Dim, error) {
	if inner == "" {
		return Dim{}, fmt.Errorf("empty dimension")
	}
	if n, err := strconv.Atoi(inner); err == nil {
		return Dim{Literal: true, Index: n}, nil
	}
	// symbolic, optionally with +N / -N offset
	for i := 1; i < len(inner); i++ {
		if inner[i] == '+' || inner[i] == '-' {
			sym := inner[:i]
			off, err := strconv.Atoi(inner[i:])
			if err != nil {
				return Dim{}, fmt.Errorf("invalid offset in dimension %q", inner)
			}
			return Dim{Symbol: sym, Offset: off}, nil
		}
	}
	return Dim{Symbol: inner}, nil
}
