// Package expand implements the Canonical Expander of spec §4.G: it turns a
// parsed blueprint tree plus resolved input values into a flat DAG whose
// node IDs carry only concrete integer dimensions, deriving fan-in
// descriptors and normalized edges along the way.
package expand

import (
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/forgekit/mosaic/pkg/blueprint"
	"github.com/forgekit/mosaic/pkg/forgeerr"
	"github.com/forgekit/mosaic/pkg/ids"
)

// Edge is one concrete, index-resolved dependency.
type Edge struct {
	From      ids.ID
	To        ids.ID
	Condition *blueprint.Condition
}

// FanInMember is one per-index source collapsed into a fan-in group.
type FanInMember struct {
	ID         ids.ID
	GroupIndex int
	Order      *int
}

// FanIn is the descriptor of spec §3: a group of per-element sources
// collapsed into a single downstream input.
type FanIn struct {
	TargetInput ids.ID
	GroupBy     string
	OrderBy     string
	Members     []FanInMember
}

// Expansion is the output of Expand: a flat, fully-concrete DAG.
type Expansion struct {
	Producers []ids.ID
	Artifacts []ids.ID
	Edges     []Edge
	FanIns    []FanIn

	// RootProducers lists the Producer IDs whose qualified name is a single
	// segment: the top-level document itself and the producers it imports
	// directly. pkg/graph uses it to decide which otherwise-unconsumed
	// artifacts still belong in a job's produces list.
	RootProducers []ids.ID
}

// loopScope is one loop declaration visible at some point of the namespace
// tree, with its resolved cardinality.
type loopScope struct {
	name        string
	cardinality int
}

// Expand walks tree, computing each loop's cardinality from resolvedInputs,
// enumerating the cartesian product of enclosing loops per producer, and
// substituting dimension symbols across every connection, per spec §4.G.
func Expand(tree *blueprint.Node, resolvedInputs map[string]any) (*Expansion, error) {
	producers, err := enumerateProducers(tree, nil)
	if err != nil {
		return nil, err
	}

	exp := &Expansion{}
	seenArtifacts := map[string]struct{}{}
	seenProducers := map[string]struct{}{}

	for _, p := range producers {
		if !p.isProducer {
			continue // the root composite document is a namespace, not a job
		}
		scopes, err := resolveLoopScopes(p.loops, resolvedInputs)
		if err != nil {
			return nil, err
		}
		tuples := cartesianProduct(scopes)
		for _, tuple := range tuples {
			pid := ids.Producer(p.qname, tuple...)
			if _, ok := seenProducers[pid.String()]; !ok {
				seenProducers[pid.String()] = struct{}{}
				exp.Producers = append(exp.Producers, pid)
				if p.atRoot {
					exp.RootProducers = append(exp.RootProducers, pid)
				}
			}
		}

		for _, artifact := range p.doc.Artifacts {
			aqname := p.qname + "." + artifact.Name
			leaves, err := schemaLeafPaths(artifact, p.doc, resolvedInputs)
			if err != nil {
				return nil, fmt.Errorf("expand: artifact %q: %w", aqname, err)
			}
			for _, tuple := range tuples {
				for _, leaf := range leaves {
					qname, dims := leaf.apply(aqname, tuple)
					aid := ids.Artifact(qname, dims...)
					if _, ok := seenArtifacts[aid.String()]; !ok {
						seenArtifacts[aid.String()] = struct{}{}
						exp.Artifacts = append(exp.Artifacts, aid)
					}
				}
			}
		}
	}

	for _, p := range producers {
		scopes, _ := resolveLoopScopes(p.loops, resolvedInputs)
		for _, conn := range p.doc.Connections {
			edges, err := substituteConnection(conn, scopes)
			if err != nil {
				return nil, err
			}
			exp.Edges = append(exp.Edges, edges...)
		}
		for _, coll := range p.doc.Collectors {
			fi, err := substituteCollector(coll, scopes)
			if err != nil {
				return nil, err
			}
			exp.FanIns = append(exp.FanIns, fi)
		}
	}

	sortDeterministic(exp)
	return exp, nil
}

type producerSpec struct {
	qname      string
	doc        blueprint.Document
	loops      []loopDecl
	isProducer bool
	atRoot     bool
}

type loopDecl struct {
	name             string
	countInput       string
	countInputOffset int
}

// enumerateProducers walks the import tree depth-first, returning every
// node as a producer candidate with the loop declarations visible to it
// (its own declarations plus everything inherited from ancestors).
func enumerateProducers(node *blueprint.Node, inherited []loopDecl) ([]producerSpec, error) {
	own := make([]loopDecl, 0, len(node.Document.Loops))
	for _, l := range node.Document.Loops {
		own = append(own, loopDecl{name: l.Name, countInput: l.CountInput, countInputOffset: l.CountInputOffset})
	}
	visible := append(append([]loopDecl{}, inherited...), own...)

	qname := strings.Join(node.NamespacePath, ".")
	isProducer := len(node.NamespacePath) > 0 || len(node.Document.Models) > 0
	if qname == "" {
		qname = node.Document.Meta.Name
	}

	atRoot := len(node.NamespacePath) <= 1
	specs := []producerSpec{{qname: qname, doc: node.Document, loops: visible, isProducer: isProducer, atRoot: atRoot}}
	for _, child := range node.Children {
		childSpecs, err := enumerateProducers(child, visible)
		if err != nil {
			return nil, err
		}
		specs = append(specs, childSpecs...)
	}
	return specs, nil
}

// resolveLoopScopes computes each visible loop's cardinality from the
// resolved input bound to its countInput, per spec §4.G step 1.
func resolveLoopScopes(loops []loopDecl, resolvedInputs map[string]any) ([]loopScope, error) {
	scopes := make([]loopScope, 0, len(loops))
	for _, l := range loops {
		raw, ok := resolvedInputs[l.countInput]
		if !ok {
			return nil, forgeerr.Validation(forgeerr.CodeMissingRequiredInput,
				fmt.Sprintf("loop %q references unresolved countInput %q", l.name, l.countInput))
		}
		count, err := toCardinality(raw)
		if err != nil {
			return nil, fmt.Errorf("expand: loop %q: %w", l.name, err)
		}
		count += l.countInputOffset
		if count < 0 {
			count = 0
		}
		scopes = append(scopes, loopScope{name: l.name, cardinality: count})
	}
	return scopes, nil
}

func toCardinality(v any) (int, error) {
	switch t := v.(type) {
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case float64:
		return int(t), nil
	case []any:
		return len(t), nil
	default:
		return 0, fmt.Errorf("unsupported countInput value type %T", v)
	}
}

// cartesianProduct enumerates every index tuple across scopes, in
// lexicographic order of (scope order, index), matching spec §4.G step 2.
func cartesianProduct(scopes []loopScope) [][]int {
	if len(scopes) == 0 {
		return [][]int{{}}
	}
	var out [][]int
	var rec func(i int, acc []int)
	rec = func(i int, acc []int) {
		if i == len(scopes) {
			tuple := make([]int, len(acc))
			copy(tuple, acc)
			out = append(out, tuple)
			return
		}
		for idx := 0; idx < scopes[i].cardinality; idx++ {
			rec(i+1, append(acc, idx))
		}
	}
	rec(0, nil)
	if out == nil {
		return [][]int{}
	}
	return out
}

// substituteConnection expands an authored edge's dimension symbols over
// the cartesian product of the symbols appearing in either endpoint,
// applying offsets and pruning out-of-range combinations, per spec §4.G
// step 3.
func substituteConnection(conn blueprint.Connection, scopes []loopScope) ([]Edge, error) {
	fromID, err := ids.Parse(conn.From)
	if err != nil {
		return nil, fmt.Errorf("expand: connection from %q: %w", conn.From, err)
	}
	toID, err := ids.Parse(conn.To)
	if err != nil {
		return nil, fmt.Errorf("expand: connection to %q: %w", conn.To, err)
	}

	symbols := collectSymbols(fromID, toID)
	if len(symbols) == 0 {
		return []Edge{{From: fromID, To: toID, Condition: conn.Condition}}, nil
	}

	relevant := filterScopes(scopes, symbols)
	tuples := cartesianProduct(relevant)

	var edges []Edge
	for _, tuple := range tuples {
		bindings := make(map[string]int, len(relevant))
		for i, s := range relevant {
			bindings[s.name] = tuple[i]
		}
		from, ok1 := resolveDims(fromID, bindings, relevant)
		to, ok2 := resolveDims(toID, bindings, relevant)
		if !ok1 || !ok2 {
			continue // offset out of range: silently prune, per spec §4.G
		}
		edges = append(edges, Edge{From: from, To: to, Condition: conn.Condition})
	}
	return edges, nil
}

func substituteCollector(coll blueprint.Collector, scopes []loopScope) (FanIn, error) {
	targetID, err := ids.Parse(coll.Target)
	if err != nil {
		return FanIn{}, fmt.Errorf("expand: collector target %q: %w", coll.Target, err)
	}

	var groupScope *loopScope
	for i := range scopes {
		if scopes[i].name == coll.GroupBy {
			groupScope = &scopes[i]
			break
		}
	}
	if groupScope == nil {
		return FanIn{}, forgeerr.Validation(forgeerr.CodeUnknownDimension,
			fmt.Sprintf("collector %q groupBy %q is not a declared loop", coll.Name, coll.GroupBy))
	}

	fi := FanIn{TargetInput: targetID, GroupBy: coll.GroupBy, OrderBy: coll.OrderBy}
	for _, src := range coll.Sources {
		srcID, err := ids.Parse(src)
		if err != nil {
			return FanIn{}, fmt.Errorf("expand: collector source %q: %w", src, err)
		}
		for idx := 0; idx < groupScope.cardinality; idx++ {
			bindings := map[string]int{coll.GroupBy: idx}
			concrete, ok := resolveDims(srcID, bindings, []loopScope{*groupScope})
			if !ok {
				continue
			}
			fi.Members = append(fi.Members, FanInMember{ID: concrete, GroupIndex: idx})
		}
	}
	return fi, nil
}

// collectSymbols returns the set of distinct symbolic dimension names
// appearing in either id.
func collectSymbols(ids0 ...ids.ID) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, id := range ids0 {
		for _, d := range id.Dims {
			if !d.Literal {
				if _, ok := seen[d.Symbol]; !ok {
					seen[d.Symbol] = struct{}{}
					out = append(out, d.Symbol)
				}
			}
		}
	}
	sort.Strings(out)
	return out
}

func filterScopes(scopes []loopScope, symbols []string) []loopScope {
	want := map[string]struct{}{}
	for _, s := range symbols {
		want[s] = struct{}{}
	}
	var out []loopScope
	for _, s := range scopes {
		if _, ok := want[s.name]; ok {
			out = append(out, s)
		}
	}
	return out
}

// resolveDims substitutes every symbolic dimension of id with its bound
// index plus offset, returning ok=false if an offset pushes the index
// out of [0, cardinality) — signalling the edge should be silently pruned.
func resolveDims(id ids.ID, bindings map[string]int, relevant []loopScope) (ids.ID, bool) {
	cardByName := map[string]int{}
	for _, s := range relevant {
		cardByName[s.name] = s.cardinality
	}

	dims := make([]int, len(id.Dims))
	for i, d := range id.Dims {
		if d.Literal {
			dims[i] = d.Index
			continue
		}
		base, ok := bindings[d.Symbol]
		if !ok {
			return ids.ID{}, false
		}
		resolved := base + d.Offset
		if card, ok := cardByName[d.Symbol]; ok {
			if resolved < 0 || resolved >= card {
				return ids.ID{}, false
			}
		} else if resolved < 0 {
			return ids.ID{}, false
		}
		dims[i] = resolved
	}
	return id.WithDims(dims), true
}

func sortDeterministic(exp *Expansion) {
	sort.Slice(exp.Producers, func(i, j int) bool { return exp.Producers[i].String() < exp.Producers[j].String() })
	sort.Slice(exp.Artifacts, func(i, j int) bool { return exp.Artifacts[i].String() < exp.Artifacts[j].String() })
	sort.Slice(exp.Edges, func(i, j int) bool {
		if exp.Edges[i].From.String() != exp.Edges[j].From.String() {
			return exp.Edges[i].From.String() < exp.Edges[j].From.String()
		}
		return exp.Edges[i].To.String() < exp.Edges[j].To.String()
	})
	sort.Slice(exp.FanIns, func(i, j int) bool {
		return exp.FanIns[i].TargetInput.String() < exp.FanIns[j].TargetInput.String()
	})
	sort.Slice(exp.RootProducers, func(i, j int) bool {
		return exp.RootProducers[i].String() < exp.RootProducers[j].String()
	})
}

// schemaLeaf is one decomposed leaf of a schema-mapped artifact: either the
// artifact itself (Path == "") or one element of its internal array at Index.
type schemaLeaf struct {
	path  string
	index int
}

// apply builds the qname and dimension tuple for this leaf, appending the
// array index after the producer's own loop indices, per the outputPath
// grammar of spec §3 ("dot-separated schema descents").
func (l schemaLeaf) apply(aqname string, tuple []int) (string, []int) {
	if l.path == "" {
		return aqname, tuple
	}
	dims := make([]int, 0, len(tuple)+1)
	dims = append(dims, tuple...)
	dims = append(dims, l.index)
	return aqname + "." + l.path, dims
}

// schemaLeafPaths decomposes a schema-backed artifact declaration into one
// leaf per array element, per spec §4.G step 4. An artifact with no Schema,
// or a Schema with no matching Mappings entry, yields a single bare leaf
// (no decomposition).
func schemaLeafPaths(artifact blueprint.ArtifactDecl, doc blueprint.Document, resolvedInputs map[string]any) ([]schemaLeaf, error) {
	bare := []schemaLeaf{{}}
	if artifact.Schema == "" {
		return bare, nil
	}
	mapping, ok := doc.Mappings[artifact.Schema]
	if !ok || mapping.ItemsCount == "" {
		return bare, nil
	}
	if schemaSrc, ok := doc.Schemas[artifact.Schema]; ok {
		c := jsonschema.NewCompiler()
		if err := c.AddResource(artifact.Schema, strings.NewReader(schemaSrc)); err != nil {
			return nil, fmt.Errorf("load schema %q: %w", artifact.Schema, err)
		}
		if _, err := c.Compile(artifact.Schema); err != nil {
			return nil, fmt.Errorf("compile schema %q: %w", artifact.Schema, err)
		}
	}

	raw, ok := resolvedInputs[mapping.ItemsCount]
	if !ok {
		return nil, forgeerr.Validation(forgeerr.CodeMissingRequiredInput,
			fmt.Sprintf("schema %q itemsCount references unresolved input %q", artifact.Schema, mapping.ItemsCount))
	}
	count, err := toCardinality(raw)
	if err != nil {
		return nil, fmt.Errorf("schema %q itemsCount: %w", artifact.Schema, err)
	}

	leaves := make([]schemaLeaf, count)
	for i := range leaves {
		leaves[i] = schemaLeaf{path: mapping.Path, index: i}
	}
	return leaves, nil
}

