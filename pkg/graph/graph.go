// Package graph implements the Producer Graph Builder of spec §4.H: it
// collapses the canonical (fully-indexed) DAG into one node per producer
// job, each carrying a pre-computed ProducerJobContext.
package graph

import (
	"fmt"
	"sort"

	"github.com/forgekit/mosaic/pkg/condition"
	"github.com/forgekit/mosaic/pkg/expand"
	"github.com/forgekit/mosaic/pkg/forgeerr"
	"github.com/forgekit/mosaic/pkg/ids"
)

// InputCondition pairs a producer input binding with its guarding condition.
type InputCondition struct {
	InputID   ids.ID
	Condition condition.Node
}

// ProducerJobContext carries resolved structural info for one job, per spec
// §3's Job Descriptor.
type ProducerJobContext struct {
	NamespacePath   []string
	Dims            []int
	InputBindings   map[string]ids.ID // authored input name -> canonical source ID
	FanIn           []expand.FanIn
	InputConditions []InputCondition
}

// Job is one producer-level node in the collapsed graph.
type Job struct {
	ID       ids.ID
	Inputs   []ids.ID
	Produces []ids.ID
	Context  ProducerJobContext

	// Dependencies lists the distinct upstream Producer IDs this job's
	// inputs/fan-in/conditions resolve to, used by the planner for
	// dirtiness propagation and layering.
	Dependencies []ids.ID
}

// Graph is the collapsed producer-level DAG.
type Graph struct {
	Jobs []Job
}

// JobByID returns the job with the given ID, or false if absent.
func (g *Graph) JobByID(id ids.ID) (Job, bool) {
	for _, j := range g.Jobs {
		if j.ID.String() == id.String() {
			return j, true
		}
	}
	return Job{}, false
}

// Build collapses exp into a producer-level Graph. producerOf maps an
// artifact ID to the Producer ID that produces it (built from exp.Artifacts
// by namespace convention: "ns.producer.Artifact[dims]" strips the trailing
// field segment). Only artifacts with a downstream consumer, or that live
// at root-level namespace (single-segment qname), are listed in a job's
// Produces — producer-declared-but-unused artifacts are elided per spec
// §4.H, though they remain visible via exp.Artifacts for observability.
func Build(exp *expand.Expansion) (*Graph, error) {
	producerSet := make(map[string]ids.ID, len(exp.Producers))
	for _, p := range exp.Producers {
		producerSet[p.String()] = p
	}
	rootProducers := make(map[string]struct{}, len(exp.RootProducers))
	for _, p := range exp.RootProducers {
		rootProducers[p.String()] = struct{}{}
	}

	artifactProducer, err := mapArtifactsToProducers(exp.Producers, exp.Artifacts)
	if err != nil {
		return nil, err
	}

	consumed := make(map[string]struct{})
	for _, e := range exp.Edges {
		if e.To.Prefix == ids.PrefixArtifact {
			consumed[e.To.String()] = struct{}{}
		}
		if e.From.Prefix == ids.PrefixArtifact {
			consumed[e.From.String()] = struct{}{}
		}
	}
	for _, fi := range exp.FanIns {
		for _, m := range fi.Members {
			consumed[m.ID.String()] = struct{}{}
		}
	}

	jobsByID := make(map[string]*Job, len(exp.Producers))
	var order []string
	for _, p := range exp.Producers {
		dims, _ := p.ConcreteDims()
		jobsByID[p.String()] = &Job{
			ID: p,
			Context: ProducerJobContext{
				Dims:          dims,
				InputBindings: make(map[string]ids.ID),
			},
		}
		order = append(order, p.String())
	}

	// Attach produces: every artifact whose owning producer is p, filtered
	// to those with a downstream consumer or single-segment namespace.
	for _, a := range exp.Artifacts {
		ownerStr, ok := artifactProducer[a.String()]
		if !ok {
			continue
		}
		job, ok := jobsByID[ownerStr]
		if !ok {
			return nil, forgeerr.Resolution(forgeerr.CodeMissingProducerCatalogEntry,
				fmt.Sprintf("artifact %s claims owner %s which is not in the producer set", a, ownerStr))
		}
		_, isConsumed := consumed[a.String()]
		_, isRootLevel := rootProducers[ownerStr]
		if isConsumed || isRootLevel {
			job.Produces = append(job.Produces, a)
		}
	}

	// Attach inputs from direct edges targeting Input: IDs on this producer.
	for _, e := range exp.Edges {
		if e.To.Prefix != ids.PrefixInput {
			continue
		}
		ownerStr := inputOwner(e.To)
		job, ok := jobsByID[ownerStr]
		if !ok {
			continue
		}
		job.Inputs = append(job.Inputs, e.To)
		job.Context.InputBindings[fieldName(e.To.QName)] = e.From
		if e.Condition != nil {
			job.Context.InputConditions = append(job.Context.InputConditions, InputCondition{
				InputID:   e.To,
				Condition: condition.FromBlueprint(*e.Condition),
			})
		}
		recordDependency(job, e.From, artifactProducer, producerSet)
	}

	// Attach fan-in descriptors to the job that owns the target input.
	for _, fi := range exp.FanIns {
		ownerStr := inputOwner(fi.TargetInput)
		job, ok := jobsByID[ownerStr]
		if !ok {
			continue
		}
		job.Context.FanIn = append(job.Context.FanIn, fi)
		job.Inputs = append(job.Inputs, fi.TargetInput)
		for _, m := range fi.Members {
			recordDependency(job, m.ID, artifactProducer, producerSet)
		}
	}

	g := &Graph{}
	sort.Strings(order)
	for _, k := range order {
		j := jobsByID[k]
		sort.Slice(j.Produces, func(a, b int) bool { return j.Produces[a].String() < j.Produces[b].String() })
		sort.Slice(j.Inputs, func(a, b int) bool { return j.Inputs[a].String() < j.Inputs[b].String() })
		sort.Slice(j.Dependencies, func(a, b int) bool { return j.Dependencies[a].String() < j.Dependencies[b].String() })
		g.Jobs = append(g.Jobs, *j)
	}
	return g, nil
}

func recordDependency(job *Job, source ids.ID, artifactProducer map[string]string, producerSet map[string]ids.ID) {
	var depStr string
	switch source.Prefix {
	case ids.PrefixArtifact:
		owner, ok := artifactProducer[source.String()]
		if !ok {
			return
		}
		depStr = owner
	case ids.PrefixProducer:
		depStr = source.String()
	default:
		return
	}
	dep, ok := producerSet[depStr]
	if !ok {
		return
	}
	if dep.String() == job.ID.String() {
		return // self-dependency across indices is a data edge, not a graph self-loop (spec §9)
	}
	for _, existing := range job.Dependencies {
		if existing.String() == dep.String() {
			return
		}
	}
	job.Dependencies = append(job.Dependencies, dep)
}

// mapArtifactsToProducers associates each artifact ID with the Producer ID
// whose qualified name is its longest matching prefix (the artifact's qname
// is "<producer qname>.<field...>").
func mapArtifactsToProducers(producers, artifacts []ids.ID) (map[string]string, error) {
	byQName := make(map[string]ids.ID, len(producers))
	for _, p := range producers {
		byQName[p.QName] = p
	}

	out := make(map[string]string, len(artifacts))
	for _, a := range artifacts {
		segs := splitQName(a.QName)
		matched := false
		for i := len(segs) - 1; i > 0; i-- {
			candidateQName := joinQName(segs[:i])
			producer, ok := byQName[candidateQName]
			if !ok {
				continue
			}
			producerWithDims := producer.WithDims(a.Dims[:minInt(len(a.Dims), len(producer.Dims))])
			out[a.String()] = producerWithDims.String()
			matched = true
			break
		}
		if !matched {
			return nil, forgeerr.Resolution(forgeerr.CodeMissingProducerCatalogEntry,
				fmt.Sprintf("artifact %s has no owning producer in namespace %q", a, a.QName))
		}
	}
	return out, nil
}

func inputOwner(input ids.ID) string {
	segs := splitQName(input.QName)
	if len(segs) <= 1 {
		return input.WithDims(input.Dims).String()
	}
	owner := ids.Producer(joinQName(segs[:len(segs)-1]), dimsOf(input)...)
	return owner.String()
}

func fieldName(qname string) string {
	segs := splitQName(qname)
	return segs[len(segs)-1]
}

func dimsOf(id ids.ID) []int {
	dims, ok := id.ConcreteDims()
	if !ok {
		return nil
	}
	return dims
}

func splitQName(qname string) []string {
	var out []string
	start := 0
	for i := 0; i < len(qname); i++ {
		if qname[i] == '.' {
			out = append(out, qname[start:i])
			start = i + 1
		}
	}
	out = append(out, qname[start:])
	return out
}

func joinQName(segs []string) string {
	out := segs[0]
	for _, s := range segs[1:] {
		out += "." + s
	}
	return out
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
