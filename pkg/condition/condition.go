// Package condition implements the Condition Engine of spec §4.I: a fixed,
// small clause vocabulary evaluated against resolved artifact payloads. The
// grammar is deliberately not a general expression language (see DESIGN.md
// for why CEL was not adopted here), so evaluation is a direct dispatch
// over nine operators rather than an embedded interpreter.
package condition

import (
	"fmt"
	"regexp"
	"strconv"
)

// Clause is one leaf condition: a path plus exactly one operator, per spec
// §4.I's `{ when: path, <op>: value }` grammar.
type Clause struct {
	When           string
	Is             any
	HasIs          bool
	IsNot          any
	HasIsNot       bool
	Contains       any
	HasContains    bool
	GreaterThan    any
	HasGreaterThan bool
	LessThan       any
	HasLessThan    bool
	GreaterOrEqual any
	HasGreaterOrEqual bool
	LessOrEqual    any
	HasLessOrEqual bool
	Exists         *bool
	Matches        string
	HasMatches     bool
}

// Group composes clauses/groups with all/any short-circuiting semantics.
type Group struct {
	All []Node
	Any []Node
}

// Node is either a Clause or a Group.
type Node struct {
	Clause *Clause
	Group  *Group
}

// Resolver looks up the value at a dimension-substituted path (e.g.
// "Producer.ArtifactName.Field[0].Subfield") within the resolved artifact
// payloads available to one job, per spec §4.I.
type Resolver interface {
	Resolve(path string) (value any, present bool)
}

// Evaluate walks n, short-circuiting groups, and returns whether the
// condition is satisfied.
func Evaluate(n Node, r Resolver) (bool, error) {
	switch {
	case n.Clause != nil:
		return evaluateClause(*n.Clause, r)
	case n.Group != nil:
		return evaluateGroup(*n.Group, r)
	default:
		return false, fmt.Errorf("condition: empty node")
	}
}

// CollectWhenPaths walks n and returns every leaf clause's When path, used
// by the runner to discover which artifacts a condition tree references
// before those artifacts have been resolved, per spec §4.K step 2.
func CollectWhenPaths(n Node) []string {
	switch {
	case n.Clause != nil:
		return []string{n.Clause.When}
	case n.Group != nil:
		var out []string
		for _, c := range n.Group.All {
			out = append(out, CollectWhenPaths(c)...)
		}
		for _, c := range n.Group.Any {
			out = append(out, CollectWhenPaths(c)...)
		}
		return out
	default:
		return nil
	}
}

func evaluateGroup(g Group, r Resolver) (bool, error) {
	if len(g.All) > 0 {
		for _, child := range g.All {
			ok, err := Evaluate(child, r)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil // short-circuit
			}
		}
		return true, nil
	}
	if len(g.Any) > 0 {
		for _, child := range g.Any {
			ok, err := Evaluate(child, r)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil // short-circuit
			}
		}
		return false, nil
	}
	return false, fmt.Errorf("condition: group has neither all nor any")
}

func evaluateClause(c Clause, r Resolver) (bool, error) {
	value, present := r.Resolve(c.When)

	switch {
	case c.Exists != nil:
		return present == *c.Exists, nil
	case c.HasIs:
		return present && equalLoose(value, c.Is), nil
	case c.HasIsNot:
		return !present || !equalLoose(value, c.IsNot), nil
	case c.HasContains:
		return present && containsLoose(value, c.Contains), nil
	case c.HasGreaterThan:
		return present && compareNumeric(value, c.GreaterThan, func(a, b float64) bool { return a > b }), nil
	case c.HasLessThan:
		return present && compareNumeric(value, c.LessThan, func(a, b float64) bool { return a < b }), nil
	case c.HasGreaterOrEqual:
		return present && compareNumeric(value, c.GreaterOrEqual, func(a, b float64) bool { return a >= b }), nil
	case c.HasLessOrEqual:
		return present && compareNumeric(value, c.LessOrEqual, func(a, b float64) bool { return a <= b }), nil
	case c.HasMatches:
		return present && matchesRegex(value, c.Matches), nil
	default:
		return false, fmt.Errorf("condition: clause for %q has no operator", c.When)
	}
}

func equalLoose(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func containsLoose(haystack, needle any) bool {
	switch h := haystack.(type) {
	case []any:
		for _, item := range h {
			if equalLoose(item, needle) {
				return true
			}
		}
		return false
	case string:
		if s, ok := needle.(string); ok {
			return containsSubstring(h, s)
		}
		return false
	default:
		return false
	}
}

func containsSubstring(haystack, needle string) bool {
	return len(needle) == 0 || (len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0)
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

func compareNumeric(value, target any, cmp func(a, b float64) bool) bool {
	vf, vok := toFloat(value)
	tf, tok := toFloat(target)
	return vok && tok && cmp(vf, tf)
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func matchesRegex(value any, pattern string) bool {
	s, ok := value.(string)
	if !ok {
		return false
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(s)
}
