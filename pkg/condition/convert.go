package condition

import "github.com/forgekit/mosaic/pkg/blueprint"

// FromBlueprint converts a parsed blueprint.Condition (as decoded from
// YAML) into an evaluable Node.
func FromBlueprint(bc blueprint.Condition) Node {
	if len(bc.All) > 0 {
		children := make([]Node, len(bc.All))
		for i, c := range bc.All {
			children[i] = FromBlueprint(c)
		}
		return Node{Group: &Group{All: children}}
	}
	if len(bc.Any) > 0 {
		children := make([]Node, len(bc.Any))
		for i, c := range bc.Any {
			children[i] = FromBlueprint(c)
		}
		return Node{Group: &Group{Any: children}}
	}

	clause := &Clause{When: bc.When}
	if bc.Is != nil {
		clause.Is, clause.HasIs = bc.Is, true
	}
	if bc.IsNot != nil {
		clause.IsNot, clause.HasIsNot = bc.IsNot, true
	}
	if bc.Contains != nil {
		clause.Contains, clause.HasContains = bc.Contains, true
	}
	if bc.GreaterThan != nil {
		clause.GreaterThan, clause.HasGreaterThan = bc.GreaterThan, true
	}
	if bc.LessThan != nil {
		clause.LessThan, clause.HasLessThan = bc.LessThan, true
	}
	if bc.GreaterOrEqual != nil {
		clause.GreaterOrEqual, clause.HasGreaterOrEqual = bc.GreaterOrEqual, true
	}
	if bc.LessOrEqual != nil {
		clause.LessOrEqual, clause.HasLessOrEqual = bc.LessOrEqual, true
	}
	if bc.Exists != nil {
		clause.Exists = bc.Exists
	}
	if bc.Matches != "" {
		clause.Matches, clause.HasMatches = bc.Matches, true
	}
	return Node{Clause: clause}
}
