package schema

// Group tags a partition of constraints applied during one validation
// pass. Arbitrary group values are allowed; Default and Uniqueness are
// the built-ins.
type Group string

const (
	Default    Group = "default"
	Uniqueness Group = "uniqueness"
)

type Groups map[Group]struct{}

// DefaultGroups is shared by reference for the common default-group
// enqueue; callers must never mutate it.
var DefaultGroups = Groups{Default: {}}

func NewGroups(gs ...Group) Groups {
	if len(gs) == 0 {
		return DefaultGroups
	}
	ret := make(Groups, len(gs))
	for _, g := range gs {
		ret[g] = struct{}{}
	}
	return ret
}

func (g Groups) Has(x Group) bool {
	_, ok := g[x]
	return ok
}

// Union returns a set holding both operands' groups. The shared
// DefaultGroups value is never mutated; a copy is made instead.
func (g Groups) Union(other Groups) Groups {
	if len(other) == 0 {
		return g
	}
	sub := true
	for x := range other {
		if !g.Has(x) {
			sub = false
			break
		}
	}
	if sub {
		return g
	}
	ret := make(Groups, len(g)+len(other))
	for x := range g {
		ret[x] = struct{}{}
	}
	for x := range other {
		ret[x] = struct{}{}
	}
	return ret
}
