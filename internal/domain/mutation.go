package domain

import "fmt"

// Field path layout inside a stats document:
//
//	stats.<name>.type           stored kind tag
//	stats.<name>.value          running total (total kinds)
//	stats.<name>.value.total    running total (average kinds)
//	stats.<name>.value.count    number of samples (average kinds)
const (
	StatsField = "stats"
	typeField  = "type"
	valueField = "value"
	totalField = "total"
	countField = "count"
)

// Mutation is an atomic field-level update against one stats document.
// Inc holds increments keyed by field path, Set holds assignments.
type Mutation struct {
	Inc map[string]any
	Set map[string]any
}

// NewMutation returns an empty mutation
func NewMutation() Mutation {
	return Mutation{Inc: map[string]any{}, Set: map[string]any{}}
}

// IsEmpty reports whether the mutation changes nothing
func (m Mutation) IsEmpty() bool {
	return len(m.Inc) == 0 && len(m.Set) == 0
}

// Merge folds other into m. Paths must not overlap.
func (m Mutation) Merge(other Mutation) error {
	for path, v := range other.Inc {
		if _, ok := m.Inc[path]; ok {
			return fmt.Errorf("duplicate increment of %s", path)
		}
		m.Inc[path] = v
	}
	for path, v := range other.Set {
		if _, ok := m.Set[path]; ok {
			return fmt.Errorf("duplicate assignment of %s", path)
		}
		m.Set[path] = v
	}
	return nil
}

// StatPath returns the document field path of a stat sub-field
func StatPath(name string, sub ...string) string {
	path := StatsField + "." + name
	for _, s := range sub {
		path += "." + s
	}
	return path
}

// ToMutation converts an incoming stat into the mutation that folds it
// into the stored stat called name. The name must already be validated.
func ToMutation(name string, stat IncomingStat) Mutation {
	m := NewMutation()
	m.Set[StatPath(name, typeField)] = string(stat.TargetKind())

	switch s := stat.(type) {
	case IntTotalIncrement:
		m.Inc[StatPath(name, valueField)] = int64(s)
	case FloatTotalIncrement:
		m.Inc[StatPath(name, valueField)] = float64(s)
	case IntRollingSample:
		m.Inc[StatPath(name, valueField, totalField)] = int64(s)
		m.Inc[StatPath(name, valueField, countField)] = int64(1)
	case FloatRollingSample:
		m.Inc[StatPath(name, valueField, totalField)] = float64(s)
		m.Inc[StatPath(name, valueField, countField)] = int64(1)
	}
	return m
}

// BuildMutation merges the mutations for every stat in updates
func BuildMutation(updates StatUpdates) (Mutation, error) {
	m := NewMutation()
	for _, name := range updates.Names() {
		if err := ValidateStatName(name); err != nil {
			return Mutation{}, err
		}
		if err := m.Merge(ToMutation(name, updates[name])); err != nil {
			return Mutation{}, err
		}
	}
	return m, nil
}
