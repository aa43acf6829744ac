package types

// Objective selects the per-leaf quantity balanced by the load balancer.
type Objective int

const (
	// ObjectiveWork balances the summed cost weight per rank.
	ObjectiveWork Objective = iota

	// ObjectiveCount balances the number of entities per rank.
	ObjectiveCount
)

// String returns the string representation of the objective.
func (o Objective) String() string {
	switch o {
	case ObjectiveWork:
		return "work"
	case ObjectiveCount:
		return "count"
	default:
		return "unknown"
	}
}
