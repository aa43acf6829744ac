package types

// Segment is a contiguous, inclusive range of leaves assigned as a unit.
type Segment struct {
	Start int
	End   int
	Rank  int
}

// Len returns the number of leaves in the segment.
func (s Segment) Len() int {
	return s.End - s.Start + 1
}
