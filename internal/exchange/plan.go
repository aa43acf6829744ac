package exchange

import (
	"fmt"

	"github.com/arloliu/decomp/types"
)

// Record categories counted per destination. CatAll includes gas and sink records.
const (
	CatAll = iota
	CatGas
	CatSink
	numCats
)

// Counts holds one value per category.
type Counts [numCats]int64

// Plain returns the number of records without an extension.
func (c Counts) Plain() int64 {
	return c[CatAll] - c[CatGas] - c[CatSink]
}

// Add returns the element-wise sum.
func (c Counts) Add(o Counts) Counts {
	for i := range c {
		c[i] += o[i]
	}

	return c
}

// Matrix is the globally known transfer plan of one round.
type Matrix struct {
	// Go[src][dst] is what rank src sends to rank dst.
	Go [][]Counts
	// Held is each rank's store size before the round.
	Held []Counts
	// Limit is each rank's store ceilings.
	Limit []Counts
}

// Size returns the number of ranks.
func (m *Matrix) Size() int {
	return len(m.Go)
}

// Out returns the totals rank src sends.
func (m *Matrix) Out(src int) Counts {
	var c Counts
	for _, v := range m.Go[src] {
		c = c.Add(v)
	}

	return c
}

// In returns the totals rank dst receives.
func (m *Matrix) In(dst int) Counts {
	var c Counts
	for src := range m.Go {
		c = c.Add(m.Go[src][dst])
	}

	return c
}

// Total returns the number of records moved by the plan.
func (m *Matrix) Total() int64 {
	var t int64
	for src := range m.Go {
		t += m.Out(src)[CatAll]
	}

	return t
}

// Excess returns how far rank r would exceed its ceiling in category cat after the round.
func (m *Matrix) Excess(r, cat int) int64 {
	return m.Held[r][cat] + m.In(r)[cat] - m.Out(r)[cat] - m.Limit[r][cat]
}

// rowLen is the number of int64 values one rank contributes to the gather.
func rowLen(n int) int {
	return 2*numCats + n*numCats
}

// encodeRow flattens one rank's held counts, ceilings and outgoing counts.
func encodeRow(held, limit Counts, out []Counts) []int64 {
	row := make([]int64, 0, rowLen(len(out)))
	row = append(row, held[:]...)
	row = append(row, limit[:]...)
	for _, c := range out {
		row = append(row, c[:]...)
	}

	return row
}

// newMatrix assembles a Matrix from the gathered rows.
func newMatrix(rows [][]int64) (*Matrix, error) {
	n := len(rows)
	m := &Matrix{
		Go:    make([][]Counts, n),
		Held:  make([]Counts, n),
		Limit: make([]Counts, n),
	}
	for src, row := range rows {
		if len(row) != rowLen(n) {
			return nil, fmt.Errorf("%w: rank %d sent %d plan values, want %d",
				types.ErrTransferMismatch, src, len(row), rowLen(n))
		}
		copy(m.Held[src][:], row[0:numCats])
		copy(m.Limit[src][:], row[numCats:2*numCats])
		m.Go[src] = make([]Counts, n)
		for dst := range n {
			off := 2*numCats + dst*numCats
			copy(m.Go[src][dst][:], row[off:off+numCats])
		}
	}

	return m, nil
}

// Negotiate revokes planned transfers until no rank would exceed a ceiling.
//
// Extension categories are checked before the general category. Each excess is
// removed one record at a time, visiting senders round-robin starting at
// passes mod RankCount, where passes counts the revision passes so far. The
// function only reads and writes m, so every rank holding the same Matrix reaches the
// same revision.
//
// Returns:
//   - int: Number of passes that revised the plan
//   - error: FatalError wrapping ErrNegotiationDiverged when the plan cannot be made
//     feasible or needs more than maxPasses passes
func Negotiate(m *Matrix, maxPasses int) (int, error) {
	n := m.Size()
	passes := 0
	for {
		revised := false
		for ta := range n {
			for _, cat := range [...]int{CatGas, CatSink, CatAll} {
				excess := m.Excess(ta, cat)
				if excess <= 0 {
					continue
				}
				revised = true
				if err := m.revoke(ta, cat, excess, passes%n); err != nil {
					return passes, types.NewFatal(types.CodeNegotiation, err)
				}
			}
		}
		if !revised {
			return passes, nil
		}

		passes++
		if passes > maxPasses {
			return passes, types.NewFatal(types.CodeNegotiation,
				fmt.Errorf("%w: %d passes", types.ErrNegotiationDiverged, passes))
		}
	}
}

func (m *Matrix) revoke(dst, cat int, excess int64, start int) error {
	n := m.Size()
	idle := 0
	for src := start; excess > 0; src = (src + 1) % n {
		if m.take(src, dst, cat) {
			excess--
			idle = 0

			continue
		}
		idle++
		if idle >= n {
			return fmt.Errorf("%w: rank %d exceeds its %s ceiling by %d with no imports left",
				types.ErrNegotiationDiverged, dst, catName(cat), excess)
		}
	}

	return nil
}

// take removes one record of cat from the src->dst transfer. Revoking from the
// general category prefers records without an extension.
func (m *Matrix) take(src, dst, cat int) bool {
	c := &m.Go[src][dst]
	switch cat {
	case CatGas, CatSink:
		if c[cat] == 0 {
			return false
		}
		c[cat]--
		c[CatAll]--
	default:
		switch {
		case c.Plain() > 0:
			c[CatAll]--
		case c[CatGas] > 0:
			c[CatGas]--
			c[CatAll]--
		case c[CatSink] > 0:
			c[CatSink]--
			c[CatAll]--
		default:
			return false
		}
	}

	return true
}

func catName(cat int) string {
	switch cat {
	case CatGas:
		return "gas"
	case CatSink:
		return "sink"
	default:
		return "entity"
	}
}

func categoryOf(k types.Kind) int {
	switch k {
	case types.KindGas:
		return CatGas
	case types.KindSink:
		return CatSink
	default:
		return CatAll
	}
}
