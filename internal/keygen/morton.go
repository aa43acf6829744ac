// Package keygen computes locality-preserving spatial keys.
//
// A Morton (Z-order) key interleaves the bits of the three quantized coordinates, so
// every aligned octree cell of the top-level tree covers one contiguous key range.
package keygen

import (
	"fmt"
	"math"

	"github.com/arloliu/decomp/types"
)

// MaxBits is the largest number of bits per dimension a 64-bit key can hold.
const MaxBits = 21

// Morton maps positions inside a cubic box to Morton keys.
type Morton struct {
	bits  uint
	min   [3]float64
	scale float64
	cells uint64
}

// NewMorton creates a key provider for the cube [origin, origin+side) in every
// dimension with bits bits per dimension.
//
// Returns:
//   - *Morton: Initialized provider
//   - error: When bits is outside [1, MaxBits] or side is not positive
func NewMorton(bits int, origin [3]float64, side float64) (*Morton, error) {
	if bits < 1 || bits > MaxBits {
		return nil, fmt.Errorf("keygen: %d bits per dimension outside [1,%d]", bits, MaxBits)
	}
	if !(side > 0) || math.IsInf(side, 0) {
		return nil, fmt.Errorf("keygen: box side %v must be positive", side)
	}

	cells := uint64(1) << uint(bits)

	return &Morton{
		bits:  uint(bits),
		min:   origin,
		scale: float64(cells) / side,
		cells: cells,
	}, nil
}

// MaxKey returns the size of the key space, 2^(3*bits).
func (m *Morton) MaxKey() uint64 {
	return uint64(1) << (3 * m.bits)
}

// Key returns the Morton key of pos. Positions outside the box are clamped.
func (m *Morton) Key(pos [3]float64) uint64 {
	var key uint64
	var cell [3]uint64
	for d := range 3 {
		cell[d] = m.quantize(pos[d], d)
	}
	for d := range 3 {
		key |= spread(cell[d]) << (2 - d)
	}

	return key
}

// KeyFunc returns a types.KeyFunc over entity positions.
func (m *Morton) KeyFunc() types.KeyFunc {
	return func(e *types.Entity) uint64 {
		return m.Key(e.Pos)
	}
}

// Cell returns the quantized coordinates encoded in key.
func (m *Morton) Cell(key uint64) [3]uint64 {
	var cell [3]uint64
	for d := range 3 {
		cell[d] = compact(key >> (2 - d))
	}

	return cell
}

func (m *Morton) quantize(x float64, d int) uint64 {
	f := (x - m.min[d]) * m.scale
	switch {
	case !(f > 0):
		return 0
	case f >= float64(m.cells):
		return m.cells - 1
	default:
		return uint64(f)
	}
}

// spread inserts two zero bits between each of the low 21 bits of v.
func spread(v uint64) uint64 {
	v &= 0x1fffff
	v = (v | v<<32) & 0x1f00000000ffff
	v = (v | v<<16) & 0x1f0000ff0000ff
	v = (v | v<<8) & 0x100f00f00f00f00f
	v = (v | v<<4) & 0x10c30c30c30c30c3
	v = (v | v<<2) & 0x1249249249249249

	return v
}

// compact is the inverse of spread.
func compact(v uint64) uint64 {
	v &= 0x1249249249249249
	v = (v ^ v>>2) & 0x10c30c30c30c30c3
	v = (v ^ v>>4) & 0x100f00f00f00f00f
	v = (v ^ v>>8) & 0x1f0000ff0000ff
	v = (v ^ v>>16) & 0x1f00000000ffff
	v = (v ^ v>>32) & 0x1fffff

	return v
}
