package keygen

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/decomp/types"
)

func TestNewMorton(t *testing.T) {
	_, err := NewMorton(0, [3]float64{}, 1)
	require.Error(t, err)
	_, err = NewMorton(MaxBits+1, [3]float64{}, 1)
	require.Error(t, err)
	_, err = NewMorton(4, [3]float64{}, 0)
	require.Error(t, err)

	m, err := NewMorton(2, [3]float64{}, 4)
	require.NoError(t, err)
	require.Equal(t, uint64(64), m.MaxKey())
}

func TestMortonKey(t *testing.T) {
	m, err := NewMorton(2, [3]float64{-2, -2, -2}, 4)
	require.NoError(t, err)

	tests := []struct {
		name string
		pos  [3]float64
		want uint64
	}{
		{"origin cell", [3]float64{-2, -2, -2}, 0},
		{"x is the high bit", [3]float64{-1, -2, -2}, 4},
		{"y", [3]float64{-2, -1, -2}, 2},
		{"z is the low bit", [3]float64{-2, -2, -1}, 1},
		{"far corner", [3]float64{1.9, 1.9, 1.9}, 63},
		{"clamped below", [3]float64{-100, -100, -100}, 0},
		{"clamped above", [3]float64{100, 100, 100}, 63},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, m.Key(tt.pos))
		})
	}
}

func TestMortonCellRoundTrip(t *testing.T) {
	m, err := NewMorton(MaxBits, [3]float64{}, 1)
	require.NoError(t, err)

	cells := [][3]uint64{{0, 0, 0}, {1, 2, 3}, {1<<21 - 1, 0, 1<<21 - 1}, {123456, 654321, 999}}
	for _, c := range cells {
		key := uint64(0)
		for d := range 3 {
			key |= spread(c[d]) << (2 - d)
		}
		require.Equal(t, c, m.Cell(key))
	}
}

func TestMortonLocality(t *testing.T) {
	// Every aligned octant covers a contiguous eighth of the key space.
	m, err := NewMorton(3, [3]float64{}, 8)
	require.NoError(t, err)

	kf := m.KeyFunc()
	for x := range 8 {
		for y := range 8 {
			for z := range 8 {
				e := types.Entity{Pos: [3]float64{float64(x) + 0.5, float64(y) + 0.5, float64(z) + 0.5}}
				octant := uint64(x/4)<<2 | uint64(y/4)<<1 | uint64(z/4) //nolint:gosec
				require.Equal(t, octant, kf(&e)/64)
			}
		}
	}
}
