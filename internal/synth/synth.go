// Package synth generates clustered synthetic particle sets for the simulator and
// for multi-rank tests.
package synth

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/arloliu/decomp/store"
	"github.com/arloliu/decomp/types"
)

// Params describes a synthetic particle set for one rank.
type Params struct {
	// Count is the number of particles to add.
	Count int
	// Clusters is the number of Gaussian clumps; 0 places particles uniformly.
	Clusters int
	// Spread is the clump standard deviation as a fraction of the box side.
	Spread float64
	// GasFraction and SinkFraction select the kind; the rest splits among dark, disk,
	// bulge and star.
	GasFraction  float64
	SinkFraction float64
	// Origin and Side describe the box; particles are wrapped into it.
	Origin [3]float64
	Side   float64
	// Seed selects the cluster centres, which are shared by all ranks with the same seed.
	Seed uint64
	// Rank offsets both the IDs and the per-particle stream.
	Rank int
}

// Fill appends p.Count particles to st. IDs are p.Rank*p.Count+1 onward, so ranks
// filled with the same Count never collide.
//
// Returns:
//   - error: ErrStoreFull when st cannot hold the set
func Fill(st *store.Store, p Params) error {
	if p.Side <= 0 {
		return fmt.Errorf("synth: box side %v must be positive", p.Side)
	}

	centres := clusterCentres(p)
	rng := rand.New(rand.NewPCG(p.Seed, uint64(p.Rank)+1)) //nolint:gosec // synthetic data

	base := uint64(p.Rank)*uint64(p.Count) + 1 //nolint:gosec // rank is non-negative
	for i := range p.Count {
		pos := position(rng, p, centres)
		e := types.Entity{
			ID:      base + uint64(i), //nolint:gosec // i is non-negative
			Pos:     pos,
			Mass:    1,
			Cost:    rng.Float64(),
			TimeBin: uint8(1 + rng.IntN(3)), //nolint:gosec // bounded by IntN
		}

		var err error
		switch u := rng.Float64(); {
		case u < p.GasFraction:
			_, err = st.AddGas(e, types.GasData{Density: 1 + rng.Float64(), Hsml: p.Side / 64})
		case u < p.GasFraction+p.SinkFraction:
			_, err = st.AddSink(e, types.SinkData{Mass: e.Mass, Hsml: p.Side / 128})
		default:
			e.Kind = []types.Kind{types.KindDark, types.KindDisk, types.KindBulge, types.KindStar}[rng.IntN(4)]
			_, err = st.Add(e)
		}
		if err != nil {
			return fmt.Errorf("synth: particle %d: %w", i, err)
		}
	}

	return nil
}

func clusterCentres(p Params) [][3]float64 {
	rng := rand.New(rand.NewPCG(p.Seed, 0)) //nolint:gosec // synthetic data
	centres := make([][3]float64, p.Clusters)
	for i := range centres {
		for d := range 3 {
			centres[i][d] = p.Origin[d] + rng.Float64()*p.Side
		}
	}

	return centres
}

func position(rng *rand.Rand, p Params, centres [][3]float64) [3]float64 {
	var pos [3]float64
	if len(centres) == 0 {
		for d := range 3 {
			pos[d] = p.Origin[d] + rng.Float64()*p.Side
		}

		return pos
	}

	c := centres[rng.IntN(len(centres))]
	for d := range 3 {
		x := c[d] + rng.NormFloat64()*p.Spread*p.Side - p.Origin[d]
		x = math.Mod(x, p.Side)
		if x < 0 {
			x += p.Side
		}
		if x >= p.Side {
			x = 0
		}
		pos[d] = p.Origin[d] + x
	}

	return pos
}
