package store

import (
	"testing"

	"github.com/arloliu/decomp/types"
	"github.com/stretchr/testify/require"
)

func testLimits() Limits {
	return Limits{MaxEntities: 64, MaxGas: 32, MaxSinks: 8}
}

// populate adds gas, dark and sink entities in an interleaved order.
func populate(t *testing.T, s *Store, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		e := types.Entity{ID: uint64(i + 1), Key: uint64(i), Mass: 1}
		var err error
		switch i % 3 {
		case 0:
			_, err = s.AddGas(e, types.GasData{Density: float64(i)})
		case 1:
			e.Kind = types.KindDark
			_, err = s.Add(e)
		default:
			_, err = s.AddSink(e, types.SinkData{Mass: float64(i)})
		}
		require.NoError(t, err)
	}
}

func TestStore_Add(t *testing.T) {
	s := New(testLimits())
	populate(t, s, 12)

	require.Equal(t, 12, s.Len())
	require.Len(t, s.Gas, 4)
	require.Len(t, s.Sinks, 4)
	require.NoError(t, s.Verify())

	counts := s.CountByKind()
	require.Equal(t, int64(4), counts[types.KindGas])
	require.Equal(t, int64(4), counts[types.KindDark])
	require.Equal(t, int64(4), counts[types.KindSink])

	t.Run("extension kind through Add is rejected", func(t *testing.T) {
		_, err := s.Add(types.Entity{ID: 99, Kind: types.KindGas})
		require.ErrorIs(t, err, types.ErrHandleMismatch)
	})

	t.Run("ceiling", func(t *testing.T) {
		small := New(Limits{MaxEntities: 1, MaxGas: 1, MaxSinks: 1})
		_, err := small.Add(types.Entity{ID: 1, Kind: types.KindStar})
		require.NoError(t, err)
		_, err = small.AddGas(types.Entity{ID: 2}, types.GasData{})
		require.ErrorIs(t, err, types.ErrStoreFull)
	})
}

func TestRemover_Remove(t *testing.T) {
	s := New(testLimits())
	populate(t, s, 12)

	r := s.NewRemover()
	// remove every entity with an even ID, revisiting swapped-in slots
	for i := 0; i < s.Len(); i++ {
		if s.Entities[i].ID%2 == 0 {
			r.Remove(i)
			i--
		}
	}

	require.Equal(t, 6, s.Len())
	for _, e := range s.Entities {
		require.Equal(t, uint64(1), e.ID%2)
	}
	require.NoError(t, s.Verify())

	counts := s.CountByKind()
	require.Equal(t, int(counts[types.KindGas]), len(s.Gas))
	require.Equal(t, int(counts[types.KindSink]), len(s.Sinks))
}

func TestRemover_Orphan(t *testing.T) {
	s := New(testLimits())
	populate(t, s, 6)

	r := s.NewRemover()
	r.Orphan(2) // sink
	r.Remove(2)

	require.Equal(t, 5, s.Len())
	require.Len(t, s.Sinks, 2, "orphaned sink record stays until collected")
	require.Equal(t, []int32{-1, 2}, s.ReverseIndex(types.KindSink))
	require.NoError(t, s.Verify())
}

func TestStore_Append(t *testing.T) {
	s := New(testLimits())
	populate(t, s, 3)

	ents := []types.Entity{
		{ID: 100, Kind: types.KindSink, Ext: 0, Mass: 1},
		{ID: 101, Kind: types.KindGas, Ext: 1, Mass: 1},
		{ID: 102, Kind: types.KindGas, Ext: 0, Mass: 1},
		{ID: 103, Kind: types.KindStar, Ext: 5, Mass: 1},
	}
	gas := []types.GasData{{OwnerID: 102}, {OwnerID: 101}}
	sinks := []types.SinkData{{OwnerID: 100}}

	require.NoError(t, s.Append(ents, gas, sinks))
	require.Equal(t, 7, s.Len())
	require.NoError(t, s.Verify())
	require.Equal(t, int32(2), s.Entities[4].Ext)
	require.Equal(t, types.NoExtension, s.Entities[6].Ext)

	t.Run("bad handle leaves the store unchanged", func(t *testing.T) {
		gasBefore, sinksBefore := len(s.Gas), len(s.Sinks)
		err := s.Append([]types.Entity{
			{ID: 200, Kind: types.KindDark, Mass: 1},
			{ID: 201, Kind: types.KindGas, Ext: 0, Mass: 1},
			{ID: 7, Kind: types.KindGas, Ext: 3},
		}, []types.GasData{{OwnerID: 201}}, []types.SinkData{{OwnerID: 9}})
		require.ErrorIs(t, err, types.ErrHandleMismatch)
		require.Equal(t, 7, s.Len())
		require.Len(t, s.Gas, gasBefore)
		require.Len(t, s.Sinks, sinksBefore)
		require.NoError(t, s.Verify())
	})

	t.Run("capacity", func(t *testing.T) {
		tiny := New(Limits{MaxEntities: 1, MaxGas: 1, MaxSinks: 1})
		err := tiny.Append([]types.Entity{{ID: 1, Kind: types.KindDark}, {ID: 2, Kind: types.KindDark}}, nil, nil)
		require.ErrorIs(t, err, types.ErrCapacityExceeded)
	})
}

func TestStore_Fork(t *testing.T) {
	s := New(testLimits())
	populate(t, s, 3)

	child, err := s.Fork(0, types.KindStar)
	require.NoError(t, err)
	require.Equal(t, uint8(1), s.Entities[0].Generation)
	require.Equal(t, GenerationID(1, 1), s.Entities[child].ID)
	require.Equal(t, uint64(1)<<56|1, s.Entities[child].ID)
	require.Zero(t, s.Entities[child].Mass)
	require.Equal(t, types.NoExtension, s.Entities[child].Ext)

	gasChild, err := s.Fork(0, types.KindGas)
	require.NoError(t, err)
	require.Equal(t, GenerationID(1, 2), s.Entities[gasChild].ID)
	require.Equal(t, s.Gas[s.Entities[0].Ext].Density, s.Gas[s.Entities[gasChild].Ext].Density)
	require.NoError(t, s.Verify())

	t.Run("full", func(t *testing.T) {
		tiny := New(Limits{MaxEntities: 1, MaxGas: 1, MaxSinks: 1})
		_, err := tiny.Add(types.Entity{ID: 1, Kind: types.KindDark, Mass: 1})
		require.NoError(t, err)
		_, err = tiny.Fork(0, types.KindDark)
		require.ErrorIs(t, err, types.ErrStoreFull)
	})
}

func TestStore_Retype(t *testing.T) {
	s := New(testLimits())
	populate(t, s, 3)

	require.NoError(t, s.Retype(0, types.KindStar))
	require.Equal(t, types.NoExtension, s.Entities[0].Ext)
	require.Equal(t, []int32{-1}, s.ReverseIndex(types.KindGas))

	require.NoError(t, s.Retype(1, types.KindGas))
	require.Len(t, s.Gas, 2)
	require.NoError(t, s.Verify())
}

func TestStore_Verify(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(s *Store)
	}{
		{"owner mismatch", func(s *Store) { s.Gas[0].OwnerID = 999 }},
		{"out of range", func(s *Store) { s.Entities[2].Ext = 7 }},
		{"shared slot", func(s *Store) { s.Entities[3].Ext = s.Entities[0].Ext }},
		{"handle on plain kind", func(s *Store) { s.Entities[1].Ext = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(testLimits())
			populate(t, s, 6)
			tt.mutate(s)
			require.ErrorIs(t, s.Verify(), types.ErrHandleMismatch)
		})
	}
}
