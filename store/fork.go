package store

import (
	"fmt"

	"github.com/arloliu/decomp/types"
)

const generationMask = 0x00ffffffffffffff

// GenerationID returns id tagged with generation g in its highest 8 bits.
func GenerationID(id uint64, g uint8) uint64 {
	return (id & generationMask) | uint64(g)<<56
}

// Fork spawns a zero-mass child of entity parent and returns the child's index.
//
// The parent's generation is incremented and the child carries it, both in its
// Generation field and in the top 8 bits of its ID. The child takes kind; when kind
// carries an extension record a fresh record owned by the child is appended, copied
// from the parent's record when the parent has the same kind.
//
// Parameters:
//   - parent: Index of the spawning entity
//   - kind: Kind of the child
//
// Returns:
//   - int: Index of the child
//   - error: ErrStoreFull when an entity or extension ceiling would be exceeded
func (s *Store) Fork(parent int, kind types.Kind) (int, error) {
	if parent < 0 || parent >= len(s.Entities) {
		return -1, fmt.Errorf("fork: parent index %d out of range", parent)
	}
	if len(s.Entities) >= s.limits.MaxEntities {
		return -1, types.ErrStoreFull
	}

	p := &s.Entities[parent]
	if p.Generation == 0xff {
		return -1, fmt.Errorf("fork: entity %d exhausted its generations", p.ID)
	}
	p.Generation++

	child := *p
	child.ID = GenerationID(p.ID, p.Generation)
	child.Mass = 0
	child.Kind = kind
	child.Ext = types.NoExtension
	child.OnAnotherRank = false
	child.WillExport = false

	switch kind {
	case types.KindGas:
		if len(s.Gas) >= s.limits.MaxGas {
			p.Generation--
			return -1, types.ErrStoreFull
		}
		var g types.GasData
		if p.Kind == types.KindGas && p.Ext >= 0 {
			g = s.Gas[p.Ext]
		}
		g.OwnerID = child.ID
		child.Ext = int32(len(s.Gas))
		s.Gas = append(s.Gas, g)
	case types.KindSink:
		if len(s.Sinks) >= s.limits.MaxSinks {
			p.Generation--
			return -1, types.ErrStoreFull
		}
		var b types.SinkData
		if p.Kind == types.KindSink && p.Ext >= 0 {
			b = s.Sinks[p.Ext]
		}
		b.OwnerID = child.ID
		child.Ext = int32(len(s.Sinks))
		s.Sinks = append(s.Sinks, b)
	}
	s.Entities = append(s.Entities, child)

	return len(s.Entities) - 1, nil
}

// Retype changes the kind of entity i.
//
// Any extension record the entity owned is left orphaned for the garbage collector.
// A new extension record is appended when the new kind carries one.
func (s *Store) Retype(i int, kind types.Kind) error {
	e := &s.Entities[i]
	if e.Kind == kind {
		return nil
	}

	switch kind {
	case types.KindGas:
		if len(s.Gas) >= s.limits.MaxGas {
			return types.ErrStoreFull
		}
		e.Ext = int32(len(s.Gas))
		s.Gas = append(s.Gas, types.GasData{OwnerID: e.ID})
	case types.KindSink:
		if len(s.Sinks) >= s.limits.MaxSinks {
			return types.ErrStoreFull
		}
		e.Ext = int32(len(s.Sinks))
		s.Sinks = append(s.Sinks, types.SinkData{OwnerID: e.ID, Mass: e.Mass})
	default:
		e.Ext = types.NoExtension
	}
	e.Kind = kind

	return nil
}
