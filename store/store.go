// Package store holds the per-rank entity arrays and their extension records.
//
// A Store owns three dense arrays: general entity records, gas extension records and
// sink extension records. An entity reaches its extension record only through its Ext
// handle; array positions never correspond. All mutations that move records (append,
// removal, fork) keep handles consistent.
package store

import (
	"fmt"

	"github.com/arloliu/decomp/types"
)

// Limits are the per-rank storage ceilings.
type Limits struct {
	MaxEntities int `yaml:"maxEntities"`
	MaxGas      int `yaml:"maxGas"`
	MaxSinks    int `yaml:"maxSinks"`
}

// Store is the local entity store of one rank.
//
// The exported slices may be read and modified in place by parallel workers over
// disjoint index ranges. Changing their lengths must go through Store methods.
type Store struct {
	Entities []types.Entity
	Gas      []types.GasData
	Sinks    []types.SinkData

	limits Limits
}

// New creates an empty store bounded by limits.
func New(limits Limits) *Store {
	return &Store{limits: limits}
}

// Limits returns the store ceilings.
func (s *Store) Limits() Limits {
	return s.limits
}

// Len returns the number of local entities.
func (s *Store) Len() int {
	return len(s.Entities)
}

// Add appends an entity without an extension record and returns its index.
//
// Entities of an extension-carrying kind must use AddGas or AddSink.
func (s *Store) Add(e types.Entity) (int, error) {
	if e.Kind.HasExtension() {
		return -1, fmt.Errorf("%w: kind %s requires an extension record", types.ErrHandleMismatch, e.Kind)
	}
	if len(s.Entities) >= s.limits.MaxEntities {
		return -1, types.ErrStoreFull
	}
	e.Ext = types.NoExtension
	s.Entities = append(s.Entities, e)

	return len(s.Entities) - 1, nil
}

// AddGas appends a gas entity together with its extension record.
func (s *Store) AddGas(e types.Entity, g types.GasData) (int, error) {
	if len(s.Entities) >= s.limits.MaxEntities || len(s.Gas) >= s.limits.MaxGas {
		return -1, types.ErrStoreFull
	}
	e.Kind = types.KindGas
	e.Ext = int32(len(s.Gas))
	g.OwnerID = e.ID
	s.Gas = append(s.Gas, g)
	s.Entities = append(s.Entities, e)

	return len(s.Entities) - 1, nil
}

// AddSink appends a sink entity together with its extension record.
func (s *Store) AddSink(e types.Entity, b types.SinkData) (int, error) {
	if len(s.Entities) >= s.limits.MaxEntities || len(s.Sinks) >= s.limits.MaxSinks {
		return -1, types.ErrStoreFull
	}
	e.Kind = types.KindSink
	e.Ext = int32(len(s.Sinks))
	b.OwnerID = e.ID
	s.Sinks = append(s.Sinks, b)
	s.Entities = append(s.Entities, e)

	return len(s.Entities) - 1, nil
}

// Append adds received records to the end of the store.
//
// Ext handles in ents are relative to the given gas and sinks slices and are rewritten
// to the new local slots. Every handle is validated before anything is appended. The
// ceilings are checked after the append; a violation is reported but the records
// stay appended.
//
// Returns:
//   - error: ErrHandleMismatch when a handle is out of range or the owner differs,
//     with the store unchanged; ErrCapacityExceeded when a ceiling is exceeded
func (s *Store) Append(ents []types.Entity, gas []types.GasData, sinks []types.SinkData) error {
	for i := range ents {
		e := &ents[i]
		switch e.Kind {
		case types.KindGas:
			if e.Ext < 0 || int(e.Ext) >= len(gas) || gas[e.Ext].OwnerID != e.ID {
				return fmt.Errorf("%w: received gas entity %d with handle %d", types.ErrHandleMismatch, e.ID, e.Ext)
			}
		case types.KindSink:
			if e.Ext < 0 || int(e.Ext) >= len(sinks) || sinks[e.Ext].OwnerID != e.ID {
				return fmt.Errorf("%w: received sink entity %d with handle %d", types.ErrHandleMismatch, e.ID, e.Ext)
			}
		}
	}

	gasBase := int32(len(s.Gas))     //nolint:gosec
	sinkBase := int32(len(s.Sinks)) //nolint:gosec
	for _, e := range ents {
		switch e.Kind {
		case types.KindGas:
			e.Ext += gasBase
		case types.KindSink:
			e.Ext += sinkBase
		default:
			e.Ext = types.NoExtension
		}
		s.Entities = append(s.Entities, e)
	}
	s.Gas = append(s.Gas, gas...)
	s.Sinks = append(s.Sinks, sinks...)

	return s.CheckCapacity()
}

// CheckCapacity reports whether any array exceeds its ceiling.
func (s *Store) CheckCapacity() error {
	if len(s.Entities) > s.limits.MaxEntities {
		return fmt.Errorf("%w: %d entities, ceiling %d", types.ErrCapacityExceeded, len(s.Entities), s.limits.MaxEntities)
	}
	if len(s.Gas) > s.limits.MaxGas {
		return fmt.Errorf("%w: %d gas records, ceiling %d", types.ErrCapacityExceeded, len(s.Gas), s.limits.MaxGas)
	}
	if len(s.Sinks) > s.limits.MaxSinks {
		return fmt.Errorf("%w: %d sink records, ceiling %d", types.ErrCapacityExceeded, len(s.Sinks), s.limits.MaxSinks)
	}

	return nil
}

// CountByKind returns the number of local entities of each kind.
func (s *Store) CountByKind() [types.NumKinds]int64 {
	var counts [types.NumKinds]int64
	for i := range s.Entities {
		if k := s.Entities[i].Kind; int(k) < types.NumKinds {
			counts[k]++
		}
	}

	return counts
}

// Verify checks that every extension handle resolves to a record owned by its entity
// and that no extension record is shared.
func (s *Store) Verify() error {
	gasSeen := make([]bool, len(s.Gas))
	sinkSeen := make([]bool, len(s.Sinks))

	for i := range s.Entities {
		e := &s.Entities[i]
		switch e.Kind {
		case types.KindGas:
			if err := checkHandle(e, len(s.Gas), gasSeen); err != nil {
				return err
			}
			if s.Gas[e.Ext].OwnerID != e.ID {
				return fmt.Errorf("%w: gas slot %d owned by %d, referenced by %d",
					types.ErrHandleMismatch, e.Ext, s.Gas[e.Ext].OwnerID, e.ID)
			}
		case types.KindSink:
			if err := checkHandle(e, len(s.Sinks), sinkSeen); err != nil {
				return err
			}
			if s.Sinks[e.Ext].OwnerID != e.ID {
				return fmt.Errorf("%w: sink slot %d owned by %d, referenced by %d",
					types.ErrHandleMismatch, e.Ext, s.Sinks[e.Ext].OwnerID, e.ID)
			}
		default:
			if e.Ext != types.NoExtension {
				return fmt.Errorf("%w: %s entity %d carries handle %d", types.ErrHandleMismatch, e.Kind, e.ID, e.Ext)
			}
		}
	}

	return nil
}

func checkHandle(e *types.Entity, n int, seen []bool) error {
	if e.Ext < 0 || int(e.Ext) >= n {
		return fmt.Errorf("%w: %s entity %d has handle %d outside [0,%d)", types.ErrHandleMismatch, e.Kind, e.ID, e.Ext, n)
	}
	if seen[e.Ext] {
		return fmt.Errorf("%w: %s slot %d shared by several entities", types.ErrHandleMismatch, e.Kind, e.Ext)
	}
	seen[e.Ext] = true

	return nil
}
