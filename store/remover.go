package store

import "github.com/arloliu/decomp/types"

// ReverseIndex maps each extension slot of kind to the index of the entity referencing
// it, or -1 for orphaned slots. Only KindGas and KindSink carry extension records.
func (s *Store) ReverseIndex(kind types.Kind) []int32 {
	var n int
	switch kind {
	case types.KindGas:
		n = len(s.Gas)
	case types.KindSink:
		n = len(s.Sinks)
	default:
		return nil
	}

	rev := make([]int32, n)
	for i := range rev {
		rev[i] = -1
	}
	for i := range s.Entities {
		e := &s.Entities[i]
		if e.Kind == kind && e.Ext >= 0 && int(e.Ext) < n {
			rev[e.Ext] = int32(i)
		}
	}

	return rev
}

// Remover deletes entities by swap-with-last in O(1) each.
//
// It caches the reverse extension indices of the store, so every removal between
// NewRemover and the last Remove call must go through the same Remover.
type Remover struct {
	s       *Store
	gasRev  []int32
	sinkRev []int32
}

// NewRemover builds the reverse indices needed for constant-time removal.
func (s *Store) NewRemover() *Remover {
	return &Remover{
		s:       s,
		gasRev:  s.ReverseIndex(types.KindGas),
		sinkRev: s.ReverseIndex(types.KindSink),
	}
}

// Remove deletes entity i and its extension record.
//
// The last entity moves into slot i, and the last extension record of the same kind
// moves into the freed extension slot with its owner's handle fixed. The caller must
// revisit index i afterwards.
func (r *Remover) Remove(i int) {
	s := r.s
	e := &s.Entities[i]
	switch e.Kind {
	case types.KindGas:
		if e.Ext >= 0 {
			r.removeGas(int(e.Ext))
		}
	case types.KindSink:
		if e.Ext >= 0 {
			r.removeSink(int(e.Ext))
		}
	}
	r.removeEntity(i)
}

// Orphan detaches entity i from its extension record without reclaiming the slot.
func (r *Remover) Orphan(i int) {
	e := &r.s.Entities[i]
	if e.Ext < 0 {
		return
	}
	switch e.Kind {
	case types.KindGas:
		r.gasRev[e.Ext] = -1
	case types.KindSink:
		r.sinkRev[e.Ext] = -1
	}
	e.Ext = types.NoExtension
}

func (r *Remover) removeEntity(i int) {
	s := r.s
	last := len(s.Entities) - 1
	if i != last {
		moved := s.Entities[last]
		s.Entities[i] = moved
		if moved.Ext >= 0 {
			switch moved.Kind {
			case types.KindGas:
				r.gasRev[moved.Ext] = int32(i)
			case types.KindSink:
				r.sinkRev[moved.Ext] = int32(i)
			}
		}
	}
	s.Entities = s.Entities[:last]
}

func (r *Remover) removeGas(slot int) {
	s := r.s
	last := len(s.Gas) - 1
	if slot != last {
		s.Gas[slot] = s.Gas[last]
		owner := r.gasRev[last]
		r.gasRev[slot] = owner
		if owner >= 0 {
			s.Entities[owner].Ext = int32(slot)
		}
	}
	s.Gas = s.Gas[:last]
	r.gasRev = r.gasRev[:last]
}

func (r *Remover) removeSink(slot int) {
	s := r.s
	last := len(s.Sinks) - 1
	if slot != last {
		s.Sinks[slot] = s.Sinks[last]
		owner := r.sinkRev[last]
		r.sinkRev[slot] = owner
		if owner >= 0 {
			s.Entities[owner].Ext = int32(slot)
		}
	}
	s.Sinks = s.Sinks[:last]
	r.sinkRev = r.sinkRev[:last]
}
