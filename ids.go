package decomp

import (
	"context"
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/arloliu/decomp/types"
)

// VerifyUniqueIDs checks that no entity ID occurs twice across all ranks.
//
// Every ID is routed to rank id % Size(), each rank sorts what it received and
// scans for neighbours that compare equal. The outcome is agreed on collectively,
// so every rank returns the same verdict.
//
// Returns:
//   - error: *FatalError wrapping ErrDuplicateID when any rank found a duplicate
func (d *Decomposer) VerifyUniqueIDs(ctx context.Context) error {
	size := d.comm.Size()
	send := make([][]byte, size)
	for i := range d.store.Entities {
		id := d.store.Entities[i].ID
		r := int(id % uint64(size)) //nolint:gosec // size is a small positive rank count
		send[r] = binary.LittleEndian.AppendUint64(send[r], id)
	}

	recv, err := d.comm.AllToAllV(ctx, send)
	if err != nil {
		return err
	}

	var ids []uint64
	for _, buf := range recv {
		for off := 0; off+8 <= len(buf); off += 8 {
			ids = append(ids, binary.LittleEndian.Uint64(buf[off:]))
		}
	}
	slices.Sort(ids)

	dup, found := firstDuplicate(ids)
	if found {
		d.logger.Error("duplicate entity ID", "id", dup)
	}
	global, err := d.comm.Any(ctx, found)
	if err != nil {
		return err
	}
	if !global {
		return nil
	}
	if found {
		return types.NewFatal(types.CodeDuplicateID, fmt.Errorf("%w: %d", types.ErrDuplicateID, dup))
	}

	return types.NewFatal(types.CodeDuplicateID, fmt.Errorf("%w: reported by a peer", types.ErrDuplicateID))
}

func firstDuplicate(sorted []uint64) (uint64, bool) {
	for i := 1; i < len(sorted); i++ {
		if sorted[i] == sorted[i-1] {
			return sorted[i], true
		}
	}

	return 0, false
}
