package topology

import (
	"context"
	"errors"
	"fmt"

	"github.com/zeebo/xxh3"

	"github.com/arloliu/decomp/types"
)

// treeTag is the point-to-point tag base of the butterfly merge; stage s uses treeTag+s.
const treeTag uint64 = 0x7472_6565_0000

// Combine merges the local trees of all ranks and returns the merged tree on every rank.
//
// At each stage of the butterfly with separation sep = 1, 2, 4, ..., the group leaders
// (rank % sep == 0) of even groups receive the tree of the leader sep ranks above and
// merge it; odd leaders send theirs and drop out. After the last stage rank 0 holds
// the merged tree and broadcasts it. A capacity overflow on any rank is combined
// across ranks after every stage so all ranks stop together.
//
// Returns:
//   - *Tree: The merged tree, identical on every rank
//   - error: ErrTreeCapacity on every rank when any rank overflowed,
//     a FatalError for corrupted or undecodable trees
func Combine(ctx context.Context, c types.Communicator, local *Tree) (*Tree, error) {
	rank, size := c.Rank(), c.Size()
	tree := local
	overflow := false

	stage := uint64(0)
	for sep := 1; sep < size; sep, stage = sep*2, stage+1 {
		if rank%sep == 0 && !overflow {
			color := rank / sep
			if color%2 == 0 {
				if peer := rank + sep; peer < size {
					buf, err := c.Recv(ctx, peer, treeTag+stage)
					if err != nil {
						return nil, fmt.Errorf("receive tree from rank %d: %w", peer, err)
					}
					other, err := Decode(buf, 0)
					if err != nil {
						return nil, types.NewFatal(types.CodeTreeCorrupted, err)
					}
					if err := tree.Merge(other); err != nil {
						if !errors.Is(err, types.ErrTreeCapacity) {
							return nil, err
						}
						overflow = true
					}
				}
			} else {
				if err := c.Send(ctx, rank-sep, treeTag+stage, tree.Encode()); err != nil {
					return nil, fmt.Errorf("send tree to rank %d: %w", rank-sep, err)
				}
			}
		}

		failed, err := c.Any(ctx, overflow)
		if err != nil {
			return nil, err
		}
		if failed {
			return nil, types.ErrTreeCapacity
		}
	}

	var payload []byte
	if rank == 0 {
		payload = tree.Encode()
	}
	buf, err := c.Bcast(ctx, 0, payload)
	if err != nil {
		return nil, fmt.Errorf("broadcast tree: %w", err)
	}
	merged, err := Decode(buf, local.MaxNodes)
	if err != nil {
		return nil, types.NewFatal(types.CodeTreeCorrupted, err)
	}

	return merged, nil
}

// Fingerprint returns the xxh3 hash of the encoded tree.
func (t *Tree) Fingerprint() uint64 {
	return xxh3.Hash(t.Encode())
}

// VerifyIdentical checks that every rank holds the same tree.
func VerifyIdentical(ctx context.Context, c types.Communicator, t *Tree) error {
	all, err := c.AllGatherInt64(ctx, []int64{int64(t.Fingerprint())}) //nolint:gosec
	if err != nil {
		return err
	}
	for r, v := range all {
		if v[0] != all[0][0] {
			return types.NewFatal(types.CodeTreeCorrupted,
				fmt.Errorf("%w: rank %d fingerprint %#x, rank 0 %#x", types.ErrTreeMismatch, r, uint64(v[0]), uint64(all[0][0])))
		}
	}

	return nil
}
