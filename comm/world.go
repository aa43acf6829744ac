package comm

import (
	"context"

	"github.com/arloliu/decomp/types"
)

// World is an in-process group of ranks connected through channels.
//
// Each rank runs in its own goroutine and talks to the others only through its
// Transport, so code exercised over a World behaves as it would across processes.
type World struct {
	size  int
	boxes []*mailbox
	abort *abortState
}

// NewWorld creates an in-process world of size ranks.
func NewWorld(size int) *World {
	w := &World{
		size:  size,
		boxes: make([]*mailbox, size),
		abort: newAbortState(),
	}
	for i := range w.boxes {
		w.boxes[i] = newMailbox()
	}

	return w
}

// Size returns the number of ranks in the world.
func (w *World) Size() int {
	return w.size
}

// Transport returns the transport endpoint of rank.
func (w *World) Transport(rank int) Transport {
	return &worldTransport{w: w, rank: rank}
}

// Comms returns one communicator per rank, indexed by rank.
func (w *World) Comms() []*Comm {
	out := make([]*Comm, w.size)
	for r := range out {
		out[r] = New(w.Transport(r))
	}

	return out
}

// Aborted reports whether any rank aborted the world.
func (w *World) Aborted() bool {
	return w.abort.aborted()
}

type worldTransport struct {
	w    *World
	rank int
}

var _ Transport = (*worldTransport)(nil)

func (t *worldTransport) Rank() int { return t.rank }

func (t *worldTransport) Size() int { return t.w.size }

func (t *worldTransport) Send(ctx context.Context, dst int, tag uint64, data []byte) error {
	if err := checkRank(dst, t.w.size); err != nil {
		return err
	}
	if t.w.abort.aborted() {
		return t.w.abort.err()
	}
	// Ranks share no memory: the receiver gets its own copy.
	buf := append([]byte(nil), data...)

	return t.w.boxes[dst].deliver(ctx, mailKey{src: t.rank, tag: tag}, buf, t.w.abort)
}

func (t *worldTransport) Recv(ctx context.Context, src int, tag uint64) ([]byte, error) {
	if err := checkRank(src, t.w.size); err != nil {
		return nil, err
	}

	return t.w.boxes[t.rank].receive(ctx, mailKey{src: src, tag: tag}, t.w.abort)
}

func (t *worldTransport) Abort(err error) {
	t.w.abort.trigger(err)
}

func (t *worldTransport) Close() error { return nil }

// Compile-time check that Comm satisfies the communicator contract.
var _ types.Communicator = (*Comm)(nil)
