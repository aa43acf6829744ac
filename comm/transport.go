package comm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/arloliu/decomp/types"
)

// Transport delivers tagged byte messages between ranks.
//
// Messages between a pair of ranks under one tag arrive in send order. Send must not
// wait for the receiver to call Recv.
type Transport interface {
	// Rank returns the index of the local rank.
	Rank() int

	// Size returns the number of ranks.
	Size() int

	// Send delivers data to rank dst under tag.
	Send(ctx context.Context, dst int, tag uint64, data []byte) error

	// Recv blocks until a message from rank src under tag arrives.
	Recv(ctx context.Context, src int, tag uint64) ([]byte, error)

	// Abort releases every blocked call on every rank with err as the cause.
	Abort(err error)

	// Close releases the transport's resources.
	Close() error
}

const mailboxDepth = 64

type mailKey struct {
	src int
	tag uint64
}

// mailbox demultiplexes incoming messages by (source, tag).
type mailbox struct {
	m *xsync.Map[mailKey, chan []byte]
}

func newMailbox() *mailbox {
	return &mailbox{m: xsync.NewMap[mailKey, chan []byte]()}
}

func (mb *mailbox) channel(key mailKey) chan []byte {
	if ch, ok := mb.m.Load(key); ok {
		return ch
	}
	ch, _ := mb.m.LoadOrStore(key, make(chan []byte, mailboxDepth))

	return ch
}

func (mb *mailbox) deliver(ctx context.Context, key mailKey, data []byte, ab *abortState) error {
	select {
	case mb.channel(key) <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-ab.done:
		return ab.err()
	}
}

func (mb *mailbox) receive(ctx context.Context, key mailKey, ab *abortState) ([]byte, error) {
	ch := mb.channel(key)
	select {
	case data := <-ch:
		// Collective tags are used exactly once, so their channel can go.
		if key.tag >= types.CollectiveTagBase {
			mb.m.Delete(key)
		}

		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-ab.done:
		return nil, ab.err()
	}
}

// abortState is a one-shot abort latch.
type abortState struct {
	once  sync.Once
	done  chan struct{}
	cause atomic.Pointer[error]
}

func newAbortState() *abortState {
	return &abortState{done: make(chan struct{})}
}

// trigger latches cause and reports whether this call was the first.
func (a *abortState) trigger(cause error) bool {
	if cause == nil {
		cause = errors.New("abort without cause")
	}
	first := false
	a.once.Do(func() {
		a.cause.Store(&cause)
		close(a.done)
		first = true
	})

	return first
}

func (a *abortState) aborted() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

func (a *abortState) err() error {
	if c := a.cause.Load(); c != nil {
		return fmt.Errorf("%w: %w", types.ErrAborted, *c)
	}

	return types.ErrAborted
}

func checkRank(r, size int) error {
	if r < 0 || r >= size {
		return fmt.Errorf("%w: %d not in [0,%d)", types.ErrInvalidRank, r, size)
	}

	return nil
}
