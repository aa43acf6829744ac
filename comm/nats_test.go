package comm_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/decomp/comm"
	decomptest "github.com/arloliu/decomp/testing"
	"github.com/arloliu/decomp/types"
)

// natsComms connects n ranks through an embedded NATS server, one connection per rank.
func natsComms(t *testing.T, n int, cfg comm.NATSConfig) []*comm.Comm {
	t.Helper()
	ns, _ := decomptest.StartEmbeddedNATS(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	transports := make([]*comm.NATSTransport, n)
	errs := make(chan error, n)
	for r := range n {
		nc := decomptest.Connect(t, ns)
		go func() {
			tr, err := comm.NewNATSTransport(ctx, nc, r, n, cfg)
			transports[r] = tr
			errs <- err
		}()
	}
	for range n {
		require.NoError(t, <-errs)
	}

	comms := make([]*comm.Comm, n)
	for r, tr := range transports {
		comms[r] = comm.New(tr)
		t.Cleanup(func() { _ = tr.Close() })
	}

	return comms
}

func TestNATSTransport_Collectives(t *testing.T) {
	cfg := comm.NATSConfig{Prefix: comm.NewSessionPrefix(), ChunkSize: 1024, CompressThreshold: 512}
	comms := natsComms(t, 3, cfg)

	// Incompressible and large enough to be split into several chunks.
	big := make([]byte, 16*1024)
	x := uint64(1)
	for i := range big {
		x = x*6364136223846793005 + 1442695040888963407
		big[i] = byte(x >> 56)
	}

	err := decomptest.RunComms(t, comms, func(ctx context.Context, c *comm.Comm) error {
		sum, err := c.AllReduceInt64(ctx, []int64{int64(c.Rank() + 1)})
		if err != nil {
			return err
		}
		if sum[0] != 6 {
			return fmt.Errorf("rank %d allreduce got %v", c.Rank(), sum)
		}

		var msg []byte
		if c.Rank() == 0 {
			msg = big
		}
		got, err := c.Bcast(ctx, 0, msg)
		if err != nil {
			return err
		}
		if !bytes.Equal(got, big) {
			return fmt.Errorf("rank %d bcast payload mismatch (%d bytes)", c.Rank(), len(got))
		}

		send := make([][]byte, c.Size())
		for dst := range send {
			send[dst] = []byte(fmt.Sprintf("%d->%d", c.Rank(), dst))
		}
		recv, err := c.AllToAllV(ctx, send)
		if err != nil {
			return err
		}
		for src := range recv {
			if want := fmt.Sprintf("%d->%d", src, c.Rank()); string(recv[src]) != want {
				return fmt.Errorf("rank %d got %q from %d", c.Rank(), recv[src], src)
			}
		}

		return c.Barrier(ctx)
	})
	require.NoError(t, err)
}

func TestNATSTransport_Abort(t *testing.T) {
	comms := natsComms(t, 2, comm.NATSConfig{Prefix: comm.NewSessionPrefix()})

	done := make(chan error, 1)
	go func() {
		done <- comms[1].Barrier(context.Background())
	}()
	comms[0].Abort(errors.New("rank zero failed"))

	select {
	case err := <-done:
		require.ErrorIs(t, err, types.ErrAborted)
		require.Contains(t, err.Error(), "rank zero failed")
	case <-time.After(5 * time.Second):
		t.Fatal("abort did not release the blocked rank")
	}
}

func TestNATSTransport_PeerTimeout(t *testing.T) {
	_, nc := decomptest.StartEmbeddedNATS(t)

	_, err := comm.NewNATSTransport(context.Background(), nc, 0, 2, comm.NATSConfig{
		Prefix:      comm.NewSessionPrefix(),
		PeerTimeout: 200 * time.Millisecond,
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
