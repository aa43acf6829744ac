package comm

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/nats-io/nats.go"
)

// NATSConfig configures a NATSTransport. All ranks of one run must use the same Prefix.
type NATSConfig struct {
	// Prefix is the subject namespace of the run, e.g. "decomp.<session>".
	Prefix string `yaml:"prefix"`

	// ChunkSize is the maximum payload bytes per NATS message (default: 256KiB).
	ChunkSize int `yaml:"chunkSize"`

	// CompressThreshold is the payload size from which messages are zstd-compressed
	// (default: 4KiB, negative disables compression).
	CompressThreshold int `yaml:"compressThreshold"`

	// PeerTimeout bounds the wait for every peer to come online (default: 10s).
	PeerTimeout time.Duration `yaml:"peerTimeout"`
}

// NewSessionPrefix returns a fresh subject prefix for one run.
func NewSessionPrefix() string {
	return "decomp." + uuid.NewString()
}

func (c *NATSConfig) setDefaults() {
	if c.Prefix == "" {
		c.Prefix = "decomp.default"
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 256 * 1024
	}
	if c.CompressThreshold == 0 {
		c.CompressThreshold = 4 * 1024
	}
	if c.PeerTimeout <= 0 {
		c.PeerTimeout = 10 * time.Second
	}
}

const (
	frameHeaderLen = 29
	flagCompressed = 1
)

// frame is one NATS message of a possibly chunked payload.
type frame struct {
	src   uint32
	tag   uint64
	msgID uint64
	part  uint32
	parts uint32
	flags uint8
	data  []byte
}

func (f *frame) marshal() []byte {
	buf := make([]byte, frameHeaderLen+len(f.data))
	binary.LittleEndian.PutUint32(buf[0:], f.src)
	binary.LittleEndian.PutUint64(buf[4:], f.tag)
	binary.LittleEndian.PutUint64(buf[12:], f.msgID)
	binary.LittleEndian.PutUint32(buf[20:], f.part)
	binary.LittleEndian.PutUint32(buf[24:], f.parts)
	buf[28] = f.flags
	copy(buf[frameHeaderLen:], f.data)

	return buf
}

func unmarshalFrame(buf []byte) (frame, error) {
	if len(buf) < frameHeaderLen {
		return frame{}, fmt.Errorf("comm: short frame of %d bytes", len(buf))
	}

	return frame{
		src:   binary.LittleEndian.Uint32(buf[0:]),
		tag:   binary.LittleEndian.Uint64(buf[4:]),
		msgID: binary.LittleEndian.Uint64(buf[12:]),
		part:  binary.LittleEndian.Uint32(buf[20:]),
		parts: binary.LittleEndian.Uint32(buf[24:]),
		flags: buf[28],
		data:  buf[frameHeaderLen:],
	}, nil
}

type assemblyKey struct {
	src   uint32
	msgID uint64
}

type assembly struct {
	chunks [][]byte
	got    uint32
}

// NATSTransport connects ranks through core NATS subjects.
//
// Each rank subscribes to "<prefix>.rank.<n>". Payloads larger than ChunkSize are
// split into several messages and reassembled by the receiver; payloads above the
// compression threshold are zstd-compressed first. An abort is published on
// "<prefix>.abort" and releases every rank.
type NATSTransport struct {
	nc   *nats.Conn
	cfg  NATSConfig
	rank int
	size int

	box   *mailbox
	abort *abortState
	msgID atomic.Uint64

	enc *zstd.Encoder
	dec *zstd.Decoder

	// partial is only touched by the inbox subscription callback.
	partial map[assemblyKey]*assembly

	inbox    *nats.Subscription
	abortSub *nats.Subscription
	pingSub  *nats.Subscription
}

var _ Transport = (*NATSTransport)(nil)

// NewNATSTransport joins rank to the run on nc and waits until every peer is reachable.
//
// Parameters:
//   - ctx: Bounds the peer wait together with cfg.PeerTimeout
//   - nc: Connection owned by the caller; it is not closed by Close
//   - rank, size: Position of this rank and number of ranks
//   - cfg: Subject prefix, chunking and compression settings
//
// Returns:
//   - *NATSTransport: Ready transport
//   - error: Subscription failures or peers not coming online in time
func NewNATSTransport(ctx context.Context, nc *nats.Conn, rank, size int, cfg NATSConfig) (*NATSTransport, error) {
	if err := checkRank(rank, size); err != nil {
		return nil, err
	}
	cfg.setDefaults()

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	t := &NATSTransport{
		nc:      nc,
		cfg:     cfg,
		rank:    rank,
		size:    size,
		box:     newMailbox(),
		abort:   newAbortState(),
		enc:     enc,
		dec:     dec,
		partial: make(map[assemblyKey]*assembly),
	}

	if err := t.subscribe(); err != nil {
		_ = t.Close()
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, cfg.PeerTimeout)
	defer cancel()
	if err := t.waitPeers(waitCtx); err != nil {
		_ = t.Close()
		return nil, err
	}

	return t, nil
}

func (t *NATSTransport) rankSubject(r int) string {
	return t.cfg.Prefix + ".rank." + strconv.Itoa(r)
}

func (t *NATSTransport) pingSubject(r int) string {
	return t.cfg.Prefix + ".ping." + strconv.Itoa(r)
}

func (t *NATSTransport) abortSubject() string {
	return t.cfg.Prefix + ".abort"
}

func (t *NATSTransport) subscribe() error {
	var err error
	if t.inbox, err = t.nc.Subscribe(t.rankSubject(t.rank), t.onFrame); err != nil {
		return fmt.Errorf("subscribe inbox: %w", err)
	}
	if t.abortSub, err = t.nc.Subscribe(t.abortSubject(), t.onAbort); err != nil {
		return fmt.Errorf("subscribe abort: %w", err)
	}
	// The ping responder goes last so a successful ping implies a live inbox.
	if err := t.nc.Flush(); err != nil {
		return fmt.Errorf("flush subscriptions: %w", err)
	}
	if t.pingSub, err = t.nc.Subscribe(t.pingSubject(t.rank), func(m *nats.Msg) {
		_ = m.Respond(nil)
	}); err != nil {
		return fmt.Errorf("subscribe ping: %w", err)
	}
	if err := t.nc.Flush(); err != nil {
		return fmt.Errorf("flush subscriptions: %w", err)
	}

	return nil
}

// waitPeers pings every other rank until it answers.
func (t *NATSTransport) waitPeers(ctx context.Context) error {
	for peer := range t.size {
		if peer == t.rank {
			continue
		}
		for {
			reqCtx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
			_, err := t.nc.RequestWithContext(reqCtx, t.pingSubject(peer), nil)
			cancel()
			if err == nil {
				break
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("waiting for rank %d: %w", peer, ctx.Err())
			case <-time.After(20 * time.Millisecond):
			}
		}
	}

	return nil
}

// Rank returns the index of the local rank.
func (t *NATSTransport) Rank() int { return t.rank }

// Size returns the number of ranks.
func (t *NATSTransport) Size() int { return t.size }

// Send publishes data to rank dst under tag, chunked and compressed as configured.
func (t *NATSTransport) Send(ctx context.Context, dst int, tag uint64, data []byte) error {
	if err := checkRank(dst, t.size); err != nil {
		return err
	}
	if t.abort.aborted() {
		return t.abort.err()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var flags uint8
	payload := data
	if t.cfg.CompressThreshold > 0 && len(data) >= t.cfg.CompressThreshold {
		payload = t.enc.EncodeAll(data, make([]byte, 0, len(data)/2))
		flags |= flagCompressed
	}

	parts := (len(payload) + t.cfg.ChunkSize - 1) / t.cfg.ChunkSize
	if parts == 0 {
		parts = 1
	}
	id := t.msgID.Add(1)
	subject := t.rankSubject(dst)
	for p := range parts {
		lo := p * t.cfg.ChunkSize
		hi := min(lo+t.cfg.ChunkSize, len(payload))
		f := frame{
			src:   uint32(t.rank), //nolint:gosec
			tag:   tag,
			msgID: id,
			part:  uint32(p),     //nolint:gosec
			parts: uint32(parts), //nolint:gosec
			flags: flags,
			data:  payload[lo:hi],
		}
		if err := t.nc.Publish(subject, f.marshal()); err != nil {
			return fmt.Errorf("publish to rank %d: %w", dst, err)
		}
	}

	return nil
}

// Recv blocks until a message from rank src under tag arrives.
func (t *NATSTransport) Recv(ctx context.Context, src int, tag uint64) ([]byte, error) {
	if err := checkRank(src, t.size); err != nil {
		return nil, err
	}

	return t.box.receive(ctx, mailKey{src: src, tag: tag}, t.abort)
}

func (t *NATSTransport) onFrame(m *nats.Msg) {
	f, err := unmarshalFrame(m.Data)
	if err != nil {
		t.Abort(err)
		return
	}

	payload := f.data
	if f.parts > 1 {
		key := assemblyKey{src: f.src, msgID: f.msgID}
		a := t.partial[key]
		if a == nil {
			a = &assembly{chunks: make([][]byte, f.parts)}
			t.partial[key] = a
		}
		if f.part >= uint32(len(a.chunks)) || a.chunks[f.part] != nil {
			t.Abort(fmt.Errorf("comm: bad chunk %d/%d from rank %d", f.part, f.parts, f.src))
			return
		}
		a.chunks[f.part] = f.data
		a.got++
		if a.got < f.parts {
			return
		}
		delete(t.partial, key)

		size := 0
		for _, c := range a.chunks {
			size += len(c)
		}
		payload = make([]byte, 0, size)
		for _, c := range a.chunks {
			payload = append(payload, c...)
		}
	}

	if f.flags&flagCompressed != 0 {
		if payload, err = t.dec.DecodeAll(payload, nil); err != nil {
			t.Abort(fmt.Errorf("comm: decompress message from rank %d: %w", f.src, err))
			return
		}
	}

	_ = t.box.deliver(context.Background(), mailKey{src: int(f.src), tag: f.tag}, payload, t.abort)
}

func (t *NATSTransport) onAbort(m *nats.Msg) {
	t.abort.trigger(errors.New(string(m.Data)))
}

// Abort releases every rank of the run with err as the cause.
func (t *NATSTransport) Abort(err error) {
	if err == nil {
		err = errors.New("abort without cause")
	}
	if t.abort.trigger(err) {
		_ = t.nc.Publish(t.abortSubject(), []byte(fmt.Sprintf("rank %d: %v", t.rank, err)))
		_ = t.nc.Flush()
	}
}

// Close unsubscribes the transport. The NATS connection stays open.
func (t *NATSTransport) Close() error {
	var errs []error
	for _, sub := range []*nats.Subscription{t.inbox, t.abortSub, t.pingSub} {
		if sub != nil {
			if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
				errs = append(errs, err)
			}
		}
	}
	if t.enc != nil {
		errs = append(errs, t.enc.Close())
	}
	if t.dec != nil {
		t.dec.Close()
	}

	return errors.Join(errs...)
}
