package topology

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	codecMagic  uint32 = 0x54505452 // "TPTR"
	headerBytes        = 8
	nodeBytes          = 40
)

// NodeBytes is the encoded size of one node.
const NodeBytes = nodeBytes

// Encode serializes the tree structure and totals. Leaf numbers are not encoded.
func (t *Tree) Encode() []byte {
	buf := make([]byte, headerBytes+nodeBytes*len(t.Nodes))
	binary.LittleEndian.PutUint32(buf[0:], codecMagic)
	binary.LittleEndian.PutUint32(buf[4:], uint32(len(t.Nodes))) //nolint:gosec

	off := headerBytes
	for i := range t.Nodes {
		n := &t.Nodes[i]
		binary.LittleEndian.PutUint64(buf[off:], n.Start)
		binary.LittleEndian.PutUint64(buf[off+8:], n.Size)
		binary.LittleEndian.PutUint64(buf[off+16:], uint64(n.Count)) //nolint:gosec
		binary.LittleEndian.PutUint64(buf[off+24:], math.Float64bits(n.Cost))
		binary.LittleEndian.PutUint32(buf[off+32:], uint32(n.Daughter)) //nolint:gosec
		binary.LittleEndian.PutUint32(buf[off+36:], uint32(n.Parent))   //nolint:gosec
		off += nodeBytes
	}

	return buf
}

// Decode parses an encoded tree. A positive maxNodes sets the ceiling of the
// decoded tree; otherwise the ceiling is the decoded node count.
func Decode(buf []byte, maxNodes int) (*Tree, error) {
	if len(buf) < headerBytes {
		return nil, fmt.Errorf("decode tree: short buffer of %d bytes", len(buf))
	}
	if m := binary.LittleEndian.Uint32(buf[0:]); m != codecMagic {
		return nil, fmt.Errorf("decode tree: bad magic %#x", m)
	}
	count := int(binary.LittleEndian.Uint32(buf[4:]))
	if len(buf) != headerBytes+count*nodeBytes {
		return nil, fmt.Errorf("decode tree: %d bytes for %d nodes", len(buf), count)
	}
	if maxNodes <= 0 {
		maxNodes = count
	}
	if count > maxNodes {
		return nil, fmt.Errorf("decode tree: %d nodes exceed ceiling %d", count, maxNodes)
	}

	t := &Tree{Nodes: make([]Node, count, maxNodes), MaxNodes: maxNodes}
	off := headerBytes
	for i := range t.Nodes {
		t.Nodes[i] = Node{
			Start:    binary.LittleEndian.Uint64(buf[off:]),
			Size:     binary.LittleEndian.Uint64(buf[off+8:]),
			Count:    int64(binary.LittleEndian.Uint64(buf[off+16:])), //nolint:gosec
			Cost:     math.Float64frombits(binary.LittleEndian.Uint64(buf[off+24:])),
			Daughter: int32(binary.LittleEndian.Uint32(buf[off+32:])), //nolint:gosec
			Parent:   int32(binary.LittleEndian.Uint32(buf[off+36:])), //nolint:gosec
			Leaf:     NoNode,
		}
		off += nodeBytes
	}
	if err := t.Check(); err != nil {
		return nil, err
	}

	return t, nil
}
