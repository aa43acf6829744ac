package exchange

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/arloliu/decomp/types"
)

// Wire sizes of the fixed-layout records.
const (
	EntityBytes = 63
	GasBytes    = 48
	SinkBytes   = 40
)

// PackageBytes is the size of the largest record set one entity can produce.
const PackageBytes = EntityBytes + GasBytes + SinkBytes

var le = binary.LittleEndian

func putFloat(b []byte, f float64) []byte {
	return le.AppendUint64(b, math.Float64bits(f))
}

func getFloat(b []byte) float64 {
	return math.Float64frombits(le.Uint64(b))
}

func encodeEntities(ents []types.Entity) []byte {
	b := make([]byte, 0, len(ents)*EntityBytes)
	for i := range ents {
		e := &ents[i]
		b = le.AppendUint64(b, e.ID)
		b = le.AppendUint64(b, e.Key)
		for _, p := range e.Pos {
			b = putFloat(b, p)
		}
		b = putFloat(b, e.Mass)
		b = putFloat(b, e.Cost)
		b = le.AppendUint32(b, uint32(e.Ext)) //nolint:gosec
		b = append(b, byte(e.Kind), e.TimeBin, e.Generation)
	}

	return b
}

func decodeEntities(b []byte) ([]types.Entity, error) {
	if len(b)%EntityBytes != 0 {
		return nil, fmt.Errorf("%w: entity payload of %d bytes", types.ErrTransferMismatch, len(b))
	}

	ents := make([]types.Entity, len(b)/EntityBytes)
	for i := range ents {
		r := b[i*EntityBytes:]
		e := &ents[i]
		e.ID = le.Uint64(r)
		e.Key = le.Uint64(r[8:])
		for d := range e.Pos {
			e.Pos[d] = getFloat(r[16+8*d:])
		}
		e.Mass = getFloat(r[40:])
		e.Cost = getFloat(r[48:])
		e.Ext = int32(le.Uint32(r[56:])) //nolint:gosec
		e.Kind = types.Kind(r[60])
		e.TimeBin = r[61]
		e.Generation = r[62]
	}

	return ents, nil
}

func encodeGas(gas []types.GasData) []byte {
	b := make([]byte, 0, len(gas)*GasBytes)
	for i := range gas {
		g := &gas[i]
		b = le.AppendUint64(b, g.OwnerID)
		b = putFloat(b, g.Density)
		b = putFloat(b, g.Entropy)
		b = putFloat(b, g.Hsml)
		b = putFloat(b, g.Pressure)
		b = putFloat(b, g.Metallity)
	}

	return b
}

func decodeGas(b []byte) ([]types.GasData, error) {
	if len(b)%GasBytes != 0 {
		return nil, fmt.Errorf("%w: gas payload of %d bytes", types.ErrTransferMismatch, len(b))
	}

	gas := make([]types.GasData, len(b)/GasBytes)
	for i := range gas {
		r := b[i*GasBytes:]
		gas[i] = types.GasData{
			OwnerID:   le.Uint64(r),
			Density:   getFloat(r[8:]),
			Entropy:   getFloat(r[16:]),
			Hsml:      getFloat(r[24:]),
			Pressure:  getFloat(r[32:]),
			Metallity: getFloat(r[40:]),
		}
	}

	return gas, nil
}

func encodeSinks(sinks []types.SinkData) []byte {
	b := make([]byte, 0, len(sinks)*SinkBytes)
	for i := range sinks {
		s := &sinks[i]
		b = le.AppendUint64(b, s.OwnerID)
		b = putFloat(b, s.Mass)
		b = putFloat(b, s.AccretionRate)
		b = putFloat(b, s.Hsml)
		b = putFloat(b, s.FormationTime)
	}

	return b
}

func decodeSinks(b []byte) ([]types.SinkData, error) {
	if len(b)%SinkBytes != 0 {
		return nil, fmt.Errorf("%w: sink payload of %d bytes", types.ErrTransferMismatch, len(b))
	}

	sinks := make([]types.SinkData, len(b)/SinkBytes)
	for i := range sinks {
		r := b[i*SinkBytes:]
		sinks[i] = types.SinkData{
			OwnerID:       le.Uint64(r),
			Mass:          getFloat(r[8:]),
			AccretionRate: getFloat(r[16:]),
			Hsml:          getFloat(r[24:]),
			FormationTime: getFloat(r[32:]),
		}
	}

	return sinks, nil
}
