package types

// Kind is the type tag of an entity.
//
// Two kinds carry extension records: KindGas owns a GasData slot and KindSink owns
// a SinkData slot. All other kinds have no extension record.
type Kind uint8

const (
	KindGas Kind = iota
	KindDark
	KindDisk
	KindBulge
	KindStar
	KindSink

	// NumKinds is the number of distinct entity kinds.
	NumKinds = 6
)

// NoExtension is the handle value of an entity without an extension record.
const NoExtension int32 = -1

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindGas:
		return "gas"
	case KindDark:
		return "dark"
	case KindDisk:
		return "disk"
	case KindBulge:
		return "bulge"
	case KindStar:
		return "star"
	case KindSink:
		return "sink"
	default:
		return "unknown"
	}
}

// HasExtension reports whether entities of this kind own an extension record.
func (k Kind) HasExtension() bool {
	return k == KindGas || k == KindSink
}

// Entity is the general record of a point entity.
//
// Ext is the handle of the entity's extension record in the dense array of its kind
// (GasData for KindGas, SinkData for KindSink). The handle is the only link between
// the general record and the extension record; array positions never correspond.
type Entity struct {
	ID         uint64
	Key        uint64
	Pos        [3]float64
	Mass       float64 // zero marks the entity as deleted
	Cost       float64 // gravity cost estimate supplied by the physics layer
	Ext        int32
	Kind       Kind
	TimeBin    uint8
	Generation uint8

	// OnAnotherRank is set when the entity's destination differs from the holding rank.
	OnAnotherRank bool
	// WillExport is set when the entity is scheduled for transfer in the current round.
	WillExport bool
}

// Deleted reports whether the entity has been marked for removal.
func (e *Entity) Deleted() bool {
	return e.Mass == 0
}

// GasData is the extension record of KindGas entities.
type GasData struct {
	OwnerID   uint64
	Density   float64
	Entropy   float64
	Hsml      float64
	Pressure  float64
	Metallity float64
}

// SinkData is the extension record of KindSink entities.
type SinkData struct {
	OwnerID       uint64
	Mass          float64
	AccretionRate float64
	Hsml          float64
	FormationTime float64
}

// KeyFunc computes the locality-preserving spatial key of an entity.
type KeyFunc func(e *Entity) uint64

// CostFunc returns the nonnegative cost weight of an entity.
type CostFunc func(e *Entity) float64

// DestinationFunc returns the destination rank of an entity.
type DestinationFunc func(e *Entity) int
