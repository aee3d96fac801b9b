package bridge

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/calyptra/synapse/vsa"
)

// cborEncMode uses canonical encoding so two snapshots of the same state
// are byte-identical.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("bridge: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Snapshot is a diagnostics export of bridge state: enough to see what
// the bridge is holding, without any of it being restorable state.
type Snapshot struct {
	TakenAt       time.Time     `cbor:"taken_at"`
	MaxWorkers    int           `cbor:"max_workers"`
	ActiveWorkers int           `cbor:"active_workers"`
	HandleCount   int           `cbor:"handle_count"`
	Bindings      []vsa.Binding `cbor:"bindings"`
	BlockCount    int           `cbor:"block_count"`
}

// Snapshot captures the current bridge state.
func (b *Bridge) Snapshot() Snapshot {
	status := b.Status()
	return Snapshot{
		TakenAt:       time.Now(),
		MaxWorkers:    status.MaxWorkers,
		ActiveWorkers: status.ActiveWorkers,
		HandleCount:   b.handles.Len(),
		Bindings:      b.vsa.Bindings(),
		BlockCount:    b.arena.Len(),
	}
}

// MarshalSnapshot serializes a Snapshot to CBOR bytes.
func MarshalSnapshot(s *Snapshot) ([]byte, error) {
	return cborEncMode.Marshal(s)
}

// UnmarshalSnapshot deserializes a Snapshot from CBOR bytes.
func UnmarshalSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("bridge: unmarshal snapshot: %w", err)
	}
	return &s, nil
}
