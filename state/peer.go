package state

import (
	"bytes"

	"github.com/google/uuid"
)

// PeerId uniquely identifies a peer in the mesh. Ids are 128-bit uuids,
// totally ordered by their byte representation for tie-breaking.
type PeerId [16]byte

func NewPeerId() PeerId {
	return PeerId(uuid.New())
}

func ParsePeerId(s string) (PeerId, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return PeerId{}, err
	}
	return PeerId(id), nil
}

func (p PeerId) String() string {
	return uuid.UUID(p).String()
}

func (p PeerId) Compare(o PeerId) int {
	return bytes.Compare(p[:], o[:])
}

func (p PeerId) Less(o PeerId) bool {
	return p.Compare(o) < 0
}

func (p PeerId) IsZero() bool {
	return p == PeerId{}
}

// TransferId tags an in-flight stream for the transfer layer above.
type TransferId = PeerId
