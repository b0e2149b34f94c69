package state

import (
	"github.com/google/uuid"
)

func (p PeerId) MarshalText() ([]byte, error) {
	return []byte(uuid.UUID(p).String()), nil
}

func (p *PeerId) UnmarshalText(text []byte) error {
	id, err := uuid.ParseBytes(text)
	if err != nil {
		return err
	}
	*p = PeerId(id)
	return nil
}
