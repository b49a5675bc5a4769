package replica

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// SessionID identifies one replica instance (one process's view of one open
// document). It is a UUID v7, which sorts time-ordered — used only for
// deterministic tie-breaking between concurrent inserts at the same
// position, never for wall-clock reasoning.
type SessionID uuid.UUID

// NewSessionID creates a new, time-ordered SessionID.
func NewSessionID() SessionID {
	id, err := uuid.NewV7()
	if err != nil {
		// uuid.NewV7 only fails if the system RNG is broken; a random v4
		// fallback keeps the replica usable rather than panicking.
		id = uuid.New()
	}
	return SessionID(id)
}

func (s SessionID) String() string { return uuid.UUID(s).String() }

// Compare orders two SessionIDs lexicographically by byte.
func (s SessionID) Compare(other SessionID) int {
	for i := 0; i < 16; i++ {
		if s[i] != other[i] {
			if s[i] < other[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

func (s SessionID) MarshalText() ([]byte, error) {
	return []byte(uuid.UUID(s).String()), nil
}

func (s *SessionID) UnmarshalText(text []byte) error {
	u, err := uuid.Parse(string(text))
	if err != nil {
		return fmt.Errorf("replica: invalid session id: %w", err)
	}
	*s = SessionID(u)
	return nil
}

var _ json.Marshaler = SessionID{}

func (s SessionID) MarshalJSON() ([]byte, error) {
	return json.Marshal(uuid.UUID(s).String())
}

func (s *SessionID) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	return s.UnmarshalText([]byte(str))
}
