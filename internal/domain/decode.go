package domain

import (
	"encoding/json"
	"fmt"
)

// Model is implemented by every document type that can be decoded from the
// store.
type Model interface {
	UserProfile | FriendRequest | ChatRoom | RoomParticipant | RoomMessage | DirectMessage | ChatSession
}

type normalizer interface {
	normalize(id string)
}

// Decode converts a raw document body into a typed model. Missing optional
// fields are defaulted, so documents written by older clients (which lack
// fields such as isPinned or schemaVersion) decode into a complete shape.
func Decode[T Model](id string, data map[string]any) (T, error) {
	var out T
	raw, err := json.Marshal(data)
	if err != nil {
		return out, fmt.Errorf("decode %s: %w", id, err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode %s: %w", id, err)
	}
	if n, ok := any(&out).(normalizer); ok {
		n.normalize(id)
	}
	return out, nil
}
