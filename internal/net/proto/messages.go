// Package proto defines the binary envelopes exchanged between peers and the
// relay hub. Envelopes are CBOR encoded with the same deterministic settings
// as replica updates; their payloads are opaque replica or presence updates.
package proto

import (
	"errors"
	"fmt"

	"scenecollab/server/internal/replica"
)

const (
	// Version tracks the wire-protocol revision expected by peers.
	Version = 1
)

// Type identifies the payload carried by an Envelope.
type Type string

const (
	// TypeSyncState carries a full replica state, sent on join.
	TypeSyncState Type = "sync_state"
	// TypeUpdate carries one replica update.
	TypeUpdate Type = "update"
	// TypePresence carries a presence update.
	TypePresence Type = "presence"
	// TypePresenceRemove names presence records that left the room.
	TypePresenceRemove Type = "presence_remove"
)

var (
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrUnsupportedType   = errors.New("unsupported envelope type")
)

// Envelope is one websocket frame.
type Envelope struct {
	Ver       int      `cbor:"ver"`
	Type      Type     `cbor:"type"`
	Room      string   `cbor:"room,omitempty"`
	From      string   `cbor:"from,omitempty"`
	Payload   []byte   `cbor:"payload,omitempty"`
	ClientIDs []string `cbor:"clients,omitempty"`
}

// Encode renders env, stamping the protocol version when unset.
func Encode(env Envelope) ([]byte, error) {
	if env.Ver == 0 {
		env.Ver = Version
	}
	if err := validate(env); err != nil {
		return nil, err
	}
	return replica.Marshal(env)
}

// Decode converts a raw frame into an Envelope.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := replica.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.Ver == 0 {
		env.Ver = Version
	}
	if env.Ver != Version {
		return env, fmt.Errorf("unsupported protocol version %d", env.Ver)
	}
	if err := validate(env); err != nil {
		return env, err
	}
	return env, nil
}

func validate(env Envelope) error {
	switch env.Type {
	case TypeSyncState, TypeUpdate, TypePresence:
		if len(env.Payload) == 0 {
			return fmt.Errorf("%w: %s without payload", ErrMalformedEnvelope, env.Type)
		}
	case TypePresenceRemove:
		if len(env.ClientIDs) == 0 {
			return fmt.Errorf("%w: %s without client ids", ErrMalformedEnvelope, env.Type)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedType, env.Type)
	}
	return nil
}

func Update(room, from string, payload []byte) Envelope {
	return Envelope{Type: TypeUpdate, Room: room, From: from, Payload: payload}
}

func SyncState(room, from string, payload []byte) Envelope {
	return Envelope{Type: TypeSyncState, Room: room, From: from, Payload: payload}
}

func Presence(room, from string, payload []byte) Envelope {
	return Envelope{Type: TypePresence, Room: room, From: from, Payload: payload}
}

func PresenceRemove(room, from string, clientIDs []string) Envelope {
	return Envelope{Type: TypePresenceRemove, Room: room, From: from, ClientIDs: append([]string(nil), clientIDs...)}
}
