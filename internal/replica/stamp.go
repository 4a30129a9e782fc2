package replica

// Stamp orders writes to a register. Clock is a Lamport counter; Client
// breaks ties between peers that wrote with the same counter value.
type Stamp struct {
	Clock  uint64 `cbor:"1,keyasint"`
	Client string `cbor:"2,keyasint"`
}

// Less reports whether s was written before o in the global LWW order.
func (s Stamp) Less(o Stamp) bool {
	if s.Clock != o.Clock {
		return s.Clock < o.Clock
	}
	return s.Client < o.Client
}

// IsZero reports whether the stamp was never assigned.
func (s Stamp) IsZero() bool {
	return s.Clock == 0 && s.Client == ""
}

// Tag is the origin marker attached to a transaction.
type Tag string

const (
	// OriginLocal marks edits made by the local user.
	OriginLocal Tag = "local"
	// OriginInit marks the transaction that populates a fresh replica.
	OriginInit Tag = "init"
)

// Remote returns the origin tag used when merging updates received from peer.
func Remote(peer string) Tag {
	return Tag("remote:" + peer)
}

// IsRemote reports whether origin was produced by Remote.
func IsRemote(origin any) bool {
	tag, ok := origin.(Tag)
	return ok && len(tag) > len("remote:") && tag[:len("remote:")] == "remote:"
}
