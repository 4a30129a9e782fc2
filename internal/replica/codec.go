package replica

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// UpdateVersion is the wire version of encoded updates.
const UpdateVersion = 1

// ErrMalformedUpdate is returned when an update cannot be decoded or carries
// ops that do not describe a register.
var ErrMalformedUpdate = errors.New("malformed replica update")

// OpKind identifies what an op writes into its register.
type OpKind uint8

const (
	OpSet    OpKind = 1
	OpSetMap OpKind = 2
	OpDelete OpKind = 3
)

// op is one register write. Path has zero elements for a list register, one
// for a top-level map key and two for a leaf inside a nested map.
type op struct {
	Container string   `cbor:"c"`
	Path      []string `cbor:"p,omitempty"`
	Kind      OpKind   `cbor:"k"`
	Value     any      `cbor:"v,omitempty"`
	Stamp     Stamp    `cbor:"s"`
}

type update struct {
	Version int  `cbor:"ver"`
	Ops     []op `cbor:"ops"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("replica: cbor encoder: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType:   reflect.TypeOf(map[string]any(nil)),
		MaxArrayElements: 1 << 20,
		MaxMapPairs:      1 << 20,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("replica: cbor decoder: %v", err))
	}
}

// Marshal encodes v with the replica's deterministic CBOR settings. Other
// packages use it for envelopes that travel next to replica updates.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR produced by Marshal.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

func encodeUpdate(ops []op) ([]byte, error) {
	data, err := encMode.Marshal(update{Version: UpdateVersion, Ops: ops})
	if err != nil {
		return nil, fmt.Errorf("encode update: %w", err)
	}
	return data, nil
}

func decodeUpdate(data []byte) ([]op, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedUpdate)
	}
	var u update
	if err := decMode.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	if u.Version != UpdateVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedUpdate, u.Version)
	}
	for i := range u.Ops {
		if err := validateOp(u.Ops[i]); err != nil {
			return nil, fmt.Errorf("%w: op %d: %v", ErrMalformedUpdate, i, err)
		}
		u.Ops[i].Value = normalizeValue(u.Ops[i].Value)
	}
	return u.Ops, nil
}

func validateOp(o op) error {
	switch {
	case o.Container == "":
		return errors.New("missing container")
	case o.Stamp.Client == "" || o.Stamp.Clock == 0:
		return errors.New("missing stamp")
	case len(o.Path) > 2:
		return fmt.Errorf("path depth %d", len(o.Path))
	}
	for _, segment := range o.Path {
		if segment == "" {
			return errors.New("empty path segment")
		}
	}
	switch o.Kind {
	case OpSet, OpDelete:
	case OpSetMap:
		if len(o.Path) != 1 {
			return errors.New("nested map outside a top-level key")
		}
	default:
		return fmt.Errorf("unknown kind %d", o.Kind)
	}
	if len(o.Path) == 0 && o.Kind == OpSet {
		if _, ok := o.Value.([]any); !ok && o.Value != nil {
			return fmt.Errorf("list value is %T", o.Value)
		}
	}
	return nil
}
