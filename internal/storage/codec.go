package storage

import (
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// recordCodec turns entities into the bytes that get hashed and stored.
// Equal entities must produce equal bytes, so encoding uses the core
// deterministic profile. CBOR field names come from the json tags.
type recordCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newRecordCodec() (*recordCodec, error) {
	encOpts := cbor.CoreDetEncOptions()
	encOpts.Time = cbor.TimeRFC3339Nano
	enc, err := encOpts.EncMode()
	if err != nil {
		return nil, fmt.Errorf("record encoder: %w", err)
	}
	// Stored records are trusted but may be damaged on disk; refuse
	// duplicate keys and deep nesting rather than guess.
	dec, err := cbor.DecOptions{
		DupMapKey:       cbor.DupMapKeyEnforcedAPF,
		MaxNestedLevels: 32,
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("record decoder: %w", err)
	}
	return &recordCodec{enc: enc, dec: dec}, nil
}

var records = sync.OnceValues(newRecordCodec)

func marshal(v any) ([]byte, error) {
	c, err := records()
	if err != nil {
		return nil, err
	}
	return c.enc.Marshal(v)
}

func unmarshal(data []byte, v any) error {
	c, err := records()
	if err != nil {
		return err
	}
	return c.dec.Unmarshal(data, v)
}
