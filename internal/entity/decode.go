package entity

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Defaulter fills enum defaults before validation.
type Defaulter interface {
	ApplyDefaults()
}

// Decode converts a JSON payload received at an API boundary into the typed
// entity for kind. Unknown fields are rejected so that arbitrary maps never
// reach the store. Server-assigned fields (id, timestamps, version) are
// cleared; the store sets them on create.
func Decode(kind Kind, data []byte) (Entity, error) {
	e, err := New(kind)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(e); err != nil {
		return nil, decodeError(err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, invalid("payload", "trailing data after JSON object")
	}
	*e.Base() = Meta{Agent: e.Base().Agent}
	return e, nil
}

// Patch overlays the fields present in a JSON payload onto e. Fields the
// payload omits keep their current values, and the shared Meta fields cannot
// be changed this way.
func Patch(e Entity, data []byte) error {
	meta := *e.Base()
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(e); err != nil {
		*e.Base() = meta
		return decodeError(err)
	}
	*e.Base() = meta
	return nil
}

// Prepare applies defaults and validates. Storage calls it before any write.
func Prepare(e Entity) error {
	if d, ok := e.(Defaulter); ok {
		d.ApplyDefaults()
	}
	return e.Validate()
}

func decodeError(err error) error {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return invalid(typeErr.Field, fmt.Sprintf("expects %s, got %s", typeErr.Type, typeErr.Value))
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return invalid("payload", fmt.Sprintf("malformed JSON at offset %d", syntaxErr.Offset))
	}
	return invalid("payload", err.Error())
}
