package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
)

// Codec converts stream values to message bodies and back.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error

	// ContentType is set on every published message, e.g. "application/json".
	ContentType() string
}

// JSONCodec writes UTF-8 JSON bodies. Read values come back untyped: objects
// as map[string]any, arrays as []any and numbers as float64, which loses
// precision above 2^53. Set UseNumber to keep numbers as json.Number instead.
type JSONCodec struct {
	UseNumber bool
}

// NewJSONCodec returns a JSONCodec decoding numbers to float64.
func NewJSONCodec() *JSONCodec {
	return &JSONCodec{}
}

func (c *JSONCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Unmarshal(data []byte, v any) error {
	if !c.UseNumber {
		return json.Unmarshal(data, v)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("json: trailing data after value")
	}
	return nil
}

func (c *JSONCodec) ContentType() string {
	return "application/json"
}
