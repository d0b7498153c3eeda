// Package jsonrs provides the JSON codec used across the service.
// All marshalling goes through here so the underlying library can be
// swapped without touching call sites.
package jsonrs

import (
	"io"

	jsoniter "github.com/json-iterator/go"
)

// JSON is the codec surface the service depends on.
type JSON interface {
	Marshal(v any) ([]byte, error)
	MarshalIndent(v any, prefix, indent string) ([]byte, error)
	MarshalToString(v any) (string, error)
	Unmarshal(data []byte, v any) error
	NewDecoder(r io.Reader) Decoder
	NewEncoder(w io.Writer) Encoder
}

type Decoder interface {
	Decode(v any) error
	UseNumber()
	DisallowUnknownFields()
	More() bool
}

type Encoder interface {
	Encode(v any) error
	SetEscapeHTML(on bool)
	SetIndent(prefix, indent string)
}

var defaultJSON JSON = &jsoniterJSON{}

func Marshal(v any) ([]byte, error) { return defaultJSON.Marshal(v) }

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return defaultJSON.MarshalIndent(v, prefix, indent)
}

func MarshalToString(v any) (string, error) { return defaultJSON.MarshalToString(v) }

func Unmarshal(data []byte, v any) error { return defaultJSON.Unmarshal(data, v) }

func NewDecoder(r io.Reader) Decoder { return defaultJSON.NewDecoder(r) }

func NewEncoder(w io.Writer) Encoder { return defaultJSON.NewEncoder(w) }

// jsoniterJSON is the JSON implementation of github.com/json-iterator/go.
type jsoniterJSON struct{}

func (j *jsoniterJSON) Marshal(v any) ([]byte, error) {
	return jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(v)
}

func (j *jsoniterJSON) MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(v, prefix, indent)
}

func (j *jsoniterJSON) Unmarshal(data []byte, v any) error {
	return jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(data, v)
}

func (j *jsoniterJSON) MarshalToString(v any) (string, error) {
	return jsoniter.ConfigCompatibleWithStandardLibrary.MarshalToString(v)
}

func (j *jsoniterJSON) NewDecoder(r io.Reader) Decoder {
	return jsoniter.ConfigCompatibleWithStandardLibrary.NewDecoder(r)
}

func (j *jsoniterJSON) NewEncoder(w io.Writer) Encoder {
	return jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(w)
}
