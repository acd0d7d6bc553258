package jsoncodec

import (
	"fmt"
	"io"

	"github.com/bytedance/sonic"
)

var defaultConfig = sonic.ConfigStd

// numberConfig matches defaultConfig but decodes numbers as json.Number.
var numberConfig = sonic.Config{
	EscapeHTML:       true,
	SortMapKeys:      true,
	CompactMarshaler: true,
	CopyString:       true,
	ValidateString:   true,
	UseNumber:        true,
}.Froze()

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return defaultConfig.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

// UnmarshalObject decodes data into a generic JSON object. Non-object input
// (arrays, scalars, null) is rejected.
func UnmarshalObject(data []byte) (map[string]any, error) {
	var out map[string]any
	if err := defaultConfig.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, fmt.Errorf("jsoncodec: expected JSON object")
	}
	return out, nil
}

// UnmarshalObjectNumbers is UnmarshalObject with numbers kept as json.Number,
// so integers wider than a float64 mantissa survive.
func UnmarshalObjectNumbers(data []byte) (map[string]any, error) {
	var out map[string]any
	if err := numberConfig.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, fmt.Errorf("jsoncodec: expected JSON object")
	}
	return out, nil
}

// Valid reports whether data is well-formed JSON.
func Valid(data []byte) bool {
	return defaultConfig.Valid(data)
}

func Encode(w io.Writer, v any) error {
	enc := defaultConfig.NewEncoder(w)
	return enc.Encode(v)
}

func Decode(r io.Reader, v any) error {
	dec := defaultConfig.NewDecoder(r)
	return dec.Decode(v)
}
