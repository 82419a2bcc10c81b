// Package encoder turns a batch of queued objects into the payload carried by
// the "data" form field: compact JSON, then standard padded base64.
// Every function here is pure.
package encoder

import (
	"encoding/base64"

	"github.com/goccy/go-json"
)

// Serialize renders batch as a compact JSON array. An empty or nil batch is "[]".
func Serialize(batch []json.RawMessage) ([]byte, error) {
	if batch == nil {
		batch = []json.RawMessage{}
	}
	return json.Marshal(batch)
}

// Encode returns base64(Serialize(batch)).
func Encode(batch []json.RawMessage) (string, error) {
	data, err := Serialize(batch)
	if err != nil {
		return "", err
	}
	return EncodeBytes(data), nil
}

// EncodeBytes applies the binary-safe transform to b.
func EncodeBytes(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// Decode reverses EncodeBytes.
func Decode(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// DecodeBatch reverses Encode, returning the individual objects.
func DecodeBatch(s string) ([]json.RawMessage, error) {
	data, err := Decode(s)
	if err != nil {
		return nil, err
	}
	var batch []json.RawMessage
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, err
	}
	return batch, nil
}
