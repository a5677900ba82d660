package storage

import (
	"encoding/json"
	"errors"

	"github.com/vmihailenco/msgpack/v5"
)

// Serialization formats accepted by GetSerializer.
const (
	FormatJSON    = "json"
	FormatMsgpack = "msgpack"
)

// Serializer defines the interface for serialization.
type Serializer interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONSerializer implements Serializer using JSON.
type JSONSerializer struct{}

// NewJSONSerializer creates a new JSON serializer.
func NewJSONSerializer() *JSONSerializer {
	return &JSONSerializer{}
}

// Marshal serializes a value to JSON.
func (js *JSONSerializer) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal deserializes a value from JSON.
func (js *JSONSerializer) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// MsgpackSerializer implements Serializer using MessagePack. It produces
// smaller payloads than JSON at the cost of human readability, which
// matters for large cached API responses.
type MsgpackSerializer struct{}

// NewMsgpackSerializer creates a new MessagePack serializer.
func NewMsgpackSerializer() *MsgpackSerializer {
	return &MsgpackSerializer{}
}

// Marshal serializes a value to MessagePack.
func (s *MsgpackSerializer) Marshal(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

// Unmarshal deserializes a value from MessagePack.
func (s *MsgpackSerializer) Unmarshal(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

// GetSerializer returns a serializer for the given format. An empty format
// defaults to JSON.
func GetSerializer(format string) (Serializer, error) {
	switch format {
	case FormatJSON, "":
		return NewJSONSerializer(), nil
	case FormatMsgpack:
		return NewMsgpackSerializer(), nil
	default:
		return nil, errors.New("unsupported serialization format: " + format)
	}
}
