package service

import (
	"encoding/json"

	"connectrpc.com/connect"
)

// jsonCodec carries plain Go structs as JSON under Connect's "json" codec
// name, standing in for protojson.
type jsonCodec struct{}

var _ connect.Codec = jsonCodec{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(msg any) ([]byte, error) {
	return json.Marshal(msg)
}

func (jsonCodec) Unmarshal(data []byte, msg any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, msg)
}

// WithJSON is the option both handlers and clients need to speak the
// royalty API. Clients send with it; handlers accept it.
func WithJSON() connect.Option {
	return connect.WithCodec(jsonCodec{})
}
