package store

import (
	"github.com/ugorji/go/codec"
)

// documents are stored as json so they stay readable with etcdctl
var jsonHandle = &codec.JsonHandle{}

// Encode serializes a document for storage.
func Encode(v any) ([]byte, error) {
	var b []byte
	if err := codec.NewEncoderBytes(&b, jsonHandle).Encode(v); err != nil {
		return nil, err
	}
	return b, nil
}

// Decode deserializes a stored document into v.
func Decode(data []byte, v any) error {
	return codec.NewDecoderBytes(data, jsonHandle).Decode(v)
}
