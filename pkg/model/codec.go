package model

import (
	"github.com/hashicorp/go-msgpack/v2/codec"
)

var mpHandle = &codec.MsgpackHandle{WriteExt: true}

func marshal(v interface{}) ([]byte, error) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, mpHandle)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf, nil
}

func unmarshal(data []byte, v interface{}) error {
	dec := codec.NewDecoderBytes(data, mpHandle)
	return dec.Decode(v)
}
