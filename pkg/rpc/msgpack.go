package rpc

import "github.com/hashicorp/go-msgpack/v2/codec"

// mh is shared across encode/decode calls; codec.MsgpackHandle is safe for
// concurrent use once configured and never mutated after init (grounded on
// the handle-reuse pattern the codec package itself documents).
var mh codec.MsgpackHandle

func init() {
	mh.WriteExt = true
}

// marshal encodes v as MessagePack with named struct fields (§6.6: "named
// fields; enums are tagged").
func marshal(v interface{}) ([]byte, error) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, &mh)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf, nil
}

func unmarshal(data []byte, v interface{}) error {
	dec := codec.NewDecoderBytes(data, &mh)
	return dec.Decode(v)
}
