// Package table implements the C5-C9 contract: per-table storage over a
// Db, an incrementally maintained Merkle trie for anti-entropy, a syncer
// that reconciles replicas via the trie, a tombstone GC worker, and the
// quorum-I/O facade applications call. Grounded on original_source/src/table
// (sync.rs, replication/sharded.rs); garage_rpc's MessagePack entry codec is
// mirrored here with the same handle-reuse shape pkg/rpc/msgpack.go uses.
package table

import (
	"github.com/hashicorp/go-msgpack/v2/codec"
)

var mh codec.MsgpackHandle

func init() {
	mh.WriteExt = true
}

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
