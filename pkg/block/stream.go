package block

import (
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/blake2b"

	"github.com/stratastore/strata/pkg/xerrors"
)

// OrderTag is opaque cargo threaded through a GetBlock RPC so a caller
// issuing several concurrent GetStream calls for one logical read (a ranged
// object GET) can re-serialize their chunks in original byte order
// (spec.md:328/:482). pkg/block never inspects or reorders on a tag's
// behalf; it only carries it to the handler and back.
type OrderTag uint64

// fileStream adapts an open block file into an io.Reader that closes itself
// once exhausted or on any read error, so a streamed RPC response never
// leaks the file descriptor even though the handler that opened it has
// already returned.
type fileStream struct {
	f *os.File
}

func (s *fileStream) Read(p []byte) (int, error) {
	n, err := s.f.Read(p)
	if err != nil {
		s.f.Close()
	}
	return n, err
}

// verifyingStream wraps a peer's attachment stream, transparently
// decompressing it if needed (§3.1: "transparent Zstd decode") and checking
// the reconstructed plaintext against want once the stream is exhausted.
// Corruption is only detectable at EOF, so a mismatch is surfaced as the
// error from the final Read rather than a clean io.EOF.
type verifyingStream struct {
	raw     io.Reader // the unwrapped attachment stream, for closing
	src     io.Reader // what Read pulls from: raw, or a zstd decoder over it
	zstdDec *zstd.Decoder
	want    Hash
	hasher  interface {
		io.Writer
		Sum([]byte) []byte
	}
	done bool
}

func newVerifyingStream(src io.Reader, compressed bool, want Hash) (*verifyingStream, error) {
	hasher, err := blake2b.New256(nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.IoError, "create block hasher", err)
	}
	vs := &verifyingStream{raw: src, src: src, want: want, hasher: hasher}
	if compressed {
		dec, err := zstd.NewReader(src)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.IoError, "create zstd stream decoder", err)
		}
		vs.zstdDec = dec
		vs.src = dec
	}
	return vs, nil
}

func (vs *verifyingStream) Read(p []byte) (int, error) {
	if vs.done {
		return 0, io.EOF
	}
	n, err := vs.src.Read(p)
	if n > 0 {
		vs.hasher.Write(p[:n])
	}
	if err == io.EOF {
		vs.done = true
		var got Hash
		copy(got[:], vs.hasher.Sum(nil))
		if got != vs.want {
			return n, xerrors.New(xerrors.Corrupt, "block hash mismatch from peer")
		}
	}
	return n, err
}

func (vs *verifyingStream) Close() error {
	if vs.zstdDec != nil {
		vs.zstdDec.Close()
	}
	if c, ok := vs.raw.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
