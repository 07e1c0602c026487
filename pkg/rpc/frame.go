package rpc

import (
	"encoding/binary"
	"fmt"
	"io"
)

// frameKind tags each length-prefixed frame on the wire (§6.6: "attached
// streams are a separate frame type").
type frameKind byte

const (
	frameHello        frameKind = iota // handshake: client nonce
	frameHelloReply                    // handshake: server nonce + client tag
	frameHelloConfirm                  // handshake: server tag
	frameRequest                       // requestEnvelope
	frameResponse                      // responseEnvelope
	frameStreamChunk                   // raw attachment bytes
	frameStreamEnd                     // end-of-stream marker
)

// maxFrameBytes bounds a single frame to defend against a corrupt or
// malicious length prefix exhausting memory.
const maxFrameBytes = 64 << 20

// streamChunkSize is the read/write unit for attachment bytes.
const streamChunkSize = 64 * 1024

func writeFrame(w io.Writer, kind frameKind, payload []byte) error {
	var hdr [5]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(len(payload)))
	hdr[4] = byte(kind)
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

func readFrame(r io.Reader) (frameKind, []byte, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(hdr[0:4])
	if n > maxFrameBytes {
		return 0, nil, fmt.Errorf("frame of %d bytes exceeds limit", n)
	}
	kind := frameKind(hdr[4])
	if n == 0 {
		return kind, nil, nil
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("read frame payload: %w", err)
	}
	return kind, payload, nil
}

// writeStream drains r in streamChunkSize pieces as frameStreamChunk frames,
// followed by a frameStreamEnd.
func writeStream(w io.Writer, r io.Reader) error {
	buf := make([]byte, streamChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if werr := writeFrame(w, frameStreamChunk, buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return writeFrame(w, frameStreamEnd, nil)
		}
		if err != nil {
			return fmt.Errorf("read attachment stream: %w", err)
		}
	}
}

// streamReader adapts a sequence of frameStreamChunk/frameStreamEnd frames
// read from conn into an io.Reader, for handing to a handler or caller as
// the attachment stream.
type streamReader struct {
	src io.Reader
	buf []byte
	eof bool
}

func newStreamReader(src io.Reader) *streamReader { return &streamReader{src: src} }

func (s *streamReader) Read(p []byte) (int, error) {
	for len(s.buf) == 0 {
		if s.eof {
			return 0, io.EOF
		}
		kind, payload, err := readFrame(s.src)
		if err != nil {
			return 0, fmt.Errorf("read attachment frame: %w", err)
		}
		switch kind {
		case frameStreamChunk:
			s.buf = payload
		case frameStreamEnd:
			s.eof = true
		default:
			return 0, fmt.Errorf("unexpected frame kind %d in stream", kind)
		}
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}
