package block

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/stratastore/strata/pkg/log"
)

// wireBlock is the over-the-wire and on-disk representation of a block:
// either raw bytes or a Zstd frame, tagged so the receiver knows which
// (§6.6: "PutBlock{hash, header: {Plain|Compressed}}").
type wireBlock struct {
	Compressed bool
	Data       []byte
}

func encodeBlock(plaintext []byte, level *int) wireBlock {
	if level == nil {
		return wireBlock{Compressed: false, Data: plaintext}
	}
	compressed, err := zstdCompress(plaintext, *level)
	if err != nil {
		// Compression is an optimization; fall back to storing raw rather
		// than failing the put.
		return wireBlock{Compressed: false, Data: plaintext}
	}
	return wireBlock{Compressed: true, Data: compressed}
}

func (w wireBlock) decode() ([]byte, error) {
	if !w.Compressed {
		return w.Data, nil
	}
	return zstdDecompress(w.Data)
}

func zstdCompress(data []byte, level int) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil), nil
}

func zstdDecompress(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	defer dec.Close()
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decode zstd block: %w", err)
	}
	return out, nil
}

// blockDir returns <data_dir>/<hh>/<kk> for hash h (§6.5).
func (m *Manager) blockDir(h Hash) string {
	return filepath.Join(m.dataDir, hex.EncodeToString(h[0:1]), hex.EncodeToString(h[1:2]))
}

func (m *Manager) blockPath(h Hash, compressed bool) string {
	name := hex.EncodeToString(h[:])
	if compressed {
		name += ".zst"
	}
	return filepath.Join(m.blockDir(h), name)
}

// existsLocked reports whether either form of h is present on disk. Caller
// must hold lockFor(h).
func (m *Manager) existsLocked(h Hash) bool {
	_, ok := m.onDiskFormLocked(h)
	return ok
}

// onDiskFormLocked returns whether the stored block is compressed, or
// ok=false if neither form exists.
func (m *Manager) onDiskFormLocked(h Hash) (compressed bool, ok bool) {
	if _, err := os.Stat(m.blockPath(h, true)); err == nil {
		return true, true
	}
	if _, err := os.Stat(m.blockPath(h, false)); err == nil {
		return false, true
	}
	return false, false
}

// writeBlockLocked implements §4.4's write path: create the directory,
// no-op if the desired form is already present, otherwise write the new
// form then remove the old one, never leaving both on disk. Caller must
// hold lockFor(h).
func (m *Manager) writeBlockLocked(h Hash, blk wireBlock) error {
	dir := m.blockDir(h)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create block dir %s: %w", dir, err)
	}

	current, exists := m.onDiskFormLocked(h)
	if exists && current == blk.Compressed {
		return nil
	}

	finalPath := m.blockPath(h, blk.Compressed)
	if err := writeBlockFile(finalPath, blk.Data); err != nil {
		return err
	}
	if exists {
		os.Remove(m.blockPath(h, current))
	}
	return nil
}

// writeBlockFile writes data to path via a temp-file-then-rename sequence
// with fsync of both the data file and the containing directory, and an
// 8-hex random suffix so concurrent writers targeting the same path never
// collide on the temp file (§4.4).
func writeBlockFile(path string, data []byte) (err error) {
	suffix := make([]byte, 4)
	if _, rerr := rand.Read(suffix); rerr != nil {
		return fmt.Errorf("generate tmp suffix: %w", rerr)
	}
	tmp := fmt.Sprintf("%s.tmp%s", path, hex.EncodeToString(suffix))

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create temp block file: %w", err)
	}
	defer func() {
		if err != nil {
			os.Remove(tmp)
		}
	}()

	if _, err = f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write temp block file: %w", err)
	}
	if err = f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsync temp block file: %w", err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("close temp block file: %w", err)
	}
	if err = os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename temp block file into place: %w", err)
	}

	dir, derr := os.Open(filepath.Dir(path))
	if derr != nil {
		return fmt.Errorf("open containing dir for fsync: %w", derr)
	}
	defer dir.Close()
	if derr := dir.Sync(); derr != nil {
		return fmt.Errorf("fsync containing dir: %w", derr)
	}
	return nil
}

// readBlockLocked reads and decodes the stored form of h, returning the
// verified plaintext. On a hash mismatch the file is quarantined and a
// Corrupt error returned. Caller must hold lockFor(h).
func (m *Manager) readBlockLocked(h Hash) ([]byte, error) {
	compressed, ok := m.onDiskFormLocked(h)
	if !ok {
		return nil, fmt.Errorf("block %s not present locally", hexHash(h))
	}
	path := m.blockPath(h, compressed)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read block file %s: %w", path, err)
	}
	blk := wireBlock{Compressed: compressed, Data: raw}
	data, err := blk.decode()
	if err != nil {
		m.quarantine(h, compressed)
		return nil, fmt.Errorf("decode block %s: %w", hexHash(h), err)
	}
	if !VerifyHash(data, h) {
		m.quarantine(h, compressed)
		return nil, fmt.Errorf("block %s failed hash verification", hexHash(h))
	}
	return data, nil
}

// quarantine moves a corrupt block's file out of the way and enqueues it
// for immediate resync so a good copy is pulled from a peer (§8.3.5: a
// detected corruption "enqueues the hash, and the resync worker fetches a
// good copy"). Caller must hold lockFor(h).
func (m *Manager) quarantine(h Hash, compressed bool) {
	path := m.blockPath(h, compressed)
	os.Rename(path, path+".corrupted")
	if err := m.scheduleResync(h, 0); err != nil {
		log.Logger.Warn().Err(err).Str("hash", hexHash(h)).Msg("failed to enqueue resync after quarantine")
	}
}
