package model

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"sort"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/stratastore/strata/pkg/block"
	"github.com/stratastore/strata/pkg/log"
	"github.com/stratastore/strata/pkg/ring"
	"github.com/stratastore/strata/pkg/table"
	"github.com/stratastore/strata/pkg/xerrors"
)

// defaultBlockSize/defaultPutParallelism mirror pkg/config's documented
// defaults without importing pkg/config, keeping this package's only
// dependency on the model/table/block layers it's actually built from.
const (
	defaultBlockSize      = 1 << 20
	defaultPutParallelism = 3
)

// PutOptions carries the caller-supplied checksums an upload is verified
// against before it commits, per spec §4.12.
type PutOptions struct {
	ContentType   string
	ContentMD5    []byte // decoded Content-MD5, nil if not supplied
	ContentSHA256 []byte // decoded X-Amz-Content-SHA256, nil if not supplied
}

// PutResult is what a completed single-part or completed multipart upload
// reports back to its caller.
type PutResult struct {
	VersionID VersionID
	ETag      string
	Size      uint64
}

// Uploader drives the object write state machine (handle_put/save_stream,
// spec §4.12) and the block pipeline it runs for anything too large to
// inline (spec §4.13). Grounded on the state machine described directly in
// spec §4.12/§4.13; no original_source file covers this path since
// original_source/src/model only carried index_counter.rs.
type Uploader struct {
	Objects   *table.Table[ObjectEntry]
	Versions  *table.Table[VersionEntry]
	BlockRefs *table.Table[BlockRefEntry]
	Buckets   *table.Table[BucketEntry]
	Counter   *IndexCounter
	Blocks    *block.Manager

	BlockSize       int // defaults to defaultBlockSize
	InlineThreshold int // defaults to block.InlineThreshold
	PutParallelism  int // defaults to defaultPutParallelism; PUT_BLOCKS_MAX_PARALLEL
}

func (u *Uploader) blockSize() int {
	if u.BlockSize <= 0 {
		return defaultBlockSize
	}
	return u.BlockSize
}

func (u *Uploader) inlineThreshold() int {
	if u.InlineThreshold <= 0 {
		return block.InlineThreshold
	}
	return u.InlineThreshold
}

func (u *Uploader) parallelism() int64 {
	if u.PutParallelism <= 0 {
		return defaultPutParallelism
	}
	return int64(u.PutParallelism)
}

// PutObject runs handle_put/save_stream (spec §4.12) for a single-part PUT:
// it reads the first block, inlines the object if that's the only block and
// it's under the inline threshold, otherwise runs the full Uploading →
// block-pipeline → Complete state machine with an Aborted drop-guard.
func (u *Uploader) PutObject(ctx context.Context, bucket BucketID, key string, r io.Reader, opts PutOptions) (*PutResult, error) {
	first := make([]byte, u.blockSize())
	n, readErr := io.ReadFull(r, first)
	first = first[:n]
	atEOF := readErr == io.ErrUnexpectedEOF || readErr == io.EOF
	if readErr != nil && !atEOF {
		return nil, fmt.Errorf("read first block: %w", readErr)
	}

	if n < u.inlineThreshold() && atEOF {
		return u.putInline(ctx, bucket, key, first, opts)
	}
	return u.putMultiBlock(ctx, bucket, key, first, r, opts)
}

func (u *Uploader) putInline(ctx context.Context, bucket BucketID, key string, data []byte, opts PutOptions) (*PutResult, error) {
	sum := md5.Sum(data)
	sha := sha256.Sum256(data)
	if err := verifyChecksums(sum[:], sha[:], opts); err != nil {
		return nil, err
	}

	existing, err := u.Objects.Get(ctx, bucket[:], []byte(key))
	if err != nil {
		return nil, err
	}
	if err := u.checkQuota(ctx, bucket, int64(len(data))); err != nil {
		return nil, err
	}

	etag := hex.EncodeToString(sum[:])
	ts := nextVersionTimestamp(existing)
	ver := ObjectVersion{
		Timestamp: ts,
		State:     StateComplete,
		Data: ObjectVersionData{
			Kind:        DataInline,
			Size:        uint64(len(data)),
			ETag:        etag,
			ContentType: opts.ContentType,
			InlineBytes: append([]byte(nil), data...),
		},
	}
	if err := u.Objects.Insert(ctx, ObjectEntry{Bucket: bucket, Key: key, Versions: []ObjectVersion{ver}}); err != nil {
		return nil, err
	}
	return &PutResult{VersionID: ts.ID, ETag: etag, Size: uint64(len(data))}, nil
}

func (u *Uploader) putMultiBlock(ctx context.Context, bucket BucketID, key string, first []byte, rest io.Reader, opts PutOptions) (result *PutResult, err error) {
	existing, err := u.Objects.Get(ctx, bucket[:], []byte(key))
	if err != nil {
		return nil, err
	}
	ts := nextVersionTimestamp(existing)
	vid := ts.ID

	// a. Insert ObjectVersion{Uploading}.
	uploading := ObjectVersion{Timestamp: ts, State: StateUploading}
	if err = u.Objects.Insert(ctx, ObjectEntry{Bucket: bucket, Key: key, Versions: []ObjectVersion{uploading}}); err != nil {
		return nil, err
	}

	// Drop-guard (spec §4.12 step 4): any failure from here inserts
	// Aborted instead of leaving the version stuck Uploading forever; the
	// repair driver's Versions pass reclaims it once the object no longer
	// lists it among its live versions.
	defer func() {
		if err != nil {
			aborted := ObjectVersion{Timestamp: ts, State: StateAborted}
			if aerr := u.Objects.Insert(context.Background(), ObjectEntry{Bucket: bucket, Key: key, Versions: []ObjectVersion{aborted}}); aerr != nil {
				log.WithComponent("model").Warn().Err(aerr).Msg("put: drop-guard abort insert failed")
			}
		}
	}()

	// b. Insert empty Version.
	backlink := Backlink{Kind: BacklinkObject, Bucket: bucket, Key: key}
	if err = u.Versions.Insert(ctx, VersionEntry{ID: vid, Backlink: backlink}); err != nil {
		return nil, err
	}

	// c. Run the block pipeline.
	pipe := u.newPipeline(vid, 0)
	size, firstHash, perr := pipe.run(ctx, first, rest)
	if perr != nil {
		err = perr
		return nil, err
	}

	// d. Verify checksums.
	if err = verifyChecksums(pipe.md5Sum(), pipe.sha256Sum(), opts); err != nil {
		return nil, err
	}

	if err = u.checkQuota(ctx, bucket, int64(size)); err != nil {
		return nil, err
	}

	// e. Insert ObjectVersion{Complete(FirstBlock(meta, first_block_hash))}.
	etag := hex.EncodeToString(pipe.md5Sum())
	complete := ObjectVersion{
		Timestamp: ts,
		State:     StateComplete,
		Data: ObjectVersionData{
			Kind:           DataFirstBlock,
			Size:           size,
			ETag:           etag,
			ContentType:    opts.ContentType,
			FirstBlockHash: firstHash,
		},
	}
	if err = u.Objects.Insert(ctx, ObjectEntry{Bucket: bucket, Key: key, Versions: []ObjectVersion{complete}}); err != nil {
		return nil, err
	}
	return &PutResult{VersionID: vid, ETag: etag, Size: size}, nil
}

// BeginMultipartUpload inserts the Uploading{multipart=true} ObjectVersion
// and the empty Version its parts will attach to, per spec §4.12's
// multipart paragraph.
func (u *Uploader) BeginMultipartUpload(ctx context.Context, bucket BucketID, key string) (VersionID, error) {
	existing, err := u.Objects.Get(ctx, bucket[:], []byte(key))
	if err != nil {
		return VersionID{}, err
	}
	ts := nextVersionTimestamp(existing)
	uploading := ObjectVersion{Timestamp: ts, State: StateUploading, Multipart: true}
	if err := u.Objects.Insert(ctx, ObjectEntry{Bucket: bucket, Key: key, Versions: []ObjectVersion{uploading}}); err != nil {
		return VersionID{}, err
	}
	backlink := Backlink{Kind: BacklinkMultipartUpload, Bucket: bucket, Key: key, UploadID: ts.ID}
	if err := u.Versions.Insert(ctx, VersionEntry{ID: ts.ID, Backlink: backlink}); err != nil {
		return VersionID{}, err
	}
	return ts.ID, nil
}

// UploadPart streams one part's bytes through the block pipeline and merges
// the resulting (part_number, offset) → (hash, size) entries into the
// upload's Version, per spec §4.12's multipart paragraph. Parts may be
// uploaded concurrently: each gets its own offset sequence local to its
// part number, and VersionSchema.Merge unions block maps across calls.
func (u *Uploader) UploadPart(ctx context.Context, uploadID VersionID, partNumber uint64, r io.Reader) (size uint64, firstBlockHash block.Hash, err error) {
	pipe := u.newPipeline(uploadID, partNumber)
	return pipe.run(ctx, nil, r)
}

// CompleteMultipartUpload transitions the upload's ObjectVersion from
// Uploading{multipart=true} to Complete(FirstBlock(...)), per spec §4.12.
func (u *Uploader) CompleteMultipartUpload(ctx context.Context, bucket BucketID, key string, uploadID VersionID, contentType string) (*PutResult, error) {
	ver, err := u.Versions.Get(ctx, uploadID[:], nil)
	if err != nil {
		return nil, err
	}
	if ver == nil {
		return nil, xerrors.New(xerrors.NotFound, "multipart upload not found")
	}
	blocks := append([]BlockMapEntry(nil), ver.BlockList()...)
	if len(blocks) == 0 {
		return nil, xerrors.New(xerrors.BadRequest, "multipart upload has no parts")
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Key.less(blocks[j].Key) })

	var total uint64
	for _, b := range blocks {
		total += b.Value.Size
	}
	firstHash := blocks[0].Value.Hash

	existing, err := u.Objects.Get(ctx, bucket[:], []byte(key))
	if err != nil {
		return nil, err
	}
	ts, found := findVersionTimestamp(existing, uploadID)
	if !found {
		return nil, xerrors.New(xerrors.NotFound, "no matching object version for upload")
	}
	if err := u.checkQuota(ctx, bucket, int64(total)); err != nil {
		return nil, err
	}

	complete := ObjectVersion{
		Timestamp: ts,
		State:     StateComplete,
		Multipart: true,
		Data: ObjectVersionData{
			Kind:           DataFirstBlock,
			Size:           total,
			ContentType:    contentType,
			FirstBlockHash: firstHash,
		},
	}
	if err := u.Objects.Insert(ctx, ObjectEntry{Bucket: bucket, Key: key, Versions: []ObjectVersion{complete}}); err != nil {
		return nil, err
	}
	return &PutResult{VersionID: uploadID, Size: total}, nil
}

func findVersionTimestamp(existing *ObjectEntry, id VersionID) (VersionTimestamp, bool) {
	if existing == nil {
		return VersionTimestamp{}, false
	}
	for _, v := range existing.Versions {
		if v.Timestamp.ID == id {
			return v.Timestamp, true
		}
	}
	return VersionTimestamp{}, false
}

func nextVersionTimestamp(existing *ObjectEntry) VersionTimestamp {
	var maxMillis int64
	if existing != nil {
		for _, v := range existing.Versions {
			if v.Timestamp.Millis > maxMillis {
				maxMillis = v.Timestamp.Millis
			}
		}
	}
	return NewVersionTimestamp(maxMillis)
}

func verifyChecksums(gotMD5, gotSHA256 []byte, opts PutOptions) error {
	if opts.ContentMD5 != nil && !bytes.Equal(opts.ContentMD5, gotMD5) {
		return xerrors.New(xerrors.BadRequest, "content-md5 mismatch")
	}
	if opts.ContentSHA256 != nil && !bytes.Equal(opts.ContentSHA256, gotSHA256) {
		return xerrors.New(xerrors.BadRequest, "x-amz-content-sha256 mismatch")
	}
	return nil
}

// checkQuota reads the bucket's counters and rejects the upload if adding
// one object and sizeDelta bytes would exceed either configured quota, per
// spec §4.12. A bucket with no Buckets/Counter wiring, or no quotas set, is
// unconstrained.
func (u *Uploader) checkQuota(ctx context.Context, bucket BucketID, sizeDelta int64) error {
	if u.Buckets == nil || u.Counter == nil {
		return nil
	}
	b, err := u.Buckets.Get(ctx, bucket[:], nil)
	if err != nil {
		return err
	}
	if b == nil || (b.Params.Quotas.MaxSize == 0 && b.Params.Quotas.MaxObjects == 0) {
		return nil
	}

	counter, err := u.Counter.Get(ctx, bucket[:], nil)
	if err != nil {
		return err
	}
	var objects, bytesUsed int64
	if counter != nil {
		sums := counter.FilteredValues(func(ring.NodeID) bool { return true })
		objects = sums["objects"]
		bytesUsed = sums["bytes"]
	}

	if b.Params.Quotas.MaxObjects > 0 && uint64(objects+1) > b.Params.Quotas.MaxObjects {
		return xerrors.New(xerrors.Forbidden, "quota reached: max_objects")
	}
	if b.Params.Quotas.MaxSize > 0 && uint64(bytesUsed+sizeDelta) > b.Params.Quotas.MaxSize {
		return xerrors.New(xerrors.Forbidden, "quota reached: max_size")
	}
	return nil
}

// blockPipeline runs the chunker/hasher/block-hasher stages serially over
// the request stream (one pass, incremental MD5/SHA256 plus a per-chunk
// BLAKE2b hash) and hands each resulting block to the uploader stage, which
// runs with bounded concurrency (PUT_BLOCKS_MAX_PARALLEL) via a weighted
// semaphore: once every slot is occupied, acquiring the next one blocks the
// chunker loop, which is this pipeline's back-pressure (spec §4.13).
type blockPipeline struct {
	u          *Uploader
	versionID  VersionID
	partNumber uint64

	md5w, sha256w hash.Hash
	firstHash     block.Hash
	firstSet      bool
	size          uint64
}

func (u *Uploader) newPipeline(vid VersionID, partNumber uint64) *blockPipeline {
	return &blockPipeline{u: u, versionID: vid, partNumber: partNumber, md5w: md5.New(), sha256w: sha256.New()}
}

func (p *blockPipeline) md5Sum() []byte    { return p.md5w.Sum(nil) }
func (p *blockPipeline) sha256Sum() []byte { return p.sha256w.Sum(nil) }

// run streams first (already read by the caller) followed by the remainder
// of r, returning the total plaintext size and the first block's hash.
func (p *blockPipeline) run(ctx context.Context, first []byte, r io.Reader) (uint64, block.Hash, error) {
	sem := semaphore.NewWeighted(p.u.parallelism())
	g, gctx := errgroup.WithContext(ctx)

	var offset uint64
	emit := func(chunk []byte) error {
		owned := append([]byte(nil), chunk...)
		p.md5w.Write(owned)
		p.sha256w.Write(owned)
		h := block.HashBytes(owned)
		if !p.firstSet {
			p.firstHash = h
			p.firstSet = true
		}
		thisOffset := offset
		offset += uint64(len(owned))
		p.size += uint64(len(owned))

		if err := sem.Acquire(gctx, 1); err != nil {
			return err
		}
		g.Go(func() error {
			defer sem.Release(1)
			return p.uploadBlock(gctx, thisOffset, h, owned)
		})
		return nil
	}

	if len(first) > 0 {
		if err := emit(first); err != nil {
			_ = g.Wait()
			return 0, block.Hash{}, err
		}
	}

	if r != nil {
		buf := make([]byte, p.u.blockSize())
		for {
			n, rerr := io.ReadFull(r, buf)
			if n > 0 {
				if err := emit(buf[:n]); err != nil {
					_ = g.Wait()
					return 0, block.Hash{}, err
				}
			}
			if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
				break
			}
			if rerr != nil {
				_ = g.Wait()
				return 0, block.Hash{}, fmt.Errorf("read stream: %w", rerr)
			}
		}
	}

	if err := g.Wait(); err != nil {
		return 0, block.Hash{}, err
	}
	return p.size, p.firstHash, nil
}

func (p *blockPipeline) uploadBlock(ctx context.Context, offset uint64, h block.Hash, data []byte) error {
	if err := p.u.Blocks.Put(ctx, h, data); err != nil {
		return fmt.Errorf("put block: %w", err)
	}
	entry := BlockMapEntry{Key: BlockMapKey{PartNumber: p.partNumber, Offset: offset}, Value: BlockMapValue{Hash: h, Size: uint64(len(data))}}
	if err := p.u.Versions.Insert(ctx, VersionEntry{ID: p.versionID, Blocks: []BlockMapEntry{entry}}); err != nil {
		return fmt.Errorf("update version block map: %w", err)
	}
	if err := p.u.BlockRefs.Insert(ctx, BlockRefEntry{Hash: h, VersionID: p.versionID}); err != nil {
		return fmt.Errorf("insert block_ref: %w", err)
	}
	return nil
}
