package model

import (
	"sort"

	"github.com/stratastore/strata/pkg/block"
)

// ObjectVersionState is the lattice an ObjectVersion moves through, per
// spec §3.2: Uploading is the only non-terminal state.
type ObjectVersionState int

const (
	StateUploading ObjectVersionState = iota
	StateComplete
	StateAborted
)

func (s ObjectVersionState) terminal() bool { return s != StateUploading }

// ObjectVersionDataKind tags which variant of ObjectVersionData is
// populated. DataNone is used while a version is still Uploading.
type ObjectVersionDataKind int

const (
	DataNone ObjectVersionDataKind = iota
	DataDeleteMarker
	DataInline
	DataFirstBlock
)

// ObjectVersionData is the `DeleteMarker | Inline(meta, bytes) |
// FirstBlock(meta, first_block_hash)` union from spec §3.2. Only the
// fields matching Kind are meaningful.
type ObjectVersionData struct {
	Kind           ObjectVersionDataKind
	Size           uint64
	ETag           string
	ContentType    string
	InlineBytes    []byte
	FirstBlockHash block.Hash
}

// ObjectVersion is one entry in an Object's version list: an Uploading,
// Complete or Aborted snapshot identified by its own timestamp/uuid.
type ObjectVersion struct {
	Timestamp VersionTimestamp
	State     ObjectVersionState
	Multipart bool
	Data      ObjectVersionData // valid once State == StateComplete
}

// joinVersion resolves two records of the *same* version uuid to a single
// value by taking the later state in the lattice: Uploading loses to either
// terminal state, and Aborted wins over Complete, whatever the argument
// order. Two records in the same state (which in practice carry identical
// content, since only the node driving that version's state machine ever
// finalizes it) keep a.
func joinVersion(a, b ObjectVersion) ObjectVersion {
	if b.State > a.State {
		return b
	}
	return a
}

// ObjectEntry is the object_table value: a bucket-scoped key's full
// version history, per spec §3.2.
type ObjectEntry struct {
	Bucket   BucketID
	Key      string
	Versions []ObjectVersion
}

// LiveVersions returns the versions visible to a reader that wants to hide
// Aborted and DeleteMarker-only history, per spec §4.10's object_table
// filter.
func (e ObjectEntry) LiveVersions() []ObjectVersion {
	var out []ObjectVersion
	for _, v := range e.Versions {
		if v.State == StateAborted {
			continue
		}
		if v.State == StateComplete && v.Data.Kind == DataDeleteMarker {
			continue
		}
		out = append(out, v)
	}
	return out
}

// ObjectSchema implements table.Schema[ObjectEntry]. Counter, if non-nil,
// is the object_counter_table index this schema's Updated hook maintains
// (objects/bytes/unfinished_uploads), per spec §4.10.
type ObjectSchema struct {
	Counter *IndexCounter
}

func (ObjectSchema) PartitionKey(e ObjectEntry) []byte { return e.Bucket[:] }
func (ObjectSchema) SortKey(e ObjectEntry) []byte      { return []byte(e.Key) }

func (ObjectSchema) Merge(a, b ObjectEntry) ObjectEntry {
	merged := make(map[VersionID]ObjectVersion, len(a.Versions)+len(b.Versions))
	for _, v := range a.Versions {
		merged[v.Timestamp.ID] = v
	}
	for _, v := range b.Versions {
		if cur, ok := merged[v.Timestamp.ID]; ok {
			merged[v.Timestamp.ID] = joinVersion(cur, v)
		} else {
			merged[v.Timestamp.ID] = v
		}
	}
	out := ObjectEntry{Bucket: a.Bucket, Key: a.Key, Versions: make([]ObjectVersion, 0, len(merged))}
	for _, v := range merged {
		out.Versions = append(out.Versions, v)
	}
	sort.Slice(out.Versions, func(i, j int) bool {
		return out.Versions[j].Timestamp.Less(out.Versions[i].Timestamp)
	})
	return out
}

// IsTombstone reports true for an entry with an empty version history.
// Merge unions histories and the repair driver's Versions pass tombstones
// only Version rows, so an entry that has held a version never becomes a
// tombstone.
func (ObjectSchema) IsTombstone(e ObjectEntry) bool { return len(e.Versions) == 0 }

// Updated maintains the object_counter_table: every version add/remove and
// any size delta between the old and new version lists adjusts
// objects/bytes/unfinished_uploads, per spec §4.10.
func (s ObjectSchema) Updated(old, new *ObjectEntry) {
	if s.Counter == nil {
		return
	}
	oldByID := map[VersionID]ObjectVersion{}
	if old != nil {
		for _, v := range old.Versions {
			oldByID[v.Timestamp.ID] = v
		}
	}
	newByID := map[VersionID]ObjectVersion{}
	for _, v := range new.Versions {
		newByID[v.Timestamp.ID] = v
	}

	var objects, bytesDelta, unfinished int64
	for id, nv := range newByID {
		ov, existed := oldByID[id]
		if !existed {
			objects++
			bytesDelta += int64(nv.Data.Size)
			if !nv.State.terminal() {
				unfinished++
			}
			continue
		}
		bytesDelta += int64(nv.Data.Size) - int64(ov.Data.Size)
		if !ov.State.terminal() && nv.State.terminal() {
			unfinished--
		}
	}
	for id, ov := range oldByID {
		if _, stillThere := newByID[id]; !stillThere {
			objects--
			bytesDelta -= int64(ov.Data.Size)
			if !ov.State.terminal() {
				unfinished--
			}
		}
	}
	if objects == 0 && bytesDelta == 0 && unfinished == 0 {
		return
	}

	deltas := map[string]int64{}
	if objects != 0 {
		deltas["objects"] = objects
	}
	if bytesDelta != 0 {
		deltas["bytes"] = bytesDelta
	}
	if unfinished != 0 {
		deltas["unfinished_uploads"] = unfinished
	}
	_ = s.Counter.Count(new.Bucket[:], nil, deltas)
}

// Filter hides fully-reclaimed objects (empty version history) from
// Get/GetRange, leaving the "Aborted/DeleteMarker-only" distinction to
// LiveVersions for callers that need it.
func (ObjectSchema) Filter(e ObjectEntry) bool { return len(e.Versions) > 0 }
