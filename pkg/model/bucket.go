package model

// Quotas caps a bucket's size, per spec §4.10. Zero means unlimited.
type Quotas struct {
	MaxSize    uint64
	MaxObjects uint64
}

// BucketParams is the CRDT-merged configuration of one bucket: website
// hosting config and quotas. Deleted is a boolean-CRDT tombstone.
type BucketParams struct {
	Website *WebsiteConfig
	Quotas  Quotas
	Deleted bool
}

// WebsiteConfig mirrors the subset of S3 static-website hosting config this
// store understands.
type WebsiteConfig struct {
	IndexDocument string
	ErrorDocument string
}

// BucketEntry is the bucket_table value, per spec §4.10.
type BucketEntry struct {
	ID     BucketID
	Params BucketParams
}

// BucketSchema implements table.Schema[BucketEntry]. Bucket metadata is
// small and full-replicated, so Merge only needs a last-writer-ish join on
// the rarely-changing params, with Deleted winning once set.
type BucketSchema struct{}

func (BucketSchema) PartitionKey(e BucketEntry) []byte { return e.ID[:] }
func (BucketSchema) SortKey(e BucketEntry) []byte      { return nil }

func (BucketSchema) Merge(a, b BucketEntry) BucketEntry {
	out := a
	out.Params.Deleted = a.Params.Deleted || b.Params.Deleted
	if b.Params.Website != nil {
		out.Params.Website = b.Params.Website
	}
	if b.Params.Quotas != (Quotas{}) {
		out.Params.Quotas = b.Params.Quotas
	}
	return out
}

func (BucketSchema) IsTombstone(e BucketEntry) bool { return e.Params.Deleted }
func (BucketSchema) Updated(old, new *BucketEntry)  {}
func (BucketSchema) Filter(e BucketEntry) bool      { return !e.Params.Deleted }

// BucketAliasEntry maps a global (or per-key, for local aliases) bucket
// name to a BucketID, per spec §4.10.
type BucketAliasEntry struct {
	Name    string
	Bucket  BucketID
	Deleted bool
}

type BucketAliasSchema struct{}

func (BucketAliasSchema) PartitionKey(e BucketAliasEntry) []byte { return []byte(e.Name) }
func (BucketAliasSchema) SortKey(e BucketAliasEntry) []byte      { return nil }

func (BucketAliasSchema) Merge(a, b BucketAliasEntry) BucketAliasEntry {
	out := a
	out.Deleted = a.Deleted || b.Deleted
	return out
}

func (BucketAliasSchema) IsTombstone(e BucketAliasEntry) bool { return e.Deleted }
func (BucketAliasSchema) Updated(old, new *BucketAliasEntry)  {}
func (BucketAliasSchema) Filter(e BucketAliasEntry) bool      { return !e.Deleted }

// KeyPermission grants a named access key rights over one bucket.
type KeyPermission struct {
	Bucket BucketID
	Read   bool
	Write  bool
	Owner  bool
}

// KeyEntry is one API access key and the buckets it's authorized against,
// per spec §4.10.
type KeyEntry struct {
	AccessKeyID string
	SecretHash  []byte
	Name        string
	Permissions []KeyPermission
	Deleted     bool
}

type KeySchema struct{}

func (KeySchema) PartitionKey(e KeyEntry) []byte { return []byte(e.AccessKeyID) }
func (KeySchema) SortKey(e KeyEntry) []byte      { return nil }

func (KeySchema) Merge(a, b KeyEntry) KeyEntry {
	out := a
	out.Deleted = a.Deleted || b.Deleted
	merged := map[BucketID]KeyPermission{}
	for _, p := range a.Permissions {
		merged[p.Bucket] = p
	}
	for _, p := range b.Permissions {
		if cur, ok := merged[p.Bucket]; ok {
			cur.Read = cur.Read || p.Read
			cur.Write = cur.Write || p.Write
			cur.Owner = cur.Owner || p.Owner
			merged[p.Bucket] = cur
		} else {
			merged[p.Bucket] = p
		}
	}
	out.Permissions = make([]KeyPermission, 0, len(merged))
	for _, p := range merged {
		out.Permissions = append(out.Permissions, p)
	}
	return out
}

func (KeySchema) IsTombstone(e KeyEntry) bool { return e.Deleted }
func (KeySchema) Updated(old, new *KeyEntry)  {}
func (KeySchema) Filter(e KeyEntry) bool      { return !e.Deleted }
