package db

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BoltDb is the bbolt-backed Db implementation, grounded on the teacher's
// BoltStore (pkg/storage/boltdb.go): one bucket per tree, db.Update/db.View
// closures, cursor-driven range scans. bbolt serializes all writers behind a
// single lock, which is also why Transaction never needs to retry: there is
// no concurrent-writer conflict to detect (see §9's note on DB iterator /
// writer interaction — bbolt satisfies the "serialize writers" option (b)
// rather than offering snapshot iteration concurrent with writes).
type BoltDb struct {
	db *bolt.DB

	mu   sync.Mutex
	subs map[string][]*subscription
}

type subscription struct {
	prefix []byte
	ch     chan Notification
}

// Open opens (creating if needed) a bbolt file at path.
func Open(path string) (*BoltDb, error) {
	bdb, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt db %s: %w", path, err)
	}
	return &BoltDb{db: bdb, subs: make(map[string][]*subscription)}, nil
}

func (d *BoltDb) Close() error { return d.db.Close() }

// Tree implements Db.
func (d *BoltDb) Tree(name string) (Tree, error) {
	err := d.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(name))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create tree %s: %w", name, err)
	}
	return &boltTree{db: d, name: name}, nil
}

// Transaction implements Db.
func (d *BoltDb) Transaction(f func(tx Tx) (interface{}, error)) (interface{}, error) {
	var (
		result  interface{}
		changes []Notification
	)
	err := d.db.Update(func(btx *bolt.Tx) error {
		wtx := &boltTx{btx: btx}
		r, err := f(wtx)
		if err != nil {
			var aborted Aborted
			if asAborted(err, &aborted) {
				return aborted
			}
			return err
		}
		result = r
		changes = wtx.changes
		return nil
	})
	if err != nil {
		var aborted Aborted
		if asAborted(err, &aborted) {
			return nil, aborted.Err
		}
		return nil, err
	}
	d.publish(changes)
	return result, nil
}

func asAborted(err error, out *Aborted) bool {
	if a, ok := err.(Aborted); ok {
		*out = a
		return true
	}
	return false
}

// Subscribe implements Db.
func (d *BoltDb) Subscribe(ctx context.Context, tree string, keyPrefix []byte) (<-chan Notification, func()) {
	sub := &subscription{prefix: append([]byte(nil), keyPrefix...), ch: make(chan Notification, 256)}

	d.mu.Lock()
	d.subs[tree] = append(d.subs[tree], sub)
	d.mu.Unlock()

	cancel := func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		list := d.subs[tree]
		for i, s := range list {
			if s == sub {
				d.subs[tree] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return sub.ch, cancel
}

func (d *BoltDb) publish(changes []Notification) {
	if len(changes) == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, n := range changes {
		for _, sub := range d.subs[n.Tree] {
			if !bytes.HasPrefix(n.Key, sub.prefix) {
				continue
			}
			select {
			case sub.ch <- n:
			default:
				// Best-effort: a slow subscriber drops notifications
				// rather than stalling every writer in the process.
			}
		}
	}
}

type boltTree struct {
	db   *BoltDb
	name string
}

func (t *boltTree) Get(key []byte) ([]byte, bool, error) {
	var value []byte
	err := t.db.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(t.name)).Get(key)
		if v != nil {
			value = append([]byte(nil), v...)
		}
		return nil
	})
	return value, value != nil, err
}

func (t *boltTree) Len() (int, error) {
	var n int
	err := t.db.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket([]byte(t.name)).Stats().KeyN
		return nil
	})
	return n, err
}

func (t *boltTree) FastLen() (int64, bool) {
	var n int64
	_ = t.db.db.View(func(tx *bolt.Tx) error {
		n = int64(tx.Bucket([]byte(t.name)).Stats().KeyN)
		return nil
	})
	return n, true
}

func (t *boltTree) Range(start, end []byte, f func(key, value []byte) (bool, error)) error {
	return t.db.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(t.name)).Cursor()
		var k, v []byte
		if start == nil {
			k, v = c.First()
		} else {
			k, v = c.Seek(start)
		}
		for ; k != nil; k, v = c.Next() {
			if end != nil && bytes.Compare(k, end) >= 0 {
				break
			}
			cont, err := f(k, v)
			if err != nil {
				return err
			}
			if !cont {
				break
			}
		}
		return nil
	})
}

func (t *boltTree) RangeReverse(start, end []byte, f func(key, value []byte) (bool, error)) error {
	return t.db.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(t.name)).Cursor()
		var k, v []byte
		if end == nil {
			k, v = c.Last()
		} else {
			k, v = c.Seek(end)
			if k == nil {
				k, v = c.Last()
			} else {
				k, v = c.Prev()
			}
		}
		for ; k != nil; k, v = c.Prev() {
			if start != nil && bytes.Compare(k, start) < 0 {
				break
			}
			cont, err := f(k, v)
			if err != nil {
				return err
			}
			if !cont {
				break
			}
		}
		return nil
	})
}

func (t *boltTree) Insert(key, value []byte) ([]byte, error) {
	var prior []byte
	err := t.db.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(t.name))
		if old := b.Get(key); old != nil {
			prior = append([]byte(nil), old...)
		}
		return b.Put(key, value)
	})
	if err != nil {
		return nil, err
	}
	t.db.publish([]Notification{{Tree: t.name, Key: key, Value: value}})
	return prior, nil
}

func (t *boltTree) Remove(key []byte) ([]byte, error) {
	var prior []byte
	err := t.db.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(t.name))
		if old := b.Get(key); old != nil {
			prior = append([]byte(nil), old...)
		}
		return b.Delete(key)
	})
	if err != nil {
		return nil, err
	}
	t.db.publish([]Notification{{Tree: t.name, Key: key, Value: nil}})
	return prior, nil
}

// boltTx implements Tx across the lifetime of a single bolt.Tx.
type boltTx struct {
	btx     *bolt.Tx
	changes []Notification
}

func (tx *boltTx) Tree(name string) (TxTree, error) {
	b, err := tx.btx.CreateBucketIfNotExists([]byte(name))
	if err != nil {
		return nil, fmt.Errorf("open tree %s in tx: %w", name, err)
	}
	return &boltTxTree{tx: tx, name: name, bucket: b}, nil
}

type boltTxTree struct {
	tx     *boltTx
	name   string
	bucket *bolt.Bucket
}

func (t *boltTxTree) Get(key []byte) ([]byte, bool, error) {
	v := t.bucket.Get(key)
	if v == nil {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (t *boltTxTree) Len() (int, error) {
	return t.bucket.Stats().KeyN, nil
}

func (t *boltTxTree) FastLen() (int64, bool) {
	return int64(t.bucket.Stats().KeyN), true
}

func (t *boltTxTree) Range(start, end []byte, f func(key, value []byte) (bool, error)) error {
	c := t.bucket.Cursor()
	var k, v []byte
	if start == nil {
		k, v = c.First()
	} else {
		k, v = c.Seek(start)
	}
	for ; k != nil; k, v = c.Next() {
		if end != nil && bytes.Compare(k, end) >= 0 {
			break
		}
		cont, err := f(k, v)
		if err != nil {
			return err
		}
		if !cont {
			break
		}
	}
	return nil
}

func (t *boltTxTree) RangeReverse(start, end []byte, f func(key, value []byte) (bool, error)) error {
	c := t.bucket.Cursor()
	var k, v []byte
	if end == nil {
		k, v = c.Last()
	} else {
		k, v = c.Seek(end)
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
	}
	for ; k != nil; k, v = c.Prev() {
		if start != nil && bytes.Compare(k, start) < 0 {
			break
		}
		cont, err := f(k, v)
		if err != nil {
			return err
		}
		if !cont {
			break
		}
	}
	return nil
}

func (t *boltTxTree) Insert(key, value []byte) ([]byte, error) {
	var prior []byte
	if old := t.bucket.Get(key); old != nil {
		prior = append([]byte(nil), old...)
	}
	if err := t.bucket.Put(key, value); err != nil {
		return nil, err
	}
	t.tx.changes = append(t.tx.changes, Notification{Tree: t.name, Key: append([]byte(nil), key...), Value: value})
	return prior, nil
}

func (t *boltTxTree) Remove(key []byte) ([]byte, error) {
	var prior []byte
	if old := t.bucket.Get(key); old != nil {
		prior = append([]byte(nil), old...)
	}
	if err := t.bucket.Delete(key); err != nil {
		return nil, err
	}
	t.tx.changes = append(t.tx.changes, Notification{Tree: t.name, Key: append([]byte(nil), key...), Value: nil})
	return prior, nil
}
