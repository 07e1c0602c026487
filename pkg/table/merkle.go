package table

import (
	"fmt"
	"time"

	"github.com/stratastore/strata/pkg/db"
	"github.com/stratastore/strata/pkg/log"
	"github.com/stratastore/strata/pkg/ring"
)

// NodeKind discriminates the three shapes a Merkle trie node can take.
type NodeKind byte

const (
	NodeEmpty NodeKind = iota
	NodeLeaf
	NodeIntermediate
)

// Child is one nibble's entry in an Intermediate node: the nibble value and
// the hash of the child subtree rooted there.
type Child struct {
	Nibble byte
	Hash   [32]byte
}

// Node is a Merkle trie node, encoded with msgpack for trie storage and for
// the GetNode/Node sync RPCs.
type Node struct {
	Kind NodeKind

	// Leaf fields.
	LeafKey  []byte
	LeafHash [32]byte

	// Intermediate fields.
	Children []Child
}

func (n Node) isEmpty() bool { return n.Kind == NodeEmpty }

func hashNode(n Node) [32]byte {
	raw, err := marshal(n)
	if err != nil {
		// Encoding a plain struct of fixed-shape fields cannot fail; if it
		// somehow did, hashing the zero value still yields a stable (if
		// wrong) answer rather than panicking a background worker.
		return [32]byte{}
	}
	return ring.HashBytes(raw)
}

// NodeKey addresses a position in a partition's trie: the partition id and
// the nibble path from the root.
type NodeKey struct {
	Partition byte
	Prefix    []byte // one nibble (0-15) per byte
}

func (k NodeKey) addNibble(n byte) NodeKey {
	next := make([]byte, len(k.Prefix)+1)
	copy(next, k.Prefix)
	next[len(k.Prefix)] = n
	return NodeKey{Partition: k.Partition, Prefix: next}
}

func (k NodeKey) encode() []byte {
	out := make([]byte, 1+len(k.Prefix))
	out[0] = k.Partition
	copy(out[1:], k.Prefix)
	return out
}

// Updater maintains Data's merkle_tree by draining merkle_todo, one key at a
// time, each drain and its resulting tree rewrite committed together so a
// crash never loses a pending update (original_source/src/table/merkle.rs).
type Updater[E any] struct {
	data *Data[E]
}

// NewUpdater constructs a Merkle maintainer for data. The worker it drives
// is started separately by RunLoop so tests can single-step DrainOne.
func NewUpdater[E any](data *Data[E]) *Updater[E] {
	return &Updater[E]{data: data}
}

// RunLoop drains merkle_todo until stop fires, sleeping briefly whenever
// there is nothing to do.
func (u *Updater[E]) RunLoop(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		did, err := u.DrainOne()
		if err != nil {
			log.WithTable(u.data.name).Warn().Err(err).Msg("merkle updater: drain failed")
			time.Sleep(time.Second)
			continue
		}
		if !did {
			select {
			case <-stop:
				return
			case <-time.After(100 * time.Millisecond):
			}
		}
	}
}

// DrainOne pops a single pending key from merkle_todo, if any, and folds it
// into the trie. The value recorded in merkle_todo at enqueue time is never
// trusted: DrainOne rereads the entry's current state from store inside the
// same transaction, so a key that was since deleted (by GC, an offloader,
// or a second overwrite) gets its leaf removed rather than reinstalled
// under a stale hash — otherwise a deleted row's leaf stays in the trie
// forever and the partition root can never again match fold(leaves(store))
// (§8.1's P3). Returns did=false when merkle_todo is empty.
func (u *Updater[E]) DrainOne() (did bool, err error) {
	_, err = u.data.db.Transaction(func(tx db.Tx) (interface{}, error) {
		merkleTodo, err := tx.Tree(u.data.name + ":merkle_todo")
		if err != nil {
			return nil, err
		}
		merkleTree, err := tx.Tree(u.data.name + ":merkle_tree")
		if err != nil {
			return nil, err
		}
		store, err := tx.Tree(u.data.name + ":store")
		if err != nil {
			return nil, err
		}

		var key []byte
		scanErr := merkleTodo.Range(nil, nil, func(k, v []byte) (bool, error) {
			key = append([]byte(nil), k...)
			return false, nil
		})
		if scanErr != nil {
			return nil, scanErr
		}
		if key == nil {
			return nil, nil
		}

		rawVal, found, gerr := store.Get(key)
		if gerr != nil {
			return nil, gerr
		}
		if found {
			if err := u.apply(merkleTree, key, ring.HashBytes(rawVal)); err != nil {
				return nil, err
			}
		} else {
			if err := u.removeKey(merkleTree, key); err != nil {
				return nil, err
			}
		}
		if _, err := merkleTodo.Remove(key); err != nil {
			return nil, err
		}
		did = true
		return nil, nil
	})
	return did, err
}

// apply inserts key's leaf into tree, rebalancing and collapsing nodes as
// needed. The trie is keyed by partition_id (1 byte, the top byte of
// hash(partitionKey)) || nibbles of blake2b(tree_key), per §4.6.
func (u *Updater[E]) apply(tree db.TxTree, key []byte, valueHash [32]byte) error {
	partitionKey, _ := splitTreeKey(key)
	partitionID := ring.PartitionOf(ring.HashBytes(partitionKey))
	root := NodeKey{Partition: partitionID}
	nibbles := nibblesOf(ring.HashBytes(key))
	return u.insert(tree, root, nibbles, 0, key, valueHash)
}

// removeKey deletes key's leaf from tree if present, walking the same
// nibble path apply would and collapsing intermediates behind it exactly
// as recomputeIntermediate already does for any other child-count change.
func (u *Updater[E]) removeKey(tree db.TxTree, key []byte) error {
	partitionKey, _ := splitTreeKey(key)
	partitionID := ring.PartitionOf(ring.HashBytes(partitionKey))
	root := NodeKey{Partition: partitionID}
	nibbles := nibblesOf(ring.HashBytes(key))
	return u.deleteAt(tree, root, nibbles, 0, key)
}

// deleteAt walks to fullKey's leaf and removes it, if the leaf actually
// still belongs to fullKey (it may already be gone, or — vanishingly
// rarely — reused by a different key that collided into the same slot).
func (u *Updater[E]) deleteAt(tree db.TxTree, at NodeKey, path []byte, depth int, fullKey []byte) error {
	cur, err := readNode(tree, at)
	if err != nil {
		return err
	}
	switch cur.Kind {
	case NodeEmpty:
		return nil
	case NodeLeaf:
		if !bytesEqual(cur.LeafKey, fullKey) {
			return nil
		}
		return writeNode(tree, at, Node{Kind: NodeEmpty})
	case NodeIntermediate:
		if depth >= len(path) {
			return fmt.Errorf("merkle trie: nibble path exhausted at depth %d", depth)
		}
		if err := u.deleteAt(tree, at.addNibble(path[depth]), path, depth+1, fullKey); err != nil {
			return err
		}
		return u.recomputeIntermediate(tree, at)
	}
	return fmt.Errorf("merkle trie: unknown node kind %d", cur.Kind)
}

// insert walks from node down the nibble path, pushing leaf collisions down
// as needed, and rewrites every node it touches on the way back up.
func (u *Updater[E]) insert(tree db.TxTree, at NodeKey, path []byte, depth int, fullKey []byte, valueHash [32]byte) error {
	cur, err := readNode(tree, at)
	if err != nil {
		return err
	}

	switch cur.Kind {
	case NodeEmpty:
		return writeNode(tree, at, Node{Kind: NodeLeaf, LeafKey: fullKey, LeafHash: valueHash})

	case NodeLeaf:
		if bytesEqual(cur.LeafKey, fullKey) {
			if cur.LeafHash == valueHash {
				return nil
			}
			return writeNode(tree, at, Node{Kind: NodeLeaf, LeafKey: fullKey, LeafHash: valueHash})
		}
		// Collision: push the existing leaf one level down alongside the
		// new one, growing the path until they disambiguate.
		existingPath := nibblesOf(ring.HashBytes(cur.LeafKey))
		if depth >= len(existingPath) || depth >= len(path) {
			return fmt.Errorf("merkle trie: nibble path exhausted at depth %d", depth)
		}
		if err := writeNode(tree, at, Node{Kind: NodeIntermediate}); err != nil {
			return err
		}
		if err := u.insert(tree, at.addNibble(existingPath[depth]), existingPath, depth+1, cur.LeafKey, cur.LeafHash); err != nil {
			return err
		}
		if err := u.insert(tree, at.addNibble(path[depth]), path, depth+1, fullKey, valueHash); err != nil {
			return err
		}
		return u.recomputeIntermediate(tree, at)

	case NodeIntermediate:
		if depth >= len(path) {
			return fmt.Errorf("merkle trie: nibble path exhausted at depth %d", depth)
		}
		if err := u.insert(tree, at.addNibble(path[depth]), path, depth+1, fullKey, valueHash); err != nil {
			return err
		}
		return u.recomputeIntermediate(tree, at)
	}
	return fmt.Errorf("merkle trie: unknown node kind %d", cur.Kind)
}

// recomputeIntermediate rereads every child of at, rewrites at's Children
// list, and collapses at to Empty/Leaf when only zero/one children remain.
func (u *Updater[E]) recomputeIntermediate(tree db.TxTree, at NodeKey) error {
	var children []Child
	var onlyChild *Node
	var onlyNibble byte

	for nib := byte(0); nib < 16; nib++ {
		child, err := readNode(tree, at.addNibble(nib))
		if err != nil {
			return err
		}
		if child.isEmpty() {
			continue
		}
		h := hashNode(child)
		children = append(children, Child{Nibble: nib, Hash: h})
		if onlyChild == nil {
			c := child
			onlyChild = &c
			onlyNibble = nib
		} else {
			onlyChild = nil // more than one live child, no collapse possible
		}
	}

	if len(children) == 0 {
		return writeNode(tree, at, Node{Kind: NodeEmpty})
	}
	if len(children) == 1 && onlyChild != nil && onlyChild.Kind == NodeLeaf {
		if err := writeNode(tree, at.addNibble(onlyNibble), Node{Kind: NodeEmpty}); err != nil {
			return err
		}
		return writeNode(tree, at, *onlyChild)
	}
	return writeNode(tree, at, Node{Kind: NodeIntermediate, Children: children})
}

// ReadNode returns the current node at key (read-only, outside any
// transaction — used by the syncer and by the GetNode RPC handler).
func (u *Updater[E]) ReadNode(key NodeKey) (Node, error) {
	raw, found, err := u.data.merkleTree.Get(key.encode())
	if err != nil {
		return Node{}, err
	}
	if !found {
		return Node{Kind: NodeEmpty}, nil
	}
	var n Node
	if err := unmarshal(raw, &n); err != nil {
		return Node{}, fmt.Errorf("decode merkle node: %w", err)
	}
	return n, nil
}

func readNode(tree db.TxTree, key NodeKey) (Node, error) {
	raw, found, err := tree.Get(key.encode())
	if err != nil {
		return Node{}, err
	}
	if !found {
		return Node{Kind: NodeEmpty}, nil
	}
	var n Node
	if err := unmarshal(raw, &n); err != nil {
		return Node{}, fmt.Errorf("decode merkle node: %w", err)
	}
	return n, nil
}

func writeNode(tree db.TxTree, key NodeKey, n Node) error {
	if n.isEmpty() {
		_, err := tree.Remove(key.encode())
		return err
	}
	raw, err := marshal(n)
	if err != nil {
		return fmt.Errorf("encode merkle node: %w", err)
	}
	_, err = tree.Insert(key.encode(), raw)
	return err
}

// nibblesOf expands a 32-byte hash into 64 nibbles, most significant first.
func nibblesOf(h [32]byte) []byte {
	out := make([]byte, 64)
	for i, b := range h {
		out[2*i] = b >> 4
		out[2*i+1] = b & 0x0F
	}
	return out
}

func splitTreeKey(key []byte) (partition, sort []byte) {
	for i, b := range key {
		if b == 0 {
			return key[:i], key[i+1:]
		}
	}
	return key, nil
}
