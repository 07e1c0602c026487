package table

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/stratastore/strata/pkg/log"
	"github.com/stratastore/strata/pkg/metrics"
	"github.com/stratastore/strata/pkg/rpc"
)

// antiEntropyInterval is how often a full sync is scheduled absent a ring
// change, per §4.7.
const antiEntropyInterval = 10 * time.Minute

const syncRPCTimeout = 30 * time.Second

// offloadBatchSize is how many rows an unowned partition is drained in per
// round-trip.
const offloadBatchSize = 1024

// syncItemBatchSize is how many differing rows the driver buffers before
// flushing an Items call mid-walk.
const syncItemBatchSize = 256

// todoPartition is one partition queued for reconciliation: either this
// node retains it (run the pairwise diff protocol with each other replica)
// or it doesn't (offload everything here to the current replicas and
// delete locally).
type todoPartition struct {
	id          byte
	first, last []byte
	retain      bool
}

// Syncer reconciles a table's partitions with peers, per §4.7.
type Syncer[E any] struct {
	table *Table[E]

	mu   sync.Mutex
	todo []todoPartition
}

func newSyncer[E any](t *Table[E]) *Syncer[E] {
	return &Syncer[E]{table: t}
}

// RunLoop drives the anti-entropy scheduler and worker loop until stop
// fires: a full sync is scheduled once at startup, then every
// antiEntropyInterval thereafter, or immediately when the caller invokes
// AddFullSync (e.g. in response to a ring change notification).
func (s *Syncer[E]) RunLoop(ctx context.Context, stop <-chan struct{}) {
	s.AddFullSync()
	ticker := time.NewTicker(antiEntropyInterval)
	defer ticker.Stop()

	go s.workerLoop(ctx, stop)

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.AddFullSync()
		}
	}
}

// AddFullSync enumerates every partition and pushes it onto the worker
// queue in random order, so a busy cluster spreads the resulting RPC load
// rather than hammering one partition's replicas at a time.
func (s *Syncer[E]) AddFullSync() {
	ranges := s.table.repl.Partitions()
	next := make([]todoPartition, len(ranges))
	for i, r := range ranges {
		next[i] = todoPartition{
			id:     r.ID,
			first:  r.First,
			last:   r.Last,
			retain: nodeIn(s.table.self, s.table.repl.ReplicasForPartition(r.ID)),
		}
	}
	rand.Shuffle(len(next), func(i, j int) { next[i], next[j] = next[j], next[i] })

	s.mu.Lock()
	s.todo = next
	s.mu.Unlock()
}

func (s *Syncer[E]) popTask() (todoPartition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.todo) == 0 {
		return todoPartition{}, false
	}
	p := s.todo[0]
	s.todo = s.todo[1:]
	return p, true
}

func (s *Syncer[E]) workerLoop(ctx context.Context, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		p, ok := s.popTask()
		if !ok {
			select {
			case <-stop:
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if err := s.syncPartition(ctx, p); err != nil {
			log.WithTable(s.table.name).Warn().Err(err).Uint8("partition", p.id).Msg("sync partition failed")
		}
	}
}

func (s *Syncer[E]) syncPartition(ctx context.Context, p todoPartition) error {
	if !p.retain {
		return s.offloadPartition(ctx, p)
	}

	nodes := s.table.repl.ReplicasForPartition(p.id)
	var wg sync.WaitGroup
	for _, n := range nodes {
		if n == s.table.self {
			continue
		}
		n := n
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.doSyncWith(ctx, p, n); err != nil {
				log.WithTable(s.table.name).Warn().Err(err).Str("peer", n.String()).Msg("sync: peer error")
			}
		}()
	}
	wg.Wait()
	return nil
}

// offloadPartition drains every row in [first,last) in batches, pushing
// each to the partition's current replicas with a full-set quorum before
// deleting locally, per §4.7. Stops if this node turns out to still be a
// replica (a ring change raced the offload).
func (s *Syncer[E]) offloadPartition(ctx context.Context, p todoPartition) error {
	for {
		var keys, values [][]byte
		err := s.table.data.store.Range(p.first, p.last, func(k, v []byte) (bool, error) {
			keys = append(keys, append([]byte(nil), k...))
			values = append(values, append([]byte(nil), v...))
			return len(keys) < offloadBatchSize, nil
		})
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			return nil
		}

		nodes := s.table.repl.ReplicasForPartition(p.id)
		for _, n := range nodes {
			if n == s.table.self {
				log.WithTable(s.table.name).Warn().Msg("sync: interrupting offload, partition ownership changed")
				return nil
			}
		}
		if len(nodes) < s.table.repl.WriteQuorum() {
			return nil
		}

		metrics.TableSyncItemsSentTotal.WithLabelValues(s.table.name).Add(float64(len(values)))
		_, _, err = rpc.TryCallMany[ItemsRequest, ItemsResponse](ctx, s.table.ep.items, nodes, ItemsRequest{Items: values}, len(nodes), rpc.QuorumWaitForAll, rpc.CallOptions{Priority: rpc.PriorityBackground, Timeout: syncRPCTimeout})
		if err != nil {
			return err
		}

		for i, k := range keys {
			part, sort := splitTreeKey(k)
			if _, err := s.table.data.DeleteIfEqual(part, sort, values[i]); err != nil {
				log.WithTable(s.table.name).Warn().Err(err).Msg("sync: offload cleanup failed")
			}
		}
	}
}

// doSyncWith runs the pairwise diff protocol driven by this node against
// peer, for the single partition p, per §4.7's walk.
func (s *Syncer[E]) doSyncWith(ctx context.Context, p todoPartition, peer rpc.NodeID) error {
	rootKey := NodeKey{Partition: p.id}
	root, err := s.table.merkle.ReadNode(rootKey)
	if err != nil {
		return err
	}
	if root.isEmpty() {
		return nil
	}
	rootHash := hashNode(root)

	resp, err := rpc.Call[RootCkHashRequest, RootCkHashResponse](ctx, s.table.ep.rootCkHash, peer, RootCkHashRequest{Partition: p.id, Hash: rootHash}, rpc.CallOptions{Priority: rpc.PriorityBackground, Timeout: syncRPCTimeout})
	if err != nil {
		return err
	}
	if !resp.Different {
		return nil
	}

	queue := []NodeKey{rootKey}
	var pending [][]byte

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		batch := pending
		pending = nil
		metrics.TableSyncItemsSentTotal.WithLabelValues(s.table.name).Add(float64(len(batch)))
		_, err := rpc.Call[ItemsRequest, ItemsResponse](ctx, s.table.ep.items, peer, ItemsRequest{Items: batch}, rpc.CallOptions{Priority: rpc.PriorityBackground, Timeout: syncRPCTimeout})
		return err
	}

	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]

		node, err := s.table.merkle.ReadNode(key)
		if err != nil {
			return err
		}

		switch node.Kind {
		case NodeEmpty:
			// Peer has items we don't; their own sync run will push them.

		case NodeLeaf:
			part, sort := splitTreeKey(node.LeafKey)
			v, err := s.table.data.Get(part, sort)
			if err != nil {
				return err
			}
			if v != nil {
				raw, merr := marshal(*v)
				if merr != nil {
					return merr
				}
				pending = append(pending, raw)
			}

		case NodeIntermediate:
			remote, err := rpc.Call[GetNodeRequest, GetNodeResponse](ctx, s.table.ep.getNode, peer, GetNodeRequest{Key: key}, rpc.CallOptions{Priority: rpc.PriorityBackground, Timeout: syncRPCTimeout})
			if err != nil {
				return err
			}
			var remoteChildren []Child
			if remote.Node.Kind == NodeIntermediate {
				remoteChildren = remote.Node.Children
			}
			for _, nib := range diffNibbles(node.Children, remoteChildren) {
				queue = append(queue, key.addNibble(nib))
			}
		}

		if len(pending) >= syncItemBatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

func nodeIn(self rpc.NodeID, nodes []rpc.NodeID) bool {
	for _, n := range nodes {
		if n == self {
			return true
		}
	}
	return false
}

// diffNibbles returns every nibble whose child hash differs between local
// and remote, or is present on only one side.
func diffNibbles(local, remote []Child) []byte {
	l := map[byte][32]byte{}
	for _, c := range local {
		l[c.Nibble] = c.Hash
	}
	r := map[byte][32]byte{}
	for _, c := range remote {
		r[c.Nibble] = c.Hash
	}

	var out []byte
	for nib := byte(0); nib < 16; nib++ {
		lh, lok := l[nib]
		rh, rok := r[nib]
		if lok != rok || lh != rh {
			out = append(out, nib)
		}
	}
	return out
}

// --- RPC handlers, receiver side of the diff protocol ---

func (s *Syncer[E]) handleRootCkHash(ctx context.Context, from rpc.NodeID, req RootCkHashRequest) (RootCkHashResponse, error) {
	node, err := s.table.merkle.ReadNode(NodeKey{Partition: req.Partition})
	if err != nil {
		return RootCkHashResponse{}, err
	}
	return RootCkHashResponse{Different: hashNode(node) != req.Hash}, nil
}

func (s *Syncer[E]) handleGetNode(ctx context.Context, from rpc.NodeID, req GetNodeRequest) (GetNodeResponse, error) {
	node, err := s.table.merkle.ReadNode(req.Key)
	if err != nil {
		return GetNodeResponse{}, err
	}
	return GetNodeResponse{Node: node}, nil
}

func (s *Syncer[E]) handleItems(ctx context.Context, from rpc.NodeID, req ItemsRequest) (ItemsResponse, error) {
	items := make([]E, 0, len(req.Items))
	for _, raw := range req.Items {
		var e E
		if err := unmarshal(raw, &e); err != nil {
			return ItemsResponse{}, err
		}
		items = append(items, e)
	}
	return ItemsResponse{}, s.table.data.UpdateMany(items)
}
