package lib

import "sync"

const connShards = 64

type connShard struct {
	mu    sync.Mutex
	nodes map[ConnectionKey]*CmNode
}

// connMap is the connection table, sharded by port pair. Shard locks only
// cover map mutations and the inTable flag.
type connMap struct {
	shards [connShards]connShard
}

func newConnMap() *connMap {
	m := &connMap{}
	for i := range m.shards {
		m.shards[i].nodes = make(map[ConnectionKey]*CmNode)
	}
	return m
}

func (m *connMap) shardFor(k ConnectionKey) *connShard {
	h := uint32(k.RemotePort)<<16 | uint32(k.LocalPort)
	h = (h * 2654435761) >> 26
	return &m.shards[h%connShards]
}

// insert links n unless a node with the same key exists.
func (m *connMap) insert(n *CmNode) bool {
	s := m.shardFor(n.key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[n.key]; ok {
		return false
	}
	s.nodes[n.key] = n
	n.inTable = true
	return true
}

// find returns the node for k with a reference taken.
func (m *connMap) find(k ConnectionKey) *CmNode {
	s := m.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[k]
	if !ok || !n.tryAddRef() {
		return nil
	}
	return n
}

// release drops one reference and unlinks n when it was the last. It
// reports whether the caller must destroy n.
func (m *connMap) release(n *CmNode) bool {
	s := m.shardFor(n.key)
	s.mu.Lock()
	defer s.mu.Unlock()
	switch v := n.refcnt.Add(-1); {
	case v > 0:
		return false
	case v < 0:
		n.refcnt.Store(0)
		n.log.Error().Int32("refcnt", v).Msg("node reference released twice")
		return false
	}
	if n.inTable {
		delete(s.nodes, n.key)
		n.inTable = false
	}
	return true
}

// collect returns every node matching pred with a reference taken.
func (m *connMap) collect(pred func(*CmNode) bool) []*CmNode {
	var out []*CmNode
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		for _, n := range s.nodes {
			if pred(n) && n.tryAddRef() {
				out = append(out, n)
			}
		}
		s.mu.Unlock()
	}
	return out
}

func (m *connMap) len() int {
	total := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		total += len(s.nodes)
		s.mu.Unlock()
	}
	return total
}
