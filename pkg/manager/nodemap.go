package manager

import (
	"encoding/binary"
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/warpgrid/warpgrid/pkg/log"
)

var bucketNodeIDs = []byte("raft_node_map")

// NodeIDMap maintains a persistent bidirectional mapping between cluster
// node IDs (opaque strings) and the dense uint64 IDs the consensus
// protocol requires.
//
// IDs are derived deterministically with FNV-1a; collisions are resolved
// by linear probing. The reserved id 0 is never assigned, so mappings are
// stable across process restarts.
type NodeIDMap struct {
	db *bolt.DB

	mu      sync.RWMutex
	forward map[string]uint64
	reverse map[uint64]string
}

// NewNodeIDMap opens the mapping bucket in db and loads existing entries.
func NewNodeIDMap(db *bolt.DB) (*NodeIDMap, error) {
	m := &NodeIDMap{
		db:      db,
		forward: make(map[string]uint64),
		reverse: make(map[uint64]string),
	}

	err := db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketNodeIDs)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			if len(k) != 8 {
				return nil
			}
			raftID := binary.BigEndian.Uint64(k)
			nodeID := string(v)
			m.forward[nodeID] = raftID
			m.reverse[raftID] = nodeID
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load node id map: %w", err)
	}
	return m, nil
}

// GetOrInsert returns the uint64 id for nodeID, computing and persisting
// a new mapping if none exists.
func (m *NodeIDMap) GetOrInsert(nodeID string) (uint64, error) {
	m.mu.RLock()
	if id, ok := m.forward[nodeID]; ok {
		m.mu.RUnlock()
		return id, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Re-check under the write lock.
	if id, ok := m.forward[nodeID]; ok {
		return id, nil
	}

	raftID := fnv1a(nodeID)
	for raftID == 0 || m.reverse[raftID] != "" {
		raftID++
	}

	if err := m.persist(raftID, nodeID); err != nil {
		return 0, fmt.Errorf("failed to persist node id mapping: %w", err)
	}

	m.forward[nodeID] = raftID
	m.reverse[raftID] = nodeID
	log.Logger.Debug().Str("node_id", nodeID).Uint64("raft_id", raftID).Msg("mapped node id")
	return raftID, nil
}

// RaftID looks up the uint64 id for a node id.
func (m *NodeIDMap) RaftID(nodeID string) (uint64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.forward[nodeID]
	return id, ok
}

// NodeID looks up the string node id for a uint64 id.
func (m *NodeIDMap) NodeID(raftID uint64) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	nodeID, ok := m.reverse[raftID]
	return nodeID, ok
}

// Len returns the number of mappings.
func (m *NodeIDMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.forward)
}

func (m *NodeIDMap) persist(raftID uint64, nodeID string) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, raftID)
		return tx.Bucket(bucketNodeIDs).Put(key, []byte(nodeID))
	})
}

// fnv1a is the 64-bit FNV-1a hash.
func fnv1a(s string) uint64 {
	hash := uint64(0xcbf29ce484222325)
	for i := 0; i < len(s); i++ {
		hash ^= uint64(s[i])
		hash *= 0x100000001b3
	}
	return hash
}
