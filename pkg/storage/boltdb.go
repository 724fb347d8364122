package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	bolt "go.etcd.io/bbolt"

	"github.com/warpgrid/warpgrid/pkg/errdefs"
	"github.com/warpgrid/warpgrid/pkg/types"
)

var (
	// Bucket names
	bucketDeployments = []byte("deployments")
	bucketInstances   = []byte("instances")
	bucketNodes       = []byte("nodes")
	bucketServices    = []byte("services")
	bucketMetrics     = []byte("metrics")
)

// BoltStore implements Store using bbolt. Every operation runs in a single
// transaction, so callers never observe partially-applied writes.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the state database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "warpgrid.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketDeployments,
			bucketInstances,
			bucketNodes,
			bucketServices,
			bucketMetrics,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// put marshals v and writes it under key in bucket.
func (s *BoltStore) put(bucket []byte, key string, v any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

// get reads key from bucket into out. Missing keys return ErrNotFound.
func (s *BoltStore) get(bucket []byte, key string, out any) error {
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return errdefs.NotFoundf("%s %q", bucket, key)
		}
		return json.Unmarshal(data, out)
	})
}

// delete removes key from bucket, reporting whether it existed.
func (s *BoltStore) delete(bucket []byte, key string) (bool, error) {
	existed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b.Get([]byte(key)) != nil {
			existed = true
		}
		return b.Delete([]byte(key))
	})
	return existed, err
}

// Deployment operations

func (s *BoltStore) PutDeployment(spec *types.DeploymentSpec) error {
	return s.put(bucketDeployments, spec.Key(), spec)
}

func (s *BoltStore) GetDeployment(key string) (*types.DeploymentSpec, error) {
	var spec types.DeploymentSpec
	if err := s.get(bucketDeployments, key, &spec); err != nil {
		return nil, err
	}
	return &spec, nil
}

func (s *BoltStore) ListDeployments() ([]*types.DeploymentSpec, error) {
	var specs []*types.DeploymentSpec
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeployments).ForEach(func(k, v []byte) error {
			var spec types.DeploymentSpec
			if err := json.Unmarshal(v, &spec); err != nil {
				return err
			}
			specs = append(specs, &spec)
			return nil
		})
	})
	return specs, err
}

func (s *BoltStore) DeleteDeployment(key string) (bool, error) {
	return s.delete(bucketDeployments, key)
}

// Instance operations

func (s *BoltStore) PutInstance(inst *types.InstanceState) error {
	return s.put(bucketInstances, inst.Key(), inst)
}

func (s *BoltStore) GetInstance(key string) (*types.InstanceState, error) {
	var inst types.InstanceState
	if err := s.get(bucketInstances, key, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

func (s *BoltStore) ListInstances() ([]*types.InstanceState, error) {
	var instances []*types.InstanceState
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstances).ForEach(func(k, v []byte) error {
			var inst types.InstanceState
			if err := json.Unmarshal(v, &inst); err != nil {
				return err
			}
			instances = append(instances, &inst)
			return nil
		})
	})
	return instances, err
}

// ListInstancesByDeployment range-scans the instances bucket using the
// {deployment_id}: prefix.
func (s *BoltStore) ListInstancesByDeployment(deploymentID string) ([]*types.InstanceState, error) {
	prefix := []byte(types.InstancePrefix(deploymentID))
	var instances []*types.InstanceState
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketInstances).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var inst types.InstanceState
			if err := json.Unmarshal(v, &inst); err != nil {
				return err
			}
			instances = append(instances, &inst)
		}
		return nil
	})
	return instances, err
}

func (s *BoltStore) DeleteInstance(key string) (bool, error) {
	return s.delete(bucketInstances, key)
}

// Node operations

func (s *BoltStore) PutNode(node *types.NodeInfo) error {
	return s.put(bucketNodes, node.ID, node)
}

func (s *BoltStore) GetNode(id string) (*types.NodeInfo, error) {
	var node types.NodeInfo
	if err := s.get(bucketNodes, id, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *BoltStore) ListNodes() ([]*types.NodeInfo, error) {
	var nodes []*types.NodeInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
			var node types.NodeInfo
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			nodes = append(nodes, &node)
			return nil
		})
	})
	return nodes, err
}

func (s *BoltStore) DeleteNode(id string) (bool, error) {
	return s.delete(bucketNodes, id)
}

// Service operations

func (s *BoltStore) PutService(svc *types.ServiceEndpoints) error {
	return s.put(bucketServices, svc.Key(), svc)
}

func (s *BoltStore) GetService(key string) (*types.ServiceEndpoints, error) {
	var svc types.ServiceEndpoints
	if err := s.get(bucketServices, key, &svc); err != nil {
		return nil, err
	}
	return &svc, nil
}

func (s *BoltStore) ListServices() ([]*types.ServiceEndpoints, error) {
	var services []*types.ServiceEndpoints
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketServices).ForEach(func(k, v []byte) error {
			var svc types.ServiceEndpoints
			if err := json.Unmarshal(v, &svc); err != nil {
				return err
			}
			services = append(services, &svc)
			return nil
		})
	})
	return services, err
}

func (s *BoltStore) DeleteService(key string) (bool, error) {
	return s.delete(bucketServices, key)
}

// Metrics operations

func (s *BoltStore) PutMetrics(snap *types.MetricsSnapshot) error {
	return s.put(bucketMetrics, snap.Key(), snap)
}

func (s *BoltStore) ListMetricsByDeployment(deploymentID string) ([]*types.MetricsSnapshot, error) {
	prefix := []byte(types.MetricsPrefix(deploymentID))
	var snaps []*types.MetricsSnapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketMetrics).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var snap types.MetricsSnapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				return err
			}
			snaps = append(snaps, &snap)
		}
		return nil
	})
	return snaps, err
}

// PruneMetricsBefore deletes snapshots older than epoch across all
// deployments, returning the number removed.
func (s *BoltStore) PruneMetricsBefore(epoch int64) (int, error) {
	pruned := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMetrics)
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			idx := strings.LastIndexByte(string(k), ':')
			if idx < 0 {
				continue
			}
			ts, err := strconv.ParseInt(string(k[idx+1:]), 10, 64)
			if err != nil {
				continue
			}
			if ts < epoch {
				if err := c.Delete(); err != nil {
					return err
				}
				pruned++
			}
		}
		return nil
	})
	return pruned, err
}
