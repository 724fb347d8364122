/*
Package storage provides the cluster state store: typed key-value tables
for deployments, instances, nodes, services, and metrics snapshots.

Two backends implement the same Store interface with identical semantics:

  - BoltStore: durable, file-backed (bbolt). One transaction per
    operation, so observers never see partially-applied writes.
  - MemoryStore: process-lifetime maps guarded by a RWMutex, used for
    tests and ephemeral tooling.

# Key layout

Every table uses composite string keys:

	deployments  {namespace}/{name}
	instances    {deployment_id}:{instance_id}
	nodes        {node_id}
	services     {namespace}/{service}
	metrics      {deployment_id}:{epoch}

Range scans exploit the separators: all instances of a deployment are the
keys sharing the "{deployment_id}:" prefix, and likewise for a
deployment's metrics snapshots.

The store itself is consensus-agnostic. On cluster nodes it sits behind
the Raft FSM (pkg/manager), which applies every mutation in log order;
reads go straight to the local store.
*/
package storage
