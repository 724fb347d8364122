/*
Package manager implements the consensus layer: the replicated log, the
state machine that applies it to the local store, and the node-id
mapping the protocol requires.

# Architecture

	┌──────────────────────────────────────────────────────┐
	│                      Manager                         │
	│  Apply(cmd) ──► raft log ──► quorum ──► FSM.Apply    │
	│                                          │           │
	│  reads ◄────────────── local Store ◄─────┘           │
	└──────────────────────────────────────────────────────┘

Client writes are wrapped as one of six command variants — put/delete for
each of deployment, instance, and node — appended to the Raft log, and
applied to every replica's FSM in commit order. Reads are served from the
local store; callers that need read-after-commit linearizability call
Barrier first. Writes on a follower fail with an Unavailable error that
carries the current leader's address as a redirect hint.

Snapshots serialize the full contents of the KV tables; restore wipes the
tables and reloads them, producing a state equivalent to replaying the
log up to the snapshot's last-applied entry.

# Node identity

Raft wants dense integer ids while the cluster addresses nodes by opaque
strings. NodeIDMap keeps a persistent bidirectional mapping: ids derive
deterministically from FNV-1a with linear probing on collision, id 0 is
reserved, and assignments survive restarts.
*/
package manager
