// Package transport defines sabo's node-local timing-exchange
// collaborator (spec.md §1, "allgather over the node-local rank
// group") and its two interchangeable backends: mp (message-passing)
// and shm (shared-memory).
package transport

import "context"

// Transport is the interface the allocator's windowing step uses to
// exchange a W-length window of float64 values per rank across the
// node-local rank group.
type Transport interface {
	// Init establishes the rank's identity and joins the node-local
	// group. It must be called exactly once before any other method.
	Init(ctx context.Context) error

	// Fini releases the transport's resources. Safe to call once,
	// after which the Transport must not be reused.
	Fini() error

	// IsInitialized reports whether Init has completed successfully
	// and Fini has not yet been called.
	IsInitialized() bool

	GetWorldRank() int
	GetWorldSize() int
	GetNodeRank() int
	GetNodeSize() int

	// GetWorldRankFromNodeRank maps a node-local rank to its world
	// rank.
	GetWorldRankFromNodeRank(nodeRank int) int

	// SendBuffer returns this rank's W-length window buffer; callers
	// populate it before Allgather. Distinct from RecvBuffer (the
	// original's get_recv_buffer and get_send_buffer aliased the same
	// pointer — see SPEC_FULL.md §14).
	SendBuffer() []float64

	// RecvBuffer returns the (node_size*W)-length buffer Allgather
	// fills; rank r's window occupies slots [r*W, (r+1)*W).
	RecvBuffer() []float64

	// Allgather publishes SendBuffer to every rank in the node-local
	// group and fills RecvBuffer with every rank's contribution,
	// indexed by node rank.
	Allgather(ctx context.Context) error
}
