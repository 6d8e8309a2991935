// Package comms defines the message-passing layer of the tiled matrix engine.
//
// It presents an MPI-like interface: every process has a rank in 0..size-1,
// point-to-point sends and receives are matched by (peer, tag), and ephemeral
// subgroups can be created over an explicit rank set to broadcast one payload
// and then be torn down. Implementations are free to back it with real MPI,
// sockets, or in-process channels (see comms/inproc).
//
// All calls are blocking. Implementations are not required to be safe for
// concurrent use: the engine funnels every transport call through Comm, which
// enforces that at most one goroutine per process is inside the transport at
// a time.
package comms

import (
	"sync"

	"github.com/gomlx/exceptions"
)

// Transport is the set of message-passing primitives an implementation
// provides. Transports are assumed reliable at this layer: a failed call is
// fatal to the run, there is no retry policy.
type Transport interface {
	// Rank returns the rank of the local process, 0 <= Rank() < Size().
	// The rank never changes during program execution.
	Rank() int

	// Size returns the total number of processes.
	Size() int

	// Send transmits data to the destination rank with the given tag.
	// It blocks until data may be reused by the caller.
	Send(data []byte, dest, tag int) error

	// Recv fills data from the source rank with the given tag. len(data) must
	// match the length sent.
	Recv(data []byte, src, tag int) error

	// Group constructs an ephemeral communication subgroup restricted to the
	// given set of world ranks. Every member of the set must call Group with
	// the identical rank set. The local rank must be a member.
	Group(ranks []int) (Group, error)

	// Finalize shuts the transport down. No calls may be made afterward.
	Finalize()
}

// Group is an ephemeral subgroup over a fixed rank set, created for a single
// broadcast and then freed.
type Group interface {
	// Bcast broadcasts data from root (a world rank, which must be a member of
	// the group) to every other member. On non-root members len(data) must
	// match the root's payload length and is filled in place.
	Bcast(data []byte, root int) error

	// Free releases the subgroup and any transient resources.
	Free()
}

// Comm wraps a Transport behind a single mutex, so that at most one goroutine
// performs message-passing calls at a time. The underlying transports are not
// safe for concurrent multi-threaded invocation; compute tasks that do not
// touch the transport proceed in parallel.
//
// Transport failures are fatal: Comm methods panic with the wrapped error.
type Comm struct {
	mu        sync.Mutex
	transport Transport

	// rank and size are immutable, cached so they can be read without
	// entering the serialization domain.
	rank, size int
}

// NewComm wraps the transport in the per-process serialization domain.
func NewComm(t Transport) *Comm {
	return &Comm{
		transport: t,
		rank:      t.Rank(),
		size:      t.Size(),
	}
}

// Rank of the local process.
func (c *Comm) Rank() int { return c.rank }

// Size is the total number of processes.
func (c *Comm) Size() int { return c.size }

// Send transmits data to dest with the given tag, blocking the calling worker.
func (c *Comm) Send(data []byte, dest, tag int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.transport.Send(data, dest, tag); err != nil {
		exceptions.Panicf("comms: send to rank %d (tag %d) failed: %+v", dest, tag, err)
	}
}

// Recv fills data from src with the given tag, blocking the calling worker.
func (c *Comm) Recv(data []byte, src, tag int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.transport.Recv(data, src, tag); err != nil {
		exceptions.Panicf("comms: recv from rank %d (tag %d) failed: %+v", src, tag, err)
	}
}

// Bcast creates the ephemeral subgroup over ranks, broadcasts data from root
// (a world rank) and frees the subgroup, all inside one hold of the
// serialization domain.
//
// Every rank in ranks must call Bcast with the identical, sorted rank set.
func (c *Comm) Bcast(ranks []int, data []byte, root int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	group, err := c.transport.Group(ranks)
	if err != nil {
		exceptions.Panicf("comms: subgroup creation over ranks %v failed: %+v", ranks, err)
	}
	defer group.Free()
	if err := group.Bcast(data, root); err != nil {
		exceptions.Panicf("comms: broadcast over ranks %v (root %d) failed: %+v", ranks, root, err)
	}
}

// Finalize shuts down the underlying transport.
func (c *Comm) Finalize() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transport.Finalize()
}
