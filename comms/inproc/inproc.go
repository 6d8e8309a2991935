// Package inproc implements comms.Transport over channels, simulating a
// cluster of N ranks inside one OS process.
//
// Each rank runs in its own goroutine and gets its own transport endpoint;
// point-to-point messages rendezvous over lazily created, buffered channels
// keyed by (src, dst, tag). Subgroup broadcast is implemented as root-to-member
// sends inside the group, which is deterministic as long as every rank issues
// its collective operations in the same program order -- the same assumption
// MPI programs make when they reuse a tag.
//
// The cluster counts its transport operations, so tests can assert that an
// exchange was skipped entirely.
package inproc

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/tilemesh/tilemesh/comms"
	"github.com/tilemesh/tilemesh/types/xsync"
)

// bcastTag is the reserved tag for subgroup broadcast traffic.
// Point-to-point users must use tags >= 0.
const bcastTag = -1

// linkChannelCap bounds in-flight messages per (src, dst, tag) link. Sends
// beyond it block, approximating MPI's eager/rendezvous switch.
const linkChannelCap = 16

// Stats is a snapshot of the cluster's transport operation counters.
type Stats struct {
	Sends  int64
	Recvs  int64
	Groups int64
	Bcasts int64
}

// Cluster is a set of in-process ranks wired by channels.
type Cluster struct {
	id   string
	size int

	links xsync.SyncMap[linkKey, chan []byte]

	sends, recvs, groups, bcasts atomic.Int64

	finalizeOnce sync.Once
	finalized    atomic.Bool
}

type linkKey struct {
	src, dst, tag int
}

// NewCluster creates a cluster of size ranks.
func NewCluster(size int) *Cluster {
	c := &Cluster{
		id:   uuid.NewString(),
		size: size,
	}
	klog.V(1).Infof("inproc: cluster %s created with %d ranks", c.id, size)
	return c
}

// ID returns the cluster's session id.
func (c *Cluster) ID() string { return c.id }

// Stats returns a snapshot of the operation counters.
func (c *Cluster) Stats() Stats {
	return Stats{
		Sends:  c.sends.Load(),
		Recvs:  c.recvs.Load(),
		Groups: c.groups.Load(),
		Bcasts: c.bcasts.Load(),
	}
}

// Transport returns the endpoint for the given rank, implementing
// comms.Transport. Each rank must use only its own endpoint.
func (c *Cluster) Transport(rank int) comms.Transport {
	if rank < 0 || rank >= c.size {
		panic(errors.Errorf("inproc: rank %d out of range for cluster of size %d", rank, c.size))
	}
	return &endpoint{cluster: c, rank: rank}
}

func (c *Cluster) link(src, dst, tag int) chan []byte {
	key := linkKey{src: src, dst: dst, tag: tag}
	ch, ok := c.links.Load(key)
	if !ok {
		ch, _ = c.links.LoadOrStore(key, make(chan []byte, linkChannelCap))
	}
	return ch
}

func (c *Cluster) checkPeer(rank int) error {
	if c.finalized.Load() {
		return errors.New("inproc: cluster already finalized")
	}
	if rank < 0 || rank >= c.size {
		return errors.Errorf("inproc: peer rank %d out of range for cluster of size %d", rank, c.size)
	}
	return nil
}

// endpoint is one rank's view of the cluster.
type endpoint struct {
	cluster *Cluster
	rank    int
}

// Rank implements comms.Transport.
func (e *endpoint) Rank() int { return e.rank }

// Size implements comms.Transport.
func (e *endpoint) Size() int { return e.cluster.size }

// Send implements comms.Transport. The data is copied before it is handed to
// the link, so the caller may reuse its buffer immediately.
func (e *endpoint) Send(data []byte, dest, tag int) error {
	if err := e.cluster.checkPeer(dest); err != nil {
		return err
	}
	if tag < 0 {
		return errors.Errorf("inproc: tag %d is reserved, point-to-point tags must be >= 0", tag)
	}
	return e.send(data, dest, tag)
}

func (e *endpoint) send(data []byte, dest, tag int) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	e.cluster.link(e.rank, dest, tag) <- cp
	e.cluster.sends.Add(1)
	return nil
}

// Recv implements comms.Transport.
func (e *endpoint) Recv(data []byte, src, tag int) error {
	if err := e.cluster.checkPeer(src); err != nil {
		return err
	}
	if tag < 0 {
		return errors.Errorf("inproc: tag %d is reserved, point-to-point tags must be >= 0", tag)
	}
	return e.recv(data, src, tag)
}

func (e *endpoint) recv(data []byte, src, tag int) error {
	msg := <-e.cluster.link(src, e.rank, tag)
	if len(msg) != len(data) {
		return errors.Errorf("inproc: rank %d received %d bytes from rank %d (tag %d), expected %d",
			e.rank, len(msg), src, tag, len(data))
	}
	copy(data, msg)
	e.cluster.recvs.Add(1)
	return nil
}

// Group implements comms.Transport.
func (e *endpoint) Group(ranks []int) (comms.Group, error) {
	if e.cluster.finalized.Load() {
		return nil, errors.New("inproc: cluster already finalized")
	}
	member := false
	for i, r := range ranks {
		if r < 0 || r >= e.cluster.size {
			return nil, errors.Errorf("inproc: group rank %d out of range for cluster of size %d", r, e.cluster.size)
		}
		if i > 0 && ranks[i-1] >= r {
			return nil, errors.Errorf("inproc: group ranks %v must be sorted and unique", ranks)
		}
		member = member || r == e.rank
	}
	if !member {
		return nil, errors.Errorf("inproc: rank %d is not a member of group %v", e.rank, ranks)
	}
	e.cluster.groups.Add(1)
	return &group{endpoint: e, ranks: ranks}, nil
}

// Finalize implements comms.Transport. Any endpoint finalizes the whole
// cluster.
func (e *endpoint) Finalize() {
	e.cluster.finalizeOnce.Do(func() {
		e.cluster.finalized.Store(true)
		klog.V(1).Infof("inproc: cluster %s finalized after %d sends, %d broadcasts",
			e.cluster.id, e.cluster.sends.Load(), e.cluster.bcasts.Load())
	})
}

// group is an ephemeral subgroup over a sorted rank set.
type group struct {
	endpoint *endpoint
	ranks    []int
	freed    bool
}

// Bcast implements comms.Group: the root fans its payload out to every other
// member over the reserved broadcast tag; members block on the root's message.
func (g *group) Bcast(data []byte, root int) error {
	if g.freed {
		return errors.New("inproc: Bcast on a freed group")
	}
	rootIsMember := false
	for _, r := range g.ranks {
		rootIsMember = rootIsMember || r == root
	}
	if !rootIsMember {
		return errors.Errorf("inproc: broadcast root %d is not a member of group %v", root, g.ranks)
	}
	e := g.endpoint
	e.cluster.bcasts.Add(1)
	if e.rank == root {
		for _, r := range g.ranks {
			if r == root {
				continue
			}
			if err := e.send(data, r, bcastTag); err != nil {
				return err
			}
		}
		return nil
	}
	return e.recv(data, root, bcastTag)
}

// Free implements comms.Group.
func (g *group) Free() {
	g.freed = true
}
