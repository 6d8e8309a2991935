package inproc

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendRecv(t *testing.T) {
	cluster := NewCluster(2)
	assert.NotEmpty(t, cluster.ID())
	t0 := cluster.Transport(0)
	t1 := cluster.Transport(1)
	require.Equal(t, 0, t0.Rank())
	require.Equal(t, 2, t1.Size())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.NoError(t, t0.Send([]byte("tile-payload"), 1, 7))
	}()
	got := make([]byte, len("tile-payload"))
	go func() {
		defer wg.Done()
		assert.NoError(t, t1.Recv(got, 0, 7))
	}()
	wg.Wait()
	assert.Equal(t, "tile-payload", string(got))

	stats := cluster.Stats()
	assert.Equal(t, int64(1), stats.Sends)
	assert.Equal(t, int64(1), stats.Recvs)
}

func TestSendCopiesData(t *testing.T) {
	cluster := NewCluster(2)
	payload := []byte{1, 2, 3}
	require.NoError(t, cluster.Transport(0).Send(payload, 1, 0))
	payload[0] = 99 // Caller may reuse its buffer immediately.
	got := make([]byte, 3)
	require.NoError(t, cluster.Transport(1).Recv(got, 0, 0))
	assert.Equal(t, []byte{1, 2, 3}, got)
}

func TestErrors(t *testing.T) {
	cluster := NewCluster(2)
	ep := cluster.Transport(0)
	assert.Error(t, ep.Send(nil, 5, 0), "peer out of range")
	assert.Error(t, ep.Send(nil, 1, -1), "reserved tag")
	assert.Error(t, ep.Recv(nil, 1, -2), "reserved tag")
	assert.Panics(t, func() { cluster.Transport(7) })

	_, err := ep.Group([]int{0, 1, 1})
	assert.Error(t, err, "duplicate ranks")
	_, err = ep.Group([]int{1})
	assert.Error(t, err, "local rank not a member")
	_, err = ep.Group([]int{0, 9})
	assert.Error(t, err, "member out of range")

	require.NoError(t, cluster.Transport(0).Send([]byte{1, 2}, 1, 3))
	assert.Error(t, cluster.Transport(1).Recv(make([]byte, 5), 0, 3), "length mismatch")
}

func TestGroupBcast(t *testing.T) {
	cluster := NewCluster(4)
	// Subgroup {0, 2, 3} with root 2; rank 1 stays out entirely.
	members := []int{0, 2, 3}
	payload := []byte("broadcast me")

	var wg sync.WaitGroup
	results := make([][]byte, 4)
	for _, rank := range members {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			ep := cluster.Transport(rank)
			group, err := ep.Group(members)
			if !assert.NoError(t, err) {
				return
			}
			defer group.Free()
			data := make([]byte, len(payload))
			if rank == 2 {
				copy(data, payload)
			}
			assert.NoError(t, group.Bcast(data, 2))
			results[rank] = data
		}(rank)
	}
	wg.Wait()

	for _, rank := range members {
		assert.Equal(t, payload, results[rank], "rank %d", rank)
	}
	stats := cluster.Stats()
	assert.Equal(t, int64(3), stats.Groups)
	assert.Equal(t, int64(3), stats.Bcasts)
	assert.Equal(t, int64(2), stats.Sends, "root sends to two members")
}

func TestBcastErrors(t *testing.T) {
	cluster := NewCluster(3)
	ep := cluster.Transport(0)
	group, err := ep.Group([]int{0, 1})
	require.NoError(t, err)
	assert.Error(t, group.Bcast(nil, 2), "root outside the group")
	group.Free()
	assert.Error(t, group.Bcast(nil, 0), "freed group")
}

func TestFinalize(t *testing.T) {
	cluster := NewCluster(2)
	ep := cluster.Transport(0)
	ep.Finalize()
	assert.Error(t, ep.Send([]byte{1}, 1, 0))
	_, err := ep.Group([]int{0, 1})
	assert.Error(t, err)
}
