package coordinator

import (
	"context"
	"errors"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mnohosten/driftkv/internal/lsm"
	"github.com/mnohosten/driftkv/internal/metrics"
	"github.com/mnohosten/driftkv/internal/topology"
)

// Coordinator is the client-facing entry point: it owns the local
// engine, the cluster topology, and a persistent wire client per peer.
// It is re-entrant across independent requests.
type Coordinator struct {
	engine  *lsm.Engine
	cluster *topology.Cluster
	metrics *metrics.Registry

	peersMu sync.RWMutex
	peers   map[string]*peerClient // keyed by node ID
}

// New builds a Coordinator over a local engine and a static cluster
// topology, opening one persistent peer client per remote node. reg
// must not be nil; pass metrics.NewRegistry() from a test.
func New(engine *lsm.Engine, cluster *topology.Cluster, reg *metrics.Registry) *Coordinator {
	c := &Coordinator{
		engine:  engine,
		cluster: cluster,
		metrics: reg,
		peers:   make(map[string]*peerClient),
	}
	for _, peer := range cluster.Peers() {
		c.peers[peer.ID] = newPeerClient(peer.Addr)
	}
	return c
}

// DefaultQuorum returns the cluster's configured majority quorum.
func (c *Coordinator) DefaultQuorum() Quorum {
	ack, from := c.cluster.DefaultQuorum()
	return Quorum{Ack: ack, From: from}
}

// ClusterSize reports the number of nodes in the cluster, used to
// validate a client-supplied replica factor.
func (c *Coordinator) ClusterSize() int { return c.cluster.Size() }

// LocalGet performs a GET against only this node's storage engine. It
// is what a proxied request runs, and it is also one leg of a fanned
// out client-facing GET.
func (c *Coordinator) LocalGet(key []byte) (ReplicaReply, error) {
	res, err := c.engine.Lookup(key)
	if err != nil {
		return ReplicaReply{}, err
	}
	if !res.Found {
		return ReplicaReply{Status: Absent}, nil
	}
	if res.Kind == lsm.Tombstone {
		return ReplicaReply{Status: Removed, Timestamp: res.Timestamp}, nil
	}
	return ReplicaReply{Status: Present, Value: res.Value, Timestamp: res.Timestamp}, nil
}

// LocalPut performs a PUT against only this node's storage engine.
// expire is lsm.Forever when the client supplied no expiry.
func (c *Coordinator) LocalPut(key, value []byte, expire int64) error {
	return c.engine.Upsert(key, value, expire)
}

// LocalDelete performs a DELETE against only this node's storage
// engine.
func (c *Coordinator) LocalDelete(key []byte) error {
	return c.engine.Remove(key)
}

// Get fans a client-facing GET out to the key's replica set, collects
// the first Ack responses, and resolves the freshest one. It returns
// ErrNotFound when the freshest reply is Absent or Removed, and
// ErrQuorumFailed when fewer than Ack replicas answer in time.
func (c *Coordinator) Get(ctx context.Context, key []byte, q Quorum) (ReplicaReply, error) {
	defer c.observeLatency("get", time.Now())

	replies := c.fanOut(ctx, key, q.From, func(ctx context.Context, node topology.Node) (ReplicaReply, error) {
		if node.ID == c.cluster.SelfNode().ID {
			return c.LocalGet(key)
		}
		return c.peerFor(node).get(ctx, key)
	})

	collected := collectFirstN(replies, q.Ack)
	if len(collected) < q.Ack {
		return ReplicaReply{}, ErrQuorumFailed
	}

	best := freshest(collected)
	if best.Status == Absent || best.Status == Removed {
		return ReplicaReply{}, ErrNotFound
	}
	return best, nil
}

// Put fans a client-facing PUT out to the key's replica set and
// requires Ack 2xx responses to declare success.
func (c *Coordinator) Put(ctx context.Context, key, value []byte, expire int64, q Quorum) error {
	defer c.observeLatency("put", time.Now())

	return c.writeQuorum(ctx, key, q, func(ctx context.Context, node topology.Node) error {
		if node.ID == c.cluster.SelfNode().ID {
			return c.LocalPut(key, value, expire)
		}
		return c.peerFor(node).put(ctx, key, value, expire, expire != lsm.Forever)
	})
}

// Delete fans a client-facing DELETE out to the key's replica set and
// requires Ack 2xx responses to declare success.
func (c *Coordinator) Delete(ctx context.Context, key []byte, q Quorum) error {
	defer c.observeLatency("delete", time.Now())

	return c.writeQuorum(ctx, key, q, func(ctx context.Context, node topology.Node) error {
		if node.ID == c.cluster.SelfNode().ID {
			return c.LocalDelete(key)
		}
		return c.peerFor(node).delete(ctx, key)
	})
}

func (c *Coordinator) peerFor(node topology.Node) *peerClient {
	c.peersMu.RLock()
	defer c.peersMu.RUnlock()
	return c.peers[node.ID]
}

func (c *Coordinator) observeLatency(operation string, start time.Time) {
	c.metrics.CoordinatorRequestLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// isPeerTimeout reports whether err is the peer client's own deadline
// expiring, as opposed to a connection refusal or other transport
// failure.
func isPeerTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// replicaResult pairs a replica's outcome with any dispatch error so a
// failed or timed-out leg can be told apart from a real reply without
// panicking the collector.
type replicaResult struct {
	reply ReplicaReply
	err   error
}

// fanOut dispatches op to the key's From replicas concurrently and
// streams results back on a channel in arrival order, local and peer
// legs treated symmetrically (no dedup even if the local node appears
// in its own replica set).
func (c *Coordinator) fanOut(ctx context.Context, key []byte, from int, op func(context.Context, topology.Node) (ReplicaReply, error)) <-chan replicaResult {
	nodes := c.cluster.Replicas(key, from)
	out := make(chan replicaResult, len(nodes))
	corrID := uuid.NewString()

	var wg sync.WaitGroup
	for _, node := range nodes {
		wg.Add(1)
		go func(n topology.Node) {
			defer wg.Done()
			reply, err := op(ctx, n)
			if err != nil {
				log.Printf("fanout[%s]: replica %s: %v", corrID, n.ID, err)
				if isPeerTimeout(err) {
					c.metrics.CoordinatorPeerTimeouts.Inc()
				}
			}
			out <- replicaResult{reply: reply, err: err}
		}(node)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// collectFirstN drains replies until n successful ones have arrived or
// the channel is exhausted. A replica that errored (transport failure
// or deadline) is counted as not having responded, never surfaced to
// the client directly.
func collectFirstN(replies <-chan replicaResult, n int) []ReplicaReply {
	collected := make([]ReplicaReply, 0, n)
	for r := range replies {
		if r.err != nil {
			continue
		}
		collected = append(collected, r.reply)
		if len(collected) >= n {
			break
		}
	}
	return collected
}

// freshest returns the reply with the greatest timestamp; Absent
// replies carry no timestamp and always lose to a Present or Removed
// one.
func freshest(replies []ReplicaReply) ReplicaReply {
	best := replies[0]
	for _, r := range replies[1:] {
		if r.Status == Absent {
			continue
		}
		if best.Status == Absent || r.Timestamp > best.Timestamp {
			best = r
		}
	}
	return best
}

// writeQuorum dispatches op to the key's From replicas and succeeds
// once Ack of them return without error.
func (c *Coordinator) writeQuorum(ctx context.Context, key []byte, q Quorum, op func(context.Context, topology.Node) error) error {
	nodes := c.cluster.Replicas(key, q.From)
	out := make(chan error, len(nodes))
	corrID := uuid.NewString()

	var wg sync.WaitGroup
	for _, node := range nodes {
		wg.Add(1)
		go func(n topology.Node) {
			defer wg.Done()
			err := op(ctx, n)
			if err != nil {
				log.Printf("fanout[%s]: replica %s: %v", corrID, n.ID, err)
				if isPeerTimeout(err) {
					c.metrics.CoordinatorPeerTimeouts.Inc()
				}
			}
			out <- err
		}(node)
	}
	go func() {
		wg.Wait()
		close(out)
	}()

	acks := 0
	for err := range out {
		if err == nil {
			acks++
			if acks >= q.Ack {
				return nil
			}
		}
	}
	if acks >= q.Ack {
		return nil
	}
	return ErrQuorumFailed
}
