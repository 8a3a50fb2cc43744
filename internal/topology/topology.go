// Package topology describes the static cluster a coordinator fans
// requests across: the local node's identity and the ordered list of
// peers, plus the hash function that assigns a key to its replica set.
package topology

import (
	"fmt"
	"hash/fnv"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Node is one member of the cluster.
type Node struct {
	ID   string `yaml:"id"`
	Addr string `yaml:"addr"` // host:port, no scheme
}

// Cluster is the static membership list plus this process's position in
// it. Membership never changes at runtime; adding or removing a node
// requires a restart with an updated file.
type Cluster struct {
	Nodes []Node `yaml:"nodes"`
	Self  int    `yaml:"-"`
}

type clusterFile struct {
	Nodes []Node `yaml:"nodes"`
}

// Load reads a YAML topology file and validates that selfID names one
// of the listed nodes.
func Load(path string, selfID string) (*Cluster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("topology: read %s: %w", path, err)
	}

	var cf clusterFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("topology: parse %s: %w", path, err)
	}
	if len(cf.Nodes) == 0 {
		return nil, fmt.Errorf("topology: %s declares no nodes", path)
	}

	self := -1
	for i, n := range cf.Nodes {
		if n.ID == selfID {
			self = i
		}
	}
	if self < 0 {
		return nil, fmt.Errorf("topology: node id %q not found in %s", selfID, path)
	}

	return &Cluster{Nodes: cf.Nodes, Self: self}, nil
}

// Size returns the number of nodes in the cluster.
func (c *Cluster) Size() int { return len(c.Nodes) }

// SelfNode returns this process's own entry.
func (c *Cluster) SelfNode() Node { return c.Nodes[c.Self] }

// Peers returns every node other than self, in cluster order.
func (c *Cluster) Peers() []Node {
	peers := make([]Node, 0, len(c.Nodes)-1)
	for i, n := range c.Nodes {
		if i != c.Self {
			peers = append(peers, n)
		}
	}
	return peers
}

// score is a scoring entry used by Replicas' rendezvous ranking.
type score struct {
	index int
	value uint64
}

// Replicas returns the from-sized replica set for key, ranked by
// rendezvous (highest random weight) hashing: each node scores the key
// independently via a combined hash of key and node id, and the top
// `from` scorers are the replica set. This spreads keys evenly and
// keeps reassignment minimal if membership ever changes, without
// requiring a ring structure.
func (c *Cluster) Replicas(key []byte, from int) []Node {
	if from > len(c.Nodes) {
		from = len(c.Nodes)
	}

	scores := make([]score, len(c.Nodes))
	for i, n := range c.Nodes {
		scores[i] = score{index: i, value: rendezvousWeight(key, n.ID)}
	}
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].value != scores[j].value {
			return scores[i].value > scores[j].value
		}
		return scores[i].index < scores[j].index
	})

	replicas := make([]Node, from)
	for i := 0; i < from; i++ {
		replicas[i] = c.Nodes[scores[i].index]
	}
	return replicas
}

func rendezvousWeight(key []byte, nodeID string) uint64 {
	h := fnv.New64a()
	h.Write(key)
	h.Write([]byte{0})
	h.Write([]byte(nodeID))
	return h.Sum64()
}

// DefaultQuorum returns the conventional majority quorum for a cluster
// of this size: ack = floor(N/2)+1, from = N.
func (c *Cluster) DefaultQuorum() (ack, from int) {
	n := len(c.Nodes)
	return n/2 + 1, n
}
