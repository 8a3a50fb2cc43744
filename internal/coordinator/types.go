// Package coordinator fans a single client request out to the replica
// set for its key, assembles quorum, and reconciles replica replies by
// logical timestamp.
package coordinator

import "fmt"

// ReplicaStatus is the three-way outcome a single replica can report
// for a GET: it has never seen the key, it still holds a live value,
// or its most recent cell for the key is a tombstone.
type ReplicaStatus int

const (
	Absent ReplicaStatus = iota
	Present
	Removed
)

func (s ReplicaStatus) String() string {
	switch s {
	case Present:
		return "PRESENT"
	case Removed:
		return "REMOVED"
	default:
		return "ABSENT"
	}
}

// ReplicaReply is one replica's answer to a GET, whether produced
// locally or parsed from a peer's HTTP response.
type ReplicaReply struct {
	Status    ReplicaStatus
	Value     []byte
	Timestamp int64
}

// Quorum is the (ack, from) pair a request is evaluated against: a
// request succeeds once ack of from replicas agree.
type Quorum struct {
	Ack  int
	From int
}

// Validate checks 1 <= Ack <= From <= clusterSize.
func (q Quorum) Validate(clusterSize int) error {
	if q.Ack < 1 || q.From < q.Ack || q.From > clusterSize {
		return fmt.Errorf("%w: replicas=%d/%d out of range for a %d-node cluster", ErrBadRequest, q.Ack, q.From, clusterSize)
	}
	return nil
}
