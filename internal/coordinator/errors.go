package coordinator

import "errors"

var (
	// ErrBadRequest marks a malformed key, replica factor, or expiry.
	ErrBadRequest = errors.New("coordinator: bad request")

	// ErrQuorumFailed means fewer than ack replicas answered before the
	// per-request deadlines elapsed.
	ErrQuorumFailed = errors.New("coordinator: not enough replicas responded")

	// ErrNotFound mirrors lsm.ErrNotFound at the coordinator's surface:
	// no replica holds a live value, or the freshest answer is a
	// tombstone.
	ErrNotFound = errors.New("coordinator: key not found")
)
