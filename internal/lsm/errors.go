package lsm

import "errors"

var (
	// ErrNotFound is returned when a key is absent, a tombstone, or expired.
	ErrNotFound = errors.New("lsm: key not found")

	// ErrIO is returned when an on-disk read, write, or rename fails, or
	// when a file fails its structural checks on open.
	ErrIO = errors.New("lsm: io error")

	// ErrClosed is returned when an operation is attempted on a closed engine.
	ErrClosed = errors.New("lsm: engine is closed")

	// ErrUnsortedInput is returned by the SSTable writer when it is fed
	// cells that are not in strictly ascending key order.
	ErrUnsortedInput = errors.New("lsm: cells must be written in ascending key order")
)
