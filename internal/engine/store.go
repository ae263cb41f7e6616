package engine

import "io"

// Storage creates the per-job byte stores that back output buffers.
type Storage interface {
	Create(id string) (Store, error)
	Delete(id string) error
}

// Store is an append-only byte log. Implementations are not required to be
// safe for concurrent use; OutputBuffer serializes access to them.
type Store interface {
	io.ReaderAt
	Append(data []byte) error
	Close() error
}
