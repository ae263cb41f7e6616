package engine

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// Chunk is one slice of a job's output. Offset is the position just past
// Data, i.e. where the next read should start.
type Chunk struct {
	Data   []byte
	Offset int64
	Final  bool
}

// OutputBuffer is the append-only output log of a single job. It has exactly
// one writer (the job's drain goroutine) and any number of readers. Bytes
// below Len never change.
type OutputBuffer struct {
	mu       sync.RWMutex
	store    Store
	size     int64
	final    bool
	released bool
	changed  chan struct{}
}

func NewOutputBuffer(store Store) *OutputBuffer {
	return &OutputBuffer{
		store:   store,
		changed: make(chan struct{}),
	}
}

func (b *OutputBuffer) Append(data []byte) error {
	if len(data) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.final || b.released {
		return fmt.Errorf("append to finalized output: %w", ErrInvalidState)
	}
	if err := b.store.Append(data); err != nil {
		return err
	}
	b.size += int64(len(data))
	b.notifyLocked()
	return nil
}

// ReadFrom returns up to max bytes starting at offset. A max of zero or less
// means no limit.
func (b *OutputBuffer) ReadFrom(offset int64, max int) (Chunk, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.released {
		return Chunk{}, fmt.Errorf("output released: %w", ErrNotFound)
	}
	if offset < 0 || offset > b.size {
		return Chunk{}, fmt.Errorf("offset %d, output length %d: %w", offset, b.size, ErrBadOffset)
	}

	n := b.size - offset
	if max > 0 && n > int64(max) {
		n = int64(max)
	}

	data := make([]byte, n)
	if n > 0 {
		read, err := b.store.ReadAt(data, offset)
		if err != nil && !(errors.Is(err, io.EOF) && int64(read) == n) {
			return Chunk{}, fmt.Errorf("read output at %d: %w", offset, err)
		}
	}

	next := offset + n
	return Chunk{
		Data:   data,
		Offset: next,
		Final:  b.final && next == b.size,
	}, nil
}

// Finalize freezes the buffer. Subsequent appends fail with ErrInvalidState.
func (b *OutputBuffer) Finalize() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.final {
		return
	}
	b.final = true
	b.notifyLocked()
}

// Changed returns a channel that is closed on the next append or on
// finalization. Grab it before reading to avoid missing a wakeup.
func (b *OutputBuffer) Changed() <-chan struct{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.changed
}

func (b *OutputBuffer) Len() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

func (b *OutputBuffer) Final() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.final
}

// Release closes the backing store. Readers racing with it get ErrNotFound.
func (b *OutputBuffer) Release() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.released {
		return nil
	}
	b.released = true
	b.final = true
	b.notifyLocked()
	return b.store.Close()
}

func (b *OutputBuffer) notifyLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}
