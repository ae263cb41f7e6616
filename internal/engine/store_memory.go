package engine

import "io"

type MemoryStorage struct{}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (s *MemoryStorage) Create(id string) (Store, error) {
	return &memoryStore{}, nil
}

func (s *MemoryStorage) Delete(id string) error {
	return nil
}

type memoryStore struct {
	data []byte
}

func (m *memoryStore) Append(data []byte) error {
	m.data = append(m.data, data...)
	return nil
}

func (m *memoryStore) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *memoryStore) Close() error {
	m.data = nil
	return nil
}
