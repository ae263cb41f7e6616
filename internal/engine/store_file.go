package engine

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FileStorage spools each job's output to <dir>/<id>.out. Used for workloads
// whose output would not comfortably fit in memory.
type FileStorage struct {
	dataDir string
}

func NewFileStorage(dataDir string) (*FileStorage, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	return &FileStorage{dataDir: dataDir}, nil
}

func (s *FileStorage) outputPath(id string) string {
	return filepath.Join(s.dataDir, id+".out")
}

func (s *FileStorage) Create(id string) (Store, error) {
	f, err := os.OpenFile(s.outputPath(id), os.O_CREATE|os.O_EXCL|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("spool file for %q already exists", id)
		}
		return nil, fmt.Errorf("create spool file: %w", err)
	}
	return &fileStore{f: f}, nil
}

func (s *FileStorage) Delete(id string) error {
	if err := os.Remove(s.outputPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove spool file: %w", err)
	}
	return nil
}

type fileStore struct {
	f *os.File
}

func (s *fileStore) Append(data []byte) error {
	if _, err := s.f.Write(data); err != nil {
		return fmt.Errorf("write spool: %w", err)
	}
	return nil
}

func (s *fileStore) ReadAt(p []byte, off int64) (int, error) {
	n, err := s.f.ReadAt(p, off)
	if err != nil && err != io.EOF {
		return n, fmt.Errorf("read spool: %w", err)
	}
	return n, err
}

func (s *fileStore) Close() error {
	return s.f.Close()
}
