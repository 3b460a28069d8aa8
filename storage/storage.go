// Package storage holds the assembled download as a single contiguous
// in-memory byte arena, indexed by absolute offset. No disk I/O happens here;
// Export hands the finished bytes to whatever filesystem the consumer brings.
package storage

import (
	"fmt"
	"os"
	"sync"

	"github.com/spf13/afero"
)

var ErrOutOfBounds = fmt.Errorf("storage: range out of bounds")

type Storage interface {
	ReadAt(offset, length int) (data []byte, err error)
	WriteAt(offset int, data []byte) (err error)
	ZeroRange(offset, length int) (err error)
	Length() int
	Export(fs afero.Fs, path string) (err error)
}

type memoryStorage struct {
	sync.RWMutex
	data []byte
}

func NewMemoryStorage(length int) Storage {
	return &memoryStorage{
		data: make([]byte, length),
	}
}

func (s *memoryStorage) Length() int {
	return len(s.data)
}

func (s *memoryStorage) ReadAt(offset, length int) ([]byte, error) {
	if err := s.checkRange(offset, length); err != nil {
		return nil, err
	}
	s.RLock()
	defer s.RUnlock()

	out := make([]byte, length)
	copy(out, s.data[offset:offset+length])
	return out, nil
}

func (s *memoryStorage) WriteAt(offset int, data []byte) error {
	if err := s.checkRange(offset, len(data)); err != nil {
		return err
	}
	s.Lock()
	defer s.Unlock()

	copy(s.data[offset:], data)
	return nil
}

func (s *memoryStorage) ZeroRange(offset, length int) error {
	if err := s.checkRange(offset, length); err != nil {
		return err
	}
	s.Lock()
	defer s.Unlock()

	for i := offset; i < offset+length; i++ {
		s.data[i] = 0
	}
	return nil
}

func (s *memoryStorage) Export(fs afero.Fs, path string) error {
	s.RLock()
	defer s.RUnlock()

	return afero.WriteFile(fs, path, s.data, os.FileMode(0644))
}

func (s *memoryStorage) checkRange(offset, length int) error {
	if offset < 0 || length < 0 || offset+length > len(s.data) {
		return ErrOutOfBounds
	}
	return nil
}
