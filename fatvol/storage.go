package fatvol

import (
	"io"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/diskfs/go-diskfs/backend"
	"github.com/pkg/errors"

	"blockdev-go/blockdev"
)

// storage presents a block device as the seekable file go-diskfs expects.
// It reports itself as a regular file so the disk size comes from Stat.
type storage struct {
	io   *blockdev.IO
	name string

	mu  sync.Mutex
	off int64
}

var _ backend.Storage = (*storage)(nil)

func newStorage(dev blockdev.Device) *storage {
	return &storage{io: blockdev.NewIO(dev), name: dev.ID()}
}

func (s *storage) Stat() (fs.FileInfo, error) {
	return devInfo{name: s.name, size: s.io.Size()}, nil
}

func (s *storage) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.io.ReadAt(p, s.off)
	s.off += int64(n)
	return n, err
}

func (s *storage) Seek(offset int64, whence int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset += s.off
	case io.SeekEnd:
		offset += s.io.Size()
	default:
		return 0, errors.Errorf("fatvol: bad whence %d", whence)
	}
	if offset < 0 {
		return 0, errors.New("fatvol: negative seek")
	}
	s.off = offset
	return offset, nil
}

func (s *storage) ReadAt(p []byte, off int64) (int, error) { return s.io.ReadAt(p, off) }

func (s *storage) WriteAt(p []byte, off int64) (int, error) { return s.io.WriteAt(p, off) }

// Close syncs; the device itself stays open.
func (s *storage) Close() error { return s.io.Sync() }

func (s *storage) Sys() (*os.File, error) {
	return nil, errors.New("fatvol: block device has no OS file")
}

func (s *storage) Writable() (backend.WritableFile, error) { return s, nil }

type devInfo struct {
	name string
	size int64
}

func (i devInfo) Name() string       { return i.name }
func (i devInfo) Size() int64        { return i.size }
func (i devInfo) Mode() fs.FileMode  { return 0o600 }
func (i devInfo) ModTime() time.Time { return time.Time{} }
func (i devInfo) IsDir() bool        { return false }
func (i devInfo) Sys() any           { return nil }
