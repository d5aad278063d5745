// Package fatvol puts a FAT32 filesystem on a block device with go-diskfs.
// The volume covers the whole device with no partition table; the device
// stays owned by the caller.
package fatvol

import (
	"io"
	"os"
	"path"

	diskfs "github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/disk"
	"github.com/diskfs/go-diskfs/filesystem"
	"github.com/pkg/errors"

	"blockdev-go/blockdev"
	"blockdev-go/errcode"
)

// MinSize is the smallest device Format accepts.
const MinSize = 1 << 20

// Volume is an open FAT32 filesystem.
type Volume struct {
	st   *storage
	disk *disk.Disk
	fs   filesystem.FileSystem
}

func openDisk(dev blockdev.Device) (*storage, *disk.Disk, error) {
	st := newStorage(dev)
	d, err := diskfs.OpenBackend(st, diskfs.WithSectorSize(diskfs.SectorSize512))
	if err != nil {
		return nil, nil, errors.Wrapf(err, "fatvol: open %s", dev.ID())
	}
	return st, d, nil
}

// Format creates an empty FAT32 volume labelled label on dev, replacing
// whatever it held.
func Format(dev blockdev.Device, label string) (*Volume, error) {
	if size := dev.Geometry().Capacity(); size < MinSize {
		return nil, errcode.New(errcode.Unsupported, "fatvol: format", "device too small for FAT32")
	}
	st, d, err := openDisk(dev)
	if err != nil {
		return nil, err
	}
	fs, err := d.CreateFilesystem(disk.FilesystemSpec{
		Partition:   0,
		FSType:      filesystem.TypeFat32,
		VolumeLabel: label,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "fatvol: format %s", dev.ID())
	}
	if err := st.Close(); err != nil {
		return nil, err
	}
	return &Volume{st: st, disk: d, fs: fs}, nil
}

// Open mounts the volume already on dev.
func Open(dev blockdev.Device) (*Volume, error) {
	st, d, err := openDisk(dev)
	if err != nil {
		return nil, err
	}
	fs, err := d.GetFilesystem(0)
	if err != nil {
		return nil, errors.Wrapf(err, "fatvol: no filesystem on %s", dev.ID())
	}
	if fs.Type() != filesystem.TypeFat32 {
		return nil, errors.Errorf("fatvol: %s is not FAT32", dev.ID())
	}
	return &Volume{st: st, disk: d, fs: fs}, nil
}

// FS exposes the underlying filesystem.
func (v *Volume) FS() filesystem.FileSystem { return v.fs }

func (v *Volume) Label() string { return v.fs.Label() }

// Mkdir creates dir and any missing parents.
func (v *Volume) Mkdir(dir string) error {
	return errors.Wrapf(v.fs.Mkdir(dir), "fatvol: mkdir %s", dir)
}

// WriteFile creates or truncates name and writes data, creating parent
// directories.
func (v *Volume) WriteFile(name string, data []byte) error {
	if dir := path.Dir(name); dir != "/" && dir != "." {
		if err := v.Mkdir(dir); err != nil {
			return err
		}
	}
	f, err := v.fs.OpenFile(name, os.O_CREATE|os.O_RDWR|os.O_TRUNC)
	if err != nil {
		return errors.Wrapf(err, "fatvol: create %s", name)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return errors.Wrapf(err, "fatvol: write %s", name)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "fatvol: close %s", name)
	}
	return v.st.Close()
}

// ReadFile returns the contents of name.
func (v *Volume) ReadFile(name string) ([]byte, error) {
	f, err := v.fs.OpenFile(name, os.O_RDONLY)
	if err != nil {
		return nil, errors.Wrapf(err, "fatvol: open %s", name)
	}
	defer f.Close()
	b, err := io.ReadAll(f)
	return b, errors.Wrapf(err, "fatvol: read %s", name)
}

// Entry is one directory listing line.
type Entry struct {
	Name string
	Dir  bool
}

// List returns the entries of dir.
func (v *Volume) List(dir string) ([]Entry, error) {
	infos, err := v.fs.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "fatvol: list %s", dir)
	}
	out := make([]Entry, 0, len(infos))
	for _, fi := range infos {
		out = append(out, Entry{Name: fi.Name(), Dir: fi.IsDir()})
	}
	return out, nil
}

// Sync flushes the device.
func (v *Volume) Sync() error { return v.st.Close() }
