// Package blockdev adapts a plain file to the sector-addressable device
// surface internal/iso9660 expects, standing in for the real AHCI disk
// driver the teacher's biscuit/src/ahci package talks to: this is a hosted
// simulation with no physical disk controller to bind against, so a flat
// disk image opened from the filesystem plays the same role.
package blockdev

import (
	"os"

	"github.com/andrewaprice/perception/internal/iso9660"
)

const sectorSize = 2048

// FileDevice serves fixed-size sectors out of a regular file, implementing
// iso9660.Device.
type FileDevice struct {
	f *os.File
}

// Open opens path read-only as a sector device.
func Open(path string) (*FileDevice, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &FileDevice{f: f}, nil
}

// Close releases the underlying file.
func (d *FileDevice) Close() error { return d.f.Close() }

// ReadSector implements iso9660.Device.
func (d *FileDevice) ReadSector(lba uint32, out []byte) error {
	if len(out) < sectorSize {
		return os.ErrInvalid
	}
	_, err := d.f.ReadAt(out[:sectorSize], int64(lba)*sectorSize)
	return err
}

var _ iso9660.Device = (*FileDevice)(nil)

// MemDevice serves sectors out of an in-memory image, used to mount a
// Multiboot2 module (already loaded into memory by the bootloader) without
// a second file-read round trip.
type MemDevice struct {
	data []byte
}

// NewMemDevice wraps an in-memory disk image.
func NewMemDevice(data []byte) *MemDevice { return &MemDevice{data: data} }

// ReadSector implements iso9660.Device.
func (d *MemDevice) ReadSector(lba uint32, out []byte) error {
	start := int64(lba) * sectorSize
	if start < 0 || start+sectorSize > int64(len(d.data)) {
		return os.ErrInvalid
	}
	copy(out[:sectorSize], d.data[start:start+sectorSize])
	return nil
}

var _ iso9660.Device = (*MemDevice)(nil)
