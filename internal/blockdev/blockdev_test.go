package blockdev

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func buildImage(numSectors int) []byte {
	img := make([]byte, numSectors*sectorSize)
	for i := 0; i < numSectors; i++ {
		sector := img[i*sectorSize : (i+1)*sectorSize]
		for j := range sector[:8] {
			sector[j] = byte(i)
		}
	}
	return img
}

func TestFileDeviceReadSectorReturnsCorrectSector(t *testing.T) {
	img := buildImage(4)
	path := filepath.Join(t.TempDir(), "disk.img")
	if err := os.WriteFile(path, img, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	dev, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer dev.Close()

	out := make([]byte, sectorSize)
	if err := dev.ReadSector(2, out); err != nil {
		t.Fatalf("ReadSector: %v", err)
	}
	want := img[2*sectorSize : 2*sectorSize+8]
	if !bytes.Equal(out[:8], want) {
		t.Fatalf("ReadSector(2) = %v, want %v", out[:8], want)
	}
}

func TestFileDeviceReadSectorRejectsShortBuffer(t *testing.T) {
	img := buildImage(1)
	path := filepath.Join(t.TempDir(), "disk.img")
	os.WriteFile(path, img, 0o644)

	dev, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer dev.Close()

	if err := dev.ReadSector(0, make([]byte, sectorSize-1)); err == nil {
		t.Fatalf("ReadSector with an undersized buffer succeeded, want an error")
	}
}

func TestFileDeviceOpenMissingPathFails(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "nope.img")); err == nil {
		t.Fatalf("Open of a missing file succeeded, want an error")
	}
}

func TestMemDeviceReadSectorReturnsCorrectSector(t *testing.T) {
	img := buildImage(3)
	dev := NewMemDevice(img)

	out := make([]byte, sectorSize)
	if err := dev.ReadSector(1, out); err != nil {
		t.Fatalf("ReadSector: %v", err)
	}
	want := img[sectorSize : sectorSize+8]
	if !bytes.Equal(out[:8], want) {
		t.Fatalf("ReadSector(1) = %v, want %v", out[:8], want)
	}
}

func TestMemDeviceReadSectorPastEndFails(t *testing.T) {
	img := buildImage(2)
	dev := NewMemDevice(img)

	if err := dev.ReadSector(2, make([]byte, sectorSize)); err == nil {
		t.Fatalf("ReadSector past the end of the image succeeded, want an error")
	}
}
