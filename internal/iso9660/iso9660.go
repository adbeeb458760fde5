// Package iso9660 implements a read-only ISO-9660 file-system driver
// (spec §4.K/§6), grounded on the Storage Manager service's Iso9660 class:
// linear directory-record scanning from the primary volume descriptor's
// root directory entry, Rock Ridge NM for long names, and stripping the
// ";<rev>" version suffix ISO-9660 appends to every name. Joliet secondary
// volume descriptors, when present, are preferred for their UCS-2 names,
// decoded with golang.org/x/text/encoding/unicode.
package iso9660

import (
	"encoding/binary"
	"strings"

	"golang.org/x/text/encoding/unicode"

	"github.com/andrewaprice/perception/internal/defs"
	"github.com/andrewaprice/perception/internal/vfs"
)

const (
	sectorSize      = 2048
	systemAreaStart = 16 // sectors 0-15 are the system area (spec §6)
)

// volumeDescriptorType identifies the byte at offset 0 of every volume
// descriptor sector.
const (
	vdTypeBootRecord   = 0
	vdTypePrimary      = 1
	vdTypeSupplementary = 2
	vdTypeTerminator   = 255
)

// dirRecordFlags bits, ECMA-119 §9.1.6.
const (
	flagHidden    = 1 << 0
	flagDirectory = 1 << 1
)

// Device is the minimal block-read surface iso9660 needs from a storage
// driver: a sector-aligned read.
type Device interface {
	ReadSector(lba uint32, out []byte) error
}

type dirRecord struct {
	extentLBA uint32
	dataLen   uint32
	flags     byte
	name      string
	isDir     bool
}

// FileSystem is a mounted ISO-9660 volume.
type FileSystem struct {
	dev          Device
	blockSize    uint16
	rootLBA      uint32
	rootLen      uint32
	joliet       bool
}

// Mount reads the volume descriptor sequence starting at sector 16 and
// locates the primary (and, if present, a Joliet supplementary) volume
// descriptor (spec §6: "the root directory entry is the segment of the
// primary volume descriptor").
func Mount(dev Device) (*FileSystem, defs.Err_t) {
	fs := &FileSystem{dev: dev, blockSize: sectorSize}
	buf := make([]byte, sectorSize)

	havePrimary := false
	for lba := uint32(systemAreaStart); ; lba++ {
		if err := dev.ReadSector(lba, buf); err != nil {
			return nil, defs.EINVAL
		}
		if string(buf[1:6]) != "CD001" {
			return nil, defs.EINVAL
		}
		switch buf[0] {
		case vdTypeTerminator:
			if !havePrimary {
				return nil, defs.EINVAL
			}
			return fs, defs.Ok
		case vdTypePrimary:
			fs.rootLBA, fs.rootLen = rootFromDescriptor(buf)
			havePrimary = true
		case vdTypeSupplementary:
			if isJolietEscape(buf[88:91]) {
				rootLBA, rootLen := rootFromDescriptor(buf)
				fs.rootLBA, fs.rootLen = rootLBA, rootLen
				fs.joliet = true
			}
		}
	}
}

func isJolietEscape(esc []byte) bool {
	// UCS-2 Level 1/2/3 escape sequences (%/@, %/C, %/E).
	return esc[0] == '%' && esc[1] == '/' && (esc[2] == '@' || esc[2] == 'C' || esc[2] == 'E')
}

func rootFromDescriptor(vd []byte) (lba uint32, length uint32) {
	// The root directory record is embedded at offset 156, 34 bytes long.
	root := vd[156:190]
	lba = binary.LittleEndian.Uint32(root[2:6])
	length = binary.LittleEndian.Uint32(root[10:14])
	return
}

func (fs *FileSystem) readExtent(lba, length uint32) ([]byte, error) {
	sectors := (length + sectorSize - 1) / sectorSize
	out := make([]byte, sectors*sectorSize)
	for i := uint32(0); i < sectors; i++ {
		if err := fs.dev.ReadSector(lba+i, out[i*sectorSize:(i+1)*sectorSize]); err != nil {
			return nil, err
		}
	}
	return out[:length], nil
}

// parseDirectory linearly scans one directory extent's records (spec §6:
// "directory records are scanned linearly").
func (fs *FileSystem) parseDirectory(lba, length uint32) ([]dirRecord, error) {
	data, err := fs.readExtent(lba, length)
	if err != nil {
		return nil, err
	}
	var out []dirRecord
	for off := 0; off < len(data); {
		recLen := int(data[off])
		if recLen == 0 {
			// Records never span a sector boundary; a zero length here
			// means "skip to the next sector".
			off = (off/sectorSize + 1) * sectorSize
			continue
		}
		if off+recLen > len(data) {
			break
		}
		rec := data[off : off+recLen]
		nameLen := int(rec[32])
		name := rec[33 : 33+nameLen]

		r := dirRecord{
			extentLBA: binary.LittleEndian.Uint32(rec[2:6]),
			dataLen:   binary.LittleEndian.Uint32(rec[10:14]),
			flags:     rec[25],
			isDir:     rec[25]&flagDirectory != 0,
		}

		sysAreaOff := 33 + nameLen
		if sysAreaOff%2 == 1 {
			sysAreaOff++ // padding byte to keep system use area even-aligned
		}

		if nameLen == 1 && (name[0] == 0 || name[0] == 1) {
			r.name = "" // "." / ".." self/parent entries, skipped by callers
		} else if fs.joliet {
			r.name = decodeUCS2(name)
		} else {
			r.name = string(name)
		}

		if rr, ok := rockRidgeName(rec[sysAreaOff:]); ok {
			r.name = rr
		} else {
			r.name = stripVersion(r.name)
		}

		out = append(out, r)
		off += recLen
	}
	return out, nil
}

// stripVersion removes the ";<rev>" version suffix ISO-9660 appends to
// every plain (non-Rock-Ridge) file name (spec §6).
func stripVersion(name string) string {
	if i := strings.IndexByte(name, ';'); i >= 0 {
		return name[:i]
	}
	return name
}

// rockRidgeName scans a directory record's system use area for an "NM"
// (alternate name) entry, recognised per spec §6 for long file names.
func rockRidgeName(sysArea []byte) (string, bool) {
	var name strings.Builder
	found := false
	for off := 0; off+4 <= len(sysArea); {
		sig := sysArea[off : off+2]
		length := int(sysArea[off+2])
		if length < 4 || off+length > len(sysArea) {
			break
		}
		if string(sig) == "NM" {
			flags := sysArea[off+4]
			content := sysArea[off+5 : off+length]
			name.Write(content)
			found = true
			if flags&0x01 == 0 {
				break // not continued in a following NM entry
			}
		}
		off += length
	}
	return name.String(), found
}

func decodeUCS2(b []byte) string {
	dec := unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM).NewDecoder()
	out, err := dec.Bytes(b)
	if err != nil {
		return string(b)
	}
	return string(out)
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

func (fs *FileSystem) walk(path string) (dirRecord, defs.Err_t) {
	cur := dirRecord{extentLBA: fs.rootLBA, dataLen: fs.rootLen, isDir: true}
	for _, part := range splitPath(path) {
		entries, err := fs.parseDirectory(cur.extentLBA, cur.dataLen)
		if err != nil {
			return dirRecord{}, defs.EINVAL
		}
		found := false
		for _, e := range entries {
			if e.name != "" && strings.EqualFold(e.name, part) {
				cur = e
				found = true
				break
			}
		}
		if !found {
			return dirRecord{}, defs.ENOENT
		}
	}
	return cur, defs.Ok
}

// Stat implements vfs.Driver.
func (fs *FileSystem) Stat(path string) (int64, defs.Err_t) {
	rec, err := fs.walk(path)
	if err != defs.Ok {
		return 0, err
	}
	return int64(rec.dataLen), defs.Ok
}

// ListDirectory implements vfs.Driver, returning entries in
// [start, start+count) and whether more exist past that window (spec §4.K
// / §9: the intended fix for the "possibly buggy source" directory-listing
// window, expressed here as a proper half-open range instead of an
// off-by-one count).
func (fs *FileSystem) ListDirectory(path string, start, count int) ([]vfs.DirEntry, bool, defs.Err_t) {
	rec, err := fs.walk(path)
	if err != defs.Ok {
		return nil, false, err
	}
	if !rec.isDir {
		return nil, false, defs.EINVAL
	}
	raw, rerr := fs.parseDirectory(rec.extentLBA, rec.dataLen)
	if rerr != nil {
		return nil, false, defs.EINVAL
	}

	var named []dirRecord
	for _, e := range raw {
		if e.name != "" {
			named = append(named, e)
		}
	}

	if start >= len(named) {
		return nil, false, defs.Ok
	}
	end := start + count
	if count == 0 || end > len(named) {
		end = len(named)
	}
	out := make([]vfs.DirEntry, 0, end-start)
	for _, e := range named[start:end] {
		typ := vfs.EntryFile
		if e.isDir {
			typ = vfs.EntryDirectory
		}
		out = append(out, vfs.DirEntry{Name: e.name, Type: typ, Size: int64(e.dataLen)})
	}
	return out, end < len(named), defs.Ok
}

// fileHandle is the RPC-callable object returned by OpenFile.
type fileHandle struct {
	fs   *FileSystem
	rec  dirRecord
	opener defs.Pid_t
}

// OpenFile implements vfs.Driver.
func (fs *FileSystem) OpenFile(path string, opener defs.Pid_t) (vfs.FileHandle, defs.Err_t) {
	rec, err := fs.walk(path)
	if err != defs.Ok {
		return nil, err
	}
	if rec.isDir {
		return nil, defs.EINVAL
	}
	return &fileHandle{fs: fs, rec: rec, opener: opener}, defs.Ok
}

func (h *fileHandle) Size() int64 { return int64(h.rec.dataLen) }

func (h *fileHandle) Close() {}

// Read performs a bounds-checked read at offset into buf (spec §4.K: "the
// driver is responsible for bounds-checking reads").
func (h *fileHandle) Read(offset int64, buf []byte) (int, defs.Err_t) {
	if offset < 0 || offset >= int64(h.rec.dataLen) {
		return 0, defs.Ok
	}
	remaining := int64(h.rec.dataLen) - offset
	n := int64(len(buf))
	if n > remaining {
		n = remaining
	}

	startSector := offset / sectorSize
	endSector := (offset + n + sectorSize - 1) / sectorSize
	sector := make([]byte, sectorSize)
	read := 0
	for s := startSector; s < endSector; s++ {
		if err := h.fs.dev.ReadSector(h.rec.extentLBA+uint32(s), sector); err != nil {
			if read > 0 {
				return read, defs.Ok
			}
			return 0, defs.EINVAL
		}
		sectorStart := int64(0)
		if s == startSector {
			sectorStart = offset % sectorSize
		}
		sectorEnd := int64(sectorSize)
		if s == endSector-1 {
			sectorEnd = (offset + n - 1) % sectorSize + 1
		}
		copied := copy(buf[read:], sector[sectorStart:sectorEnd])
		read += copied
	}
	return read, defs.Ok
}

// GetFileSystemType matches the teacher-adjacent Iso9660::GetFileSystemType
// accessor (spec §6).
func (fs *FileSystem) GetFileSystemType() string { return "iso9660" }
