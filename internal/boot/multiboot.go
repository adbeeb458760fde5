// Package boot parses the Multiboot2 tag chain a compliant bootloader
// hands the kernel (spec §6): the memory map, an optional framebuffer
// descriptor, and named modules consumed by the loader service at
// startup.
package boot

import "encoding/binary"

const (
	tagTypeEnd         = 0
	tagTypeModule      = 3
	tagTypeMemoryMap   = 6
	tagTypeFramebuffer = 8
)

// MemoryRegion is one entry of the Multiboot2 memory map tag.
type MemoryRegion struct {
	BaseAddr uint64
	Length   uint64
	Type     uint32
}

// Module is a named boot module, identified by name and consumed by the
// loader service on startup (spec §6).
type Module struct {
	Start, End uint64
	Name       string
}

// Framebuffer describes the optional framebuffer tag.
type Framebuffer struct {
	Addr          uint64
	Pitch, Width  uint32
	Height        uint32
	BPP           uint8
}

// Info is everything the kernel extracts from the Multiboot2 tag chain.
type Info struct {
	MemoryMap   []MemoryRegion
	Modules     []Module
	Framebuffer *Framebuffer
}

// Parse walks a Multiboot2 information structure starting at buf[0] (the
// total_size/reserved header), returning every tag this kernel acts on.
// Unknown tag types are skipped.
func Parse(buf []byte) Info {
	var info Info
	if len(buf) < 8 {
		return info
	}
	totalSize := binary.LittleEndian.Uint32(buf[0:4])
	if int(totalSize) > len(buf) {
		totalSize = uint32(len(buf))
	}

	off := uint32(8) // skip total_size + reserved
	for off+8 <= totalSize {
		tagType := binary.LittleEndian.Uint32(buf[off:])
		tagSize := binary.LittleEndian.Uint32(buf[off+4:])
		if tagType == tagTypeEnd {
			break
		}
		if tagSize < 8 || off+tagSize > totalSize {
			break
		}
		body := buf[off+8 : off+tagSize]

		switch tagType {
		case tagTypeMemoryMap:
			info.MemoryMap = parseMemoryMap(body)
		case tagTypeModule:
			info.Modules = append(info.Modules, parseModule(body))
		case tagTypeFramebuffer:
			fb := parseFramebuffer(body)
			info.Framebuffer = &fb
		}

		// Tags are 8-byte aligned.
		off += (tagSize + 7) &^ 7
	}
	return info
}

func parseMemoryMap(body []byte) []MemoryRegion {
	if len(body) < 8 {
		return nil
	}
	entrySize := binary.LittleEndian.Uint32(body[0:4])
	if entrySize == 0 {
		return nil
	}
	var regions []MemoryRegion
	for off := 8; off+int(entrySize) <= len(body); off += int(entrySize) {
		e := body[off : off+int(entrySize)]
		if len(e) < 24 {
			break
		}
		regions = append(regions, MemoryRegion{
			BaseAddr: binary.LittleEndian.Uint64(e[0:8]),
			Length:   binary.LittleEndian.Uint64(e[8:16]),
			Type:     binary.LittleEndian.Uint32(e[16:20]),
		})
	}
	return regions
}

func parseModule(body []byte) Module {
	if len(body) < 8 {
		return Module{}
	}
	m := Module{
		Start: uint64(binary.LittleEndian.Uint32(body[0:4])),
		End:   uint64(binary.LittleEndian.Uint32(body[4:8])),
	}
	if len(body) > 8 {
		end := len(body)
		for i := 8; i < len(body); i++ {
			if body[i] == 0 {
				end = i
				break
			}
		}
		m.Name = string(body[8:end])
	}
	return m
}

func parseFramebuffer(body []byte) Framebuffer {
	if len(body) < 21 {
		return Framebuffer{}
	}
	return Framebuffer{
		Addr:   binary.LittleEndian.Uint64(body[0:8]),
		Pitch:  binary.LittleEndian.Uint32(body[8:12]),
		Width:  binary.LittleEndian.Uint32(body[12:16]),
		Height: binary.LittleEndian.Uint32(body[16:20]),
		BPP:    body[20],
	}
}
