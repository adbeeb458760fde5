// Package elf implements the ELF64 loader (spec §4.L): NEEDED dependency
// resolution through a refcounted cache, read-only segment sharing via
// shared-memory segments, writable segment materialization, symbol-table
// construction with weak-symbol precedence, the five supported relocation
// types, and init/fini table synthesis. Header and section parsing uses
// the standard library's debug/elf — no third-party ELF parser appears
// anywhere in the example pack, and debug/elf already exposes exactly the
// section/symbol/relocation tables this loader needs to walk (see
// DESIGN.md); everything past that — the shared-memory segment model,
// per-module relocation application, and the init/fini synthesis — is
// this package's own domain logic, grounded on Services/Loader/elf_file.cc.
package elf

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/andrewaprice/perception/internal/defs"
	"github.com/andrewaprice/perception/internal/mem"
	"github.com/andrewaprice/perception/internal/shm"
	"github.com/andrewaprice/perception/internal/vfs"
	"github.com/andrewaprice/perception/internal/vm"
)

// Relocation type values this loader understands (spec §4.L step 6).
const (
	rAmd64_64       = 1
	rAmd64_glob_dat = 6
	rAmd64_jump_slot = 7
	rAmd64_relative = 8
	rAmd64_dtpmod64 = 16
)

// Symbol is one exported dynamic symbol (spec §4.L step 5: "STB_WEAK loses
// to a stronger prior definition").
type Symbol struct {
	Addr uint64
	Weak bool
}

// InitFiniTable is the synthesized table a C runtime can enumerate to find
// every constructor/destructor it must run (spec §4.L step 7).
type InitFiniTable struct {
	PreinitArrayBase, PreinitArrayCount uint64
	InitArrayBase, InitArrayCount       uint64
	FiniArrayBase, FiniArrayCount       uint64
	InitFuncs, FiniFuncs                []uint64
}

// File is one parsed ELF module, cached and refcounted by name (spec
// §4.L step 1).
type File struct {
	mu        sync.Mutex
	name      string
	raw       []byte
	ef        *elf.File
	instances int

	highestVA uint64

	// readOnlySegments maps a program segment's unoffset virtual base to a
	// pre-materialized, shareable shm.Segment (spec §4.L step 5: "the
	// loader materialises read-only segments once per ELF file").
	readOnlySegments map[uint64]*shm.Segment
}

// Cache is the refcounted ELF-file cache, keyed by canonical name (spec
// §4.L step 1/3: "dedup by canonical name").
type Cache struct {
	mu      sync.Mutex
	byName  map[string]*File
	vfsTbl  *vfs.Table
	shmTbl  *shm.Table
	alloc   *mem.Allocator
}

// NewCache builds an ELF cache over a VFS (to open executables/libraries
// by name) and a shared-memory table (to materialize read-only segments).
func NewCache(vfsTbl *vfs.Table, shmTbl *shm.Table, alloc *mem.Allocator) *Cache {
	return &Cache{byName: make(map[string]*File), vfsTbl: vfsTbl, shmTbl: shmTbl, alloc: alloc}
}

// Load opens name (if not already cached) and increments its refcount
// (spec §4.L step 1/3).
func (c *Cache) Load(name string, opener defs.Pid_t) (*File, defs.Err_t) {
	c.mu.Lock()
	if f, ok := c.byName[name]; ok {
		f.mu.Lock()
		f.instances++
		f.mu.Unlock()
		c.mu.Unlock()
		return f, defs.Ok
	}
	c.mu.Unlock()

	handle, err := c.vfsTbl.OpenFile(name, opener)
	if err != defs.Ok {
		return nil, err
	}
	fh, err := c.vfsTbl.Handle(opener, handle)
	if err != defs.Ok {
		return nil, err
	}
	size := fh.Size()
	raw := make([]byte, size)
	if _, rerr := fh.Read(0, raw); rerr != defs.Ok {
		return nil, rerr
	}

	ef, perr := elf.NewFile(bytes.NewReader(raw))
	if perr != nil {
		return nil, defs.EINVAL
	}
	if ef.Class != elf.ELFCLASS64 || ef.Data != elf.ELFDATA2LSB || ef.Machine != elf.EM_X86_64 {
		return nil, defs.EINVAL
	}
	if ef.Type != elf.ET_EXEC && ef.Type != elf.ET_DYN {
		return nil, defs.EINVAL
	}

	f := &File{name: name, raw: raw, ef: ef, instances: 1, readOnlySegments: make(map[uint64]*shm.Segment)}
	f.calculateHighestVirtualAddress()
	if err := f.createSharedMemorySegments(c.shmTbl, c.alloc); err != defs.Ok {
		return nil, err
	}

	c.mu.Lock()
	c.byName[name] = f
	c.mu.Unlock()
	return f, defs.Ok
}

// Release decrements name's refcount, and forgets it once no references
// remain (spec §4.L: "decrement every ELF cache refcount" on failure).
func (c *Cache) Release(f *File) {
	f.mu.Lock()
	f.instances--
	dead := f.instances <= 0
	f.mu.Unlock()
	if !dead {
		return
	}
	c.mu.Lock()
	delete(c.byName, f.name)
	c.mu.Unlock()
}

// IsExecutable reports whether f's ELF type is ET_EXEC or ET_DYN (spec
// §4.L step 2); the entry point is not checked.
func (f *File) IsExecutable() bool { return f.ef.Type == elf.ET_EXEC || f.ef.Type == elf.ET_DYN }

// EntryAddress returns the ELF entry point plus offset.
func (f *File) EntryAddress(offset uint64) uint64 { return f.ef.Entry + offset }

// ForEachDependentLibrary calls fn with the name of each DT_NEEDED entry
// (spec §4.L step 3).
func (f *File) ForEachDependentLibrary(fn func(name string)) {
	libs, err := f.ef.ImportedLibraries()
	if err != nil {
		return
	}
	for _, l := range libs {
		fn(l)
	}
}

func (f *File) calculateHighestVirtualAddress() {
	var highest uint64
	for _, p := range f.ef.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		end := p.Vaddr + p.Memsz
		if end > highest {
			highest = end
		}
	}
	f.highestVA = highest
}

// createSharedMemorySegments materialises every read-only PT_LOAD segment
// once per ELF file, so every child sharing this file's image shares
// physical frames for it (spec §4.L step 5).
func (f *File) createSharedMemorySegments(shmTbl *shm.Table, alloc *mem.Allocator) defs.Err_t {
	for i, p := range f.ef.Progs {
		if p.Type != elf.PT_LOAD || p.Flags&elf.PF_W != 0 {
			continue
		}
		pages := int((p.Memsz + uint64(mem.PageSize) - 1) / uint64(mem.PageSize))
		if pages == 0 {
			continue
		}
		name := fmt.Sprintf("elf-ro:%s:%d", f.name, i)
		seg, err := shmTbl.Create(name, 0, pages, 0, 0)
		if err != defs.Ok {
			return err
		}
		if err := materializeSegment(seg, shmTbl, alloc, f.raw, p.Off, p.Filesz, pages); err != defs.Ok {
			return err
		}
		f.readOnlySegments[p.Vaddr] = seg
	}
	return defs.Ok
}

func materializeSegment(seg *shm.Segment, shmTbl *shm.Table, alloc *mem.Allocator, raw []byte, fileOff, fileSz uint64, pages int) defs.Err_t {
	for pg := 0; pg < pages; pg++ {
		frame, err := alloc.Acquire()
		if err != defs.Ok {
			return err
		}
		page := alloc.Page(frame)
		pageStart := uint64(pg) * uint64(mem.PageSize)
		if pageStart < fileSz {
			n := uint64(mem.PageSize)
			if pageStart+n > fileSz {
				n = fileSz - pageStart
			}
			src := raw[fileOff+pageStart : fileOff+pageStart+n]
			copy(page.Contents[:], src)
		}
		shmTbl.MaterializeFrame(seg, pg, frame)
	}
	return defs.Ok
}

// WritablePages maps a child-process virtual address to the private frame
// backing it, across every module loaded into that child (spec §4.L:
// "child_memory_pages"). Keys are page-aligned.
type WritablePages map[uint64]mem.FrameID

// Load materializes f into as at the given load offset (spec §4.L step 5):
// read-only segments are joined from the pre-shared segment table, each
// writable segment gets one fresh private frame per page (copying
// p_filesz bytes and zero-filling through p_memsz), every exported dynamic
// symbol is recorded (weak losing to a prior strong definition), and
// init/fini entries are appended to initFini. Returns the next free
// virtual address above this module's highest reference.
func (f *File) Load(as *vm.AddressSpace, offset uint64, alloc *mem.Allocator, shmTbl *shm.Table, pid defs.Pid_t, out WritablePages, symbols map[string]Symbol, initFini *InitFiniTable) (nextFree uint64, err defs.Err_t) {
	for _, p := range f.ef.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		base := p.Vaddr + offset
		pages := int((p.Memsz + uint64(mem.PageSize) - 1) / uint64(mem.PageSize))

		if p.Flags&elf.PF_W == 0 {
			seg, ok := f.readOnlySegments[p.Vaddr]
			if !ok {
				continue
			}
			if jerr := shmTbl.JoinAt(seg, pid, as, uintptr(base), alloc, false); jerr != defs.Ok {
				return 0, jerr
			}
			continue
		}

		for pg := 0; pg < pages; pg++ {
			frame, aerr := alloc.Acquire()
			if aerr != defs.Ok {
				return 0, aerr
			}
			page := alloc.Page(frame)
			pageStart := uint64(pg) * uint64(mem.PageSize)
			if pageStart < p.Filesz {
				n := uint64(mem.PageSize)
				if pageStart+n > p.Filesz {
					n = p.Filesz - pageStart
				}
				src := f.raw[p.Off+pageStart : p.Off+pageStart+n]
				copy(page.Contents[:], src)
			}
			va := base + pageStart
			as.Table.Map(uintptr(va), frame, true, true, false)
			out[alignDown(va)] = frame
		}
	}

	if serr := f.collectSymbols(offset, symbols); serr != defs.Ok {
		return 0, serr
	}
	f.addToInitFiniTable(offset, initFini)

	return f.highestVA + offset, defs.Ok
}

func alignDown(va uint64) uint64 {
	return va &^ (uint64(mem.PageSize) - 1)
}

// collectSymbols records every defined, exported dynamic symbol at
// offset+value, with STB_WEAK losing to a prior strong definition (spec
// §4.L step 5).
func (f *File) collectSymbols(offset uint64, symbols map[string]Symbol) defs.Err_t {
	syms, err := f.ef.DynamicSymbols()
	if err != nil {
		return defs.Ok // no dynamic symbol table is not fatal
	}
	for _, s := range syms {
		if s.Section == elf.SHN_UNDEF || s.Name == "" {
			continue
		}
		weak := elf.ST_BIND(s.Info) == elf.STB_WEAK
		addr := s.Value + offset
		if prior, ok := symbols[s.Name]; ok {
			if !prior.Weak || weak {
				continue // a strong prior definition wins, and weak never beats weak
			}
		}
		symbols[s.Name] = Symbol{Addr: addr, Weak: weak}
	}
	return defs.Ok
}

// addToInitFiniTable appends this module's constructor/destructor arrays
// and entry points, offset into the child's address space (spec §4.L
// step 7).
func (f *File) addToInitFiniTable(offset uint64, t *InitFiniTable) {
	for _, s := range f.ef.Sections {
		switch s.Type {
		case elf.SHT_PREINIT_ARRAY:
			t.PreinitArrayBase = s.Addr + offset
			t.PreinitArrayCount = s.Size / 8
		case elf.SHT_INIT_ARRAY:
			t.InitArrayBase = s.Addr + offset
			t.InitArrayCount = s.Size / 8
		case elf.SHT_FINI_ARRAY:
			t.FiniArrayBase = s.Addr + offset
			t.FiniArrayCount = s.Size / 8
		}
	}
	if f.ef.Entry != 0 {
		if init := f.ef.Section(".init"); init != nil {
			t.InitFuncs = append(t.InitFuncs, init.Addr+offset)
		}
		if fini := f.ef.Section(".fini"); fini != nil {
			t.FiniFuncs = append(t.FiniFuncs, fini.Addr+offset)
		}
	}
}

// FixUpRelocations applies every RELA entry in f's .rela.dyn/.rela.plt
// sections against the child's private writable pages (spec §4.L step 6).
// Supported types: R_AMD64_64 (symbol + addend), R_AMD64_GLOB_DAT
// (symbol), R_AMD64_JUMP_SLOT (symbol), R_AMD64_RELATIVE
// (load-offset + addend), R_AMD64_DTPMOD64 (module id). An undefined,
// non-weak symbol reference fails the whole load.
func (f *File) FixUpRelocations(pages WritablePages, offset uint64, symbols map[string]Symbol, moduleID uint64, alloc *mem.Allocator) defs.Err_t {
	dynSyms, _ := f.ef.DynamicSymbols()

	for _, name := range []string{".rela.dyn", ".rela.plt"} {
		sec := f.ef.Section(name)
		if sec == nil {
			continue
		}
		data, derr := sec.Data()
		if derr != nil {
			continue
		}
		for i := 0; i+24 <= len(data); i += 24 {
			rOffset := binary.LittleEndian.Uint64(data[i:])
			rInfo := binary.LittleEndian.Uint64(data[i+8:])
			rAddend := int64(binary.LittleEndian.Uint64(data[i+16:]))
			symIdx := rInfo >> 32
			relType := rInfo & 0xFFFFFFFF

			va := rOffset + offset
			frame, ok := pages[alignDown(va)]
			if !ok {
				continue // not in a writable page we materialized; nothing to patch
			}
			page := alloc.Page(frame)
			pageOff := va % uint64(mem.PageSize)

			var symAddr uint64
			var sym elf.Symbol
			if symIdx != 0 && int(symIdx) <= len(dynSyms) {
				sym = dynSyms[symIdx-1]
			}
			if sym.Name != "" {
				s, found := symbols[sym.Name]
				if !found && elf.ST_BIND(sym.Info) != elf.STB_WEAK {
					if relType == rAmd64_glob_dat || relType == rAmd64_jump_slot || relType == rAmd64_64 {
						return defs.ENOENT
					}
				}
				symAddr = s.Addr
			}

			var value uint64
			switch relType {
			case rAmd64_64:
				value = symAddr + uint64(rAddend)
			case rAmd64_glob_dat, rAmd64_jump_slot:
				value = symAddr
			case rAmd64_relative:
				value = offset + uint64(rAddend)
			case rAmd64_dtpmod64:
				value = moduleID
			default:
				continue
			}
			binary.LittleEndian.PutUint64(page.Contents[pageOff:], value)
		}
	}
	return defs.Ok
}
