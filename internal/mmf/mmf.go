// Package mmf implements the memory-mapped file server (spec §4.K): for
// each opened file, a LazilyAllocated shared-memory segment sized to the
// file is created and joined into the opener's address space, with the
// backing file-system driver granted permission to allocate pages into it
// on demand. Close drains in-flight operations before tearing the segment
// down, so no page-fault handler can touch a segment mid-destruction.
package mmf

import (
	"strconv"
	"sync"

	"github.com/andrewaprice/perception/internal/defs"
	"github.com/andrewaprice/perception/internal/mem"
	"github.com/andrewaprice/perception/internal/shm"
	"github.com/andrewaprice/perception/internal/vfs"
	"github.com/andrewaprice/perception/internal/vm"
)

// optimalOperationSize bounds how much of a file a single lazy-page fault
// reads in, rounded down to keep driver reads aligned (spec §4.K:
// "rounded down to the driver's optimal_operation_size").
const optimalOperationSize = 16 * 4096

// Mapping is one opener's view of a memory-mapped file.
type Mapping struct {
	mu          sync.Mutex
	file        vfs.FileHandle
	segment     *shm.Segment
	closePending bool
	inFlight    int
	doneClosing chan struct{}
}

// Server creates and tears down memory-mapped-file segments.
type Server struct {
	segments *shm.Table
	alloc    *mem.Allocator

	mu       sync.Mutex
	mappings map[defs.SegID_t]*Mapping
}

// NewServer builds an MMF server over a shared-segment table and the
// physical allocator pages are acquired from.
func NewServer(segments *shm.Table, alloc *mem.Allocator) *Server {
	return &Server{segments: segments, alloc: alloc, mappings: make(map[defs.SegID_t]*Mapping)}
}

// Open memory-maps file into opener's address space at va (spec §4.K).
func (s *Server) Open(file vfs.FileHandle, opener defs.Pid_t, as *vm.AddressSpace, va uintptr) (*shm.Segment, defs.Err_t) {
	size := file.Size()
	pages := int((size + int64(mem.PageSize) - 1) / int64(mem.PageSize))
	if pages == 0 {
		pages = 1
	}

	name := segmentName(opener, va)
	seg, err := s.segments.Create(name, opener, pages, shm.LazilyAllocated, 0)
	if err != defs.Ok {
		return nil, err
	}
	if err := s.segments.JoinAt(seg, opener, as, va, s.alloc, true); err != defs.Ok {
		return nil, err
	}

	s.mu.Lock()
	s.mappings[seg.ID] = &Mapping{file: file, segment: seg, doneClosing: make(chan struct{})}
	s.mu.Unlock()
	return seg, defs.Ok
}

func segmentName(opener defs.Pid_t, va uintptr) string {
	return "mmf:" + strconv.FormatUint(uint64(opener), 10) + ":" + strconv.FormatUint(uint64(va), 16)
}

// PageFault services a fault on a lazily-allocated MMF page (spec §4.K):
// it reads the optimalOperationSize-aligned chunk of the backing file that
// contains the faulting offset and installs the page holding that offset
// into the segment; the chunk's other pages are not installed. A racing fault on
// the same offset that has already materialized the page (checked via the
// shared segment table, the same bookkeeping a generic lazy shared-memory
// fault consults) is a no-op here rather than a second file read.
func (s *Server) PageFault(segID defs.SegID_t, faultOffset int) defs.Err_t {
	s.mu.Lock()
	m, ok := s.mappings[segID]
	s.mu.Unlock()
	if !ok {
		return defs.ENOENT
	}

	m.mu.Lock()
	if m.closePending {
		m.mu.Unlock()
		return defs.EACCES
	}
	m.inFlight++
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight--
		if m.inFlight == 0 && m.closePending {
			close(m.doneClosing)
		}
		m.mu.Unlock()
	}()

	pageOffset := faultOffset / mem.PageSize
	if _, already := s.segments.Frame(m.segment, pageOffset); already {
		return defs.Ok
	}

	alignedOffset := (faultOffset / optimalOperationSize) * optimalOperationSize
	buf := make([]byte, optimalOperationSize)
	n, err := m.file.Read(int64(alignedOffset), buf)
	if err != defs.Ok {
		return err
	}
	start := pageOffset*mem.PageSize - alignedOffset

	frame, ferr := s.alloc.Acquire()
	if ferr != defs.Ok {
		return ferr
	}
	page := s.alloc.Page(frame)
	if start < n {
		copy(page.Contents[:], buf[start:n])
	}

	s.segments.MovePageIntoSegment(m.segment, pageOffset, frame)
	return defs.Ok
}

// Close drains in-flight page-fault operations, then tears the segment
// down (spec §4.K: "in-flight count and close-pending flag guarantee no
// use-after-close").
func (s *Server) Close(segID defs.SegID_t) {
	s.mu.Lock()
	m, ok := s.mappings[segID]
	delete(s.mappings, segID)
	s.mu.Unlock()
	if !ok {
		return
	}

	m.mu.Lock()
	m.closePending = true
	idle := m.inFlight == 0
	m.mu.Unlock()
	if !idle {
		<-m.doneClosing
	}

	m.file.Close()
	s.segments.Destroy(m.segment, s.alloc)
}
