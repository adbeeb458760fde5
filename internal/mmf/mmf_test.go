package mmf

import (
	"testing"

	"github.com/andrewaprice/perception/internal/defs"
	"github.com/andrewaprice/perception/internal/mem"
	"github.com/andrewaprice/perception/internal/shm"
	"github.com/andrewaprice/perception/internal/vfs"
	"github.com/andrewaprice/perception/internal/vm"
)

type fakeFile struct {
	data   []byte
	closed bool
}

func (f *fakeFile) Read(offset int64, buf []byte) (int, defs.Err_t) {
	if offset >= int64(len(f.data)) {
		return 0, defs.Ok
	}
	n := copy(buf, f.data[offset:])
	return n, defs.Ok
}
func (f *fakeFile) Size() int64 { return int64(len(f.data)) }
func (f *fakeFile) Close()      { f.closed = true }

var _ vfs.FileHandle = (*fakeFile)(nil)

func TestOpenJoinsSegmentIntoAddressSpace(t *testing.T) {
	alloc := mem.NewAllocator(16)
	segs := shm.NewTable(nil)
	srv := NewServer(segs, alloc)
	as := vm.NewAddressSpace(alloc, vm.NewKernelSlot())

	file := &fakeFile{data: make([]byte, mem.PageSize*2)}
	seg, err := srv.Open(file, defs.Pid_t(1), as, vm.UserMin)
	if err != defs.Ok {
		t.Fatalf("Open: %v", err)
	}
	if seg.Pages != 2 {
		t.Fatalf("segment pages = %d, want 2 for a 2-page file", seg.Pages)
	}
	// Lazily allocated: no pages materialized, but the range is reserved
	// with a reserved-but-absent mapping that faults on touch.
	_, present, reserved, ok := as.Table.Lookup(vm.UserMin)
	if !ok || present || !reserved {
		t.Fatalf("mapping at open = (present=%v reserved=%v ok=%v), want (false, true, true)", present, reserved, ok)
	}
}

func TestPageFaultReadsFromFileAndInstallsPage(t *testing.T) {
	alloc := mem.NewAllocator(16)
	segs := shm.NewTable(nil)
	srv := NewServer(segs, alloc)
	as := vm.NewAddressSpace(alloc, vm.NewKernelSlot())

	content := make([]byte, mem.PageSize)
	copy(content, []byte("mapped file contents"))
	file := &fakeFile{data: content}
	seg, err := srv.Open(file, defs.Pid_t(1), as, vm.UserMin)
	if err != defs.Ok {
		t.Fatalf("Open: %v", err)
	}

	if err := srv.PageFault(seg.ID, 0); err != defs.Ok {
		t.Fatalf("PageFault: %v", err)
	}

	frame, present, _, ok := as.Table.Lookup(vm.UserMin)
	if !ok || !present {
		t.Fatalf("page not mapped after PageFault: present=%v ok=%v", present, ok)
	}
	page := alloc.Page(frame)
	if string(page.Contents[:len("mapped file contents")]) != "mapped file contents" {
		t.Fatalf("page contents = %q, want the file's bytes", page.Contents[:32])
	}
}

func TestPageFaultUnknownSegmentIsENOENT(t *testing.T) {
	alloc := mem.NewAllocator(4)
	segs := shm.NewTable(nil)
	srv := NewServer(segs, alloc)
	if err := srv.PageFault(defs.SegID_t(999), 0); err != defs.ENOENT {
		t.Fatalf("PageFault on an unknown segment = %v, want ENOENT", err)
	}
}

func TestCloseClosesFileAndDestroysSegment(t *testing.T) {
	alloc := mem.NewAllocator(16)
	segs := shm.NewTable(nil)
	srv := NewServer(segs, alloc)
	as := vm.NewAddressSpace(alloc, vm.NewKernelSlot())

	file := &fakeFile{data: make([]byte, mem.PageSize)}
	seg, _ := srv.Open(file, defs.Pid_t(1), as, vm.UserMin)
	srv.Close(seg.ID)

	if !file.closed {
		t.Fatalf("Close did not close the backing file handle")
	}
	if _, ok := segs.ByID(seg.ID); ok {
		t.Fatalf("segment still registered after Close")
	}
}

func TestPageFaultAfterCloseFails(t *testing.T) {
	alloc := mem.NewAllocator(16)
	segs := shm.NewTable(nil)
	srv := NewServer(segs, alloc)
	as := vm.NewAddressSpace(alloc, vm.NewKernelSlot())

	file := &fakeFile{data: make([]byte, mem.PageSize)}
	seg, _ := srv.Open(file, defs.Pid_t(1), as, vm.UserMin)
	srv.Close(seg.ID)

	if err := srv.PageFault(seg.ID, 0); err != defs.ENOENT {
		t.Fatalf("PageFault after Close = %v, want ENOENT (the mapping was forgotten)", err)
	}
}
