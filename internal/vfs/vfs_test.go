package vfs

import (
	"sync"
	"testing"

	"github.com/andrewaprice/perception/internal/defs"
)

type fakeHandle struct {
	data   []byte
	closed bool
}

func (h *fakeHandle) Read(offset int64, buf []byte) (int, defs.Err_t) {
	if offset >= int64(len(h.data)) {
		return 0, defs.Ok
	}
	n := copy(buf, h.data[offset:])
	return n, defs.Ok
}
func (h *fakeHandle) Size() int64 { return int64(len(h.data)) }
func (h *fakeHandle) Close()      { h.closed = true }

type fakeDriver struct {
	mu      sync.Mutex
	files   map[string][]byte
	handles []*fakeHandle
}

func newFakeDriver(files map[string][]byte) *fakeDriver {
	return &fakeDriver{files: files}
}

func (d *fakeDriver) OpenFile(path string, opener defs.Pid_t) (FileHandle, defs.Err_t) {
	data, ok := d.files[path]
	if !ok {
		return nil, defs.ENOENT
	}
	h := &fakeHandle{data: data}
	d.mu.Lock()
	d.handles = append(d.handles, h)
	d.mu.Unlock()
	return h, defs.Ok
}

func (d *fakeDriver) ListDirectory(path string, start, count int) ([]DirEntry, bool, defs.Err_t) {
	var names []string
	for name := range d.files {
		names = append(names, name)
	}
	out := make([]DirEntry, 0, len(names))
	for _, n := range names {
		out = append(out, DirEntry{Name: n, Type: EntryFile, Size: int64(len(d.files[n]))})
	}
	return out, false, defs.Ok
}

func (d *fakeDriver) Stat(path string) (int64, defs.Err_t) {
	data, ok := d.files[path]
	if !ok {
		return 0, defs.ENOENT
	}
	return int64(len(data)), defs.Ok
}

func TestOpenFileAndHandleRejectsOtherPid(t *testing.T) {
	table := NewTable()
	table.Mount("Disk", newFakeDriver(map[string][]byte{"a.txt": []byte("hi")}))

	id, err := table.OpenFile("/Disk/a.txt", defs.Pid_t(1))
	if err != defs.Ok {
		t.Fatalf("OpenFile: %v", err)
	}
	if _, err := table.Handle(defs.Pid_t(1), id); err != defs.Ok {
		t.Fatalf("Handle for the opener: %v", err)
	}
	if _, err := table.Handle(defs.Pid_t(2), id); err != defs.EACCES {
		t.Fatalf("Handle for a non-opener pid = %v, want EACCES", err)
	}
}

func TestOpenFileUnknownMountIsENOENT(t *testing.T) {
	table := NewTable()
	if _, err := table.OpenFile("/NoSuchMount/a.txt", defs.Pid_t(1)); err != defs.ENOENT {
		t.Fatalf("OpenFile on an unmounted path = %v, want ENOENT", err)
	}
}

func TestCloseProcessClosesEveryOpenHandle(t *testing.T) {
	table := NewTable()
	driver := newFakeDriver(map[string][]byte{"a.txt": []byte("hi"), "b.txt": []byte("yo")})
	table.Mount("Disk", driver)

	table.OpenFile("/Disk/a.txt", defs.Pid_t(1))
	table.OpenFile("/Disk/b.txt", defs.Pid_t(1))
	table.CloseProcess(defs.Pid_t(1))

	for _, h := range driver.handles {
		if !h.closed {
			t.Fatalf("handle not closed by CloseProcess: %+v", h)
		}
	}
}

func TestLibrariesAliasBlocksUntilFirstMount(t *testing.T) {
	table := NewTable()
	driver := newFakeDriver(map[string][]byte{"lib.so": []byte("x")})

	done := make(chan struct{})
	go func() {
		size, err := table.Stat("/Libraries/lib.so")
		if err != defs.Ok || size != 1 {
			t.Errorf("Stat via /Libraries before any mount = (%d, %v), want (1, Ok)", size, err)
		}
		close(done)
	}()

	table.Mount("Disk", driver)
	<-done
}

func TestStatUnknownFileIsENOENT(t *testing.T) {
	table := NewTable()
	table.Mount("Disk", newFakeDriver(map[string][]byte{}))
	if _, err := table.Stat("/Disk/missing.txt"); err != defs.ENOENT {
		t.Fatalf("Stat of a missing file = %v, want ENOENT", err)
	}
}
