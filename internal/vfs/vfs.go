// Package vfs implements the virtual file system's mount table and path
// resolution (spec §4.K), grounded on the original Storage Manager
// service's virtual_file_system.cc: a mount map keyed by leaf name, with
// "/Libraries" and "/Applications" aliasing to the first mounted driver
// and blocking any caller that arrives before one exists.
package vfs

import (
	"strings"
	"sync"

	"github.com/andrewaprice/perception/internal/defs"
)

// DirectoryEntryType distinguishes files from subdirectories in a listing.
type DirectoryEntryType int

const (
	EntryFile DirectoryEntryType = iota
	EntryDirectory
)

// DirEntry is one record returned by ListDirectory.
type DirEntry struct {
	Name string
	Type DirectoryEntryType
	Size int64
}

// Driver is the interface a mounted file-system implementation supplies
// (spec §4.K: "open-file, check-permissions, list-directory,
// file-statistics").
type Driver interface {
	OpenFile(path string, opener defs.Pid_t) (FileHandle, defs.Err_t)
	// ListDirectory returns entries in [start, start+count), and whether
	// more entries exist past the returned window (spec §4.K / §9 bug-fix
	// note: the window is [offset, offset+count), not offset alone).
	ListDirectory(path string, start, count int) (entries []DirEntry, more bool, err defs.Err_t)
	Stat(path string) (size int64, err defs.Err_t)
}

// FileHandle is an RPC-callable object representing an opened file,
// recorded in a per-process table so closing the owning process closes
// its files (spec §4.K).
type FileHandle interface {
	Read(offset int64, buf []byte) (int, defs.Err_t)
	Size() int64
	Close()
}

type pendingWaiter struct {
	ch chan struct{}
}

// Table is the VFS's single mount map, one per system (spec §4.K).
type Table struct {
	mu       sync.Mutex
	mounts   map[string]Driver // leaf mount name -> driver
	first    Driver            // first mounted driver, aliased by /Libraries and /Applications
	waiters  []pendingWaiter
	openFiles map[defs.Pid_t]map[uint64]FileHandle
	nextHandleID uint64
}

// NewTable builds an empty mount table.
func NewTable() *Table {
	return &Table{
		mounts:    make(map[string]Driver),
		openFiles: make(map[defs.Pid_t]map[uint64]FileHandle),
	}
}

// Mount installs driver under name. If this is the first mount, every
// caller blocked on an aliasing path is released (spec §4.K).
func (t *Table) Mount(name string, driver Driver) {
	t.mu.Lock()
	t.mounts[name] = driver
	firstMount := t.first == nil
	if firstMount {
		t.first = driver
	}
	var woken []pendingWaiter
	if firstMount {
		woken = t.waiters
		t.waiters = nil
	}
	t.mu.Unlock()

	for _, w := range woken {
		close(w.ch)
	}
}

// Unmount removes a driver, used when its backing device disappears.
func (t *Table) Unmount(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.mounts, name)
}

// resolve splits a path into (driver, remainder), blocking the caller if
// it addresses /Libraries or /Applications before any driver is mounted
// (spec §4.K). Returns ok=false if the path's explicit mount name is
// unknown.
func (t *Table) resolve(path string) (driver Driver, remainder string, ok bool) {
	trimmed := strings.TrimPrefix(path, "/")
	mountName, rest, _ := strings.Cut(trimmed, "/")

	if mountName == "Libraries" || mountName == "Applications" {
		t.mu.Lock()
		if t.first != nil {
			d := t.first
			t.mu.Unlock()
			return d, rest, true
		}
		ch := make(chan struct{})
		t.waiters = append(t.waiters, pendingWaiter{ch: ch})
		t.mu.Unlock()
		<-ch
		t.mu.Lock()
		d := t.first
		t.mu.Unlock()
		return d, rest, d != nil
	}

	t.mu.Lock()
	d, found := t.mounts[mountName]
	t.mu.Unlock()
	return d, rest, found
}

// OpenFile resolves path and opens it through the owning driver, recording
// the handle under opener so CloseProcess can clean it up (spec §4.K).
func (t *Table) OpenFile(path string, opener defs.Pid_t) (uint64, defs.Err_t) {
	driver, rest, ok := t.resolve(path)
	if !ok {
		return 0, defs.ENOENT
	}
	h, err := driver.OpenFile(rest, opener)
	if err != defs.Ok {
		return 0, err
	}

	t.mu.Lock()
	t.nextHandleID++
	id := t.nextHandleID
	if t.openFiles[opener] == nil {
		t.openFiles[opener] = make(map[uint64]FileHandle)
	}
	t.openFiles[opener][id] = h
	t.mu.Unlock()
	return id, defs.Ok
}

// Handle returns opener's previously-opened file, rejecting lookups from
// any other pid (spec §4.K: "the driver is responsible for ... rejecting
// requests from any pid other than the opener").
func (t *Table) Handle(opener defs.Pid_t, id uint64) (FileHandle, defs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	files, ok := t.openFiles[opener]
	if !ok {
		return nil, defs.EACCES
	}
	h, ok := files[id]
	if !ok {
		return nil, defs.EACCES
	}
	return h, defs.Ok
}

// CloseHandle closes and forgets one file handle.
func (t *Table) CloseHandle(opener defs.Pid_t, id uint64) {
	t.mu.Lock()
	files := t.openFiles[opener]
	var h FileHandle
	if files != nil {
		h = files[id]
		delete(files, id)
	}
	t.mu.Unlock()
	if h != nil {
		h.Close()
	}
}

// CloseProcess closes every file opener still has open, called when the
// owning process is destroyed (spec §4.K).
func (t *Table) CloseProcess(opener defs.Pid_t) {
	t.mu.Lock()
	files := t.openFiles[opener]
	delete(t.openFiles, opener)
	t.mu.Unlock()
	for _, h := range files {
		h.Close()
	}
}

// ListDirectory resolves path and lists its contents through the owning
// driver (spec §4.K).
func (t *Table) ListDirectory(path string, start, count int) ([]DirEntry, bool, defs.Err_t) {
	driver, rest, ok := t.resolve(path)
	if !ok {
		return nil, false, defs.ENOENT
	}
	return driver.ListDirectory(rest, start, count)
}

// Stat resolves path and returns its size through the owning driver.
func (t *Table) Stat(path string) (int64, defs.Err_t) {
	driver, rest, ok := t.resolve(path)
	if !ok {
		return 0, defs.ENOENT
	}
	return driver.Stat(rest)
}
