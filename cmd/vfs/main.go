// Command vfs stands in for the Storage Manager service: it mounts an
// ISO-9660 disk image as the virtual file system's root driver and serves
// one directory-listing, stat, or read request against it, printing the
// result to stdout. A real deployment keeps the mount table resident and
// answers these requests over IPC (spec §4.K); this binary drives the same
// internal/vfs.Table and internal/iso9660.FileSystem code for inspection
// and scripting from the command line.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log"

	"github.com/andrewaprice/perception/internal/blockdev"
	"github.com/andrewaprice/perception/internal/defs"
	"github.com/andrewaprice/perception/internal/iso9660"
	"github.com/andrewaprice/perception/internal/vfs"
)

const simulatedOpener defs.Pid_t = 1

func main() {
	image := flag.String("image", "", "path to an ISO-9660 disk image")
	mount := flag.String("mount", "Disk", "mount name to register the image under")
	op := flag.String("op", "list", "list | stat | read")
	path := flag.String("path", "/", "VFS path, relative to -mount")
	start := flag.Int("start", 0, "list: first directory entry index")
	count := flag.Int("count", 32, "list: number of directory entries to return")
	offset := flag.Int64("offset", 0, "read: byte offset")
	length := flag.Int("length", 256, "read: number of bytes")
	flag.Parse()

	if *image == "" {
		log.Fatal("-image is required")
	}

	dev, err := blockdev.Open(*image)
	if err != nil {
		log.Fatalf("open %s: %v", *image, err)
	}
	defer dev.Close()

	fs, ferr := iso9660.Mount(dev)
	if ferr != defs.Ok {
		log.Fatalf("mount %s: %v", *image, ferr)
	}

	table := vfs.NewTable()
	table.Mount(*mount, fs)

	fullPath := "/" + *mount + *path
	switch *op {
	case "list":
		entries, more, lerr := table.ListDirectory(fullPath, *start, *count)
		if lerr != defs.Ok {
			log.Fatalf("list %s: %v", fullPath, lerr)
		}
		for _, e := range entries {
			kind := "file"
			if e.Type == vfs.EntryDirectory {
				kind = "dir"
			}
			fmt.Printf("%-4s %10d  %s\n", kind, e.Size, e.Name)
		}
		if more {
			fmt.Println("(more entries available)")
		}

	case "stat":
		size, serr := table.Stat(fullPath)
		if serr != defs.Ok {
			log.Fatalf("stat %s: %v", fullPath, serr)
		}
		fmt.Printf("%s: %d bytes\n", fullPath, size)

	case "read":
		handle, oerr := table.OpenFile(fullPath, simulatedOpener)
		if oerr != defs.Ok {
			log.Fatalf("open %s: %v", fullPath, oerr)
		}
		defer table.CloseHandle(simulatedOpener, handle)

		h, herr := table.Handle(simulatedOpener, handle)
		if herr != defs.Ok {
			log.Fatalf("handle %s: %v", fullPath, herr)
		}
		buf := make([]byte, *length)
		n, rerr := h.Read(*offset, buf)
		if rerr != defs.Ok {
			log.Fatalf("read %s: %v", fullPath, rerr)
		}
		fmt.Print(hex.Dump(buf[:n]))

	default:
		log.Fatalf("unknown -op %q", *op)
	}
}
