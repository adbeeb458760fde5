// Command loader drives internal/elf's loader service standalone: given an
// ISO-9660 image mounted as the VFS root and the name of an executable on
// it, it resolves the executable's NEEDED closure, lays every module out in
// a freshly constructed process, applies relocations, and reports the
// resulting process id and entry thread (spec §4.L). In the full kernel
// this same code path runs as a service invoked over IPC by
// internal/syscall's CreateProcess/StartExecution primitives; this binary
// exercises it directly for testing images offline.
package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/andrewaprice/perception/internal/blockdev"
	"github.com/andrewaprice/perception/internal/defs"
	"github.com/andrewaprice/perception/internal/elf"
	"github.com/andrewaprice/perception/internal/iso9660"
	"github.com/andrewaprice/perception/internal/mem"
	"github.com/andrewaprice/perception/internal/sched"
	"github.com/andrewaprice/perception/internal/shm"
	"github.com/andrewaprice/perception/internal/vfs"
)

// simulatedFrameCount sizes the physical allocator for a standalone load;
// a real boot wires this to the Multiboot2 memory map instead (see
// internal/boot and cmd/kernel).
const simulatedFrameCount = 1 << 16 // 256 MiB of 4 KiB frames

func main() {
	image := flag.String("image", "", "path to an ISO-9660 disk image holding the executable and its libraries")
	exec := flag.String("exec", "", "name of the executable to launch, as it appears on the image")
	driver := flag.Bool("driver", false, "launch with driver capability (IOPL) bits set")
	flag.Parse()

	if *image == "" || *exec == "" {
		log.Fatal("-image and -exec are required")
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

	vfsTbl := vfs.NewTable()
	vfsTbl.Mount("Disk", fs)

	alloc := mem.NewAllocator(simulatedFrameCount)
	scheduler := sched.New(alloc)
	shmTbl := shm.NewTable(scheduler)
	cache := elf.NewCache(vfsTbl, shmTbl, alloc)
	loader := elf.NewLoader(cache, scheduler, shmTbl, alloc)

	requester := defs.Pid_t(0)
	proc, lerr := loader.Launch("/Disk/"+*exec, requester, *driver)
	if lerr != defs.Ok {
		log.Fatalf("launch %s: %v", *exec, lerr)
	}

	fmt.Printf("launched pid=%d name=%s\n", proc.Pid, proc.NameString())
}
