// Command kernel is the top-level entry point: it parses the Multiboot2
// info structure a compliant bootloader hands off, mounts the boot disk
// module in the VFS as "Disk", launches the init executable named on the
// command line from it, and runs the scheduler until nothing but the idle
// thread is runnable and no timer is pending (spec §4.E/§4.L/§6). On real hardware the bootloader jumps here directly
// with the info structure's physical address in a register; this hosted
// simulation instead reads it, and the flat memory it references, from
// files so the whole boot sequence can be exercised and tested offline.
package main

import (
	"flag"
	"log"
	"os"

	"github.com/andrewaprice/perception/internal/blockdev"
	"github.com/andrewaprice/perception/internal/boot"
	"github.com/andrewaprice/perception/internal/defs"
	"github.com/andrewaprice/perception/internal/elf"
	"github.com/andrewaprice/perception/internal/ipc"
	"github.com/andrewaprice/perception/internal/iso9660"
	"github.com/andrewaprice/perception/internal/klog"
	"github.com/andrewaprice/perception/internal/mem"
	"github.com/andrewaprice/perception/internal/profiling"
	"github.com/andrewaprice/perception/internal/sched"
	"github.com/andrewaprice/perception/internal/shm"
	"github.com/andrewaprice/perception/internal/svc"
	"github.com/andrewaprice/perception/internal/syscall"
	"github.com/andrewaprice/perception/internal/timer"
	"github.com/andrewaprice/perception/internal/vfs"
)

// simulatedFrameCount sizes the physical allocator when the Multiboot2
// memory map is unavailable or yields no usable region.
const simulatedFrameCount = 1 << 16 // 256 MiB of 4 KiB frames

func main() {
	bootinfoPath := flag.String("bootinfo", "", "path to a raw Multiboot2 info structure")
	memimagePath := flag.String("memimage", "", "path to the flat physical memory image the bootinfo's module tags reference")
	initName := flag.String("init", "init", "name of the first executable to launch, relative to the mounted boot disk")
	maxTicks := flag.Int("max-ticks", 10000, "scheduler ticks to run before exiting (bounds the simulation)")
	flag.Parse()

	alloc := mem.NewAllocator(framesFromBootInfo(*bootinfoPath))
	scheduler := sched.New(alloc)
	mail := ipc.NewMailroom(scheduler)
	shmTbl := shm.NewTable(scheduler)
	services := svc.NewRegistry()
	timers := timer.NewQueue()
	profiler := profiling.NewProfiler()
	vfsTbl := vfs.NewTable()

	if *bootinfoPath != "" && *memimagePath != "" {
		mountBootDisk(*bootinfoPath, *memimagePath, vfsTbl)
	}

	cache := elf.NewCache(vfsTbl, shmTbl, alloc)
	loader := elf.NewLoader(cache, scheduler, shmTbl, alloc)

	kernel := syscall.NewKernel(scheduler, mail, shmTbl, vfsTbl, services, timers, profiler, loader, alloc)
	_ = kernel // the dispatch table is exercised via internal/syscall.Call once a trap source is wired in

	initProc, lerr := loader.Launch("/Disk/"+*initName, defs.Pid_t(0), false)
	if lerr != defs.Ok {
		log.Fatalf("launch %s: %v", *initName, lerr)
	}
	mail.Register(initProc.Pid)
	klog.Tagf("kernel", "launched init pid=%d", initProc.Pid)

	runScheduler(scheduler, timers, *maxTicks)
}

// framesFromBootInfo sums the Multiboot2 memory map's available regions, if
// a bootinfo file was supplied, falling back to a fixed simulated size
// otherwise (spec §4.A: the allocator's frame count comes from the
// boot-time memory map).
func framesFromBootInfo(path string) int {
	if path == "" {
		return simulatedFrameCount
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		log.Printf("read bootinfo %s: %v; using simulated frame count", path, err)
		return simulatedFrameCount
	}
	info := boot.Parse(raw)
	var bytesAvailable uint64
	const memoryAvailable = 1
	for _, r := range info.MemoryMap {
		if r.Type == memoryAvailable {
			bytesAvailable += r.Length
		}
	}
	if bytesAvailable == 0 {
		return simulatedFrameCount
	}
	return int(bytesAvailable / mem.PageSize)
}

// mountBootDisk locates the first Multiboot2 module (the boot disk image)
// and mounts it in the VFS under the name "Disk" (spec §4.K/§6).
func mountBootDisk(bootinfoPath, memimagePath string, vfsTbl *vfs.Table) {
	raw, err := os.ReadFile(bootinfoPath)
	if err != nil {
		log.Fatalf("read bootinfo %s: %v", bootinfoPath, err)
	}
	info := boot.Parse(raw)
	if len(info.Modules) == 0 {
		log.Fatal("bootinfo carries no modules; cannot locate the boot disk")
	}

	image, err := os.ReadFile(memimagePath)
	if err != nil {
		log.Fatalf("read memimage %s: %v", memimagePath, err)
	}

	m := info.Modules[0]
	if m.End > uint64(len(image)) || m.Start > m.End {
		log.Fatalf("module %q [%#x, %#x) out of bounds of a %d-byte memimage", m.Name, m.Start, m.End, len(image))
	}
	dev := blockdev.NewMemDevice(image[m.Start:m.End])

	fs, ferr := iso9660.Mount(dev)
	if ferr != defs.Ok {
		log.Fatalf("mount boot disk module %q: %v", m.Name, ferr)
	}
	vfsTbl.Mount("Disk", fs)
}

// runScheduler calls ScheduleNext once per tick until it yields only the
// idle thread while no timer event is pending, or maxTicks is reached,
// serving as the hosted stand-in for the interrupt-driven main loop real
// hardware runs (spec §4.E/§4.I). It does not fire due timer events.
func runScheduler(scheduler *sched.Scheduler, timers *timer.Queue, maxTicks int) {
	for tick := 0; tick < maxTicks; tick++ {
		t := scheduler.ScheduleNext()
		if t == nil || t.Pid == 0 {
			if _, pending := timers.NextDeadline(); !pending {
				klog.Tagf("kernel", "scheduler idle with no pending timers after %d ticks", tick)
				return
			}
		}
	}
	klog.Tagf("kernel", "reached max-ticks (%d); exiting", maxTicks)
}
