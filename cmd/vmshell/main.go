// Command vmshell boots a single simulated process, walks it through the
// mmap/fault/fork/exit lifecycle in pkg/proc, and prints the same
// terse, narrated diagnostics a real kernel boot log would (biscuit's
// kernel/main.go and its exec() helper print each step of process setup
// the same way).
package main

import (
	"fmt"
	"os"

	"github.com/mit-pdos/vmkern/pkg/fsback"
	"github.com/mit-pdos/vmkern/pkg/kerrno"
	"github.com/mit-pdos/vmkern/pkg/klog"
	"github.com/mit-pdos/vmkern/pkg/mem"
	"github.com/mit-pdos/vmkern/pkg/mmap"
	"github.com/mit-pdos/vmkern/pkg/proc"
	"github.com/mit-pdos/vmkern/pkg/vmconfig"
)

const nframes = 256

func main() {
	fmt.Printf("vmkern: %d frames of physical memory (%d KB)\n", nframes, nframes*mem.PageSize/1024)

	pool := mem.NewPool(nframes)
	cfg := vmconfig.Default()

	p := proc.New(1, pool, cfg)
	fmt.Printf("pid %d: address space created, arena [%#x, %#x)\n", p.PID, cfg.ArenaLo, cfg.ArenaHi)

	anon, err := p.MMap(0, 3*vmconfig.PageSize, mmap.ProtRead|mmap.ProtWrite, mmap.Private|mmap.Anonymous, mmap.NoFD, 0)
	must(err)
	fmt.Printf("pid %d: mmap anonymous -> %#x\n", p.PID, anon)

	if !p.PageFault(anon) {
		fmt.Fprintln(os.Stderr, "vmshell: unexpected segfault on lazily-mapped page")
		os.Exit(1)
	}
	fmt.Printf("pid %d: touched %#x, page installed\n", p.PID, anon)

	backing, cleanup := scratchFile()
	defer cleanup()
	ino, err := fsback.OpenInode(backing)
	must(err)
	fd := p.Files.Open(ino)
	if fd == 0 {
		// Reference-faithful mode rejects fd 0 as a backing file; open a
		// throwaway descriptor first so this demo exercises the common
		// case (see vmconfig.Config.AllowFDZero for the alternative).
		dummy, dcleanup := scratchFile()
		defer dcleanup()
		dino, derr := fsback.OpenInode(dummy)
		must(derr)
		p.Files.Open(dino)
		ino2, ferr := fsback.OpenInode(backing)
		must(ferr)
		fd = p.Files.Open(ino2)
	}

	shared, err := p.MMap(0, vmconfig.PageSize, mmap.ProtRead|mmap.ProtWrite, mmap.Shared, fd, 0)
	must(err)
	fmt.Printf("pid %d: mmap shared file-backed -> %#x (fd %d)\n", p.PID, shared, fd)

	if !p.PageFault(shared) {
		fmt.Fprintln(os.Stderr, "vmshell: unexpected segfault on file-backed page")
		os.Exit(1)
	}
	copy(pool.Bytes(p.Dir.Lookup(shared, cfg.PageSize).Frame)[:], []byte("hello from vmshell\n"))

	child, err := p.Fork(2)
	must(err)
	fmt.Printf("pid %d: forked pid %d, %d mapping(s) inherited\n", p.PID, child.PID, child.Space.Table.Len())

	if err := p.Munmap(shared, vmconfig.PageSize); err != nil {
		fmt.Fprintf(os.Stderr, "vmshell: munmap: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("pid %d: munmap %#x, write-back flushed to %s\n", p.PID, shared, backing)

	p.Exit()
	child.Exit()
	fmt.Printf("done\n")
}

func scratchFile() (path string, cleanup func()) {
	f, err := os.CreateTemp("", "vmshell-backing-*")
	must(err)
	if err := f.Truncate(int64(vmconfig.PageSize)); err != nil {
		f.Close()
		os.Remove(f.Name())
		must(err)
	}
	name := f.Name()
	f.Close()
	return name, func() { os.Remove(name) }
}

func must(err error) {
	if err != nil {
		if _, ok := err.(kerrno.Errno); ok {
			klog.Printf("vmshell: %v\n", err)
		}
		fmt.Fprintf(os.Stderr, "vmshell: fatal: %v\n", err)
		os.Exit(1)
	}
}
