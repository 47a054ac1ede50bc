// Package proc wires the mapping manager into a process: the piece
// spec.md §1 calls "process lifecycle (fork/exit)" and "the trap path
// (page-fault dispatch)", both explicitly out of scope as full subsystems
// but exercised here in the minimal shape this spec's operations need,
// grounded on biscuit's src/proc/proc.go Proc_t (its Vm_fork wiring
// Vm_t.Fork, its trap_proc dispatching into the page-fault path) reduced
// to what a scheduler-free, trap-frame-free simulation requires: no run
// queue, no real trap frame marshalling (spec.md §1 keeps those external
// collaborators referenced only through interfaces the caller of this
// package plays the role of).
package proc

import (
	"github.com/mit-pdos/vmkern/pkg/fsback"
	"github.com/mit-pdos/vmkern/pkg/klog"
	"github.com/mit-pdos/vmkern/pkg/mem"
	"github.com/mit-pdos/vmkern/pkg/mmap"
	"github.com/mit-pdos/vmkern/pkg/pagetable"
	"github.com/mit-pdos/vmkern/pkg/vmconfig"
)

// Process is one address space plus the process-lifecycle hooks this
// spec's scope requires: mmap/munmap, page-fault dispatch, fork, exit.
type Process struct {
	PID    int
	Pool   *mem.Pool
	Dir    *pagetable.Directory
	Files  *fsback.Table
	Space  *mmap.Space
	Killed bool
}

// New creates a process with a fresh, empty address space over pool.
func New(pid int, pool *mem.Pool, cfg vmconfig.Config) *Process {
	dir := pagetable.NewDirectory(pool)
	files := fsback.NewTable()
	return &Process{
		PID:   pid,
		Pool:  pool,
		Dir:   dir,
		Files: files,
		Space: mmap.NewSpace(cfg, dir, pool, files),
	}
}

// MMap delegates to the address space's mmap service (spec.md §4.3).
func (p *Process) MMap(hint uintptr, length int, prot mmap.Prot, flags mmap.Flags, fd int, offset int) (uintptr, error) {
	return p.Space.MMap(hint, length, prot, flags, fd, offset)
}

// Munmap delegates to the address space's munmap service (spec.md §4.5).
func (p *Process) Munmap(addr uintptr, length int) error {
	return p.Space.Munmap(addr, length)
}

// PageFault is the fault-vector contract of spec.md §6: it dispatches
// into the fault handler and, on an unhandled fault, marks the process
// killed and prints the "Segmentation Fault" diagnostic the trap handler
// is required to produce, in place of the real trap path this simulation
// doesn't have.
func (p *Process) PageFault(va uintptr) bool {
	resolved, err := p.Space.HandlePageFault(va)
	if err != nil {
		// HandlePageFault only returns a non-nil error for conditions
		// spec.md §7 doesn't classify as fatal; treat as unhandled.
		resolved = false
	}
	if !resolved {
		klog.Segv(p.PID, va)
		p.Killed = true
	}
	return resolved
}

// Fork implements the process side of spec.md §4.6: it creates a child
// process sharing this process's frame pool and replicates the mapping
// table and page-table state per Space.Fork's contract. The child's
// mapping table and page-table updates are complete before Fork returns,
// satisfying spec.md §5's ordering requirement that this happen before
// the child is marked runnable.
func (p *Process) Fork(childPID int) (*Process, error) {
	child := New(childPID, p.Pool, p.Space.Cfg)
	if err := p.Space.Fork(child.Space); err != nil {
		return nil, err
	}
	return child, nil
}

// Exit implements spec.md §4.7: the address-space teardown routine frees
// every frame the process's page table still owns, then the mapping
// table itself is zeroed. klog.Reap mirrors the teacher's habit of a
// terse one-line diagnostic on process teardown (biscuit's proc.terminate
// prints on exit in the same spirit).
func (p *Process) Exit() {
	freed := p.Dir.Teardown()
	p.Space.ExitHook()
	klog.Reap(p.PID, freed)
}
