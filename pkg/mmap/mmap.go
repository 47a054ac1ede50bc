// Package mmap is the per-process memory mapping manager: the mapping
// table (spec.md §4.1), the address allocator (§4.2), the mmap/munmap
// services (§4.3, §4.5), the page-fault handler (§4.4), and the fork/exit
// hooks (§4.6, §4.7). It is grounded on biscuit's src/vm (Vm_t, Vmregion_t,
// Sys_pgfault) scaled down from biscuit's red-black-tree region set to the
// flat, fixed-capacity table spec.md specifies, with exact validation and
// dispatch order taken from _examples/original_source/xv6-public's
// sysproc.c (sys_mmap/sys_munmap) and proc.c (page_fault_handler, fork's
// COW-marking loop).
package mmap

import (
	"github.com/mit-pdos/vmkern/pkg/fsback"
	"github.com/mit-pdos/vmkern/pkg/kerrno"
	"github.com/mit-pdos/vmkern/pkg/mem"
	"github.com/mit-pdos/vmkern/pkg/pagetable"
	"github.com/mit-pdos/vmkern/pkg/vmconfig"
)

// Flags is the mmap flags bitset (spec.md §6). Bit values are arbitrary
// (this is not an ABI-compatible kernel) but distinct, matching the
// teacher's MAP_* constants in shape.
type Flags uint32

const (
	Shared Flags = 1 << iota
	Private
	Anonymous
	Fixed
	GrowsUp
)

// Prot is the requested access bitset (spec.md §6). Recorded, not
// enforced at fault time — the fault handler always installs U|W, per
// spec.md §4.4's "Install" step.
type Prot uint32

const (
	ProtRead Prot = 1 << iota
	ProtWrite
)

// NoFD is the sentinel fd value for anonymous mappings (I3).
const NoFD = -1

// Descriptor is one mapping-table entry (spec.md §3).
type Descriptor struct {
	Addr           uintptr
	Length         int
	OriginalLength int
	Flags          Flags
	Prot           Prot
	FD             int
	Offset         int
	Allocated      bool
}

func (d *Descriptor) end(cfg vmconfig.Config) uintptr {
	return d.Addr + uintptr(cfg.RoundUpPage(d.Length))
}

// contains reports whether va falls in this descriptor's rounded-up
// range, the test spec.md §4.4(b) uses to find the owning mapping. A
// GROWSUP descriptor also matches exactly one page past its current end:
// the reference's own lookup loop tests the same bound before ever
// running its GROWSUP extension step, which would make that step
// permanently unreachable (an unflagged bug, unlike the Open Question
// quirks in spec.md §9); the one-page tolerance here is what makes
// spec.md §4.4(b1)'s extension and §8's GROWSUP edge case reachable at
// all.
func (d *Descriptor) contains(cfg vmconfig.Config, va uintptr) bool {
	end := d.end(cfg)
	if va >= d.Addr && va < end {
		return true
	}
	if d.Flags&GrowsUp != 0 && va >= end && va < end+uintptr(cfg.PageSize) {
		return true
	}
	return false
}

// Table is the fixed-capacity, densely-packed mapping table (spec.md
// §4.1). Entries [0, n) are live; the rest are logically absent (I5).
type Table struct {
	descs [vmconfig.MaxMappings]Descriptor
	n     int
}

// Len returns the number of live descriptors.
func (t *Table) Len() int { return t.n }

// At returns a pointer to the live descriptor at index i, for callers
// that need to mutate it in place (the fault handler's "mark it
// allocated" and GROWSUP length bump).
func (t *Table) At(i int) *Descriptor {
	if i < 0 || i >= t.n {
		return nil
	}
	return &t.descs[i]
}

// Find returns the index of the first live descriptor whose range
// contains va, or -1.
func (t *Table) Find(cfg vmconfig.Config, va uintptr) int {
	for i := 0; i < t.n; i++ {
		if t.descs[i].contains(cfg, va) {
			return i
		}
	}
	return -1
}

// FindContaining returns the index of the first live descriptor whose
// range fully contains [addr, addr+length), or -1 (spec.md §4.5).
func (t *Table) FindContaining(addr uintptr, length int) int {
	end := addr + uintptr(length)
	for i := 0; i < t.n; i++ {
		d := &t.descs[i]
		if addr >= d.Addr && end <= d.Addr+uintptr(d.Length) {
			return i
		}
	}
	return -1
}

// insert appends a descriptor, returning ENOSPC if the table is full
// (I5).
func (t *Table) insert(d Descriptor) error {
	if t.n >= vmconfig.MaxMappings {
		return kerrno.ENOSPC
	}
	t.descs[t.n] = d
	t.n++
	return nil
}

// remove shifts entries after i down by one, stable relative order not
// required (spec.md §4.1).
func (t *Table) remove(i int) {
	for k := i; k < t.n-1; k++ {
		t.descs[k] = t.descs[k+1]
	}
	t.n--
}

// Clear zeroes the table (spec.md §4.7's exit hook).
func (t *Table) Clear() {
	for i := range t.descs {
		t.descs[i] = Descriptor{}
	}
	t.n = 0
}

// Space is one process's address-space-facing mapping manager: the
// mapping table plus the collaborators it drives (biscuit's Vm_t bundles
// the same: Vmregion_t plus the owning Pmap_t). No lock is embedded — per
// spec.md §5, a Space is only ever touched by the kernel entry of its
// owning process, so the caller (pkg/proc) is responsible for that
// serialization, exactly as biscuit's comment on Vm_t says: "no locking
// is needed because access is serialised on that process's kernel entry."
type Space struct {
	Cfg   vmconfig.Config
	Table Table
	Dir   *pagetable.Directory
	Pool  *mem.Pool
	Files *fsback.Table
}

// NewSpace creates an address space's mapping manager over the given
// frame pool, page table and file-descriptor table.
func NewSpace(cfg vmconfig.Config, dir *pagetable.Directory, pool *mem.Pool, files *fsback.Table) *Space {
	return &Space{Cfg: cfg, Dir: dir, Pool: pool, Files: files}
}
