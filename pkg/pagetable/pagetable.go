// Package pagetable is the page-table walker: spec.md §1 lists
// walk(pgdir, va, create) and map_range as an external collaborator
// referenced only through its interface. Real hardware page tables are
// out of a hosted Go program's reach, so — following the teacher's own
// abstraction boundary (biscuit's vm/pmap.go pmap_walk operates through
// mem.Pmap_t and mem.Pa_t, never touching hardware CR3 directly except at
// the very bottom) and _examples/other_examples/Nonepf-xv6-in-go__vm.go's
// walk/mappages shape — this package reduces the walker to its essential
// contract: a lazily-populated, per-address-space table from page number
// to PTE, whose "create" path consumes real frames from the pool the same
// way pmap_pgtbl's _instpg does when it installs an intermediate table
// page, so out-of-memory during a walk is a real, observable failure
// mode rather than an assumption.
package pagetable

import (
	"github.com/mit-pdos/vmkern/pkg/kerrno"
	"github.com/mit-pdos/vmkern/pkg/mem"
)

// Flags mirrors the PTE software/hardware bits spec.md §3 and §6 name.
// PTE_COW is the one otherwise-unused bit this subsystem reserves.
type Flags uint32

const (
	P   Flags = 1 << iota // present
	W                     // writable
	U                     // user-accessible
	COW                   // copy-on-write; COW ⇒ ¬W (I4)
)

// PTE is one page-table entry: a frame plus its permission bits. A PTE
// with Frame == mem.NoFrame is not present, matching the teacher's
// PTE_P bit but expressed as a Go zero value instead of a magic bit test.
type PTE struct {
	Frame mem.Frame
	Flags Flags
}

func (pte *PTE) Present() bool {
	return pte != nil && pte.Frame != mem.NoFrame
}

// groupPages is the number of pages one simulated intermediate
// page-table page covers; charging one frame per group on first touch
// is what makes Walk's "create" path able to fail with ENOMEM, the way
// pmap_pgtbl's _instpg can.
const groupPages = 512

// Directory is one process's page table (biscuit's Pmap_t / mem.Pmap_t).
type Directory struct {
	pool       *mem.Pool
	pages      map[uintptr]*PTE
	ptPages    map[uintptr]mem.Frame
	flushCount int
}

// NewDirectory creates an empty page table backed by pool for the frames
// its own intermediate tables consume.
func NewDirectory(pool *mem.Pool) *Directory {
	return &Directory{
		pool:    pool,
		pages:   make(map[uintptr]*PTE),
		ptPages: make(map[uintptr]mem.Frame),
	}
}

// Walk returns the PTE slot for va's containing page, page-table-walker
// style: an owning reference the caller may read or overwrite in place.
// If create is false and no slot exists yet, ok is false. If create is
// true and an intermediate table page cannot be allocated, err is
// non-nil (spec.md §7's "PTE slot allocation failure" fatal case is the
// caller's responsibility to escalate, not this function's).
func (d *Directory) Walk(va uintptr, pageSize int, create bool) (pte *PTE, ok bool, err error) {
	vp := va &^ uintptr(pageSize-1)
	if p, present := d.pages[vp]; present {
		return p, true, nil
	}
	if !create {
		return nil, false, nil
	}
	group := vp / uintptr(pageSize*groupPages)
	if _, have := d.ptPages[group]; !have {
		f, aerr := d.pool.AllocNoZero()
		if aerr != nil {
			return nil, false, kerrno.ENOMEM
		}
		d.ptPages[group] = f
	}
	p := &PTE{}
	d.pages[vp] = p
	return p, true, nil
}

// Lookup returns the PTE slot for va's page without creating one.
func (d *Directory) Lookup(va uintptr, pageSize int) *PTE {
	vp := va &^ uintptr(pageSize-1)
	return d.pages[vp]
}

// Unmap clears the PTE slot for va's page, if any. It does not touch
// the frame's refcount; callers own that via mem.Pool.
func (d *Directory) Unmap(va uintptr, pageSize int) {
	vp := va &^ uintptr(pageSize-1)
	delete(d.pages, vp)
}

// Flush invalidates the TLB for this address space. A real kernel would
// reload CR3 or send shootdown IPIs (spec.md §5); this simulation just
// counts invocations so tests can assert the mutator flushed when the
// invariants require it.
func (d *Directory) Flush() {
	d.flushCount++
}

// FlushCount reports how many times Flush has been called, for tests.
func (d *Directory) FlushCount() int {
	return d.flushCount
}

// Teardown releases every frame this directory owns: every mapped page
// and every intermediate table-page it charged, returning the count of
// mapped pages whose reference it dropped (a frame another directory
// still references stays allocated; table pages are not counted). This is the "general address-space teardown owned
// by the page-directory free routine" spec.md §4.7 says frame ownership
// for unmapped mappings follows; pkg/proc.Process.Exit calls it before
// (or as part of) running mmap.Space.ExitHook.
func (d *Directory) Teardown() int {
	freed := 0
	for va, p := range d.pages {
		if p.Present() {
			d.pool.Refdown(p.Frame)
			freed++
		}
		delete(d.pages, va)
	}
	for k, f := range d.ptPages {
		d.pool.Refdown(f)
		delete(d.ptPages, k)
	}
	return freed
}
