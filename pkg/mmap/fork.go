package mmap

import "github.com/mit-pdos/vmkern/pkg/pagetable"

// Fork implements spec.md §4.6, called after the child's page directory
// has otherwise been populated by a copy of the parent's non-mapping
// address space. child must be a fresh Space with an empty table and
// directory. Grounded on xv6-public's proc.c fork() COW-marking loop for
// PRIVATE mappings, and on spec.md §9 Open Question #2's resolution for
// SHARED mappings: the reference copies descriptors but never re-maps
// shared frames into the child, which this implementation does not
// reproduce because it would silently break SHARED semantics (a write
// through the child would never reach the parent, violating spec.md's
// definition of SHARED).
func (s *Space) Fork(child *Space) error {
	child.Table = s.Table
	ps := uintptr(s.Cfg.PageSize)

	for i := 0; i < s.Table.n; i++ {
		d := &s.Table.descs[i]
		switch {
		case d.Flags&Private != 0:
			for va := d.Addr; va < d.end(s.Cfg); va += ps {
				pte := s.Dir.Lookup(va, s.Cfg.PageSize)
				if !pte.Present() {
					continue
				}
				pte.Flags = (pte.Flags &^ pagetable.W) | pagetable.COW
				s.Dir.Flush()

				cpte, ok, err := child.Dir.Walk(va, s.Cfg.PageSize, true)
				if err != nil || !ok {
					panic("mmap: failed to allocate PTE for child during fork")
				}
				cpte.Frame = pte.Frame
				cpte.Flags = pte.Flags
				s.Pool.Refup(pte.Frame)
			}
		case d.Flags&Shared != 0:
			for va := d.Addr; va < d.end(s.Cfg); va += ps {
				pte := s.Dir.Lookup(va, s.Cfg.PageSize)
				if !pte.Present() {
					continue
				}
				cpte, ok, err := child.Dir.Walk(va, s.Cfg.PageSize, true)
				if err != nil || !ok {
					panic("mmap: failed to allocate PTE for child during fork")
				}
				cpte.Frame = pte.Frame
				cpte.Flags = pte.Flags
				s.Pool.Refup(pte.Frame)
			}
		}
	}
	return nil
}
