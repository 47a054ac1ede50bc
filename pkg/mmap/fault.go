package mmap

import "github.com/mit-pdos/vmkern/pkg/pagetable"

// HandlePageFault implements spec.md §4.4. It returns (true, nil) when
// the fault is resolved (the "+1 resolved" contract of §6's fault vector)
// and (false, nil) when the address is not covered by any mapping (the
// "-1 unhandled" contract; the caller terminates the process with a
// segfault diagnostic). The out-of-memory and inode-lookup conditions
// spec.md §7 calls "Fatal (kernel panic) kinds" panic directly, in the
// teacher's style (proc.c's page_fault_handler panics on kalloc()==0;
// biscuit's Sys_pgfault treats ENOMEM from the frame pool as an error
// only where the caller can still report unhandled, matching the
// install-failure case below).
func (s *Space) HandlePageFault(va uintptr) (bool, error) {
	cfg := s.Cfg
	ps := cfg.PageSize

	// (a) COW fault.
	if pte := s.Dir.Lookup(va, ps); pte.Present() && pte.Flags&pagetable.COW != 0 && pte.Flags&pagetable.W == 0 {
		old := pte.Frame
		// Single-owner fast path (grounded on biscuit's Sys_pgfault,
		// vm/as.go): if nothing else shares this frame any more, just
		// reclaim it in place instead of copying.
		if s.Pool.Refcnt(old) == 1 {
			pte.Flags = (pte.Flags &^ pagetable.COW) | pagetable.W
			s.Dir.Flush()
			return true, nil
		}
		fresh, err := s.Pool.AllocNoZero()
		if err != nil {
			panic("mmap: out of memory servicing a COW fault")
		}
		*s.Pool.Bytes(fresh) = *s.Pool.Bytes(old)
		pte.Frame = fresh
		pte.Flags = (pte.Flags &^ pagetable.COW) | pagetable.W
		s.Pool.Refdown(old)
		s.Dir.Flush()
		return true, nil
	}

	// (b) Mapping lookup.
	idx := s.Table.Find(cfg, va)
	if idx < 0 {
		return false, nil
	}
	d := s.Table.At(idx)
	d.Allocated = true

	// (b1) GROWSUP extension, grounded on xv6-public's proc.c
	// page_fault_handler: growth is denied unless there's room for the
	// grown region plus one full spare page before the next mapping.
	if d.Flags&GrowsUp != 0 && va >= d.end(cfg) {
		curEnd := d.end(cfg)
		endOfMapping := curEnd + uintptr(ps)
		nextStart := cfg.ArenaHi
		for i := 0; i < s.Table.n; i++ {
			if i == idx {
				continue
			}
			o := &s.Table.descs[i]
			if o.Addr >= endOfMapping && o.Addr < nextStart {
				nextStart = o.Addr
			}
		}
		if uintptr(ps) <= nextStart-endOfMapping {
			d.Length += ps
		}
		// Growth may have been denied; re-check against the (possibly
		// unchanged) strict end, not the GROWSUP lookup tolerance, or a
		// denied grow would still service the fault it was supposed to
		// leave unhandled.
		if va >= d.end(cfg) {
			return false, nil
		}
	}

	// (b2) Fill.
	fileBacked := d.Flags&Anonymous == 0 && (d.FD > 0 || (cfg.AllowFDZero && d.FD >= 0))
	frame, err := s.Pool.Alloc()
	if err != nil {
		panic("mmap: out of memory servicing a lazy fault")
	}
	if fileBacked {
		ino, ok := s.Files.Get(d.FD)
		if !ok {
			panic("mmap: inode lookup failed for a file-backed mapping")
		}
		pageVA := cfg.RoundDownPage(va)
		fileOff := int64(pageVA-d.Addr) + int64(d.Offset)
		buf := s.Pool.Bytes(frame)
		// The frame came back zeroed from Pool.Alloc, so a short read
		// leaves the tail deterministically zero (spec.md §9, Open
		// Question #4) without extra work.
		if _, rerr := ino.ReadInodeAtTxn(buf[:], fileOff); rerr != nil {
			s.Pool.Refdown(frame)
			return false, nil
		}
	}

	// (b3) Install.
	pte, ok, werr := s.Dir.Walk(va, ps, true)
	if werr != nil || !ok {
		s.Pool.Refdown(frame)
		return false, nil
	}
	pte.Frame = frame
	pte.Flags = pagetable.U | pagetable.W
	return true, nil
}
