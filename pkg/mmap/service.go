package mmap

import (
	"github.com/mit-pdos/vmkern/pkg/fsback"
	"github.com/mit-pdos/vmkern/pkg/kerrno"
)

// MMap implements spec.md §4.3. Validation failures return (0, err) with
// no state mutation. On success, a Descriptor with Allocated=false is
// appended and the placed base address is returned; no page-table entries
// are installed (paging is entirely deferred to HandlePageFault).
func (s *Space) MMap(hint uintptr, length int, prot Prot, flags Flags, fd int, offset int) (uintptr, error) {
	cfg := s.Cfg

	// 1. length > 0.
	if length <= 0 {
		return 0, kerrno.EINVAL
	}

	// 2. hint, if given, must fall in the arena and be page-aligned.
	if hint != 0 {
		if hint < cfg.ArenaLo || hint > cfg.ArenaHi-uintptr(cfg.PageSize) || !cfg.PageAligned(hint) {
			return 0, kerrno.EINVAL
		}
	}

	// 3. at least one of SHARED/PRIVATE (both-set is accepted, per
	// spec.md §9 Open Question #6's "at-least-one" reading).
	if flags&(Shared|Private) == 0 {
		return 0, kerrno.EINVAL
	}

	// 4. anonymous ⇒ fd == NoFD && offset == 0 (I3).
	if flags&Anonymous != 0 {
		if fd != NoFD || offset != 0 {
			return 0, kerrno.EINVAL
		}
	}

	// 5. FIXED ⇒ hint given and page-aligned.
	if flags&Fixed != 0 {
		if hint == 0 || !cfg.PageAligned(hint) {
			return 0, kerrno.EINVAL
		}
	}

	// 6. non-anonymous ⇒ fd must be open. The reference tests fd > 0,
	// excluding fd 0 (spec.md §9 Open Question #5); AllowFDZero widens
	// this to fd >= 0.
	if flags&Anonymous == 0 {
		min := 1
		if cfg.AllowFDZero {
			min = 0
		}
		if fd < min || !s.Files.Valid(fd) {
			return 0, kerrno.EBADF
		}
	}

	// 7. table not full.
	if s.Table.n >= cfg.MaxMappings {
		return 0, kerrno.ENOSPC
	}

	// Placement: FIXED uses hint verbatim, without an overlap check
	// (spec.md §9 Open Question #1 — the reference doesn't check, and
	// this is preserved so a later FIXED placement legitimately wins,
	// per P1's carve-out for FIXED-vs-FIXED collisions).
	var addr uintptr
	if flags&Fixed != 0 {
		addr = hint
	} else {
		addr = s.findFree(length)
		if addr == 0 {
			return 0, kerrno.ENOSPC
		}
	}

	d := Descriptor{
		Addr:           addr,
		Length:         length,
		OriginalLength: length,
		Flags:          flags,
		Prot:           prot,
		FD:             fd,
		Offset:         offset,
		Allocated:      false,
	}
	if err := s.Table.insert(d); err != nil {
		return 0, err
	}
	return addr, nil
}

// Munmap implements spec.md §4.5. Only whole-mapping unmaps are
// supported; if no live descriptor fully contains [addr, addr+length),
// -1 (ENOENT) is returned and nothing changes.
func (s *Space) Munmap(addr uintptr, length int) error {
	i := s.Table.FindContaining(addr, length)
	if i < 0 {
		return kerrno.ENOENT
	}
	d := s.Table.descs[i]

	var ino *fsback.Inode
	writeback := d.Flags&Shared != 0 && d.Flags&Anonymous == 0
	if writeback {
		var ok bool
		ino, ok = s.Files.Get(d.FD)
		if !ok {
			panic("mmap: shared file mapping lost its inode")
		}
	}

	ps := uintptr(s.Cfg.PageSize)
	for va := addr; va < addr+uintptr(length); va += ps {
		pte := s.Dir.Lookup(va, s.Cfg.PageSize)
		if !pte.Present() {
			continue
		}
		if writeback {
			page := s.Pool.Bytes(pte.Frame)
			pageOff := int64(va - d.Addr)
			if _, err := ino.WriteInodeAtTxn(page[:], pageOff); err != nil {
				return kerrno.EFAULT
			}
		}
		s.Pool.Refdown(pte.Frame)
		s.Dir.Unmap(va, s.Cfg.PageSize)
	}

	s.Table.remove(i)
	return nil
}
