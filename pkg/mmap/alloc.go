package mmap

// findFree implements spec.md §4.2: first-fit, ascending from ARENA_LO,
// step = page size. Overlap uses the *rounded-up* end on the incumbent
// descriptor but the *raw* length on the candidate's end, mirroring
// find_available_address in xv6-public's sysproc.c exactly (existing_end
// is PGROUNDUP'd, new_end is not). Returns 0 if no slot fits.
func (s *Space) findFree(length int) uintptr {
	lo, hi := s.Cfg.ArenaLo, s.Cfg.ArenaHi
	ps := uintptr(s.Cfg.PageSize)

	for addr := lo; addr+uintptr(length) <= hi; addr += ps {
		newEnd := addr + uintptr(length)
		overlap := false
		for i := 0; i < s.Table.n; i++ {
			d := &s.Table.descs[i]
			existingStart := d.Addr
			existingEnd := d.Addr + uintptr(s.Cfg.RoundUpPage(d.Length))
			if existingStart < newEnd && existingEnd > addr {
				overlap = true
				break
			}
		}
		if !overlap {
			return addr
		}
	}
	return 0
}
