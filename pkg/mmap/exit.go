package mmap

// ExitHook implements spec.md §4.7: at process exit, the mapping array is
// zeroed and num_mappings reset. Frame ownership for the address space's
// pages is not this component's job — spec.md says it "follows the
// general address-space teardown owned by the page-directory free
// routine" — so callers that want to reclaim frames (pkg/proc.Process.Exit
// does) must walk the page table themselves before or after calling this.
// No extra write-back to files happens here, mirroring the reference.
func (s *Space) ExitHook() {
	s.Table.Clear()
}
