package mmap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/mit-pdos/vmkern/pkg/fsback"
	"github.com/mit-pdos/vmkern/pkg/kerrno"
	"github.com/mit-pdos/vmkern/pkg/mem"
	"github.com/mit-pdos/vmkern/pkg/pagetable"
	"github.com/mit-pdos/vmkern/pkg/vmconfig"
)

func newSpace(t *testing.T, nframes int) *Space {
	t.Helper()
	cfg := vmconfig.Default()
	pool := mem.NewPool(nframes)
	return newSpaceWithPool(t, pool, cfg)
}

// newChildSpace builds a Space sharing parent's frame pool, the way
// pkg/proc.Process.Fork constructs a child's address space: the child's
// own page table must be charged against the same pool the parent's
// frames (and the fork's Refup calls) live in.
func newChildSpace(t *testing.T, parent *Space) *Space {
	t.Helper()
	return newSpaceWithPool(t, parent.Pool, parent.Cfg)
}

func newSpaceWithPool(t *testing.T, pool *mem.Pool, cfg vmconfig.Config) *Space {
	t.Helper()
	dir := pagetable.NewDirectory(pool)
	files := fsback.NewTable()
	return NewSpace(cfg, dir, pool, files)
}

// openFDAtLeastOne opens path and, if the resulting descriptor is fd 0,
// opens a throwaway second file to get a descriptor > 0, matching the
// reference's fd > 0 requirement (spec.md §9 Open Question #5).
func openFDAtLeastOne(t *testing.T, s *Space, path string) int {
	t.Helper()
	ino, err := fsback.OpenInode(path)
	if err != nil {
		t.Fatal(err)
	}
	fd := s.Files.Open(ino)
	if fd == 0 {
		dummy := filepath.Join(t.TempDir(), "dummy")
		if err := os.WriteFile(dummy, []byte{}, 0644); err != nil {
			t.Fatal(err)
		}
		dino, err := fsback.OpenInode(dummy)
		if err != nil {
			t.Fatal(err)
		}
		s.Files.Open(dino)
		ino2, err := fsback.OpenInode(path)
		if err != nil {
			t.Fatal(err)
		}
		fd = s.Files.Open(ino2)
	}
	return fd
}

func TestMMapRejectsZeroLength(t *testing.T) {
	s := newSpace(t, 8)
	if _, err := s.MMap(0, 0, ProtRead, Private|Anonymous, NoFD, 0); err != kerrno.EINVAL {
		t.Fatalf("want EINVAL, got %v", err)
	}
}

func TestMMapRejectsNeitherSharedNorPrivate(t *testing.T) {
	s := newSpace(t, 8)
	if _, err := s.MMap(0, 4096, ProtRead, Anonymous, NoFD, 0); err != kerrno.EINVAL {
		t.Fatalf("want EINVAL, got %v", err)
	}
}

func TestMMapAnonymousRequiresNoFDAndZeroOffset(t *testing.T) {
	s := newSpace(t, 8)
	if _, err := s.MMap(0, 4096, ProtRead, Private|Anonymous, 3, 0); err != kerrno.EINVAL {
		t.Fatalf("want EINVAL for fd set on anon mapping, got %v", err)
	}
	if _, err := s.MMap(0, 4096, ProtRead, Private|Anonymous, NoFD, 4096); err != kerrno.EINVAL {
		t.Fatalf("want EINVAL for nonzero offset on anon mapping, got %v", err)
	}
}

func TestMMapFixedRequiresHint(t *testing.T) {
	s := newSpace(t, 8)
	if _, err := s.MMap(0, 4096, ProtRead, Private|Anonymous|Fixed, NoFD, 0); err != kerrno.EINVAL {
		t.Fatalf("want EINVAL for FIXED without hint, got %v", err)
	}
}

func TestMMapNonAnonymousRequiresOpenFD(t *testing.T) {
	s := newSpace(t, 8)
	if _, err := s.MMap(0, 4096, ProtRead, Private, 1, 0); err != kerrno.EBADF {
		t.Fatalf("want EBADF, got %v", err)
	}
}

func TestMMapTableFull(t *testing.T) {
	s := newSpace(t, 8)
	for i := 0; i < vmconfig.MaxMappings; i++ {
		if _, err := s.MMap(0, 4096, ProtRead, Private|Anonymous, NoFD, 0); err != nil {
			t.Fatalf("mapping %d: %v", i, err)
		}
	}
	if _, err := s.MMap(0, 4096, ProtRead, Private|Anonymous, NoFD, 0); err != kerrno.ENOSPC {
		t.Fatalf("want ENOSPC once table is full, got %v", err)
	}
}

// P1: a later FIXED mapping at the same address as an earlier one is not
// rejected for overlap (spec.md §9 Open Question #1).
func TestFixedOverlapLastWins(t *testing.T) {
	s := newSpace(t, 8)
	addr := vmconfig.ArenaLo
	a1, err := s.MMap(addr, 4096, ProtRead, Private|Anonymous|Fixed, NoFD, 0)
	if err != nil {
		t.Fatal(err)
	}
	a2, err := s.MMap(addr, 4096, ProtRead, Private|Anonymous|Fixed, NoFD, 0)
	if err != nil {
		t.Fatalf("second FIXED mapping at same address should be accepted: %v", err)
	}
	if a1 != a2 {
		t.Fatalf("both FIXED placements should land at the requested hint")
	}
	if s.Table.Len() != 2 {
		t.Fatalf("both descriptors should coexist in the table")
	}
}

// P2: first-fit placement skips over an existing mapping.
func TestFindFreeSkipsExisting(t *testing.T) {
	s := newSpace(t, 8)
	first, err := s.MMap(0, 8192, ProtRead, Private|Anonymous, NoFD, 0)
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.MMap(0, 4096, ProtRead, Private|Anonymous, NoFD, 0)
	if err != nil {
		t.Fatal(err)
	}
	if second < first+8192 {
		t.Fatalf("second mapping at %#x should start at or after %#x", second, first+8192)
	}
}

// Lazy anonymous mapping: no frame is consumed until the first fault.
func TestLazyAnonymousFault(t *testing.T) {
	s := newSpace(t, 8)
	addr, err := s.MMap(0, 4096, ProtRead|ProtWrite, Private|Anonymous, NoFD, 0)
	if err != nil {
		t.Fatal(err)
	}
	before := s.Pool.Free()
	if before != 8 {
		t.Fatalf("mmap must not eagerly allocate frames, free=%d", before)
	}
	resolved, err := s.HandlePageFault(addr)
	if err != nil || !resolved {
		t.Fatalf("fault should resolve: resolved=%v err=%v", resolved, err)
	}
	// One data frame, plus the frame the page table charges for the
	// intermediate table page covering addr on its first touch.
	if s.Pool.Free() != before-2 {
		t.Fatalf("fault should consume exactly one data frame and one table-page frame, free=%d", s.Pool.Free())
	}
	pte := s.Dir.Lookup(addr, s.Cfg.PageSize)
	if !pte.Present() || pte.Flags&pagetable.W == 0 {
		t.Fatalf("installed PTE should be present and writable")
	}
}

// Faulting on an address with no covering mapping is unhandled.
func TestFaultOutsideAnyMappingIsUnhandled(t *testing.T) {
	s := newSpace(t, 8)
	resolved, err := s.HandlePageFault(vmconfig.ArenaLo + 0x100000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved {
		t.Fatalf("fault with no covering mapping must be unhandled")
	}
}

func TestFileBackedPrivateFault(t *testing.T) {
	s := newSpace(t, 8)
	path := filepath.Join(t.TempDir(), "backing")
	content := make([]byte, 4096)
	copy(content, []byte("private data"))
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatal(err)
	}
	fd := openFDAtLeastOne(t, s, path)

	addr, err := s.MMap(0, 4096, ProtRead, Private, fd, 0)
	if err != nil {
		t.Fatal(err)
	}
	resolved, err := s.HandlePageFault(addr)
	if err != nil || !resolved {
		t.Fatalf("fault should resolve: resolved=%v err=%v", resolved, err)
	}
	frame := s.Dir.Lookup(addr, s.Cfg.PageSize).Frame
	got := s.Pool.Bytes(frame)[:len("private data")]
	if string(got) != "private data" {
		t.Fatalf("page contents mismatch: %q", got)
	}
}

func TestFileBackedSharedWriteBackOnMunmap(t *testing.T) {
	s := newSpace(t, 8)
	path := filepath.Join(t.TempDir(), "backing")
	if err := os.WriteFile(path, make([]byte, 4096), 0644); err != nil {
		t.Fatal(err)
	}
	fd := openFDAtLeastOne(t, s, path)

	addr, err := s.MMap(0, 4096, ProtRead|ProtWrite, Shared, fd, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.HandlePageFault(addr); err != nil {
		t.Fatal(err)
	}
	frame := s.Dir.Lookup(addr, s.Cfg.PageSize).Frame
	copy(s.Pool.Bytes(frame)[:], []byte("written through shared mapping"))

	if err := s.Munmap(addr, 4096); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := "written through shared mapping"
	if string(got[:len(want)]) != want {
		t.Fatalf("write-back mismatch: got %q", got[:len(want)])
	}
	if s.Table.Len() != 0 {
		t.Fatalf("munmap should remove the descriptor")
	}
}

func TestMunmapUnknownRangeIsENOENT(t *testing.T) {
	s := newSpace(t, 8)
	if err := s.Munmap(vmconfig.ArenaLo, 4096); err != kerrno.ENOENT {
		t.Fatalf("want ENOENT, got %v", err)
	}
}

// GROWSUP: a fault just past the end of a growable mapping extends it by
// exactly one page, per xv6-public's page_fault_handler formula.
func TestGrowsUpExtendsByOnePage(t *testing.T) {
	s := newSpace(t, 8)
	addr, err := s.MMap(0, 4096, ProtRead|ProtWrite, Private|Anonymous|GrowsUp, NoFD, 0)
	if err != nil {
		t.Fatal(err)
	}
	nextPage := addr + 4096
	resolved, err := s.HandlePageFault(nextPage)
	if err != nil || !resolved {
		t.Fatalf("growable fault should resolve: resolved=%v err=%v", resolved, err)
	}
	d := s.Table.At(0)
	if d.Length != 8192 {
		t.Fatalf("want length grown to 8192, got %d", d.Length)
	}
}

func TestGrowsUpDeniedWithoutRoom(t *testing.T) {
	s := newSpace(t, 8)
	addr, err := s.MMap(0, 4096, ProtRead|ProtWrite, Private|Anonymous|GrowsUp, NoFD, 0)
	if err != nil {
		t.Fatal(err)
	}
	// Place a fixed mapping right after the page a grow would add, leaving
	// no spare page beyond it.
	if _, err := s.MMap(addr+8192, 4096, ProtRead, Private|Anonymous|Fixed, NoFD, 0); err != nil {
		t.Fatal(err)
	}
	resolved, err := s.HandlePageFault(addr + 4096)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved {
		t.Fatalf("growth should be denied when there's no spare page before the next mapping")
	}
}

// Fork of a PRIVATE mapping marks both parent and child COW and shares
// the frame; a subsequent write fault in the child copies it out.
func TestForkPrivateCOWThenWriteFaultCopies(t *testing.T) {
	parent := newSpace(t, 8)
	addr, err := parent.MMap(0, 4096, ProtRead|ProtWrite, Private|Anonymous, NoFD, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := parent.HandlePageFault(addr); err != nil {
		t.Fatal(err)
	}
	parentPTE := parent.Dir.Lookup(addr, parent.Cfg.PageSize)
	sharedFrame := parentPTE.Frame

	child := newChildSpace(t, parent)
	if err := parent.Fork(child); err != nil {
		t.Fatal(err)
	}

	if parentPTE.Flags&pagetable.COW == 0 || parentPTE.Flags&pagetable.W != 0 {
		t.Fatalf("parent PTE should be COW and read-only after fork")
	}
	childPTE := child.Dir.Lookup(addr, child.Cfg.PageSize)
	if childPTE.Frame != sharedFrame {
		t.Fatalf("child should share the parent's frame right after fork")
	}
	if parent.Pool.Refcnt(sharedFrame) != 2 {
		t.Fatalf("want refcnt 2 after fork, got %d", parent.Pool.Refcnt(sharedFrame))
	}

	resolved, err := child.HandlePageFault(addr)
	if err != nil || !resolved {
		t.Fatalf("child's write fault should resolve: resolved=%v err=%v", resolved, err)
	}
	childPTE = child.Dir.Lookup(addr, child.Cfg.PageSize)
	if childPTE.Frame == sharedFrame {
		t.Fatalf("child's COW fault should have copied to a new frame")
	}
	if parent.Pool.Refcnt(sharedFrame) != 1 {
		t.Fatalf("parent should be sole owner of the original frame again")
	}
}

// Fork of a SHARED mapping re-maps the same frame into the child so
// writes through either address space are visible to both (spec.md §9
// Open Question #2).
func TestForkSharedMappingStaysShared(t *testing.T) {
	parent := newSpace(t, 8)
	addr, err := parent.MMap(0, 4096, ProtRead|ProtWrite, Shared|Anonymous, NoFD, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := parent.HandlePageFault(addr); err != nil {
		t.Fatal(err)
	}
	parentPTE := parent.Dir.Lookup(addr, parent.Cfg.PageSize)

	child := newChildSpace(t, parent)
	if err := parent.Fork(child); err != nil {
		t.Fatal(err)
	}
	childPTE := child.Dir.Lookup(addr, child.Cfg.PageSize)
	if childPTE.Frame != parentPTE.Frame {
		t.Fatalf("shared mapping should point at the same frame in both spaces")
	}
	if childPTE.Flags&pagetable.COW != 0 {
		t.Fatalf("shared mapping must not be marked COW")
	}
}

// descriptors returns the live descriptors of a table as a plain slice,
// for structural comparison with cmp.Diff.
func descriptors(tb *Table) []Descriptor {
	out := make([]Descriptor, tb.Len())
	for i := range out {
		out[i] = *tb.At(i)
	}
	return out
}

// Fork replicates the mapping table into the child by value: mutating
// the child's copy of a descriptor (e.g. via a later GROWSUP fault) must
// not retroactively change the parent's.
func TestForkCopiesTableByValueNotReference(t *testing.T) {
	parent := newSpace(t, 8)
	if _, err := parent.MMap(0, 4096, ProtRead|ProtWrite, Private|Anonymous|GrowsUp, NoFD, 0); err != nil {
		t.Fatal(err)
	}

	child := newChildSpace(t, parent)
	if err := parent.Fork(child); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(descriptors(&parent.Table), descriptors(&child.Table)); diff != "" {
		t.Fatalf("child's table should start identical to the parent's (-parent +child):\n%s", diff)
	}

	child.Table.At(0).Length += vmconfig.PageSize
	if diff := cmp.Diff(descriptors(&parent.Table), descriptors(&child.Table)); diff == "" {
		t.Fatalf("mutating the child's descriptor should not affect the parent's copy")
	}
}

func TestExitHookClearsTable(t *testing.T) {
	s := newSpace(t, 8)
	if _, err := s.MMap(0, 4096, ProtRead, Private|Anonymous, NoFD, 0); err != nil {
		t.Fatal(err)
	}
	s.ExitHook()
	if s.Table.Len() != 0 {
		t.Fatalf("ExitHook should clear the mapping table")
	}
}
