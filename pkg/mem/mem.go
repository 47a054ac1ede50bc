// Package mem is the frame allocator: spec.md §1 lists alloc_frame/
// free_frame as an external collaborator referenced only through its
// interface. This is a from-scratch simulation of one, grounded on
// biscuit's src/mem/mem.go Physmem_t — a refcounted pool of pages with a
// free list threaded through the page array itself — scaled down to a
// single process-wide pool (no per-CPU free lists; spec.md §5 says the
// kernel here is single-threaded per address space, so the contention
// biscuit's percpu split exists for doesn't apply).
package mem

import (
	"sync"

	"github.com/mit-pdos/vmkern/pkg/kerrno"
)

// PageSize matches vmconfig.PageSize; duplicated as a plain constant here
// so this package has no import cycle back to vmconfig.
const PageSize = 4096

// Page is one physical frame's contents.
type Page [PageSize]byte

// Frame identifies a physical frame the way biscuit's Pa_t does: an
// opaque handle, not a pointer, so callers cannot alias frames without
// going through Refup/Refdown accounting.
type Frame uint32

const NoFrame Frame = 0

type frameSlot struct {
	page   Page
	refcnt int32
	// nexti chains this slot onto the free list; index into frames,
	// or noNext if this slot is the tail.
	nexti uint32
}

const noNext = ^uint32(0)

// Pool is a fixed-capacity refcounted physical frame allocator.
type Pool struct {
	mu     sync.Mutex
	frames []frameSlot
	freei  uint32
	nfree  int
	zero   Page
}

// NewPool allocates a pool of n frames, all initially free.
func NewPool(n int) *Pool {
	p := &Pool{frames: make([]frameSlot, n)}
	for i := range p.frames {
		if i == n-1 {
			p.frames[i].nexti = noNext
		} else {
			p.frames[i].nexti = uint32(i + 1)
		}
	}
	p.freei = 0
	p.nfree = n
	return p
}

// Alloc returns a fresh, zeroed frame with refcount 1.
func (p *Pool) Alloc() (Frame, error) {
	f, ok := p.allocRaw()
	if !ok {
		return NoFrame, kerrno.ENOMEM
	}
	p.frames[f-1].page = p.zero
	return f, nil
}

// AllocNoZero returns a fresh frame with refcount 1 and unspecified
// contents, for callers that immediately overwrite it (the COW copy
// path, mirroring biscuit's Refpg_new_nozero).
func (p *Pool) AllocNoZero() (Frame, error) {
	f, ok := p.allocRaw()
	if !ok {
		return NoFrame, kerrno.ENOMEM
	}
	return f, nil
}

func (p *Pool) allocRaw() (Frame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.freei == noNext {
		return NoFrame, false
	}
	idx := p.freei
	p.freei = p.frames[idx].nexti
	p.nfree--
	p.frames[idx].refcnt = 1
	return Frame(idx + 1), true
}

// Refup increments a frame's refcount, e.g. when a fork shares it.
func (p *Pool) Refup(f Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames[f-1].refcnt++
}

// Refdown decrements a frame's refcount, freeing it when it reaches zero.
// Returns true if the frame was freed.
func (p *Pool) Refdown(f Frame) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := &p.frames[f-1]
	s.refcnt--
	if s.refcnt < 0 {
		panic("mem: refcount went negative")
	}
	if s.refcnt == 0 {
		s.nexti = p.freei
		p.freei = uint32(f - 1)
		p.nfree++
		return true
	}
	return false
}

// Refcnt returns a frame's current reference count.
func (p *Pool) Refcnt(f Frame) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int(p.frames[f-1].refcnt)
}

// Bytes returns the frame's backing storage for direct read/write, the
// software analogue of biscuit's Dmap (a direct-mapped VA for a
// physical page).
func (p *Pool) Bytes(f Frame) *Page {
	return &p.frames[f-1].page
}

// Free reports how many frames remain unallocated, used by tests to
// assert no-leak properties (spec.md §8 round-trip law).
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nfree
}
