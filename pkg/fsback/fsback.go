// Package fsback is the file layer: spec.md §1 lists begin_op/end_op, the
// inode lock, read_inode_at/write_inode_at and the file-descriptor table
// (with dup) as external collaborators referenced only through their
// interfaces. Grounded on biscuit's src/fdops (Fdops_i.Mmapi/Pread/Pwrite/
// Reopen) and src/fs/log.go's Op_begin/Op_end transaction scoping, this
// package gives them a real, minimal implementation backed by an actual
// *os.File — the mmap round-trip laws in spec.md §8 only mean something
// if there is real durable storage underneath.
package fsback

import (
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/mit-pdos/vmkern/pkg/kerrno"
)

// txn is a filesystem transaction handle (biscuit's opid_t). There is no
// commit/apply pipeline to model here — one backing device, no crash
// recovery scope — but BeginOp/EndOp stay scoped operations so callers
// look exactly like a real logging filesystem's callers.
type txn struct{}

// BeginOp opens a filesystem transaction. The caller must call EndOp
// exactly once, on every exit path (spec.md §9's "guaranteed release on
// all exit paths").
func BeginOp() *txn { return &txn{} }

// EndOp closes a filesystem transaction.
func (*txn) EndOp() {}

// Inode is a single backing file, serialised the way biscuit's ilock/
// iunlock serialise access to an in-kernel inode.
type Inode struct {
	mu sync.Mutex
	f  *os.File
}

// OpenInode opens path for reading and writing as a backing file for
// file-backed mappings.
func OpenInode(path string) (*Inode, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return &Inode{f: f}, nil
}

func (ino *Inode) Lock()   { ino.mu.Lock() }
func (ino *Inode) Unlock() { ino.mu.Unlock() }

// ReadInodeAt reads len(buf) bytes starting at off. Short reads (past
// EOF) return the byte count actually read with a nil error, and the
// caller (spec.md §4.4's fill step, Open Question #4) is expected to
// zero-fill the remainder to keep page contents deterministic.
func (ino *Inode) ReadInodeAt(buf []byte, off int64) (int, error) {
	n, err := ino.f.ReadAt(buf, off)
	if err != nil && n == 0 {
		return 0, nil
	}
	return n, nil
}

// WriteInodeAt writes buf at off and forces it durable, so munmap's
// write-back (spec.md §4.5) and the round-trip law in §8 are observable
// across process boundaries, not just buffered in the Go runtime.
func (ino *Inode) WriteInodeAt(buf []byte, off int64) (int, error) {
	n, err := ino.f.WriteAt(buf, off)
	if err != nil {
		return n, err
	}
	if err := unix.Fdatasync(int(ino.f.Fd())); err != nil {
		return n, err
	}
	return n, nil
}

func (ino *Inode) Close() error {
	return ino.f.Close()
}

// ReadInodeAtTxn wraps ReadInodeAt in a filesystem transaction with the
// inode lock held, matching spec.md §4.4's "under file-system transaction
// + inode lock, read exactly one page" fill step.
func (ino *Inode) ReadInodeAtTxn(buf []byte, off int64) (int, error) {
	op := BeginOp()
	defer op.EndOp()
	ino.Lock()
	defer ino.Unlock()
	return ino.ReadInodeAt(buf, off)
}

// WriteInodeAtTxn wraps WriteInodeAt in a filesystem transaction with the
// inode lock held, matching spec.md §4.5's munmap write-back step.
func (ino *Inode) WriteInodeAtTxn(buf []byte, off int64) (int, error) {
	op := BeginOp()
	defer op.EndOp()
	ino.Lock()
	defer ino.Unlock()
	return ino.WriteInodeAt(buf, off)
}

// fdEntry is one open-file-description; refcount is shared across Dup'd
// descriptor indices the way biscuit's Fdops_i.Reopen/Close pins one
// mfile_t across every fd that points at it.
type fdEntry struct {
	inode *Inode
	refs  *int32
}

// Table is a per-process file-descriptor table (spec.md §1's fd table,
// with dup), grounded on biscuit's proc.Fd_t array plus Fdops_i.Reopen.
type Table struct {
	mu    sync.Mutex
	slots map[int]fdEntry
	next  int
}

func NewTable() *Table {
	return &Table{slots: make(map[int]fdEntry)}
}

// Open installs inode as a new descriptor and returns its index.
func (t *Table) Open(ino *Inode) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	fd := t.next
	t.next++
	one := int32(1)
	t.slots[fd] = fdEntry{inode: ino, refs: &one}
	return fd
}

// Get returns the inode behind fd, or false if fd is not open.
func (t *Table) Get(fd int) (*Inode, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.slots[fd]
	if !ok {
		return nil, false
	}
	return e.inode, true
}

// Valid reports whether fd is a currently open descriptor.
func (t *Table) Valid(fd int) bool {
	_, ok := t.Get(fd)
	return ok
}

// Dup duplicates fd, sharing the same underlying inode (Fdops_i.Reopen's
// role: bump a shared open-count rather than reopening the file).
func (t *Table) Dup(fd int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.slots[fd]
	if !ok {
		return -1, kerrno.EBADF
	}
	*e.refs++
	nfd := t.next
	t.next++
	t.slots[nfd] = e
	return nfd, nil
}

// Close drops fd; the backing inode is closed once its last descriptor
// is gone.
func (t *Table) Close(fd int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.slots[fd]
	if !ok {
		return kerrno.EBADF
	}
	delete(t.slots, fd)
	*e.refs--
	if *e.refs == 0 {
		return e.inode.Close()
	}
	return nil
}
