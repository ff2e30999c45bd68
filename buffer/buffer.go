// Package buffer implements the segmented byte buffer used on both sides of
// a session: a doubly linked ring of fixed-capacity blocks supporting
// scatter/gather socket I/O, insertion-point writes and drain-side
// reclamation.
//
// Ring layout:
//
//	+-------++-------++-------++-------++-------++-------+
//	| empty || full  || full  || write || empty || empty |
//	+-------++-------++-------++-------++-------++-------+
//	            |                 |
//	          read              write
//
// Blocks between read and write hold content; blocks beyond write are empty
// reserve. A Buffer is affined to one cycle thread and takes no locks.
package buffer

import (
	"math"

	"golang.org/x/sys/unix"

	"github.com/behrlich/go-reactor/internal/sockop"
)

const (
	// DefaultMaxRead bounds how many bytes a single Read pulls off a socket.
	DefaultMaxRead = 4096

	minToAlloc   = 4096
	maxToAlloc   = 4096 * 16
	maxToRealign = 2048
	maxChainSize = 16
	maxTotal     = math.MaxInt

	numWriteIovec = 128
)

type node struct {
	b    *block
	next *node
	prev *node
}

// Buffer is a linked ring of blocks threaded by a read and a write cursor.
type Buffer struct {
	head    *node
	read    *node
	write   *node
	nodeSize int
	totalLen int
	maxRead  int
}

// New creates an empty buffer with the default read cap.
func New() *Buffer {
	n := &node{}
	n.next, n.prev = n, n
	return &Buffer{head: n, read: n, write: n, nodeSize: 1, maxRead: DefaultMaxRead}
}

// Len returns the number of readable bytes.
func (buf *Buffer) Len() int { return buf.totalLen }

// ChainSize returns the number of blocks in the ring, reserve included.
func (buf *Buffer) ChainSize() int { return buf.nodeSize }

// Empty reports whether no readable bytes remain.
func (buf *Buffer) Empty() bool {
	return buf.read == buf.write && (buf.write.b == nil || buf.write.b.empty())
}

// SetMaxRead adjusts the per-call read cap.
func (buf *Buffer) SetMaxRead(n int) {
	if n > 0 {
		buf.maxRead = n
	}
}

func roundUp(size int) int {
	alloc := minToAlloc
	if size < maxTotal/2 {
		for alloc < size {
			alloc <<= 1
		}
	} else {
		alloc = size
	}
	return alloc
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// getNextWrite positions the write cursor on an empty block, inserting a
// fresh node when the ring is saturated.
func (buf *Buffer) getNextWrite() *node {
	if buf.write.b == nil || buf.write.b.empty() {
		if buf.write.b != nil {
			buf.write.b.clear()
		}
		return buf.write
	}
	if buf.write.next == buf.read {
		tmp := &node{prev: buf.write, next: buf.write.next}
		buf.write.next.prev = tmp
		buf.write.next = tmp
		buf.nodeSize++
	}
	buf.write = buf.write.next
	return buf.write
}

// checkSize guarantees the write block can take n more bytes, realigning in
// place when the content is small enough, else moving the cursor forward to a
// reusable or fresh block.
func (buf *Buffer) checkSize(n int) {
	if buf.write.b == nil {
		buf.write.b = newBlock(roundUp(n))
		return
	}
	if buf.write.b.realign(n) {
		return
	}
	buf.getNextWrite()
	if buf.write.b == nil || buf.write.b.capacity() < n {
		buf.write.b = newBlock(roundUp(n))
	}
}

// Add copies p at the write cursor. It fails only when the buffer would
// exceed the platform maximum.
func (buf *Buffer) Add(p []byte) bool {
	if len(p) == 0 {
		return true
	}
	if buf.totalLen > maxTotal-len(p) {
		return false
	}
	buf.checkSize(len(p))
	buf.write.b.append(p)
	buf.totalLen += len(p)
	return true
}

// fastExpand guarantees at least n writable bytes starting at the write
// cursor, reusing reserve blocks and allocating capped-size blocks for the
// remainder. Returns the number of blocks prepared.
func (buf *Buffer) fastExpand(n int) int {
	cnt := 0
	buf.getNextWrite()
	index := buf.write
	if index.b == nil {
		index.b = newBlock(minInt(roundUp(n), maxToAlloc))
	}
	for {
		n -= minInt(index.b.writableSize(), n)
		cnt++
		if n == 0 || index.next == buf.read {
			break
		}
		index = index.next
		if index.b == nil {
			index.b = newBlock(minInt(roundUp(n), maxToAlloc))
		}
	}
	for n > 0 {
		allocSize := minInt(roundUp(n), maxToAlloc)
		tmp := &node{b: newBlock(allocSize), prev: index, next: index.next}
		index.next.prev = tmp
		index.next = tmp
		index = tmp
		buf.nodeSize++
		cnt++
		n -= minInt(allocSize, n)
	}
	return cnt
}

// addAlong advances block sizes by n bytes just written into the chain,
// starting at the write cursor.
func (buf *Buffer) addAlong(n int) {
	index := buf.write
	for n > 0 {
		w := minInt(n, index.b.writableSize())
		index.b.add(w)
		n -= w
		if index.b.full() && index.next != buf.read {
			index = index.next
		}
	}
	buf.write = index
}

// Read scatter-reads from fd into the chain. howmuch <= 0 reads as much as
// the socket holds, capped by the configured max; the return mirrors readv.
func (buf *Buffer) Read(fd int, howmuch int) (int, error) {
	readable := sockop.BytesReadable(fd)
	if readable <= 0 || readable > buf.maxRead {
		readable = buf.maxRead
	}
	if howmuch <= 0 || howmuch > readable {
		howmuch = readable
	}

	buf.fastExpand(howmuch)

	iovs := make([][]byte, 0, 2)
	index := buf.write
	remain := howmuch
	for remain > 0 {
		w := index.b.writable()
		if len(w) > remain {
			w = w[:remain]
		}
		iovs = append(iovs, w)
		remain -= len(w)
		if index.next == buf.read {
			break
		}
		index = index.next
	}

	n, err := unix.Readv(fd, iovs)
	if n > 0 {
		buf.addAlong(n)
		buf.totalLen += n
	}
	return n, err
}

// Write gather-writes up to howmuch readable bytes to fd (all of them when
// howmuch is negative or oversized) and drains what the kernel accepted.
func (buf *Buffer) Write(fd int, howmuch int) (int, error) {
	if howmuch < 0 || howmuch > buf.totalLen {
		howmuch = buf.totalLen
	}
	if howmuch == 0 {
		return 0, nil
	}

	iovs := make([][]byte, 0, minInt(buf.nodeSize, numWriteIovec))
	index := buf.read
	remain := howmuch
	for len(iovs) < numWriteIovec && remain > 0 {
		span := index.b.readable()
		if len(span) > remain {
			span = span[:remain]
		}
		if len(span) > 0 {
			iovs = append(iovs, span)
		}
		remain -= len(span)
		if index == buf.write {
			break
		}
		index = index.next
	}

	n, err := unix.Writev(fd, iovs)
	if n > 0 {
		buf.Drain(n)
	}
	return n, err
}

// Append splices other's readable chain onto this buffer's write side in
// O(number of blocks), taking ownership of the blocks and leaving other
// empty.
func (buf *Buffer) Append(other *Buffer) {
	if other.totalLen == 0 {
		return
	}

	first, last := other.read, other.write
	chain := 1
	for n := first; n != last; n = n.next {
		chain++
	}

	// Detach [first..last] from other's ring, leaving other a valid ring.
	if first.prev == last {
		fresh := &node{}
		fresh.next, fresh.prev = fresh, fresh
		other.head = fresh
		other.read, other.write = fresh, fresh
		other.nodeSize = 1
	} else {
		before, after := first.prev, last.next
		before.next = after
		after.prev = before
		other.head = after
		other.read, other.write = after, after
		other.nodeSize -= chain
	}

	// Splice after our write cursor, keeping any reserve blocks behind it.
	wasEmpty := buf.totalLen == 0
	oldNext := buf.write.next
	buf.write.next = first
	first.prev = buf.write
	last.next = oldNext
	oldNext.prev = last
	buf.write = last
	buf.nodeSize += chain
	buf.totalLen += other.totalLen
	other.totalLen = 0

	if wasEmpty {
		buf.read = first
	}
}

// Remove copies up to len(dst) bytes out of the buffer and drains them,
// returning the number copied.
func (buf *Buffer) Remove(dst []byte) int {
	n := minInt(len(dst), buf.totalLen)
	if n == 0 {
		return 0
	}
	copied := 0
	index := buf.read
	for copied < n {
		copied += copy(dst[copied:n], index.b.readable())
		if index == buf.write {
			break
		}
		index = index.next
	}
	buf.Drain(n)
	return n
}

// Drain advances the read cursor by n bytes, clamped to the readable length.
// Blocks that empty are recycled as reserve, or freed once the ring exceeds
// the chain threshold.
func (buf *Buffer) Drain(n int) {
	if n > buf.totalLen {
		n = buf.totalLen
	}
	if n <= 0 {
		return
	}
	buf.totalLen -= n
	buf.drainChain(n)
}

// Skip is Drain under the cursor-advance name used by protocol parsers.
func (buf *Buffer) Skip(n int) { buf.Drain(n) }

func (buf *Buffer) drainChain(n int) {
	index := buf.read
	needClean := false
	for n > 0 && index != buf.write {
		d := minInt(n, index.b.readableSize())
		n -= d
		index.b.drain(d)
		if index.b.empty() {
			index.b.clear()
			needClean = true
			index = index.next
		}
	}
	if n > 0 {
		index.b.drain(n)
		if index.b.empty() {
			index.b.clear()
		}
	}
	if needClean && buf.nodeSize > maxChainSize {
		for buf.read.next != index {
			tmp := buf.read.next
			tmp.next.prev = buf.read
			buf.read.next = tmp.next
			buf.nodeSize--
		}
	}
	buf.read = index
}

// ByteAt returns the i-th readable byte. It panics when i is out of range,
// like slice indexing.
func (buf *Buffer) ByteAt(i int) byte {
	if i < 0 || i >= buf.totalLen {
		panic("buffer: index out of range")
	}
	index := buf.read
	for {
		r := index.b.readableSize()
		if i < r {
			return index.b.readable()[i]
		}
		i -= r
		index = index.next
	}
}

type cursor struct {
	n   *node
	off int
}

// norm advances a cursor past exhausted blocks.
func (buf *Buffer) norm(c cursor) cursor {
	for c.n != buf.write && c.off >= c.n.b.readableSize() {
		c.n = c.n.next
		c.off = 0
	}
	return c
}

// Find locates needle in the readable span with a linear scan, returning its
// offset from the read cursor or -1.
func (buf *Buffer) Find(needle []byte) int {
	if len(needle) == 0 {
		return 0
	}
	if buf.totalLen < len(needle) {
		return -1
	}
	pos := 0
	c := buf.norm(cursor{n: buf.read})
	for pos+len(needle) <= buf.totalLen {
		probe := c
		matched := true
		for k := 0; k < len(needle); k++ {
			probe = buf.norm(probe)
			if probe.n.b.readable()[probe.off] != needle[k] {
				matched = false
				break
			}
			probe.off++
		}
		if matched {
			return pos
		}
		pos++
		c.off++
		c = buf.norm(c)
	}
	return -1
}

// Reset drops all content and every block beyond the head node.
func (buf *Buffer) Reset() {
	for buf.head.next != buf.head {
		tmp := buf.head.next
		tmp.next.prev = buf.head
		buf.head.next = tmp.next
	}
	if buf.head.b != nil {
		buf.head.b.clear()
	}
	buf.nodeSize = 1
	buf.read, buf.write = buf.head, buf.head
	buf.totalLen = 0
}
