package buffer

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestAddRemoveRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		size int
	}{
		{"tiny", 16},
		{"one block", 4096},
		{"round up", 5000},
		{"above max alloc", 70 * 1024},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := New()
			payload := make([]byte, tt.size)
			for i := range payload {
				payload[i] = byte(i * 7)
			}
			require.True(t, buf.Add(payload))
			require.Equal(t, tt.size, buf.Len())

			out := make([]byte, tt.size)
			require.Equal(t, tt.size, buf.Remove(out))
			require.True(t, bytes.Equal(payload, out))
			require.Equal(t, 0, buf.Len())
			require.True(t, buf.Empty())
		})
	}
}

// Accounting invariant: Len always equals bytes added minus bytes drained,
// across a random mix of operations.
func TestAccountingInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	buf := New()
	expect := 0
	for i := 0; i < 2000; i++ {
		switch rng.Intn(3) {
		case 0, 1:
			n := rng.Intn(9000) + 1
			require.True(t, buf.Add(make([]byte, n)))
			expect += n
		case 2:
			n := rng.Intn(6000) + 1
			if n > expect {
				n = expect
			}
			buf.Drain(n)
			expect -= n
		}
		require.Equal(t, expect, buf.Len(), "iteration %d", i)
	}
}

func TestChainReuse(t *testing.T) {
	buf := New()
	payload := make([]byte, 5000)
	for i := 0; i < 2; i++ {
		require.True(t, buf.Add(payload))
		buf.Drain(5000)
	}
	require.Equal(t, 0, buf.Len())
	// 5000 rounds up to a single 8192-byte block that keeps being reused.
	require.LessOrEqual(t, buf.ChainSize(), 2)
}

func TestDrainPartial(t *testing.T) {
	buf := New()
	buf.Add([]byte("hello world"))
	buf.Drain(6)
	require.Equal(t, 5, buf.Len())
	out := make([]byte, 5)
	buf.Remove(out)
	require.Equal(t, "world", string(out))
}

func TestDrainClampsToLen(t *testing.T) {
	buf := New()
	buf.Add([]byte("abc"))
	buf.Drain(100)
	require.Equal(t, 0, buf.Len())
	require.True(t, buf.Empty())
}

func TestChainCleanupThreshold(t *testing.T) {
	buf := New()
	// Force many blocks: each maxToAlloc-sized add fills a fresh block.
	chunk := make([]byte, maxToAlloc)
	for i := 0; i < maxChainSize+8; i++ {
		require.True(t, buf.Add(chunk))
	}
	require.Greater(t, buf.ChainSize(), maxChainSize)
	total := buf.Len()
	buf.Drain(total)
	require.Equal(t, 0, buf.Len())
	// Once the ring exceeds the threshold, drained blocks are freed rather
	// than recycled.
	require.LessOrEqual(t, buf.ChainSize(), maxChainSize+1)
}

func TestAppendSplice(t *testing.T) {
	a := New()
	b := New()
	a.Add([]byte("front-"))
	b.Add([]byte("back"))

	a.Append(b)
	require.Equal(t, 0, b.Len())
	require.True(t, b.Empty())
	require.Equal(t, len("front-back"), a.Len())

	out := make([]byte, a.Len())
	a.Remove(out)
	require.Equal(t, "front-back", string(out))
}

func TestAppendIntoEmpty(t *testing.T) {
	a := New()
	b := New()
	b.Add([]byte("payload"))
	a.Append(b)
	require.Equal(t, 7, a.Len())
	require.True(t, b.Empty())

	// The donor must remain usable after losing its chain.
	b.Add([]byte("again"))
	require.Equal(t, 5, b.Len())

	out := make([]byte, 7)
	a.Remove(out)
	require.Equal(t, "payload", string(out))
}

func TestAppendMultiBlock(t *testing.T) {
	a := New()
	b := New()
	big := make([]byte, 3*minToAlloc)
	for i := range big {
		big[i] = byte(i)
	}
	b.Add(big[:minToAlloc])
	b.Add(big[minToAlloc : 2*minToAlloc])
	b.Add(big[2*minToAlloc:])
	a.Add([]byte{0xEE})

	a.Append(b)
	require.Equal(t, 1+len(big), a.Len())

	out := make([]byte, a.Len())
	a.Remove(out)
	require.Equal(t, byte(0xEE), out[0])
	require.True(t, bytes.Equal(big, out[1:]))
}

func TestRemoveShortDst(t *testing.T) {
	buf := New()
	buf.Add([]byte("abcdef"))
	out := make([]byte, 4)
	require.Equal(t, 4, buf.Remove(out))
	require.Equal(t, "abcd", string(out))
	require.Equal(t, 2, buf.Len())
}

func TestFind(t *testing.T) {
	tests := []struct {
		name    string
		content []string // one Add per element
		needle  string
		want    int
	}{
		{"simple", []string{"hello world"}, "world", 6},
		{"at start", []string{"needle in hay"}, "needle", 0},
		{"missing", []string{"haystack"}, "needle", -1},
		{"empty needle", []string{"abc"}, "", 0},
		{"exact", []string{"abc"}, "abc", 0},
		{"needle longer", []string{"ab"}, "abc", -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := New()
			for _, chunk := range tt.content {
				buf.Add([]byte(chunk))
			}
			require.Equal(t, tt.want, buf.Find([]byte(tt.needle)))
		})
	}
}

func TestFindAcrossBlocks(t *testing.T) {
	buf := New()
	left := make([]byte, minToAlloc)
	for i := range left {
		left[i] = 'a'
	}
	left[minToAlloc-2] = 'x'
	left[minToAlloc-1] = 'y'
	buf.Add(left)
	// Force the continuation into a fresh block.
	buf.Add(bytes.Repeat([]byte{'b'}, minToAlloc))
	buf.Add([]byte("z"))

	// "xyb" spans the first block boundary.
	require.Equal(t, minToAlloc-2, buf.Find([]byte("xyb")))
	require.Equal(t, 2*minToAlloc, buf.Find([]byte("z")))
}

func TestByteAt(t *testing.T) {
	buf := New()
	buf.Add([]byte("0123456789"))
	buf.Drain(3)
	require.Equal(t, byte('3'), buf.ByteAt(0))
	require.Equal(t, byte('9'), buf.ByteAt(6))
	require.Panics(t, func() { buf.ByteAt(7) })
	require.Panics(t, func() { buf.ByteAt(-1) })
}

func TestSkip(t *testing.T) {
	buf := New()
	buf.Add([]byte("skipme-rest"))
	buf.Skip(7)
	out := make([]byte, 4)
	buf.Remove(out)
	require.Equal(t, "rest", string(out))
}

func TestReset(t *testing.T) {
	buf := New()
	buf.Add(make([]byte, 50*1024))
	buf.Reset()
	require.Equal(t, 0, buf.Len())
	require.Equal(t, 1, buf.ChainSize())
	require.True(t, buf.Empty())

	buf.Add([]byte("fresh"))
	require.Equal(t, 5, buf.Len())
}

func TestRealignSmallContent(t *testing.T) {
	buf := New()
	buf.Add(make([]byte, minToAlloc-100)) // nearly fill the first block
	buf.Drain(minToAlloc - 200)           // leave 100 bytes, misaligned deep
	require.Equal(t, 100, buf.Len())

	// 150 bytes do not fit the tail but fit after realign; the chain must
	// not grow.
	chains := buf.ChainSize()
	require.True(t, buf.Add(make([]byte, 150)))
	require.Equal(t, chains, buf.ChainSize())
	require.Equal(t, 250, buf.Len())
}

func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestReadFromSocket(t *testing.T) {
	local, remote := socketPair(t)

	payload := []byte("scatter me please")
	_, err := unix.Write(remote, payload)
	require.NoError(t, err)

	buf := New()
	n, err := buf.Read(local, -1)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, len(payload), buf.Len())

	out := make([]byte, len(payload))
	buf.Remove(out)
	require.Equal(t, payload, out)
}

func TestReadHonorsMaxRead(t *testing.T) {
	local, remote := socketPair(t)

	payload := make([]byte, 10*1024)
	_, err := unix.Write(remote, payload)
	require.NoError(t, err)

	buf := New()
	buf.SetMaxRead(1024)
	n, err := buf.Read(local, -1)
	require.NoError(t, err)
	require.Equal(t, 1024, n)
}

func TestWriteToSocket(t *testing.T) {
	local, remote := socketPair(t)

	buf := New()
	payload := make([]byte, 12*1024)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	// Spread across several blocks.
	buf.Add(payload[:5000])
	buf.Add(payload[5000:9000])
	buf.Add(payload[9000:])

	n, err := buf.Write(local, -1)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, 0, buf.Len())

	got := make([]byte, len(payload))
	read := 0
	for read < len(got) {
		rn, err := unix.Read(remote, got[read:])
		require.NoError(t, err)
		read += rn
	}
	require.True(t, bytes.Equal(payload, got))
}

func TestWriteNothingReadable(t *testing.T) {
	local, _ := socketPair(t)
	buf := New()
	n, err := buf.Write(local, -1)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestWritePartialCap(t *testing.T) {
	local, remote := socketPair(t)
	buf := New()
	buf.Add([]byte("0123456789"))

	n, err := buf.Write(local, 4)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, 6, buf.Len())

	got := make([]byte, 4)
	_, err = unix.Read(remote, got)
	require.NoError(t, err)
	require.Equal(t, "0123", string(got))
}

func BenchmarkAddDrain4K(b *testing.B) {
	buf := New()
	payload := make([]byte, 4096)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf.Add(payload)
		buf.Drain(4096)
	}
}

func BenchmarkAddRemove64K(b *testing.B) {
	buf := New()
	payload := make([]byte, 64*1024)
	out := make([]byte, 64*1024)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf.Add(payload)
		buf.Remove(out)
	}
}
