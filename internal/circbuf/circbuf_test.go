package circbuf

import (
	"bytes"
	"testing"
)

func TestCopyInCopyOutRoundTrip(t *testing.T) {
	var cb Circbuf_t
	cb.Init(8)

	if n := cb.CopyIn([]byte("hello")); n != 5 {
		t.Fatalf("CopyIn = %d, want 5", n)
	}
	out := make([]byte, 5)
	if n := cb.CopyOut(out); n != 5 {
		t.Fatalf("CopyOut = %d, want 5", n)
	}
	if !bytes.Equal(out, []byte("hello")) {
		t.Fatalf("CopyOut = %q, want %q", out, "hello")
	}
}

func TestCopyInStopsAtCapacity(t *testing.T) {
	var cb Circbuf_t
	cb.Init(4)
	if n := cb.CopyIn([]byte("abcdef")); n != 4 {
		t.Fatalf("CopyIn into a 4-byte buffer with 6 bytes offered = %d, want 4", n)
	}
}

func TestCopyOutStopsAtAvailable(t *testing.T) {
	var cb Circbuf_t
	cb.Init(8)
	cb.CopyIn([]byte("ab"))
	out := make([]byte, 8)
	if n := cb.CopyOut(out); n != 2 {
		t.Fatalf("CopyOut with 2 bytes buffered = %d, want 2", n)
	}
}

func TestWrapAround(t *testing.T) {
	var cb Circbuf_t
	cb.Init(4)
	cb.CopyIn([]byte("ab"))
	drained := make([]byte, 2)
	cb.CopyOut(drained)
	cb.CopyIn([]byte("cdef"))

	out := make([]byte, 4)
	n := cb.CopyOut(out)
	if n != 4 || !bytes.Equal(out, []byte("cdef")) {
		t.Fatalf("after wraparound got %q (n=%d), want %q", out[:n], n, "cdef")
	}
}

func TestResetEmptiesWithoutReallocating(t *testing.T) {
	var cb Circbuf_t
	cb.Init(4)
	cb.CopyIn([]byte("ab"))
	cb.Reset()
	if n := cb.CopyOut(make([]byte, 4)); n != 0 {
		t.Fatalf("CopyOut after Reset = %d, want 0", n)
	}
	if n := cb.CopyIn([]byte("wxyz")); n != 4 {
		t.Fatalf("CopyIn after Reset = %d, want full capacity 4", n)
	}
}

func TestSetInstallsBackingSlice(t *testing.T) {
	var cb Circbuf_t
	backing := make([]byte, 4)
	cb.Set(backing)
	if cb.Bufsz() != 4 {
		t.Fatalf("Bufsz() = %d, want 4", cb.Bufsz())
	}
	cb.CopyIn([]byte("xy"))
	if backing[0] != 'x' || backing[1] != 'y' {
		t.Fatalf("CopyIn did not write into the installed backing slice: %v", backing)
	}
}
