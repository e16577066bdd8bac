package exchange

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestCompareEqual(t *testing.T) {
	tests := [][]byte{
		nil,
		{},
		[]byte("P"),
		[]byte(" ****I2C_TwoBoards communication based on Polling****"),
	}
	for _, a := range tests {
		b := append([]byte(nil), a...)
		if got := Compare(a, b, len(a)); got != 0 {
			t.Fatalf("Compare(%q) = %d, want 0", a, got)
		}
		if got := Compare(a, a, len(a)); got != 0 {
			t.Fatalf("Compare(a, a) on %q = %d", a, got)
		}
	}
}

func TestCompareMismatchNonZero(t *testing.T) {
	a := []byte("PING")
	for i := range a {
		b := append([]byte(nil), a...)
		b[i] ^= 0xFF
		if Compare(a, b, len(a)) == 0 {
			t.Fatalf("mismatch at %d reported equal", i)
		}
		idx, ok := Mismatch(a, b, len(a))
		if !ok || idx != i {
			t.Fatalf("Mismatch = (%d, %v), want (%d, true)", idx, ok, i)
		}
		if Equal(a, b, len(a)) {
			t.Fatalf("Equal true for mismatch at %d", i)
		}
	}
}

func TestCompareIgnoresTail(t *testing.T) {
	a := []byte("PINGxxxx")
	b := []byte("PINGyy")
	if Compare(a, b, 4) != 0 || !Equal(a, b, 4) {
		t.Fatalf("bytes beyond the compared length must be ignored")
	}
	if Compare(a, b, 5) == 0 {
		t.Fatalf("byte 4 differs and is within length")
	}
	if Compare(a, b, 0) != 0 {
		t.Fatalf("zero length is trivially equal")
	}
}

// TestCompareMatchesBytesEqual checks compare == 0 iff the slices are equal.
func TestCompareMatchesBytesEqual(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 2000; i++ {
		n := r.Intn(16)
		a := make([]byte, n)
		b := make([]byte, n)
		r.Read(a)
		copy(b, a)
		if n > 0 && r.Intn(2) == 0 {
			b[r.Intn(n)] ^= byte(1 + r.Intn(255))
		}
		if (Compare(a, b, n) == 0) != bytes.Equal(a, b) {
			t.Fatalf("compare disagrees with bytes.Equal for %x vs %x", a, b)
		}
	}
}

func TestCompareShortInputs(t *testing.T) {
	tests := []struct {
		name    string
		a, b    []byte
		n       int
		want    int
		wantIdx int
		differ  bool
	}{
		{"first shorter", []byte("PI"), []byte("PING"), 4, 2, 2, true},
		{"second shorter", []byte("PING"), []byte("PIN"), 4, 1, 3, true},
		{"both short", nil, nil, 3, 3, 0, true},
		{"differs before end", []byte("PX"), []byte("PING"), 4, 3, 1, true},
		{"negative length", []byte("PING"), []byte("PONG"), -1, 0, 0, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Compare(tc.a, tc.b, tc.n); got != tc.want {
				t.Fatalf("Compare = %d, want %d", got, tc.want)
			}
			idx, differ := Mismatch(tc.a, tc.b, tc.n)
			if differ != tc.differ || (differ && idx != tc.wantIdx) {
				t.Fatalf("Mismatch = (%d, %v), want (%d, %v)", idx, differ, tc.wantIdx, tc.differ)
			}
			if Equal(tc.a, tc.b, tc.n) == tc.differ {
				t.Fatalf("Equal disagrees with Mismatch")
			}
		})
	}
}
