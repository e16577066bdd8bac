package exchange

// Compare scans the first n bytes of a and b. It returns 0 when they are
// equal; otherwise it returns the number of bytes left unscanned after the
// first mismatch, plus one, so that a mismatch on the last byte is still
// non-zero. Treat the result as boolean-like: only zero versus non-zero
// carries meaning. Bytes beyond n are ignored. A slice shorter than n
// differs at its end; n <= 0 compares nothing.
func Compare(a, b []byte, n int) int {
	if i, ok := Mismatch(a, b, n); ok {
		return n - i
	}
	return 0
}

// Mismatch returns the index of the first differing byte within the first
// n bytes of a and b, and false when there is none. When either slice ends
// before n, the first missing index counts as the mismatch.
func Mismatch(a, b []byte, n int) (int, bool) {
	if n <= 0 {
		return 0, false
	}
	m := min(n, len(a), len(b))
	for i := 0; i < m; i++ {
		if a[i] != b[i] {
			return i, true
		}
	}
	if m < n {
		return m, true
	}
	return 0, false
}

// Equal reports whether the first n bytes of a and b match.
func Equal(a, b []byte, n int) bool {
	_, differ := Mismatch(a, b, n)
	return !differ
}
