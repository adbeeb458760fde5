// Package ustr provides the fixed-width byte string used for process names
// and path segments throughout the kernel.
package ustr

// Ustr is an immutable path or name fragment. It is used instead of Go's
// string so that process names and path components can be compared and
// copied without triggering allocations on every comparison.
type Ustr []byte

// Isdot reports whether the string equals ".".
func (us Ustr) Isdot() bool {
	return len(us) == 1 && us[0] == '.'
}

// Isdotdot reports whether the string equals "..".
func (us Ustr) Isdotdot() bool {
	return len(us) == 2 && us[0] == '.' && us[1] == '.'
}

// Eq compares two Ustr values for byte-for-byte equality.
func (us Ustr) Eq(s Ustr) bool {
	if len(us) != len(s) {
		return false
	}
	for i, v := range us {
		if v != s[i] {
			return false
		}
	}
	return true
}

// MkUstr creates an empty Ustr.
func MkUstr() Ustr {
	return Ustr{}
}

// FromStr converts a Go string into a Ustr.
func FromStr(s string) Ustr {
	return Ustr(s)
}

// String renders the Ustr back as a Go string.
func (us Ustr) String() string {
	return string(us)
}

// Split splits the string on the first occurrence of sep, returning the
// piece before sep and the remainder after it (sep excluded). The second
// return is false if sep does not occur.
func (us Ustr) Split(sep byte) (Ustr, Ustr, bool) {
	for i, c := range us {
		if c == sep {
			return us[:i], us[i+1:], true
		}
	}
	return us, nil, false
}

// FixedName is a process name padded/truncated to defs.MaxNameLen bytes.
type FixedName [88]byte

// MkFixedName copies s into a fixed-width name, truncating if s is too
// long. The unused tail is zero-filled.
func MkFixedName(s string) FixedName {
	var fn FixedName
	copy(fn[:], s)
	return fn
}

// String trims the trailing zero padding off a fixed-width name.
func (fn FixedName) String() string {
	i := 0
	for i < len(fn) && fn[i] != 0 {
		i++
	}
	return string(fn[:i])
}
