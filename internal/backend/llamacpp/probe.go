package llamacpp

// probeString reads a snprintf-style C string: fill writes at most len(buf)
// bytes including the terminator and returns the full length. A result that
// does not fit is read again into an exactly sized buffer.
func probeString(first int, fill func(buf []byte) int) string {
	buf := make([]byte, first)
	n := fill(buf)
	if n <= 0 {
		return ""
	}
	if n >= len(buf) {
		buf = make([]byte, n+1)
		n = fill(buf)
		if n <= 0 {
			return ""
		}
		n = min(n, len(buf)-1)
	}
	return string(buf[:n])
}
