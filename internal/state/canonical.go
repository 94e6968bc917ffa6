package state

func appendInt64LE(buf []byte, v int64) []byte {
	return appendUint64LE(buf, uint64(v))
}

func appendUint64LE(buf []byte, v uint64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// appendString writes a length-prefixed string (u16 LE length).
func appendString(buf []byte, s string) []byte {
	n := len(s)
	buf = append(buf, byte(n), byte(n>>8))
	return append(buf, s...)
}
