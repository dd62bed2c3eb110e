package native

import "unsafe"

// Buffer is one element of a scatter list handed to or received from the
// engine. Buffer points at memory the owner keeps alive and unmoved.
type Buffer struct {
	Length uint32
	Buffer *byte
}

// BufferOf describes p. The caller must keep p pinned for as long as the
// engine may read it.
func BufferOf(p []byte) Buffer {
	if len(p) == 0 {
		return Buffer{}
	}
	return Buffer{
		Length: uint32(len(p)),
		Buffer: unsafe.SliceData(p),
	}
}

// Bytes returns a view of the described memory without copying.
func (b Buffer) Bytes() []byte {
	if b.Buffer == nil || b.Length == 0 {
		return nil
	}
	return unsafe.Slice(b.Buffer, b.Length)
}

// TotalLength sums the lengths of bufs.
func TotalLength(bufs []Buffer) uint64 {
	var n uint64
	for _, b := range bufs {
		n += uint64(b.Length)
	}
	return n
}
