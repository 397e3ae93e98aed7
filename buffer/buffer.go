// Package buffer implements the composite, zero-copy byte buffer the
// selector loop hands to filters on read, and that write requests carry on
// the way to the wire.
//
// Grounded on the teacher's api/buffer.go Buffer/BufferPool contracts,
// generalized from a NUMA-pooled single-slice buffer to a composite view
// over a sequence of byte slices (spec.md §3 "Buffer ... Zero-copy view
// over a sequence of byte slices"), since a write request or a receive
// event may be the concatenation of several independently-owned slices
// (a filter's transform output plus the loop's scratch read, for example).
package buffer

// Buffer is a resliceable, read-only view over one or more byte slices.
// It never copies on construction or Slice; Bytes copies only when the
// buffer is backed by more than one slice, and Copy always allocates.
type Buffer struct {
	segs []([]byte)
	// off/length describe the logical [off, off+length) window into the
	// concatenation of segs, so Slice is O(1) regardless of segment count.
	off    int
	length int
}

// Wrap constructs a Buffer around a single slice without copying.
func Wrap(b []byte) Buffer {
	return Buffer{segs: [][]byte{b}, length: len(b)}
}

// Compose builds a Buffer over multiple slices, presented as one logical
// sequence, without copying any of them.
func Compose(segs ...[]byte) Buffer {
	total := 0
	for _, s := range segs {
		total += len(s)
	}
	return Buffer{segs: segs, length: total}
}

// Len returns the number of logical bytes in the view.
func (b Buffer) Len() int { return b.length }

// Bytes materializes the view as a single contiguous slice. When the
// buffer is backed by exactly one slice it returns that slice's window
// directly (still zero-copy); otherwise it allocates once to flatten the
// segments, even if the window itself lies inside one of them.
//
// Callers that retain the result beyond the current callback must not rely
// on this: per spec.md §5, the shared scratch buffer owning the underlying
// memory is only valid for the duration of one readiness dispatch. Use Copy
// to obtain an owned, durable []byte.
func (b Buffer) Bytes() []byte {
	if b.length == 0 {
		return nil
	}
	if len(b.segs) == 1 {
		return b.segs[0][b.off : b.off+b.length]
	}
	out := make([]byte, b.length)
	b.copyInto(out)
	return out
}

// Copy returns a new, owned []byte holding the same bytes as the view.
// Safe to retain past the callback that produced the Buffer.
func (b Buffer) Copy() []byte {
	out := make([]byte, b.length)
	b.copyInto(out)
	return out
}

func (b Buffer) copyInto(dst []byte) {
	remaining := dst
	skip := b.off
	need := b.length
	for _, seg := range b.segs {
		if need == 0 {
			return
		}
		if skip >= len(seg) {
			skip -= len(seg)
			continue
		}
		avail := seg[skip:]
		skip = 0
		n := len(avail)
		if n > need {
			n = need
		}
		copy(remaining, avail[:n])
		remaining = remaining[n:]
		need -= n
	}
}

// Slice returns the sub-view [from, to) of the buffer in O(1), without
// copying or reallocating segments.
func (b Buffer) Slice(from, to int) Buffer {
	if from < 0 || to > b.length || from > to {
		panic("buffer: slice bounds out of range")
	}
	return Buffer{segs: b.segs, off: b.off + from, length: to - from}
}

// Segments returns the underlying slices covering the view, in order, for
// callers (write-queue drain, TLS engine feed) that want to avoid the
// flattening allocation Bytes performs for multi-segment views.
func (b Buffer) Segments() [][]byte {
	if b.length == 0 {
		return nil
	}
	if len(b.segs) == 1 {
		return [][]byte{b.segs[0][b.off : b.off+b.length]}
	}
	out := make([][]byte, 0, len(b.segs))
	skip := b.off
	need := b.length
	for _, seg := range b.segs {
		if need == 0 {
			break
		}
		if skip >= len(seg) {
			skip -= len(seg)
			continue
		}
		avail := seg[skip:]
		skip = 0
		n := len(avail)
		if n > need {
			n = need
		}
		out = append(out, avail[:n])
		need -= n
	}
	return out
}

// Empty reports whether the view has zero length.
func (b Buffer) Empty() bool { return b.length == 0 }
