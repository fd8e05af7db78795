package pipeline

// Buffer holds body bytes of a stream direction.
type Buffer interface {
	// Len returns the number of bytes in the buffer.
	Len() int

	// Bytes returns the buffered bytes. The returned slice is only valid
	// until the next modification of the buffer.
	Bytes() []byte

	// Append copies p to the end of the buffer.
	Append(p []byte)

	// Move appends the contents of from, and empties from.
	Move(from Buffer)

	// Reset empties the buffer.
	Reset()
}

// ByteBuffer is the default Buffer implementation.
type ByteBuffer struct {
	data []byte
}

var _ Buffer = (*ByteBuffer)(nil)

// NewBuffer creates a buffer holding a copy of p.
func NewBuffer(p []byte) *ByteBuffer {
	b := &ByteBuffer{}
	b.Append(p)
	return b
}

func (b *ByteBuffer) Len() int      { return len(b.data) }
func (b *ByteBuffer) Bytes() []byte { return b.data }
func (b *ByteBuffer) Reset()        { b.data = b.data[:0] }

func (b *ByteBuffer) Append(p []byte) {
	b.data = append(b.data, p...)
}

func (b *ByteBuffer) Move(from Buffer) {
	if from == nil || from == Buffer(b) {
		return
	}

	b.Append(from.Bytes())
	from.Reset()
}

// CopyOut returns a copy of at most n bytes from the start of the buffer.
func CopyOut(b Buffer, n int) []byte {
	if b == nil {
		return nil
	}

	if l := b.Len(); n > l {
		n = l
	}

	p := make([]byte, n)
	copy(p, b.Bytes()[:n])
	return p
}
