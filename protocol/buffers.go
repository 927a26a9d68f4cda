package protocol

// FifoBuffer is a circular receive buffer, filled from the UART side and
// drained by the line framer. Bytes that do not fit are dropped and counted.
type FifoBuffer struct {
	buf     []byte
	read    int
	write   int
	size    int
	dropped int
	last    byte // last byte dropped
}

// NewFifoBuffer creates a new FifoBuffer with the specified capacity.
// One slot is reserved to tell full from empty.
func NewFifoBuffer(capacity int) *FifoBuffer {
	return &FifoBuffer{
		buf:  make([]byte, capacity),
		size: capacity,
	}
}

// Write appends data to the FIFO buffer and returns the number of bytes stored
func (f *FifoBuffer) Write(data []byte) int {
	written := 0
	for _, b := range data {
		nextWrite := (f.write + 1) % f.size
		if nextWrite == f.read {
			break
		}
		f.buf[f.write] = b
		f.write = nextWrite
		written++
	}
	if written < len(data) {
		f.dropped += len(data) - written
		f.last = data[len(data)-1]
	}
	return written
}

// Read reads up to len(data) bytes from the FIFO buffer
func (f *FifoBuffer) Read(data []byte) int {
	read := 0
	for i := range data {
		if f.read == f.write {
			break
		}
		data[i] = f.buf[f.read]
		f.read = (f.read + 1) % f.size
		read++
	}
	return read
}

// Available returns the number of bytes available for reading
func (f *FifoBuffer) Available() int {
	if f.write >= f.read {
		return f.write - f.read
	}
	return f.size - f.read + f.write
}

// Free returns the number of bytes available for writing
func (f *FifoBuffer) Free() int {
	return f.size - f.Available() - 1
}

// Data returns the buffered bytes as one contiguous slice.
// A wrapped buffer is copied; an unwrapped one is returned in place.
func (f *FifoBuffer) Data() []byte {
	if f.read <= f.write {
		return f.buf[f.read:f.write]
	}
	result := make([]byte, f.Available())
	n := copy(result, f.buf[f.read:])
	copy(result[n:], f.buf[:f.write])
	return result
}

// Pop removes n bytes from the front
func (f *FifoBuffer) Pop(n int) {
	if n >= f.Available() {
		f.read = f.write
		return
	}
	f.read = (f.read + n) % f.size
}

// TakeDropped returns the number of bytes dropped since the last call and
// the last of them, and clears the count
func (f *FifoBuffer) TakeDropped() (n int, last byte) {
	n, last = f.dropped, f.last
	f.dropped, f.last = 0, 0
	return n, last
}

// IsEmpty returns true if the buffer is empty
func (f *FifoBuffer) IsEmpty() bool {
	return f.read == f.write
}

// Reset clears the buffer
func (f *FifoBuffer) Reset() {
	f.read = 0
	f.write = 0
	f.dropped = 0
	f.last = 0
}
