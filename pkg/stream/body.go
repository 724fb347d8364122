// Package stream provides the streaming request/response primitives used
// by HTTP-triggered guests.
//
// A Body is backed either by a shared buffer or by a lazy producer.
// Chunked iteration slices the shared buffer without copying, so a
// transform pipeline holds at most two chunks of intermediate state
// regardless of total body size.
package stream

import (
	"bytes"
	"io"

	"github.com/warpgrid/warpgrid/pkg/errdefs"
)

// DefaultChunkSize is the chunk size used when none is configured (64 KiB).
const DefaultChunkSize = 64 * 1024

// Body is a request or response payload. The zero value is an empty body.
type Body struct {
	buf      []byte
	producer io.Reader
}

// NewBuffered wraps an existing buffer. The buffer is shared, not copied.
func NewBuffered(buf []byte) *Body {
	return &Body{buf: buf}
}

// NewReader wraps a producer; the bytes are materialized on first use.
func NewReader(r io.Reader) *Body {
	return &Body{producer: r}
}

// Materialize drains the producer (if any) into the buffer. Idempotent.
func (b *Body) Materialize() error {
	if b.producer == nil {
		return nil
	}
	data, err := io.ReadAll(b.producer)
	if err != nil {
		return errdefs.Unavailablef("failed to read body: %v", err)
	}
	b.buf = data
	b.producer = nil
	return nil
}

// Bytes returns the buffer view without copying. Producer-backed bodies
// are materialized first.
func (b *Body) Bytes() ([]byte, error) {
	if err := b.Materialize(); err != nil {
		return nil, err
	}
	return b.buf, nil
}

// Len returns the buffered length. Producer-backed bodies report 0 until
// materialized.
func (b *Body) Len() int {
	return len(b.buf)
}

// Chunks returns an iterator that yields the body in chunkSize slices of
// the shared buffer. Each yielded slice aliases the original allocation;
// no per-chunk copy occurs.
func (b *Body) Chunks(chunkSize int) (*ChunkIter, error) {
	if chunkSize <= 0 {
		return nil, errdefs.InvalidArgumentf("chunk size must be positive, got %d", chunkSize)
	}
	if err := b.Materialize(); err != nil {
		return nil, err
	}
	return &ChunkIter{buf: b.buf, chunkSize: chunkSize}, nil
}

// ChunkIter yields a shared buffer in fixed-size chunks without copying.
type ChunkIter struct {
	buf       []byte
	chunkSize int
	offset    int
}

// Next returns the next chunk, or nil when the body is exhausted.
func (it *ChunkIter) Next() []byte {
	if it.offset >= len(it.buf) {
		return nil
	}
	end := it.offset + it.chunkSize
	if end > len(it.buf) {
		end = len(it.buf)
	}
	chunk := it.buf[it.offset:end:end]
	it.offset = end
	return chunk
}

// Remaining reports how many bytes have not been yielded yet.
func (it *ChunkIter) Remaining() int {
	return len(it.buf) - it.offset
}

// Transform applies fn to every chunk and returns the concatenated
// output. At any moment only the current input chunk and its transformed
// output are live, bounding intermediate memory to 2× chunk size.
func (b *Body) Transform(chunkSize int, fn func(chunk []byte) []byte) (*Body, error) {
	it, err := b.Chunks(chunkSize)
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	out.Grow(b.Len())
	for chunk := it.Next(); chunk != nil; chunk = it.Next() {
		out.Write(fn(chunk))
	}
	return NewBuffered(out.Bytes()), nil
}
