package stream

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunksExactDivision(t *testing.T) {
	body := NewBuffered(bytes.Repeat([]byte{0xAA}, 4096))
	it, err := body.Chunks(1024)
	require.NoError(t, err)

	count := 0
	for chunk := it.Next(); chunk != nil; chunk = it.Next() {
		assert.Len(t, chunk, 1024)
		count++
	}
	assert.Equal(t, 4, count)
}

func TestChunksRemainder(t *testing.T) {
	body := NewBuffered(bytes.Repeat([]byte{0xBB}, 3000))
	it, err := body.Chunks(1024)
	require.NoError(t, err)

	var sizes []int
	for chunk := it.Next(); chunk != nil; chunk = it.Next() {
		sizes = append(sizes, len(chunk))
	}
	assert.Equal(t, []int{1024, 1024, 952}, sizes)
}

func TestChunksSmallerThanChunkSize(t *testing.T) {
	body := NewBuffered(make([]byte, 100))
	it, err := body.Chunks(1024)
	require.NoError(t, err)

	chunk := it.Next()
	assert.Len(t, chunk, 100)
	assert.Nil(t, it.Next())
}

func TestChunksEmptyBody(t *testing.T) {
	it, err := NewBuffered(nil).Chunks(1024)
	require.NoError(t, err)
	assert.Nil(t, it.Next())
}

func TestChunksRejectNonPositiveSize(t *testing.T) {
	_, err := NewBuffered([]byte("x")).Chunks(0)
	assert.Error(t, err)
}

// Chunks alias the original allocation: zero copy.
func TestChunksAreZeroCopy(t *testing.T) {
	buf := bytes.Repeat([]byte{0xFF}, 8192)
	it, err := NewBuffered(buf).Chunks(4096)
	require.NoError(t, err)

	first := it.Next()
	second := it.Next()
	require.NotNil(t, first)
	require.NotNil(t, second)

	assert.Same(t, &buf[0], &first[0])
	assert.Same(t, &buf[4096], &second[0])
}

func TestBytesReturnsSharedView(t *testing.T) {
	buf := []byte("hello")
	view, err := NewBuffered(buf).Bytes()
	require.NoError(t, err)
	assert.Same(t, &buf[0], &view[0])
}

func TestReaderBodyMaterializesLazily(t *testing.T) {
	body := NewReader(strings.NewReader("deferred content"))
	assert.Equal(t, 0, body.Len())

	data, err := body.Bytes()
	require.NoError(t, err)
	assert.Equal(t, "deferred content", string(data))
	assert.Equal(t, 16, body.Len())
}

// Uppercase transform of a 1 MiB body: output equals input uppercased and
// the pipeline never holds more than two chunks of intermediate state.
func TestTransformUppercaseBounded(t *testing.T) {
	const size = 1 << 20
	const chunkSize = 64 * 1024

	input := bytes.Repeat([]byte("abcdefghijklmnop"), size/16)
	require.Len(t, input, size)

	maxIntermediate := 0
	out, err := NewBuffered(input).Transform(chunkSize, func(chunk []byte) []byte {
		transformed := bytes.ToUpper(chunk)
		if inFlight := len(chunk) + len(transformed); inFlight > maxIntermediate {
			maxIntermediate = inFlight
		}
		return transformed
	})
	require.NoError(t, err)

	result, err := out.Bytes()
	require.NoError(t, err)
	assert.Len(t, result, size)
	assert.Equal(t, bytes.ToUpper(input), result)
	assert.LessOrEqual(t, maxIntermediate, 2*chunkSize)
}

func TestTransformEmptyBody(t *testing.T) {
	out, err := NewBuffered(nil).Transform(1024, bytes.ToUpper)
	require.NoError(t, err)
	assert.Equal(t, 0, out.Len())
}

func TestRequestHeadersPreserveDuplicates(t *testing.T) {
	req := NewRequest("GET", "/x", []Header{
		{Name: "set-cookie", Value: "a=1"},
		{Name: "accept", Value: "text/html"},
		{Name: "set-cookie", Value: "b=2"},
	}, nil)

	assert.Equal(t, []string{"a=1", "b=2"}, req.HeaderValues("set-cookie"))
	assert.Equal(t, []string{"text/html"}, req.HeaderValues("accept"))
	assert.Nil(t, req.HeaderValues("missing"))
}

func TestStreamingResponseDeferredMaterialization(t *testing.T) {
	resp := NewStreamingResponse(200, nil, strings.NewReader("streamed"))
	assert.Equal(t, 0, resp.Body.Len())

	data, err := resp.Body.Bytes()
	require.NoError(t, err)
	assert.Equal(t, "streamed", string(data))
}
