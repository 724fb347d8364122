package shim

import (
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warpgrid/warpgrid/pkg/errdefs"
)

func testFS(t *testing.T) *Filesystem {
	t.Helper()
	return NewFilesystem(&Config{
		Filesystem: true,
		DevUrandom: true,
		Nameserver: "10.0.0.53",
		HostsEntries: []string{
			"10.0.0.20 cache.warp.local",
		},
		ServiceRegistry: map[string][]net.IP{
			"api.prod.warp.local": {net.IPv4(10, 0, 0, 5)},
		},
	})
}

func TestOpenReadCloseVirtualPath(t *testing.T) {
	fs := testFS(t)

	handle, err := fs.OpenVirtual("/etc/resolv.conf")
	require.NoError(t, err)

	data, err := fs.ReadVirtual(handle, 4096)
	require.NoError(t, err)
	assert.Contains(t, string(data), "nameserver 10.0.0.53")

	// Sequential reads advance the offset to EOF.
	rest, err := fs.ReadVirtual(handle, 4096)
	require.NoError(t, err)
	assert.Empty(t, rest)

	fs.CloseVirtual(handle)
	_, err = fs.ReadVirtual(handle, 16)
	assert.True(t, errdefs.IsFailedPrecondition(err))
}

func TestNonVirtualPathRejected(t *testing.T) {
	fs := testFS(t)
	_, err := fs.OpenVirtual("/home/user/secrets.txt")
	assert.True(t, errdefs.IsInvalidArgument(err))
	assert.Contains(t, err.Error(), "not a virtual path")

	_, err = fs.StatVirtual("/var/log/syslog")
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestDevNullAlwaysEmpty(t *testing.T) {
	fs := testFS(t)
	handle, err := fs.OpenVirtual("/dev/null")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		data, err := fs.ReadVirtual(handle, 1024)
		require.NoError(t, err)
		assert.Empty(t, data)
	}
}

func TestDevUrandomFreshBytes(t *testing.T) {
	fs := testFS(t)
	handle, err := fs.OpenVirtual("/dev/urandom")
	require.NoError(t, err)

	first, err := fs.ReadVirtual(handle, 32)
	require.NoError(t, err)
	second, err := fs.ReadVirtual(handle, 32)
	require.NoError(t, err)

	assert.Len(t, first, 32)
	assert.Len(t, second, 32)
	assert.NotEqual(t, first, second)
}

func TestDevUrandomDisabled(t *testing.T) {
	fs := NewFilesystem(&Config{Filesystem: true})
	_, err := fs.OpenVirtual("/dev/urandom")
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestEtcHostsIncludesRegistryInjection(t *testing.T) {
	fs := testFS(t)
	handle, err := fs.OpenVirtual("/etc/hosts")
	require.NoError(t, err)

	data, err := fs.ReadVirtual(handle, 8192)
	require.NoError(t, err)
	content := string(data)

	assert.Contains(t, content, "127.0.0.1 localhost")
	assert.Contains(t, content, "10.0.0.20 cache.warp.local")
	assert.Contains(t, content, "10.0.0.5 api.prod.warp.local")
}

func TestProcSelfMetadata(t *testing.T) {
	fs := testFS(t)

	stat, err := fs.StatVirtual("/proc/self/status")
	require.NoError(t, err)
	assert.True(t, stat.IsFile)
	assert.NotZero(t, stat.Size)

	handle, err := fs.OpenVirtual("/proc/self/cmdline")
	require.NoError(t, err)
	data, err := fs.ReadVirtual(handle, 1024)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "warpgrid-guest"))
}

func TestStatVirtualShapes(t *testing.T) {
	fs := testFS(t)

	stat, err := fs.StatVirtual("/proc/self")
	require.NoError(t, err)
	assert.True(t, stat.IsDirectory)
	assert.False(t, stat.IsFile)

	stat, err = fs.StatVirtual("/dev/urandom")
	require.NoError(t, err)
	assert.True(t, stat.IsFile)
}

func TestHandlesAreDistinct(t *testing.T) {
	fs := testFS(t)
	h1, err := fs.OpenVirtual("/etc/hosts")
	require.NoError(t, err)
	h2, err := fs.OpenVirtual("/etc/hosts")
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestPartialReads(t *testing.T) {
	fs := testFS(t)
	handle, err := fs.OpenVirtual("/etc/hosts")
	require.NoError(t, err)

	var assembled []byte
	for {
		chunk, err := fs.ReadVirtual(handle, 8)
		require.NoError(t, err)
		if len(chunk) == 0 {
			break
		}
		assert.LessOrEqual(t, len(chunk), 8)
		assembled = append(assembled, chunk...)
	}
	assert.Equal(t, fs.HostsContent(), string(assembled))
}
