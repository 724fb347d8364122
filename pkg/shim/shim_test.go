package shim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warpgrid/warpgrid/pkg/errdefs"
)

func TestHostStateEnablesOnlyConfiguredShims(t *testing.T) {
	hs := NewHostState(&Config{DNS: true, Signals: true})

	assert.NotNil(t, hs.DNS)
	assert.NotNil(t, hs.Signals)
	assert.Nil(t, hs.DBProxy)
	assert.Nil(t, hs.Filesystem)
}

func TestFilesystemEnabledByAnyFSFlag(t *testing.T) {
	assert.NotNil(t, NewHostState(&Config{Filesystem: true}).Filesystem)
	assert.NotNil(t, NewHostState(&Config{DevUrandom: true}).Filesystem)
	assert.NotNil(t, NewHostState(&Config{Timezone: "UTC"}).Filesystem)
}

func TestThreadingDeclarationRecorded(t *testing.T) {
	hs := NewHostState(&Config{Threading: true})
	require.NoError(t, hs.DeclareThreadingModel(ThreadingModel{Cooperative: true}))

	require.NotNil(t, hs.Threading)
	assert.True(t, hs.Threading.Cooperative)
	assert.False(t, hs.Threading.ParallelRequired)
}

func TestThreadingDisabledReturnsFailedPrecondition(t *testing.T) {
	hs := NewHostState(&Config{})
	err := hs.DeclareThreadingModel(ThreadingModel{ParallelRequired: true})
	assert.True(t, errdefs.IsFailedPrecondition(err))
	assert.Nil(t, hs.Threading)
}
