package safety

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memscope/pkg/intern"
	"memscope/pkg/types"
)

func TestClassifyReflectsUnsafeAndForeignMarkers(t *testing.T) {
	a := New(intern.NewStringTable())

	kind, unsafeRec, foreignRec := a.Classify()
	assert.Equal(t, types.SafeNative, kind)
	assert.Nil(t, unsafeRec)
	assert.Nil(t, foreignRec)

	a.BeginUnsafe(7)
	kind, unsafeRec, foreignRec = a.Classify()
	assert.Equal(t, types.UnsafeNative, kind)
	require.NotNil(t, unsafeRec)
	assert.Equal(t, uint32(7), unsafeRec.UnsafeBlockID)
	assert.Nil(t, foreignRec)
	a.EndUnsafe()

	a.BeginForeign("libfoo.so", "foo_alloc")
	kind, unsafeRec, foreignRec = a.Classify()
	assert.Equal(t, types.Foreign, kind)
	assert.Nil(t, unsafeRec)
	require.NotNil(t, foreignRec)
	a.EndForeign()
}

func TestPassportLifecycle(t *testing.T) {
	a := New(intern.NewStringTable())

	p := a.HandToForeign(0x1000, 64, "libfoo.so", "foo_alloc", 10)
	assert.Equal(t, types.HandedToForeign, p.Status)

	open := a.Passports()
	require.Len(t, open, 1)
	assert.Equal(t, types.HandedToForeign, open[0].Status)

	a.ReclaimLocally(0x1000, 20)
	closed := a.Passports()
	require.Len(t, closed, 1)
	assert.Equal(t, types.ReclaimedLocally, closed[0].Status)
}

func TestShutdownOrphansOpenPassports(t *testing.T) {
	a := New(intern.NewStringTable())
	a.HandToForeign(0x2000, 32, "libbar.so", "bar_alloc", 1)

	final := a.Shutdown(100)
	require.Len(t, final, 1)
	assert.Equal(t, types.OrphanedAtShutdown, final[0].Status)
}
