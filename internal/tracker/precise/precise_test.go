package precise

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memscope/internal/hook"
	"memscope/internal/identity"
	"memscope/internal/safety"
	"memscope/pkg/intern"
	"memscope/pkg/types"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func TestAllocDeallocRoundTrip(t *testing.T) {
	resolver := identity.New(100*time.Microsecond, 16)
	tr := New(Config{}, resolver, nil, testLogger())

	tr.OnEvent(hook.Event{Kind: hook.KindAlloc, Ptr: 0x1000, Size: 64, ThreadID: 1, NowNs: 10})
	snap := tr.Snapshot()
	require.Len(t, snap.Live, 1)
	assert.Equal(t, uint64(1), snap.Stats.ActiveCount)

	tr.OnEvent(hook.Event{Kind: hook.KindDealloc, Ptr: 0x1000, NowNs: 20})
	snap = tr.Snapshot()
	assert.Empty(t, snap.Live)
	require.Len(t, snap.History, 1)
	lifetime, ok := snap.History[0].LifetimeMs()
	require.True(t, ok)
	assert.InDelta(t, 10e-6, lifetime, 1e-9)
}

func TestOrphanDeallocCounted(t *testing.T) {
	resolver := identity.New(100*time.Microsecond, 16)
	tr := New(Config{}, resolver, nil, testLogger())

	tr.Dealloc(0xdead, 5)
	assert.Equal(t, uint64(1), tr.Diagnostics().OrphanDeallocs)
}

func TestUnsafeClassificationFromAnnex(t *testing.T) {
	resolver := identity.New(100*time.Microsecond, 16)
	annex := safety.New(intern.NewStringTable())
	tr := New(Config{}, resolver, annex, testLogger())

	annex.BeginUnsafe(42)
	tr.OnEvent(hook.Event{Kind: hook.KindAlloc, Ptr: 0x2000, Size: 8, ThreadID: 1, NowNs: 1})
	annex.EndUnsafe()

	snap := tr.Snapshot()
	require.Len(t, snap.Live, 1)
	assert.Equal(t, types.UnsafeNative, snap.Live[0].SourceKind)
	require.NotNil(t, snap.Live[0].Unsafe)
	assert.Equal(t, uint32(42), snap.Live[0].Unsafe.UnsafeBlockID)
}

func TestHistoryEvictionPrefersUnnamedRecords(t *testing.T) {
	resolver := identity.New(100*time.Microsecond, 16)
	tr := New(Config{HistoryMaxCount: 1}, resolver, nil, testLogger())

	resolver.Register(0x3000, "kept", "Vec<u8>", 1)
	tr.OnEvent(hook.Event{Kind: hook.KindAlloc, Ptr: 0x3000, Size: 16, ThreadID: 1, NowNs: 1})
	tr.OnEvent(hook.Event{Kind: hook.KindDealloc, Ptr: 0x3000, NowNs: 2})

	tr.OnEvent(hook.Event{Kind: hook.KindAlloc, Ptr: 0x4000, Size: 16, ThreadID: 1, NowNs: 3})
	tr.OnEvent(hook.Event{Kind: hook.KindDealloc, Ptr: 0x4000, NowNs: 4})

	snap := tr.Snapshot()
	require.Len(t, snap.History, 1)
	assert.Equal(t, "kept", snap.History[0].VarName)
}
