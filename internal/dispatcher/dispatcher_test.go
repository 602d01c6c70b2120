package dispatcher

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memscope/internal/hook"
	"memscope/pkg/config"
	"memscope/pkg/types"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func testConfig(strategy config.Strategy) *config.Config {
	cfg := &config.Config{}
	cfg.Session.Strategy = strategy
	cfg.Session.ClassificationWindow = 100 * time.Microsecond
	cfg.Session.ClassificationMaxAllocs = 16
	cfg.Sampling.LargeThresholdBytes = 64 * 1024
	cfg.Sampling.MediumThresholdBytes = 1024
	cfg.Sampling.PMedium = 1 // deterministic for tests
	cfg.Sampling.PSmall = 1
	cfg.Sampling.FrequencyN = 256
	cfg.Sampling.SlabCapacity = 64
	cfg.History.MaxCount = 1000
	cfg.History.MaxBytes = 1 << 20
	return cfg
}

func TestNewWithAutoStrategyIsActive(t *testing.T) {
	d := New("sess-1", testConfig(config.StrategyAuto), testLogger())
	require.NotNil(t, d)
	assert.Equal(t, StateActive, d.State())
}

func TestPreciseRoundTrip(t *testing.T) {
	d := New("sess-2", testConfig(config.StrategyPrecise), testLogger())
	h := hook.New()
	d.Attach(h)

	h.Alloc(d.Clock(), 0x1000, 64, 8, 1)
	snap := d.Snapshot()
	assert.Equal(t, uint64(1), snap.Stats.ActiveCount)
	assert.Len(t, snap.Live, 1)

	h.Dealloc(d.Clock(), 0x1000, 64, 8, 1)
	snap = d.Finalize()
	assert.Equal(t, uint64(0), snap.Stats.ActiveCount)
	assert.Len(t, snap.History, 1)
	assert.Equal(t, StateFinalized, d.State())
}

func TestHybridRoutesNamedAllocToPrecise(t *testing.T) {
	d := New("sess-3", testConfig(config.StrategyHybrid), testLogger())
	h := hook.New()
	d.Attach(h)

	d.Resolver().Register(0x2000, "my_buf", "Vec<u8>", 1)
	h.Alloc(d.Clock(), 0x2000, 128, 8, 1)

	snap := d.Snapshot()
	require.Len(t, snap.Live, 1)
	assert.Equal(t, "my_buf", snap.Live[0].VarName)

	h.Dealloc(d.Clock(), 0x2000, 128, 8, 1)
	snap = d.Snapshot()
	assert.Len(t, snap.History, 1)
}

func TestLockFreeNamedAllocationSurvivesViaSpillBuffer(t *testing.T) {
	d := New("sess-5", testConfig(config.StrategyLockFree), testLogger())
	h := hook.New()
	d.Attach(h)

	d.Resolver().Register(0x5000, "named_buf", "Vec<u8>", 1)
	h.Alloc(d.Clock(), 0x5000, 256, 8, 1)

	snap := d.Snapshot()
	require.Len(t, snap.Live, 1)
	assert.Equal(t, "named_buf", snap.Live[0].VarName)
	assert.Equal(t, uint64(0x5000), snap.Live[0].Ptr)
}

func TestFinalizeMarksStillLiveAllocationsLeaked(t *testing.T) {
	d := New("sess-6", testConfig(config.StrategyPrecise), testLogger())
	h := hook.New()
	d.Attach(h)

	h.Alloc(d.Clock(), 0x6000, 64, 8, 1)
	snap := d.Finalize()

	require.Len(t, snap.Live, 1)
	assert.True(t, snap.Live[0].Flags.Has(types.FlagLeaked))
}

func TestFinalizeIsIdempotent(t *testing.T) {
	d := New("sess-4", testConfig(config.StrategyLockFree), testLogger())
	first := d.Finalize()
	second := d.Finalize()
	assert.Equal(t, first.Stats, second.Stats)
	assert.Equal(t, StateFinalized, d.State())
}
