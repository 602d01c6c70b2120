package identity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsumeMatchesRegisteredPointer(t *testing.T) {
	r := New(time.Second, 16)
	r.Register(0x1000, "buf", "Vec<u8>", 1)

	p, ok := r.Consume(0x1000)
	require.True(t, ok)
	assert.Equal(t, "buf", p.VarName)

	_, ok = r.Consume(0x1000)
	assert.False(t, ok, "Consume should remove the entry on first match")
}

func TestTickOnlyCountsSameThreadAllocations(t *testing.T) {
	r := New(time.Second, 2)
	r.Register(0x1000, "buf", "Vec<u8>", 1)

	// Allocations observed on a different thread must not advance this
	// entry's same-thread counter.
	for i := 0; i < 5; i++ {
		r.Tick(2)
	}
	assert.True(t, r.Peek(0x1000), "entry expired after other-thread ticks")

	// Two same-thread ticks hit maxAllocs and expire the entry.
	r.Tick(1)
	r.Tick(1)
	assert.False(t, r.Peek(0x1000), "entry still pending after maxAllocs same-thread ticks")
}

func TestTickExpiresEntryPastWindowRegardlessOfThread(t *testing.T) {
	r := New(time.Microsecond, 1000)
	r.Register(0x1000, "buf", "Vec<u8>", 1)

	time.Sleep(2 * time.Millisecond)
	r.Tick(2)

	assert.False(t, r.Peek(0x1000), "entry should have expired on window timeout")
}

func TestConsumeRejectsExpiredEntry(t *testing.T) {
	r := New(time.Microsecond, 16)
	r.Register(0x1000, "buf", "Vec<u8>", 1)

	time.Sleep(2 * time.Millisecond)

	_, ok := r.Consume(0x1000)
	assert.False(t, ok)
	assert.Equal(t, uint64(1), r.ClassificationMisses())
}
