package hook

import (
	"bytes"
	"runtime"
	"strconv"
)

// GoroutineID extracts the numeric id from the current goroutine's stack
// header line ("goroutine 123 [running]:"). This is the same textual
// stack-parsing technique the teacher's pkg/profiling.GoroutineTracker uses
// against pprof.Lookup("goroutine") output, applied here as a stand-in for
// the thread/goroutine identity the runtime does not expose directly.
//
// It is deliberately cheap: a single small stack capture, no allocation
// beyond the fixed buffer. Callers on the hot path (the hook) pay this cost
// on every event; spec.md §6's MEMSCOPE_TEST_MODE=1 does not skip it since
// thread_id is part of the minimal record, not an "expensive path".
func GoroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	// Format: "goroutine 123 [running]:\n..."
	data := buf[:n]
	const prefix = "goroutine "
	if !bytes.HasPrefix(data, []byte(prefix)) {
		return -1
	}
	data = data[len(prefix):]
	sp := bytes.IndexByte(data, ' ')
	if sp < 0 {
		return -1
	}
	id, err := strconv.ParseInt(string(data[:sp]), 10, 64)
	if err != nil {
		return -1
	}
	return id
}

// ThreadID16 folds a goroutine id into the uint16 the wire format allots
// for thread_id (spec.md §4.7). Collisions across distinct goroutines are
// possible once more than 65536 goroutines have ever been created; this is
// an accepted, documented lossy mapping (DESIGN.md), not a correctness bug
// for the invariants spec.md §8 tests (those key on ptr, not thread_id).
func ThreadID16() uint16 {
	id := GoroutineID()
	if id < 0 {
		return 0xFFFF
	}
	return uint16(id & 0xFFFF)
}
