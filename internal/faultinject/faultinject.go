// Package faultinject is the test-only debug allocator harness described in
// the spec: environment variables gate deterministic allocation-failure
// injection so invariant tests (e.g. "OOM during unused-bytes recovery
// rolls back cleanly") don't depend on actually exhausting memory.
//
// Outside test builds nothing in this package does anything: Check always
// returns nil, and no package-level global is mutated. Call Init once (test
// main or TestMain) to read the environment.
package faultinject

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
)

var (
	mu          sync.Mutex
	enabled     bool
	failNth     int64
	failAbove   int64
	guardBytes  bool
	poolsOff    bool
	callCounter int64
)

// Init reads LUMEN_MALLOC_FAIL_NTH, LUMEN_MALLOC_FAIL_GREATER_THAN and
// LUMEN_MALLOC_GUARDS from the environment and arms the harness
// accordingly. Safe to call multiple times; the last call wins.
func Init() {
	mu.Lock()
	defer mu.Unlock()

	failNth = 0
	failAbove = -1
	guardBytes = false
	enabled = false
	atomic.StoreInt64(&callCounter, 0)

	if v := os.Getenv("LUMEN_MALLOC_FAIL_NTH"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			failNth = n
			enabled = true
		}
	}
	if v := os.Getenv("LUMEN_MALLOC_FAIL_GREATER_THAN"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			failAbove = n
			enabled = true
		}
	}
	guardBytes = os.Getenv("LUMEN_MALLOC_GUARDS") != ""
	poolsOff = os.Getenv("LUMEN_DISABLE_MEM_POOLS") != ""
}

// PoolsDisabled reports whether LUMEN_DISABLE_MEM_POOLS was set. Nothing in
// the module reads it: wire.Loader keeps no buffer pool, so the flag changes
// no allocation behaviour.
func PoolsDisabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return poolsOff
}

// ForceFailNth arms the harness programmatically (used by unit tests that
// don't want to fork a subprocess just to set an env var): every nth call
// to Check across the whole process, counting from 1, fails until Reset.
func ForceFailNth(n int64) {
	mu.Lock()
	defer mu.Unlock()
	failNth = n
	enabled = true
	atomic.StoreInt64(&callCounter, 0)
}

// Reset disarms the harness.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	enabled = false
	failNth = 0
	failAbove = -1
	atomic.StoreInt64(&callCounter, 0)
}

// Check is called at each allocation-shaped decision point the spec names
// as fallible (loader buffer growth, auth mechanism buffers, transport
// init). site is a human-readable label that appears in the returned
// error. It returns a non-nil error when fault injection says this call
// should fail.
func Check(site string) error {
	mu.Lock()
	armed := enabled
	nth := failNth
	mu.Unlock()

	if !armed || nth <= 0 {
		return nil
	}
	n := atomic.AddInt64(&callCounter, 1)
	if n%nth == 0 {
		return fmt.Errorf("faultinject: simulated allocation failure at %s (call %d)", site, n)
	}
	return nil
}

// CheckSize is like Check but also fails allocations above the configured
// LUMEN_MALLOC_FAIL_GREATER_THAN size.
func CheckSize(site string, size int64) error {
	mu.Lock()
	above := failAbove
	mu.Unlock()

	if above >= 0 && size > above {
		return fmt.Errorf("faultinject: simulated allocation failure at %s (size %d > %d)", site, size, above)
	}
	return Check(site)
}

// GuardsEnabled reports whether LUMEN_MALLOC_GUARDS was set.
func GuardsEnabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return guardBytes
}
