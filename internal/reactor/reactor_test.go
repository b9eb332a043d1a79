package reactor

import "testing"

func TestNewWatchStartsEnabled(t *testing.T) {
	w := NewWatch(3, Readable, func(*Watch, Mask) bool { return true })
	if !w.Valid() {
		t.Fatal("a freshly created watch should be valid")
	}
	if !w.Enabled() {
		t.Fatal("a freshly created watch should start enabled")
	}
}

func TestInvalidateClearsFD(t *testing.T) {
	w := NewWatch(5, Readable, nil)
	w.Invalidate()
	if w.Valid() {
		t.Fatal("Invalidate should make the watch invalid")
	}
	if w.FD != -1 {
		t.Fatalf("FD = %d, want -1", w.FD)
	}
}

func TestSetEnabledToggles(t *testing.T) {
	w := NewWatch(5, Readable, nil)
	w.SetEnabled(false)
	if w.Enabled() {
		t.Fatal("SetEnabled(false) should disable the watch")
	}
	w.SetEnabled(true)
	if !w.Enabled() {
		t.Fatal("SetEnabled(true) should re-enable the watch")
	}
}

func TestSanitizeClearsUnregisteredBits(t *testing.T) {
	w := NewWatch(5, Readable, nil)
	got := Sanitize(w, Readable|Writable)
	if got != Readable {
		t.Fatalf("Sanitize = %v, want Readable only (Writable was never registered)", got)
	}
}

func TestSanitizeAlwaysPassesErrorAndHangup(t *testing.T) {
	w := NewWatch(5, Readable, nil)
	got := Sanitize(w, Error|Hangup)
	if got != Error|Hangup {
		t.Fatalf("Sanitize = %v, want Error|Hangup to pass through regardless of registered interest", got)
	}
}

func TestTimeoutArmAndCancel(t *testing.T) {
	var canceled bool
	tm := NewTimeout(100, func() {})
	tm.Arm(func() { canceled = true })
	tm.Cancel()
	if !canceled {
		t.Fatal("Cancel should invoke the armed cancel function")
	}

	// A second Cancel without a re-Arm must not panic or double-invoke.
	tm.Cancel()
}
