//go:build !windows

package transport

import "github.com/lumenbus/bus/internal/address"

// openPlatformSpecific has nothing to offer outside Windows; the opener's
// fixed factory order still tries it and falls through to the next
// factory, exactly as spec.md §4.2 describes for a factory that declines.
func openPlatformSpecific(entry address.Entry, expectedGUID string) (*Transport, bool, error) {
	return nil, false, nil
}
