package transport

import "github.com/lumenbus/bus/internal/address"

// openFunc is one entry in the opener's fixed factory table. It returns
// (transport, handled, err): handled is false when this factory doesn't
// recognize the entry's method at all (try the next factory); when
// handled is true, err (possibly nil) is authoritative and no further
// factory is tried for this entry.
type openFunc func(entry address.Entry, expectedGUID string) (*Transport, bool, error)

// openFuncs is tried, in order, for each address entry: stream socket,
// the platform-specific backend (named pipes on Windows), autolaunch, then
// the test-only debug-pipe factory, which resolves "debug-pipe:name=..."
// entries out of debugPipeRegistry instead of touching the network.
var openFuncs = []openFunc{
	openSocket,
	openPlatformSpecific,
	openAutolaunch,
	openDebugPipe,
}

// Open resolves a ";"-separated bus address into a connected client
// Transport, trying each entry in turn and, within an entry, each backend
// factory in turn, exactly as spec.md §4.2 describes. The first entry for
// which some factory returns handled=true determines the outcome; entries
// no factory recognizes are skipped.
func Open(addr string) (*Transport, error) {
	entries, err := address.Parse(addr)
	if err != nil {
		return nil, ErrBadAddress
	}

	for _, entry := range entries {
		expectedGUID := entry.Value("guid")

		for _, open := range openFuncs {
			t, handled, err := open(entry, expectedGUID)
			if !handled {
				continue
			}
			if err != nil {
				return nil, err
			}
			return t, nil
		}
	}

	return nil, ErrBadAddress
}
