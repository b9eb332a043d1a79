package auth

import (
	"crypto/rand"
	"encoding/hex"
	"sync"

	lru "github.com/hashicorp/golang-lru"
)

// keyring holds the shared cookie secrets LUMEN_COOKIE authenticates
// against — the local equivalent of DBUS_COOKIE_SHA1's ~/.dbus-keyrings.
// Kept in-memory and process-wide since every example in this module runs
// client and server in the same process (paired debug-pipe backends, or a
// daemon plus its own CLI harness on one host); a real multi-host deployment
// would back this with the keyring directory under internal/buspath
// instead.
var keyring = struct {
	sync.Mutex
	cookies map[string]string
}{cookies: map[string]string{}}

// replaySeen rejects a (cookieID, clientChallenge) pair that has already
// been consumed, closing the replay window spec.md doesn't itself name but
// any cookie-based SASL mechanism must guard against. Bounded to 256
// entries, matching the sizing the teacher used for its own session-keyed
// LRU (daemon/ssh_agent.go's hostAuthCallbacksBySessionID).
var replaySeen, _ = lru.New(256)

func issueCookie() (id, secret string) {
	idBytes := make([]byte, 8)
	_, _ = rand.Read(idBytes)
	id = hex.EncodeToString(idBytes)

	secretBytes := make([]byte, 24)
	_, _ = rand.Read(secretBytes)
	secret = hex.EncodeToString(secretBytes)

	keyring.Lock()
	keyring.cookies[id] = secret
	keyring.Unlock()
	return id, secret
}

func lookupCookie(id string) string {
	keyring.Lock()
	defer keyring.Unlock()
	return keyring.cookies[id]
}

func consumeCookieOnce(cookieID, clientChallenge string) bool {
	key := cookieID + ":" + clientChallenge
	if replaySeen.Contains(key) {
		return false
	}
	replaySeen.Add(key, struct{}{})
	return true
}
