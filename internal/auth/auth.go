// Package auth implements the SASL-like client/server handshake the
// transport base drives byte-for-byte against the peer: mechanism
// negotiation, credential exchange, and (for the cookie mechanism) a
// post-auth confidentiality layer whose presence drives the transport's
// unused-bytes recovery branch.
package auth

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/blang/semver"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/lumenbus/bus/internal/faultinject"
)

// ProtocolVersion is the bus protocol version this build of the handshake
// advertises in its OK/BEGIN lines.
const ProtocolVersion = "1.0.0"

// State is the auth session's current step, mirroring spec.md's finite
// state machine.
type State int

const (
	NegotiatingMechanism State = iota
	Continuing
	WaitingForMemory
	Authenticated
	Rejected
)

func (s State) String() string {
	switch s {
	case NegotiatingMechanism:
		return "NegotiatingMechanism"
	case Continuing:
		return "Continuing"
	case WaitingForMemory:
		return "WaitingForMemory"
	case Authenticated:
		return "Authenticated"
	case Rejected:
		return "Rejected"
	default:
		return "Unknown"
	}
}

// Identity is the peer's credentials as established by the handshake.
// UID/PID are -1 (Unset) when the mechanism used doesn't establish them.
type Identity struct {
	UID int64
	PID int64
}

const Unset int64 = -1

// ErrAuthFailure is the sentinel for a rejected handshake: bad mechanism,
// bad cookie proof, or a peer the allowed mechanism list excludes.
var ErrAuthFailure = errors.New("auth: authentication failed")

// PeerCredentials are ambient unix credentials the backend obtains off the
// socket (SO_PEERCRED et al.) and feeds in before DoWork runs the EXTERNAL
// mechanism; EXTERNAL has no wire-level credential proof of its own, it
// trusts the kernel-supplied identity of whoever is on the other end of
// the socket.
type PeerCredentials struct {
	UID, PID, GID int64
}

// Mechanism names the transport may negotiate, set via Transport's
// SetAuthMechanisms (spec.md §4.1) and forwarded here unchanged.
const (
	MechanismExternal = "EXTERNAL"
	MechanismCookie   = "LUMEN_COOKIE"
)

var allMechanisms = []string{MechanismExternal, MechanismCookie}

// Session drives one side of the handshake. Client sessions are created
// with NewClient, server sessions with NewServer.
type Session struct {
	mu sync.Mutex

	isServer   bool
	serverGUID string // server's own GUID (server side) or "" (client side)
	mechanisms []string

	state State

	out bytes.Buffer // bytes queued to send to the peer
	in  bytes.Buffer // bytes received, not yet consumed by DoWork

	unused     []byte
	encrypting bool   // true once a confidentiality layer is negotiated
	streamKey  [32]byte

	// client-side outcome
	serverGUIDSeen string
	haveServerGUID bool

	// server-side outcome
	peerIdentity Identity
	havePeerID   bool
	peerCreds    PeerCredentials
	haveCreds    bool

	triedMechanism  string
	remainingMechs  []string
	pendingCookieID string
	serverChallenge string

	// minVersion is the lowest peer protocol version this session accepts;
	// the zero value (0.0.0) is satisfied by any peer, so enforcement is
	// opt-in via SetMinProtocolVersion.
	minVersion semver.Version
}

// SetMinProtocolVersion arms a floor on the peer's advertised protocol
// version (spec.md §4.7): a peer reporting anything lower is rejected
// instead of authenticated, the way the teacher's ssh_agent.go refuses an
// enclave below enclaveVersion.LT(...).
func (s *Session) SetMinProtocolVersion(v string) error {
	parsed, err := semver.Parse(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.minVersion = parsed
	s.mu.Unlock()
	return nil
}

// NewClient returns a client-side auth session.
func NewClient() *Session {
	return &Session{isServer: false, mechanisms: append([]string(nil), allMechanisms...)}
}

// NewServer returns a server-side auth session advertising serverGUID.
func NewServer(serverGUID string) *Session {
	return &Session{isServer: true, serverGUID: serverGUID, mechanisms: append([]string(nil), allMechanisms...)}
}

// SetMechanisms narrows the set of mechanisms this session will offer
// (client) or accept (server). The slice is copied immediately, so the
// session never aliases the caller's slice and the caller need not keep it
// alive after this call.
func (s *Session) SetMechanisms(mechs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mechanisms = append([]string(nil), mechs...)
}

// SetPeerCredentials supplies the ambient unix credentials of whoever is on
// the other end of the transport, used by the EXTERNAL mechanism.
func (s *Session) SetPeerCredentials(c PeerCredentials) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peerCreds = c
	s.haveCreds = true
}

// Feed appends bytes read off the wire during the handshake.
func (s *Session) Feed(b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.in.Write(b)
}

// PullOutgoing drains and returns bytes queued for the peer.
func (s *Session) PullOutgoing() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out.Len() == 0 {
		return nil
	}
	b := append([]byte(nil), s.out.Bytes()...)
	s.out.Reset()
	return b
}

// State returns the session's current step.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// NeedsDecoding reports whether a confidentiality layer is active. The
// transport consults it only for the unused-bytes trailer, which it passes
// through DecodeData before the message loader; later reads and outgoing
// messages are not run through DecodeData/EncodeData.
func (s *Session) NeedsDecoding() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.encrypting
}

// GetUnusedBytes returns the trailing bytes read during the handshake that
// belong to the message stream. They remain valid until
// DeleteUnusedBytes is called.
func (s *Session) GetUnusedBytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unused
}

// DeleteUnusedBytes clears the trailer once the transport has recovered it.
func (s *Session) DeleteUnusedBytes() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unused = nil
}

// DecodeData decrypts bytes encoded under the negotiated confidentiality
// layer (only meaningful when NeedsDecoding is true).
func (s *Session) DecodeData(encoded []byte) ([]byte, error) {
	if err := faultinject.Check("auth.DecodeData"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	key := s.streamKey
	s.mu.Unlock()

	if len(encoded) < 24 {
		if len(encoded) == 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("auth: encoded data too short")
	}
	var nonce [24]byte
	copy(nonce[:], encoded[:24])
	plain, ok := secretbox.Open(nil, encoded[24:], &nonce, &key)
	if !ok {
		return nil, fmt.Errorf("auth: failed to decrypt stream data")
	}
	return plain, nil
}

// EncodeData encrypts outgoing bytes under the negotiated confidentiality
// layer.
func (s *Session) EncodeData(plain []byte) ([]byte, error) {
	if err := faultinject.Check("auth.EncodeData"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	key := s.streamKey
	s.mu.Unlock()

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	out := make([]byte, 24, 24+len(plain)+secretbox.Overhead)
	copy(out, nonce[:])
	return secretbox.Seal(out, plain, &nonce, &key), nil
}

// GUIDFromServer returns the server's GUID as learned during the handshake
// (client side only). ok is false until the handshake has progressed far
// enough to have seen it.
func (s *Session) GUIDFromServer() (guid string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverGUIDSeen, s.haveServerGUID
}

// Identity returns the peer identity established during the handshake
// (server side only).
func (s *Session) Identity() Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.havePeerID {
		return s.peerIdentity
	}
	return Identity{UID: Unset, PID: Unset}
}

// DoWork advances the handshake by one step: it emits any bytes the
// session now owes the peer, and consumes as much of the buffered
// incoming data as currently parses into a complete command. It returns
// the resulting state.
func (s *Session) DoWork() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Authenticated || s.state == Rejected {
		return s.state
	}

	if err := faultinject.Check("auth.DoWork"); err != nil {
		s.state = WaitingForMemory
		return s.state
	}

	if s.state == NegotiatingMechanism {
		if s.isServer {
			s.state = Continuing
		} else {
			s.clientBeginNegotiation()
		}
	}

	for {
		line, rest, ok := cutLine(s.in.Bytes())
		if !ok {
			return s.state
		}

		var remainder []byte
		if s.isServer {
			remainder = s.serverStep(line, rest)
		} else {
			remainder = s.clientStep(line, rest)
		}

		s.in.Reset()
		s.in.Write(remainder)

		if s.state == Authenticated || s.state == Rejected {
			return s.state
		}
	}
}

// cutLine extracts the first CRLF-terminated line from buf, returning the
// line (without the terminator), the bytes after it, and whether a full
// line was present.
func cutLine(buf []byte) (line []byte, rest []byte, ok bool) {
	idx := bytes.Index(buf, []byte("\r\n"))
	if idx < 0 {
		return nil, buf, false
	}
	return buf[:idx], buf[idx+2:], true
}

func writeLine(buf *bytes.Buffer, parts ...string) {
	buf.WriteString(strings.Join(parts, " "))
	buf.WriteString("\r\n")
}

// --- client side ---

func (s *Session) clientBeginNegotiation() {
	s.remainingMechs = append([]string(nil), s.mechanisms...)
	s.tryNextMechanism()
}

func (s *Session) tryNextMechanism() {
	if len(s.remainingMechs) == 0 {
		s.state = Rejected
		return
	}
	mech := s.remainingMechs[0]
	s.remainingMechs = s.remainingMechs[1:]
	s.triedMechanism = mech
	s.state = Continuing

	switch mech {
	case MechanismExternal:
		writeLine(&s.out, "AUTH", MechanismExternal)
	case MechanismCookie:
		writeLine(&s.out, "AUTH", MechanismCookie)
	default:
		s.tryNextMechanism()
	}
}

func (s *Session) clientStep(line, rest []byte) []byte {
	fields := strings.Fields(string(line))
	if len(fields) == 0 {
		return rest
	}

	switch fields[0] {
	case "REJECTED":
		s.tryNextMechanism()
	case "DATA":
		// cookie mechanism: fields[1] is "context:id:serverChallenge" hex
		if len(fields) < 2 {
			s.state = Rejected
			return rest
		}
		raw, err := hex.DecodeString(fields[1])
		if err != nil {
			s.state = Rejected
			return rest
		}
		parts := strings.SplitN(string(raw), ":", 3)
		if len(parts) != 3 {
			s.state = Rejected
			return rest
		}
		cookieID, serverChallenge := parts[1], parts[2]

		clientChallenge := randomHex(16)
		cookie := lookupCookie(cookieID)
		proof := cookieProof(serverChallenge, clientChallenge, cookie)

		s.streamKey = deriveStreamKey(cookie, serverChallenge, clientChallenge)
		s.encrypting = true

		writeLine(&s.out, "DATA", hex.EncodeToString([]byte(clientChallenge+":"+proof)))
	case "OK":
		if len(fields) < 2 {
			s.state = Rejected
			return rest
		}
		if len(fields) >= 3 {
			peerVersion, err := semver.Parse(fields[2])
			if err != nil || peerVersion.LT(s.minVersion) {
				s.state = Rejected
				return rest
			}
		}
		s.serverGUIDSeen = fields[1]
		s.haveServerGUID = true
		writeLine(&s.out, "BEGIN", ProtocolVersion)
		s.state = Authenticated
		s.unused = append([]byte(nil), rest...)
		return nil
	case "ERROR":
		s.tryNextMechanism()
	default:
		s.state = Rejected
	}
	return rest
}

// --- server side ---

func (s *Session) serverStep(line, rest []byte) []byte {
	fields := strings.Fields(string(line))
	if len(fields) == 0 {
		return rest
	}

	switch fields[0] {
	case "AUTH":
		if len(fields) < 2 {
			writeLine(&s.out, "ERROR", "no mechanism given")
			return rest
		}
		mech := fields[1]
		if !s.mechanismAllowed(mech) {
			writeLine(&s.out, "REJECTED", strings.Join(s.mechanisms, " "))
			return rest
		}
		s.triedMechanism = mech
		switch mech {
		case MechanismExternal:
			if !s.haveCreds {
				writeLine(&s.out, "ERROR", "no peer credentials available")
				return rest
			}
			s.peerIdentity = Identity{UID: s.peerCreds.UID, PID: s.peerCreds.PID}
			s.havePeerID = true
			writeLine(&s.out, "OK", s.serverGUID, ProtocolVersion)
		case MechanismCookie:
			cookieID, cookie := issueCookie()
			s.pendingCookieID = cookieID
			s.serverChallenge = randomHex(16)
			payload := "lumen-bus-cookie:" + cookieID + ":" + s.serverChallenge
			writeLine(&s.out, "DATA", hex.EncodeToString([]byte(payload)))
			_ = cookie
		default:
			writeLine(&s.out, "REJECTED", strings.Join(s.mechanisms, " "))
		}
	case "DATA":
		if s.triedMechanism != MechanismCookie || len(fields) < 2 {
			writeLine(&s.out, "ERROR", "unexpected DATA")
			return rest
		}
		raw, err := hex.DecodeString(fields[1])
		if err != nil {
			writeLine(&s.out, "ERROR", "bad hex")
			return rest
		}
		parts := strings.SplitN(string(raw), ":", 2)
		if len(parts) != 2 {
			writeLine(&s.out, "ERROR", "malformed proof")
			return rest
		}
		clientChallenge, proof := parts[0], parts[1]
		if !consumeCookieOnce(s.pendingCookieID, clientChallenge) {
			writeLine(&s.out, "REJECTED", strings.Join(s.mechanisms, " "))
			return rest
		}
		cookie := lookupCookie(s.pendingCookieID)
		want := cookieProof(s.serverChallenge, clientChallenge, cookie)
		if proof != want {
			writeLine(&s.out, "REJECTED", strings.Join(s.mechanisms, " "))
			return rest
		}
		s.streamKey = deriveStreamKey(cookie, s.serverChallenge, clientChallenge)
		s.encrypting = true
		writeLine(&s.out, "OK", s.serverGUID, ProtocolVersion)
	case "BEGIN":
		if len(fields) >= 2 {
			peerVersion, err := semver.Parse(fields[1])
			if err != nil || peerVersion.LT(s.minVersion) {
				s.state = Rejected
				return rest
			}
		}
		s.state = Authenticated
		s.unused = append([]byte(nil), rest...)
		return nil
	default:
		writeLine(&s.out, "ERROR", "unknown command")
	}
	return rest
}

func (s *Session) mechanismAllowed(mech string) bool {
	for _, m := range s.mechanisms {
		if m == mech {
			return true
		}
	}
	return false
}

func cookieProof(serverChallenge, clientChallenge, cookie string) string {
	h := sha256.Sum256([]byte(serverChallenge + ":" + clientChallenge + ":" + cookie))
	return hex.EncodeToString(h[:])
}

func deriveStreamKey(cookie, serverChallenge, clientChallenge string) [32]byte {
	return sha256.Sum256([]byte("lumen-bus-stream-key:" + cookie + ":" + serverChallenge + ":" + clientChallenge))
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
