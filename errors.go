package proxypass

import "errors"

var (
	// ErrChainInvalid means the client's authentication chain failed validation.
	ErrChainInvalid = errors.New("authentication chain invalid")
	// ErrCrypto covers key parsing, key agreement and signing failures.
	ErrCrypto = errors.New("crypto failure")
	// ErrVersionMismatch means a peer speaks a different protocol version.
	ErrVersionMismatch = errors.New("protocol version mismatch")
	// ErrHandshakeOrder means a handshake message arrived in the wrong state.
	ErrHandshakeOrder = errors.New("handshake message out of order")
	// ErrUpstreamConnect means the real server could not be reached or
	// rejected the proxy's handshake.
	ErrUpstreamConnect = errors.New("upstream connect failure")
	// ErrHandshakeTimeout means the session did not reach Relaying in time.
	ErrHandshakeTimeout = errors.New("handshake timed out")
	// ErrSessionClosed is returned by operations on a torn-down session.
	ErrSessionClosed = errors.New("session closed")
)

// Client-visible disconnect reasons. These are localization keys and must
// match what the client expects byte for byte.
const (
	ReasonCantConnect      = "disconnectionScreen.internalError.cantConnect"
	ReasonNotAuthenticated = "disconnectionScreen.notAuthenticated"
	ReasonOutdatedClient   = "disconnectionScreen.outdatedClient"
	ReasonOutdatedServer   = "disconnectionScreen.outdatedServer"
	ReasonServerFull       = "disconnectionScreen.serverFull"
	ReasonTimeout          = "disconnectionScreen.timeout"
	ReasonDisconnected     = "disconnectionScreen.disconnected"
	ReasonNoReason         = "disconnectionScreen.noReason"
)

// disconnectReason maps a terminal session error to the reason shown to the
// peer that is still connected.
func disconnectReason(err error) string {
	switch {
	case err == nil:
		return ReasonDisconnected
	case errors.Is(err, ErrChainInvalid):
		return ReasonNotAuthenticated
	case errors.Is(err, ErrCrypto), errors.Is(err, ErrUpstreamConnect):
		return ReasonCantConnect
	case errors.Is(err, ErrHandshakeTimeout):
		return ReasonTimeout
	case errors.Is(err, ErrHandshakeOrder):
		return ReasonOutdatedClient
	default:
		return ReasonNoReason
	}
}

// versionError records which side of a version mismatch is older.
type versionError struct {
	got, want int32
}

func (e *versionError) Error() string {
	if e.got > e.want {
		return "protocol version mismatch: peer is newer than the relay"
	}
	return "protocol version mismatch: peer is older than the relay"
}

func (e *versionError) Is(target error) bool { return target == ErrVersionMismatch }

// reason is the localization key for the mismatch as seen by a client.
func (e *versionError) reason() string {
	if e.got > e.want {
		return ReasonOutdatedServer
	}
	return ReasonOutdatedClient
}

// status is the PlayStatus sent to a client before disconnecting it.
func (e *versionError) status() PlayStatusCode {
	if e.got > e.want {
		return StatusLoginFailedServer
	}
	return StatusLoginFailedClient
}
