package proxypass

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// disconnectWriteTimeout bounds the best-effort goodbye sent on teardown.
const disconnectWriteTimeout = time.Second

// Session pairs a client leg with the server leg opened on its behalf.
// The client leg exists from the start; the server leg is attached once the
// client's identity is validated and the upstream dial succeeds.
type Session struct {
	id      uuid.UUID
	proxy   *Proxy
	created time.Time
	keys    *KeyPair
	log     *logrus.Entry

	client *Leg

	mu     sync.Mutex
	server *Leg

	// Set by the client leg during login, read-only afterwards.
	identity  IdentityClaims
	chain     *ChainResult
	skinData  json.RawMessage
	packetLog *SessionLogger

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	relaying  chan struct{}
	relayOnce sync.Once
	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func newSession(p *Proxy, conn net.Conn) (*Session, error) {
	keys, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(p.ctx)
	s := &Session{
		id:       uuid.New(),
		proxy:    p,
		created:  time.Now(),
		keys:     keys,
		ctx:      ctx,
		cancel:   cancel,
		relaying: make(chan struct{}),
		closed:   make(chan struct{}),
	}
	s.log = p.log.WithFields(logrus.Fields{
		"session": s.id.String(),
		"client":  conn.RemoteAddr().String(),
	})
	s.client = newLeg(s, ClientSide, conn)
	return s, nil
}

// ID identifies the session in logs.
func (s *Session) ID() uuid.UUID { return s.id }

// Identity returns the client's validated identity. It is the zero value
// until the client leg has logged in.
func (s *Session) Identity() IdentityClaims { return s.identity }

// Client returns the client-facing leg.
func (s *Session) Client() *Leg { return s.client }

// Server returns the server-facing leg, or nil if it is not attached yet.
func (s *Session) Server() *Leg {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.server
}

// Peer returns the leg opposite l, or nil if it does not exist yet.
func (s *Session) Peer(l *Leg) *Leg {
	if l.side == ServerSide {
		return s.client
	}
	return s.Server()
}

// Relaying is closed once both legs are encrypted and relaying.
func (s *Session) Relaying() <-chan struct{} { return s.relaying }

// Done is closed when the session has been torn down.
func (s *Session) Done() <-chan struct{} { return s.closed }

// Err returns the error that ended the session, or nil.
func (s *Session) Err() error {
	select {
	case <-s.closed:
		return s.closeErr
	default:
		return nil
	}
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// run serves the session until it closes. It blocks on the client leg's
// read loop and then waits for every goroutine the session started.
func (s *Session) run() {
	timer := time.AfterFunc(s.proxy.config.HandshakeTimeout, func() {
		select {
		case <-s.relaying:
		default:
			s.Close(ErrHandshakeTimeout, nil)
		}
	})
	defer timer.Stop()

	s.log.Debug("Session started")
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.client.writeLoop()
	}()
	s.client.readLoop()

	s.Close(nil, nil)
	s.wg.Wait()

	s.keys.Destroy()
	if s.packetLog != nil {
		s.proxy.flusher.remove(s.packetLog)
	}
	s.log.WithField("duration", time.Since(s.created).Round(time.Millisecond)).Info("Session ended")
}

// connectUpstream dials the real server and starts the server leg. It runs on
// its own goroutine while the client finishes its handshake.
func (s *Session) connectUpstream() {
	cfg := s.proxy.config
	ctx, cancel := context.WithTimeout(s.ctx, cfg.ConnectTimeout)
	defer cancel()

	dest := cfg.Destination.String()
	conn, err := cfg.Transport.Dial(ctx, dest)
	if err != nil {
		s.log.WithError(err).WithField("destination", dest).Error("Could not connect to server")
		s.Close(fmt.Errorf("%w: %v", ErrUpstreamConnect, err), nil)
		return
	}

	leg := newLeg(s, ServerSide, conn)
	s.mu.Lock()
	if s.isClosed() {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.server = leg
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		leg.writeLoop()
	}()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		leg.readLoop()
	}()

	s.log.WithField("destination", dest).Debug("Connected to server")
	if err := leg.writeNow(&RequestNetworkSettings{ProtocolVersion: ProtocolVersion}); err != nil {
		s.Close(fmt.Errorf("%w: %v", ErrUpstreamConnect, err), nil)
	}
}

// maybeStartRelay switches both legs to Relaying once both are encrypted.
func (s *Session) maybeStartRelay() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil || s.client.State() != EncryptionEnabled || s.server.State() != EncryptionEnabled {
		return
	}
	s.relayOnce.Do(func() {
		s.client.setState(Relaying)
		s.server.setState(Relaying)
		close(s.relaying)
		s.log.WithField("player", s.identity.DisplayName).Info("Session relaying")
	})
}

// Close tears the session down once. Every leg except skip is sent a
// Disconnect carrying the reason for err; skip is the leg whose peer is
// already gone. Client legs that failed before login also get a PlayStatus.
func (s *Session) Close(err error, skip *Leg) {
	s.closeOnce.Do(func() {
		s.closeErr = err
		s.mu.Lock()
		server := s.server
		close(s.closed)
		s.mu.Unlock()
		s.cancel()

		reason := reasonFor(err)
		entry := s.log.WithField("reason", reason)
		switch {
		case err == nil:
			entry.Debug("Closing session")
		case errors.Is(err, ErrUpstreamConnect):
			entry.WithError(err).Error("Closing session")
		case errors.Is(err, ErrChainInvalid), errors.Is(err, ErrVersionMismatch), errors.Is(err, ErrHandshakeOrder):
			entry.WithError(err).Warn("Rejecting client")
		default:
			entry.WithError(err).Info("Closing session")
		}

		if s.client != skip {
			s.goodbye(s.client, err, reason)
		}
		if server != nil && server != skip {
			s.goodbye(server, err, reason)
		}
		s.client.conn.Close()
		if server != nil {
			server.conn.Close()
		}
	})
}

// goodbye writes a best-effort Disconnect to l.
func (s *Session) goodbye(l *Leg, err error, reason string) {
	var msgs []Message
	if l.side == ClientSide {
		if status, ok := statusFor(err); ok && l.State() < EncryptionEnabled {
			msgs = append(msgs, &PlayStatus{Status: status})
		}
	}
	if err != nil && l.State() < EncryptionEnabled {
		l.setState(Rejected)
	}
	msgs = append(msgs, &Disconnect{Message: reason})

	packets := make([]packet, 0, len(msgs))
	for _, m := range msgs {
		payload, encErr := s.proxy.config.Codec.Encode(l.helper, m)
		if encErr != nil {
			continue
		}
		packets = append(packets, packet{kind: m.Kind(), payload: payload})
	}
	if werr := l.conn.writeWithin(disconnectWriteTimeout, packets...); werr != nil {
		l.log.WithError(werr).Debug("Could not send disconnect")
	}
}

// reasoner is implemented by errors that carry their own client-visible
// disconnect reason.
type reasoner interface {
	reason() string
}

// reasonFor picks the disconnect reason sent to remaining peers.
func reasonFor(err error) string {
	var r reasoner
	if errors.As(err, &r) {
		return r.reason()
	}
	return disconnectReason(err)
}

// statusFor picks the PlayStatus sent to a client rejected during login.
func statusFor(err error) (PlayStatusCode, bool) {
	var ve *versionError
	if errors.As(err, &ve) {
		return ve.status(), true
	}
	if errors.Is(err, ErrHandshakeOrder) {
		return StatusLoginFailedClient, true
	}
	return 0, false
}

func (e *peerDisconnect) reason() string { return e.msg }
