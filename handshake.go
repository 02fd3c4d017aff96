package proxypass

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// upstreamRejected is a login refused by the real server.
type upstreamRejected struct {
	status PlayStatusCode
}

func (e *upstreamRejected) Error() string {
	return fmt.Sprintf("server rejected login with status %d", e.status)
}

func (e *upstreamRejected) Is(target error) bool { return target == ErrUpstreamConnect }

func (e *upstreamRejected) reason() string {
	switch e.status {
	case StatusLoginFailedClient:
		return ReasonOutdatedClient
	case StatusLoginFailedServer:
		return ReasonOutdatedServer
	case StatusServerFull:
		return ReasonServerFull
	}
	return ReasonCantConnect
}

// handshake advances l's state machine with one message. Any returned error
// ends the session.
func (s *Session) handshake(l *Leg, m Message) error {
	if d, ok := m.(*Disconnect); ok {
		s.Close(&peerDisconnect{side: l.side, msg: d.Message}, l)
		return nil
	}
	if l.side == ClientSide {
		return s.clientHandshake(l, m)
	}
	return s.serverHandshake(l, m)
}

// clientHandshake drives the client-facing leg:
//
//	RequestNetworkSettings  -> NetworkSettings, compression on
//	Login                   -> chain validated, ServerToClientHandshake, encryption on, upstream dialed
//	ClientToServerHandshake -> EncryptionEnabled
func (s *Session) clientHandshake(l *Leg, m Message) error {
	cfg := s.proxy.config
	switch l.State() {
	case AwaitCapabilityRequest:
		switch m := m.(type) {
		case *RequestNetworkSettings:
			if m.ProtocolVersion != ProtocolVersion {
				return &versionError{got: m.ProtocolVersion, want: ProtocolVersion}
			}
			l.setState(CapabilityNegotiated)
			err := l.writeNow(&NetworkSettings{
				CompressionThreshold: uint16(cfg.CompressionThreshold),
				CompressionAlgorithm: s.proxy.compression,
			})
			if err != nil {
				return err
			}
			l.conn.EnableCompression(s.proxy.compression, cfg.CompressionThreshold)
			l.setState(AwaitLogin)
			return nil
		case *Login:
			return fmt.Errorf("%w: login before network settings", ErrHandshakeOrder)
		}

	case AwaitLogin:
		if m, ok := m.(*Login); ok {
			return s.login(l, m)
		}

	case AwaitHandshakeAck:
		if _, ok := m.(*ClientToServerHandshake); ok {
			l.setState(EncryptionEnabled)
			s.maybeStartRelay()
			return nil
		}
	}
	return fmt.Errorf("%w: %s in state %s", ErrHandshakeOrder, m.Kind(), l.State())
}

// login validates the client's identity, starts encryption with it and
// dials the real server.
func (s *Session) login(l *Leg, m *Login) error {
	p := s.proxy
	if m.ProtocolVersion != ProtocolVersion {
		return &versionError{got: m.ProtocolVersion, want: ProtocolVersion}
	}

	chain, err := p.authority.ValidateChain(m.Chain)
	if err != nil {
		return err
	}
	skin, err := ReadClientData(m.ClientData, chain.IdentityKey)
	if err != nil {
		return err
	}
	s.identity = chain.Claims
	s.chain = chain
	s.skinData = skin
	l.setState(IdentityValidated)
	s.log.WithFields(logrus.Fields{
		"player":  chain.Claims.DisplayName,
		"xuid":    chain.Claims.XUID,
		"trusted": chain.Trusted,
	}).Info("Client authenticated")

	if p.config.LogPackets {
		s.packetLog = p.newSessionLogger(chain.Claims.DisplayName, s.created)
		s.packetLog.SaveJSON("chainData.json", chain.Payload)
		s.packetLog.SaveJSON("skinData.json", skin)
	}

	salt, err := GenerateSalt()
	if err != nil {
		return err
	}
	token, err := signSaltToken(s.keys, salt)
	if err != nil {
		return err
	}
	key, err := DeriveChannelKey(s.keys.Private, chain.IdentityKey, salt)
	if err != nil {
		return err
	}
	if err := l.writeNow(&ServerToClientHandshake{JWT: token}); err != nil {
		return err
	}
	if err := l.conn.EnableEncryption(key); err != nil {
		return err
	}
	l.setState(AwaitHandshakeAck)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.connectUpstream()
	}()
	return nil
}

// serverHandshake drives the server-facing leg, where the proxy plays the
// client:
//
//	NetworkSettings         -> compression on, forged Login
//	ServerToClientHandshake -> encryption on, ClientToServerHandshake, EncryptionEnabled
func (s *Session) serverHandshake(l *Leg, m Message) error {
	if ps, ok := m.(*PlayStatus); ok && ps.Status != StatusLoginSuccess {
		return &upstreamRejected{status: ps.Status}
	}

	switch l.State() {
	case AwaitCapabilityRequest:
		if m, ok := m.(*NetworkSettings); ok {
			l.conn.EnableCompression(m.CompressionAlgorithm, int(m.CompressionThreshold))
			l.setState(CapabilityNegotiated)

			chain, err := ForgeChain(s.keys, s.identity)
			if err != nil {
				return err
			}
			skin, err := ForgeSkinToken(s.keys, s.skinData)
			if err != nil {
				return err
			}
			if err := l.writeNow(&Login{
				ProtocolVersion: ProtocolVersion,
				Chain:           []string{chain},
				ClientData:      skin,
			}); err != nil {
				return err
			}
			l.setState(AwaitHandshakeAck)
			return nil
		}

	case AwaitHandshakeAck:
		if m, ok := m.(*ServerToClientHandshake); ok {
			serverKey, salt, err := parseSaltToken(m.JWT)
			if err != nil {
				return err
			}
			key, err := DeriveChannelKey(s.keys.Private, serverKey, salt)
			if err != nil {
				return err
			}
			if err := l.conn.EnableEncryption(key); err != nil {
				return err
			}
			if err := l.writeNow(&ClientToServerHandshake{}); err != nil {
				return err
			}
			l.setState(EncryptionEnabled)
			s.maybeStartRelay()
			return nil
		}
	}
	return fmt.Errorf("%w: %s in state %s", ErrHandshakeOrder, m.Kind(), l.State())
}
