package proxypass

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// sendQueueLen bounds the packets waiting to be forwarded to one leg.
const sendQueueLen = 1024

// maxBatchPackets bounds how many queued packets are coalesced into a batch.
const maxBatchPackets = 64

// Side names the peer a leg talks to.
type Side int

const (
	ClientSide Side = iota // the real client connected to the proxy
	ServerSide             // the real server the proxy connected to
)

func (s Side) String() string {
	if s == ClientSide {
		return "client"
	}
	return "server"
}

// direction is how packet logs label messages read from this side.
func (s Side) direction() string {
	if s == ClientSide {
		return "SERVER BOUND"
	}
	return "CLIENT BOUND"
}

// State is a leg's handshake state.
type State int32

const (
	AwaitCapabilityRequest State = iota
	CapabilityNegotiated
	AwaitLogin
	IdentityValidated
	AwaitHandshakeAck
	EncryptionEnabled
	Relaying
	Rejected
)

var stateNames = [...]string{
	AwaitCapabilityRequest: "AwaitCapabilityRequest",
	CapabilityNegotiated:   "CapabilityNegotiated",
	AwaitLogin:             "AwaitLogin",
	IdentityValidated:      "IdentityValidated",
	AwaitHandshakeAck:      "AwaitHandshakeAck",
	EncryptionEnabled:      "EncryptionEnabled",
	Relaying:               "Relaying",
	Rejected:               "Rejected",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Leg is one of the two connections a session owns. A leg's read loop runs
// on its own goroutine; anything forwarded to it goes through a bounded
// queue drained by its writer goroutine once the session is relaying.
type Leg struct {
	side    Side
	session *Session // owner; used for lookup only
	conn    *packetConn
	helper  *CodecHelper
	state   atomic.Int32
	queue   chan packet
	log     *logrus.Entry
}

func newLeg(s *Session, side Side, conn net.Conn) *Leg {
	l := &Leg{
		side:    side,
		session: s,
		conn:    newPacketConn(conn),
		helper:  NewCodecHelper(s.proxy.legacy),
		queue:   make(chan packet, sendQueueLen),
		log:     s.log.WithField("leg", side.String()),
	}
	l.conn.SetIdleTimeout(s.proxy.config.IdleTimeout)
	l.state.Store(int32(AwaitCapabilityRequest))
	return l
}

// Side reports which peer the leg talks to.
func (l *Leg) Side() Side { return l.side }

// State reports the leg's handshake state.
func (l *Leg) State() State { return State(l.state.Load()) }

// Helper returns the leg's codec helper.
func (l *Leg) Helper() *CodecHelper { return l.helper }

func (l *Leg) setState(st State) {
	prev := State(l.state.Swap(int32(st)))
	l.log.WithFields(logrus.Fields{"from": prev, "to": st}).Debug("Leg state changed")
}

// Send encodes m with the leg's helper and queues it for delivery. It never
// blocks; when the queue is full the message is dropped.
func (l *Leg) Send(m Message) error {
	payload, err := l.session.proxy.config.Codec.Encode(l.helper, m)
	if err != nil {
		return err
	}
	l.forward(packet{kind: m.Kind(), payload: payload})
	return nil
}

// forward queues a raw packet for delivery to this leg's peer.
func (l *Leg) forward(p packet) {
	select {
	case l.queue <- p:
	default:
		l.log.WithField("message", p.kind).Warn("Send queue full, dropping message")
	}
}

// writeNow encodes and writes messages immediately, bypassing the queue.
// Only the handshake uses it, from the leg's own read goroutine.
func (l *Leg) writeNow(msgs ...Message) error {
	packets := make([]packet, 0, len(msgs))
	for _, m := range msgs {
		payload, err := l.session.proxy.config.Codec.Encode(l.helper, m)
		if err != nil {
			return err
		}
		packets = append(packets, packet{kind: m.Kind(), payload: payload})
		l.log.WithField("message", m.Kind()).Trace("Writing handshake message")
	}
	return l.conn.WritePackets(packets...)
}

// writeLoop drains the queue once the session is relaying.
func (l *Leg) writeLoop() {
	s := l.session
	select {
	case <-s.relaying:
	case <-s.closed:
		return
	}
	batch := make([]packet, 0, maxBatchPackets)
	for {
		select {
		case p := <-l.queue:
			batch = append(batch[:0], p)
		drain:
			for len(batch) < maxBatchPackets {
				select {
				case p := <-l.queue:
					batch = append(batch, p)
				default:
					break drain
				}
			}
			if err := l.conn.WritePackets(batch...); err != nil {
				s.Close(peerGone(l.side, err), l)
				return
			}
		case <-s.closed:
			return
		}
	}
}

// readLoop decodes inbound batches until the connection fails or the session
// closes.
func (l *Leg) readLoop() {
	s := l.session
	for {
		packets, err := l.conn.ReadPackets()
		if err != nil {
			if isConnError(err) {
				s.Close(peerGone(l.side, err), l)
			} else {
				s.Close(l.wrapError(err), nil)
			}
			return
		}
		for _, p := range packets {
			if err := l.handle(p); err != nil {
				s.Close(l.wrapError(err), nil)
				return
			}
			if s.isClosed() {
				return
			}
		}
	}
}

// handle decodes one packet and routes it to the handshake or the relay.
func (l *Leg) handle(p packet) error {
	s := l.session
	proxy := s.proxy

	msg, err := proxy.config.Codec.Decode(l.helper, p.kind, p.payload)
	st := l.State()
	relaying := st == EncryptionEnabled || st == Relaying
	if err != nil {
		if !relaying {
			return fmt.Errorf("%w: %v", ErrHandshakeOrder, err)
		}
		l.log.WithError(err).WithField("message", p.kind).Warn("Could not decode message, relaying raw")
		msg = &Unknown{ID: p.kind, Payload: p.payload}
	}

	if !proxy.ignored[p.kind] {
		if s.packetLog != nil {
			s.packetLog.Record(l.side, msg)
		}
		if proxy.config.PacketTesting && err == nil {
			proxy.verifier.Check(l, msg, p.payload)
		}
	}

	if !relaying {
		return s.handshake(l, msg)
	}
	proxy.relay.onMessage(s, l, msg, p)
	return nil
}

// peerDisconnect is a session end caused by one peer going away or saying
// goodbye. Its reason is relayed to the other peer.
type peerDisconnect struct {
	side Side
	msg  string
	err  error
}

func (e *peerDisconnect) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s disconnected: %v", e.side, e.err)
	}
	return fmt.Sprintf("%s disconnected: %s", e.side, e.msg)
}

func (e *peerDisconnect) Unwrap() error { return e.err }

func peerGone(side Side, err error) error {
	if errors.Is(err, errPeerIdle) {
		return &peerDisconnect{side: side, msg: ReasonTimeout, err: err}
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		err = nil
	}
	return &peerDisconnect{side: side, msg: ReasonDisconnected, err: err}
}

// isConnError reports whether err came from the connection rather than from
// what was read off it.
func isConnError(err error) bool {
	var ne net.Error
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, errPeerIdle) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.As(err, &ne)
}

// wrapError attributes a protocol failure to its leg. Anything the real
// server does wrong is an upstream failure from the client's point of view.
func (l *Leg) wrapError(err error) error {
	var pd *peerDisconnect
	if l.side == ClientSide || errors.As(err, &pd) || errors.Is(err, ErrUpstreamConnect) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUpstreamConnect, err)
}
