package proxypass

import (
	"context"
	"fmt"
	"net"

	kcp "github.com/xtaci/kcp-go/v5"
)

// Transport is the reliable, ordered byte stream under both legs. Message
// boundaries are not preserved; packetConn frames batches itself. A peer that
// vanishes may never be reported, so legs rely on an idle deadline.
type Transport interface {
	Listen(addr string) (net.Listener, error)
	Dial(ctx context.Context, addr string) (net.Conn, error)
}

// KCPTransport carries batches over KCP in stream mode.
type KCPTransport struct {
	MTU        int // default: 1400
	SendWindow int // default: 512
	RecvWindow int // default: 512
	SocketBuf  int // default: 4 MiB
}

// NewKCPTransport returns a KCP transport with low-latency defaults.
func NewKCPTransport() *KCPTransport {
	return &KCPTransport{
		MTU:        1400,
		SendWindow: 512,
		RecvWindow: 512,
		SocketBuf:  4 << 20,
	}
}

// Listen accepts KCP sessions on addr.
func (t *KCPTransport) Listen(addr string) (net.Listener, error) {
	ln, err := kcp.ListenWithOptions(addr, nil, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("kcp listen %s: %w", addr, err)
	}
	ln.SetReadBuffer(t.SocketBuf)
	ln.SetWriteBuffer(t.SocketBuf)
	return &kcpListener{Listener: ln, t: t}, nil
}

// Dial opens a KCP session to addr. The context bounds the wait for the
// underlying socket; KCP itself has no connect handshake.
func (t *KCPTransport) Dial(ctx context.Context, addr string) (net.Conn, error) {
	type result struct {
		conn *kcp.UDPSession
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := kcp.DialWithOptions(addr, nil, 0, 0)
		ch <- result{conn, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("kcp dial %s: %w", addr, r.err)
		}
		t.tune(r.conn)
		return r.conn, nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// tune switches a session to stream mode with nodelay settings. Message mode
// would split any write above one MTU into separate reads.
//
// nodelay=1   enable nodelay mode
// interval=10 internal update timer 10ms
// resend=2    fast retransmit on 2 duplicate ACKs
// nc=1        no congestion window
func (t *KCPTransport) tune(conn *kcp.UDPSession) {
	conn.SetStreamMode(true)
	conn.SetWriteDelay(false)
	conn.SetNoDelay(1, 10, 2, 1)
	conn.SetMtu(t.MTU)
	conn.SetWindowSize(t.SendWindow, t.RecvWindow)
	conn.SetACKNoDelay(true)
}

type kcpListener struct {
	*kcp.Listener
	t *KCPTransport
}

func (l *kcpListener) Accept() (net.Conn, error) {
	conn, err := l.AcceptKCP()
	if err != nil {
		return nil, err
	}
	l.t.tune(conn)
	return conn, nil
}

var _ Transport = (*KCPTransport)(nil)
