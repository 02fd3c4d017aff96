package proxypass

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

const (
	proxyAddr    = "proxy:19122"
	upstreamAddr = "server:19132"
	peerTimeout  = 5 * time.Second
)

// --- Harness ---

// pipeTransport is an in-memory Transport built on net.Pipe. It reports a
// closed peer immediately, unlike KCP.
type pipeTransport struct {
	mu        sync.Mutex
	listeners map[string]*pipeListener
}

func newPipeTransport() *pipeTransport {
	return &pipeTransport{listeners: make(map[string]*pipeListener)}
}

func (t *pipeTransport) Listen(addr string) (net.Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.listeners[addr]; ok {
		return nil, fmt.Errorf("listen %s: address in use", addr)
	}
	ln := &pipeListener{
		t:      t,
		addr:   pipeAddr(addr),
		conns:  make(chan net.Conn),
		closed: make(chan struct{}),
	}
	t.listeners[addr] = ln
	return ln, nil
}

func (t *pipeTransport) Dial(ctx context.Context, addr string) (net.Conn, error) {
	t.mu.Lock()
	ln := t.listeners[addr]
	t.mu.Unlock()
	if ln == nil {
		return nil, fmt.Errorf("dial %s: connection refused", addr)
	}
	local, remote := net.Pipe()
	select {
	case ln.conns <- remote:
		return local, nil
	case <-ln.closed:
		return nil, fmt.Errorf("dial %s: connection refused", addr)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type pipeListener struct {
	t      *pipeTransport
	addr   pipeAddr
	conns  chan net.Conn
	closed chan struct{}
	once   sync.Once
}

func (l *pipeListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *pipeListener) Close() error {
	l.once.Do(func() {
		close(l.closed)
		l.t.mu.Lock()
		delete(l.t.listeners, string(l.addr))
		l.t.mu.Unlock()
	})
	return nil
}

func (l *pipeListener) Addr() net.Addr { return l.addr }

type pipeAddr string

func (a pipeAddr) Network() string { return "pipe" }
func (a pipeAddr) String() string  { return string(a) }

// testPeer plays a real client or server against the proxy.
type testPeer struct {
	conn    net.Conn
	pc      *packetConn
	codec   Codec
	helper  *CodecHelper
	pending []packet
}

func newTestPeer(conn net.Conn) *testPeer {
	return &testPeer{
		conn:   conn,
		pc:     newPacketConn(conn),
		codec:  NewCodec(),
		helper: NewCodecHelper(nil),
	}
}

func (p *testPeer) send(msgs ...Message) error {
	packets := make([]packet, 0, len(msgs))
	for _, m := range msgs {
		payload, err := p.codec.Encode(p.helper, m)
		if err != nil {
			return err
		}
		packets = append(packets, packet{kind: m.Kind(), payload: payload})
	}
	return p.pc.WritePackets(packets...)
}

func (p *testPeer) recvPacket() (packet, error) {
	for len(p.pending) == 0 {
		p.conn.SetReadDeadline(time.Now().Add(peerTimeout))
		packets, err := p.pc.ReadPackets()
		if err != nil {
			return packet{}, err
		}
		p.pending = packets
	}
	pk := p.pending[0]
	p.pending = p.pending[1:]
	return pk, nil
}

func (p *testPeer) recv() (Message, error) {
	pk, err := p.recvPacket()
	if err != nil {
		return nil, err
	}
	return p.codec.Decode(p.helper, pk.kind, pk.payload)
}

func (p *testPeer) close() { p.conn.Close() }

// expect reads the next message and requires it to be a T.
func expect[T Message](p *testPeer) (T, error) {
	var zero T
	m, err := p.recv()
	if err != nil {
		return zero, err
	}
	v, ok := m.(T)
	if !ok {
		return zero, fmt.Errorf("expected %T, got %s %+v", zero, m.Kind(), m)
	}
	return v, nil
}

func mustExpect[T Message](t *testing.T, p *testPeer) T {
	t.Helper()
	v, err := expect[T](p)
	require.NoError(t, err)
	return v
}

// keepTalking sends a Text from p every 100ms until stopped, so that p's leg
// on the proxy never goes idle.
func keepTalking(p *testPeer) (stop func()) {
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if p.send(&Text{Message: "still here"}) != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

const steveSkin = `{"SkinId":"Standard_Steve","DeviceOS":7}`

// testClient is a well-behaved client holding its own identity key.
type testClient struct {
	*testPeer
	identity   *KeyPair
	key        []byte
	clientData string
}

func dialClient(t *testing.T, p *testProxy) *testClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), peerTimeout)
	defer cancel()
	conn, err := p.transport.Dial(ctx, p.addr)
	require.NoError(t, err)
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	c := &testClient{testPeer: newTestPeer(conn), identity: kp, clientData: steveSkin}
	t.Cleanup(c.close)
	return c
}

func (c *testClient) negotiate(t *testing.T) {
	t.Helper()
	require.NoError(t, c.send(&RequestNetworkSettings{ProtocolVersion: ProtocolVersion}))
	ns := mustExpect[*NetworkSettings](t, c.testPeer)
	c.pc.EnableCompression(ns.CompressionAlgorithm, int(ns.CompressionThreshold))
}

// login sends Login and switches on encryption from the proxy's reply. It
// does not acknowledge.
func (c *testClient) login(t *testing.T, chain []string) {
	t.Helper()
	clientData, err := signToken(c.identity, []byte(c.clientData))
	require.NoError(t, err)
	require.NoError(t, c.send(&Login{ProtocolVersion: ProtocolVersion, Chain: chain, ClientData: clientData}))

	s2c := mustExpect[*ServerToClientHandshake](t, c.testPeer)
	proxyKey, salt, err := parseSaltToken(s2c.JWT)
	require.NoError(t, err)
	c.key, err = DeriveChannelKey(c.identity.Private, proxyKey, salt)
	require.NoError(t, err)
	require.NoError(t, c.pc.EnableEncryption(c.key))
}

func (c *testClient) ack(t *testing.T) {
	t.Helper()
	require.NoError(t, c.send(&ClientToServerHandshake{}))
}

// upstream is the real server's side of one proxied connection.
type upstream struct {
	peer  *testPeer
	chain *ChainResult
	skin  json.RawMessage
	key   []byte
	err   error
}

// serveUpstream accepts one connection on ln and completes the server side
// of the handshake, offline-mode style: any internally consistent chain is
// accepted.
func serveUpstream(ln net.Listener) <-chan *upstream {
	ch := make(chan *upstream, 1)
	go func() {
		u := &upstream{}
		u.err = u.handshake(ln)
		ch <- u
	}()
	return ch
}

func (u *upstream) handshake(ln net.Listener) error {
	conn, err := ln.Accept()
	if err != nil {
		return err
	}
	p := newTestPeer(conn)
	u.peer = p

	req, err := expect[*RequestNetworkSettings](p)
	if err != nil {
		return err
	}
	if req.ProtocolVersion != ProtocolVersion {
		return fmt.Errorf("protocol version %d", req.ProtocolVersion)
	}
	if err := p.send(&NetworkSettings{CompressionThreshold: 1, CompressionAlgorithm: CompressionSnappy}); err != nil {
		return err
	}
	p.pc.EnableCompression(CompressionSnappy, 1)

	login, err := expect[*Login](p)
	if err != nil {
		return err
	}
	auth, err := NewAuthority(nil, true)
	if err != nil {
		return err
	}
	if u.chain, err = auth.ValidateChain(login.Chain); err != nil {
		return err
	}
	if u.skin, err = ReadClientData(login.ClientData, u.chain.IdentityKey); err != nil {
		return err
	}

	kp, err := GenerateKeyPair()
	if err != nil {
		return err
	}
	salt, err := GenerateSalt()
	if err != nil {
		return err
	}
	token, err := signSaltToken(kp, salt)
	if err != nil {
		return err
	}
	if u.key, err = DeriveChannelKey(kp.Private, u.chain.IdentityKey, salt); err != nil {
		return err
	}
	if err := p.send(&ServerToClientHandshake{JWT: token}); err != nil {
		return err
	}
	if err := p.pc.EnableEncryption(u.key); err != nil {
		return err
	}
	_, err = expect[*ClientToServerHandshake](p)
	return err
}

func waitUpstream(t *testing.T, ch <-chan *upstream) *upstream {
	t.Helper()
	select {
	case u := <-ch:
		if u.peer != nil {
			t.Cleanup(u.peer.close)
		}
		require.NoError(t, u.err)
		return u
	case <-time.After(peerTimeout):
		t.Fatal("upstream handshake timed out")
		return nil
	}
}

type testProxy struct {
	*Proxy
	transport Transport
	addr      string
	hook      *test.Hook
	root      *KeyPair

	// upstream is the real server's listener when it must exist before the
	// proxy is configured. Otherwise connect listens on upstreamAddr.
	upstream net.Listener
}

func newTestProxy(t *testing.T, mutate func(*Config)) *testProxy {
	t.Helper()
	return startTestProxy(t, newPipeTransport(), proxyAddr, mutate)
}

// newKCPTestProxy runs the proxy and the real server over KCP on loopback.
func newKCPTestProxy(t *testing.T, mutate func(*Config)) *testProxy {
	t.Helper()
	tr := NewKCPTransport()
	up, err := tr.Listen("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { up.Close() })

	p := startTestProxy(t, tr, "127.0.0.1:0", func(c *Config) {
		c.Destination = Address{Host: "127.0.0.1", Port: up.Addr().(*net.UDPAddr).Port}
		if mutate != nil {
			mutate(c)
		}
	})
	p.upstream = up
	return p
}

func startTestProxy(t *testing.T, tr Transport, listen string, mutate func(*Config)) *testProxy {
	t.Helper()
	root, err := GenerateKeyPair()
	require.NoError(t, err)
	rootPub, err := root.PublicKeyString()
	require.NoError(t, err)

	cfg := Config{
		Proxy:            Address{Host: "proxy", Port: 19122},
		Destination:      Address{Host: "server", Port: 19132},
		TrustedKeys:      []string{rootPub},
		PacketTesting:    true,
		LogPackets:       true,
		SessionsDir:      t.TempDir(),
		DataDir:          t.TempDir(),
		ConnectTimeout:   2 * time.Second,
		HandshakeTimeout: peerTimeout,
		FlushInterval:    20 * time.Millisecond,
		Transport:        tr,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	p, err := NewProxy(cfg, logger)
	require.NoError(t, err)

	ln, err := tr.Listen(listen)
	require.NoError(t, err)
	go p.Serve(ln)
	t.Cleanup(func() { p.Close() })

	return &testProxy{Proxy: p, transport: tr, addr: ln.Addr().String(), hook: hook, root: root}
}

// chainFor builds a three token chain rooted in root, as issued by an
// authentication service: the client's self-signed token naming the root,
// the root's token naming an intermediate, and the intermediate's token
// carrying the identity and the client's key.
func chainFor(t *testing.T, root, client *KeyPair, identity IdentityClaims) []string {
	t.Helper()
	intermediate, err := GenerateKeyPair()
	require.NoError(t, err)

	now := time.Now()
	token := func(signer *KeyPair, next *KeyPair, extra json.RawMessage) string {
		pub, err := next.PublicKeyString()
		require.NoError(t, err)
		ipk, err := json.Marshal(pub)
		require.NoError(t, err)
		payload, err := marshalCompact(chainClaims{
			CertificateAuthority: extra == nil,
			ExtraData:            extra,
			IdentityPublicKey:    ipk,
			NotBefore:            now.Add(-time.Minute).Unix(),
			Expiry:               now.Add(time.Hour).Unix(),
		})
		require.NoError(t, err)
		tok, err := signToken(signer, payload)
		require.NoError(t, err)
		return tok
	}

	return []string{
		token(client, root, nil),
		token(root, intermediate, nil),
		token(intermediate, client, identity.ExtraData()),
	}
}

func steve(t *testing.T) IdentityClaims {
	t.Helper()
	id, err := NewIdentityClaims("Steve", uuid.MustParse("8c6f3c3e-3a0b-4c34-9a3e-6c1f3f6f1b2a"), "123")
	require.NoError(t, err)
	return id
}

// connect runs a full client handshake through the proxy and returns both
// real peers once the session is relaying.
func connect(t *testing.T, p *testProxy) (*testClient, *upstream) {
	t.Helper()
	return connectWith(t, p, steveSkin)
}

// connectWith is connect with the client sending clientData as its skin.
func connectWith(t *testing.T, p *testProxy, clientData string) (*testClient, *upstream) {
	t.Helper()
	ln := p.upstream
	if ln == nil {
		var err error
		ln, err = p.transport.Listen(upstreamAddr)
		require.NoError(t, err)
		t.Cleanup(func() { ln.Close() })
	}
	upCh := serveUpstream(ln)

	c := dialClient(t, p)
	c.clientData = clientData
	c.negotiate(t)
	c.login(t, chainFor(t, p.root, c.identity, steve(t)))
	c.ack(t)

	return c, waitUpstream(t, upCh)
}

func warnings(hook *test.Hook, substr string) []string {
	var out []string
	for _, e := range hook.AllEntries() {
		if e.Level <= logrus.WarnLevel && strings.Contains(e.Message, substr) {
			out = append(out, e.Message)
		}
	}
	return out
}

// --- Integration tests ---

func TestIntegrationRelay(t *testing.T) {
	p := newTestProxy(t, nil)
	c, up := connect(t, p)

	// The server saw a forged single token chain carrying the client's identity.
	require.Equal(t, steve(t), up.chain.Claims)
	require.Equal(t, "Steve", up.chain.Claims.DisplayName)
	require.Equal(t, "123", up.chain.Claims.XUID)
	require.False(t, up.chain.IdentityKey.Equal(c.identity.Public()), "server must see the proxy's key, not the client's")
	require.JSONEq(t, steveSkin, string(up.skin))

	// Each leg is keyed independently.
	require.NotEqual(t, c.key, up.key)

	// Server to client.
	text := &Text{Type: 1, SourceName: "server", Message: "welcome"}
	require.NoError(t, up.peer.send(text))
	require.Equal(t, text, mustExpect[*Text](t, c.testPeer))

	// Client to server.
	reply := &Text{Type: 1, SourceName: "Steve", Message: "hi"}
	require.NoError(t, c.send(reply))
	require.Equal(t, reply, mustExpect[*Text](t, up.peer))

	// Unknown messages pass through byte for byte.
	unknown := &Unknown{ID: 0x2a, Payload: []byte{1, 2, 3, 4}}
	require.NoError(t, up.peer.send(unknown))
	require.Equal(t, unknown, mustExpect[*Unknown](t, c.testPeer))

	require.Empty(t, warnings(p.hook, "round trip"), "verifier must not report drift")
}

func TestIntegrationPacketLog(t *testing.T) {
	p := newTestProxy(t, func(c *Config) { c.IgnoredPackets = []string{"Text"} })
	c, up := connect(t, p)

	require.NoError(t, up.peer.send(&Text{Message: "not logged"}, &PlayStatus{Status: StatusPlayerSpawn}))
	mustExpect[*Text](t, c.testPeer)
	mustExpect[*PlayStatus](t, c.testPeer)

	dirs, err := filepath.Glob(filepath.Join(p.config.SessionsDir, "Steve-*"))
	require.NoError(t, err)
	require.Len(t, dirs, 1)
	require.FileExists(t, filepath.Join(dirs[0], "chainData.json"))
	require.FileExists(t, filepath.Join(dirs[0], "skinData.json"))

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(filepath.Join(dirs[0], packetLogName))
		return err == nil && strings.Contains(string(data), "[CLIENT BOUND] - PlayStatus")
	}, peerTimeout, 20*time.Millisecond)

	data, err := os.ReadFile(filepath.Join(dirs[0], packetLogName))
	require.NoError(t, err)
	require.Contains(t, string(data), "[SERVER BOUND] - ClientToServerHandshake")
	require.NotContains(t, string(data), "not logged")
}

func TestIntegrationRegistryInstall(t *testing.T) {
	p := newTestProxy(t, nil)
	c, up := connect(t, p)

	start := &StartGame{
		EntityUniqueID:  -1,
		EntityRuntimeID: 1,
		LevelID:         "level",
		WorldName:       "world",
		Items: []ItemEntry{
			{Name: "minecraft:stone", RuntimeID: 1},
			{Name: "minecraft:diamond_sword", RuntimeID: 316},
		},
	}
	require.NoError(t, up.peer.send(start))
	require.Equal(t, start, mustExpect[*StartGame](t, c.testPeer))

	// A later reference to a runtime id resolves through the installed
	// registry on the proxy, which the verifier exercises.
	require.NoError(t, up.peer.send(&MobEquipment{EntityRuntimeID: 1, Item: ItemRef{RuntimeID: 316}, Slot: 0}))
	eq := mustExpect[*MobEquipment](t, c.testPeer)
	require.Equal(t, int32(316), eq.Item.RuntimeID)

	name, ok := p.Legacy().Item(316)
	require.True(t, ok)
	require.Equal(t, "minecraft:diamond_sword", name)
	require.FileExists(t, filepath.Join(p.config.DataDir, itemStatesFile))
	require.FileExists(t, filepath.Join(p.config.DataDir, legacyItemIDsFile))
	require.Empty(t, warnings(p.hook, "round trip"))

	require.NoError(t, up.peer.send(&AvailableEntityIdentifiers{Data: []byte{0x0a, 0, 0, 0}}))
	mustExpect[*AvailableEntityIdentifiers](t, c.testPeer)
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(filepath.Join(p.config.DataDir, entityIdentifiersFile))
		return err == nil && len(data) == 4
	}, peerTimeout, 10*time.Millisecond)
}

func TestIntegrationInterceptor(t *testing.T) {
	p := newTestProxy(t, nil)
	p.Intercept(ServerSide, KindText, func(s *Session, from *Leg, m Message) Signal {
		text := m.(*Text)
		if text.Message != "secret" {
			return Unhandled
		}
		if err := s.Client().Send(&Text{Message: "redacted"}); err != nil {
			t.Errorf("send: %v", err)
		}
		return Handled
	})
	c, up := connect(t, p)

	require.NoError(t, up.peer.send(&Text{Message: "secret"}, &Text{Message: "public"}))
	require.Equal(t, "redacted", mustExpect[*Text](t, c.testPeer).Message)
	require.Equal(t, "public", mustExpect[*Text](t, c.testPeer).Message)
}

func TestIntegrationHandshakeOrdering(t *testing.T) {
	p := newTestProxy(t, nil)
	c := dialClient(t, p)

	// Login before network settings is refused as an outdated client and
	// never validated.
	chain := chainFor(t, p.root, c.identity, steve(t))
	require.NoError(t, c.send(&Login{ProtocolVersion: ProtocolVersion, Chain: chain}))

	status := mustExpect[*PlayStatus](t, c.testPeer)
	require.Equal(t, StatusLoginFailedClient, status.Status)
	d := mustExpect[*Disconnect](t, c.testPeer)
	require.Equal(t, ReasonOutdatedClient, d.Message)
	for _, e := range p.hook.AllEntries() {
		require.NotEqual(t, "Client authenticated", e.Message)
	}
}

func TestIntegrationHandshakeOutOfOrder(t *testing.T) {
	p := newTestProxy(t, nil)
	c := dialClient(t, p)
	c.negotiate(t)

	// An acknowledgement before login is a protocol violation.
	require.NoError(t, c.send(&ClientToServerHandshake{}))
	require.Equal(t, StatusLoginFailedClient, mustExpect[*PlayStatus](t, c.testPeer).Status)
	require.Equal(t, ReasonOutdatedClient, mustExpect[*Disconnect](t, c.testPeer).Message)
}

func TestIntegrationVersionMismatch(t *testing.T) {
	tests := []struct {
		name    string
		version int32
		status  PlayStatusCode
		reason  string
	}{
		{"older client", ProtocolVersion - 1, StatusLoginFailedClient, ReasonOutdatedClient},
		{"newer client", ProtocolVersion + 1, StatusLoginFailedServer, ReasonOutdatedServer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProxy(t, nil)
			c := dialClient(t, p)
			require.NoError(t, c.send(&RequestNetworkSettings{ProtocolVersion: tt.version}))
			require.Equal(t, tt.status, mustExpect[*PlayStatus](t, c.testPeer).Status)
			require.Equal(t, tt.reason, mustExpect[*Disconnect](t, c.testPeer).Message)

			// The proxy keeps serving other clients.
			ok, up := connect(t, p)
			require.NoError(t, up.peer.send(&Text{Message: "still here"}))
			require.Equal(t, "still here", mustExpect[*Text](t, ok.testPeer).Message)
		})
	}
}

func TestIntegrationUntrustedChain(t *testing.T) {
	p := newTestProxy(t, nil)
	c := dialClient(t, p)
	c.negotiate(t)

	stranger, err := GenerateKeyPair()
	require.NoError(t, err)
	chain := chainFor(t, stranger, c.identity, steve(t))
	clientData, err := signToken(c.identity, []byte(`{}`))
	require.NoError(t, err)
	require.NoError(t, c.send(&Login{ProtocolVersion: ProtocolVersion, Chain: chain, ClientData: clientData}))

	d := mustExpect[*Disconnect](t, c.testPeer)
	require.Equal(t, ReasonNotAuthenticated, d.Message)
}

func TestIntegrationUpstreamUnreachable(t *testing.T) {
	p := newTestProxy(t, nil)
	c := dialClient(t, p)
	c.negotiate(t)
	c.login(t, chainFor(t, p.root, c.identity, steve(t)))

	d := mustExpect[*Disconnect](t, c.testPeer)
	require.Equal(t, ReasonCantConnect, d.Message)
}

func TestIntegrationHandshakeTimeout(t *testing.T) {
	p := newTestProxy(t, func(c *Config) { c.HandshakeTimeout = 100 * time.Millisecond })
	c := dialClient(t, p)
	c.negotiate(t)

	d := mustExpect[*Disconnect](t, c.testPeer)
	require.Equal(t, ReasonTimeout, d.Message)
}

func TestIntegrationDisconnectPropagation(t *testing.T) {
	t.Run("server disconnects", func(t *testing.T) {
		p := newTestProxy(t, nil)
		c, up := connect(t, p)

		require.NoError(t, up.peer.send(&Disconnect{Message: "kicked"}))
		require.Equal(t, "kicked", mustExpect[*Disconnect](t, c.testPeer).Message)
	})

	t.Run("server drops", func(t *testing.T) {
		p := newTestProxy(t, nil)
		c, up := connect(t, p)

		up.peer.close()
		require.Equal(t, ReasonDisconnected, mustExpect[*Disconnect](t, c.testPeer).Message)
	})

	t.Run("client disconnects", func(t *testing.T) {
		p := newTestProxy(t, nil)
		c, up := connect(t, p)

		require.NoError(t, c.send(&Disconnect{Message: "bye"}))
		require.Equal(t, "bye", mustExpect[*Disconnect](t, up.peer).Message)
	})

	t.Run("client drops", func(t *testing.T) {
		p := newTestProxy(t, nil)
		c, up := connect(t, p)

		c.close()
		require.Equal(t, ReasonDisconnected, mustExpect[*Disconnect](t, up.peer).Message)
		require.Eventually(t, func() bool { return p.SessionCount() == 0 }, peerTimeout, 10*time.Millisecond)
	})
}

func TestIntegrationProxyClose(t *testing.T) {
	p := newTestProxy(t, nil)
	c, up := connect(t, p)

	go p.Close()
	require.Equal(t, ReasonDisconnected, mustExpect[*Disconnect](t, c.testPeer).Message)
	require.Equal(t, ReasonDisconnected, mustExpect[*Disconnect](t, up.peer).Message)
}

// --- KCP integration tests ---

// largeSkin is client data the size of a real custom skin, well past one
// KCP segment even after compression.
func largeSkin(t *testing.T) string {
	t.Helper()
	img := make([]byte, 12000)
	_, err := rand.Read(img)
	require.NoError(t, err)
	data, err := json.Marshal(map[string]any{
		"SkinId":   "Custom",
		"SkinData": base64.StdEncoding.EncodeToString(img),
		"DeviceOS": 7,
	})
	require.NoError(t, err)
	return string(data)
}

func TestIntegrationKCP(t *testing.T) {
	skin := largeSkin(t)

	t.Run("relay", func(t *testing.T) {
		p := newKCPTestProxy(t, nil)
		c, up := connectWith(t, p, skin)

		require.Equal(t, "Steve", up.chain.Claims.DisplayName)
		require.JSONEq(t, skin, string(up.skin))

		noise := make([]byte, 9000)
		_, err := rand.Read(noise)
		require.NoError(t, err)
		big := &Text{Type: 1, SourceName: "server", Message: base64.StdEncoding.EncodeToString(noise)}
		require.NoError(t, up.peer.send(big))
		require.Equal(t, big, mustExpect[*Text](t, c.testPeer))

		reply := &Text{Type: 1, SourceName: "Steve", Message: "hi"}
		require.NoError(t, c.send(reply))
		require.Equal(t, reply, mustExpect[*Text](t, up.peer))

		require.Empty(t, warnings(p.hook, "round trip"))
	})

	t.Run("server vanishes", func(t *testing.T) {
		p := newKCPTestProxy(t, func(c *Config) { c.IdleTimeout = time.Second })
		c, up := connectWith(t, p, skin)

		stop := keepTalking(c.testPeer)
		up.peer.close()
		d, err := expect[*Disconnect](c.testPeer)
		stop()
		require.NoError(t, err)
		require.Equal(t, ReasonTimeout, d.Message)

		c.close()
		require.Eventually(t, func() bool { return p.SessionCount() == 0 }, peerTimeout, 10*time.Millisecond)
	})

	t.Run("client vanishes", func(t *testing.T) {
		p := newKCPTestProxy(t, func(c *Config) { c.IdleTimeout = time.Second })
		c, up := connectWith(t, p, skin)

		stop := keepTalking(up.peer)
		c.close()
		d, err := expect[*Disconnect](up.peer)
		stop()
		require.NoError(t, err)
		require.Equal(t, ReasonTimeout, d.Message)
	})
}
