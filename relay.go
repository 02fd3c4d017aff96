package proxypass

// Signal is an interceptor's verdict on a message.
type Signal int

const (
	// Unhandled lets the message continue to the opposite leg.
	Unhandled Signal = iota
	// Handled stops the message at the proxy.
	Handled
)

func (s Signal) String() string {
	if s == Handled {
		return "Handled"
	}
	return "Unhandled"
}

// InterceptFunc inspects a message read from leg from. It may send messages
// of its own through the session's legs.
type InterceptFunc func(s *Session, from *Leg, m Message) Signal

// Relay dispatches relayed messages by the side they were read from and their
// kind. Messages with no interceptor, or whose interceptor returns Unhandled,
// are forwarded to the opposite leg unchanged. The tables must not change
// once the proxy is serving.
type Relay struct {
	handlers [2]map[Kind]InterceptFunc
}

// NewRelay returns a relay with no interceptors.
func NewRelay() *Relay {
	return &Relay{handlers: [2]map[Kind]InterceptFunc{{}, {}}}
}

// Intercept registers fn for messages of kind read from side, replacing any
// previous interceptor.
func (r *Relay) Intercept(from Side, kind Kind, fn InterceptFunc) {
	r.handlers[from][kind] = fn
}

// Lookup returns the interceptor for kind read from side, or nil.
func (r *Relay) Lookup(from Side, kind Kind) InterceptFunc {
	return r.handlers[from][kind]
}

// onMessage is called from l's read goroutine for every message decoded after
// l is encrypted. It never blocks on the opposite leg.
func (r *Relay) onMessage(s *Session, from *Leg, m Message, raw packet) {
	if fn := r.Lookup(from.side, m.Kind()); fn != nil && fn(s, from, m) == Handled {
		return
	}
	peer := s.Peer(from)
	if peer == nil {
		from.log.WithField("message", m.Kind()).Warn("No peer to relay to, dropping message")
		return
	}
	peer.forward(raw)
}

// installDefaults registers the interceptors every proxy runs.
func (p *Proxy) installDefaults(r *Relay) {
	r.Intercept(ServerSide, KindStartGame, p.onStartGame)
	r.Intercept(ServerSide, KindItemRegistry, p.onItemRegistry)
	r.Intercept(ServerSide, KindAvailableEntityIdentifiers, p.onEntityIdentifiers)
	r.Intercept(ServerSide, KindDisconnect, onDisconnect)
	r.Intercept(ClientSide, KindDisconnect, onDisconnect)
}

// onDisconnect ends the session and relays the peer's reason to the other
// side.
func onDisconnect(s *Session, from *Leg, m Message) Signal {
	d, ok := m.(*Disconnect)
	if !ok {
		return Unhandled
	}
	s.Close(&peerDisconnect{side: from.side, msg: d.Message}, from)
	return Handled
}

func (p *Proxy) onStartGame(s *Session, _ *Leg, m Message) Signal {
	sg, ok := m.(*StartGame)
	if !ok {
		return Unhandled
	}
	p.installItems(s, sg.Items)
	blocks := BlockDefinitions(p.palette, sg.BlockNetworkIDsHashed)
	for _, l := range []*Leg{s.client, s.Server()} {
		if l != nil {
			l.helper.SetBlocks(blocks)
		}
	}
	for _, id := range blocks.sortedIDs() {
		name, _ := blocks.Name(id)
		p.legacy.AddBlock(id, name)
	}
	p.dumper.legacyIDs(p.legacy)
	return Unhandled
}

func (p *Proxy) onItemRegistry(s *Session, _ *Leg, m Message) Signal {
	ir, ok := m.(*ItemRegistry)
	if !ok {
		return Unhandled
	}
	p.installItems(s, ir.Items)
	p.dumper.legacyIDs(p.legacy)
	return Unhandled
}

// installItems installs the negotiated item registry into both legs before
// the next message is decoded, and feeds the process-wide cache.
func (p *Proxy) installItems(s *Session, items []ItemEntry) {
	if len(items) == 0 {
		return
	}
	defs := ItemDefinitions(items)
	for _, l := range []*Leg{s.client, s.Server()} {
		if l != nil {
			l.helper.SetItems(defs)
		}
	}
	for _, e := range items {
		p.legacy.AddItem(int32(e.RuntimeID), e.Name)
	}
	p.dumper.items(items)
	s.log.WithField("items", len(items)).Debug("Installed item registry")
}

func (p *Proxy) onEntityIdentifiers(_ *Session, _ *Leg, m Message) Signal {
	if ae, ok := m.(*AvailableEntityIdentifiers); ok {
		p.dumper.entityIdentifiers(ae.Data)
	}
	return Unhandled
}
