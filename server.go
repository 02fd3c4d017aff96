package proxypass

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"
)

// Proxy accepts client connections, runs one Session per connection and
// relays each to the configured destination under a forged identity.
type Proxy struct {
	config      Config
	log         *logrus.Logger
	authority   *Authority
	relay       *Relay
	verifier    *Verifier
	ignored     map[Kind]bool
	compression Compression
	legacy      *LegacyIDs
	palette     []string
	dumper      *dumper
	flusher     *logFlusher

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu       sync.Mutex
	sessions map[*Session]struct{}
}

// NewProxy creates a proxy from config. The logger may be nil, in which case
// a logger at config.LogLevel writing to stderr is used.
func NewProxy(config Config, logger *logrus.Logger) (*Proxy, error) {
	config.applyDefaults()

	if config.Destination.Host == "" {
		return nil, fmt.Errorf("destination host is required")
	}
	compression, err := ParseCompression(config.Compression)
	if err != nil {
		return nil, err
	}
	if config.CompressionThreshold < 0 || config.CompressionThreshold > 0xffff {
		return nil, fmt.Errorf("compression threshold %d out of range", config.CompressionThreshold)
	}
	if logger == nil {
		logger = logrus.New()
		level, err := logrus.ParseLevel(config.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		logger.SetLevel(level)
	}

	authority, err := NewAuthority(config.TrustedKeys, config.AllowUntrusted)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Proxy{
		config:      config,
		log:         logger,
		authority:   authority,
		relay:       NewRelay(),
		verifier:    NewVerifier(config.Codec, KindLogin),
		ignored:     make(map[Kind]bool),
		compression: compression,
		legacy:      NewLegacyIDs(),
		dumper:      newDumper(config.DataDir, logger.WithField("component", "dump")),
		flusher:     newLogFlusher(config.FlushInterval),
		ctx:         ctx,
		cancel:      cancel,
		sessions:    make(map[*Session]struct{}),
	}

	for _, name := range config.IgnoredPackets {
		kind, ok := KindByName(name)
		if !ok {
			logger.Warnf("no message with name %s", name)
			continue
		}
		p.ignored[kind] = true
	}

	palettePath := filepath.Join(config.DataDir, blockPaletteFile)
	if palette, err := LoadBlockPalette(palettePath); err == nil {
		p.palette = palette
		logger.WithField("blocks", len(palette)).Debug("Loaded block palette")
	} else if !errors.Is(err, os.ErrNotExist) {
		logger.WithError(err).Warn("Could not load block palette")
	}

	p.installDefaults(p.relay)
	return p, nil
}

// Intercept registers fn for messages of kind read from side. It must be
// called before ListenAndServe.
func (p *Proxy) Intercept(from Side, kind Kind, fn InterceptFunc) {
	p.relay.Intercept(from, kind, fn)
}

// Authority returns the chain validator, so callers can add trusted roots
// before serving.
func (p *Proxy) Authority() *Authority { return p.authority }

// Legacy returns the process-wide id cache.
func (p *Proxy) Legacy() *LegacyIDs { return p.legacy }

// ListenAndServe starts accepting connections on the configured address.
func (p *Proxy) ListenAndServe() error {
	addr := p.config.Proxy.String()
	ln, err := p.config.Transport.Listen(addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return p.Serve(ln)
}

// Serve accepts connections on ln until Close is called.
func (p *Proxy) Serve(ln net.Listener) error {
	if p.config.MaxClients > 0 {
		ln = netutil.LimitListener(ln, p.config.MaxClients)
	}
	p.mu.Lock()
	p.listener = ln
	p.mu.Unlock()

	p.log.WithFields(logrus.Fields{
		"listen":      ln.Addr().String(),
		"destination": p.config.Destination.String(),
	}).Info("Proxy started")

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-p.ctx.Done():
				return nil
			default:
				return fmt.Errorf("accepting connection: %w", err)
			}
		}

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.handleConnection(conn)
		}()
	}
}

// Close disconnects every session and shuts the proxy down.
func (p *Proxy) Close() error {
	p.cancel()
	p.mu.Lock()
	var err error
	if p.listener != nil {
		err = p.listener.Close()
	}
	sessions := make([]*Session, 0, len(p.sessions))
	for s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.mu.Unlock()

	for _, s := range sessions {
		s.Close(nil, nil)
	}
	p.wg.Wait()
	p.flusher.close()
	return err
}

// Addr returns the proxy's listen address, or nil if not listening.
func (p *Proxy) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener != nil {
		return p.listener.Addr()
	}
	return nil
}

// SessionCount is the number of live sessions.
func (p *Proxy) SessionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// handleConnection runs one session for conn until it ends.
func (p *Proxy) handleConnection(conn net.Conn) {
	s, err := newSession(p, conn)
	if err != nil {
		p.log.WithError(err).Error("Could not create session")
		conn.Close()
		return
	}

	p.mu.Lock()
	if p.ctx.Err() != nil {
		p.mu.Unlock()
		conn.Close()
		return
	}
	p.sessions[s] = struct{}{}
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.sessions, s)
		p.mu.Unlock()
	}()

	s.run()
}

// newSessionLogger creates and registers the packet log of a session.
func (p *Proxy) newSessionLogger(displayName string, started time.Time) *SessionLogger {
	dir := filepath.Join(p.config.SessionsDir, sessionDirName(displayName, started))
	l := newSessionLogger(dir, p.config.LogTo, p.log.WithField("player", displayName))
	p.flusher.add(l)
	return l
}
