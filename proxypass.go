// Package proxypass implements a man-in-the-middle relay for the Bedrock game
// protocol. It terminates a client's login handshake under its own identity,
// re-originates an equivalent handshake to the real server with a forged
// identity chain, and then relays every message in both directions over two
// independently keyed encrypted channels.
//
// Individual message types can be intercepted with a handle-or-forward
// contract, and every decoded message can optionally be re-encoded and
// compared against the wire bytes to detect codec drift.
package proxypass

import (
	"net"
	"strconv"
	"time"
)

// ProtocolVersion is the only protocol version the relay speaks on either leg.
const ProtocolVersion int32 = 844

// Address is a host/port pair as it appears in config.yml.
type Address struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// LogTo selects where packet logs go.
type LogTo string

const (
	LogToFile    LogTo = "file"
	LogToConsole LogTo = "console"
	LogToBoth    LogTo = "both"
)

func (l LogTo) toFile() bool    { return l == LogToFile || l == LogToBoth }
func (l LogTo) toConsole() bool { return l == LogToConsole || l == LogToBoth }

// Config configures the relay.
type Config struct {
	// Addresses
	Proxy       Address `yaml:"proxy"`       // where clients connect
	Destination Address `yaml:"destination"` // the real server

	// Observation
	PacketTesting  bool     `yaml:"packet-testing"`  // round-trip verify every decoded message
	LogPackets     bool     `yaml:"log-packets"`     // write packets.log per session
	LogTo          LogTo    `yaml:"log-to"`          // "file" (default), "console", "both"
	IgnoredPackets []string `yaml:"ignored-packets"` // message names skipped by logging and round-trip checks
	LogLevel       string   `yaml:"log-level"`       // logrus level (default: "info")

	// Admission
	MaxClients int `yaml:"max-clients"` // 0 means unlimited

	// Authentication
	TrustedKeys    []string `yaml:"trusted-keys"`    // extra base64 DER root keys trusted besides the well-known root
	AllowUntrusted bool     `yaml:"allow-untrusted"` // accept chains not rooted in a trusted key (offline clients)

	// Capability negotiation offered to clients
	Compression          string `yaml:"compression"`           // "zlib" (default), "snappy" or "none"
	CompressionThreshold int    `yaml:"compression-threshold"` // batches smaller than this are sent uncompressed

	// Timing
	ConnectTimeout   time.Duration `yaml:"connect-timeout"`   // upstream dial (default: 15s)
	HandshakeTimeout time.Duration `yaml:"handshake-timeout"` // both legs must reach Relaying within this (default: 30s)
	IdleTimeout      time.Duration `yaml:"idle-timeout"`      // a leg silent for this long is treated as gone (default: 30s)
	FlushInterval    time.Duration `yaml:"flush-interval"`    // packet log flush period (default: 5s)

	// Storage
	SessionsDir string `yaml:"sessions-dir"` // default: "sessions"
	DataDir     string `yaml:"data-dir"`     // default: "data"

	// Optional collaborators injected by code
	Transport Transport `yaml:"-"` // default: KCP
	Codec     Codec     `yaml:"-"` // default: NewCodec()
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Proxy.Host == "" {
		c.Proxy.Host = "0.0.0.0"
	}
	if c.Proxy.Port == 0 {
		c.Proxy.Port = 19122
	}
	if c.Destination.Port == 0 {
		c.Destination.Port = 19132
	}
	if c.LogTo == "" {
		c.LogTo = LogToFile
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Compression == "" {
		c.Compression = "zlib"
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 15 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 30 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 30 * time.Second
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.SessionsDir == "" {
		c.SessionsDir = "sessions"
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.Transport == nil {
		c.Transport = NewKCPTransport()
	}
	if c.Codec == nil {
		c.Codec = NewCodec()
	}
}
