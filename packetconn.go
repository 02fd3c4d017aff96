package proxypass

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// maxFrameSize bounds one batch on the wire, before decompression.
const maxFrameSize = 2 << 20

// errPeerIdle is returned by ReadPackets when nothing arrived within the
// idle timeout.
var errPeerIdle = errors.New("peer idle")

// packetConn speaks batches over a byte stream, each batch prefixed with its
// varuint length. Reads happen on one goroutine; writes may come from any
// goroutine and are serialized. Compression and encryption switch on
// mid-stream, so the state below is shared between the two directions
// under mu.
type packetConn struct {
	conn net.Conn
	r    *bufio.Reader
	idle time.Duration

	mu          sync.Mutex
	compressed  bool
	algorithm   Compression
	threshold   int
	send, recv  *channel
	writeMu     sync.Mutex
	closeOnce   sync.Once
	closeResult error
}

func newPacketConn(conn net.Conn) *packetConn {
	return &packetConn{
		conn: conn,
		r:    bufio.NewReader(conn),
	}
}

// SetIdleTimeout makes ReadPackets fail with errPeerIdle when nothing
// arrives for d. Zero disables it. Must be called before reading starts.
func (c *packetConn) SetIdleTimeout(d time.Duration) { c.idle = d }

// EnableCompression compresses every batch written after it and expects
// every batch read after it to carry a compression marker.
func (c *packetConn) EnableCompression(algo Compression, threshold int) {
	c.mu.Lock()
	c.compressed = true
	c.algorithm = algo
	c.threshold = threshold
	c.mu.Unlock()
}

// EnableEncryption keys both directions with key. Each direction gets its
// own cipher stream and counter.
func (c *packetConn) EnableEncryption(key []byte) error {
	send, err := newChannel(key)
	if err != nil {
		return err
	}
	recv, err := newChannel(key)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.send, c.recv = send, recv
	c.mu.Unlock()
	return nil
}

// Encrypted reports whether encryption has been enabled.
func (c *packetConn) Encrypted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.send != nil
}

// ReadPackets reads one batch and returns the packets it carries.
func (c *packetConn) ReadPackets() ([]packet, error) {
	var deadline time.Time
	if c.idle > 0 {
		deadline = time.Now().Add(c.idle)
		c.conn.SetReadDeadline(deadline)
	}
	frame, err := c.readFrame()
	if err != nil {
		// KCP reports its own timeout error, so go by the clock.
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return nil, fmt.Errorf("%w: nothing received for %s", errPeerIdle, c.idle)
		}
		return nil, err
	}
	if len(frame) == 0 || frame[0] != batchHeader {
		return nil, errNotBatch
	}
	data := frame[1:]

	c.mu.Lock()
	recv, compressed := c.recv, c.compressed
	c.mu.Unlock()

	if recv != nil {
		if data, err = recv.open(data); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
		}
	}
	if compressed {
		if data, err = decompressBody(data); err != nil {
			return nil, err
		}
	}
	return splitPackets(data)
}

func (c *packetConn) readFrame() ([]byte, error) {
	n, err := binary.ReadUvarint(c.r)
	if err != nil {
		return nil, err
	}
	if n > maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds %d", n, maxFrameSize)
	}
	frame := make([]byte, n)
	if _, err := io.ReadFull(c.r, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// WritePackets writes packets as a single batch.
func (c *packetConn) WritePackets(packets ...packet) error {
	var body []byte
	for _, p := range packets {
		body = appendPacket(body, p)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	send, compressed, algo, threshold := c.send, c.compressed, c.algorithm, c.threshold
	c.mu.Unlock()

	var err error
	if compressed {
		if body, err = compressBody(algo, threshold, body); err != nil {
			return err
		}
	}
	if send != nil {
		body = send.seal(body)
	}
	out := make([]byte, 0, len(body)+binary.MaxVarintLen32+1)
	out = binary.AppendUvarint(out, uint64(len(body)+1))
	out = append(out, batchHeader)
	out = append(out, body...)
	_, err = c.conn.Write(out)
	return err
}

// writeWithin writes packets, giving up after d.
func (c *packetConn) writeWithin(d time.Duration, packets ...packet) error {
	c.conn.SetWriteDeadline(time.Now().Add(d))
	defer c.conn.SetWriteDeadline(time.Time{})
	return c.WritePackets(packets...)
}

func (c *packetConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeResult = c.conn.Close()
	})
	return c.closeResult
}

func (c *packetConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }
