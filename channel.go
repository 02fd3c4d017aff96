package proxypass

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
)

// checksumLen is the length of the truncated SHA-256 trailer on every
// encrypted batch.
const checksumLen = 8

var errChecksum = errors.New("encrypted batch checksum mismatch")

// channel is the encryption state for one direction of one leg. Batches are
// encrypted with a continuous AES-256-CTR stream; each carries a checksum
// binding it to a monotonically increasing counter, so dropped, replayed or
// reordered batches are detected.
type channel struct {
	key     []byte
	stream  cipher.Stream
	counter uint64
}

func newChannel(key []byte) (*channel, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: channel key must be 32 bytes, got %d", ErrCrypto, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	iv := make([]byte, aes.BlockSize)
	copy(iv, key[:12])
	iv[15] = 2
	return &channel{
		key:    append([]byte(nil), key...),
		stream: cipher.NewCTR(block, iv),
	}, nil
}

// seal appends the checksum to plain and encrypts the result into a new slice.
func (c *channel) seal(plain []byte) []byte {
	out := make([]byte, 0, len(plain)+checksumLen)
	out = append(out, plain...)
	out = append(out, c.checksum(plain)...)
	c.counter++
	c.stream.XORKeyStream(out, out)
	return out
}

// open decrypts data and verifies its checksum. data is decrypted in place.
func (c *channel) open(data []byte) ([]byte, error) {
	if len(data) < checksumLen {
		return nil, fmt.Errorf("encrypted batch too short: %d bytes", len(data))
	}
	c.stream.XORKeyStream(data, data)
	plain, sum := data[:len(data)-checksumLen], data[len(data)-checksumLen:]
	if subtle.ConstantTimeCompare(sum, c.checksum(plain)) != 1 {
		return nil, errChecksum
	}
	c.counter++
	return plain, nil
}

func (c *channel) checksum(plain []byte) []byte {
	var ctr [8]byte
	binary.LittleEndian.PutUint64(ctr[:], c.counter)
	h := sha256.New()
	h.Write(ctr[:])
	h.Write(plain)
	h.Write(c.key)
	return h.Sum(nil)[:checksumLen]
}
