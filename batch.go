package proxypass

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/flate"
)

const (
	// batchHeader prefixes every batch.
	batchHeader = 0xfe
	// noCompression marks a batch sent uncompressed after compression is on.
	noCompression = 0xff
	// maxBatchSize caps a decompressed batch.
	maxBatchSize = 16 << 20
	// packetIDMask extracts the message id from a packet header.
	packetIDMask = 0x3ff
)

var errNotBatch = errors.New("frame is not a batch")

// packet is one framed message inside a batch: its kind and the payload that
// follows the header.
type packet struct {
	kind    Kind
	payload []byte
}

// appendPacket appends p to a batch body as varuint length, varuint header,
// payload.
func appendPacket(dst []byte, p packet) []byte {
	header := binary.AppendUvarint(nil, uint64(p.kind)&packetIDMask)
	dst = binary.AppendUvarint(dst, uint64(len(header)+len(p.payload)))
	dst = append(dst, header...)
	return append(dst, p.payload...)
}

// splitPackets parses a decompressed batch body.
func splitPackets(body []byte) ([]packet, error) {
	var out []packet
	for len(body) > 0 {
		n, k := binary.Uvarint(body)
		if k <= 0 || n > uint64(len(body)-k) {
			return nil, fmt.Errorf("malformed packet length")
		}
		raw := body[k : k+int(n)]
		body = body[k+int(n):]

		id, hk := binary.Uvarint(raw)
		if hk <= 0 {
			return nil, fmt.Errorf("malformed packet header")
		}
		out = append(out, packet{kind: Kind(id & packetIDMask), payload: raw[hk:]})
	}
	return out, nil
}

// compressBody compresses body with algo. Bodies shorter than threshold are
// sent raw with the noCompression marker.
func compressBody(algo Compression, threshold int, body []byte) ([]byte, error) {
	if algo == CompressionNone || len(body) < threshold {
		return append([]byte{noCompression}, body...), nil
	}
	switch algo {
	case CompressionFlate:
		var buf bytes.Buffer
		buf.WriteByte(byte(algo))
		fw, err := flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			return nil, err
		}
		if _, err := fw.Write(body); err != nil {
			return nil, err
		}
		if err := fw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case CompressionSnappy:
		out := []byte{byte(algo)}
		return append(out, snappy.Encode(nil, body)...), nil
	}
	return nil, fmt.Errorf("unsupported compression %s", algo)
}

// decompressBody reverses compressBody.
func decompressBody(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty batch")
	}
	algo, body := data[0], data[1:]
	switch {
	case algo == noCompression:
		return body, nil
	case Compression(algo) == CompressionFlate:
		fr := flate.NewReader(bytes.NewReader(body))
		defer fr.Close()
		out, err := io.ReadAll(io.LimitReader(fr, maxBatchSize+1))
		if err != nil {
			return nil, fmt.Errorf("inflating batch: %w", err)
		}
		if len(out) > maxBatchSize {
			return nil, fmt.Errorf("batch exceeds %d bytes", maxBatchSize)
		}
		return out, nil
	case Compression(algo) == CompressionSnappy:
		n, err := snappy.DecodedLen(body)
		if err != nil {
			return nil, fmt.Errorf("snappy batch: %w", err)
		}
		if n > maxBatchSize {
			return nil, fmt.Errorf("batch exceeds %d bytes", maxBatchSize)
		}
		return snappy.Decode(nil, body)
	}
	return nil, fmt.Errorf("unknown batch compression %d", algo)
}
