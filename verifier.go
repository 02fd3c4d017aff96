package proxypass

import (
	"bytes"
	"fmt"
	"reflect"

	"github.com/davecgh/go-spew/spew"
	"github.com/sirupsen/logrus"
)

// Mismatch is one codec drift finding.
type Mismatch struct {
	Kind   Kind
	Stage  string // "encode", "bytes", "decode" or "structure"
	Detail string
}

func (m Mismatch) String() string {
	return fmt.Sprintf("%s %s mismatch: %s", m.Kind, m.Stage, m.Detail)
}

// Verifier re-encodes decoded messages and compares the result against the
// wire bytes and against a second decode. Its findings are advisory.
type Verifier struct {
	codec     Codec
	skipBytes map[Kind]bool
	dump      spew.ConfigState
}

// NewVerifier creates a verifier for codec. Messages of the kinds in
// skipBytes are known to re-encode differently and only get the structural
// check.
func NewVerifier(codec Codec, skipBytes ...Kind) *Verifier {
	v := &Verifier{
		codec:     codec,
		skipBytes: make(map[Kind]bool, len(skipBytes)),
		dump:      spew.ConfigState{Indent: "  ", DisablePointerAddresses: true, SortKeys: true},
	}
	for _, k := range skipBytes {
		v.skipBytes[k] = true
	}
	return v
}

// Verify checks m, decoded from original with h, and returns every finding.
func (v *Verifier) Verify(h *CodecHelper, m Message, original []byte) []Mismatch {
	var out []Mismatch
	encoded, err := v.codec.Encode(h, m)
	if err != nil {
		return append(out, Mismatch{Kind: m.Kind(), Stage: "encode", Detail: err.Error()})
	}

	if !v.skipBytes[m.Kind()] && !bytes.Equal(encoded, original) {
		out = append(out, Mismatch{
			Kind:   m.Kind(),
			Stage:  "bytes",
			Detail: fmt.Sprintf("original:\n%sre-encoded:\n%s", v.dump.Sdump(original), v.dump.Sdump(encoded)),
		})
	}

	decoded, err := v.codec.Decode(h, m.Kind(), encoded)
	if err != nil {
		return append(out, Mismatch{Kind: m.Kind(), Stage: "decode", Detail: err.Error()})
	}
	if !reflect.DeepEqual(decoded, m) {
		out = append(out, Mismatch{
			Kind:   m.Kind(),
			Stage:  "structure",
			Detail: fmt.Sprintf("decoded:\n%sre-decoded:\n%s", v.dump.Sdump(m), v.dump.Sdump(decoded)),
		})
	}
	return out
}

// Check verifies a message read from l and logs any findings.
func (v *Verifier) Check(l *Leg, m Message, original []byte) {
	for _, mm := range v.Verify(l.helper, m, original) {
		l.log.WithFields(logrus.Fields{
			"message": mm.Kind,
			"stage":   mm.Stage,
		}).Warn("Codec round trip mismatch\n" + mm.Detail)
	}
}
