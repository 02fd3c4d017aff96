package proxypass

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
)

const (
	// RootPublicKey is the well-known authority key that signs genuine
	// identity chains.
	RootPublicKey = "MHYwEAYHKoZIzj0CAQYFK4EEACIDYgAE8ELkixyLcwlZryUQcu1TvPOmI2B7vX83ndnWRUaXm74wFfa5f/lwQNTfrLVHa2PmenpGI6JhIMUJaWZrjmMj90NoKNFSNBuKdm8rYiXsfaz3K36x/1U26HpG0ZxK/V1V"

	// forgedValidity is how long a forged identity token stays valid.
	forgedValidity = 24 * time.Hour
	// clockSkew is tolerated on token validity windows.
	clockSkew = 60 * time.Second
)

var tokenAlgorithms = []jose.SignatureAlgorithm{jose.ES384}

// IdentityClaims is the identity a client presents in its authentication
// chain. It is immutable once extracted; the original extraData object is
// kept verbatim so it can be embedded unchanged in a forged chain.
type IdentityClaims struct {
	DisplayName string
	Identity    uuid.UUID
	XUID        string
	TitleID     string

	raw json.RawMessage
}

type identityFields struct {
	DisplayName string `json:"displayName"`
	Identity    string `json:"identity"`
	XUID        string `json:"XUID"`
	TitleID     string `json:"titleId,omitempty"`
}

// NewIdentityClaims builds claims for the given identity.
func NewIdentityClaims(displayName string, identity uuid.UUID, xuid string) (IdentityClaims, error) {
	c := IdentityClaims{DisplayName: displayName, Identity: identity, XUID: xuid}
	raw, err := marshalCompact(identityFields{
		DisplayName: displayName,
		Identity:    identity.String(),
		XUID:        xuid,
	})
	if err != nil {
		return c, err
	}
	c.raw = raw
	return c, nil
}

// ExtraData returns the extraData object exactly as it will be embedded.
func (c IdentityClaims) ExtraData() json.RawMessage {
	return c.raw
}

func (c IdentityClaims) MarshalJSON() ([]byte, error) {
	if c.raw != nil {
		return c.raw, nil
	}
	return marshalCompact(identityFields{
		DisplayName: c.DisplayName,
		Identity:    c.Identity.String(),
		XUID:        c.XUID,
		TitleID:     c.TitleID,
	})
}

func (c *IdentityClaims) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return fmt.Errorf("extraData is not an object")
	}
	var f identityFields
	if err := json.Unmarshal(trimmed, &f); err != nil {
		return fmt.Errorf("extraData: %w", err)
	}
	id, err := uuid.Parse(f.Identity)
	if err != nil {
		return fmt.Errorf("extraData identity: %w", err)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return err
	}
	*c = IdentityClaims{
		DisplayName: f.DisplayName,
		Identity:    id,
		XUID:        f.XUID,
		TitleID:     f.TitleID,
		raw:         buf.Bytes(),
	}
	return nil
}

// chainClaims is the claim set of a single chain token.
type chainClaims struct {
	CertificateAuthority bool            `json:"certificateAuthority,omitempty"`
	ExtraData            json.RawMessage `json:"extraData,omitempty"`
	IdentityPublicKey    json.RawMessage `json:"identityPublicKey"`
	NotBefore            int64           `json:"nbf,omitempty"`
	Expiry               int64           `json:"exp,omitempty"`
	IssuedAt             int64           `json:"iat,omitempty"`
	Issuer               string          `json:"iss,omitempty"`
}

// ChainResult is the outcome of validating an authentication chain.
type ChainResult struct {
	Claims      IdentityClaims
	IdentityKey *ecdsa.PublicKey // key the client signs its client data with
	Trusted     bool             // some token was signed by a trusted root
	Payload     json.RawMessage  // claims of the last token, for capture
}

// Authority validates authentication chains against a set of trusted roots.
type Authority struct {
	roots          []*ecdsa.PublicKey
	allowUntrusted bool
	now            func() time.Time
}

// NewAuthority creates an authority that trusts the well-known root plus the
// given base64 DER keys. If allowUntrusted is set, chains that are internally
// consistent but not rooted in a trusted key are accepted.
func NewAuthority(trustedKeys []string, allowUntrusted bool) (*Authority, error) {
	a := &Authority{allowUntrusted: allowUntrusted, now: time.Now}
	for _, k := range append([]string{RootPublicKey}, trustedKeys...) {
		key, err := ParsePublicKey(k)
		if err != nil {
			return nil, fmt.Errorf("trusted key: %w", err)
		}
		a.roots = append(a.roots, key)
	}
	return a, nil
}

// Trust adds key to the trusted roots.
func (a *Authority) Trust(key *ecdsa.PublicKey) {
	a.roots = append(a.roots, key)
}

func (a *Authority) isRoot(key *ecdsa.PublicKey) bool {
	for _, r := range a.roots {
		if r.Equal(key) {
			return true
		}
	}
	return false
}

// ValidateChain verifies every token in chain with the key claimed by the
// token before it (the first token names its own key in its header) and
// extracts the identity carried by the last token. It fails with
// ErrChainInvalid on any bad signature, malformed claims, or when no token
// was signed by a trusted root and untrusted chains are not allowed.
func (a *Authority) ValidateChain(chain []string) (*ChainResult, error) {
	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: empty chain", ErrChainInvalid)
	}

	var (
		key     *ecdsa.PublicKey
		trusted bool
		claims  chainClaims
		payload []byte
	)
	now := a.now()
	for i, token := range chain {
		if key == nil {
			x5u, err := tokenX5U(token)
			if err != nil {
				return nil, fmt.Errorf("%w: token %d: %v", ErrChainInvalid, i, err)
			}
			if key, err = ParsePublicKey(x5u); err != nil {
				return nil, fmt.Errorf("%w: token %d header key: %v", ErrChainInvalid, i, err)
			}
		}
		if a.isRoot(key) {
			trusted = true
		}

		var err error
		payload, err = verifyToken(token, key)
		if err != nil {
			return nil, fmt.Errorf("%w: token %d: %v", ErrChainInvalid, i, err)
		}
		claims = chainClaims{}
		if err := json.Unmarshal(payload, &claims); err != nil {
			return nil, fmt.Errorf("%w: token %d claims: %v", ErrChainInvalid, i, err)
		}
		if claims.Expiry != 0 && now.After(time.Unix(claims.Expiry, 0).Add(clockSkew)) {
			return nil, fmt.Errorf("%w: token %d expired", ErrChainInvalid, i)
		}
		if claims.NotBefore != 0 && now.Before(time.Unix(claims.NotBefore, 0).Add(-clockSkew)) {
			return nil, fmt.Errorf("%w: token %d not yet valid", ErrChainInvalid, i)
		}

		var ipk string
		if err := json.Unmarshal(claims.IdentityPublicKey, &ipk); err != nil || ipk == "" {
			return nil, fmt.Errorf("%w: token %d: identityPublicKey missing or not a string", ErrChainInvalid, i)
		}
		if key, err = ParsePublicKey(ipk); err != nil {
			return nil, fmt.Errorf("%w: token %d identityPublicKey: %v", ErrChainInvalid, i, err)
		}
	}

	if !trusted && !a.allowUntrusted {
		return nil, fmt.Errorf("%w: chain is not signed by a trusted authority", ErrChainInvalid)
	}
	if len(claims.ExtraData) == 0 {
		return nil, fmt.Errorf("%w: extraData missing", ErrChainInvalid)
	}
	var identity IdentityClaims
	if err := json.Unmarshal(claims.ExtraData, &identity); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChainInvalid, err)
	}

	return &ChainResult{
		Claims:      identity,
		IdentityKey: key,
		Trusted:     trusted,
		Payload:     payload,
	}, nil
}

// ForgeChain builds a single self-signed token binding kp's public key to the
// given identity. Servers that accept offline chains accept it as a root.
func ForgeChain(kp *KeyPair, identity IdentityClaims) (string, error) {
	pub, err := kp.PublicKeyString()
	if err != nil {
		return "", err
	}
	extra, err := identity.MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("%w: encoding identity: %v", ErrCrypto, err)
	}
	ipk, err := json.Marshal(pub)
	if err != nil {
		return "", err
	}

	now := time.Now()
	payload, err := marshalCompact(chainClaims{
		CertificateAuthority: true,
		ExtraData:            extra,
		IdentityPublicKey:    ipk,
		NotBefore:            now.Add(-time.Second).Unix(),
		Expiry:               now.Add(forgedValidity).Unix(),
		IssuedAt:             now.Unix(),
		Issuer:               "self",
	})
	if err != nil {
		return "", fmt.Errorf("%w: encoding claims: %v", ErrCrypto, err)
	}
	return signToken(kp, payload)
}

// ForgeSkinToken re-signs an arbitrary claims payload under kp so that it
// stays consistent with a chain forged for the same keypair.
func ForgeSkinToken(kp *KeyPair, payload json.RawMessage) (string, error) {
	if !json.Valid(payload) {
		return "", fmt.Errorf("%w: skin payload is not valid JSON", ErrCrypto)
	}
	return signToken(kp, payload)
}

// ReadClientData verifies the client data token with the identity key from the
// client's chain and returns its claims.
func ReadClientData(token string, identityKey *ecdsa.PublicKey) (json.RawMessage, error) {
	payload, err := verifyToken(token, identityKey)
	if err != nil {
		return nil, fmt.Errorf("%w: client data: %v", ErrChainInvalid, err)
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("%w: client data is not JSON", ErrChainInvalid)
	}
	return payload, nil
}

type saltClaims struct {
	Salt string `json:"salt"`
}

// signSaltToken builds the server-to-client handshake token carrying salt.
func signSaltToken(kp *KeyPair, salt []byte) (string, error) {
	payload, err := json.Marshal(saltClaims{Salt: base64.StdEncoding.EncodeToString(salt)})
	if err != nil {
		return "", err
	}
	return signToken(kp, payload)
}

// parseSaltToken verifies a handshake token against the key in its own header
// and returns that key with the salt.
func parseSaltToken(token string) (*ecdsa.PublicKey, []byte, error) {
	x5u, err := tokenX5U(token)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: handshake token: %v", ErrCrypto, err)
	}
	key, err := ParsePublicKey(x5u)
	if err != nil {
		return nil, nil, err
	}
	payload, err := verifyToken(token, key)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: handshake token: %v", ErrCrypto, err)
	}
	var claims saltClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, nil, fmt.Errorf("%w: handshake claims: %v", ErrCrypto, err)
	}
	salt, err := base64.StdEncoding.DecodeString(claims.Salt)
	if err != nil || len(salt) == 0 {
		return nil, nil, fmt.Errorf("%w: handshake salt missing or malformed", ErrCrypto)
	}
	return key, salt, nil
}

// signToken signs payload with ES384 and names kp's public key in the x5u header.
func signToken(kp *KeyPair, payload []byte) (string, error) {
	pub, err := kp.PublicKeyString()
	if err != nil {
		return "", err
	}
	opts := (&jose.SignerOptions{}).WithHeader("x5u", pub)
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.ES384, Key: kp.Private}, opts)
	if err != nil {
		return "", fmt.Errorf("%w: creating signer: %v", ErrCrypto, err)
	}
	obj, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("%w: signing: %v", ErrCrypto, err)
	}
	token, err := obj.CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("%w: serializing token: %v", ErrCrypto, err)
	}
	return token, nil
}

func verifyToken(token string, key *ecdsa.PublicKey) ([]byte, error) {
	obj, err := jose.ParseSigned(token, tokenAlgorithms)
	if err != nil {
		return nil, err
	}
	return obj.Verify(key)
}

// tokenX5U reads the x5u header of a compact token without verifying it.
func tokenX5U(token string) (string, error) {
	header, _, ok := strings.Cut(token, ".")
	if !ok {
		return "", fmt.Errorf("not a compact token")
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(header, "="))
	if err != nil {
		return "", fmt.Errorf("token header: %w", err)
	}
	var h struct {
		X5U string `json:"x5u"`
	}
	if err := json.Unmarshal(raw, &h); err != nil {
		return "", fmt.Errorf("token header: %w", err)
	}
	if h.X5U == "" {
		return "", fmt.Errorf("token header has no x5u")
	}
	return h.X5U, nil
}

// marshalCompact encodes v without HTML escaping so embedded claims survive a
// re-encode byte for byte.
func marshalCompact(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
