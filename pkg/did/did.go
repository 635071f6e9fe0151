// Package did generates and resolves did:key and did:web identifiers and
// their DID documents.
package did

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/multiformats/go-multibase"
)

// KeyType identifies a supported key curve.
type KeyType string

const (
	Ed25519    KeyType = "Ed25519"
	P256       KeyType = "P-256"
	Secp256k1  KeyType = "secp256k1"
)

// multicodec prefixes prepended to the raw public key. The Ed25519 and
// secp256k1 entries are the varint encodings of codes 0xed and 0xe7; the
// P-256 entry is the two literal bytes 0x12 0x00.
var multicodecPrefix = map[KeyType][]byte{
	Ed25519:   {0xed, 0x01},
	P256:      {0x12, 0x00},
	Secp256k1: {0xe7, 0x01},
}

// VerificationMethod is a single entry in a DID document's verificationMethod
// list.
type VerificationMethod struct {
	ID         string         `json:"id"`
	Controller string         `json:"controller"`
	Type       string         `json:"type"`
	Material   map[string]any `json:"publicKeyJwk,omitempty"`
}

// Document is a DID document. The six relationship lists hold verification
// method IDs (relative fragments or full IDs), never embedded objects, so the
// in-memory structure is a tree rather than a graph.
type Document struct {
	ID                   string                `json:"id"`
	VerificationMethod   []VerificationMethod  `json:"verificationMethod"`
	Authentication       []string              `json:"authentication,omitempty"`
	AssertionMethod      []string              `json:"assertionMethod,omitempty"`
	KeyAgreement         []string              `json:"keyAgreement,omitempty"`
	CapabilityInvocation []string              `json:"capabilityInvocation,omitempty"`
	CapabilityDelegation []string              `json:"capabilityDelegation,omitempty"`
	Service              []map[string]any      `json:"service,omitempty"`
}

// GeneratedKey is the result of generating a fresh keypair and DID.
type GeneratedKey struct {
	DID            string
	KeyType        KeyType
	PrivateKeyBytes []byte
	PublicKeyBytes  []byte
	Doc            *Document
}

// DefaultKeyID derives the default verification-method id for a generated
// key when no explicit kid is supplied: for did:key it is the DID's own
// multibase method-specific id repeated as a fragment; for did:web it is the
// first authentication entry.
func (g *GeneratedKey) DefaultKeyID() string {
	if strings.HasPrefix(g.DID, "did:key:") {
		return g.DID + "#" + strings.TrimPrefix(g.DID, "did:key:")
	}
	if strings.HasPrefix(g.DID, "did:web:") {
		if len(g.Doc.Authentication) > 0 {
			return g.Doc.Authentication[0]
		}
		return g.DID + "#keys-1"
	}
	return g.DID + "#key-1"
}

// GenerateKey generates a fresh did:key identifier and document for the
// given curve.
func GenerateKey(keyType KeyType) (*GeneratedKey, error) {
	var priv, pub []byte
	var jwk map[string]any

	switch keyType {
	case Ed25519:
		pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("did: generate ed25519 key: %w", err)
		}
		priv = privKey.Seed()
		pub = []byte(pubKey)
		jwk = map[string]any{
			"kty": "OKP",
			"crv": "Ed25519",
			"x":   base64.StdEncoding.EncodeToString(pub),
			"d":   base64.StdEncoding.EncodeToString(priv),
		}
	case P256:
		curve := elliptic.P256()
		privKey, err := ecdsa.GenerateKey(curve, rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("did: generate p-256 key: %w", err)
		}
		priv = leftPad(privKey.D.Bytes(), 32)
		pub = elliptic.Marshal(curve, privKey.X, privKey.Y)
		jwk = map[string]any{
			"kty": "EC",
			"crv": "P-256",
			"x":   base64.StdEncoding.EncodeToString(leftPad(privKey.X.Bytes(), 32)),
			"y":   base64.StdEncoding.EncodeToString(leftPad(privKey.Y.Bytes(), 32)),
			"d":   base64.StdEncoding.EncodeToString(priv),
		}
	case Secp256k1:
		privKey, err := secp256k1.GeneratePrivateKey()
		if err != nil {
			return nil, fmt.Errorf("did: generate secp256k1 key: %w", err)
		}
		priv = privKey.Serialize()
		pubKey := privKey.PubKey()
		pub = pubKey.SerializeUncompressed()
		x := pub[1:33]
		y := pub[33:65]
		jwk = map[string]any{
			"kty": "EC",
			"crv": "secp256k1",
			"x":   base64.StdEncoding.EncodeToString(x),
			"y":   base64.StdEncoding.EncodeToString(y),
			"d":   base64.StdEncoding.EncodeToString(priv),
		}
	default:
		return nil, fmt.Errorf("did: unsupported key type %q", keyType)
	}

	prefixed := append(append([]byte{}, multicodecPrefix[keyType]...), pub...)
	methodSpecificID, err := multibase.Encode(multibase.Base58BTC, prefixed)
	if err != nil {
		return nil, fmt.Errorf("did: multibase encode: %w", err)
	}
	didStr := "did:key:" + methodSpecificID
	vmID := didStr + "#" + methodSpecificID
	delete(jwk, "d")

	doc := &Document{
		ID: didStr,
		VerificationMethod: []VerificationMethod{
			{ID: vmID, Controller: didStr, Type: "JsonWebKey2020", Material: jwk},
		},
		Authentication:       []string{vmID},
		AssertionMethod:      []string{vmID},
		KeyAgreement:         []string{vmID},
		CapabilityInvocation: []string{vmID},
		CapabilityDelegation: []string{vmID},
	}

	return &GeneratedKey{
		DID:             didStr,
		KeyType:         keyType,
		PrivateKeyBytes: priv,
		PublicKeyBytes:  pub,
		Doc:             doc,
	}, nil
}

// GenerateWebDID generates a did:web identifier for domain, with a single
// verification method at fragment #keys-1. The caller is responsible for
// hosting the resulting document at https://<domain>/.well-known/did.json.
func GenerateWebDID(domain string, keyType KeyType) (*GeneratedKey, error) {
	generated, err := GenerateKey(keyType)
	if err != nil {
		return nil, err
	}

	encodedDomain := strings.ReplaceAll(url.PathEscape(domain), "%2F", ":")
	didStr := "did:web:" + encodedDomain
	vmID := didStr + "#keys-1"

	jwk := generated.Doc.VerificationMethod[0].Material

	generated.DID = didStr
	generated.Doc = &Document{
		ID: didStr,
		VerificationMethod: []VerificationMethod{
			{ID: vmID, Controller: didStr, Type: "JsonWebKey2020", Material: jwk},
		},
		Authentication:       []string{vmID},
		AssertionMethod:      []string{vmID},
		KeyAgreement:         []string{vmID},
		CapabilityInvocation: []string{vmID},
		CapabilityDelegation: []string{vmID},
	}
	return generated, nil
}

func leftPad(b []byte, size int) []byte {
	if len(b) >= size {
		return b
	}
	out := make([]byte, size)
	copy(out[size-len(b):], b)
	return out
}

// Method returns the DID method of a DID string ("key", "web", or "").
func Method(did string) string {
	parts := strings.SplitN(did, ":", 3)
	if len(parts) < 2 || parts[0] != "did" {
		return ""
	}
	return parts[1]
}

// StripFragment returns the DID portion of a kid (everything before '#').
func StripFragment(kid string) string {
	if i := strings.IndexByte(kid, '#'); i >= 0 {
		return kid[:i]
	}
	return kid
}
