package keymanager

import (
	"encoding/base64"
	"fmt"

	"github.com/tap-rsvp/tap-node/pkg/did"
	"github.com/tap-rsvp/tap-node/pkg/tapcrypto"
)

// AgentKey is a single key-capability object backing the signing,
// verification, encryption, and decryption roles uniformly: the key
// manager's four maps hold shared handles to the same AgentKey so that
// updates to its material are visible everywhere, matching the original
// agent's reference-counted key-capability design.
type AgentKey struct {
	KeyID      string
	DID        string
	KeyType    did.KeyType
	PrivateKey []byte
	PublicKey  []byte
}

// RecommendedAlg returns the signing algorithm this key's curve implies.
func (k *AgentKey) RecommendedAlg() tapcrypto.Alg {
	switch k.KeyType {
	case did.Ed25519:
		return tapcrypto.AlgEdDSA
	case did.P256:
		return tapcrypto.AlgES256
	case did.Secp256k1:
		return tapcrypto.AlgES256K
	default:
		return ""
	}
}

// Sign produces a raw-format signature over data.
func (k *AgentKey) Sign(data []byte) ([]byte, error) {
	alg := k.RecommendedAlg()
	if alg == "" {
		return nil, fmt.Errorf("keymanager: unsupported key type %q", k.KeyType)
	}
	return tapcrypto.Sign(alg, k.PrivateKey, data)
}

// Verify checks a raw-format signature against data using this key's public
// material and the algorithm named in alg.
func (k *AgentKey) Verify(alg tapcrypto.Alg, data, sig []byte) bool {
	return tapcrypto.Verify(alg, k.PublicKey, data, sig)
}

// PublicJWK returns this key's public material as a JWK map (never includes
// the private "d" component).
func (k *AgentKey) PublicJWK() map[string]any {
	switch k.KeyType {
	case did.Ed25519:
		return map[string]any{
			"kty": "OKP",
			"crv": "Ed25519",
			"x":   base64.StdEncoding.EncodeToString(k.PublicKey),
		}
	case did.P256, did.Secp256k1:
		crv := "P-256"
		if k.KeyType == did.Secp256k1 {
			crv = "secp256k1"
		}
		x := k.PublicKey[1:33]
		y := k.PublicKey[33:65]
		return map[string]any{
			"kty": "EC",
			"crv": crv,
			"x":   base64.StdEncoding.EncodeToString(x),
			"y":   base64.StdEncoding.EncodeToString(y),
		}
	default:
		return nil
	}
}

// agentKeyFromGenerated builds an AgentKey from a freshly generated did.GeneratedKey.
func agentKeyFromGenerated(g *did.GeneratedKey) *AgentKey {
	return &AgentKey{
		KeyID:      g.DefaultKeyID(),
		DID:        g.DID,
		KeyType:    g.KeyType,
		PrivateKey: g.PrivateKeyBytes,
		PublicKey:  g.PublicKeyBytes,
	}
}
