package did

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/multiformats/go-multibase"
)

// Resolver resolves a DID to its document. It returns (nil, nil) for "not
// found" and a non-nil error only for transport or format failures.
type Resolver interface {
	Resolve(ctx context.Context, did string) (*Document, error)
}

// KeyResolver resolves did:key identifiers by reconstructing the document
// directly from the multibase-encoded public key; it never performs I/O.
type KeyResolver struct{}

func NewKeyResolver() *KeyResolver { return &KeyResolver{} }

func (KeyResolver) Resolve(_ context.Context, did string) (*Document, error) {
	if !strings.HasPrefix(did, "did:key:") {
		return nil, nil
	}
	methodSpecificID := strings.TrimPrefix(did, "did:key:")
	_, data, err := multibase.Decode(methodSpecificID)
	if err != nil {
		return nil, fmt.Errorf("did: decode did:key multibase: %w", err)
	}
	if len(data) < 2 {
		return nil, fmt.Errorf("did: did:key value too short")
	}

	var keyType KeyType
	var pub []byte
	switch {
	case data[0] == 0xed && data[1] == 0x01:
		keyType = Ed25519
		pub = data[2:]
	case data[0] == 0x12 && data[1] == 0x00:
		keyType = P256
		pub = data[2:]
	case data[0] == 0xe7 && data[1] == 0x01:
		keyType = Secp256k1
		pub = data[2:]
	default:
		return nil, fmt.Errorf("did: unrecognized multicodec prefix in did:key")
	}

	jwk, err := publicKeyJWK(keyType, pub)
	if err != nil {
		return nil, err
	}

	vmID := did + "#" + methodSpecificID
	doc := &Document{
		ID: did,
		VerificationMethod: []VerificationMethod{
			{ID: vmID, Controller: did, Type: "JsonWebKey2020", Material: jwk},
		},
		Authentication:       []string{vmID},
		AssertionMethod:      []string{vmID},
		KeyAgreement:         []string{vmID},
		CapabilityInvocation: []string{vmID},
		CapabilityDelegation: []string{vmID},
	}
	return doc, nil
}

func publicKeyJWK(keyType KeyType, pub []byte) (map[string]any, error) {
	switch keyType {
	case Ed25519:
		return map[string]any{
			"kty": "OKP",
			"crv": "Ed25519",
			"x":   b64(pub),
		}, nil
	case P256, Secp256k1:
		if len(pub) != 65 || pub[0] != 0x04 {
			return nil, fmt.Errorf("did: expected uncompressed EC point")
		}
		crv := "P-256"
		if keyType == Secp256k1 {
			crv = "secp256k1"
		}
		return map[string]any{
			"kty": "EC",
			"crv": crv,
			"x":   b64(pub[1:33]),
			"y":   b64(pub[33:65]),
		}, nil
	default:
		return nil, fmt.Errorf("did: unsupported key type %q", keyType)
	}
}

func b64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func unescapePathComponent(s string) (string, error) {
	return url.PathUnescape(s)
}

// WebResolver resolves did:web identifiers by fetching the document's
// .well-known/did.json (or the path-mapped equivalent for DIDs that encode a
// path) over HTTPS.
type WebResolver struct {
	Client *http.Client
}

func NewWebResolver() *WebResolver {
	return &WebResolver{Client: &http.Client{Timeout: 30 * time.Second}}
}

func (r *WebResolver) Resolve(ctx context.Context, did string) (*Document, error) {
	if !strings.HasPrefix(did, "did:web:") {
		return nil, nil
	}
	docURL, err := webDIDToURL(did)
	if err != nil {
		return nil, fmt.Errorf("did: did:web to url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, docURL, nil)
	if err != nil {
		return nil, fmt.Errorf("did: build request: %w", err)
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("did: fetch did:web document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("did: did:web document fetch returned status %d", resp.StatusCode)
	}

	var doc Document
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("did: decode did:web document: %w", err)
	}
	return &doc, nil
}

func webDIDToURL(did string) (string, error) {
	rest := strings.TrimPrefix(did, "did:web:")
	parts := strings.Split(rest, ":")
	for i, p := range parts {
		unescaped, err := unescapePathComponent(p)
		if err != nil {
			return "", err
		}
		parts[i] = unescaped
	}
	host := parts[0]
	if len(parts) == 1 {
		return "https://" + host + "/.well-known/did.json", nil
	}
	return "https://" + host + "/" + strings.Join(parts[1:], "/") + "/did.json", nil
}

// MultiResolver dispatches to a resolver by DID method.
type MultiResolver struct {
	byMethod map[string]Resolver
}

func NewMultiResolver() *MultiResolver {
	return &MultiResolver{
		byMethod: map[string]Resolver{
			"key": NewKeyResolver(),
			"web": NewWebResolver(),
		},
	}
}

func (m *MultiResolver) Register(method string, resolver Resolver) {
	m.byMethod[method] = resolver
}

func (m *MultiResolver) Resolve(ctx context.Context, did string) (*Document, error) {
	method := Method(did)
	resolver, ok := m.byMethod[method]
	if !ok {
		return nil, fmt.Errorf("did: no resolver registered for method %q", method)
	}
	return resolver.Resolve(ctx, did)
}
