// Package keymanager implements the key manager: an in-memory registry
// mapping key ids to signing/verification/encryption/decryption capability
// objects, with optional persistent storage of the underlying key material.
package keymanager

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/tap-rsvp/tap-node/pkg/did"
	"github.com/tap-rsvp/tap-node/pkg/didcomm"
	"github.com/tap-rsvp/tap-node/pkg/errs"
	"github.com/tap-rsvp/tap-node/pkg/tapcrypto"
)

// ErrKeyNotFound is returned when a requested kid or DID has no mapping.
var ErrKeyNotFound = fmt.Errorf("keymanager: key not found")

// DIDGenerationOptions configures key generation.
type DIDGenerationOptions struct {
	KeyType did.KeyType
}

// KeyManager holds the five key-id-indexed maps (signing, verification,
// encryption, decryption, legacy secrets) plus a per-DID generated-key map
// retaining the full DID document. All six maps share the single RWMutex
// mu; there is no per-map lock, so a writer to any map blocks readers of
// every map.
type KeyManager struct {
	mu sync.RWMutex

	signingKeys      map[string]*AgentKey
	verificationKeys map[string]*AgentKey
	encryptionKeys   map[string]*AgentKey
	decryptionKeys   map[string]*AgentKey
	secrets          map[string]*AgentKey // legacy, indexed by DID
	generatedKeys    map[string]*did.GeneratedKey

	storagePath string
	logger      *log.Logger
}

// Option configures a KeyManager at construction.
type Option func(*KeyManager)

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(km *KeyManager) { km.logger = logger }
}

// WithStoragePath enables persistence of key material to path.
func WithStoragePath(path string) Option {
	return func(km *KeyManager) { km.storagePath = path }
}

// New creates an empty key manager.
func New(opts ...Option) *KeyManager {
	km := &KeyManager{
		signingKeys:      make(map[string]*AgentKey),
		verificationKeys: make(map[string]*AgentKey),
		encryptionKeys:   make(map[string]*AgentKey),
		decryptionKeys:   make(map[string]*AgentKey),
		secrets:          make(map[string]*AgentKey),
		generatedKeys:    make(map[string]*did.GeneratedKey),
		logger:           log.New(log.Writer(), "[KeyManager] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(km)
	}
	return km
}

// GenerateKey generates a fresh key pair and registers it under all four
// capability maps plus the legacy secrets and generated-keys maps.
func (km *KeyManager) GenerateKey(opts DIDGenerationOptions) (*did.GeneratedKey, error) {
	generated, err := did.GenerateKey(opts.KeyType)
	if err != nil {
		return nil, errs.Wrap(errs.Cryptography, "generate key", err)
	}
	if err := km.addKeyLocked(generated); err != nil {
		return nil, err
	}
	return generated, km.persist()
}

// GenerateWebDID generates a did:web identifier and registers it the same
// way as GenerateKey.
func (km *KeyManager) GenerateWebDID(domain string, opts DIDGenerationOptions) (*did.GeneratedKey, error) {
	generated, err := did.GenerateWebDID(domain, opts.KeyType)
	if err != nil {
		return nil, errs.Wrap(errs.Cryptography, "generate web did", err)
	}
	if err := km.addKeyLocked(generated); err != nil {
		return nil, err
	}
	return generated, km.persist()
}

// AddKey registers an already-generated key (e.g. loaded from storage).
func (km *KeyManager) AddKey(generated *did.GeneratedKey) error {
	if err := km.addKeyLocked(generated); err != nil {
		return err
	}
	return km.persist()
}

func (km *KeyManager) addKeyLocked(generated *did.GeneratedKey) error {
	km.mu.Lock()
	defer km.mu.Unlock()

	agentKey := agentKeyFromGenerated(generated)
	km.signingKeys[agentKey.KeyID] = agentKey
	km.verificationKeys[agentKey.KeyID] = agentKey
	km.encryptionKeys[agentKey.KeyID] = agentKey
	km.decryptionKeys[agentKey.KeyID] = agentKey
	km.secrets[generated.DID] = agentKey
	km.generatedKeys[generated.DID] = generated
	return nil
}

// RemoveKey removes did from all five mappings atomically.
func (km *KeyManager) RemoveKey(target string) error {
	km.mu.Lock()
	defer km.mu.Unlock()

	delete(km.secrets, target)
	delete(km.generatedKeys, target)
	for kid, k := range km.signingKeys {
		if k.DID == target || strings.HasPrefix(kid, target) {
			delete(km.signingKeys, kid)
		}
	}
	for kid, k := range km.verificationKeys {
		if k.DID == target || strings.HasPrefix(kid, target) {
			delete(km.verificationKeys, kid)
		}
	}
	for kid, k := range km.encryptionKeys {
		if k.DID == target || strings.HasPrefix(kid, target) {
			delete(km.encryptionKeys, kid)
		}
	}
	for kid, k := range km.decryptionKeys {
		if k.DID == target || strings.HasPrefix(kid, target) {
			delete(km.decryptionKeys, kid)
		}
	}
	return km.persistLocked()
}

// HasKey reports whether any mapping exists for did.
func (km *KeyManager) HasKey(target string) bool {
	km.mu.RLock()
	defer km.mu.RUnlock()
	if _, ok := km.secrets[target]; ok {
		return true
	}
	for _, k := range km.signingKeys {
		if k.DID == target {
			return true
		}
	}
	return false
}

// ListKeys returns every known DID.
func (km *KeyManager) ListKeys() []string {
	km.mu.RLock()
	defer km.mu.RUnlock()
	seen := make(map[string]bool)
	var dids []string
	for d := range km.secrets {
		if !seen[d] {
			seen[d] = true
			dids = append(dids, d)
		}
	}
	for _, k := range km.signingKeys {
		if !seen[k.DID] {
			seen[k.DID] = true
			dids = append(dids, k.DID)
		}
	}
	return dids
}

// AddSigningKey registers an externally-supplied signing capability.
func (km *KeyManager) AddSigningKey(k *AgentKey) {
	km.mu.Lock()
	defer km.mu.Unlock()
	km.signingKeys[k.KeyID] = k
}

// AddVerificationKey registers an externally-supplied verification capability.
func (km *KeyManager) AddVerificationKey(k *AgentKey) {
	km.mu.Lock()
	defer km.mu.Unlock()
	km.verificationKeys[k.KeyID] = k
}

// AddEncryptionKey registers an externally-supplied encryption capability.
func (km *KeyManager) AddEncryptionKey(k *AgentKey) {
	km.mu.Lock()
	defer km.mu.Unlock()
	km.encryptionKeys[k.KeyID] = k
}

// AddDecryptionKey registers an externally-supplied decryption capability.
func (km *KeyManager) AddDecryptionKey(k *AgentKey) {
	km.mu.Lock()
	defer km.mu.Unlock()
	km.decryptionKeys[k.KeyID] = k
}

// GetSigningKey returns the signing capability for kid.
func (km *KeyManager) GetSigningKey(kid string) (*AgentKey, error) {
	return km.lookup(km.signingKeys, kid)
}

// GetEncryptionKey returns the encryption capability for kid.
func (km *KeyManager) GetEncryptionKey(kid string) (*AgentKey, error) {
	return km.lookup(km.encryptionKeys, kid)
}

// GetDecryptionKey returns the decryption capability for kid.
func (km *KeyManager) GetDecryptionKey(kid string) (*AgentKey, error) {
	return km.lookup(km.decryptionKeys, kid)
}

// ResolveVerificationKey returns the verification capability for kid,
// falling back to the legacy secrets map (keyed by DID) and caching the
// result when found there.
func (km *KeyManager) ResolveVerificationKey(kid string) (*AgentKey, error) {
	km.mu.RLock()
	if k, ok := km.verificationKeys[kid]; ok {
		km.mu.RUnlock()
		return k, nil
	}
	km.mu.RUnlock()

	target := did.StripFragment(kid)
	km.mu.RLock()
	secret, ok := km.secrets[target]
	km.mu.RUnlock()
	if !ok {
		return nil, errs.Wrap(errs.KeyNotFound, fmt.Sprintf("no verification key for %q", kid), ErrKeyNotFound)
	}

	km.mu.Lock()
	km.verificationKeys[kid] = secret
	km.mu.Unlock()
	return secret, nil
}

func (km *KeyManager) lookup(m map[string]*AgentKey, kid string) (*AgentKey, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()
	k, ok := m[kid]
	if !ok {
		return nil, errs.Wrap(errs.KeyNotFound, fmt.Sprintf("no key for %q", kid), ErrKeyNotFound)
	}
	return k, nil
}

// SignJWS builds a flattened JWS over payload using the signing key kid.
func (km *KeyManager) SignJWS(kid string, payload []byte, protected *didcomm.JWSProtected) (string, error) {
	key, err := km.GetSigningKey(kid)
	if err != nil {
		return "", err
	}

	hdr := didcomm.JWSProtected{Typ: didcomm.TypSigned, Alg: string(key.RecommendedAlg()), Kid: kid}
	if protected != nil {
		hdr = *protected
		hdr.Alg = string(key.RecommendedAlg())
		if hdr.Kid == "" {
			hdr.Kid = kid
		}
	}

	protectedJSON, err := json.Marshal(hdr)
	if err != nil {
		return "", errs.Wrap(errs.Serialization, "marshal jws protected header", err)
	}
	protectedB64 := base64.StdEncoding.EncodeToString(protectedJSON)
	payloadB64 := base64.StdEncoding.EncodeToString(payload)

	signingInput := protectedB64 + "." + payloadB64
	sig, err := key.Sign([]byte(signingInput))
	if err != nil {
		return "", errs.Wrap(errs.Cryptography, "sign jws", err)
	}

	jws := didcomm.JWS{
		Payload: payloadB64,
		Signatures: []didcomm.JWSSignature{
			{Protected: protectedB64, Signature: base64.StdEncoding.EncodeToString(sig)},
		},
	}
	out, err := json.Marshal(jws)
	if err != nil {
		return "", errs.Wrap(errs.Serialization, "marshal jws", err)
	}
	return string(out), nil
}

// VerifyJWS verifies at least one signature in jwsJSON and returns the
// decoded payload bytes. If expectedKid is non-empty, only that signature is
// considered.
func (km *KeyManager) VerifyJWS(jwsJSON string, expectedKid string) ([]byte, error) {
	var jws didcomm.JWS
	if err := json.Unmarshal([]byte(jwsJSON), &jws); err != nil {
		return nil, errs.Wrap(errs.Serialization, "unmarshal jws", err)
	}

	payload, err := base64.StdEncoding.DecodeString(jws.Payload)
	if err != nil {
		return nil, errs.Wrap(errs.Serialization, "decode jws payload", err)
	}

	var lastErr error
	for _, sigEntry := range jws.Signatures {
		var protected didcomm.JWSProtected
		protectedJSON, err := base64.StdEncoding.DecodeString(sigEntry.Protected)
		if err != nil {
			lastErr = err
			continue
		}
		if err := json.Unmarshal(protectedJSON, &protected); err != nil {
			lastErr = err
			continue
		}
		if expectedKid != "" && protected.Kid != expectedKid {
			continue
		}

		key, err := km.ResolveVerificationKey(protected.Kid)
		if err != nil {
			lastErr = err
			continue
		}
		sig, err := base64.StdEncoding.DecodeString(sigEntry.Signature)
		if err != nil {
			lastErr = err
			continue
		}
		signingInput := sigEntry.Protected + "." + jws.Payload
		if key.Verify(tapcrypto.Alg(protected.Alg), []byte(signingInput), sig) {
			return payload, nil
		}
		lastErr = errs.New(errs.Cryptography, "signature verification failed")
	}

	if lastErr == nil {
		lastErr = errs.New(errs.Cryptography, "no signature present")
	}
	return nil, lastErr
}

// EncryptJWE builds a single-recipient JWE from plaintext, using senderKid's
// encryption key and recipientKid's resolved verification key (used to
// obtain the recipient's public JWK) per the ECDH-ES+A256KW sequence.
func (km *KeyManager) EncryptJWE(senderKid, recipientKid string, plaintext []byte, protected *didcomm.JWEProtected) (string, error) {
	sender, err := km.GetEncryptionKey(senderKid)
	if err != nil {
		return "", err
	}
	recipient, err := km.ResolveVerificationKey(recipientKid)
	if err != nil {
		return "", err
	}
	if recipient.KeyType != did.P256 {
		return "", errs.New(errs.Cryptography, "recipient key is not P-256; ECDH-ES requires a P-256 recipient")
	}

	cek := make([]byte, 32)
	if _, err := rand.Read(cek); err != nil {
		return "", errs.Wrap(errs.Cryptography, "generate cek", err)
	}

	ephemeralPriv, ephemeralPub, err := generateEphemeralP256()
	if err != nil {
		return "", errs.Wrap(errs.Cryptography, "generate ephemeral key", err)
	}

	shared, err := tapcrypto.ECDHP256(ephemeralPriv, recipient.PublicKey)
	if err != nil {
		return "", errs.Wrap(errs.Cryptography, "ecdh", err)
	}

	apv := uuid.New()
	apvB64 := base64.StdEncoding.EncodeToString(apv[:])

	hdr := didcomm.JWEProtected{
		Epk: didcomm.EphemeralPublicKey{
			Kty: "EC", Crv: "P-256",
			X: base64.StdEncoding.EncodeToString(ephemeralPub[1:33]),
			Y: base64.StdEncoding.EncodeToString(ephemeralPub[33:65]),
		},
		Apv: apvB64,
		Typ: didcomm.TypEncrypted,
		Enc: "A256GCM",
		Alg: "ECDH-ES+A256KW",
	}
	if protected != nil {
		hdr = *protected
	}

	apvBytes, _ := base64.StdEncoding.DecodeString(hdr.Apv)
	kek, err := tapcrypto.DeriveKeyECDHES(shared, nil, apvBytes, 256)
	if err != nil {
		return "", errs.Wrap(errs.Cryptography, "derive kek", err)
	}
	wrappedCEK, err := tapcrypto.WrapKeyAESKW(kek, cek)
	if err != nil {
		return "", errs.Wrap(errs.Cryptography, "wrap cek", err)
	}

	iv, ciphertext, tag, err := tapcrypto.GCMEncrypt(cek, plaintext)
	if err != nil {
		return "", errs.Wrap(errs.Cryptography, "gcm encrypt", err)
	}

	protectedJSON, err := json.Marshal(hdr)
	if err != nil {
		return "", errs.Wrap(errs.Serialization, "marshal jwe protected header", err)
	}

	jwe := didcomm.JWE{
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		Protected:  base64.StdEncoding.EncodeToString(protectedJSON),
		Recipients: []didcomm.JWERecipient{
			{
				EncryptedKey: base64.StdEncoding.EncodeToString(wrappedCEK),
				Header:       didcomm.JWEHeader{Kid: recipientKid, SenderKid: sender.KeyID},
			},
		},
		IV:  base64.StdEncoding.EncodeToString(iv),
		Tag: base64.StdEncoding.EncodeToString(tag),
	}
	out, err := json.Marshal(jwe)
	if err != nil {
		return "", errs.Wrap(errs.Serialization, "marshal jwe", err)
	}
	return string(out), nil
}

// DecryptJWE reverses EncryptJWE, trying each recipient whose decryption key
// is available locally.
func (km *KeyManager) DecryptJWE(jweJSON string, expectedKid string) ([]byte, error) {
	var jwe didcomm.JWE
	if err := json.Unmarshal([]byte(jweJSON), &jwe); err != nil {
		return nil, errs.Wrap(errs.Serialization, "unmarshal jwe", err)
	}

	protectedJSON, err := base64.StdEncoding.DecodeString(jwe.Protected)
	if err != nil {
		return nil, errs.Wrap(errs.Serialization, "decode jwe protected header", err)
	}
	var protected didcomm.JWEProtected
	if err := json.Unmarshal(protectedJSON, &protected); err != nil {
		return nil, errs.Wrap(errs.Serialization, "unmarshal jwe protected header", err)
	}

	var lastErr error = errs.New(errs.KeyNotFound, "no matching recipient for jwe")
	for _, recipient := range jwe.Recipients {
		if expectedKid != "" && recipient.Header.Kid != expectedKid {
			continue
		}
		key, err := km.GetDecryptionKey(recipient.Header.Kid)
		if err != nil {
			lastErr = err
			continue
		}

		epkX, err := base64.StdEncoding.DecodeString(protected.Epk.X)
		if err != nil {
			lastErr = errs.Wrap(errs.Cryptography, "decode epk x", err)
			continue
		}
		epkY, err := base64.StdEncoding.DecodeString(protected.Epk.Y)
		if err != nil {
			lastErr = errs.Wrap(errs.Cryptography, "decode epk y", err)
			continue
		}
		epkBytes := append([]byte{0x04}, append(epkX, epkY...)...)

		shared, err := tapcrypto.ECDHP256(key.PrivateKey, epkBytes)
		if err != nil {
			lastErr = errs.Wrap(errs.Cryptography, "ecdh", err)
			continue
		}

		apvBytes, _ := base64.StdEncoding.DecodeString(protected.Apv)
		kek, err := tapcrypto.DeriveKeyECDHES(shared, nil, apvBytes, 256)
		if err != nil {
			lastErr = errs.Wrap(errs.Cryptography, "derive kek", err)
			continue
		}

		wrappedCEK, err := base64.StdEncoding.DecodeString(recipient.EncryptedKey)
		if err != nil {
			lastErr = errs.Wrap(errs.Cryptography, "decode encrypted_key", err)
			continue
		}
		cek, err := tapcrypto.UnwrapKeyAESKW(kek, wrappedCEK)
		if err != nil {
			lastErr = errs.Wrap(errs.Cryptography, "unwrap cek", err)
			continue
		}

		iv, err := base64.StdEncoding.DecodeString(jwe.IV)
		if err != nil {
			lastErr = errs.Wrap(errs.Cryptography, "decode iv", err)
			continue
		}
		ciphertext, err := base64.StdEncoding.DecodeString(jwe.Ciphertext)
		if err != nil {
			lastErr = errs.Wrap(errs.Cryptography, "decode ciphertext", err)
			continue
		}
		tag, err := base64.StdEncoding.DecodeString(jwe.Tag)
		if err != nil {
			lastErr = errs.Wrap(errs.Cryptography, "decode tag", err)
			continue
		}

		plaintext, err := tapcrypto.GCMDecrypt(cek, iv, ciphertext, tag)
		if err != nil {
			lastErr = errs.Wrap(errs.Cryptography, "gcm decrypt", err)
			continue
		}
		return plaintext, nil
	}
	return nil, lastErr
}

// persist serializes the union of legacy secrets to the configured storage
// location, if any.
func (km *KeyManager) persist() error {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.persistLocked()
}

func (km *KeyManager) persistLocked() error {
	if km.storagePath == "" {
		return nil
	}

	type storedKey struct {
		KeyType       string `json:"key_type"`
		PrivateKeyB64 string `json:"private_key_b64"`
		PublicKeyB64  string `json:"public_key_b64"`
	}
	doc := struct {
		Keys       map[string]storedKey `json:"keys"`
		DefaultDID string               `json:"default_did"`
	}{Keys: make(map[string]storedKey)}

	var defaultDID string
	for d, k := range km.secrets {
		doc.Keys[d] = storedKey{
			KeyType:       string(k.KeyType),
			PrivateKeyB64: base64.StdEncoding.EncodeToString(k.PrivateKey),
			PublicKeyB64:  base64.StdEncoding.EncodeToString(k.PublicKey),
		}
		if defaultDID == "" {
			defaultDID = d
		}
	}
	doc.DefaultDID = defaultDID

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errs.Wrap(errs.Serialization, "marshal key store", err)
	}
	if err := os.MkdirAll(filepath.Dir(km.storagePath), 0700); err != nil {
		return errs.Wrap(errs.Storage, "create key store directory", err)
	}
	if err := os.WriteFile(km.storagePath, data, 0600); err != nil {
		return errs.Wrap(errs.Storage, "write key store", err)
	}
	return nil
}

// LoadFromStoragePath rehydrates legacy secrets and re-derives capability
// objects from a previously persisted key store.
func (km *KeyManager) LoadFromStoragePath(path string) error {
	km.storagePath = path
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errs.Wrap(errs.Storage, "read key store", err)
	}

	var doc struct {
		Keys map[string]struct {
			KeyType       string `json:"key_type"`
			PrivateKeyB64 string `json:"private_key_b64"`
			PublicKeyB64  string `json:"public_key_b64"`
		} `json:"keys"`
		DefaultDID string `json:"default_did"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return errs.Wrap(errs.Serialization, "unmarshal key store", err)
	}

	km.mu.Lock()
	defer km.mu.Unlock()
	for d, sk := range doc.Keys {
		priv, err := base64.StdEncoding.DecodeString(sk.PrivateKeyB64)
		if err != nil {
			return errs.Wrap(errs.Serialization, "decode private key", err)
		}
		pub, err := base64.StdEncoding.DecodeString(sk.PublicKeyB64)
		if err != nil {
			return errs.Wrap(errs.Serialization, "decode public key", err)
		}
		generated := &did.GeneratedKey{
			DID:             d,
			KeyType:         did.KeyType(sk.KeyType),
			PrivateKeyBytes: priv,
			PublicKeyBytes:  pub,
		}
		agentKey := &AgentKey{KeyID: defaultKeyIDForLoaded(d), DID: d, KeyType: generated.KeyType, PrivateKey: priv, PublicKey: pub}
		km.signingKeys[agentKey.KeyID] = agentKey
		km.verificationKeys[agentKey.KeyID] = agentKey
		km.encryptionKeys[agentKey.KeyID] = agentKey
		km.decryptionKeys[agentKey.KeyID] = agentKey
		km.secrets[d] = agentKey
	}
	return nil
}

func defaultKeyIDForLoaded(target string) string {
	switch {
	case strings.HasPrefix(target, "did:key:"):
		return target + "#" + strings.TrimPrefix(target, "did:key:")
	case strings.HasPrefix(target, "did:web:"):
		return target + "#keys-1"
	default:
		return target + "#key-1"
	}
}

func generateEphemeralP256() (priv, pub []byte, err error) {
	generated, err := did.GenerateKey(did.P256)
	if err != nil {
		return nil, nil, err
	}
	return generated.PrivateKeyBytes, generated.PublicKeyBytes, nil
}
