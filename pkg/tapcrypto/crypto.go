// Package tapcrypto implements the signing, verification, key-agreement and
// content-encryption primitives a TAP agent key is built from: EdDSA/ES256/
// ES256K raw-format signatures, ECDH-ES key agreement via the Concat KDF,
// AES Key Wrap, and AES-256-GCM content encryption.
package tapcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	ecdsaSecp "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/tap-rsvp/tap-node/internal/tapcrypto/kw"
)

// Alg identifies a signing algorithm.
type Alg string

const (
	AlgEdDSA  Alg = "EdDSA"
	AlgES256  Alg = "ES256"
	AlgES256K Alg = "ES256K"
)

// Sign produces a raw-format signature: 64 bytes for EdDSA, R‖S (each padded
// to the curve's byte length) for ES256/ES256K. DER encoding is never used.
func Sign(alg Alg, privateKey []byte, message []byte) ([]byte, error) {
	switch alg {
	case AlgEdDSA:
		switch len(privateKey) {
		case ed25519.SeedSize:
			return ed25519.Sign(ed25519.NewKeyFromSeed(privateKey), message), nil
		case ed25519.PrivateKeySize:
			return ed25519.Sign(ed25519.PrivateKey(privateKey), message), nil
		default:
			return nil, fmt.Errorf("tapcrypto: ed25519 private key must be a %d-byte seed or %d bytes", ed25519.SeedSize, ed25519.PrivateKeySize)
		}
	case AlgES256:
		priv, err := p256PrivateKey(privateKey)
		if err != nil {
			return nil, err
		}
		digest := sha256.Sum256(message)
		r, s, err := ecdsa.Sign(rand.Reader, priv, digest[:])
		if err != nil {
			return nil, fmt.Errorf("tapcrypto: es256 sign: %w", err)
		}
		return rawFromRS(r, s, 32), nil
	case AlgES256K:
		priv := secp256k1.PrivKeyFromBytes(privateKey)
		digest := sha256.Sum256(message)
		compact := ecdsaSecp.SignCompact(priv, digest[:], false)
		// compact is [recovery-id(1) || R(32) || S(32)]; strip the recovery
		// byte to get the raw R‖S signature the spec requires.
		return compact[1:], nil
	default:
		return nil, fmt.Errorf("tapcrypto: unsupported signing algorithm %q", alg)
	}
}

// Verify checks a raw-format signature against a message and public key.
func Verify(alg Alg, publicKey []byte, message []byte, sig []byte) bool {
	switch alg {
	case AlgEdDSA:
		if len(publicKey) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
			return false
		}
		return ed25519.Verify(ed25519.PublicKey(publicKey), message, sig)
	case AlgES256:
		pub, err := p256PublicKey(publicKey)
		if err != nil {
			return false
		}
		if len(sig) != 64 {
			return false
		}
		r := new(big.Int).SetBytes(sig[:32])
		s := new(big.Int).SetBytes(sig[32:])
		digest := sha256.Sum256(message)
		return ecdsa.Verify(pub, digest[:], r, s)
	case AlgES256K:
		if len(sig) != 64 {
			return false
		}
		pub, err := secp256k1.ParsePubKey(publicKey)
		if err != nil {
			return false
		}
		r := new(secp256k1.ModNScalar)
		r.SetByteSlice(sig[:32])
		s := new(secp256k1.ModNScalar)
		s.SetByteSlice(sig[32:])
		digest := sha256.Sum256(message)
		signature := ecdsaSecp.NewSignature(r, s)
		return signature.Verify(digest[:], pub)
	default:
		return false
	}
}

func rawFromRS(r, s *big.Int, size int) []byte {
	out := make([]byte, size*2)
	rBytes := r.Bytes()
	sBytes := s.Bytes()
	copy(out[size-len(rBytes):size], rBytes)
	copy(out[2*size-len(sBytes):2*size], sBytes)
	return out
}

func p256PrivateKey(raw []byte) (*ecdsa.PrivateKey, error) {
	curve := elliptic.P256()
	priv := new(ecdsa.PrivateKey)
	priv.Curve = curve
	priv.D = new(big.Int).SetBytes(raw)
	priv.PublicKey.X, priv.PublicKey.Y = curve.ScalarBaseMult(raw)
	return priv, nil
}

func p256PublicKey(raw []byte) (*ecdsa.PublicKey, error) {
	x, y, err := unmarshalUncompressed(elliptic.P256(), raw)
	if err != nil {
		return nil, err
	}
	return &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}, nil
}

func unmarshalUncompressed(curve elliptic.Curve, data []byte) (*big.Int, *big.Int, error) {
	byteLen := (curve.Params().BitSize + 7) / 8
	if len(data) == 1+2*byteLen && data[0] == 0x04 {
		x := new(big.Int).SetBytes(data[1 : 1+byteLen])
		y := new(big.Int).SetBytes(data[1+byteLen:])
		return x, y, nil
	}
	if len(data) == 2*byteLen {
		x := new(big.Int).SetBytes(data[:byteLen])
		y := new(big.Int).SetBytes(data[byteLen:])
		return x, y, nil
	}
	return nil, nil, fmt.Errorf("tapcrypto: invalid uncompressed point encoding")
}

// ECDHP256 performs a raw P-256 Diffie-Hellman exchange, returning the
// shared secret's x-coordinate as the agreed secret, matching the original
// agent's use of `raw_secret_bytes()`.
func ECDHP256(privateKey []byte, peerPublicKey []byte) ([]byte, error) {
	curve := elliptic.P256()
	x, y, err := unmarshalUncompressed(curve, peerPublicKey)
	if err != nil {
		return nil, err
	}
	d := new(big.Int).SetBytes(privateKey)
	sx, _ := curve.ScalarMult(x, y, d.Bytes())
	byteLen := (curve.Params().BitSize + 7) / 8
	out := make([]byte, byteLen)
	sxBytes := sx.Bytes()
	copy(out[byteLen-len(sxBytes):], sxBytes)
	return out, nil
}

// DeriveKeyECDHES derives a key-encryption key from an ECDH shared secret
// using the NIST SP 800-56A Concat KDF with AlgorithmID fixed to "A256KW",
// matching the original agent's encrypt_to_jwk.
func DeriveKeyECDHES(sharedSecret, apu, apv []byte, bits int) ([]byte, error) {
	if bits%8 != 0 {
		return nil, fmt.Errorf("tapcrypto: bits must be a multiple of 8")
	}
	keyLen := bits / 8
	algorithmID := lengthPrefixed([]byte("A256KW"))
	partyUInfo := lengthPrefixed(apu)
	partyVInfo := lengthPrefixed(apv)
	suppPubInfo := make([]byte, 4)
	binary.BigEndian.PutUint32(suppPubInfo, uint32(bits))

	otherInfo := concat(algorithmID, partyUInfo, partyVInfo, suppPubInfo)

	var output []byte
	for counter := uint32(1); len(output) < keyLen; counter++ {
		h := sha256.New()
		counterBytes := make([]byte, 4)
		binary.BigEndian.PutUint32(counterBytes, counter)
		h.Write(counterBytes)
		h.Write(sharedSecret)
		h.Write(otherInfo)
		output = append(output, h.Sum(nil)...)
	}
	return output[:keyLen], nil
}

func lengthPrefixed(data []byte) []byte {
	out := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(out, uint32(len(data)))
	copy(out[4:], data)
	return out
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// WrapKeyAESKW wraps cek with kek per RFC 3394.
func WrapKeyAESKW(kek, cek []byte) ([]byte, error) {
	return kw.Wrap(kek, cek)
}

// UnwrapKeyAESKW reverses WrapKeyAESKW.
func UnwrapKeyAESKW(kek, wrapped []byte) ([]byte, error) {
	return kw.Unwrap(kek, wrapped)
}

// GCMEncrypt encrypts plaintext with a 256-bit key and empty AAD, returning
// a random 12-byte IV, the ciphertext, and a 16-byte tag.
func GCMEncrypt(key, plaintext []byte) (iv, ciphertext, tag []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("tapcrypto: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("tapcrypto: gcm: %w", err)
	}
	iv = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, nil, fmt.Errorf("tapcrypto: generate iv: %w", err)
	}
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	ciphertext = sealed[:len(sealed)-gcm.Overhead()]
	tag = sealed[len(sealed)-gcm.Overhead():]
	return iv, ciphertext, tag, nil
}

// GCMDecrypt decrypts ciphertext+tag with a 256-bit key, empty AAD, and the
// supplied 12-byte IV. A mismatched tag is a cryptography error.
func GCMDecrypt(key, iv, ciphertext, tag []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("tapcrypto: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("tapcrypto: gcm: %w", err)
	}
	sealed := append(append([]byte{}, ciphertext...), tag...)
	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("tapcrypto: gcm open: %w", err)
	}
	return plaintext, nil
}
