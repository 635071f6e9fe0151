// Package verifier implements standalone JWS verification using only a DID
// resolver, with no key manager or private keys — used by the node to
// verify once for many recipients.
package verifier

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/multiformats/go-multibase"

	"github.com/tap-rsvp/tap-node/pkg/did"
	"github.com/tap-rsvp/tap-node/pkg/didcomm"
	"github.com/tap-rsvp/tap-node/pkg/errs"
	"github.com/tap-rsvp/tap-node/pkg/tapcrypto"
)

// Verifier verifies JWS envelopes against a DID resolver.
type Verifier struct {
	Resolver did.Resolver
}

func New(resolver did.Resolver) *Verifier {
	return &Verifier{Resolver: resolver}
}

// VerifyJWS iterates the JWS's signatures, resolves each kid's verification
// method, and returns the decoded plaintext on the first successful
// verification; otherwise it returns the last error seen.
func (v *Verifier) VerifyJWS(ctx context.Context, jwsJSON string) (*didcomm.PlainMessage, error) {
	var jws didcomm.JWS
	if err := json.Unmarshal([]byte(jwsJSON), &jws); err != nil {
		return nil, errs.Wrap(errs.Serialization, "unmarshal jws", err)
	}
	if len(jws.Signatures) == 0 {
		return nil, errs.New(errs.Cryptography, "jws has no signatures")
	}

	payload, err := base64.StdEncoding.DecodeString(jws.Payload)
	if err != nil {
		return nil, errs.Wrap(errs.Serialization, "decode jws payload", err)
	}

	var lastErr error
	for _, sigEntry := range jws.Signatures {
		protectedJSON, err := base64.StdEncoding.DecodeString(sigEntry.Protected)
		if err != nil {
			lastErr = err
			continue
		}
		var protected didcomm.JWSProtected
		if err := json.Unmarshal(protectedJSON, &protected); err != nil {
			lastErr = err
			continue
		}

		targetDID := did.StripFragment(protected.Kid)
		doc, err := v.Resolver.Resolve(ctx, targetDID)
		if err != nil {
			lastErr = errs.Wrap(errs.DidResolution, "resolve did", err)
			continue
		}
		if doc == nil {
			lastErr = errs.New(errs.DidResolution, fmt.Sprintf("did %q not found", targetDID))
			continue
		}

		pubKey, keyType, err := findVerificationKey(doc, protected.Kid)
		if err != nil {
			lastErr = err
			continue
		}
		_ = keyType

		sig, err := base64.StdEncoding.DecodeString(sigEntry.Signature)
		if err != nil {
			lastErr = err
			continue
		}

		signingInput := sigEntry.Protected + "." + jws.Payload
		if tapcrypto.Verify(tapcrypto.Alg(protected.Alg), pubKey, []byte(signingInput), sig) {
			var msg didcomm.PlainMessage
			if err := json.Unmarshal(payload, &msg); err != nil {
				return nil, errs.Wrap(errs.Serialization, "unmarshal plaintext message", err)
			}
			return &msg, nil
		}
		lastErr = errs.New(errs.Cryptography, "signature verification failed")
	}

	if lastErr == nil {
		lastErr = errs.New(errs.Cryptography, "no signature verified")
	}
	return nil, lastErr
}

// findVerificationKey locates the exact verification method by full id and
// decodes its public material: JWK coordinates chosen by "crv", or, when
// there is no "crv", a publicKeyMultibase value whose multicodec prefix
// selects the key type and is stripped.
func findVerificationKey(doc *did.Document, kid string) ([]byte, did.KeyType, error) {
	for _, vm := range doc.VerificationMethod {
		if vm.ID != kid {
			continue
		}
		return decodeMaterial(vm.Material)
	}
	return nil, "", errs.New(errs.KeyNotFound, fmt.Sprintf("verification method %q not found in did document", kid))
}

func decodeMaterial(material map[string]any) ([]byte, did.KeyType, error) {
	crv, _ := material["crv"].(string)
	switch crv {
	case "Ed25519":
		x, _ := material["x"].(string)
		pub, err := base64.StdEncoding.DecodeString(x)
		if err != nil {
			return nil, "", errs.Wrap(errs.Cryptography, "decode ed25519 public key", err)
		}
		return pub, did.Ed25519, nil
	case "P-256", "secp256k1":
		x, _ := material["x"].(string)
		y, _ := material["y"].(string)
		xb, err := base64.StdEncoding.DecodeString(x)
		if err != nil {
			return nil, "", errs.Wrap(errs.Cryptography, "decode x coordinate", err)
		}
		yb, err := base64.StdEncoding.DecodeString(y)
		if err != nil {
			return nil, "", errs.Wrap(errs.Cryptography, "decode y coordinate", err)
		}
		pub := append([]byte{0x04}, append(xb, yb...)...)
		kt := did.P256
		if crv == "secp256k1" {
			kt = did.Secp256k1
		}
		return pub, kt, nil
	case "":
		// Multibase-encoded material: decode and strip the multicodec prefix.
		if mb, ok := material["publicKeyMultibase"].(string); ok {
			_, data, err := multibase.Decode(mb)
			if err != nil {
				return nil, "", errs.Wrap(errs.Cryptography, "decode multibase public key", err)
			}
			if len(data) < 2 {
				return nil, "", errs.New(errs.Cryptography, "multibase material too short")
			}
			switch {
			case data[0] == 0xed && data[1] == 0x01:
				return data[2:], did.Ed25519, nil
			case data[0] == 0x12 && data[1] == 0x00:
				return data[2:], did.P256, nil
			case data[0] == 0xe7 && data[1] == 0x01:
				return data[2:], did.Secp256k1, nil
			}
		}
		return nil, "", errs.New(errs.Cryptography, "unrecognized verification material")
	default:
		return nil, "", errs.New(errs.Cryptography, fmt.Sprintf("unsupported curve %q", crv))
	}
}
