// Package pack implements the Plain/Signed/AuthCrypt packing and
// structural-dispatch unpacking of DIDComm plaintext messages.
package pack

import (
	"encoding/json"
	"strings"

	"github.com/tap-rsvp/tap-node/pkg/didcomm"
	"github.com/tap-rsvp/tap-node/pkg/errs"
)

// Mode selects how Pack serializes a plaintext message. Any is legal only
// for Unpack.
type Mode int

const (
	Plain Mode = iota
	Signed
	AuthCrypt
	Any
)

// KeyResolver is the capability surface pack needs from a key manager,
// mirroring the original agent's KeyManagerPacking contract.
type KeyResolver interface {
	SignJWS(kid string, payload []byte, protected *didcomm.JWSProtected) (string, error)
	VerifyJWS(jwsJSON string, expectedKid string) ([]byte, error)
	EncryptJWE(senderKid, recipientKid string, plaintext []byte, protected *didcomm.JWEProtected) (string, error)
	DecryptJWE(jweJSON string, expectedKid string) ([]byte, error)
}

// Options configures a single Pack call.
type Options struct {
	Mode         Mode
	SenderKid    string
	RecipientKid string
	Protected    *didcomm.JWSProtected
	JWEProtected *didcomm.JWEProtected
}

// Packer packs and unpacks plaintext messages via a KeyResolver.
type Packer struct {
	Keys KeyResolver
}

func New(keys KeyResolver) *Packer {
	return &Packer{Keys: keys}
}

// Pack serializes msg according to opts.Mode.
func (p *Packer) Pack(msg *didcomm.PlainMessage, opts Options) (string, error) {
	plaintext, err := json.Marshal(msg)
	if err != nil {
		return "", errs.Wrap(errs.Serialization, "marshal plaintext message", err)
	}

	switch opts.Mode {
	case Plain:
		return string(plaintext), nil
	case Signed:
		if opts.SenderKid == "" {
			return "", errs.New(errs.Validation, "signed packing requires a sender kid")
		}
		return p.Keys.SignJWS(opts.SenderKid, plaintext, opts.Protected)
	case AuthCrypt:
		if opts.SenderKid == "" || opts.RecipientKid == "" {
			return "", errs.New(errs.Validation, "authcrypt packing requires sender and recipient kids")
		}
		return p.Keys.EncryptJWE(opts.SenderKid, opts.RecipientKid, plaintext, opts.JWEProtected)
	case Any:
		return "", errs.New(errs.Validation, "Any mode is not legal for packing")
	default:
		return "", errs.New(errs.Validation, "unknown pack mode")
	}
}

// UnpackResult carries the recovered plaintext and how it arrived.
type UnpackResult struct {
	Message *didcomm.PlainMessage
	Mode    Mode
}

// Unpack decides by structure: JWS (payload+signatures), JWE
// (ciphertext+protected+recipients), or already-plaintext (body+type).
func (p *Packer) Unpack(packed string, expectedKid string) (*UnpackResult, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal([]byte(packed), &probe); err != nil {
		return nil, errs.Wrap(errs.Serialization, "unmarshal packed message", err)
	}

	_, hasPayload := probe["payload"]
	_, hasSignatures := probe["signatures"]
	_, hasCiphertext := probe["ciphertext"]
	_, hasProtected := probe["protected"]
	_, hasRecipients := probe["recipients"]
	_, hasBody := probe["body"]
	_, hasType := probe["type"]

	switch {
	case hasPayload && hasSignatures:
		plaintext, err := p.Keys.VerifyJWS(packed, expectedKid)
		if err != nil {
			return nil, err
		}
		msg, err := decodePlaintext(plaintext)
		if err != nil {
			return nil, err
		}
		return &UnpackResult{Message: msg, Mode: Signed}, nil
	case hasCiphertext && hasProtected && hasRecipients:
		plaintext, err := p.Keys.DecryptJWE(packed, expectedKid)
		if err != nil {
			return nil, err
		}
		msg, err := decodePlaintext(plaintext)
		if err != nil {
			return nil, err
		}
		return &UnpackResult{Message: msg, Mode: AuthCrypt}, nil
	case hasBody && hasType:
		msg, err := decodePlaintext([]byte(packed))
		if err != nil {
			return nil, err
		}
		return &UnpackResult{Message: msg, Mode: Plain}, nil
	default:
		return nil, errs.New(errs.Validation, "packed message matches no known envelope shape")
	}
}

func decodePlaintext(data []byte) (*didcomm.PlainMessage, error) {
	var msg didcomm.PlainMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, errs.Wrap(errs.Serialization, "unmarshal plaintext message", err)
	}
	if strings.TrimSpace(msg.Type) == "" {
		return nil, errs.New(errs.Validation, "plaintext message missing type")
	}
	return &msg, nil
}
