package verifier

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/tap-rsvp/tap-node/pkg/did"
	"github.com/tap-rsvp/tap-node/pkg/didcomm"
	"github.com/tap-rsvp/tap-node/pkg/keymanager"
)

type staticResolver struct {
	doc *did.Document
}

func (r staticResolver) Resolve(_ context.Context, target string) (*did.Document, error) {
	if target != r.doc.ID {
		return nil, nil
	}
	return r.doc, nil
}

func TestVerifyJWSAcceptsValidSignature(t *testing.T) {
	km := keymanager.New()
	generated, err := km.GenerateKey(keymanager.DIDGenerationOptions{KeyType: did.Ed25519})
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	msg := didcomm.PlainMessage{
		ID:   "msg-1",
		Type: "https://tap.rsvp/schema/1.0#Authorize",
		Body: json.RawMessage(`{}`),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal message: %v", err)
	}
	jwsJSON, err := km.SignJWS(generated.DefaultKeyID(), payload, nil)
	if err != nil {
		t.Fatalf("SignJWS: %v", err)
	}

	v := New(staticResolver{doc: generated.Doc})
	got, err := v.VerifyJWS(context.Background(), jwsJSON)
	if err != nil {
		t.Fatalf("VerifyJWS: %v", err)
	}
	if got.ID != "msg-1" {
		t.Fatalf("got.ID = %q, want msg-1", got.ID)
	}
}

func TestVerifyJWSRejectsUnknownDID(t *testing.T) {
	km := keymanager.New()
	generated, err := km.GenerateKey(keymanager.DIDGenerationOptions{KeyType: did.Ed25519})
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	other, err := did.GenerateKey(did.Ed25519)
	if err != nil {
		t.Fatalf("GenerateKey(other): %v", err)
	}

	jwsJSON, err := km.SignJWS(generated.DefaultKeyID(), []byte(`{"id":"m","type":"t","body":{}}`), nil)
	if err != nil {
		t.Fatalf("SignJWS: %v", err)
	}

	v := New(staticResolver{doc: other.Doc})
	if _, err := v.VerifyJWS(context.Background(), jwsJSON); err == nil {
		t.Fatal("expected an error when the signer's DID cannot be resolved")
	}
}

func TestVerifyJWSRejectsTamperedSignature(t *testing.T) {
	km := keymanager.New()
	generated, err := km.GenerateKey(keymanager.DIDGenerationOptions{KeyType: did.Ed25519})
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	jwsJSON, err := km.SignJWS(generated.DefaultKeyID(), []byte(`{"id":"m","type":"t","body":{}}`), nil)
	if err != nil {
		t.Fatalf("SignJWS: %v", err)
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(jwsJSON), &parsed); err != nil {
		t.Fatalf("unmarshal jws: %v", err)
	}
	sigs := parsed["signatures"].([]any)
	entry := sigs[0].(map[string]any)
	entry["signature"] = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="
	tampered, err := json.Marshal(parsed)
	if err != nil {
		t.Fatalf("marshal tampered jws: %v", err)
	}

	v := New(staticResolver{doc: generated.Doc})
	if _, err := v.VerifyJWS(context.Background(), string(tampered)); err == nil {
		t.Fatal("expected an error for a tampered signature")
	}
}

func TestVerifyJWSRejectsNoSignatures(t *testing.T) {
	v := New(staticResolver{})
	if _, err := v.VerifyJWS(context.Background(), `{"payload":"e30=","signatures":[]}`); err == nil {
		t.Fatal("expected an error for a jws with no signatures")
	}
}
