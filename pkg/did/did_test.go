package did

import (
	"context"
	"strings"
	"testing"
)

func TestGenerateKeyEd25519RoundTripsThroughKeyResolver(t *testing.T) {
	generated, err := GenerateKey(Ed25519)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if !strings.HasPrefix(generated.DID, "did:key:z") {
		t.Fatalf("unexpected did:key form %q", generated.DID)
	}

	resolver := NewKeyResolver()
	doc, err := resolver.Resolve(context.Background(), generated.DID)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if doc == nil {
		t.Fatal("expected a document")
	}
	if doc.ID != generated.DID {
		t.Fatalf("doc.ID = %q, want %q", doc.ID, generated.DID)
	}
	if len(doc.VerificationMethod) != 1 {
		t.Fatalf("want 1 verification method, got %d", len(doc.VerificationMethod))
	}
	vm := doc.VerificationMethod[0]
	if vm.Material["kty"] != "OKP" || vm.Material["crv"] != "Ed25519" {
		t.Fatalf("unexpected jwk material %+v", vm.Material)
	}
	for _, list := range [][]string{doc.Authentication, doc.AssertionMethod, doc.KeyAgreement} {
		if len(list) != 1 || list[0] != vm.ID {
			t.Fatalf("relationship list does not reference the verification method: %v", list)
		}
	}
}

func TestGenerateKeyP256AndSecp256k1ProduceDistinctMulticodecs(t *testing.T) {
	p256, err := GenerateKey(P256)
	if err != nil {
		t.Fatalf("GenerateKey(P256): %v", err)
	}
	secp, err := GenerateKey(Secp256k1)
	if err != nil {
		t.Fatalf("GenerateKey(Secp256k1): %v", err)
	}
	if p256.DID == secp.DID {
		t.Fatal("expected distinct DIDs for distinct key types")
	}

	resolver := NewKeyResolver()
	for _, g := range []*GeneratedKey{p256, secp} {
		doc, err := resolver.Resolve(context.Background(), g.DID)
		if err != nil {
			t.Fatalf("Resolve(%s): %v", g.DID, err)
		}
		crv := doc.VerificationMethod[0].Material["crv"]
		if g.KeyType == P256 && crv != "P-256" {
			t.Fatalf("want crv P-256, got %v", crv)
		}
		if g.KeyType == Secp256k1 && crv != "secp256k1" {
			t.Fatalf("want crv secp256k1, got %v", crv)
		}
	}
}

func TestGenerateKeyUnsupportedType(t *testing.T) {
	if _, err := GenerateKey("Curve448"); err == nil {
		t.Fatal("expected an error for an unsupported key type")
	}
}

func TestGenerateWebDID(t *testing.T) {
	generated, err := GenerateWebDID("example.com", Ed25519)
	if err != nil {
		t.Fatalf("GenerateWebDID: %v", err)
	}
	if generated.DID != "did:web:example.com" {
		t.Fatalf("DID = %q, want did:web:example.com", generated.DID)
	}
	if len(generated.Doc.VerificationMethod) != 1 {
		t.Fatalf("want 1 verification method")
	}
	if generated.Doc.Authentication[0] != "did:web:example.com#keys-1" {
		t.Fatalf("unexpected authentication entry %q", generated.Doc.Authentication[0])
	}
}

func TestMethod(t *testing.T) {
	cases := map[string]string{
		"did:key:z6Mk...": "key",
		"did:web:example.com": "web",
		"not-a-did":           "",
		"":                    "",
	}
	for input, want := range cases {
		if got := Method(input); got != want {
			t.Errorf("Method(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestStripFragment(t *testing.T) {
	if got := StripFragment("did:key:abc#abc"); got != "did:key:abc" {
		t.Fatalf("StripFragment = %q", got)
	}
	if got := StripFragment("did:key:abc"); got != "did:key:abc" {
		t.Fatalf("StripFragment without fragment changed value: %q", got)
	}
}

func TestKeyResolverRejectsUnknownMethod(t *testing.T) {
	resolver := NewKeyResolver()
	doc, err := resolver.Resolve(context.Background(), "did:web:example.com")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if doc != nil {
		t.Fatal("KeyResolver should decline did:web identifiers with a nil document")
	}
}

func TestMultiResolverDispatchesByMethod(t *testing.T) {
	generated, err := GenerateKey(Ed25519)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	resolver := NewMultiResolver()
	doc, err := resolver.Resolve(context.Background(), generated.DID)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if doc.ID != generated.DID {
		t.Fatalf("doc.ID = %q, want %q", doc.ID, generated.DID)
	}
}

func TestMultiResolverUnregisteredMethod(t *testing.T) {
	resolver := NewMultiResolver()
	if _, err := resolver.Resolve(context.Background(), "did:example:abc"); err == nil {
		t.Fatal("expected an error for an unregistered method")
	}
}
