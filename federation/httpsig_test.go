package federation

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func genTestRSAKeyPEMs(t *testing.T) (privPKCS1, privPKCS8, pubPKIX string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	privPKCS1 = string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}))

	pkcs8, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshalling PKCS#8 key: %v", err)
	}
	privPKCS8 = string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8}))

	pkix, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshalling PKIX public key: %v", err)
	}
	pubPKIX = string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pkix}))
	return
}

func TestParsePrivateKeyAcceptsPKCS1AndPKCS8(t *testing.T) {
	pkcs1, pkcs8, _ := genTestRSAKeyPEMs(t)

	if _, err := ParsePrivateKey(pkcs1); err != nil {
		t.Errorf("expected PKCS#1 PEM to parse, got %v", err)
	}
	if _, err := ParsePrivateKey(pkcs8); err != nil {
		t.Errorf("expected PKCS#8 PEM to parse, got %v", err)
	}
}

func TestParsePrivateKeyRejectsGarbage(t *testing.T) {
	if _, err := ParsePrivateKey("not a pem block"); err == nil {
		t.Fatal("expected an error for an undecodable PEM string")
	}
	if _, err := ParsePrivateKey(string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: []byte("junk")}))); err == nil {
		t.Fatal("expected an error for an unsupported PEM block type")
	}
}

func TestParsePublicKeyAcceptsPKIX(t *testing.T) {
	_, _, pubPKIX := genTestRSAKeyPEMs(t)
	if _, err := ParsePublicKey(pubPKIX); err != nil {
		t.Errorf("expected PKIX public PEM to parse, got %v", err)
	}
}

func TestParsePublicKeyRejectsGarbage(t *testing.T) {
	if _, err := ParsePublicKey("garbage"); err == nil {
		t.Fatal("expected an error for an undecodable PEM string")
	}
}

func TestSignRequestThenVerifyRequestRoundTrips(t *testing.T) {
	privPEM, _, pubPEM := genTestRSAKeyPEMs(t)
	body := []byte(`{"type":"Follow"}`)

	req := httptest.NewRequest(http.MethodPost, "https://kitsune.example/users/bob/inbox", strings.NewReader(string(body)))
	keyID := "https://remote.example/users/alice#main-key"

	if err := SignRequest(req, privPEM, keyID, body); err != nil {
		t.Fatalf("SignRequest failed: %v", err)
	}

	actorURI, err := VerifyRequest(req, pubPEM)
	if err != nil {
		t.Fatalf("VerifyRequest failed: %v", err)
	}
	if actorURI != "https://remote.example/users/alice" {
		t.Errorf("expected the keyId's actor uri with the fragment stripped, got %q", actorURI)
	}
}

func TestVerifyRequestRejectsWrongKey(t *testing.T) {
	privPEM, _, _ := genTestRSAKeyPEMs(t)
	_, _, otherPubPEM := genTestRSAKeyPEMs(t)
	body := []byte(`{"type":"Follow"}`)

	req := httptest.NewRequest(http.MethodPost, "https://kitsune.example/users/bob/inbox", strings.NewReader(string(body)))
	if err := SignRequest(req, privPEM, "https://remote.example/users/alice#main-key", body); err != nil {
		t.Fatalf("SignRequest failed: %v", err)
	}

	if _, err := VerifyRequest(req, otherPubPEM); err == nil {
		t.Fatal("expected verification against an unrelated public key to fail")
	}
}

func TestVerifyRequestRejectsStaleSignature(t *testing.T) {
	privPEM, _, pubPEM := genTestRSAKeyPEMs(t)
	body := []byte(`{"type":"Follow"}`)

	req := httptest.NewRequest(http.MethodPost, "https://kitsune.example/users/bob/inbox", strings.NewReader(string(body)))
	req.Header.Set("Date", time.Now().Add(-time.Hour).UTC().Format(http.TimeFormat))
	if err := SignRequest(req, privPEM, "https://remote.example/users/alice#main-key", body); err != nil {
		t.Fatalf("SignRequest failed: %v", err)
	}

	_, err := VerifyRequest(req, pubPEM)
	if err == nil {
		t.Fatal("expected a signature dated an hour ago to be rejected as stale")
	}
	if kind, ok := KindOf(err); !ok || kind != KindUnauthorised {
		t.Errorf("expected KindUnauthorised for a stale signature, got %v", kind)
	}
}

func TestActorURIFromKeyIDStripsFragment(t *testing.T) {
	if got, want := actorURIFromKeyID("https://remote.example/users/alice#main-key"), "https://remote.example/users/alice"; got != want {
		t.Errorf("actorURIFromKeyID() = %q, want %q", got, want)
	}
	if got, want := actorURIFromKeyID("https://remote.example/users/alice"), "https://remote.example/users/alice"; got != want {
		t.Errorf("actorURIFromKeyID() with no fragment = %q, want %q", got, want)
	}
}
