package util

import (
	"strings"
	"testing"
)

func TestGeneratePemKeypairRoundTrip(t *testing.T) {
	pair := GeneratePemKeypair()

	if !strings.Contains(pair.Private, "PRIVATE KEY") {
		t.Fatalf("expected PKCS#8 private key PEM, got: %s", pair.Private)
	}
	if !strings.Contains(pair.Public, "PUBLIC KEY") {
		t.Fatalf("expected PKIX public key PEM, got: %s", pair.Public)
	}
}

func TestConvertPrivateKeyToPKCS8Idempotent(t *testing.T) {
	pair := GeneratePemKeypair()

	converted, err := ConvertPrivateKeyToPKCS8(pair.Private)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if converted != pair.Private {
		t.Fatalf("already-PKCS8 key should be returned unchanged")
	}
}

func TestConvertPublicKeyToPKIXIdempotent(t *testing.T) {
	pair := GeneratePemKeypair()

	converted, err := ConvertPublicKeyToPKIX(pair.Public)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if converted != pair.Public {
		t.Fatalf("already-PKIX key should be returned unchanged")
	}
}

func TestConvertPrivateKeyToPKCS8InvalidPEM(t *testing.T) {
	if _, err := ConvertPrivateKeyToPKCS8("not pem"); err == nil {
		t.Fatal("expected error for invalid PEM")
	}
}

func TestMarkdownLinksToHTML(t *testing.T) {
	in := "see [my post](https://example.com/p/1) for details"
	out := MarkdownLinksToHTML(in)

	want := `<a href="https://example.com/p/1" target="_blank" rel="noopener noreferrer">my post</a>`
	if !strings.Contains(out, want) {
		t.Fatalf("expected %q to contain %q", out, want)
	}
}

func TestIsURL(t *testing.T) {
	cases := map[string]bool{
		"https://example.com/users/alice": true,
		"http://example.com":              true,
		"not a url":                       false,
		"":                                false,
	}
	for in, want := range cases {
		if got := IsURL(in); got != want {
			t.Errorf("IsURL(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNormalizeInput(t *testing.T) {
	out := NormalizeInput("line one\nline two <b>")
	if strings.Contains(out, "\n") {
		t.Fatalf("expected newline stripped, got %q", out)
	}
	if !strings.Contains(out, "&lt;b&gt;") {
		t.Fatalf("expected html-escaped output, got %q", out)
	}
}
