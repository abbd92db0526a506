package federation

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"net/http"
	"strings"
	"time"

	"code.superseriousbusiness.org/httpsig"
)

// signatureExpiry is the window a freshly created Signature is valid for
// (§4.2): 30 seconds at creation time.
const signatureExpiry = 30 * time.Second

// signatureFreshness is how old a (created)/Date value may be before
// inbound verification rejects it outright, independent of the signature's
// own stated expiry (§4.2, property 6).
const signatureFreshness = 5 * time.Minute

var signedHeaders = []string{"(request-target)", "host", "date", "digest"}

// ParsePrivateKey decodes an RSA private key PEM in either PKCS#1
// ("RSA PRIVATE KEY") or PKCS#8 ("PRIVATE KEY") form.
func ParsePrivateKey(pemString string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, NewCrypto("failed to decode PEM block", nil)
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, NewCrypto("parsing PKCS#1 private key", err)
		}
		return key, nil
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, NewCrypto("parsing PKCS#8 private key", err)
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, NewCrypto("PKCS#8 key is not RSA", nil)
		}
		return rsaKey, nil
	default:
		return nil, NewCrypto("unsupported private key PEM type: "+block.Type, nil)
	}
}

// ParsePublicKey decodes an RSA public key PEM in either PKCS#1
// ("RSA PUBLIC KEY") or PKIX ("PUBLIC KEY") form.
func ParsePublicKey(pemString string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, NewCrypto("failed to decode PEM block", nil)
	}

	switch block.Type {
	case "RSA PUBLIC KEY":
		key, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, NewCrypto("parsing PKCS#1 public key", err)
		}
		return key, nil
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, NewCrypto("parsing PKIX public key", err)
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, NewCrypto("PKIX key is not RSA", nil)
		}
		return rsaKey, nil
	default:
		return nil, NewCrypto("unsupported public key PEM type: "+block.Type, nil)
	}
}

// digestHeader computes the Digest header value for body (§4.7, §6).
func digestHeader(body []byte) string {
	sum := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
}

// SignRequest signs req in place with the cavage/hs2019 scheme (§4.2),
// covering (request-target), host, date and digest. req.Header["Digest"]
// is set from body if not already present.
func SignRequest(req *http.Request, privateKeyPEM string, keyID string, body []byte) error {
	privateKey, err := ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return err
	}

	if req.Header.Get("Digest") == "" {
		req.Header.Set("Digest", digestHeader(body))
	}
	if req.Header.Get("Date") == "" {
		req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	if req.Host == "" {
		req.Host = req.URL.Host
	}

	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.Algorithm("hs2019")},
		httpsig.DigestSha256,
		signedHeaders,
		httpsig.Signature,
		int64(signatureExpiry.Seconds()),
	)
	if err != nil {
		return NewCrypto("constructing signer", err)
	}

	if err := signer.SignRequest(crypto.PrivateKey(privateKey), keyID, req, body); err != nil {
		return NewCrypto("signing request", err)
	}
	return nil
}

// VerifyRequest checks the inbound Signature header against publicKeyPEM
// and returns the actor URI the keyId names (the keyId with any #fragment
// stripped, or the keyId verbatim if it has none) (§4.2, §4.8).
func VerifyRequest(req *http.Request, publicKeyPEM string) (string, error) {
	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return "", NewCrypto("parsing Signature header", err)
	}

	keyID := verifier.KeyId()
	if keyID == "" {
		return "", NewCrypto("Signature header missing keyId", nil)
	}

	if err := checkFreshness(req, verifier); err != nil {
		return "", err
	}

	publicKey, err := ParsePublicKey(publicKeyPEM)
	if err != nil {
		return "", err
	}

	if err := verifier.Verify(crypto.PublicKey(publicKey), httpsig.Algorithm("hs2019")); err != nil {
		return "", NewUnauthorised("signature verification failed", err)
	}

	return actorURIFromKeyID(keyID), nil
}

// checkFreshness rejects a signature whose (created) or Date header,
// whichever is later, is more than 5 minutes old — independent of the
// library's own expiry check (§4.2, property 6).
func checkFreshness(req *http.Request, verifier httpsig.Verifier) error {
	var created time.Time

	if dateHeader := req.Header.Get("Date"); dateHeader != "" {
		if t, err := http.ParseTime(dateHeader); err == nil {
			created = t
		}
	}

	if cr, ok := createdFromVerifier(verifier); ok && cr.After(created) {
		created = cr
	}

	if created.IsZero() {
		return NewUnauthorised("signature has no Date or (created) value", nil)
	}

	if time.Since(created) > signatureFreshness {
		return NewUnauthorised("signature older than 5 minutes", nil)
	}

	return nil
}

// createdFromVerifier best-efforts extraction of a (created) pseudo-header
// value from the verifier if the library surfaces one; hs2019 signatures
// from older libraries may omit it, in which case the Date header alone
// governs freshness.
func createdFromVerifier(verifier httpsig.Verifier) (time.Time, bool) {
	type createdProvider interface {
		Created() time.Time
	}
	if cp, ok := verifier.(createdProvider); ok {
		t := cp.Created()
		if !t.IsZero() {
			return t, true
		}
	}
	return time.Time{}, false
}

func actorURIFromKeyID(keyID string) string {
	if idx := strings.IndexByte(keyID, '#'); idx >= 0 {
		return keyID[:idx]
	}
	return keyID
}
